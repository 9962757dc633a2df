package observability

import (
	"encoding/json"
	"io"
	"log"
	"maps"
	"os"
	"time"
)

// Logger writes one JSON object per line. Fields bound with With are merged
// under the per-call fields; a per-call key wins over a bound one.
type Logger struct {
	base   *log.Logger
	fields map[string]any
	now    func() time.Time
}

func NewLogger() *Logger {
	return NewLoggerTo(os.Stdout)
}

func NewLoggerTo(w io.Writer) *Logger {
	return &Logger{base: log.New(w, "", 0), now: time.Now}
}

// With returns a logger sharing the same output that stamps fields on every
// line.
func (l *Logger) With(fields map[string]any) *Logger {
	bound := maps.Clone(l.fields)
	if bound == nil {
		bound = make(map[string]any, len(fields))
	}
	maps.Copy(bound, fields)
	return &Logger{base: l.base, fields: bound, now: l.now}
}

func (l *Logger) WithClock(now func() time.Time) *Logger {
	l.now = now
	return l
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.write("info", message, fields)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.write("warn", message, fields)
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.write("error", message, fields)
}

func (l *Logger) write(level, message string, fields map[string]any) {
	payload := make(map[string]any, len(l.fields)+len(fields)+3)
	maps.Copy(payload, l.fields)
	maps.Copy(payload, fields)
	payload["timestamp"] = l.now().UTC().Format(time.RFC3339Nano)
	payload["level"] = level
	payload["message"] = message

	encoded, err := json.Marshal(payload)
	if err != nil {
		l.base.Println(`{"level":"error","message":"failed to encode log","log_message":` + quote(message) + `}`)
		return
	}

	l.base.Println(string(encoded))
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

package observability

import (
	"sync"
	"time"
)

type Event struct {
	Time       time.Time `json:"time"`
	Component  string    `json:"component"`
	Operation  string    `json:"operation"`
	DurationMS float64   `json:"duration_ms"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
}

// EventBuffer is a fixed-size ring of the most recent events. It is safe
// for concurrent use; the oldest event is overwritten when full.
type EventBuffer struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

func NewEventBuffer(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = 256
	}
	return &EventBuffer{events: make([]Event, capacity)}
}

func (b *EventBuffer) Record(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[b.next] = event
	b.next = (b.next + 1) % len(b.events)
	if b.next == 0 {
		b.full = true
	}
}

// Snapshot returns the buffered events, oldest first.
func (b *EventBuffer) Snapshot() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		out := make([]Event, b.next)
		copy(out, b.events[:b.next])
		return out
	}

	out := make([]Event, 0, len(b.events))
	out = append(out, b.events[b.next:]...)
	out = append(out, b.events[:b.next]...)
	return out
}

func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.full {
		return len(b.events)
	}
	return b.next
}

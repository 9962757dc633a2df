package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"finance-tracker/internal/app"
	"finance-tracker/internal/observability"
)

// The serverless entry builds the runtime lazily and keeps it for the life
// of the instance. It starts no sweepers; a scheduled call to
// /internal/maintenance/cleanup stands in. A failed build is retried on the
// next request instead of pinning the instance to an error.
var (
	mu         sync.Mutex
	apiRuntime *app.Runtime
	build      = func() (*app.Runtime, error) {
		return app.Build(app.Options{
			LoadDotEnv:    false,
			RunMigrations: app.EnvBoolOrDefault("RUN_MIGRATIONS_ON_STARTUP", false),
		})
	}
	bootLogger = observability.NewLogger().With(map[string]any{"entry": "serverless"})
)

func currentRuntime() (*app.Runtime, error) {
	mu.Lock()
	defer mu.Unlock()

	if apiRuntime != nil {
		return apiRuntime, nil
	}
	rt, err := build()
	if err != nil {
		return nil, err
	}
	apiRuntime = rt
	return rt, nil
}

func Handler(w http.ResponseWriter, r *http.Request) {
	rt, err := currentRuntime()
	if err != nil {
		bootLogger.Error("bootstrap_failed", map[string]any{
			"error":  err.Error(),
			"method": r.Method,
			"path":   r.URL.Path,
		})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "application bootstrap failed"})
		return
	}

	rt.Handler.ServeHTTP(w, r)
}

package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// health is a liveness probe for container schedulers.
func health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}

// readiness probes storage before reporting ready.
func readiness(pinger Pinger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := pinger.Ping(ctx); err != nil {
				logger.Warn("readiness probe failed", "error", err)
				writeError(w, http.StatusServiceUnavailable, "not_ready", "storage unavailable", logger)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, logger)
	})
}

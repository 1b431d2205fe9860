package server

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// handleStatus reports plaintext liveness. The endpoint is public and is
// what load balancers and the health-check CLI poll.
func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	redisState := "ok"

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.deps.Redis.Ping(ctx).Err(); err != nil {
		status = "error"
		redisState = fmt.Sprintf("error: %s", err)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	fmt.Fprintf(w, "status: %s\n", status)
	fmt.Fprintf(w, "version: %s\n", a.deps.Version)
	fmt.Fprintf(w, "date: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(w, "node: %s\n", a.cfg.NodeName)
	fmt.Fprintf(w, "uptime: %d\n", int64(time.Since(a.startedAt).Seconds()))
	fmt.Fprintf(w, "redis: %s\n", redisState)
}

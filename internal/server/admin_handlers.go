package server

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/backend"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/middleware"
)

// handleRPCList returns the rolling RPC call log, newest first.
func (a *App) handleRPCList(w http.ResponseWriter, r *http.Request) {
	records, err := a.deps.Records.List(r.Context())
	if err != nil {
		middleware.WriteError(w, r, a.logger, err, true)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleBlockedClients lists addresses currently in a brute-force block.
func (a *App) handleBlockedClients(w http.ResponseWriter, r *http.Request) {
	clients, err := a.deps.Gate.BlockedClients(r.Context())
	if err != nil {
		middleware.WriteError(w, r, a.logger, err, true)
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

// handleUnblockAll clears every block key.
func (a *App) handleUnblockAll(w http.ResponseWriter, r *http.Request) {
	count, err := a.deps.Gate.ClearAllBlocks(r.Context())
	if err != nil {
		middleware.WriteError(w, r, a.logger, err, true)
		return
	}
	a.logger.Info("Unblocked all clients",
		zap.Int64("count", count),
		zap.String("by", middleware.ClientAddr(r.Context())),
	)
	writeJSON(w, http.StatusOK, map[string]int64{"unblocked": count})
}

// handleUnblock clears the block of one address.
func (a *App) handleUnblock(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("ip")
	if addr == "" {
		middleware.WriteError(w, r, a.logger, backend.BadValuef("client address missing"), true)
		return
	}
	if err := a.deps.Gate.ClearBlock(r.Context(), addr); err != nil {
		middleware.WriteError(w, r, a.logger, err, true)
		return
	}
	a.logger.Info("Unblocked client",
		zap.String("client", addr),
		zap.String("by", middleware.ClientAddr(r.Context())),
	)
	writeJSON(w, http.StatusOK, map[string]string{"unblocked": addr})
}

type maintenanceRequest struct {
	// RetryAfter is the advertised downtime in seconds; 0 ends the
	// maintenance window.
	RetryAfter int `json:"retry_after"`
}

// handleMaintenance marks this worker overloaded so non-exempt clients
// receive 503 with Retry-After until the window passes.
func (a *App) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, a.logger, backend.BadValuef("invalid maintenance body: %s", err), true)
		return
	}
	if req.RetryAfter < 0 {
		middleware.WriteError(w, r, a.logger, backend.BadValuef("retry_after must be >= 0"), true)
		return
	}
	a.deps.Sessions.SetOverload(time.Duration(req.RetryAfter) * time.Second)
	a.logger.Warn("Maintenance window set",
		zap.Int("retry_after", req.RetryAfter),
		zap.String("by", middleware.ClientAddr(r.Context())),
	)
	writeJSON(w, http.StatusOK, map[string]int{"retry_after": req.RetryAfter})
}

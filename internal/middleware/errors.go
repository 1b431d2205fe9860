package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/auth"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/backend"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/session"
)

// OverloadError sheds a request while the session manager is overloaded.
type OverloadError struct {
	RetryAfter time.Duration
}

func (e *OverloadError) Error() string {
	return fmt.Sprintf("server overloaded, retry after %.0fs", e.RetryAfter.Seconds())
}

var errUpgradeClose = websocket.Upgrader{
	CheckOrigin:      func(*http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

// WriteError is the single place errors become responses. Plain requests
// get a status code and a JSON body; websocket upgrades get a close frame.
// Error detail beyond the generic message is reserved for admin sessions.
func WriteError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error, admin bool) {
	status, message := mapError(err)
	logger.Debug("Request failed",
		zap.Uint64("request_id", RequestID(r.Context())),
		zap.String("client", ClientAddr(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	)

	if websocket.IsWebSocketUpgrade(r) {
		writeWebsocketError(w, r, logger, status, message, err, admin)
		return
	}

	switch status {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `Basic realm="opsiconfd"`)
	case http.StatusServiceUnavailable:
		var overload *OverloadError
		if errors.As(err, &overload) {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", overload.RetryAfter.Seconds()))
		}
	}

	body := map[string]interface{}{"error": message}
	if admin {
		body["detail"] = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeWebsocketError completes the upgrade so the close frame can carry
// the mapped code; rejecting the handshake would only yield an opaque
// HTTP error to the client.
func writeWebsocketError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, status int, message string, err error, admin bool) {
	conn, upgradeErr := errUpgradeClose.Upgrade(w, r, nil)
	if upgradeErr != nil {
		logger.Debug("Upgrade for error close frame failed", zap.Error(upgradeErr))
		return
	}
	defer conn.Close()

	reason := message
	if admin {
		reason = err.Error()
	}
	// Close frame payloads are capped at 125 bytes.
	if len(reason) > 100 {
		reason = reason[:100]
	}
	frame := websocket.FormatCloseMessage(closeCode(status), reason)
	_ = conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(5*time.Second))
}

// mapError folds every error kind of the service into an HTTP status and a
// user-visible message.
func mapError(err error) (int, string) {
	var overload *OverloadError
	switch {
	case errors.As(err, &overload):
		return http.StatusServiceUnavailable, "server overloaded"
	case errors.Is(err, auth.ErrAuthentication):
		return http.StatusUnauthorized, "authentication error"
	case errors.Is(err, auth.ErrBlocked):
		return http.StatusForbidden, "client blocked"
	case errors.Is(err, auth.ErrNetworkDenied):
		return http.StatusForbidden, "access denied"
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusForbidden, "too many sessions"
	}
	switch backend.KindOf(err) {
	case backend.KindAuthentication:
		return http.StatusUnauthorized, "authentication error"
	case backend.KindPermission:
		// Legacy clients expect 401 for missing privilege.
		return http.StatusUnauthorized, "permission denied"
	case backend.KindBadValue:
		return http.StatusBadRequest, "invalid request"
	case backend.KindNotFound:
		return http.StatusNotFound, "not found"
	}
	return http.StatusInternalServerError, "internal server error"
}

// closeCode maps an HTTP status onto a websocket close code. Overload uses
// the standard try-again-later code, everything else the 4xxx range
// mirroring HTTP.
func closeCode(status int) int {
	switch status {
	case http.StatusServiceUnavailable:
		return websocket.CloseTryAgainLater
	case http.StatusUnauthorized:
		return 4401
	case http.StatusForbidden:
		return 4403
	case http.StatusBadRequest:
		return 4400
	case http.StatusNotFound:
		return 4404
	default:
		return 4500
	}
}

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/auth"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/backend"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/middleware"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/session"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	SessionID   string `json:"session_id"`
	IsAdmin     bool   `json:"is_admin"`
	AccessToken string `json:"access_token,omitempty"`
}

// handleLogin authenticates the credentials in the request body against
// the gate and binds the principal to the session. Login is a public path,
// so the block check runs here instead of in the middleware.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientAddr := middleware.ClientAddr(ctx)

	blocked, err := a.deps.Gate.IsBlocked(ctx, clientAddr)
	if err != nil {
		middleware.WriteError(w, r, a.logger, err, false)
		return
	}
	if blocked {
		middleware.WriteError(w, r, a.logger, auth.ErrBlocked, false)
		return
	}

	creds, err := loginCredentials(r)
	if err != nil {
		middleware.WriteError(w, r, a.logger, backend.BadValuef("%s", err), false)
		return
	}

	s := middleware.SessionFromContext(ctx)
	created := false
	if s == nil {
		s, err = a.deps.Sessions.Get(ctx, clientAddr, r.UserAgent(), "")
		if err != nil {
			middleware.WriteError(w, r, a.logger, err, false)
			return
		}
		created = true
	}

	principal, err := a.deps.Gate.Authenticate(ctx, clientAddr, creds)
	if err != nil {
		middleware.WriteError(w, r, a.logger, err, false)
		return
	}
	if principal.HostID != "" {
		s.SetHostAuthenticated(principal.HostID, principal.IsDepot)
	} else {
		s.SetUserAuthenticated(principal.Username, principal.Groups, principal.IsAdmin, principal.IsReadOnly)
	}

	// The session must be readable before the response is on the wire so
	// the client can use it immediately.
	if err := a.deps.Sessions.Store(ctx, s, true, false); err != nil {
		middleware.WriteError(w, r, a.logger, err, s.IsAdmin)
		return
	}
	if created {
		http.SetCookie(w, s.Cookie())
	}

	token, err := a.deps.Gate.Tokens().Issue(principal)
	if err != nil {
		a.logger.Warn("Access token issue failed",
			zap.String("principal", principal.Name()),
			zap.Error(err),
		)
		token = ""
	}

	a.logger.Info("Login",
		zap.String("client", clientAddr),
		zap.String("principal", s.Principal()),
		zap.Bool("admin", s.IsAdmin),
	)
	writeJSON(w, http.StatusOK, loginResponse{
		SessionID:   s.ID,
		IsAdmin:     s.IsAdmin,
		AccessToken: token,
	})
}

// loginCredentials reads credentials from a JSON body, a form body or the
// Authorization header, in that order.
func loginCredentials(r *http.Request) (auth.Credentials, error) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return auth.Credentials{}, fmt.Errorf("invalid login body: %w", err)
		}
		if req.Username == "" {
			return auth.Credentials{}, fmt.Errorf("username missing")
		}
		return auth.Credentials{Method: auth.MethodBasic, Username: req.Username, Password: req.Password}, nil
	}

	if err := r.ParseForm(); err == nil && r.PostFormValue("username") != "" {
		return auth.Credentials{
			Method:   auth.MethodBasic,
			Username: r.PostFormValue("username"),
			Password: r.PostFormValue("password"),
		}, nil
	}

	if creds, ok := auth.ExtractCredentials(r); ok {
		return creds, nil
	}
	return auth.Credentials{}, fmt.Errorf("no credentials in request")
}

// handleLogout removes the session. Without a session it still succeeds.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := middleware.SessionFromContext(ctx)
	if s != nil && !s.Deleted() {
		if err := a.deps.Sessions.Delete(ctx, s); err != nil {
			middleware.WriteError(w, r, a.logger, err, s.IsAdmin)
			return
		}
		a.logger.Info("Logout",
			zap.String("client", middleware.ClientAddr(ctx)),
			zap.String("principal", s.Principal()),
		)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     session.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "session deleted"})
}

// handleAuthenticated only answers once the middleware let an
// authenticated session through.
func (a *App) handleAuthenticated(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"authenticated": true})
}

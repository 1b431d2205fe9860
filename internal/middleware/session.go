package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/auth"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/backend"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/session"
)

// SessionLifetimeHeader carries a client hint for the session max-age.
const SessionLifetimeHeader = "X-Opsi-Session-Lifetime"

// Requirement is the role an endpoint demands.
type Requirement int

const (
	RequirePublic Requirement = iota
	RequireAuthenticated
	RequireAdmin
)

// RequirementFunc resolves the role requirement of a request. The router
// supplies one; nil means every non-public path requires authentication.
type RequirementFunc func(r *http.Request) Requirement

// Sessions resolves cookie, session and credentials for each request and
// enforces the access checks in their canonical order.
type Sessions struct {
	manager          *session.Manager
	gate             *auth.Gate
	logger           *zap.Logger
	requirement      RequirementFunc
	overloadExcludes map[string]struct{}
}

// SessionOptions configures the session middleware.
type SessionOptions struct {
	Requirement RequirementFunc
	// OverloadExcludes lists client addresses served even while the
	// manager sheds load. Loopback is always exempt.
	OverloadExcludes []string
}

// NewSessions builds the session middleware.
func NewSessions(manager *session.Manager, gate *auth.Gate, logger *zap.Logger, opts SessionOptions) *Sessions {
	requirement := opts.Requirement
	if requirement == nil {
		requirement = func(r *http.Request) Requirement {
			if auth.IsPublicPath(r.URL.Path) {
				return RequirePublic
			}
			return RequireAuthenticated
		}
	}
	excludes := make(map[string]struct{}, len(opts.OverloadExcludes))
	for _, addr := range opts.OverloadExcludes {
		excludes[addr] = struct{}{}
	}
	return &Sessions{
		manager:          manager,
		gate:             gate,
		logger:           logger,
		requirement:      requirement,
		overloadExcludes: excludes,
	}
}

// Middleware returns the HTTP middleware function.
func (m *Sessions) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		clientAddr := ClientAddr(ctx)
		required := m.requirement(r)

		if err := m.gate.CheckNetwork(clientAddr); err != nil {
			WriteError(w, r, m.logger, err, false)
			return
		}
		if required == RequireAdmin && !m.gate.InAdminNetwork(clientAddr) {
			WriteError(w, r, m.logger,
				fmt.Errorf("%w: admin endpoint %s", auth.ErrNetworkDenied, r.URL.Path), false)
			return
		}

		public := required == RequirePublic || auth.IsPublicPath(r.URL.Path)
		sessionID := sessionIDFromRequest(r)

		// Public paths are served without a session unless the client
		// already has one.
		if public && sessionID == "" {
			next.ServeHTTP(w, r)
			return
		}

		if !public {
			blocked, err := m.gate.IsBlocked(ctx, clientAddr)
			if err != nil {
				WriteError(w, r, m.logger, err, false)
				return
			}
			if blocked {
				WriteError(w, r, m.logger, auth.ErrBlocked, false)
				return
			}
			if d := m.manager.OverloadedFor(); d > 0 && !m.overloadExempt(clientAddr) {
				WriteError(w, r, m.logger, &OverloadError{RetryAfter: d}, false)
				return
			}
		}

		s, err := m.manager.Get(ctx, clientAddr, r.UserAgent(), sessionID)
		if err != nil {
			WriteError(w, r, m.logger, err, false)
			return
		}
		m.applyLifetimeHint(r, s)

		if !public && !s.Authenticated {
			creds, ok := auth.ExtractCredentials(r)
			if !ok {
				WriteError(w, r, m.logger,
					fmt.Errorf("%w: no credentials", auth.ErrAuthentication), false)
				return
			}
			principal, err := m.gate.Authenticate(ctx, clientAddr, creds)
			if err != nil {
				WriteError(w, r, m.logger, err, false)
				return
			}
			if principal.HostID != "" {
				s.SetHostAuthenticated(principal.HostID, principal.IsDepot)
			} else {
				s.SetUserAuthenticated(principal.Username, principal.Groups, principal.IsAdmin, principal.IsReadOnly)
			}
			m.logger.Info("Session authenticated",
				zap.String("client", clientAddr),
				zap.String("principal", s.Principal()),
				zap.Bool("admin", s.IsAdmin),
			)
		}

		if required != RequirePublic && !s.Authenticated {
			WriteError(w, r, m.logger,
				fmt.Errorf("%w: authentication required", auth.ErrAuthentication), false)
			return
		}
		if required == RequireAdmin && !s.IsAdmin {
			WriteError(w, r, m.logger,
				backend.PermissionDeniedf("administrator privilege required"), s.IsAdmin)
			return
		}

		cw := &cookieWriter{ResponseWriter: w, session: s}
		next.ServeHTTP(cw, r.WithContext(WithSession(ctx, s)))

		if !s.Deleted() {
			// New sessions are persisted before the response is on the
			// wire so an immediate follow-up request finds them.
			if err := m.manager.Store(ctx, s, s.IsNew(), !s.IsNew()); err != nil {
				m.logger.Warn("Failed to store session",
					zap.String("session_id", s.ID),
					zap.Error(err),
				)
			}
		}
	})
}

func (m *Sessions) overloadExempt(clientAddr string) bool {
	if ip := net.ParseIP(clientAddr); ip != nil && ip.IsLoopback() {
		return true
	}
	_, ok := m.overloadExcludes[clientAddr]
	return ok
}

func (m *Sessions) applyLifetimeHint(r *http.Request, s *session.Session) {
	hint := r.Header.Get(SessionLifetimeHeader)
	if hint == "" {
		return
	}
	seconds, err := strconv.Atoi(hint)
	if err != nil {
		m.logger.Debug("Ignoring unparseable session lifetime hint",
			zap.String("value", hint),
		)
		return
	}
	s.SetMaxAge(seconds)
}

func sessionIDFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(session.CookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// cookieWriter emits Set-Cookie just before headers go out, when it is
// known whether the session is new or its cookie attributes changed.
type cookieWriter struct {
	http.ResponseWriter
	session     *session.Session
	wroteHeader bool
}

func (cw *cookieWriter) WriteHeader(status int) {
	if cw.wroteHeader {
		return
	}
	cw.wroteHeader = true
	if cw.session.IsNew() || cw.session.CookieChanged() {
		if !cw.session.Deleted() {
			http.SetCookie(cw, cw.session.Cookie())
		}
	}
	cw.ResponseWriter.WriteHeader(status)
}

func (cw *cookieWriter) Write(p []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	return cw.ResponseWriter.Write(p)
}

func (cw *cookieWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := cw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	cw.wroteHeader = true
	return hj.Hijack()
}

func (cw *cookieWriter) Flush() {
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Base derives the client address, assigns request ids and attaches CORS
// headers. It runs outermost so everything downstream can rely on
// ClientAddr and RequestID.
type Base struct {
	logger         *zap.Logger
	trustedProxies []*net.IPNet
	cors           *cors.Cors

	requestID atomic.Uint64
}

// NewBase builds the base middleware. trustedProxies lists the peers whose
// X-Forwarded-For header is believed.
func NewBase(logger *zap.Logger, trustedProxies []*net.IPNet) *Base {
	return &Base{
		logger:         logger,
		trustedProxies: trustedProxies,
		cors: cors.New(cors.Options{
			// The origin is reflected, scheme and port included, because
			// management UIs are served from arbitrary hosts.
			AllowOriginFunc:  func(r *http.Request, origin string) bool { return true },
			AllowCredentials: true,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodHead, http.MethodOptions},
			AllowedHeaders: []string{
				"Accept", "Accept-Encoding", "Authorization", "Content-Type",
				"Content-Encoding", "X-Opsi-Session-Lifetime", "X-Requested-With",
			},
			ExposedHeaders: []string{"Server-Timing"},
			MaxAge:         300,
		}),
	}
}

// Middleware returns the HTTP middleware function.
func (b *Base) Middleware(next http.Handler) http.Handler {
	return b.cors.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = withClientAddr(ctx, b.clientAddr(r))
		ctx = withRequestID(ctx, b.requestID.Add(1))
		next.ServeHTTP(w, r.WithContext(ctx))
	}))
}

// clientAddr returns the sanitized peer address. X-Forwarded-For is only
// honored when the direct peer is a trusted proxy; the first hop of the
// header is the original client.
func (b *Base) clientAddr(r *http.Request) string {
	peer := hostOf(r.RemoteAddr)
	peerIP := net.ParseIP(peer)
	if peerIP == nil {
		return peer
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" && b.trustedProxy(peerIP) {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if ip := net.ParseIP(hostOf(first)); ip != nil {
			return ip.String()
		}
		b.logger.Debug("Ignoring unparseable X-Forwarded-For", zap.String("header", fwd))
	}
	return peerIP.String()
}

func (b *Base) trustedProxy(ip net.IP) bool {
	for _, n := range b.trustedProxies {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}

// Package middleware is the request pipeline in front of every endpoint:
// client address derivation, request ids, CORS, request statistics, session
// resolution with authentication, and the centralized error mapping.
package middleware

import (
	"context"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/session"
)

type contextKey int

const (
	ctxKeyClientAddr contextKey = iota
	ctxKeyRequestID
	ctxKeySession
)

// ClientAddr returns the sanitized peer address stored by the base
// middleware, or empty when the request bypassed it.
func ClientAddr(ctx context.Context) string {
	addr, _ := ctx.Value(ctxKeyClientAddr).(string)
	return addr
}

// RequestID returns the id assigned by the base middleware.
func RequestID(ctx context.Context) uint64 {
	id, _ := ctx.Value(ctxKeyRequestID).(uint64)
	return id
}

// SessionFromContext returns the session resolved for this request, or nil
// on public paths without a cookie.
func SessionFromContext(ctx context.Context) *session.Session {
	s, _ := ctx.Value(ctxKeySession).(*session.Session)
	return s
}

// WithSession attaches a session to the context. Exposed for handlers that
// establish sessions themselves (login).
func WithSession(ctx context.Context, s *session.Session) context.Context {
	return context.WithValue(ctx, ctxKeySession, s)
}

func withClientAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, ctxKeyClientAddr, addr)
}

func withRequestID(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

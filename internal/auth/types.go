// Package auth is the access gate in front of every endpoint: network
// allow-lists, the public-path table, brute-force blocking, credential
// verification and role resolution.
package auth

import (
	"errors"
	"strings"
)

// Errors surfaced to the request pipeline. Authentication failures are
// deliberately uniform so callers cannot probe which factor was wrong.
var (
	// ErrNetworkDenied rejects peers outside the configured networks.
	ErrNetworkDenied = errors.New("address not in allowed networks")
	// ErrBlocked rejects peers in a brute-force cool-down.
	ErrBlocked = errors.New("client temporarily blocked")
	// ErrAuthentication is the uniform credential failure.
	ErrAuthentication = errors.New("authentication failed")
)

// Credential methods.
const (
	MethodBasic   = "basic"
	MethodHostKey = "host-key"
	MethodBearer  = "bearer"
)

// Credentials are the raw secrets extracted from a request.
type Credentials struct {
	Method   string
	Username string
	Password string
	Token    string
}

// Principal is the verified identity produced by the gate.
type Principal struct {
	Username   string
	Groups     []string
	IsAdmin    bool
	IsReadOnly bool
	// HostID is set when the principal is a managed host or depot; then
	// Username carries the host id too.
	HostID  string
	IsDepot bool
}

// Name returns the identity string of the principal.
func (p *Principal) Name() string {
	if p.HostID != "" {
		return p.HostID
	}
	return p.Username
}

// Paths served without credentials. A session is still resolved when the
// request presents a cookie.
var publicPaths = []string{
	"/favicon.ico",
	"/public",
	"/robots.txt",
	"/session/login",
	"/ssl/opsi-ca-cert.pem",
	"/status",
}

// IsPublicPath reports whether the path is served without authentication.
func IsPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/backend/sqlstore"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/metrics"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/redis"
)

// Responses to failed credentials are delayed to reduce their value as a
// probing oracle.
const defaultFailureDelay = 200 * time.Millisecond

// Options configures the gate.
type Options struct {
	Networks      []*net.IPNet
	AdminNetworks []*net.IPNet

	AdminGroup    string
	ReadOnlyGroup string

	MaxAuthFailures      int
	AuthFailuresInterval time.Duration
	ClientBlockTime      time.Duration

	AllowHostKeyOnlyAuth bool
	// UpdateIP feeds the peer address of authenticated hosts back into the
	// object store.
	UpdateIP bool

	// FailureDelay overrides the default failed-auth response delay.
	// Negative disables the delay (tests).
	FailureDelay time.Duration
}

// Gate verifies who is knocking. It owns no session state; callers attach
// the returned principal to their session.
type Gate struct {
	store  *sqlstore.Store
	rdb    *goredis.Client
	keys   redis.Keys
	ts     redis.TimeSeries
	tokens *TokenManager
	logger *zap.Logger
	opts   Options
}

// NewGate builds the access gate.
func NewGate(store *sqlstore.Store, rdb *goredis.Client, keys redis.Keys, ts redis.TimeSeries, tokens *TokenManager, logger *zap.Logger, opts Options) *Gate {
	if opts.FailureDelay == 0 {
		opts.FailureDelay = defaultFailureDelay
	}
	if opts.MaxAuthFailures <= 0 {
		opts.MaxAuthFailures = 10
	}
	if opts.AuthFailuresInterval <= 0 {
		opts.AuthFailuresInterval = 120 * time.Second
	}
	if opts.ClientBlockTime <= 0 {
		opts.ClientBlockTime = 120 * time.Second
	}
	return &Gate{
		store:  store,
		rdb:    rdb,
		keys:   keys,
		ts:     ts,
		tokens: tokens,
		logger: logger,
		opts:   opts,
	}
}

// Tokens exposes the token manager for the login endpoint.
func (g *Gate) Tokens() *TokenManager {
	return g.tokens
}

// CheckNetwork rejects peers outside the configured networks.
func (g *Gate) CheckNetwork(clientAddr string) error {
	ip := net.ParseIP(clientAddr)
	if ip == nil {
		return fmt.Errorf("%w: unparseable address %q", ErrNetworkDenied, clientAddr)
	}
	for _, n := range g.opts.Networks {
		if n.Contains(ip) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNetworkDenied, clientAddr)
}

// InAdminNetwork reports whether the peer may hold admin privileges.
func (g *Gate) InAdminNetwork(clientAddr string) bool {
	ip := net.ParseIP(clientAddr)
	if ip == nil {
		return false
	}
	for _, n := range g.opts.AdminNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ExtractCredentials pulls credentials out of a request. The second return
// is false when the request carries none.
func ExtractCredentials(r *http.Request) (Credentials, bool) {
	if token := BearerToken(r.Header.Get("Authorization")); token != "" {
		return Credentials{Method: MethodBearer, Token: token}, true
	}
	username, password, ok := r.BasicAuth()
	if !ok {
		return Credentials{}, false
	}
	if username == "" {
		return Credentials{Method: MethodHostKey, Password: password}, true
	}
	return Credentials{Method: MethodBasic, Username: username, Password: password}, true
}

// Authenticate verifies credentials and resolves roles. Failures are
// uniform, recorded against the client address and delayed.
func (g *Gate) Authenticate(ctx context.Context, clientAddr string, creds Credentials) (*Principal, error) {
	principal, err := g.verify(ctx, clientAddr, creds)
	if err != nil {
		g.logger.Info("Authentication failed",
			zap.String("client", clientAddr),
			zap.String("method", creds.Method),
			zap.Error(err),
		)
		blocked, recordErr := g.RecordAuthFailure(ctx, clientAddr)
		if recordErr != nil {
			g.logger.Warn("Failed to record authentication failure", zap.Error(recordErr))
		}
		metrics.ObserveAuthFailure(blocked)
		g.delay(ctx)
		return nil, ErrAuthentication
	}
	return principal, nil
}

func (g *Gate) verify(ctx context.Context, clientAddr string, creds Credentials) (*Principal, error) {
	switch creds.Method {
	case MethodBearer:
		return g.verifyToken(clientAddr, creds.Token)
	case MethodHostKey:
		if !g.opts.AllowHostKeyOnlyAuth {
			return nil, fmt.Errorf("host key only authentication is disabled")
		}
		host, err := g.store.GetHostByKey(ctx, creds.Password)
		if err != nil {
			return nil, fmt.Errorf("host key lookup: %w", err)
		}
		return g.hostPrincipal(host, clientAddr), nil
	case MethodBasic:
		return g.verifyBasic(ctx, clientAddr, creds)
	default:
		return nil, fmt.Errorf("no credentials")
	}
}

// verifyBasic authenticates either a managed host (username is a host id,
// password its pre-shared key) or a service user (bcrypt password).
func (g *Gate) verifyBasic(ctx context.Context, clientAddr string, creds Credentials) (*Principal, error) {
	host, err := g.store.GetHost(ctx, creds.Username)
	switch {
	case err == nil:
		if !host.HostKey.Valid || host.HostKey.String == "" {
			return nil, fmt.Errorf("host %s has no key", host.ID)
		}
		if subtle.ConstantTimeCompare([]byte(host.HostKey.String), []byte(creds.Password)) != 1 {
			return nil, fmt.Errorf("host key mismatch for %s", host.ID)
		}
		return g.hostPrincipal(host, clientAddr), nil
	case !errors.Is(err, sqlstore.ErrHostNotFound):
		return nil, fmt.Errorf("host lookup: %w", err)
	}

	groups, err := g.store.VerifyUserPassword(ctx, creds.Username, creds.Password)
	if err != nil {
		return nil, fmt.Errorf("user verification: %w", err)
	}
	p := &Principal{Username: creds.Username, Groups: groups}
	p.IsAdmin, p.IsReadOnly = g.ResolveRoles(groups, clientAddr)
	return p, nil
}

func (g *Gate) verifyToken(clientAddr, token string) (*Principal, error) {
	p, err := g.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	if p.HostID == "" {
		p.IsAdmin, p.IsReadOnly = g.ResolveRoles(p.Groups, clientAddr)
	}
	return p, nil
}

func (g *Gate) hostPrincipal(host *sqlstore.Host, clientAddr string) *Principal {
	if g.opts.UpdateIP {
		g.store.QueueHostSeen(host.ID, clientAddr)
	}
	return &Principal{
		Username: host.ID,
		HostID:   host.ID,
		IsDepot:  host.IsDepot(),
	}
}

// ResolveRoles maps group membership to roles. Admin privilege requires
// the peer to sit in an admin network.
func (g *Gate) ResolveRoles(groups []string, clientAddr string) (isAdmin, isReadOnly bool) {
	for _, group := range groups {
		if g.opts.AdminGroup != "" && group == g.opts.AdminGroup {
			isAdmin = true
		}
		if g.opts.ReadOnlyGroup != "" && group == g.opts.ReadOnlyGroup {
			isReadOnly = true
		}
	}
	if isAdmin && !g.InAdminNetwork(clientAddr) {
		g.logger.Debug("Admin privilege revoked outside admin networks",
			zap.String("client", clientAddr),
		)
		isAdmin = false
	}
	return isAdmin, isReadOnly
}

func (g *Gate) delay(ctx context.Context) {
	if g.opts.FailureDelay < 0 {
		return
	}
	select {
	case <-time.After(g.opts.FailureDelay):
	case <-ctx.Done():
	}
}

// Package server assembles the HTTP application of one worker: the
// middleware chain, the route table, the TLS listener and graceful drain.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/auth"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/backend"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/config"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/jsonrpc"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/messagebus"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/metrics"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/middleware"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/session"
)

// Deps are the shared components of one worker process.
type Deps struct {
	Config   *config.Config
	Logger   *zap.Logger
	Redis    *goredis.Client
	Sessions *session.Manager
	Gate     *auth.Gate
	Facade   *backend.Facade
	RPC      *jsonrpc.Handler
	Records  *jsonrpc.Records
	Bus      *messagebus.WebSocket
	Grafana  *metrics.Grafana

	Version   string
	StaticDir string
}

// App is the assembled HTTP application.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	deps      Deps
	handler   http.Handler
	startedAt time.Time
}

// New wires routes and middleware into a servable application.
func New(deps Deps) (*App, error) {
	a := &App{
		cfg:       deps.Config,
		logger:    deps.Logger,
		deps:      deps,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	a.routes(mux)

	trustedProxies, err := deps.Config.Network.ParsedTrustedProxies()
	if err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	base := middleware.NewBase(deps.Logger, trustedProxies)
	stats := middleware.NewStats(deps.Logger, metrics.RequestRecorder{})
	sessions := middleware.NewSessions(deps.Sessions, deps.Gate, deps.Logger, middleware.SessionOptions{
		Requirement:      requirementFor,
		OverloadExcludes: deps.Config.Session.MaxSessionsExcludes,
	})

	a.handler = base.Middleware(stats.Middleware(sessions.Middleware(mux)))
	return a, nil
}

// Handler returns the assembled handler chain.
func (a *App) Handler() http.Handler {
	return a.handler
}

func (a *App) routes(mux *http.ServeMux) {
	disabled := make(map[string]bool, len(a.cfg.RPC.DisabledFeatures))
	for _, feature := range a.cfg.RPC.DisabledFeatures {
		disabled[feature] = true
	}

	mux.Handle("/rpc", a.deps.RPC)
	mux.Handle("/rpc/rpc", a.deps.RPC)

	mux.HandleFunc("POST /session/login", a.handleLogin)
	mux.HandleFunc("/session/logout", a.handleLogout)
	mux.HandleFunc("GET /session/authenticated", a.handleAuthenticated)

	mux.Handle("/messagebus/v1", a.deps.Bus)

	mux.HandleFunc("GET /status", a.handleStatus)
	mux.HandleFunc("GET /status/", a.handleStatus)

	if a.deps.StaticDir != "" {
		fileServer := http.FileServer(http.Dir(a.deps.StaticDir))
		mux.Handle("GET /public/", http.StripPrefix("/public/", fileServer))
	}

	mux.Handle("GET /metrics", promhttp.Handler())
	if a.deps.Grafana != nil && !disabled["grafana"] {
		mux.HandleFunc("/metrics/grafana/search", a.deps.Grafana.Search)
		mux.HandleFunc("POST /metrics/grafana/query", a.deps.Grafana.Query)
	}

	if !disabled["rpc-list"] {
		mux.HandleFunc("GET /admin/rpc-list", a.handleRPCList)
	}
	if !disabled["blocked-clients"] {
		mux.HandleFunc("GET /admin/blocked-clients", a.handleBlockedClients)
		mux.HandleFunc("POST /admin/unblock-all", a.handleUnblockAll)
		mux.HandleFunc("POST /admin/unblock/{ip}", a.handleUnblock)
	}
	if !disabled["maintenance"] {
		mux.HandleFunc("POST /admin/maintenance", a.handleMaintenance)
	}
}

// requirementFor maps a path to the role its endpoint demands. Admin
// endpoints additionally require the peer to sit in an admin network,
// which the session middleware enforces.
func requirementFor(r *http.Request) middleware.Requirement {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/admin/"), path == "/metrics", strings.HasPrefix(path, "/metrics/"):
		return middleware.RequireAdmin
	case path == "/session/logout":
		// Logout never demands credentials; with a cookie the session is
		// still resolved and removed.
		return middleware.RequirePublic
	case auth.IsPublicPath(path):
		return middleware.RequirePublic
	default:
		return middleware.RequireAuthenticated
	}
}

// Run serves until the context ends, then drains open connections for at
// most the configured worker stop timeout.
func (a *App) Run(ctx context.Context) error {
	addr := net.JoinHostPort(a.cfg.Network.Interface, strconv.Itoa(a.cfg.Network.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No write timeout, the message bus holds connections open.
		TLSConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		ErrorLog:  zap.NewStdLog(a.logger),
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	useTLS := a.cfg.TLS.ServerCert != "" && a.cfg.TLS.ServerKey != ""
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Worker listening",
			zap.String("address", addr),
			zap.Bool("tls", useTLS),
		)
		if useTLS {
			errCh <- srv.ServeTLS(ln, a.cfg.TLS.ServerCert, a.cfg.TLS.ServerKey)
		} else {
			errCh <- srv.Serve(ln)
		}
	}()

	select {
	case <-ctx.Done():
		drain := a.cfg.Process.WorkerStopTimeout
		if drain <= 0 {
			drain = 120 * time.Second
		}
		a.logger.Info("Draining connections", zap.Duration("timeout", drain))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("drain exceeded stop timeout: %w", err)
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

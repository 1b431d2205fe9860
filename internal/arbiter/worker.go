package arbiter

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/auth"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/backend"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/backend/sqlstore"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/config"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/jsonrpc"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/logging"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/messagebus"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/metrics"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/redis"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/server"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/session"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/tracing"
)

const (
	heartbeatInterval = 5 * time.Second
	heartbeatTTL      = 15 * time.Second
	memoryTrimPeriod  = 2 * time.Minute
)

// WorkerNum reads the worker number from the environment. Zero means the
// process is the arbiter.
func WorkerNum() int {
	num, err := strconv.Atoi(os.Getenv(WorkerNumEnv))
	if err != nil || num < 1 {
		return 0
	}
	return num
}

// RunWorker is the body of one worker process: it assembles the request
// stack and serves HTTP until the process is signalled to stop.
func RunWorker(ctx context.Context, manager *config.Manager, version string, workerNum int) error {
	cfg := manager.Current()

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logger.Sync()

	rdb, err := redis.NewClient(cfg.Redis.InternalURL)
	if err != nil {
		return err
	}
	defer rdb.Close()
	keys := redis.NewKeys(cfg.Redis.Prefix)

	if err := redis.WaitReady(ctx, rdb, 30*time.Second); err != nil {
		return fmt.Errorf("redis %s: %w", cfg.Redis.InternalURL, err)
	}

	shipper := logging.NewShipper(rdb, keys.LogStream(cfg.NodeName), cfg.NodeName, workerNum)
	defer shipper.Close()
	streamLevel, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		streamLevel = zapcore.InfoLevel
	}
	logger = logging.AttachStream(logger, shipper, streamLevel)
	logger = logger.With(zap.Int("worker", workerNum))

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		Version:      version,
	}, logger); err != nil {
		logger.Warn("Tracing initialization failed", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(flushCtx); err != nil {
			logger.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}()

	store, err := sqlstore.NewStore(sqlstore.Config{
		Driver:         cfg.Backend.Driver,
		DSN:            cfg.Backend.DSN,
		MaxConnections: cfg.Backend.MaxConnections,
	}, logger)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sessions := session.NewManager(rdb, keys, logger, session.Options{
		Lifetime:    cfg.Session.Lifetime,
		MaxPerIP:    cfg.Session.MaxSessionsPerIP,
		CapExcludes: cfg.Session.MaxSessionsExcludes,
	})
	go sessions.Run(ctx)

	networks, err := cfg.Network.ParsedNetworks()
	if err != nil {
		return err
	}
	adminNetworks, err := cfg.Network.ParsedAdminNetworks()
	if err != nil {
		return err
	}

	ts := redis.NewTimeSeries(rdb)
	tokens := auth.NewTokenManager(cfg.Session.AuthTokenSecret, cfg.Session.AuthTokenLifetime)
	gate := auth.NewGate(store, rdb, keys, ts, tokens, logger, auth.Options{
		Networks:             networks,
		AdminNetworks:        adminNetworks,
		AdminGroup:           cfg.AdminUsers.AdminGroup,
		ReadOnlyGroup:        cfg.AdminUsers.ReadOnlyGroup,
		MaxAuthFailures:      cfg.Session.MaxAuthFailures,
		AuthFailuresInterval: cfg.Session.AuthFailuresInterval,
		ClientBlockTime:      cfg.Session.ClientBlockTime,
		AllowHostKeyOnlyAuth: cfg.Session.AllowHostKeyOnlyAuth,
		UpdateIP:             cfg.Session.UpdateIP,
	})

	facade := backend.New(store, logger, backend.Options{
		ExecutorWorkers: cfg.Process.ExecutorWorkers,
		LicenseFile:     cfg.Backend.LicenseFile,
		Version:         version,
		NodeName:        cfg.NodeName,
	})
	if err := facade.LoadACLOverrides(cfg.Backend.ACLFile); err != nil {
		return fmt.Errorf("acl overrides: %w", err)
	}

	cache := jsonrpc.NewProductCache(rdb, keys, store, logger)
	records := jsonrpc.NewRecords(rdb, keys, logger, cfg.RPC.MaxRPCLogSize)
	rpc := jsonrpc.NewHandler(facade, cache, records, logger, jsonrpc.HandlerOptions{
		CompressionMinSize: cfg.RPC.CompressionMinSizeBytes,
		TimeToCache:        cfg.RPC.TimeToCache,
	})

	sender := fmt.Sprintf("service:worker:%s:%d", cfg.NodeName, workerNum)
	producer := messagebus.NewProducer(rdb, keys, logger, sender, cfg.Bus.MaxStreamLen, cfg.Bus.ChannelTTL)
	bus := messagebus.NewWebSocket(sessions, producer, rdb, keys, logger)

	collector := metrics.NewCollector(ts, keys, logger, cfg.NodeName, workerNum)
	if err := collector.Setup(ctx); err != nil {
		logger.Warn("Metric series setup failed", zap.Error(err))
	}
	metrics.SetCollector(collector)
	defer metrics.SetCollector(nil)
	go collector.Run(ctx)

	grafana := metrics.NewGrafana(ts, cfg.NodeName, logger)

	app, err := server.New(server.Deps{
		Config:    cfg,
		Logger:    logger,
		Redis:     rdb,
		Sessions:  sessions,
		Gate:      gate,
		Facade:    facade,
		RPC:       rpc,
		Records:   records,
		Bus:       bus,
		Grafana:   grafana,
		Version:   version,
		StaticDir: cfg.StaticDir,
	})
	if err != nil {
		return err
	}

	go heartbeat(ctx, rdb, keys, logger, cfg.NodeName, workerNum)
	go memoryTrimLoop(ctx)
	go handleWorkerSignals(ctx, cancel, manager, facade, logger)

	logger.Info("Worker ready",
		zap.String("node", cfg.NodeName),
		zap.String("interface", cfg.Network.Interface),
		zap.Int("port", cfg.Network.Port),
	)
	return app.Run(ctx)
}

// handleWorkerSignals cancels the worker on SIGINT/SIGTERM and re-runs the
// reload hooks on SIGHUP.
func handleWorkerSignals(ctx context.Context, cancel context.CancelFunc, manager *config.Manager, facade *backend.Facade, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				logger.Info("Worker reload")
				if err := manager.Reload("sighup"); err == nil {
					if err := facade.ReloadMethods(manager.Current().Backend.ACLFile); err != nil {
						logger.Warn("Method reload failed, keeping previous vectors", zap.Error(err))
					}
				}
				continue
			}
			logger.Info("Worker stopping", zap.String("signal", sig.String()))
			cancel()
			return
		}
	}
}

// heartbeat keeps the worker registry key alive. The key carries the pid
// and expires on its own when the worker stalls or dies.
func heartbeat(ctx context.Context, rdb *goredis.Client, keys redis.Keys, logger *zap.Logger, node string, workerNum int) {
	key := keys.WorkerRegistry(node, workerNum)
	pid := strconv.Itoa(os.Getpid())

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		if err := rdb.Set(ctx, key, pid, heartbeatTTL).Err(); err != nil && ctx.Err() == nil {
			logger.Debug("Worker heartbeat failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			cleanup, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			rdb.Del(cleanup, key)
			cancel()
			return
		case <-ticker.C:
		}
	}
}

// memoryTrimLoop returns trimmed heap to the OS periodically.
func memoryTrimLoop(ctx context.Context) {
	ticker := time.NewTicker(memoryTrimPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			debug.FreeOSMemory()
		}
	}
}

// opsiconfd is the configuration service of an opsi client management
// installation. The same binary runs as the arbiter supervising the
// worker processes, as a worker (re-executed with OPSICONFD_WORKER_NUM
// set) serving the HTTP API, and as the maintenance CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/arbiter"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/backend/sqlstore"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/backup"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/config"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/health"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/logging"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/metrics"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/redis"
)

const version = "4.3.1.2"

// Log files older than this are removed by the setup command.
const maxLogAge = 30 * 24 * time.Hour

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("opsiconfd", pflag.ContinueOnError)
	configFile := flags.StringP("config-file", "c", "/etc/opsi/opsiconfd.conf", "configuration file")
	logLevel := flags.StringP("log-level", "l", "", "override the configured log level")
	showVersion := flags.Bool("version", false, "print the version and exit")
	flags.Usage = func() { printUsage(flags) }

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if *showVersion {
		fmt.Println(version)
		return 0
	}

	manager, err := config.NewManager(*configFile, logging.Fallback())
	if err != nil {
		fmt.Fprintf(os.Stderr, "opsiconfd: %s\n", err)
		return 1
	}

	level := manager.Current().Log.Level
	if *logLevel != "" {
		level = *logLevel
	}
	logger, err := logging.NewLogger(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opsiconfd: %s\n", err)
		return 1
	}
	defer logger.Sync()

	// Worker processes are this binary re-executed by the arbiter; they
	// bypass the command dispatch entirely.
	if num := arbiter.WorkerNum(); num > 0 {
		if err := arbiter.RunWorker(context.Background(), manager, version, num); err != nil {
			logger.Error("Worker failed", zap.Error(err))
			return 1
		}
		return 0
	}

	command := "start"
	if rest := flags.Args(); len(rest) > 0 {
		command = rest[0]
	}

	switch command {
	case "start":
		return cmdStart(manager, logger)
	case "stop":
		return cmdStop(manager, false)
	case "force-stop":
		return cmdStop(manager, true)
	case "restart":
		if code := cmdStop(manager, false); code != 0 {
			logger.Warn("Stop before restart did not succeed, starting anyway")
		}
		return cmdStart(manager, logger)
	case "reload":
		return cmdReload(manager)
	case "status":
		return cmdStatus(manager)
	case "setup":
		return cmdSetup(manager, logger)
	case "health-check":
		return cmdHealthCheck(manager, logger)
	case "log-viewer":
		return cmdLogViewer(manager, logger)
	case "backup":
		return cmdBackup(manager, logger, flags.Args())
	case "restore":
		return cmdRestore(manager, logger, flags.Args())
	default:
		fmt.Fprintf(os.Stderr, "opsiconfd: unknown command %q\n", command)
		printUsage(flags)
		return 2
	}
}

func printUsage(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Usage: opsiconfd [flags] [command]

Commands:
  start            run the service (default)
  stop             stop a running service
  force-stop       stop immediately, killing remaining workers
  restart          stop and start again
  reload           reload the configuration of a running service
  status           report whether the service is running
  setup            prepare directories, schema and metric series
  log-viewer       write the central log stream to per-client files
  health-check     probe service dependencies
  backup <file>    write the object store to an archive
  restore <file>   load an archive into the object store

Flags:
%s`, flags.FlagUsages())
}

func cmdStart(manager *config.Manager, logger *zap.Logger) int {
	cfg := manager.Current()
	logger.Info("opsiconfd starting",
		zap.String("version", version),
		zap.String("node", cfg.NodeName),
		zap.Int("workers", cfg.Process.Workers),
	)

	rdb, err := redis.NewClient(cfg.Redis.InternalURL)
	if err != nil {
		logger.Error("Redis client", zap.Error(err))
		return 1
	}
	defer rdb.Close()

	ctx := context.Background()
	if err := redis.WaitReady(ctx, rdb, redis.DefaultTimeout); err != nil {
		logger.Error("Redis not reachable", zap.Error(err))
		return 1
	}

	if err := manager.Watch(); err != nil {
		logger.Warn("Config file watch failed", zap.Error(err))
	}
	defer manager.Stop()

	a := arbiter.New(manager, rdb, redis.NewKeys(cfg.Redis.Prefix), logger, os.Args[1:])
	if err := a.Run(ctx); err != nil {
		logger.Error("Service failed", zap.Error(err))
		return 1
	}
	logger.Info("opsiconfd stopped")
	return 0
}

// cmdStop signals the arbiter and waits for it to exit. With force a
// second signal follows, switching the arbiter to kill remaining
// workers instead of waiting for them.
func cmdStop(manager *config.Manager, force bool) int {
	cfg := manager.Current()
	pid, err := arbiter.ReadPid(cfg.Process.PidFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opsiconfd: no pid file at %s\n", cfg.Process.PidFile)
		return 1
	}
	if !arbiter.ProcessRunning(pid) {
		fmt.Fprintf(os.Stderr, "opsiconfd: process %d is not running\n", pid)
		return 1
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "opsiconfd: signal %d: %s\n", pid, err)
		return 1
	}
	wait := cfg.Process.WorkerStopTimeout + 10*time.Second
	if force {
		time.Sleep(100 * time.Millisecond)
		_ = syscall.Kill(pid, syscall.SIGTERM)
		wait = 15 * time.Second
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !arbiter.ProcessRunning(pid) {
			fmt.Printf("opsiconfd stopped (pid %d)\n", pid)
			return 0
		}
		time.Sleep(250 * time.Millisecond)
	}
	fmt.Fprintf(os.Stderr, "opsiconfd: process %d still running\n", pid)
	return 1
}

func cmdReload(manager *config.Manager) int {
	cfg := manager.Current()
	pid, err := arbiter.ReadPid(cfg.Process.PidFile)
	if err != nil || !arbiter.ProcessRunning(pid) {
		fmt.Fprintln(os.Stderr, "opsiconfd: service is not running")
		return 1
	}
	if err := syscall.Kill(pid, syscall.SIGHUP); err != nil {
		fmt.Fprintf(os.Stderr, "opsiconfd: signal %d: %s\n", pid, err)
		return 1
	}
	fmt.Printf("reload requested (pid %d)\n", pid)
	return 0
}

func cmdStatus(manager *config.Manager) int {
	cfg := manager.Current()
	pid, err := arbiter.ReadPid(cfg.Process.PidFile)
	if err == nil && arbiter.ProcessRunning(pid) {
		fmt.Printf("opsiconfd is running (pid %d)\n", pid)
		return 0
	}
	fmt.Println("opsiconfd is not running")
	return 1
}

// cmdSetup prepares everything a first start needs: directories, log
// retention, the database schema and the metric series with their
// downsampling rules.
func cmdSetup(manager *config.Manager, logger *zap.Logger) int {
	cfg := manager.Current()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := os.MkdirAll(cfg.Log.LogDir, 0o750); err != nil {
		logger.Error("Create log directory", zap.Error(err))
		return 1
	}
	if err := os.MkdirAll(cfg.StaticDir, 0o755); err != nil {
		logger.Error("Create static directory", zap.Error(err))
		return 1
	}
	if removed, err := logging.PurgeOldLogs(cfg.Log.LogDir, maxLogAge); err != nil {
		logger.Warn("Log purge failed", zap.Error(err))
	} else if removed > 0 {
		logger.Info("Old log files removed", zap.Int("count", removed))
	}

	rdb, err := redis.NewClient(cfg.Redis.InternalURL)
	if err != nil {
		logger.Error("Redis client", zap.Error(err))
		return 1
	}
	defer rdb.Close()
	if err := redis.WaitReady(ctx, rdb, 30*time.Second); err != nil {
		logger.Error("Redis not reachable", zap.Error(err))
		return 1
	}
	keys := redis.NewKeys(cfg.Redis.Prefix)

	store, err := sqlstore.NewStore(storeConfig(cfg), logger)
	if err != nil {
		logger.Error("Object store", zap.Error(err))
		return 1
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error("Schema setup failed", zap.Error(err))
		return 1
	}

	ts := redis.NewTimeSeries(rdb)
	for num := 1; num <= cfg.Process.Workers; num++ {
		collector := metrics.NewCollector(ts, keys, logger, cfg.NodeName, num)
		if err := collector.Setup(ctx); err != nil {
			logger.Warn("Metric series setup failed",
				zap.Int("worker", num),
				zap.Error(err),
			)
		}
	}

	logger.Info("Setup complete")
	return 0
}

func cmdHealthCheck(manager *config.Manager, logger *zap.Logger) int {
	cfg := manager.Current()
	ctx := context.Background()

	rdb, err := redis.NewClient(cfg.Redis.InternalURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opsiconfd: %s\n", err)
		return 2
	}
	defer rdb.Close()
	keys := redis.NewKeys(cfg.Redis.Prefix)

	results := make([]health.Result, 0, 6)
	checks := []health.Check{
		&health.RedisCheck{RDB: rdb},
		&health.WorkersCheck{RDB: rdb, Keys: keys, Node: cfg.NodeName},
	}
	store, err := sqlstore.NewStore(storeConfig(cfg), logger)
	if err != nil {
		results = append(results, health.Result{
			ID:      "database",
			Status:  health.StatusError,
			Message: err.Error(),
		})
	} else {
		defer store.Close()
		checks = append(checks, &health.DatabaseCheck{Store: store})
	}
	checks = append(checks,
		&health.CertificateCheck{Path: cfg.TLS.ServerCert, RenewDays: cfg.TLS.CertRenewDays},
		&health.DiskUsageCheck{Paths: []string{cfg.Log.LogDir, cfg.StaticDir}},
	)

	results = append(results, health.NewSuite(logger, checks...).Run(ctx)...)

	for _, res := range results {
		fmt.Printf("%-16s %-8s %s\n", res.ID, res.Status, res.Message)
	}
	worst := health.Worst(results)
	fmt.Printf("health: %s\n", worst)
	switch worst {
	case health.StatusOK:
		return 0
	case health.StatusWarning:
		return 1
	default:
		return 2
	}
}

// cmdLogViewer consumes the central log stream of this node and fans it
// out into per-client files under the log directory.
func cmdLogViewer(manager *config.Manager, logger *zap.Logger) int {
	cfg := manager.Current()

	rdb, err := redis.NewClient(cfg.Redis.InternalURL)
	if err != nil {
		logger.Error("Redis client", zap.Error(err))
		return 1
	}
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := redis.WaitReady(ctx, rdb, 30*time.Second); err != nil {
		logger.Error("Redis not reachable", zap.Error(err))
		return 1
	}
	keys := redis.NewKeys(cfg.Redis.Prefix)

	writer := logging.NewFileWriter(logging.FileWriterConfig{
		LogDir:          cfg.Log.LogDir,
		FileTemplate:    cfg.Log.FileTemplate,
		MaxSizeMB:       cfg.Log.MaxSizeMB,
		KeepRotatedLogs: cfg.Log.KeepRotatedLogs,
	}, logger)

	logger.Info("Log viewer started",
		zap.String("stream", keys.LogStream(cfg.NodeName)),
		zap.String("dir", cfg.Log.LogDir),
	)
	if err := writer.Run(ctx, rdb, keys.LogStream(cfg.NodeName), "$"); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Log viewer failed", zap.Error(err))
		return 1
	}
	return 0
}

func cmdBackup(manager *config.Manager, logger *zap.Logger, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: opsiconfd backup <file>")
		return 2
	}
	cfg := manager.Current()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	rdb, store, keys, code := openStores(ctx, cfg, logger)
	if code != 0 {
		return code
	}
	defer rdb.Close()
	defer store.Close()

	if err := backup.Create(ctx, store, rdb, keys, logger, backup.Options{
		Path:           args[1],
		ServiceVersion: version,
		Node:           cfg.NodeName,
	}); err != nil {
		logger.Error("Backup failed", zap.Error(err))
		return 1
	}
	return 0
}

func cmdRestore(manager *config.Manager, logger *zap.Logger, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: opsiconfd restore <file>")
		return 2
	}
	cfg := manager.Current()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	rdb, store, keys, code := openStores(ctx, cfg, logger)
	if code != 0 {
		return code
	}
	defer rdb.Close()
	defer store.Close()

	if err := backup.Restore(ctx, store, rdb, keys, logger, backup.Options{
		Path: args[1],
	}); err != nil {
		logger.Error("Restore failed", zap.Error(err))
		return 1
	}
	return 0
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*goredis.Client, *sqlstore.Store, redis.Keys, int) {
	rdb, err := redis.NewClient(cfg.Redis.InternalURL)
	if err != nil {
		logger.Error("Redis client", zap.Error(err))
		return nil, nil, redis.Keys{}, 1
	}
	if err := redis.WaitReady(ctx, rdb, 30*time.Second); err != nil {
		rdb.Close()
		logger.Error("Redis not reachable", zap.Error(err))
		return nil, nil, redis.Keys{}, 1
	}
	store, err := sqlstore.NewStore(storeConfig(cfg), logger)
	if err != nil {
		rdb.Close()
		logger.Error("Object store", zap.Error(err))
		return nil, nil, redis.Keys{}, 1
	}
	return rdb, store, redis.NewKeys(cfg.Redis.Prefix), 0
}

func storeConfig(cfg *config.Config) sqlstore.Config {
	return sqlstore.Config{
		Driver:         cfg.Backend.Driver,
		DSN:            cfg.Backend.DSN,
		MaxConnections: cfg.Backend.MaxConnections,
	}
}

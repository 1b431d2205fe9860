// Package arbiter is the process model: one arbiter process supervises N
// worker processes re-executed from its own binary. The arbiter owns the
// pid file, signal fan-out, the certificate watch and the periodic Redis
// health snapshot; the workers own the HTTP app.
package arbiter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/procfs"
	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/config"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/redis"
)

// WorkerNumEnv carries the worker number into re-executed processes. A
// process started with this variable set runs the worker body instead of
// the arbiter.
const WorkerNumEnv = "OPSICONFD_WORKER_NUM"

const (
	// memWatchInterval is how often worker RSS is compared against
	// restart_worker_mem.
	memWatchInterval = time.Minute
	// restartDelay throttles respawns of a crash-looping worker.
	restartDelay = time.Second
	// snapshotInterval is the Redis health snapshot period.
	snapshotInterval = 5 * time.Minute
	// memWarnBytes is the per-key-family footprint that triggers a warning.
	memWarnBytes = 100 * 1024 * 1024
)

// Arbiter supervises the worker processes.
type Arbiter struct {
	manager *config.Manager
	logger  *zap.Logger
	rdb     *goredis.Client
	keys    redis.Keys
	args    []string

	mu       sync.Mutex
	workers  map[int]*workerProc
	stopping bool
	cert     certObservation
}

type workerProc struct {
	num     int
	cmd     *exec.Cmd
	started time.Time
	// planned marks an exit the arbiter asked for (recycle, cert restart).
	planned atomic.Bool
	done    chan struct{}
}

// New builds the arbiter. args are the command line arguments the workers
// are re-executed with.
func New(manager *config.Manager, rdb *goredis.Client, keys redis.Keys, logger *zap.Logger, args []string) *Arbiter {
	return &Arbiter{
		manager: manager,
		logger:  logger,
		rdb:     rdb,
		keys:    keys,
		args:    args,
		workers: make(map[int]*workerProc),
	}
}

// Run spawns the configured number of workers and supervises them until a
// stop signal arrives and every worker has exited.
func (a *Arbiter) Run(ctx context.Context) error {
	cfg := a.manager.Current()

	if err := writePidFile(cfg.Process.PidFile); err != nil {
		return err
	}
	defer removePidFile(cfg.Process.PidFile, a.logger)
	a.checkRunAsUser(cfg.Process.RunAsUser)

	if obs, err := observeCertificate(cfg.TLS.ServerCert); err == nil {
		a.mu.Lock()
		a.cert = obs
		a.mu.Unlock()
	}

	for num := 1; num <= cfg.Process.Workers; num++ {
		if err := a.spawn(num); err != nil {
			a.killAll()
			return err
		}
	}
	a.logger.Info("Arbiter running",
		zap.Int("pid", os.Getpid()),
		zap.Int("workers", cfg.Process.Workers),
	)

	jobs := cron.New()
	certInterval := cfg.TLS.ServerCertCheckInterval
	if certInterval <= 0 {
		certInterval = 24 * time.Hour
	}
	jobs.Schedule(cron.Every(certInterval), cron.FuncJob(a.checkServerCert))
	jobs.Schedule(cron.Every(snapshotInterval), cron.FuncJob(func() {
		a.redisHealthSnapshot(ctx)
	}))
	jobs.Start()
	defer jobs.Stop()

	memTicker := time.NewTicker(memWatchInterval)
	defer memTicker.Stop()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return a.shutdown(sigCh)
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				a.reload()
				continue
			}
			a.logger.Info("Stop signal received", zap.String("signal", sig.String()))
			return a.shutdown(sigCh)
		case <-memTicker.C:
			a.checkWorkerMemory(a.manager.Current().Process.RestartWorkerMem)
		}
	}
}

// spawn re-executes the binary as worker number num.
func (a *Arbiter) spawn(num int) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	cmd := exec.Command(exe, a.args...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", WorkerNumEnv, num))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker %d: %w", num, err)
	}

	w := &workerProc{
		num:     num,
		cmd:     cmd,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	a.mu.Lock()
	a.workers[num] = w
	a.mu.Unlock()

	a.logger.Info("Worker started",
		zap.Int("worker", num),
		zap.Int("pid", cmd.Process.Pid),
	)
	go a.reap(w)
	return nil
}

// reap waits for one worker process and respawns it unless the arbiter is
// stopping or the worker was retired by a scale-down.
func (a *Arbiter) reap(w *workerProc) {
	err := w.cmd.Wait()
	close(w.done)

	a.mu.Lock()
	current, registered := a.workers[w.num]
	if registered && current == w {
		delete(a.workers, w.num)
	}
	stopping := a.stopping
	a.mu.Unlock()

	if stopping || !registered || current != w {
		return
	}
	if w.planned.Load() {
		a.logger.Info("Worker stopped for restart", zap.Int("worker", w.num))
	} else {
		a.logger.Error("Worker exited unexpectedly",
			zap.Int("worker", w.num),
			zap.Duration("uptime", time.Since(w.started)),
			zap.Error(err),
		)
	}

	time.Sleep(restartDelay)
	a.mu.Lock()
	stopping = a.stopping
	a.mu.Unlock()
	if stopping {
		return
	}
	if err := a.spawn(w.num); err != nil {
		a.logger.Error("Worker restart failed", zap.Int("worker", w.num), zap.Error(err))
	}
}

// shutdown stops all workers gracefully. A second stop signal or the
// worker_stop_timeout kills the stragglers.
func (a *Arbiter) shutdown(sigCh <-chan os.Signal) error {
	timeout := a.manager.Current().Process.WorkerStopTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	a.mu.Lock()
	a.stopping = true
	procs := make([]*workerProc, 0, len(a.workers))
	for _, w := range a.workers {
		procs = append(procs, w)
	}
	a.mu.Unlock()

	for _, w := range procs {
		a.signalWorker(w, syscall.SIGTERM)
	}

	done := make(chan struct{})
	go func() {
		for _, w := range procs {
			<-w.done
		}
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-done:
			a.logger.Info("All workers stopped")
			return nil
		case <-timer.C:
			a.logger.Warn("Worker stop timeout reached, killing remaining workers",
				zap.Duration("timeout", timeout))
			a.killProcs(procs)
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				continue
			}
			a.logger.Warn("Second stop signal, killing workers",
				zap.String("signal", sig.String()))
			a.killProcs(procs)
		}
	}
}

// reload re-reads the configuration, adjusts the worker count, forwards
// SIGHUP so workers re-run extensions, and re-checks the certificate.
func (a *Arbiter) reload() {
	a.logger.Info("Reload requested")
	if err := a.manager.Reload("sighup"); err != nil {
		return
	}
	cfg := a.manager.Current()
	a.scaleWorkers(cfg.Process.Workers)
	for _, w := range a.snapshotWorkers() {
		a.signalWorker(w, syscall.SIGHUP)
	}
	a.checkServerCert()
}

// scaleWorkers starts missing workers and retires the ones above target.
func (a *Arbiter) scaleWorkers(target int) {
	if target < 1 {
		target = 1
	}

	a.mu.Lock()
	var retire []*workerProc
	for num, w := range a.workers {
		if num > target {
			retire = append(retire, w)
			// Deregister first so the reaper does not respawn it.
			delete(a.workers, num)
		}
	}
	missing := make([]int, 0)
	for num := 1; num <= target; num++ {
		if _, ok := a.workers[num]; !ok {
			missing = append(missing, num)
		}
	}
	a.mu.Unlock()

	for _, w := range retire {
		a.logger.Info("Retiring worker", zap.Int("worker", w.num))
		a.signalWorker(w, syscall.SIGTERM)
	}
	for _, num := range missing {
		if err := a.spawn(num); err != nil {
			a.logger.Error("Worker spawn failed", zap.Int("worker", num), zap.Error(err))
		}
	}
}

// checkWorkerMemory recycles workers whose resident set exceeds the limit.
func (a *Arbiter) checkWorkerMemory(limit int64) {
	if limit <= 0 {
		return
	}
	for _, w := range a.snapshotWorkers() {
		rss, err := residentMemory(w.cmd.Process.Pid)
		if err != nil {
			continue
		}
		if rss <= limit {
			continue
		}
		a.logger.Warn("Worker exceeds restart_worker_mem, recycling",
			zap.Int("worker", w.num),
			zap.Int64("rss", rss),
			zap.Int64("limit", limit),
		)
		w.planned.Store(true)
		a.signalWorker(w, syscall.SIGTERM)
	}
}

func residentMemory(pid int) (int64, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return 0, err
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, err
	}
	return int64(stat.ResidentMemory()), nil
}

// restartWorkers recycles every worker one at a time so the node keeps
// serving while certificates roll over.
func (a *Arbiter) restartWorkers() {
	timeout := a.manager.Current().Process.WorkerStopTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	for _, w := range a.snapshotWorkers() {
		w.planned.Store(true)
		a.signalWorker(w, syscall.SIGTERM)
		select {
		case <-w.done:
		case <-time.After(timeout):
			a.logger.Warn("Worker ignored restart request, killing",
				zap.Int("worker", w.num))
			a.signalWorker(w, syscall.SIGKILL)
			<-w.done
		}
	}
}

// redisHealthSnapshot sums the memory footprint per key family under the
// service prefix and warns when a family outgrows the threshold.
func (a *Arbiter) redisHealthSnapshot(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, redis.DefaultTimeout)
	defer cancel()

	prefix := a.keys.Prefix()
	usage := make(map[string]int64)
	var cursor uint64
	for {
		batch, next, err := a.rdb.Scan(ctx, cursor, prefix+":*", 1000).Result()
		if err != nil {
			a.logger.Warn("Redis health snapshot failed", zap.Error(err))
			return
		}
		for _, key := range batch {
			size, err := a.rdb.MemoryUsage(ctx, key).Result()
			if err != nil {
				continue
			}
			usage[keyFamily(key, prefix)] += size
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	for family, size := range usage {
		if size > memWarnBytes {
			a.logger.Warn("Redis key family exceeds memory threshold",
				zap.String("family", family),
				zap.Int64("bytes", size),
			)
		} else {
			a.logger.Debug("Redis key family size",
				zap.String("family", family),
				zap.Int64("bytes", size),
			)
		}
	}
}

// keyFamily maps a prefixed key onto its first segment: sessions, stats,
// messagebus, jsonrpccache, log, locks, worker_registry.
func keyFamily(key, prefix string) string {
	rest := strings.TrimPrefix(key, prefix+":")
	if i := strings.IndexByte(rest, ':'); i > 0 {
		return rest[:i]
	}
	return rest
}

func (a *Arbiter) snapshotWorkers() []*workerProc {
	a.mu.Lock()
	defer a.mu.Unlock()
	procs := make([]*workerProc, 0, len(a.workers))
	for _, w := range a.workers {
		procs = append(procs, w)
	}
	return procs
}

func (a *Arbiter) signalWorker(w *workerProc, sig syscall.Signal) {
	if w.cmd.Process == nil {
		return
	}
	if err := w.cmd.Process.Signal(sig); err != nil {
		a.logger.Debug("Worker signal failed",
			zap.Int("worker", w.num),
			zap.String("signal", sig.String()),
			zap.Error(err),
		)
	}
}

func (a *Arbiter) killProcs(procs []*workerProc) {
	for _, w := range procs {
		select {
		case <-w.done:
		default:
			a.signalWorker(w, syscall.SIGKILL)
		}
	}
}

func (a *Arbiter) killAll() {
	a.mu.Lock()
	a.stopping = true
	procs := make([]*workerProc, 0, len(a.workers))
	for _, w := range a.workers {
		procs = append(procs, w)
	}
	a.mu.Unlock()
	a.killProcs(procs)
}

// checkRunAsUser warns when the process user differs from run_as_user.
// Privilege dropping is left to the service manager.
func (a *Arbiter) checkRunAsUser(name string) {
	if name == "" {
		return
	}
	u, err := user.Lookup(name)
	if err != nil {
		a.logger.Warn("run_as_user not resolvable", zap.String("user", name), zap.Error(err))
		return
	}
	if strconv.Itoa(os.Getuid()) != u.Uid {
		a.logger.Warn("Process does not run as the configured user",
			zap.String("run_as_user", name),
			zap.Int("uid", os.Getuid()),
		)
	}
}

func writePidFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

func removePidFile(path string, logger *zap.Logger) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("Pid file removal failed", zap.String("path", path), zap.Error(err))
	}
}

// ReadPid returns the process id stored in a pid file.
func ReadPid(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	return pid, nil
}

// ProcessRunning reports whether a process with the given pid exists.
func ProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

package metrics

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/redis"
)

// Worker metric ids. The id doubles as the Grafana target name.
const (
	MetricMemAllocated        = "worker:avg_mem_allocated"
	MetricHTTPRequestNumber   = "worker:num_http_request"
	MetricHTTPRequestDuration = "worker:avg_http_request_duration"
	MetricRPCNumber           = "worker:num_rpcs"
	MetricRPCDuration         = "worker:avg_rpc_duration"
	MetricBusClientNumber     = "worker:num_messagebus_clients"
	MetricBusMessageNumber    = "worker:num_messagebus_messages"
	MetricClientRequestNumber = "client:num_http_request"
)

// Aggregation modes of a metric.
const (
	// ModeCount sums observations into 5-second windows; readers divide
	// by the window to get per-second rates.
	ModeCount = "count"
	// ModeAverage writes the mean of the observations of each flush.
	ModeAverage = "avg"
)

// countWindowMs is the aggregation window of ModeCount samples. Flushes
// within one window land on the same timestamp and are summed server-side.
const countWindowMs = 5000

// Rule is one downsampling tier of a metric.
type Rule struct {
	Suffix      string
	BucketMs    int64
	RetentionMs int64
}

// defaultRules is the retention ladder of every worker metric: minute
// buckets for a day, hour buckets for sixty days, day buckets for four
// years.
var defaultRules = []Rule{
	{Suffix: "minute", BucketMs: 60 * 1000, RetentionMs: 24 * 3600 * 1000},
	{Suffix: "hour", BucketMs: 3600 * 1000, RetentionMs: 60 * 24 * 3600 * 1000},
	{Suffix: "day", BucketMs: 24 * 3600 * 1000, RetentionMs: 4 * 365 * 24 * 3600 * 1000},
}

// rawRetentionMs keeps full resolution samples for two hours.
const rawRetentionMs = 2 * 3600 * 1000

// Definition describes one time-series metric.
type Definition struct {
	ID   string
	Mode string
	// PerClient series carry the client address in the key instead of
	// the worker number.
	PerClient    bool
	RetentionMs  int64
	Downsampling []Rule
}

// Definitions lists every metric the collector maintains.
func Definitions() []Definition {
	defs := []Definition{
		{ID: MetricMemAllocated, Mode: ModeAverage},
		{ID: MetricHTTPRequestNumber, Mode: ModeCount},
		{ID: MetricHTTPRequestDuration, Mode: ModeAverage},
		{ID: MetricRPCNumber, Mode: ModeCount},
		{ID: MetricRPCDuration, Mode: ModeAverage},
		{ID: MetricBusClientNumber, Mode: ModeAverage},
		{ID: MetricBusMessageNumber, Mode: ModeCount},
		{ID: MetricClientRequestNumber, Mode: ModeCount, PerClient: true},
	}
	for i := range defs {
		defs[i].RetentionMs = rawRetentionMs
		defs[i].Downsampling = defaultRules
	}
	return defs
}

// DefinitionByID looks a metric up by id.
func DefinitionByID(id string) (Definition, bool) {
	for _, def := range Definitions() {
		if def.ID == id {
			return def, true
		}
	}
	return Definition{}, false
}

type sampleKey struct {
	id     string
	client string
}

type meanState struct {
	sum float64
	n   int64
}

// Collector buffers worker observations in memory and flushes them to
// Redis time-series once per interval.
type Collector struct {
	ts        redis.TimeSeries
	keys      redis.Keys
	logger    *zap.Logger
	nodeName  string
	workerNum int
	interval  time.Duration
	defs      map[string]Definition

	mu       sync.Mutex
	counts   map[sampleKey]float64
	means    map[sampleKey]*meanState
	samplers map[string]func() float64
	ensured  map[sampleKey]bool
}

// NewCollector builds the collector of one worker. The built-in samplers
// for heap size and bus connections are registered automatically.
func NewCollector(ts redis.TimeSeries, keys redis.Keys, logger *zap.Logger, nodeName string, workerNum int) *Collector {
	defs := make(map[string]Definition)
	for _, def := range Definitions() {
		defs[def.ID] = def
	}
	c := &Collector{
		ts:        ts,
		keys:      keys,
		logger:    logger,
		nodeName:  nodeName,
		workerNum: workerNum,
		interval:  time.Second,
		defs:      defs,
		counts:    make(map[sampleKey]float64),
		means:     make(map[sampleKey]*meanState),
		samplers:  make(map[string]func() float64),
		ensured:   make(map[sampleKey]bool),
	}
	c.RegisterSampler(MetricMemAllocated, memAllocated)
	c.RegisterSampler(MetricBusClientNumber, BusClientCount)
	return c
}

// RegisterSampler polls fn at every flush and records its value under the
// given average metric.
func (c *Collector) RegisterSampler(id string, fn func() float64) {
	c.mu.Lock()
	c.samplers[id] = fn
	c.mu.Unlock()
}

// AddValue records one observation of a worker metric.
func (c *Collector) AddValue(id string, value float64) {
	c.addSample(sampleKey{id: id}, value)
}

// AddClientValue records one observation of a per-client metric.
func (c *Collector) AddClientValue(id, client string, value float64) {
	c.addSample(sampleKey{id: id, client: client}, value)
}

func (c *Collector) addSample(key sampleKey, value float64) {
	def, ok := c.defs[key.id]
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if def.Mode == ModeCount {
		c.counts[key] += value
		return
	}
	mean, ok := c.means[key]
	if !ok {
		mean = &meanState{}
		c.means[key] = mean
	}
	mean.sum += value
	mean.n++
}

// Setup creates the series and downsampling rules of all worker metrics.
// Per-client series are created lazily on first observation.
func (c *Collector) Setup(ctx context.Context) error {
	for _, def := range Definitions() {
		if def.PerClient {
			continue
		}
		if err := c.ensureSeries(ctx, def, ""); err != nil {
			return err
		}
	}
	return nil
}

// ensureSeries creates the raw series, the downsampled series and the
// rules connecting them.
func (c *Collector) ensureSeries(ctx context.Context, def Definition, client string) error {
	base := c.seriesKey(def, client, "")
	if err := c.ts.EnsureSeries(ctx, base, def.RetentionMs, c.labels(def, client, "raw")); err != nil {
		return err
	}
	for _, rule := range def.Downsampling {
		dest := c.seriesKey(def, client, rule.Suffix)
		if err := c.ts.EnsureSeries(ctx, dest, rule.RetentionMs, c.labels(def, client, rule.Suffix)); err != nil {
			return err
		}
		if err := c.ts.CreateRule(ctx, base, dest, "AVG", rule.BucketMs); err != nil {
			return err
		}
	}
	return nil
}

// seriesKey builds the Redis key of one series. Worker metrics carry the
// node name and worker number, client metrics the client address.
func (c *Collector) seriesKey(def Definition, client, suffix string) string {
	parts := []string{c.nodeName, strconv.Itoa(c.workerNum)}
	if def.PerClient {
		parts = []string{client}
	}
	if suffix != "" {
		parts = append(parts, suffix)
	}
	return c.keys.Metric(def.ID, parts...)
}

func (c *Collector) labels(def Definition, client, bucket string) map[string]string {
	labels := map[string]string{
		"metric_id": def.ID,
		"node_name": c.nodeName,
		"bucket":    bucket,
	}
	if def.PerClient {
		labels["client_addr"] = client
	} else {
		labels["worker_num"] = strconv.Itoa(c.workerNum)
	}
	return labels
}

// Run flushes until the context ends.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.flush(flushCtx, time.Now())
			cancel()
			return
		case now := <-ticker.C:
			c.flush(ctx, now)
		}
	}
}

// flush drains the buffers into Redis. Count samples land on a timestamp
// aligned to the 5-second window and sum server-side; average samples are
// written as the mean of the flushed interval.
func (c *Collector) flush(ctx context.Context, now time.Time) {
	c.mu.Lock()
	for id, fn := range c.samplers {
		key := sampleKey{id: id}
		mean, ok := c.means[key]
		if !ok {
			mean = &meanState{}
			c.means[key] = mean
		}
		mean.sum += fn()
		mean.n++
	}
	counts := c.counts
	means := c.means
	c.counts = make(map[sampleKey]float64)
	c.means = make(map[sampleKey]*meanState)
	c.mu.Unlock()

	nowMs := now.UnixMilli()
	windowMs := nowMs - nowMs%countWindowMs

	for key, value := range counts {
		def := c.defs[key.id]
		c.write(ctx, def, key.client, windowMs, value, "SUM")
	}
	for key, mean := range means {
		if mean.n == 0 {
			continue
		}
		def := c.defs[key.id]
		c.write(ctx, def, key.client, nowMs, mean.sum/float64(mean.n), "LAST")
	}
}

func (c *Collector) write(ctx context.Context, def Definition, client string, tsMs int64, value float64, onDuplicate string) {
	if def.PerClient {
		key := sampleKey{id: def.ID, client: client}
		c.mu.Lock()
		known := c.ensured[key]
		if !known {
			c.ensured[key] = true
		}
		c.mu.Unlock()
		if !known {
			if err := c.ensureSeries(ctx, def, client); err != nil {
				c.logger.Warn("Metric series setup failed",
					zap.String("metric", def.ID), zap.Error(err))
			}
		}
	}
	err := c.ts.Add(ctx, c.seriesKey(def, client, ""), tsMs, value, redis.AddOptions{
		RetentionMs: def.RetentionMs,
		OnDuplicate: onDuplicate,
		Labels:      c.labels(def, client, "raw"),
	})
	if err != nil {
		c.logger.Warn("Metric flush failed",
			zap.String("metric", def.ID), zap.Error(err))
	}
}

package logging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap/zapcore"
)

const (
	logStreamMaxLen = 10000
	shipperBufSize  = 1000
)

// Record is one structured log record on the central stream. Records are
// MessagePack encoded in the stream entry's "record" field.
type Record struct {
	Node        string                 `msgpack:"node"`
	Worker      int                    `msgpack:"worker"`
	Level       string                 `msgpack:"level"`
	TimestampMs int64                  `msgpack:"ts"`
	Message     string                 `msgpack:"msg"`
	Client      string                 `msgpack:"client,omitempty"`
	Fields      map[string]interface{} `msgpack:"fields,omitempty"`
}

// Shipper moves log records into the Redis stream without blocking the
// logging call sites. Records are dropped when the buffer is full.
type Shipper struct {
	rdb       *redis.Client
	streamKey string
	node      string
	worker    int

	ch      chan Record
	dropped atomic.Int64
	wg      sync.WaitGroup
	once    sync.Once
}

// NewShipper starts the background writer for the given node's log stream.
func NewShipper(rdb *redis.Client, streamKey, node string, worker int) *Shipper {
	s := &Shipper{
		rdb:       rdb,
		streamKey: streamKey,
		node:      node,
		worker:    worker,
		ch:        make(chan Record, shipperBufSize),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Enqueue hands a record to the background writer. Never blocks.
func (s *Shipper) Enqueue(rec Record) {
	rec.Node = s.node
	rec.Worker = s.worker
	select {
	case s.ch <- rec:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of records lost to a full buffer.
func (s *Shipper) Dropped() int64 {
	return s.dropped.Load()
}

// Close drains the buffer and stops the writer.
func (s *Shipper) Close() {
	s.once.Do(func() { close(s.ch) })
	s.wg.Wait()
}

func (s *Shipper) run() {
	defer s.wg.Done()
	for rec := range s.ch {
		data, err := msgpack.Marshal(rec)
		if err != nil {
			s.dropped.Add(1)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = s.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: s.streamKey,
			MaxLen: logStreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"record": data},
		}).Err()
		cancel()
		if err != nil {
			s.dropped.Add(1)
		}
	}
}

// streamCore is a zapcore.Core feeding the shipper.
type streamCore struct {
	zapcore.LevelEnabler
	shipper *Shipper
	with    []zapcore.Field
}

func newStreamCore(shipper *Shipper, level zapcore.Level) zapcore.Core {
	return &streamCore{LevelEnabler: level, shipper: shipper}
}

func (c *streamCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &streamCore{LevelEnabler: c.LevelEnabler, shipper: c.shipper}
	clone.with = append(append([]zapcore.Field{}, c.with...), fields...)
	return clone
}

func (c *streamCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *streamCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.with {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	rec := Record{
		Level:       ent.Level.String(),
		TimestampMs: ent.Time.UnixMilli(),
		Message:     ent.Message,
		Fields:      enc.Fields,
	}
	// A "client" field becomes the record's client tag so the log writer
	// can route it to the per-client file.
	if client, ok := enc.Fields["client"].(string); ok {
		rec.Client = client
		delete(enc.Fields, "client")
	}
	c.shipper.Enqueue(rec)
	return nil
}

func (c *streamCore) Sync() error {
	return nil
}

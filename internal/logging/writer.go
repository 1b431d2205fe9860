package logging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultClientName = "opsiconfd"
	fileIdleClose     = 5 * time.Minute
	readBlock         = time.Second
)

// FileWriterConfig controls the per-client log files.
type FileWriterConfig struct {
	LogDir          string
	FileTemplate    string // %m expands to the client name
	MaxSizeMB       int
	KeepRotatedLogs int
}

// FileWriter consumes the central log stream and fans records out into
// per-client rotating files. File handles are opened lazily and closed
// after an idle window.
type FileWriter struct {
	cfg    FileWriterConfig
	logger *zap.Logger

	mu    sync.Mutex
	files map[string]*clientFile
	links map[string]string // fqdn -> client name already linked
}

type clientFile struct {
	out      *lumberjack.Logger
	lastUsed time.Time
}

// NewFileWriter returns a writer for the given target directory.
func NewFileWriter(cfg FileWriterConfig, logger *zap.Logger) *FileWriter {
	if cfg.FileTemplate == "" {
		cfg.FileTemplate = "%m.log"
	}
	return &FileWriter{
		cfg:    cfg,
		logger: logger,
		files:  make(map[string]*clientFile),
		links:  make(map[string]string),
	}
}

// Run reads the log stream starting at startID ("$" for new records only)
// and writes until ctx is cancelled.
func (w *FileWriter) Run(ctx context.Context, rdb *redis.Client, streamKey, startID string) error {
	if startID == "" {
		startID = "$"
	}
	lastID := startID
	idleTicker := time.NewTicker(time.Minute)
	defer idleTicker.Stop()
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idleTicker.C:
			w.closeIdle(time.Now())
		default:
		}

		streams, err := rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey, lastID},
			Block:   readBlock,
			Count:   100,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("Log stream read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				rec, err := decodeRecord(entry.Values)
				if err != nil {
					w.logger.Warn("Undecodable log record",
						zap.String("id", entry.ID),
						zap.Error(err),
					)
					continue
				}
				w.Write(rec)
			}
		}
	}
}

// Write appends one record to its client file.
func (w *FileWriter) Write(rec Record) {
	client := rec.Client
	if client == "" {
		client = defaultClientName
	}

	w.mu.Lock()
	cf, ok := w.files[client]
	if !ok {
		cf = &clientFile{
			out: &lumberjack.Logger{
				Filename:   w.filename(client),
				MaxSize:    w.cfg.MaxSizeMB,
				MaxBackups: w.cfg.KeepRotatedLogs,
			},
		}
		w.files[client] = cf
	}
	cf.lastUsed = time.Now()
	w.mu.Unlock()

	if _, err := cf.out.Write([]byte(formatRecord(rec))); err != nil {
		w.logger.Warn("Log file write failed",
			zap.String("client", client),
			zap.Error(err),
		)
	}

	// Records carrying the client's fqdn get a convenience symlink
	// <fqdn>.log -> <client>.log.
	if fqdn, ok := rec.Fields["client_fqdn"].(string); ok && fqdn != "" && fqdn != client {
		w.ensureSymlink(fqdn, client)
	}
}

// Close flushes and closes every open file.
func (w *FileWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for client, cf := range w.files {
		if err := cf.out.Close(); err != nil {
			w.logger.Warn("Log file close failed",
				zap.String("client", client),
				zap.Error(err),
			)
		}
		delete(w.files, client)
	}
}

func (w *FileWriter) filename(client string) string {
	name := strings.ReplaceAll(w.cfg.FileTemplate, "%m", client)
	return filepath.Join(w.cfg.LogDir, name)
}

func (w *FileWriter) closeIdle(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for client, cf := range w.files {
		if now.Sub(cf.lastUsed) > fileIdleClose {
			_ = cf.out.Close()
			delete(w.files, client)
		}
	}
}

func (w *FileWriter) ensureSymlink(fqdn, client string) {
	w.mu.Lock()
	if w.links[fqdn] == client {
		w.mu.Unlock()
		return
	}
	w.links[fqdn] = client
	w.mu.Unlock()

	linkName := w.filename(fqdn)
	target := filepath.Base(w.filename(client))
	_ = os.Remove(linkName)
	if err := os.Symlink(target, linkName); err != nil {
		w.logger.Debug("Log symlink failed",
			zap.String("fqdn", fqdn),
			zap.Error(err),
		)
	}
}

func decodeRecord(values map[string]interface{}) (Record, error) {
	var rec Record
	raw, ok := values["record"]
	if !ok {
		return rec, fmt.Errorf("stream entry has no record field")
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return rec, fmt.Errorf("record field has type %T", raw)
	}
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("unmarshal record: %w", err)
	}
	return rec, nil
}

func formatRecord(rec Record) string {
	ts := time.UnixMilli(rec.TimestampMs).Format("2006-01-02 15:04:05.000")
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] [node=%s worker=%d] %s", strings.ToUpper(rec.Level), ts, rec.Node, rec.Worker, rec.Message)
	if len(rec.Fields) > 0 {
		keys := make([]string, 0, len(rec.Fields))
		for k := range rec.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, rec.Fields[k])
		}
	}
	b.WriteByte('\n')
	return b.String()
}

// PurgeOldLogs removes log files under dir older than maxAge and returns
// how many were deleted.
func PurgeOldLogs(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read log dir: %w", err)
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.Contains(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

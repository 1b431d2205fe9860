// Package sqlstore is the relational object store behind the backend
// facade. It holds managed hosts, service users and the product catalog
// used for product ordering.
package sqlstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Config holds database configuration.
type Config struct {
	Driver          string // postgres or sqlite3
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// Store manages the database connection pool and a small async queue for
// best-effort writes.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger

	seenQueue chan hostSeen
	stopCh    chan struct{}
	workerWg  sync.WaitGroup
}

type hostSeen struct {
	hostID    string
	ipAddress string
	seenAt    time.Time
}

// NewStore opens the pool and starts the async write worker.
func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite3"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}

	db, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	s := &Store{
		db:        db,
		logger:    logger,
		seenQueue: make(chan hostSeen, 1000),
		stopCh:    make(chan struct{}),
	}
	s.workerWg.Add(1)
	go s.seenWorker()

	logger.Info("Object store initialized",
		zap.String("driver", cfg.Driver),
		zap.Int("max_connections", cfg.MaxConnections),
	)
	return s, nil
}

// NewStoreFromDB wraps an existing connection; used by tests.
func NewStoreFromDB(db *sqlx.DB, logger *zap.Logger) *Store {
	s := &Store{
		db:        db,
		logger:    logger,
		seenQueue: make(chan hostSeen, 1000),
		stopCh:    make(chan struct{}),
	}
	s.workerWg.Add(1)
	go s.seenWorker()
	return s
}

// DB exposes the underlying pool for direct queries.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close drains the write queue and shuts the pool down.
func (s *Store) Close() error {
	close(s.stopCh)
	s.workerWg.Wait()
	return s.db.Close()
}

// seenWorker applies queued host-seen updates. Updates are best effort;
// failures are logged and dropped.
func (s *Store) seenWorker() {
	defer s.workerWg.Done()
	for {
		select {
		case <-s.stopCh:
			// Drain what is left, bounded.
			timeout := time.After(5 * time.Second)
			for {
				select {
				case seen := <-s.seenQueue:
					s.applyHostSeen(seen)
				case <-timeout:
					return
				default:
					return
				}
			}
		case seen := <-s.seenQueue:
			s.applyHostSeen(seen)
		}
	}
}

func (s *Store) applyHostSeen(seen hostSeen) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	query := s.db.Rebind(`UPDATE hosts SET ip_address = ?, last_seen = ? WHERE host_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, seen.ipAddress, seen.seenAt, seen.hostID); err != nil {
		s.logger.Warn("Host seen update failed",
			zap.String("host_id", seen.hostID),
			zap.Error(err),
		)
	}
}

// QueueHostSeen records a host's address and last-seen time asynchronously.
// Never blocks; the update is dropped when the queue is full.
func (s *Store) QueueHostSeen(hostID, ipAddress string) {
	select {
	case s.seenQueue <- hostSeen{hostID: hostID, ipAddress: ipAddress, seenAt: time.Now().UTC()}:
	default:
		s.logger.Warn("Host seen queue full, dropping update",
			zap.String("host_id", hostID),
		)
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS hosts (
		host_id          TEXT PRIMARY KEY,
		type             TEXT NOT NULL,
		host_key         TEXT,
		description      TEXT NOT NULL DEFAULT '',
		notes            TEXT NOT NULL DEFAULT '',
		hardware_address TEXT,
		ip_address       TEXT,
		inventory_number TEXT NOT NULL DEFAULT '',
		created          TIMESTAMP,
		last_seen        TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		username      TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		user_groups   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS product_on_depot (
		product_id      TEXT NOT NULL,
		depot_id        TEXT NOT NULL,
		product_type    TEXT NOT NULL DEFAULT 'LocalbootProduct',
		product_version TEXT NOT NULL DEFAULT '',
		package_version TEXT NOT NULL DEFAULT '',
		priority        INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (product_id, depot_id)
	)`,
	`CREATE TABLE IF NOT EXISTS product_dependencies (
		product_id          TEXT NOT NULL,
		required_product_id TEXT NOT NULL,
		PRIMARY KEY (product_id, required_product_id)
	)`,
	`CREATE TABLE IF NOT EXISTS config_states (
		config_id TEXT NOT NULL,
		object_id TEXT NOT NULL,
		state     TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (config_id, object_id)
	)`,
}

// EnsureSchema creates the tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/metrics"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/redis"
)

var (
	// ErrNotFound is returned when a session id does not resolve.
	ErrNotFound = errors.New("session not found")
	// ErrTooManySessions is returned when a client address exceeds its
	// session quota. Mapped to a connection-refused response upstream.
	ErrTooManySessions = errors.New("too many sessions")
)

// A store aborted by a concurrent writer is retried this often before
// giving up.
const maxStoreRetries = 10

// Orphaned session channels are swept this often.
const channelSweepInterval = 5 * time.Minute

// Options configures the session manager.
type Options struct {
	// Lifetime is the default idle timeout of new sessions.
	Lifetime time.Duration
	// MaxPerIP caps concurrent sessions per client address, 0 disables.
	MaxPerIP int
	// CapExcludes lists client addresses exempt from the cap.
	CapExcludes []string
}

// Manager issues, loads and persists sessions. Redis holds the durable
// copy; the manager works on private in-memory instances.
type Manager struct {
	rdb    *goredis.Client
	keys   redis.Keys
	logger *zap.Logger

	lifetime    time.Duration
	maxPerIP    int
	capExcludes map[string]bool

	overloadedUntil atomic.Int64
}

// NewManager builds a session manager on an existing Redis client.
func NewManager(rdb *goredis.Client, keys redis.Keys, logger *zap.Logger, opts Options) *Manager {
	if opts.Lifetime <= 0 {
		opts.Lifetime = 60 * time.Second
	}
	excludes := make(map[string]bool, len(opts.CapExcludes))
	for _, addr := range opts.CapExcludes {
		excludes[addr] = true
	}
	return &Manager{
		rdb:         rdb,
		keys:        keys,
		logger:      logger,
		lifetime:    opts.Lifetime,
		maxPerIP:    opts.MaxPerIP,
		capExcludes: excludes,
	}
}

// Get resolves a session id to a live session or creates a fresh one. A
// stored session bound to a different client address is never reassigned;
// the caller gets a new session instead.
func (m *Manager) Get(ctx context.Context, clientAddr, userAgent, sessionID string) (*Session, error) {
	if sessionID != "" {
		s, err := m.load(ctx, clientAddr, sessionID)
		switch {
		case err == nil:
			if s.ClientAddr == clientAddr {
				s.Touch()
				return s, nil
			}
			m.logger.Warn("Session bound to another client address, issuing a new session",
				zap.String("session_id", sessionID),
				zap.String("client", clientAddr),
			)
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
	}
	return m.create(ctx, clientAddr, userAgent)
}

func (m *Manager) load(ctx context.Context, clientAddr, sessionID string) (*Session, error) {
	if !validID(sessionID) {
		return nil, ErrNotFound
	}
	record, err := m.rdb.HGetAll(ctx, m.keys.Session(clientAddr, sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if len(record) == 0 {
		return nil, ErrNotFound
	}

	s := &Session{ID: sessionID, ClientAddr: clientAddr, dirty: make(map[string]bool)}
	s.applyRecord(record)
	now := time.Now().Unix()
	s.loadedInteractive = s.messagebusRecent(now)
	s.loadedMaxAge = s.MaxAge
	if s.Expired(now) {
		if err := m.Delete(ctx, s); err != nil {
			m.logger.Warn("Failed to delete expired session", zap.Error(err))
		}
		return nil, ErrNotFound
	}
	return s, nil
}

func (m *Manager) create(ctx context.Context, clientAddr, userAgent string) (*Session, error) {
	if m.maxPerIP > 0 && !m.capExcludes[clientAddr] {
		count, err := m.CountSessions(ctx, clientAddr)
		if err != nil {
			return nil, err
		}
		if count >= m.maxPerIP {
			return nil, fmt.Errorf("%w: %d open sessions from %s", ErrTooManySessions, count, clientAddr)
		}
	}

	s := newSession(clientAddr, userAgent, int(m.lifetime.Seconds()))
	if err := m.store(ctx, s, false); err != nil {
		return nil, err
	}
	metrics.SessionsCreated.Inc()
	m.logger.Debug("Session created",
		zap.String("session_id", s.ID),
		zap.String("client", clientAddr),
	)
	return s, nil
}

// Refresh compares the in-memory version against Redis and re-reads the
// record when another node wrote in between. Locally modified fields are
// kept. Returns false when the session was deleted elsewhere.
func (m *Manager) Refresh(ctx context.Context, s *Session) (bool, error) {
	key := m.keys.Session(s.ClientAddr, s.ID)
	version, err := m.rdb.HGet(ctx, key, fieldVersion).Result()
	if errors.Is(err, goredis.Nil) {
		s.mu.Lock()
		s.deleted = true
		s.mu.Unlock()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("refresh session %s: %w", s.ID, err)
	}
	if version == s.Version {
		return true, nil
	}

	record, err := m.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("refresh session %s: %w", s.ID, err)
	}
	if len(record) == 0 {
		s.mu.Lock()
		s.deleted = true
		s.mu.Unlock()
		return false, nil
	}
	s.applyRecord(record)
	return true, nil
}

// Store persists the session and bumps its version. With wait=false the
// write happens in the background and failures are only logged. With
// modificationsOnly=true just the dirty fields are written, so concurrent
// writers of unrelated fields do not clobber each other.
func (m *Manager) Store(ctx context.Context, s *Session, wait, modificationsOnly bool) error {
	if s.Deleted() {
		return fmt.Errorf("session %s is deleted", s.ID)
	}
	if !wait {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := m.store(ctx, s, modificationsOnly); err != nil {
				m.logger.Warn("Background session store failed",
					zap.String("session_id", s.ID),
					zap.Error(err),
				)
			}
		}()
		return nil
	}
	return m.store(ctx, s, modificationsOnly)
}

func (m *Manager) store(ctx context.Context, s *Session, modificationsOnly bool) error {
	key := m.keys.Session(s.ClientAddr, s.ID)

	var values map[string]interface{}
	if modificationsOnly && !s.isNew {
		values = s.dirtySnapshot()
	} else {
		values = s.snapshot()
	}
	version := newVersion()
	values[fieldVersion] = version
	ttl := time.Duration(s.MaxAge) * time.Second

	// The version bump and the field write go through one transaction so
	// a concurrent writer aborts us instead of interleaving.
	txf := func(tx *goredis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, values)
			pipe.Expire(ctx, key, ttl)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < maxStoreRetries; attempt++ {
		err = m.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, goredis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("store session %s: %w", s.ID, err)
	}
	s.Version = version
	s.clearDirty()
	return nil
}

// Delete removes the session and the streams it owns.
func (m *Manager) Delete(ctx context.Context, s *Session) error {
	channel := "session:" + s.ID
	err := m.rdb.Del(ctx,
		m.keys.Session(s.ClientAddr, s.ID),
		m.keys.Channel(channel),
		m.keys.ChannelInfo(channel),
	).Err()
	if err != nil {
		return fmt.Errorf("delete session %s: %w", s.ID, err)
	}
	s.mu.Lock()
	s.deleted = true
	s.mu.Unlock()
	m.logger.Info("Session deleted",
		zap.String("session_id", s.ID),
		zap.String("client", s.ClientAddr),
	)
	return nil
}

// CountSessions counts open sessions of one client address.
func (m *Manager) CountSessions(ctx context.Context, clientAddr string) (int, error) {
	keys, err := redis.ScanKeys(ctx, m.rdb, m.keys.SessionPattern(clientAddr))
	if err != nil {
		return 0, fmt.Errorf("count sessions of %s: %w", clientAddr, err)
	}
	return len(keys), nil
}

// SetOverload sheds new work for the given duration. Requests arriving
// while overloaded are answered with 503 upstream.
func (m *Manager) SetOverload(d time.Duration) {
	m.overloadedUntil.Store(time.Now().Add(d).UnixNano())
	m.logger.Warn("Overload shedding enabled", zap.Duration("duration", d))
}

// OverloadedFor returns how long the manager stays overloaded, 0 when it
// is not.
func (m *Manager) OverloadedFor() time.Duration {
	until := m.overloadedUntil.Load()
	if until == 0 {
		return 0
	}
	remaining := time.Until(time.Unix(0, until))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Run performs periodic housekeeping until ctx is cancelled. Session keys
// expire through their Redis TTL; this loop removes the channel streams
// those sessions leave behind.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(channelSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.sweepOrphanedChannels(ctx); err != nil {
				m.logger.Warn("Session channel sweep failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) sweepOrphanedChannels(ctx context.Context) error {
	channelKeys, err := redis.ScanKeys(ctx, m.rdb, m.keys.Channel("session:*"))
	if err != nil {
		return err
	}
	prefix := m.keys.Channel("session:")
	for _, key := range channelKeys {
		if strings.HasSuffix(key, ":info") {
			continue
		}
		sessionID := strings.TrimPrefix(key, prefix)
		owners, err := redis.ScanKeys(ctx, m.rdb, m.keys.Session("*", sessionID))
		if err != nil {
			return err
		}
		if len(owners) > 0 {
			continue
		}
		if err := m.rdb.Del(ctx, key, key+":info").Err(); err != nil {
			return err
		}
		m.logger.Info("Removed channel of expired session",
			zap.String("session_id", sessionID),
		)
	}
	return nil
}

func validID(id string) bool {
	if len(id) != 32 {
		return false
	}
	for _, r := range id {
		if r >= '0' && r <= '9' || r >= 'a' && r <= 'f' {
			continue
		}
		return false
	}
	return true
}

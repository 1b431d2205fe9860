package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeEvent describes a configuration reload.
type ChangeEvent struct {
	Action    string // file_change, sighup, manual
	Old       *Config
	New       *Config
	Timestamp time.Time
}

// ChangeHandler is called after the active configuration was replaced.
type ChangeHandler func(event ChangeEvent) error

// Manager holds the active configuration and reloads it when the config
// file changes on disk or a reload is requested (SIGHUP).
type Manager struct {
	path     string
	logger   *zap.Logger
	handlers []ChangeHandler

	watcher *fsnotify.Watcher
	started bool
	stopCh  chan struct{}

	mu      sync.RWMutex
	current *Config
}

// NewManager loads the configuration from path and returns a manager
// serving it. An empty path serves the built-in defaults.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Manager{
		path:    path,
		logger:  logger,
		current: cfg,
		stopCh:  make(chan struct{}),
	}, nil
}

// Current returns the active configuration. The returned value must be
// treated as read-only.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// RegisterHandler registers a handler invoked after each reload.
func (m *Manager) RegisterHandler(handler ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Watch starts watching the config file for changes. It is a no-op when
// the manager serves built-in defaults only.
func (m *Manager) Watch() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started || m.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files via rename
	// which drops a file-level watch.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config directory: %w", err)
	}
	m.watcher = watcher
	m.started = true

	go m.watchLoop()

	m.logger.Info("Configuration watcher started", zap.String("path", m.path))
	return nil
}

// Stop stops the file watcher.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return
	}
	close(m.stopCh)
	if err := m.watcher.Close(); err != nil {
		m.logger.Error("Error closing file watcher", zap.Error(err))
	}
	m.started = false
}

// Reload re-reads the config file and swaps the active configuration.
// On parse or validation errors the previous configuration stays active.
func (m *Manager) Reload(action string) error {
	cfg, err := Load(m.path)
	if err != nil {
		m.logger.Error("Configuration reload failed, keeping previous config",
			zap.String("action", action),
			zap.Error(err),
		)
		return err
	}

	m.mu.Lock()
	old := m.current
	m.current = cfg
	handlers := make([]ChangeHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	event := ChangeEvent{
		Action:    action,
		Old:       old,
		New:       cfg,
		Timestamp: time.Now(),
	}
	// Handlers run without holding the lock so they may call back into
	// the manager.
	for _, handler := range handlers {
		if err := handler(event); err != nil {
			m.logger.Error("Configuration change handler error",
				zap.String("action", action),
				zap.Error(err),
			)
		}
	}

	m.logger.Info("Configuration reloaded",
		zap.String("action", action),
		zap.String("path", m.path),
	)
	return nil
}

func (m *Manager) watchLoop() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Config watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-m.stopCh:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.handleWatchEvent(event)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("Config file watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) handleWatchEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(m.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	// Small delay to handle rapid successive writes.
	time.Sleep(50 * time.Millisecond)
	if err := m.Reload("file_change"); err != nil {
		m.logger.Error("Failed to reload config after file change",
			zap.String("file", event.Name),
			zap.Error(err),
		)
	}
}

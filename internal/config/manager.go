package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler is called with the new snapshot after a successful reload.
type ChangeHandler func(cfg *Config) error

// FileHandler is called when an auxiliary watched file changes.
type FileHandler func(path string) error

// Manager holds the current configuration snapshot and reloads it when the
// file changes on disk. Readers get an immutable *Config; a reload swaps
// the pointer so in-flight work keeps the snapshot it started with.
type Manager struct {
	path    string
	current atomic.Pointer[Config]

	watcher   *fsnotify.Watcher
	handlers  []ChangeHandler
	files     map[string]FileHandler
	stopCh    chan struct{}
	started   bool
	debounce  time.Duration
	logger    *zap.Logger
	mu        sync.Mutex
	watcherMu sync.Mutex
}

// NewManager loads path and returns a manager serving that snapshot.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		path:     path,
		files:    make(map[string]FileHandler),
		stopCh:   make(chan struct{}),
		debounce: 50 * time.Millisecond,
		logger:   logger,
	}
	m.current.Store(cfg)
	return m, nil
}

// Current returns the active snapshot.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// OnChange registers a handler run after every successful reload.
func (m *Manager) OnChange(h ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// WatchFile registers an auxiliary file (e.g. the rate limit YAML).
func (m *Manager) WatchFile(path string, h FileHandler) {
	if path == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[filepath.Clean(path)] = h
}

// Start watches the directories holding the config and auxiliary files.
// Directories are watched rather than files so editors that replace the
// file on save are still observed.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	dirs := map[string]struct{}{}
	if m.path != "" {
		dirs[filepath.Dir(filepath.Clean(m.path))] = struct{}{}
	}
	for p := range m.files {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	m.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			m.logger.Warn("Config directory not watchable, hot reload disabled for it",
				zap.String("dir", dir), zap.Error(err))
		}
	}

	m.mu.Lock()
	m.watcher = watcher
	m.started = true
	m.mu.Unlock()

	go m.watchLoop(ctx)

	m.logger.Info("Configuration manager started",
		zap.String("config", m.path),
		zap.Int("watched_dirs", len(dirs)),
	)
	return nil
}

// Stop stops watching for configuration changes
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}
	close(m.stopCh)
	m.started = false
	if err := m.watcher.Close(); err != nil {
		m.logger.Error("Error closing file watcher", zap.Error(err))
	}
	m.logger.Info("Configuration manager stopped")
	return nil
}

// Reload rereads the config file. On failure the previous snapshot stays
// active and the error is returned.
func (m *Manager) Reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}
	m.current.Store(cfg)

	m.mu.Lock()
	handlers := make([]ChangeHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		if err := h(cfg); err != nil {
			m.logger.Error("Configuration handler error", zap.Error(err))
		}
	}

	m.logger.Info("Configuration reloaded",
		zap.Int("max_generations", cfg.Orchestration.MaxGenerations),
		zap.Int("max_workers", cfg.Orchestration.MaxWorkers),
	)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
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
			m.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

func (m *Manager) handleWatchEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	m.watcherMu.Lock()
	defer m.watcherMu.Unlock()

	name := filepath.Clean(event.Name)
	m.mu.Lock()
	fileHandler, isAux := m.files[name]
	m.mu.Unlock()
	isConfig := m.path != "" && name == filepath.Clean(m.path)
	if !isConfig && !isAux {
		return
	}

	// Let rapid successive writes settle.
	time.Sleep(m.debounce)

	if isConfig {
		if err := m.Reload(); err != nil {
			m.logger.Error("Failed to reload configuration, keeping previous snapshot",
				zap.String("file", name),
				zap.Error(err),
			)
		}
	}
	if isAux {
		if err := fileHandler(name); err != nil {
			m.logger.Error("Watched file handler error", zap.String("file", name), zap.Error(err))
		} else {
			m.logger.Info("Watched file reloaded", zap.String("file", name))
		}
	}
}

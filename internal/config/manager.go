package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Manager handles configuration loading, hot-reload, and runtime updates.
// It uses atomic pointer swaps to ensure thread-safe config access.
type Manager struct {
	config   atomic.Pointer[Config]
	path     string
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	mu       sync.Mutex // serializes Apply and reload against each other
	onChange []func(*Config)
}

// NewManager creates a new configuration manager. A missing file is not an
// error: defaults are used and written back so the operator has a template.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		path:   path,
		logger: logger,
	}

	cfg, err := LoadFromFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("config file not found, writing defaults", "path", path)
		cfg = DefaultConfig()
		if werr := writeConfig(path, cfg); werr != nil {
			return nil, werr
		}
		err = nil
	}
	if err != nil {
		return nil, err
	}

	m.config.Store(cfg)
	return m, nil
}

// Get returns the current configuration.
// This is safe to call concurrently from multiple goroutines.
func (m *Manager) Get() *Config {
	return m.config.Load()
}

// OnChange registers a callback to be invoked when configuration changes.
// Callbacks must be registered before Watch is started.
func (m *Manager) OnChange(fn func(*Config)) {
	m.onChange = append(m.onChange, fn)
}

// Apply merges a partial overlay document into the current configuration,
// persists the result, swaps it in atomically, and notifies listeners.
func (m *Manager) Apply(overlay []byte) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged, err := m.Get().Merge(overlay)
	if err != nil {
		return nil, err
	}
	if err := writeConfig(m.path, merged); err != nil {
		return nil, err
	}
	m.config.Store(merged)
	m.notify(merged)
	return merged, nil
}

// Watch starts watching the configuration file for changes.
// It debounces rapid changes and reloads configuration atomically.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return err
	}

	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	const debounceDelay = 500 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					m.reload()
				})
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("config watcher error", "error", err)
		}
	}
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	newCfg, err := LoadFromFile(m.path)
	if err != nil {
		m.logger.Error("failed to reload config, keeping current", "error", err)
		return
	}

	m.config.Store(newCfg)
	m.logger.Info("configuration reloaded")
	m.notify(newCfg)
}

func (m *Manager) notify(cfg *Config) {
	for _, fn := range m.onChange {
		fn(cfg)
	}
}

func writeConfig(path string, cfg *Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

package config

import (
	"fmt"
	"sync"
)

// ConfigManager provides thread-safe access to live configuration. A SIGHUP
// reload (see cmd/branchmindd) swaps one pointer so every later Get observes
// the new config; the dispatch server's allowlist/lock/guard settings follow
// reloads through an OnChange subscriber, while the job-sweep schedule and
// logger are rebuilt by cmd/branchmindd itself.
type ConfigManager interface {
	Get() *Config
	Set(cfg *Config)
	Reload(path string) error
	OnChange(fn func(*Config))
}

// RWMutexManager provides thread-safe read-heavy config access using RWMutex.
// Components that need to react to a reload rather than just read the latest
// snapshot on demand (the dispatch server's SetConfig) register via
// OnChange instead of polling Get.
type RWMutexManager struct {
	mu  sync.RWMutex
	cfg *Config

	listenersMu sync.Mutex
	listeners   []func(*Config)
}

// NewManager constructs a manager with an initial config.
func NewManager(initial *Config) *RWMutexManager {
	return &RWMutexManager{cfg: initial.Clone()}
}

// NewRWMutexManager constructs a manager with an initial config.
func NewRWMutexManager(initial *Config) *RWMutexManager {
	return NewManager(initial)
}

// Get returns a cloned config snapshot under a shared lock.
//
// Returning a clone prevents shared mutable state from leaking across readers.
func (m *RWMutexManager) Get() *Config {
	if m == nil {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Clone()
}

// OnChange registers fn to run with the new config every time Set or Reload
// swaps one in. fn runs synchronously, after the swap, outside the manager's
// own lock, so it may itself call Get without deadlocking.
func (m *RWMutexManager) OnChange(fn func(*Config)) {
	if m == nil || fn == nil {
		return
	}
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *RWMutexManager) notify(cfg *Config) {
	m.listenersMu.Lock()
	listeners := append([]func(*Config){}, m.listeners...)
	m.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(cfg.Clone())
	}
}

// Set updates the current config pointer under an exclusive lock, then
// notifies any OnChange subscribers.
func (m *RWMutexManager) Set(cfg *Config) {
	if m == nil {
		return
	}

	m.mu.Lock()
	m.cfg = cfg.Clone()
	m.mu.Unlock()
	m.notify(cfg)
}

// Reload loads config from path, atomically swaps it into place, and
// notifies any OnChange subscribers.
func (m *RWMutexManager) Reload(path string) error {
	if m == nil {
		return fmt.Errorf("config manager is nil")
	}
	if path == "" {
		return fmt.Errorf("config reload path is required")
	}

	loaded, err := Load(path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.cfg = loaded.Clone()
	m.mu.Unlock()
	m.notify(loaded)
	return nil
}

var _ ConfigManager = (*RWMutexManager)(nil)

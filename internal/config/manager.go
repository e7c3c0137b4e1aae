package config

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager 持有当前配置，可选监控配置文件变化
type Manager struct {
	mu           sync.RWMutex
	cfg          *Config
	v            *viper.Viper
	path         string
	watchEnabled bool
	watching     bool
	logger       *slog.Logger

	listenerMu sync.Mutex
	listeners  []func(*Config)
}

// ManagerOption 配置管理器选项
type ManagerOption func(*Manager)

// WithConfigPath 指定配置文件路径
func WithConfigPath(path string) ManagerOption {
	return func(m *Manager) {
		m.path = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.watchEnabled = enabled
	}
}

// WithManagerLogger 设置日志器
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager 创建配置管理器
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load 首次加载配置，已加载则直接返回
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg != nil {
		return m.cfg, nil
	}

	cfg, v, err := load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg = cfg
	m.v = v

	if m.watchEnabled {
		m.watchLocked()
	}
	return cfg, nil
}

// Current 当前配置，未加载时返回 nil
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// ConfigFile 实际使用的配置文件，没有文件时为空
func (m *Manager) ConfigFile() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.v == nil {
		return ""
	}
	return m.v.ConfigFileUsed()
}

// OnChange 订阅重新加载后的配置
func (m *Manager) OnChange(fn func(*Config)) {
	if fn == nil {
		return
	}
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenerMu.Unlock()
}

// Reload 重新读取配置，失败时保留旧配置
func (m *Manager) Reload() (*Config, error) {
	m.mu.Lock()
	path := m.path
	if path == "" && m.v != nil {
		path = m.v.ConfigFileUsed()
	}
	cfg, _, err := load(path)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("reload config: %w", err)
	}
	m.cfg = cfg
	m.mu.Unlock()

	m.listenerMu.Lock()
	listeners := append([]func(*Config){}, m.listeners...)
	m.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	return cfg, nil
}

// watchLocked 监控配置文件，调用方持有 m.mu
func (m *Manager) watchLocked() {
	if m.watching {
		return
	}
	if m.v.ConfigFileUsed() == "" {
		m.logger.Info("no config file found, watch disabled")
		return
	}
	m.watching = true

	m.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		if _, err := m.Reload(); err != nil {
			m.logger.Warn("config reload failed, keeping previous config", "file", e.Name, "error", err)
			return
		}
		m.logger.Info("config reloaded", "file", e.Name)
	})
	m.v.WatchConfig()
}

package config

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/infrastructure/hotreload"
)

// Change 单个配置项的变更
type Change struct {
	Old any
	New any
}

// Subscriber 配置变更回调。changes 的键是点号路径（如 "queue.ai_interval"）。
// 回调可能因抖动被重复触发，消费方必须幂等。
type Subscriber func(cfg Config, changes map[string]Change)

// Manager 配置管理器：类型化快照 + 变更订阅。
// 配置文件为 TOML，热重载由共享扫描器驱动。
type Manager struct {
	path   string
	logger *zap.Logger

	mu          sync.RWMutex
	cfg         Config
	flat        map[string]any
	subscribers []Subscriber
}

// NewManager 读取配置文件并创建管理器。文件不存在时使用默认值。
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		path:   path,
		logger: logger.With(zap.String("component", "config")),
		cfg:    Default(),
		flat:   map[string]any{},
	}
	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			m.logger.Warn("Config file not found, using defaults", zap.String("path", path))
			return m, nil
		}
		return nil, err
	}
	return m, nil
}

// Snapshot 返回当前配置快照（值拷贝）
func (m *Manager) Snapshot() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe 注册配置变更回调
func (m *Manager) Subscribe(sub Subscriber) {
	m.mu.Lock()
	m.subscribers = append(m.subscribers, sub)
	m.mu.Unlock()
}

// SnapshotFunc 提供给热重载扫描器的文件快照函数
func (m *Manager) SnapshotFunc() hotreload.SnapshotFunc {
	return func() (hotreload.Snapshot, error) {
		snap := hotreload.Snapshot{}
		info, err := os.Stat(m.path)
		if err != nil {
			if os.IsNotExist(err) {
				return snap, nil
			}
			return nil, err
		}
		snap[m.path] = info.ModTime()
		return snap, nil
	}
}

// OnChange 扫描器回调：重新加载并通知订阅者
func (m *Manager) OnChange(hotreload.Snapshot) {
	if err := m.Reload(); err != nil {
		m.logger.Error("Config reload failed", zap.Error(err))
	}
}

// Reload 重新读取配置文件，计算逐项 diff 并通知订阅者
func (m *Manager) Reload() error {
	newCfg, newFlat, err := m.read()
	if err != nil {
		return err
	}

	m.mu.Lock()
	oldFlat := m.flat
	m.cfg = newCfg
	m.flat = newFlat
	subs := make([]Subscriber, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	changes := diffFlat(oldFlat, newFlat)
	if len(changes) == 0 {
		return nil
	}

	m.logger.Info("Config reloaded", zap.Int("changes", len(changes)))
	for _, sub := range subs {
		sub(newCfg, changes)
	}
	return nil
}

// RenderTOML 把当前配置渲染回 TOML 文本。
// parse → render → parse 保持语义等价。
func (m *Manager) RenderTOML() ([]byte, error) {
	v := viper.New()
	v.SetConfigType("toml")
	m.mu.RLock()
	flat := m.flat
	m.mu.RUnlock()
	for key, val := range flat {
		v.Set(key, val)
	}
	tmp, err := os.CreateTemp("", "undefined-config-*.toml")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)
	if err := v.WriteConfigAs(tmpPath); err != nil {
		return nil, err
	}
	return os.ReadFile(tmpPath)
}

// load 首次读取
func (m *Manager) load() error {
	cfg, flat, err := m.read()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.cfg = cfg
	m.flat = flat
	m.mu.Unlock()
	return nil
}

// read 解析配置文件为 (快照, 扁平映射)
func (m *Manager) read() (Config, map[string]any, error) {
	v := viper.New()
	v.SetConfigFile(m.path)
	v.SetConfigType("toml")

	data, err := os.ReadFile(m.path)
	if err != nil {
		return Config{}, nil, err
	}
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return Config{}, nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, flatten("", v.AllSettings()), nil
}

// flatten 把嵌套 map 展平为点号路径
func flatten(prefix string, in map[string]any) map[string]any {
	out := make(map[string]any)
	for key, val := range in {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			for k, v := range flatten(full, nested) {
				out[k] = v
			}
			continue
		}
		out[full] = val
	}
	return out
}

// diffFlat 比较两个扁平映射
func diffFlat(oldFlat, newFlat map[string]any) map[string]Change {
	changes := make(map[string]Change)
	for key, newVal := range newFlat {
		oldVal, ok := oldFlat[key]
		if !ok {
			changes[key] = Change{Old: nil, New: newVal}
			continue
		}
		if !valueEqual(oldVal, newVal) {
			changes[key] = Change{Old: oldVal, New: newVal}
		}
	}
	for key, oldVal := range oldFlat {
		if _, ok := newFlat[key]; !ok {
			changes[key] = Change{Old: oldVal, New: nil}
		}
	}
	return changes
}

func valueEqual(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

package hotreload

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Snapshot 一次扫描的结果：关注路径 → mtime。
// 比较两个 Snapshot 即可判断是否发生了变化。
type Snapshot map[string]time.Time

// Equal 比较两个快照
func (s Snapshot) Equal(other Snapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		if !other[k].Equal(v) {
			return false
		}
	}
	return true
}

// SnapshotFunc 由使用方提供：扫描自己关心的文件集合
type SnapshotFunc func() (Snapshot, error)

// Scanner 技能注册表与配置管理器共用的热重载扫描器。
// 每 interval 轮询一次；变更必须在连续两次扫描间保持稳定（防抖一个 tick）
// 才触发 onChange；onChange 在轮询协程里原子地执行。
//
// 可选的 fsnotify 监视只用来提前唤醒下一次扫描，防抖语义不变。
type Scanner struct {
	name     string
	interval time.Duration
	snapshot SnapshotFunc
	onChange func(Snapshot)
	logger   *zap.Logger

	watcher *fsnotify.Watcher
	wake    chan struct{}

	committed Snapshot
	pending   Snapshot
}

// NewScanner 创建扫描器。interval <= 0 时使用 5s。
func NewScanner(name string, interval time.Duration, snapshot SnapshotFunc, onChange func(Snapshot), logger *zap.Logger) *Scanner {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scanner{
		name:     name,
		interval: interval,
		snapshot: snapshot,
		onChange: onChange,
		logger:   logger.With(zap.String("component", "hotreload"), zap.String("scanner", name)),
		wake:     make(chan struct{}, 1),
	}
}

// Watch 注册 fsnotify 目录监视，事件仅用于提前触发一次扫描
func (s *Scanner) Watch(dirs ...string) error {
	if s.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		s.watcher = w
	}
	for _, dir := range dirs {
		if err := s.watcher.Add(dir); err != nil {
			s.logger.Warn("Failed to watch dir", zap.String("dir", dir), zap.Error(err))
		}
	}
	return nil
}

// Start 阻塞运行扫描循环，ctx 取消后干净退出
func (s *Scanner) Start(ctx context.Context) {
	// 初始快照作为基准，启动时不触发 onChange
	if snap, err := s.snapshot(); err == nil {
		s.committed = snap
	} else {
		s.logger.Warn("Initial snapshot failed", zap.Error(err))
		s.committed = Snapshot{}
	}

	if s.watcher != nil {
		go s.pumpWatcher(ctx)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.close()

	s.logger.Info("Hot-reload scanner started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Hot-reload scanner stopped")
			return
		case <-ticker.C:
			s.tick()
		case <-s.wake:
			s.tick()
		}
	}
}

// tick 执行一次扫描与防抖判定
func (s *Scanner) tick() {
	snap, err := s.snapshot()
	if err != nil {
		s.logger.Warn("Snapshot failed", zap.Error(err))
		return
	}

	if snap.Equal(s.committed) {
		s.pending = nil
		return
	}

	// 变化需要在两次扫描间保持稳定才提交
	if s.pending != nil && snap.Equal(s.pending) {
		s.committed = snap
		s.pending = nil
		s.logger.Info("Change settled, firing reload", zap.Int("entries", len(snap)))
		s.onChange(snap)
		return
	}
	s.pending = snap
}

// pumpWatcher 把 fsnotify 事件折叠成唤醒信号
func (s *Scanner) pumpWatcher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			select {
			case s.wake <- struct{}{}:
			default:
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

func (s *Scanner) close() {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
}

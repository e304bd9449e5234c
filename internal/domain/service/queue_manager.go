package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
)

const (
	// 每条通道连续出队的上限
	laneBurst = 2
	// 每经过这么多次通道轮换，强制照顾一次 normal 通道
	fairStealEvery = 2
	// normal 通道入队后超过该长度时触发裁剪
	normalTrimThreshold = 10
	// 裁剪后保留的最新条数
	normalTrimTarget = 2
)

// QueueExecutor 处理一条出队请求
type QueueExecutor func(ctx context.Context, item entity.QueueItem)

// QueueManager 四条优先级通道加一个公平调度 worker。
// 高优通道按突发上限轮转，低优 normal 通道定期被强制照顾，入队侧只对
// normal 通道做裁剪背压。
type QueueManager struct {
	mu    sync.Mutex
	lanes [entity.LaneCount][]entity.QueueItem

	// 公平调度状态
	laneIdx      int
	burst        int
	rotations    int
	lastPopped   entity.Lane
	hasPopped    bool
	pendingSteal bool

	interval time.Duration
	executor QueueExecutor
	logger   *zap.Logger
}

// NewQueueManager 创建队列管理器
func NewQueueManager(interval time.Duration, executor QueueExecutor, logger *zap.Logger) *QueueManager {
	if interval <= 0 {
		interval = time.Second
	}
	return &QueueManager{interval: interval, executor: executor, logger: logger}
}

// Enqueue 入队。normal 通道长度超过阈值时只保留最新几条。
func (m *QueueManager) Enqueue(item entity.QueueItem) {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	lane := item.Lane
	m.lanes[lane] = append(m.lanes[lane], item)
	if lane == entity.LaneGroupNormal && len(m.lanes[lane]) > normalTrimThreshold {
		dropped := len(m.lanes[lane]) - normalTrimTarget
		m.lanes[lane] = append([]entity.QueueItem(nil), m.lanes[lane][dropped:]...)
		m.logger.Info("normal 通道积压，裁剪为最新几条",
			zap.Int("dropped", dropped), zap.Int("kept", normalTrimTarget))
	}
}

// Depths 各通道当前长度
func (m *QueueManager) Depths() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, entity.LaneCount)
	for i := 0; i < entity.LaneCount; i++ {
		out[entity.Lane(i).String()] = len(m.lanes[i])
	}
	return out
}

// next 按公平算法出队一条。没有可出队项时返回 false。
func (m *QueueManager) next() (entity.QueueItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for attempts := 0; attempts <= entity.LaneCount*2; attempts++ {
		if m.pendingSteal {
			m.pendingSteal = false
			normal := entity.LaneGroupNormal
			if (!m.hasPopped || m.lastPopped != normal) && len(m.lanes[normal]) > 0 {
				return m.pop(normal), true
			}
		}

		lane := entity.Lane(m.laneIdx)
		if m.burst < laneBurst && len(m.lanes[lane]) > 0 {
			m.burst++
			return m.pop(lane), true
		}

		// 本通道突发配额用尽或为空，轮换到下一条
		m.laneIdx = (m.laneIdx + 1) % entity.LaneCount
		m.burst = 0
		m.rotations++
		if m.rotations%fairStealEvery == 0 {
			m.pendingSteal = true
		}
	}
	return entity.QueueItem{}, false
}

func (m *QueueManager) pop(lane entity.Lane) entity.QueueItem {
	item := m.lanes[lane][0]
	m.lanes[lane] = m.lanes[lane][1:]
	m.lastPopped = lane
	m.hasPopped = true
	return item
}

// Run worker 主循环：出队、执行、按间隔限速。ctx 取消后不再出队。
func (m *QueueManager) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, ok := m.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.interval):
			}
			continue
		}
		m.executor(ctx, item)
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.interval):
		}
	}
}

package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
)

func newTestQueue() *QueueManager {
	return NewQueueManager(time.Millisecond, func(context.Context, entity.QueueItem) {}, zap.NewNop())
}

func enqueueN(m *QueueManager, lane entity.Lane, n int, tag string) {
	for i := 0; i < n; i++ {
		m.Enqueue(entity.QueueItem{Lane: lane, Payload: tag})
	}
}

func TestNormalLaneTrimming(t *testing.T) {
	m := newTestQueue()
	enqueueN(m, entity.LaneGroupNormal, 11, "n")

	if depth := m.Depths()["group_normal"]; depth != 2 {
		t.Errorf("depth = %d, want 2 after trim", depth)
	}

	// 其他通道不裁剪
	enqueueN(m, entity.LanePrivate, 15, "p")
	if depth := m.Depths()["private"]; depth != 15 {
		t.Errorf("private depth = %d", depth)
	}
}

func TestTrimKeepsNewest(t *testing.T) {
	m := newTestQueue()
	for i := 0; i < 11; i++ {
		m.Enqueue(entity.QueueItem{Lane: entity.LaneGroupNormal, Payload: i})
	}
	first, ok := m.next()
	if !ok {
		t.Fatal("empty after trim")
	}
	// 裁剪保留最新两条：9 和 10
	if first.Payload != 9 {
		t.Errorf("kept head = %v, want 9", first.Payload)
	}
}

func TestLaneFIFO(t *testing.T) {
	m := newTestQueue()
	for i := 0; i < 2; i++ {
		m.Enqueue(entity.QueueItem{Lane: entity.LaneSuperadmin, Payload: i})
	}
	a, _ := m.next()
	b, _ := m.next()
	if a.Payload != 0 || b.Payload != 1 {
		t.Errorf("order = %v, %v", a.Payload, b.Payload)
	}
}

func TestFairnessNormalLaneNotStarved(t *testing.T) {
	m := newTestQueue()
	enqueueN(m, entity.LaneGroupMention, 20, "mention")
	enqueueN(m, entity.LaneGroupNormal, 20, "normal")
	// normal 入队 20 条会触发裁剪，补回到可观测数量
	enqueueN(m, entity.LaneGroupNormal, 2, "normal")

	normal := 0
	total := 0
	for total < 20 {
		item, ok := m.next()
		if !ok {
			break
		}
		total++
		if item.Payload == "normal" {
			normal++
		}
	}
	if normal < 4 {
		t.Errorf("normal dequeues = %d of %d, want >= 4", normal, total)
	}
}

func TestNextExhaustsAllLanes(t *testing.T) {
	m := newTestQueue()
	enqueueN(m, entity.LaneSuperadmin, 3, "sa")
	enqueueN(m, entity.LanePrivate, 3, "p")

	count := 0
	for {
		if _, ok := m.next(); !ok {
			break
		}
		count++
	}
	if count != 6 {
		t.Errorf("drained %d items, want 6", count)
	}
	if _, ok := m.next(); ok {
		t.Error("empty queue should return false")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	var mu sync.Mutex
	handled := 0
	m := NewQueueManager(time.Millisecond, func(_ context.Context, _ entity.QueueItem) {
		mu.Lock()
		handled++
		mu.Unlock()
	}, zap.NewNop())
	enqueueN(m, entity.LanePrivate, 3, "p")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { m.Run(ctx); close(done) }()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := handled
		mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
	mu.Lock()
	defer mu.Unlock()
	if handled != 3 {
		t.Errorf("handled = %d", handled)
	}
}

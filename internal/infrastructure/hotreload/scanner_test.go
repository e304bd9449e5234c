package hotreload

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeFS struct {
	mu   sync.Mutex
	snap Snapshot
}

func (f *fakeFS) set(path string, mtime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snap == nil {
		f.snap = Snapshot{}
	}
	f.snap[path] = mtime
}

func (f *fakeFS) snapshot() (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := Snapshot{}
	for k, v := range f.snap {
		out[k] = v
	}
	return out, nil
}

func TestSnapshotEqual(t *testing.T) {
	now := time.Now()
	a := Snapshot{"x": now, "y": now.Add(time.Second)}
	b := Snapshot{"x": now, "y": now.Add(time.Second)}
	if !a.Equal(b) {
		t.Error("identical snapshots should compare equal")
	}
	b["y"] = now
	if a.Equal(b) {
		t.Error("differing mtimes should not compare equal")
	}
	if a.Equal(Snapshot{"x": now}) {
		t.Error("differing key sets should not compare equal")
	}
}

func TestScanner_DebounceOneTick(t *testing.T) {
	fs := &fakeFS{}
	fs.set("skills/echo/config.json", time.Unix(1000, 0))

	var fired []Snapshot
	s := NewScanner("test", time.Hour, fs.snapshot, func(snap Snapshot) {
		fired = append(fired, snap)
	}, zap.NewNop())

	// 基准
	s.committed, _ = fs.snapshot()

	// 第一次看到变化：只进入 pending
	fs.set("skills/echo/config.json", time.Unix(2000, 0))
	s.tick()
	if len(fired) != 0 {
		t.Fatalf("change must settle one tick before firing, fired=%d", len(fired))
	}

	// 变化保持稳定：第二个 tick 触发
	s.tick()
	if len(fired) != 1 {
		t.Fatalf("expected exactly one reload, got %d", len(fired))
	}
	if !fired[0]["skills/echo/config.json"].Equal(time.Unix(2000, 0)) {
		t.Error("onChange should receive the settled snapshot")
	}
}

func TestScanner_UnstableChangeKeepsPending(t *testing.T) {
	fs := &fakeFS{}
	fs.set("config.toml", time.Unix(1, 0))

	fires := 0
	s := NewScanner("test", time.Hour, fs.snapshot, func(Snapshot) { fires++ }, zap.NewNop())
	s.committed, _ = fs.snapshot()

	// 每个 tick 都在变：永远不触发
	for i := int64(2); i < 6; i++ {
		fs.set("config.toml", time.Unix(i, 0))
		s.tick()
	}
	if fires != 0 {
		t.Errorf("a still-changing file must not fire, fired %d times", fires)
	}

	// 停止变动后两个 tick 内触发一次
	s.tick()
	if fires != 1 {
		t.Errorf("expected one fire after settling, got %d", fires)
	}
}

func TestScanner_RevertClearsPending(t *testing.T) {
	fs := &fakeFS{}
	fs.set("f", time.Unix(1, 0))

	fires := 0
	s := NewScanner("test", time.Hour, fs.snapshot, func(Snapshot) { fires++ }, zap.NewNop())
	s.committed, _ = fs.snapshot()

	fs.set("f", time.Unix(2, 0))
	s.tick()
	// 回到原状
	fs.set("f", time.Unix(1, 0))
	s.tick()
	s.tick()
	if fires != 0 {
		t.Errorf("reverted change must not fire, fired %d times", fires)
	}
}

func TestScanner_StartStops(t *testing.T) {
	fs := &fakeFS{}
	s := NewScanner("test", 10*time.Millisecond, fs.snapshot, func(Snapshot) {}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scanner did not stop after cancellation")
	}
}

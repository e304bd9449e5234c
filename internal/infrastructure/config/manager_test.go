package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

const sampleTOML = `
[bot]
self_id = 10086
names = ["小未"]
superadmins = [120218451]

[queue]
ai_interval = "2s"

[loop]
max_iterations = 500

[cognitive]
job_max_retries = 5
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestNewManager_ParsesTOML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleTOML)
	m, err := NewManager(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	cfg := m.Snapshot()
	if cfg.Bot.SelfID != 10086 {
		t.Errorf("bot.self_id = %d, want 10086", cfg.Bot.SelfID)
	}
	if cfg.Queue.AIInterval != 2*time.Second {
		t.Errorf("queue.ai_interval = %v, want 2s", cfg.Queue.AIInterval)
	}
	if cfg.Loop.MaxIterations != 500 {
		t.Errorf("loop.max_iterations = %d, want 500", cfg.Loop.MaxIterations)
	}
	// 未出现的键取默认值
	if cfg.Cognitive.RewriteMaxRetry != 2 {
		t.Errorf("cognitive.rewrite_max_retry default = %d, want 2", cfg.Cognitive.RewriteMaxRetry)
	}
}

func TestNewManager_MissingFileUsesDefaults(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "absent.toml"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if m.Snapshot().Loop.MaxIterations != 1000 {
		t.Error("missing file should fall back to defaults")
	}
}

func TestReload_NotifiesWithDottedChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleTOML)
	m, err := NewManager(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	var gotChanges map[string]Change
	var gotCfg Config
	m.Subscribe(func(cfg Config, changes map[string]Change) {
		gotCfg = cfg
		gotChanges = changes
	})

	writeConfig(t, dir, `
[bot]
self_id = 10086
names = ["小未"]
superadmins = [120218451]

[queue]
ai_interval = "2s"

[loop]
max_iterations = 800

[cognitive]
job_max_retries = 5
`)
	if err := m.Reload(); err != nil {
		t.Fatal(err)
	}

	if gotCfg.Loop.MaxIterations != 800 {
		t.Errorf("subscriber saw max_iterations = %d, want 800", gotCfg.Loop.MaxIterations)
	}
	ch, ok := gotChanges["loop.max_iterations"]
	if !ok {
		t.Fatalf("expected change at loop.max_iterations, got %v", gotChanges)
	}
	if ch.New == nil {
		t.Error("change should carry the new value")
	}
	if _, ok := gotChanges["bot.self_id"]; ok {
		t.Error("unchanged keys must not appear in changes")
	}
}

func TestReload_NoChangeNoNotify(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleTOML)
	m, err := NewManager(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	calls := 0
	m.Subscribe(func(Config, map[string]Change) { calls++ })
	if err := m.Reload(); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Errorf("identical content should not notify, got %d calls", calls)
	}
}

func TestRenderTOML_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleTOML)
	m, err := NewManager(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	rendered, err := m.RenderTOML()
	if err != nil {
		t.Fatal(err)
	}

	path2 := filepath.Join(dir, "rendered.toml")
	if err := os.WriteFile(path2, rendered, 0o644); err != nil {
		t.Fatal(err)
	}
	m2, err := NewManager(path2, zap.NewNop())
	if err != nil {
		t.Fatalf("rendered TOML failed to parse: %v", err)
	}

	a, b := m.Snapshot(), m2.Snapshot()
	if a.Bot.SelfID != b.Bot.SelfID ||
		a.Queue.AIInterval != b.Queue.AIInterval ||
		a.Loop.MaxIterations != b.Loop.MaxIterations ||
		a.Cognitive.JobMaxRetries != b.Cognitive.JobMaxRetries {
		t.Error("render→parse must preserve semantic equality of the snapshot")
	}
}

func TestFlattenDiff(t *testing.T) {
	oldFlat := map[string]any{"a.b": 1, "a.c": "x", "gone": true}
	newFlat := map[string]any{"a.b": 2, "a.c": "x", "fresh": "v"}

	changes := diffFlat(oldFlat, newFlat)
	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %d: %v", len(changes), changes)
	}
	if changes["a.b"].Old != 1 || changes["a.b"].New != 2 {
		t.Errorf("a.b change = %+v", changes["a.b"])
	}
	if changes["gone"].New != nil {
		t.Error("removed key should have nil New")
	}
	if changes["fresh"].Old != nil {
		t.Error("added key should have nil Old")
	}
}

package skill

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
	"github.com/69gg/Undefined-sub000/internal/domain/reqctx"
)

func writeSkill(t *testing.T, root, dir string, cfg map[string]any) {
	t.Helper()
	skillDir := filepath.Join(root, dir)
	if err := os.MkdirAll(skillDir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(skillDir, "config.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRegistryScanAndResolve(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "get_time", map[string]any{
		"name":        "get_time",
		"description": "当前时间",
		"order":       2,
		"aliases":     []string{"time", "时间"},
	})
	writeSkill(t, root, "send_message", map[string]any{
		"name":        "send_message",
		"description": "发送消息",
		"order":       1,
	})

	r := NewRegistry(entity.SkillTool, root, NewHandlerTable(), zap.NewNop())

	for _, name := range []string{"get_time", "GET_TIME", "time", "时间"} {
		desc, ok := r.Resolve(name)
		if !ok || desc.Name != "get_time" {
			t.Errorf("Resolve(%q) = %v, %v", name, desc, ok)
		}
	}
	if _, ok := r.Resolve("missing"); ok {
		t.Error("Resolve should miss on unknown name")
	}

	schema := r.Schema()
	if len(schema) != 2 {
		t.Fatalf("schema len = %d", len(schema))
	}
	if schema[0].Function.Name != "send_message" || schema[1].Function.Name != "get_time" {
		t.Errorf("schema not sorted by (order, name): %s, %s",
			schema[0].Function.Name, schema[1].Function.Name)
	}
}

func TestRegistryAliasConflictKeepsFirstSeen(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "a_first", map[string]any{
		"name": "a_first", "aliases": []string{"shared"},
	})
	writeSkill(t, root, "b_second", map[string]any{
		"name": "b_second", "aliases": []string{"shared"},
	})

	r := NewRegistry(entity.SkillTool, root, NewHandlerTable(), zap.NewNop())
	desc, ok := r.Resolve("shared")
	if !ok {
		t.Fatal("alias should resolve")
	}
	// 目录按名字典序扫描，a_first 先见
	if desc.Name != "a_first" {
		t.Errorf("alias resolved to %q, want first-seen a_first", desc.Name)
	}
}

func TestRegistryDescriptorDefaults(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "bare", map[string]any{"description": "无名技能"})

	r := NewRegistry(entity.SkillTool, root, NewHandlerTable(), zap.NewNop())
	desc, ok := r.Resolve("bare")
	if !ok {
		t.Fatal("dir-name fallback should resolve")
	}
	if desc.ModuleName != "bare" {
		t.Errorf("module_name default = %q", desc.ModuleName)
	}
	if desc.Permission != entity.PermissionPublic {
		t.Errorf("permission default = %q", desc.Permission)
	}
}

func TestRegistryExecuteLazyBind(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "echo", map[string]any{"name": "echo", "module_name": "echo"})

	table := NewHandlerTable()
	r := NewRegistry(entity.SkillTool, root, table, zap.NewNop())
	desc, _ := r.Resolve("echo")

	ctx := reqctx.New(nil, reqctx.KindGroup, 1, 2, 2)
	defer ctx.Release()

	if _, err := r.Execute(ctx, desc, nil); err == nil {
		t.Error("execute without a registered handler should fail")
	}

	// 注册发生在解析之后，下次调用即可见（延迟绑定）
	table.Register("echo", func(_ *reqctx.Context, args map[string]any) (string, error) {
		return "echoed", nil
	})
	out, err := r.Execute(ctx, desc, nil)
	if err != nil || out != "echoed" {
		t.Errorf("execute = %q, %v", out, err)
	}
}

func TestRegistryReloadIsAtomic(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "one", map[string]any{"name": "one"})
	writeSkill(t, root, "two", map[string]any{"name": "two"})

	r := NewRegistry(entity.SkillTool, root, NewHandlerTable(), zap.NewNop())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			// 读侧要么看到 2 个要么看到 3 个，不会看到半成品
			n := len(r.Schema())
			if n != 2 && n != 3 {
				t.Errorf("partial snapshot observed: %d skills", n)
				return
			}
		}
	}()

	writeSkill(t, root, "three", map[string]any{"name": "three"})
	for i := 0; i < 50; i++ {
		r.Reload()
	}
	close(stop)
	wg.Wait()

	if _, ok := r.Resolve("three"); !ok {
		t.Error("new skill missing after reload")
	}
}

func TestSnapshotFuncTracksMtimes(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "tick", map[string]any{"name": "tick"})

	r := NewRegistry(entity.SkillTool, root, NewHandlerTable(), zap.NewNop())
	fn := r.SnapshotFunc()

	s1, err := fn()
	if err != nil {
		t.Fatal(err)
	}
	if len(s1) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	s2, err := fn()
	if err != nil {
		t.Fatal(err)
	}
	if len(s1) != len(s2) {
		t.Errorf("stable dir should give stable snapshot: %d vs %d", len(s1), len(s2))
	}
}

func TestSetResolveAny(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, filepath.Join(root, "tools"), "hammer", map[string]any{"name": "hammer"})
	writeSkill(t, filepath.Join(root, "agents"), "weather", map[string]any{"name": "weather"})
	writeSkill(t, filepath.Join(root, "commands"), "help", map[string]any{"name": "help"})

	set := NewSet(root, NewHandlerTable(), zap.NewNop())

	cases := []struct {
		name string
		kind entity.SkillKind
	}{
		{"hammer", entity.SkillTool},
		{"weather", entity.SkillAgent},
		{"help", entity.SkillCommand},
	}
	for _, tc := range cases {
		desc, ok := set.ResolveAny(tc.name)
		if !ok || desc.Kind != tc.kind {
			t.Errorf("ResolveAny(%q) kind = %v, ok = %v", tc.name, desc, ok)
		}
	}
}

package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/reqctx"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/config"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/skill"
	apperrors "github.com/69gg/Undefined-sub000/pkg/errors"
)

func writeSkillDir(t *testing.T, root, kind, name, desc string) {
	t.Helper()
	writeSkillConfig(t, root, kind, name, map[string]any{"name": name, "description": desc})
}

func writeSkillConfig(t *testing.T, root, kind, name string, cfg map[string]any) {
	t.Helper()
	dir := filepath.Join(root, kind, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(cfg)
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func newToolManagerHarness(t *testing.T, mutate func(*config.Config)) (*ToolManager, *reqctx.Context) {
	t.Helper()
	root := t.TempDir()
	writeSkillDir(t, root, "tools", "get_time", "tool 版本")
	writeSkillDir(t, root, "tools", "send_message", "发消息")
	writeSkillDir(t, root, "agents", "get_time", "agent 版本，应被同名 tool 遮蔽")
	writeSkillDir(t, root, "agents", "weather", "天气 agent")

	handlers := skill.NewHandlerTable()
	handlers.Register("get_time", func(_ *reqctx.Context, _ map[string]any) (string, error) {
		return "2026-08-24 10:00", nil
	})
	handlers.Register("send_message", func(_ *reqctx.Context, _ map[string]any) (string, error) {
		return "sent", nil
	})
	handlers.Register("weather", func(_ *reqctx.Context, _ map[string]any) (string, error) {
		return "晴", nil
	})

	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewToolManager(skill.NewSet(root, handlers, zap.NewNop()), func() config.Config { return cfg }, zap.NewNop())
	ctx := reqctx.New(context.Background(), reqctx.KindGroup, 10001, 2002, 2002)
	t.Cleanup(ctx.Release)
	return m, ctx
}

func TestOpenAIToolsUnionToolWins(t *testing.T) {
	m, _ := newToolManagerHarness(t, nil)

	byName := map[string]string{}
	for _, s := range m.OpenAITools() {
		if _, dup := byName[s.Function.Name]; dup {
			t.Fatalf("duplicate schema for %s", s.Function.Name)
		}
		byName[s.Function.Name] = s.Function.Description
	}
	if len(byName) != 3 {
		t.Errorf("tools = %v", byName)
	}
	if byName["get_time"] != "tool 版本" {
		t.Errorf("get_time desc = %q, tool must shadow agent", byName["get_time"])
	}
	if _, ok := byName["weather"]; !ok {
		t.Error("agent-only skill missing from union")
	}
}

func TestExecuteFallsThroughToolThenAgent(t *testing.T) {
	m, ctx := newToolManagerHarness(t, nil)

	if out, err := m.Execute(ctx, nil, "get_time", nil); err != nil || out != "2026-08-24 10:00" {
		t.Errorf("out = %q, err = %v", out, err)
	}
	if out, err := m.Execute(ctx, nil, "weather", nil); err != nil || out != "晴" {
		t.Errorf("out = %q, err = %v", out, err)
	}
	_, err := m.Execute(ctx, nil, "不存在的工具", nil)
	if err == nil || apperrors.Code(err) != apperrors.CodeToolExecution {
		t.Errorf("err = %v", err)
	}
}

func TestPrefetchOncePerRequestAndCallType(t *testing.T) {
	m, ctx := newToolManagerHarness(t, func(c *config.Config) {
		c.Skills.PrefetchTools = []string{"get_time"}
	})

	msgs := m.PrefetchMessages(ctx, "chat")
	if len(msgs) != 1 || msgs[0].Role != "system" {
		t.Fatalf("msgs = %+v", msgs)
	}
	if !strings.Contains(msgs[0].Content, "## 预取工具结果") ||
		!strings.Contains(msgs[0].Content, "2026-08-24 10:00") {
		t.Errorf("content = %q", msgs[0].Content)
	}

	// 同一请求同一 call-type 只执行一次
	if again := m.PrefetchMessages(ctx, "chat"); again != nil {
		t.Errorf("second prefetch = %+v", again)
	}
	// 不同 call-type 各自预取
	if other := m.PrefetchMessages(ctx, "agent:weather"); len(other) != 1 {
		t.Errorf("other call type = %+v", other)
	}

	m.ForgetRequest(ctx.RequestID)
	if after := m.PrefetchMessages(ctx, "chat"); len(after) != 1 {
		t.Errorf("after forget = %+v", after)
	}
}

func TestPrefetchFailureRendersError(t *testing.T) {
	m, ctx := newToolManagerHarness(t, func(c *config.Config) {
		c.Skills.PrefetchTools = []string{"没有这个工具"}
	})
	msgs := m.PrefetchMessages(ctx, "chat")
	if len(msgs) != 1 || !strings.Contains(msgs[0].Content, "error: ") {
		t.Errorf("msgs = %+v", msgs)
	}
}

func TestPrefetchHideRemovesFromSchema(t *testing.T) {
	m, ctx := newToolManagerHarness(t, func(c *config.Config) {
		c.Skills.PrefetchTools = []string{"get_time"}
		c.Skills.PrefetchToolsHide = true
	})

	tools, session := m.ToolsFor(ctx, "chat")
	if session != nil {
		t.Fatal("chat call type must not open MCP session")
	}
	for _, s := range tools {
		if s.Function.Name == "get_time" {
			t.Error("prefetched tool should be hidden from schema")
		}
	}
	// 隐藏只影响 schema，执行照常
	if out, err := m.Execute(ctx, nil, "get_time", nil); err != nil || out == "" {
		t.Errorf("out = %q, err = %v", out, err)
	}
}

func TestToolsForUnknownAgentKeepsBaseTools(t *testing.T) {
	m, ctx := newToolManagerHarness(t, nil)
	tools, session := m.ToolsFor(ctx, "agent:不存在")
	if session != nil {
		t.Error("unknown agent must not open a session")
	}
	if len(tools) != 3 {
		t.Errorf("tools = %d", len(tools))
	}
}

// newGatedHarness 搭一个带权限 / 冷却声明技能的工具管理器
func newGatedHarness(t *testing.T, mutate func(*config.Config)) (*ToolManager, *reqctx.Context) {
	t.Helper()
	root := t.TempDir()
	writeSkillConfig(t, root, "tools", "查密", map[string]any{
		"name": "查密", "description": "superadmin only", "permission": "superadmin",
	})
	writeSkillConfig(t, root, "tools", "查天气", map[string]any{
		"name": "查天气", "description": "cooldown 60s",
		"rate_limit": map[string]int{"user": 60},
	})
	writeSkillConfig(t, root, "commands", "帮助", map[string]any{
		"name": "帮助", "description": "list skills",
	})

	handlers := skill.NewHandlerTable()
	handlers.Register("查密", func(_ *reqctx.Context, _ map[string]any) (string, error) {
		return "机密内容", nil
	})
	handlers.Register("查天气", func(_ *reqctx.Context, _ map[string]any) (string, error) {
		return "晴", nil
	})
	handlers.Register("帮助", func(_ *reqctx.Context, args map[string]any) (string, error) {
		text, _ := args["text"].(string)
		return "帮助: " + text, nil
	})

	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewToolManager(skill.NewSet(root, handlers, zap.NewNop()), func() config.Config { return cfg }, zap.NewNop())
	ctx := reqctx.New(context.Background(), reqctx.KindGroup, 10001, 2002, 2002)
	t.Cleanup(ctx.Release)
	return m, ctx
}

func TestExecuteDeniesInsufficientPermission(t *testing.T) {
	m, ctx := newGatedHarness(t, nil)
	_, err := m.Execute(ctx, nil, "查密", nil)
	if apperrors.Code(err) != apperrors.CodePermission {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "错误编号") {
		t.Errorf("permission error lacks error id: %v", err)
	}

	// 超管放行
	m, ctx = newGatedHarness(t, func(c *config.Config) {
		c.Bot.Superadmins = []int64{2002}
	})
	if out, err := m.Execute(ctx, nil, "查密", nil); err != nil || out != "机密内容" {
		t.Errorf("out = %q, err = %v", out, err)
	}
}

func TestExecuteEnforcesCooldown(t *testing.T) {
	m, ctx := newGatedHarness(t, nil)
	if _, err := m.Execute(ctx, nil, "查天气", nil); err != nil {
		t.Fatal(err)
	}
	_, err := m.Execute(ctx, nil, "查天气", nil)
	if apperrors.Code(err) != apperrors.CodeRateLimit {
		t.Fatalf("err = %v", err)
	}
	if !strings.Contains(err.Error(), "错误编号") {
		t.Errorf("rate limit error lacks error id: %v", err)
	}
}

func TestExecuteCommandResolvesAndGates(t *testing.T) {
	m, ctx := newGatedHarness(t, nil)

	out, err := m.ExecuteCommand(ctx, "帮助", map[string]any{"text": "全部"})
	if err != nil || out != "帮助: 全部" {
		t.Errorf("out = %q, err = %v", out, err)
	}

	// 未知命令是 NOT_FOUND，调用方据此按普通消息放行
	_, err = m.ExecuteCommand(ctx, "没这个命令", nil)
	if apperrors.Code(err) != apperrors.CodeNotFound {
		t.Errorf("err = %v", err)
	}
}

func TestAgentExchangeRecordedInHistories(t *testing.T) {
	m, ctx := newToolManagerHarness(t, nil)
	histories := NewAgentHistories()
	ctx.Set(reqctx.ResAgentHistories, histories)

	if _, err := m.Execute(ctx, nil, "weather", map[string]any{"city": "上海"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Execute(ctx, nil, "weather", nil); err != nil {
		t.Fatal(err)
	}
	// 工具路径不记痕迹
	if _, err := m.Execute(ctx, nil, "get_time", nil); err != nil {
		t.Fatal(err)
	}

	msgs := histories.For("weather")
	if len(msgs) != 4 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].Role != "user" || !strings.Contains(msgs[0].Content, "上海") {
		t.Errorf("first exchange = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "晴" {
		t.Errorf("first reply = %+v", msgs[1])
	}
	if got := histories.For("get_time"); len(got) != 0 {
		t.Errorf("tool execution must not record agent history: %+v", got)
	}
}

func TestAgentExchangeWithoutResourceIsNoop(t *testing.T) {
	m, ctx := newToolManagerHarness(t, nil)
	if out, err := m.Execute(ctx, nil, "weather", nil); err != nil || out != "晴" {
		t.Errorf("out = %q, err = %v", out, err)
	}
}

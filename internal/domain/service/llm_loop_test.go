package service

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
	"github.com/69gg/Undefined-sub000/internal/domain/reqctx"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/config"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/skill"
)

// fakeRequester 按脚本逐次返回响应，并记录每次收到的消息数组
type fakeRequester struct {
	mu     sync.Mutex
	script []*entity.LLMResponse
	errs   []error
	seen   [][]entity.Message
}

func (f *fakeRequester) Chat(_ context.Context, _ config.ModelConfig, _ string,
	messages []entity.Message, _ []entity.ToolSchema, _ any) (*entity.LLMResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, append([]entity.Message(nil), messages...))
	idx := len(f.seen) - 1
	if idx < len(f.errs) && f.errs[idx] != nil {
		return nil, f.errs[idx]
	}
	if idx >= len(f.script) {
		return &entity.LLMResponse{Content: "script exhausted"}, nil
	}
	return f.script[idx], nil
}

func toolCall(id, name, args string) entity.ToolCall {
	return entity.ToolCall{
		ID:   id,
		Type: "function",
		Function: entity.ToolCallFunc{Name: name, Arguments: args},
	}
}

func writeToolDir(t *testing.T, root, name string) {
	t.Helper()
	dir := filepath.Join(root, "tools", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(map[string]any{"name": name, "description": name})
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

// newLoopHarness 搭一个带 get_time / slow / broken / end 工具的循环
func newLoopHarness(t *testing.T, fake *fakeRequester, maxIter int) (*LLMLoop, *reqctx.Context) {
	t.Helper()
	root := t.TempDir()
	for _, name := range []string{"get_time", "slow", "broken", "end"} {
		writeToolDir(t, root, name)
	}

	logger := zap.NewNop()
	handlers := skill.NewHandlerTable()
	handlers.Register("get_time", func(_ *reqctx.Context, _ map[string]any) (string, error) {
		return "2026-08-24 10:00", nil
	})
	handlers.Register("slow", func(ctx *reqctx.Context, _ map[string]any) (string, error) {
		time.Sleep(30 * time.Millisecond)
		return "slow done", nil
	})
	handlers.Register("broken", func(_ *reqctx.Context, _ map[string]any) (string, error) {
		return "", os.ErrPermission
	})
	handlers.Register("end", func(ctx *reqctx.Context, _ map[string]any) (string, error) {
		ctx.Set(reqctx.ResConversationEnded, true)
		return "已结束", nil
	})

	skills := skill.NewSet(root, handlers, logger)
	cfg := config.Default()
	cfg.Loop.MaxIterations = maxIter
	cfgFunc := func() config.Config { return cfg }

	tools := NewToolManager(skills, cfgFunc, logger)
	loop := NewLLMLoop(fake, tools, cfgFunc, logger)
	ctx := reqctx.New(context.Background(), reqctx.KindGroup, 10001, 2002, 2002)
	t.Cleanup(ctx.Release)
	return loop, ctx
}

func TestLoopReturnsContent(t *testing.T) {
	fake := &fakeRequester{script: []*entity.LLMResponse{{Content: "你好"}}}
	loop, ctx := newLoopHarness(t, fake, 10)

	out, err := loop.Run(ctx, config.ModelConfig{}, "chat", []entity.Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	if out != "你好" {
		t.Errorf("out = %q", out)
	}
}

func TestLoopToolOrderWithOneFailure(t *testing.T) {
	fake := &fakeRequester{script: []*entity.LLMResponse{
		{ToolCalls: []entity.ToolCall{
			toolCall("a", "get_time", "{}"),
			toolCall("b", "broken", "{}"),
			toolCall("c", "slow", "{}"),
		}},
		{Content: "done"},
	}}
	loop, ctx := newLoopHarness(t, fake, 10)

	out, err := loop.Run(ctx, config.ModelConfig{}, "chat", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "done" {
		t.Errorf("out = %q", out)
	}

	// 第二次请求携带的消息：assistant + a,b,c 三条 tool 消息，顺序与发出一致
	second := fake.seen[1]
	tail := second[len(second)-3:]
	wantIDs := []string{"a", "b", "c"}
	for i, msg := range tail {
		if msg.Role != "tool" || msg.ToolCallID != wantIDs[i] {
			t.Errorf("tool msg %d = %+v", i, msg)
		}
	}
	if !strings.HasPrefix(tail[1].Content, "error: ") {
		t.Errorf("failed tool content = %q", tail[1].Content)
	}
	if tail[0].Content != "2026-08-24 10:00" || tail[2].Content != "slow done" {
		t.Errorf("results = %q / %q", tail[0].Content, tail[2].Content)
	}
}

func TestToolMessageCarriesWireName(t *testing.T) {
	nameMap := &entity.ToolNameMap{
		APIToInternal: map[string]string{"tool_get_time": "get_time"},
		InternalToAPI: map[string]string{"get_time": "tool_get_time"},
	}
	fake := &fakeRequester{script: []*entity.LLMResponse{
		{ToolCalls: []entity.ToolCall{toolCall("c1", "get_time", "{}")}, ToolNameMap: nameMap},
		{Content: "好了"},
	}}
	loop, ctx := newLoopHarness(t, fake, 10)

	if _, err := loop.Run(ctx, config.ModelConfig{}, "chat", nil); err != nil {
		t.Fatal(err)
	}

	// 第二次请求里 tool 消息的 Name 必须是模型见过的 wire 名，
	// 与 assistant tool_call 回传的名字保持一致
	second := fake.seen[1]
	found := false
	for _, msg := range second {
		if msg.Role != "tool" {
			continue
		}
		found = true
		if msg.Name != "tool_get_time" {
			t.Errorf("tool msg name = %q, want wire name", msg.Name)
		}
		if msg.ToolCallID != "c1" {
			t.Errorf("tool_call_id = %q", msg.ToolCallID)
		}
	}
	if !found {
		t.Fatal("no tool message in second request")
	}
}

func TestLoopSkipsEndWhenOtherToolsPresent(t *testing.T) {
	fake := &fakeRequester{script: []*entity.LLMResponse{
		{ToolCalls: []entity.ToolCall{
			toolCall("t1", "get_time", "{}"),
			toolCall("t2", "end", "{}"),
		}},
		{ToolCalls: []entity.ToolCall{toolCall("t3", "end", "{}")}},
	}}
	loop, ctx := newLoopHarness(t, fake, 10)

	out, err := loop.Run(ctx, config.ModelConfig{}, "chat", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "" {
		t.Errorf("silent end expected, got %q", out)
	}

	// 第一轮 end 被跳过：占位结果、会话未结束
	second := fake.seen[1]
	endMsg := second[len(second)-1]
	if endMsg.ToolCallID != "t2" || endMsg.Content != endSkippedNotice {
		t.Errorf("end msg = %+v", endMsg)
	}
	if len(fake.seen) != 2 {
		t.Errorf("rounds = %d, want 2", len(fake.seen))
	}
}

func TestLoopDuplicateToolCallID(t *testing.T) {
	fake := &fakeRequester{script: []*entity.LLMResponse{
		{ToolCalls: []entity.ToolCall{
			toolCall("same", "get_time", "{}"),
			toolCall("same", "get_time", "{}"),
		}},
		{Content: "ok"},
	}}
	loop, ctx := newLoopHarness(t, fake, 10)

	if _, err := loop.Run(ctx, config.ModelConfig{}, "chat", nil); err != nil {
		t.Fatal(err)
	}
	second := fake.seen[1]
	dup := second[len(second)-1]
	if !strings.Contains(dup.Content, "重复") {
		t.Errorf("duplicate call should be skipped, got %q", dup.Content)
	}
	if second[len(second)-2].Content != "2026-08-24 10:00" {
		t.Errorf("first call should execute, got %q", second[len(second)-2].Content)
	}
}

func TestLoopMaxIterations(t *testing.T) {
	endless := &entity.LLMResponse{ToolCalls: []entity.ToolCall{toolCall("x", "get_time", "{}")}}
	fake := &fakeRequester{}
	for i := 0; i < 5; i++ {
		r := *endless
		r.ToolCalls = []entity.ToolCall{toolCall(string(rune('a'+i)), "get_time", "{}")}
		fake.script = append(fake.script, &r)
	}
	loop, ctx := newLoopHarness(t, fake, 3)

	out, err := loop.Run(ctx, config.ModelConfig{}, "chat", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "max iterations reached" {
		t.Errorf("out = %q", out)
	}
	if len(fake.seen) != 3 {
		t.Errorf("iterations = %d, want 3", len(fake.seen))
	}
}

func TestLoopDropsContentAlongsideToolCalls(t *testing.T) {
	fake := &fakeRequester{script: []*entity.LLMResponse{
		{Content: "应被丢弃", ToolCalls: []entity.ToolCall{toolCall("a", "get_time", "{}")}},
		{Content: "最终回复"},
	}}
	loop, ctx := newLoopHarness(t, fake, 10)

	out, err := loop.Run(ctx, config.ModelConfig{}, "chat", nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "最终回复" {
		t.Errorf("out = %q", out)
	}
	for _, msg := range fake.seen[1] {
		if msg.Role == "assistant" && msg.Content == "应被丢弃" {
			t.Error("tool_calls 轮的 content 不应写回会话")
		}
	}
}

func TestLoopLenientArgsRecovery(t *testing.T) {
	got := make(chan map[string]any, 1)
	fake := &fakeRequester{script: []*entity.LLMResponse{
		{ToolCalls: []entity.ToolCall{toolCall("a", "capture", `{"q": "截断`)}},
		{Content: "ok"},
	}}

	root := t.TempDir()
	writeToolDir(t, root, "capture")
	handlers := skill.NewHandlerTable()
	handlers.Register("capture", func(_ *reqctx.Context, args map[string]any) (string, error) {
		got <- args
		return "captured", nil
	})
	logger := zap.NewNop()
	skills := skill.NewSet(root, handlers, logger)
	cfg := config.Default()
	cfgFunc := func() config.Config { return cfg }
	loop := NewLLMLoop(fake, NewToolManager(skills, cfgFunc, logger), cfgFunc, logger)
	ctx := reqctx.New(context.Background(), reqctx.KindPrivate, 0, 2002, 2002)
	defer ctx.Release()

	if _, err := loop.Run(ctx, config.ModelConfig{}, "chat", nil); err != nil {
		t.Fatal(err)
	}
	args := <-got
	if args["q"] != "截断" {
		t.Errorf("args = %v", args)
	}
}

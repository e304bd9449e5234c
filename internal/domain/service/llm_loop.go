package service

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
	"github.com/69gg/Undefined-sub000/internal/domain/reqctx"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/config"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/llm"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/skill"
)

const (
	endToolName = "end"

	// 取消后等待在途工具退出的窗口，超时直接放弃
	toolDrainWindow = 2 * time.Second
)

const endSkippedNotice = "本轮还有其他工具调用，end 未执行。其他工具已运行，如仍要结束请下一轮再调用 end。"

// LLMLoop 驱动一次回复的工具循环状态机。
// 每轮：请求模型 → 有 tool_calls 则并发执行并按发出顺序回写结果 →
// 无 tool_calls 则以 content 终止。end 工具把会话标记为静默结束。
type LLMLoop struct {
	requester llm.Requester
	tools     *ToolManager
	cfg       ConfigFunc
	logger    *zap.Logger
}

// NewLLMLoop 创建循环
func NewLLMLoop(requester llm.Requester, tools *ToolManager, cfg ConfigFunc, logger *zap.Logger) *LLMLoop {
	return &LLMLoop{requester: requester, tools: tools, cfg: cfg, logger: logger}
}

// Run 在 ctx 所代表的请求上运行循环直到终止。
// 返回模型的最终 content；静默结束（end 工具）返回空串。
func (l *LLMLoop) Run(ctx *reqctx.Context, model config.ModelConfig, callType string, messages []entity.Message) (string, error) {
	maxIter := l.cfg().Loop.MaxIterations
	if maxIter <= 0 {
		maxIter = 1000
	}

	tools, session := l.tools.ToolsFor(ctx, callType)
	if session != nil {
		defer session.Close()
	}

	if prefix := l.tools.PrefetchMessages(ctx, callType); len(prefix) > 0 {
		messages = append(prefix, messages...)
	}

	executed := make(map[string]struct{}) // turn|tool_call_id，至多执行一次

	for turn := 0; turn < maxIter; turn++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		resp, err := l.requester.Chat(ctx, model, callType, messages, tools, nil)
		if err != nil {
			return "", err
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}
		if resp.Content != "" {
			// 同时给出 content 和 tool_calls 时丢弃 content
			l.logger.Debug("模型同轮输出 content 与 tool_calls，丢弃 content",
				zap.String("request_id", ctx.RequestID),
				zap.Int("turn", turn))
		}

		messages = append(messages, entity.Message{
			Role:             "assistant",
			ReasoningContent: resp.ReasoningContent,
			ToolCalls:        resp.ToolCalls,
		})

		results := l.runToolRound(ctx, session, resp, turn, executed)
		messages = append(messages, results...)

		if ctx.GetBool(reqctx.ResConversationEnded) {
			return "", nil
		}
	}
	return "max iterations reached", nil
}

// runToolRound 执行一轮 tool_calls，返回与发出顺序一致的 tool 消息
func (l *LLMLoop) runToolRound(ctx *reqctx.Context, session *skill.MCPSession, resp *entity.LLMResponse, turn int, executed map[string]struct{}) []entity.Message {
	calls := resp.ToolCalls
	type plan struct {
		call     entity.ToolCall
		internal string
		args     map[string]any
		static   string // 非空表示不执行，直接作为结果
	}

	plans := make([]plan, len(calls))
	hasOther := false
	for i, call := range calls {
		internal := resp.ToolNameMap.Internal(call.Function.Name)
		if internal != endToolName {
			hasOther = true
		}
		args, err := ParseToolArguments(call.Function.Arguments)
		if err != nil {
			// 宽松恢复：按空参数执行
			l.logger.Warn("工具参数解析失败，按空参数处理",
				zap.String("tool", internal), zap.Error(err))
			args = map[string]any{}
		}
		plans[i] = plan{call: call, internal: internal, args: args}
	}

	for i := range plans {
		key := fmt.Sprintf("%d|%s", turn, plans[i].call.ID)
		if _, dup := executed[key]; dup {
			plans[i].static = "error: 重复的 tool_call_id，已跳过"
			continue
		}
		executed[key] = struct{}{}
		// end 与其他工具同轮时本轮跳过 end，下一轮模型可重发
		if plans[i].internal == endToolName && hasOther {
			plans[i].static = endSkippedNotice
		}
	}

	results := make([]string, len(plans))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := range plans {
		if plans[i].static != "" {
			results[i] = plans[i].static
			continue
		}
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("工具执行 panic",
						zap.String("tool", plans[i].internal), zap.Any("panic", r))
					mu.Lock()
					results[i] = fmt.Sprintf("error: tool panicked: %v", r)
					mu.Unlock()
				}
			}()
			out, err := l.tools.Execute(ctx, session, plans[i].internal, plans[i].args)
			if err != nil {
				out = "error: " + err.Error()
			}
			mu.Lock()
			results[i] = out
			mu.Unlock()
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		// 给在途工具一个收尾窗口，超时放弃等待
		select {
		case <-done:
		case <-time.After(toolDrainWindow):
			l.logger.Warn("取消后工具未在窗口内退出，放弃等待",
				zap.String("request_id", ctx.RequestID))
		}
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]entity.Message, len(plans))
	for i := range plans {
		content := results[i]
		if content == "" {
			content = "error: cancelled"
		}
		out[i] = entity.Message{
			Role:       "tool",
			Content:    content,
			ToolCallID: plans[i].call.ID,
			Name:       resp.ToolNameMap.API(plans[i].internal),
		}
	}
	return out
}

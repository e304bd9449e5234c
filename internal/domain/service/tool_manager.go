package service

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
	"github.com/69gg/Undefined-sub000/internal/domain/reqctx"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/config"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/skill"
	apperrors "github.com/69gg/Undefined-sub000/pkg/errors"
)

// ConfigFunc 取当前配置快照。热重载后返回新快照，调用方不缓存。
type ConfigFunc func() config.Config

// ToolManager 面向循环的工具面：合并 tool/agent schema，
// 按 call-type 挂载 agent 私有的 MCP 工具，执行预取工具，
// 执行前按描述符做权限与冷却准入。
type ToolManager struct {
	skills *skill.Set
	cfg    ConfigFunc
	gate   *skill.Gate
	logger *zap.Logger

	mu       sync.Mutex
	prefetch map[string]struct{} // request_id|call_type，每请求每 call-type 至多预取一次
}

// NewToolManager 创建工具管理器
func NewToolManager(skills *skill.Set, cfg ConfigFunc, logger *zap.Logger) *ToolManager {
	return &ToolManager{
		skills:   skills,
		cfg:      cfg,
		gate:     skill.NewGate(),
		logger:   logger,
		prefetch: make(map[string]struct{}),
	}
}

// AgentHistories 单个请求内各 agent 的调用痕迹。核心在每次 agent
// 执行后追加一问一答，处理器通过资源表读取以获得同请求内的上文。
type AgentHistories struct {
	mu sync.Mutex
	m  map[string][]entity.Message
}

// NewAgentHistories 创建空痕迹表
func NewAgentHistories() *AgentHistories {
	return &AgentHistories{m: make(map[string][]entity.Message)}
}

// Append 追加某个 agent 的消息
func (h *AgentHistories) Append(agent string, msgs ...entity.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.m[agent] = append(h.m[agent], msgs...)
}

// For 取某个 agent 的消息拷贝
func (h *AgentHistories) For(agent string) []entity.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]entity.Message(nil), h.m[agent]...)
}

// OpenAITools 基础工具表：tool ⊕ agent，同名时 tool 优先
func (m *ToolManager) OpenAITools() []entity.ToolSchema {
	tools := m.skills.Tools.Schema()
	seen := make(map[string]struct{}, len(tools))
	for _, t := range tools {
		seen[t.Function.Name] = struct{}{}
	}
	for _, a := range m.skills.Agents.Schema() {
		if _, dup := seen[a.Function.Name]; dup {
			continue
		}
		tools = append(tools, a)
	}
	return tools
}

// ToolsFor 返回某次调用可见的工具表。call_type 为 agent:<name> 时
// 打开该 agent 的 MCP 会话并把它的工具并入；会话由调用方负责 Close。
func (m *ToolManager) ToolsFor(ctx *reqctx.Context, callType string) ([]entity.ToolSchema, *skill.MCPSession) {
	tools := m.OpenAITools()

	cfg := m.cfg()
	if cfg.Skills.PrefetchToolsHide && len(cfg.Skills.PrefetchTools) > 0 {
		hidden := make(map[string]struct{}, len(cfg.Skills.PrefetchTools))
		for _, name := range cfg.Skills.PrefetchTools {
			hidden[name] = struct{}{}
		}
		kept := tools[:0]
		for _, t := range tools {
			if _, hide := hidden[t.Function.Name]; !hide {
				kept = append(kept, t)
			}
		}
		tools = kept
	}

	agentName, ok := strings.CutPrefix(callType, "agent:")
	if !ok {
		return tools, nil
	}
	desc, found := m.skills.Agents.Resolve(agentName)
	if !found || desc.MCPPath == "" {
		return tools, nil
	}
	session, err := skill.OpenMCPSession(ctx, agentName, desc.MCPPath, m.logger)
	if err != nil {
		m.logger.Warn("MCP 会话建立失败，按无 MCP 继续",
			zap.String("agent", agentName), zap.Error(err))
		return tools, nil
	}
	return append(tools, session.Schema()...), session
}

// Execute 按内部规范名执行工具。MCP 会话中的工具优先于注册表，
// 注册表技能先过准入（描述符权限 + 按角色冷却）再执行。
func (m *ToolManager) Execute(ctx *reqctx.Context, session *skill.MCPSession, name string, args map[string]any) (string, error) {
	if session != nil && session.Has(name) {
		return session.Call(ctx, name, args)
	}
	if desc, ok := m.skills.Tools.Resolve(name); ok {
		if err := m.checkGate(ctx, desc); err != nil {
			return "", err
		}
		return m.skills.Tools.Execute(ctx, desc, args)
	}
	if desc, ok := m.skills.Agents.Resolve(name); ok {
		if err := m.checkGate(ctx, desc); err != nil {
			return "", err
		}
		out, err := m.skills.Agents.Execute(ctx, desc, args)
		if err == nil {
			m.recordAgentExchange(ctx, desc.Name, args, out)
		}
		return out, err
	}
	return "", apperrors.New(apperrors.CodeToolExecution, fmt.Sprintf("未知工具: %s", name), 404)
}

// ExecuteCommand 解析并执行命令技能。未知名字返回 NOT_FOUND，
// 调用方据此把消息按普通聊天继续处理。
func (m *ToolManager) ExecuteCommand(ctx *reqctx.Context, name string, args map[string]any) (string, error) {
	desc, ok := m.skills.Commands.Resolve(name)
	if !ok {
		return "", apperrors.New(apperrors.CodeNotFound, fmt.Sprintf("未知命令: %s", name), 404)
	}
	if err := m.checkGate(ctx, desc); err != nil {
		return "", err
	}
	return m.skills.Commands.Execute(ctx, desc, args)
}

func (m *ToolManager) checkGate(ctx *reqctx.Context, desc *entity.SkillDescriptor) error {
	cfg := m.cfg()
	return m.gate.Check(desc, ctx.SenderID, cfg.Bot.Superadmins, cfg.Bot.Admins)
}

// recordAgentExchange 把一次 agent 调用写入请求的 agent 痕迹表
func (m *ToolManager) recordAgentExchange(ctx *reqctx.Context, agent string, args map[string]any, out string) {
	histories, _ := ctx.Get(reqctx.ResAgentHistories, nil).(*AgentHistories)
	if histories == nil {
		return
	}
	argText := ""
	if len(args) > 0 {
		if data, err := json.Marshal(args); err == nil {
			argText = string(data)
		}
	}
	histories.Append(agent,
		entity.Message{Role: "user", Content: argText},
		entity.Message{Role: "assistant", Content: out},
	)
}

// PrefetchMessages 在首次 LLM 调用前执行预取工具，结果拼为一条
// system 消息。同一 (request_id, call_type) 只执行一次。
func (m *ToolManager) PrefetchMessages(ctx *reqctx.Context, callType string) []entity.Message {
	names := m.cfg().Skills.PrefetchTools
	if len(names) == 0 {
		return nil
	}

	key := ctx.RequestID + "|" + callType
	m.mu.Lock()
	if _, done := m.prefetch[key]; done {
		m.mu.Unlock()
		return nil
	}
	m.prefetch[key] = struct{}{}
	m.mu.Unlock()

	var b strings.Builder
	b.WriteString("## 预取工具结果\n")
	for _, name := range names {
		result, err := m.Execute(ctx, nil, name, map[string]any{})
		if err != nil {
			m.logger.Warn("预取工具执行失败", zap.String("tool", name), zap.Error(err))
			result = "error: " + err.Error()
		}
		fmt.Fprintf(&b, "### %s\n%s\n", name, result)
	}
	return []entity.Message{{Role: "system", Content: b.String()}}
}

// ForgetRequest 请求结束后清理预取去重记录
func (m *ToolManager) ForgetRequest(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.prefetch {
		if strings.HasPrefix(key, requestID+"|") {
			delete(m.prefetch, key)
		}
	}
}

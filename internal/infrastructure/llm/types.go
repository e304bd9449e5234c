package llm

import "github.com/69gg/Undefined-sub000/internal/domain/entity"

// --- OpenAI chat-completions wire 类型 ---
// 兼容：OpenAI、DeepSeek、Qwen、GLM、Ollama、vLLM 等

type wireRequest struct {
	Model      string         `json:"model"`
	Messages   []wireMessage  `json:"messages"`
	MaxTokens  int            `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Tools      []wireTool     `json:"tools,omitempty"`
	ToolChoice any            `json:"tool_choice,omitempty"`
	Thinking   map[string]any `json:"thinking,omitempty"`
}

type wireMessage struct {
	Role             string         `json:"role"`
	Content          string         `json:"content"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
	ToolCalls        []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string         `json:"tool_call_id,omitempty"`
	Name             string         `json:"name,omitempty"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireToolFunc `json:"function"`
}

type wireToolFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage"`
}

type wireChoice struct {
	Message      wireMessage  `json:"message"`
	FinishReason string       `json:"finish_reason"`
}

// wireMessage 的 tool_calls 在响应里也复用 wireToolCall

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
}

// normalize 统一三套字段命名，返回最优的 usage
func (u *wireUsage) normalize() entity.Usage {
	if u == nil {
		return entity.Usage{}
	}
	out := entity.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if out.PromptTokens == 0 && u.InputTokens > 0 {
		out.PromptTokens = u.InputTokens
	}
	if out.CompletionTokens == 0 && u.OutputTokens > 0 {
		out.CompletionTokens = u.OutputTokens
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return out
}

func (u *wireUsage) empty() bool {
	return u == nil || (u.TotalTokens == 0 && u.PromptTokens == 0 && u.CompletionTokens == 0 &&
		u.InputTokens == 0 && u.OutputTokens == 0)
}

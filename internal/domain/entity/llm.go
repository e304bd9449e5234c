package entity

// Message 会话中的一条消息（OpenAI chat-completions 形状）
type Message struct {
	Role             string     `json:"role"` // system / user / assistant / tool
	Content          string     `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string     `json:"tool_call_id,omitempty"`
	Name             string     `json:"name,omitempty"`
}

// Usage token 用量。响应缺失 usage 时由请求器估算补齐，
// 核心代码可以假定它总是存在。
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"-"` // 由 tokenizer 估算而非 API 返回
}

// ToolNameMap 工具名双射。模型 API 对工具名有字符限制，
// 请求器把内部规范名映射为 wire 名；循环执行工具前必须经由
// APIToInternal 还原。
type ToolNameMap struct {
	APIToInternal map[string]string `json:"api_to_internal"`
	InternalToAPI map[string]string `json:"internal_to_api"`
}

// Internal 还原 wire 工具名为内部规范名，未知名字原样返回
func (m *ToolNameMap) Internal(apiName string) string {
	if m == nil || m.APIToInternal == nil {
		return apiName
	}
	if internal, ok := m.APIToInternal[apiName]; ok {
		return internal
	}
	return apiName
}

// API 把内部规范名映射回 wire 名，未知名字原样返回。
// tool 消息写回对话时必须带模型见过的 wire 名。
func (m *ToolNameMap) API(internal string) string {
	if m == nil || m.InternalToAPI == nil {
		return internal
	}
	if api, ok := m.InternalToAPI[internal]; ok {
		return api
	}
	return internal
}

// LLMResponse 归一化后的模型响应
type LLMResponse struct {
	Content          string      `json:"content"`
	ReasoningContent string      `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall  `json:"tool_calls,omitempty"`
	Usage            Usage       `json:"usage"`
	Model            string      `json:"model,omitempty"`
	ToolNameMap      *ToolNameMap `json:"-"`
}

package entity

import "time"

// Segment OneBot 消息段。一条消息是若干消息段的数组，
// 类型包括 text / at / image / record / video / reply / forward / face 等。
type Segment struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

// NewTextSegment 创建文本消息段
func NewTextSegment(text string) Segment {
	return Segment{Type: "text", Data: map[string]string{"text": text}}
}

// NewAtSegment 创建 @ 消息段
func NewAtSegment(qq string) Segment {
	return Segment{Type: "at", Data: map[string]string{"qq": qq}}
}

// PlainText 拼接所有 text 段的内容
func PlainText(segments []Segment) string {
	var out string
	for _, seg := range segments {
		if seg.Type == "text" {
			out += seg.Data["text"]
		}
	}
	return out
}

// HasAt 判断消息段中是否 @ 了指定 QQ 号
func HasAt(segments []Segment, qq string) bool {
	for _, seg := range segments {
		if seg.Type == "at" && seg.Data["qq"] == qq {
			return true
		}
	}
	return false
}

// Sender 消息发送者信息
type Sender struct {
	UserID   int64  `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card,omitempty"`
	Role     string `json:"role,omitempty"`
	Title    string `json:"title,omitempty"`
}

// DisplayName 返回群名片（优先）或昵称
func (s *Sender) DisplayName() string {
	if s.Card != "" {
		return s.Card
	}
	return s.Nickname
}

// ChatMessage 一条落入历史存储的聊天消息
type ChatMessage struct {
	ChatKind  string    `json:"chat_kind"` // group / private
	ChatID    int64     `json:"chat_id"`
	MessageID int64     `json:"message_id"`
	SenderID  int64     `json:"sender_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Time      time.Time `json:"time"`
	FromSelf  bool      `json:"from_self"`
}

// ToolCall OpenAI function-calling 形状的工具调用
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function ToolCallFunc `json:"function"`
}

// ToolCallFunc 工具调用的函数体
type ToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

// ToolResult 工具执行结果，作为 role=tool 消息写回会话
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
}

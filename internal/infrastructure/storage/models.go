package storage

import "time"

// HistoryModel 一条会话历史记录
type HistoryModel struct {
	ID        uint   `gorm:"primarykey"`
	ChatKind  string `gorm:"size:16;index:idx_chat,priority:1"` // group / private
	ChatID    int64  `gorm:"index:idx_chat,priority:2"`
	SenderID  int64
	Sender    string `gorm:"size:128"`
	Role      string `gorm:"size:16"` // user / assistant
	Content   string `gorm:"type:text"`
	MessageID int64
	CreatedAt time.Time `gorm:"index"`
}

// TokenUsageModel 一次 LLM 调用的 token 记录
type TokenUsageModel struct {
	ID               uint   `gorm:"primarykey"`
	Model            string `gorm:"size:128;index"`
	CallType         string `gorm:"size:64;index"`
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Estimated        bool
	CreatedAt        time.Time `gorm:"index"`
}

// EndSummaryModel end 工具写入的行动摘要
type EndSummaryModel struct {
	ID         uint   `gorm:"primarykey"`
	SessionKey string `gorm:"size:64;index"`
	RequestID  string `gorm:"size:64"`
	Seq        int64
	Summary    string `gorm:"type:text"`
	CreatedAt  time.Time
}

// TaskModel 定时任务的 JSON 文档
type TaskModel struct {
	TaskID    string `gorm:"primarykey;size:64"`
	Payload   string `gorm:"type:text"`
	UpdatedAt time.Time
}

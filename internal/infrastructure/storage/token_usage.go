package storage

import (
	"context"

	"gorm.io/gorm"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
	apperrors "github.com/69gg/Undefined-sub000/pkg/errors"
)

// TokenUsageStore token 用量存储。请求器异步调用 Record，
// 失败只记日志不影响回复路径。
type TokenUsageStore struct {
	db *gorm.DB
}

// NewTokenUsageStore 创建用量存储
func NewTokenUsageStore(db *gorm.DB) *TokenUsageStore {
	return &TokenUsageStore{db: db}
}

// Record 记录一次调用的用量（llm.UsageRecorder 实现）
func (s *TokenUsageStore) Record(model, callType string, usage entity.Usage) {
	_ = s.db.Create(&TokenUsageModel{
		Model:            model,
		CallType:         callType,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		Estimated:        usage.Estimated,
	}).Error
}

// UsageTotal 某个 (model, call_type) 的累计用量
type UsageTotal struct {
	Model            string `json:"model"`
	CallType         string `json:"call_type"`
	Calls            int64  `json:"calls"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// Totals 按 (model, call_type) 汇总
func (s *TokenUsageStore) Totals(ctx context.Context) ([]UsageTotal, error) {
	var out []UsageTotal
	err := s.db.WithContext(ctx).
		Model(&TokenUsageModel{}).
		Select("model, call_type, count(*) as calls, sum(prompt_tokens) as prompt_tokens, " +
			"sum(completion_tokens) as completion_tokens, sum(total_tokens) as total_tokens").
		Group("model, call_type").
		Order("total_tokens desc").
		Scan(&out).Error
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "用量汇总失败", 500)
	}
	return out, nil
}

package storage

import (
	"context"
	"sync"

	"gorm.io/gorm"

	apperrors "github.com/69gg/Undefined-sub000/pkg/errors"
)

// SummaryStore end 工具的行动摘要存储，每个会话保留最近 maxPerSession 条
type SummaryStore struct {
	db            *gorm.DB
	maxPerSession int

	mu sync.Mutex
}

// NewSummaryStore 创建摘要存储
func NewSummaryStore(db *gorm.DB, maxPerSession int) *SummaryStore {
	if maxPerSession <= 0 {
		maxPerSession = 5
	}
	return &SummaryStore{db: db, maxPerSession: maxPerSession}
}

// AppendEndSummary 追加一条摘要并裁剪会话环，返回新的 end_seq
func (s *SummaryStore) AppendEndSummary(ctx context.Context, sessionKey, summary string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var maxSeq int64
	err := s.db.WithContext(ctx).
		Model(&EndSummaryModel{}).
		Where("session_key = ?", sessionKey).
		Select("coalesce(max(seq), 0)").
		Scan(&maxSeq).Error
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.CodeInternal, "摘要序号读取失败", 500)
	}

	seq := maxSeq + 1
	if err := s.db.WithContext(ctx).Create(&EndSummaryModel{
		SessionKey: sessionKey,
		Seq:        seq,
		Summary:    summary,
	}).Error; err != nil {
		return 0, apperrors.Wrap(err, apperrors.CodeInternal, "摘要写入失败", 500)
	}

	// 只保留最近 maxPerSession 条
	err = s.db.WithContext(ctx).
		Where("session_key = ? AND seq <= ?", sessionKey, seq-int64(s.maxPerSession)).
		Delete(&EndSummaryModel{}).Error
	if err != nil {
		return seq, apperrors.Wrap(err, apperrors.CodeInternal, "摘要裁剪失败", 500)
	}
	return seq, nil
}

// Recent 取某会话最近 n 条摘要，按 seq 升序
func (s *SummaryStore) Recent(ctx context.Context, sessionKey string, n int) ([]string, error) {
	var models []EndSummaryModel
	err := s.db.WithContext(ctx).
		Where("session_key = ?", sessionKey).
		Order("seq desc").
		Limit(n).
		Find(&models).Error
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "摘要读取失败", 500)
	}
	out := make([]string, len(models))
	for i, m := range models {
		out[len(models)-1-i] = m.Summary
	}
	return out, nil
}

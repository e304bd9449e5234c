package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	apperrors "github.com/69gg/Undefined-sub000/pkg/errors"
)

// HistoryRecord 历史的领域视图
type HistoryRecord struct {
	SenderID  int64
	Sender    string
	Role      string
	Content   string
	MessageID int64
	CreatedAt time.Time
}

// HistoryStore 会话历史存储。写入按 (chat_kind, chat_id) 串行化，
// 读取不持写锁。
type HistoryStore struct {
	db *gorm.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewHistoryStore 创建历史存储
func NewHistoryStore(db *gorm.DB) *HistoryStore {
	return &HistoryStore{db: db, locks: make(map[string]*sync.Mutex)}
}

func (s *HistoryStore) chatLock(chatKind string, chatID int64) *sync.Mutex {
	key := fmt.Sprintf("%s:%d", chatKind, chatID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[key] = l
	return l
}

// Append 追加一条历史
func (s *HistoryStore) Append(ctx context.Context, chatKind string, chatID int64, rec HistoryRecord) error {
	lock := s.chatLock(chatKind, chatID)
	lock.Lock()
	defer lock.Unlock()

	model := &HistoryModel{
		ChatKind:  chatKind,
		ChatID:    chatID,
		SenderID:  rec.SenderID,
		Sender:    rec.Sender,
		Role:      rec.Role,
		Content:   rec.Content,
		MessageID: rec.MessageID,
		CreatedAt: rec.CreatedAt,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "历史写入失败", 500)
	}
	return nil
}

// Recent 取最近 limit 条，按时间升序返回
func (s *HistoryStore) Recent(ctx context.Context, chatKind string, chatID int64, limit int) ([]HistoryRecord, error) {
	var models []HistoryModel
	err := s.db.WithContext(ctx).
		Where("chat_kind = ? AND chat_id = ?", chatKind, chatID).
		Order("id desc").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "历史读取失败", 500)
	}

	out := make([]HistoryRecord, len(models))
	for i, m := range models {
		out[len(models)-1-i] = HistoryRecord{
			SenderID:  m.SenderID,
			Sender:    m.Sender,
			Role:      m.Role,
			Content:   m.Content,
			MessageID: m.MessageID,
			CreatedAt: m.CreatedAt,
		}
	}
	return out, nil
}

// RewriteLast 把某会话最后一条历史的内容改写为占位文本（注入处置）
func (s *HistoryStore) RewriteLast(ctx context.Context, chatKind string, chatID int64, placeholder string) error {
	lock := s.chatLock(chatKind, chatID)
	lock.Lock()
	defer lock.Unlock()

	var last HistoryModel
	err := s.db.WithContext(ctx).
		Where("chat_kind = ? AND chat_id = ?", chatKind, chatID).
		Order("id desc").
		First(&last).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return apperrors.Wrap(err, apperrors.CodeInternal, "历史读取失败", 500)
	}
	last.Content = placeholder
	if err := s.db.WithContext(ctx).Save(&last).Error; err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "历史改写失败", 500)
	}
	return nil
}

// RenderBlock 把历史渲染成给模型看的块
func RenderBlock(records []HistoryRecord) string {
	var b strings.Builder
	for _, r := range records {
		fmt.Fprintf(&b, "[%s] %s(%d): %s\n",
			r.CreatedAt.Format("01-02 15:04"), r.Sender, r.SenderID, r.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
	"github.com/69gg/Undefined-sub000/internal/domain/reqctx"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/storage"
)

// Transport 发送端需要的传输能力
type Transport interface {
	SendGroupMessage(ctx context.Context, groupID int64, segments []entity.Segment) (int64, error)
	SendPrivateMessage(ctx context.Context, userID int64, segments []entity.Segment) (int64, error)
}

// ReplyRing 最近外发内容的有界环，用于可选去重
type ReplyRing struct {
	mu   sync.Mutex
	cap  int
	ring []string
}

// NewReplyRing 创建容量为 n 的环（n<=0 用默认 50）
func NewReplyRing(n int) *ReplyRing {
	if n <= 0 {
		n = 50
	}
	return &ReplyRing{cap: n}
}

// SeenRecently 判断 body 是否在环内；未命中时记录
func (r *ReplyRing) SeenRecently(body string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.ring {
		if b == body {
			return true
		}
	}
	r.ring = append(r.ring, body)
	if len(r.ring) > r.cap {
		r.ring = r.ring[len(r.ring)-r.cap:]
	}
	return false
}

// SendOptions 单次发送的行为开关
type SendOptions struct {
	Dedup       bool // 与最近外发内容重复时静默丢弃
	SkipHistory bool // 不写回历史
}

// Sender 外发消息服务：发送、历史回写、置位 message_sent_this_turn
type Sender struct {
	transport Transport
	history   *storage.HistoryStore
	selfName  string
	selfID    int64
	logger    *zap.Logger
}

// NewSender 创建发送服务
func NewSender(transport Transport, history *storage.HistoryStore, selfID int64, selfName string, logger *zap.Logger) *Sender {
	return &Sender{
		transport: transport,
		history:   history,
		selfID:    selfID,
		selfName:  selfName,
		logger:    logger,
	}
}

// SendGroup 发送群消息
func (s *Sender) SendGroup(ctx *reqctx.Context, groupID int64, text string, opts SendOptions) error {
	return s.send(ctx, "group", groupID, text, opts, func(c context.Context, segs []entity.Segment) (int64, error) {
		return s.transport.SendGroupMessage(c, groupID, segs)
	})
}

// SendPrivate 发送私聊消息
func (s *Sender) SendPrivate(ctx *reqctx.Context, userID int64, text string, opts SendOptions) error {
	return s.send(ctx, "private", userID, text, opts, func(c context.Context, segs []entity.Segment) (int64, error) {
		return s.transport.SendPrivateMessage(c, userID, segs)
	})
}

// SendCurrent 按请求身份发送到当前会话
func (s *Sender) SendCurrent(ctx *reqctx.Context, text string, opts SendOptions) error {
	if ctx.GroupID != 0 {
		return s.SendGroup(ctx, ctx.GroupID, text, opts)
	}
	return s.SendPrivate(ctx, ctx.UserID, text, opts)
}

func (s *Sender) send(ctx *reqctx.Context, chatKind string, chatID int64, text string, opts SendOptions,
	doSend func(context.Context, []entity.Segment) (int64, error)) error {

	if opts.Dedup {
		if ring, ok := ctx.Get(reqctx.ResRecentReplies, nil).(*ReplyRing); ok && ring.SeenRecently(text) {
			s.logger.Info("重复回复被去重丢弃",
				zap.String("chat", chatKind), zap.Int64("chat_id", chatID))
			return nil
		}
	}

	msgID, err := doSend(ctx, []entity.Segment{entity.NewTextSegment(text)})
	if err != nil {
		return err
	}
	ctx.Set(reqctx.ResMessageSentThisTurn, true)

	if !opts.SkipHistory && s.history != nil {
		if herr := s.history.Append(ctx, chatKind, chatID, storage.HistoryRecord{
			MessageID: msgID,
			SenderID:  s.selfID,
			Sender:    s.selfName,
			Role:      "assistant",
			Content:   text,
			CreatedAt: time.Now(),
		}); herr != nil {
			s.logger.Warn("外发消息历史写回失败", zap.Error(herr))
		}
	}
	return nil
}

package application

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
	"github.com/69gg/Undefined-sub000/internal/domain/reqctx"
	"github.com/69gg/Undefined-sub000/internal/domain/service"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/config"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/eventbus"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/storage"
	"github.com/69gg/Undefined-sub000/internal/interfaces/onebot"
	apperrors "github.com/69gg/Undefined-sub000/pkg/errors"
	"github.com/69gg/Undefined-sub000/pkg/safego"
)

// MessageHandler 入站事件的受理面：落历史、命令短路、注入检测、
// 分道入队。真正的回复由队列管理器驱动 Execute 完成。
type MessageHandler struct {
	cfg         service.ConfigFunc
	queue       *service.QueueManager
	coordinator *service.Coordinator
	security    *service.SecurityService
	selector    *service.ModelSelector
	sender      *service.Sender
	tools       *service.ToolManager
	history     *storage.HistoryStore
	bus         eventbus.Bus
	logger      *zap.Logger
}

// NewMessageHandler 创建受理面
func NewMessageHandler(
	cfg service.ConfigFunc,
	queue *service.QueueManager,
	coordinator *service.Coordinator,
	security *service.SecurityService,
	selector *service.ModelSelector,
	sender *service.Sender,
	tools *service.ToolManager,
	history *storage.HistoryStore,
	bus eventbus.Bus,
	logger *zap.Logger,
) *MessageHandler {
	return &MessageHandler{
		cfg:         cfg,
		queue:       queue,
		coordinator: coordinator,
		security:    security,
		selector:    selector,
		sender:      sender,
		tools:       tools,
		history:     history,
		bus:         bus,
		logger:      logger.With(zap.String("component", "message_handler")),
	}
}

// HandleEvent OneBot 事件回调入口
func (h *MessageHandler) HandleEvent(ev *onebot.Event) {
	if ev.PostType != "message" {
		return
	}
	switch ev.MessageType {
	case "group":
		h.handleGroup(ev)
	case "private":
		h.handlePrivate(ev)
	}
}

func (h *MessageHandler) incoming(ev *onebot.Event) service.IncomingMessage {
	return service.IncomingMessage{
		GroupID:   ev.GroupID,
		UserID:    ev.UserID,
		SenderID:  ev.Sender.UserID,
		Sender:    ev.Sender,
		MessageID: ev.MessageID,
		Segments:  ev.Segments,
		Text:      ev.PlainText(),
		Time:      time.Unix(ev.Time, 0),
	}
}

func (h *MessageHandler) handleGroup(ev *onebot.Event) {
	msg := h.incoming(ev)
	h.appendHistory("group", msg.GroupID, msg)

	if h.tryCommand(msg) {
		return
	}
	if h.interceptInjection("group", msg.GroupID, msg) {
		return
	}

	h.queue.Enqueue(entity.QueueItem{
		Kind:       entity.KindAutoReply,
		Lane:       h.classifyGroupLane(h.cfg(), msg),
		Payload:    msg,
		EnqueuedAt: time.Now(),
	})
}

func (h *MessageHandler) handlePrivate(ev *onebot.Event) {
	msg := h.incoming(ev)
	h.appendHistory("private", msg.UserID, msg)

	if h.tryCommand(msg) {
		return
	}
	if h.interceptInjection("private", msg.UserID, msg) {
		return
	}

	lane := entity.LanePrivate
	if h.isSuperadmin(msg.SenderID) {
		lane = entity.LaneSuperadmin
	}
	h.queue.Enqueue(entity.QueueItem{
		Kind:       entity.KindPrivateReply,
		Lane:       lane,
		Payload:    msg,
		EnqueuedAt: time.Now(),
	})
}

// classifyGroupLane 超管 > 被 @ / 被喊名字 > 普通
func (h *MessageHandler) classifyGroupLane(cfg config.Config, msg service.IncomingMessage) entity.Lane {
	if h.isSuperadmin(msg.SenderID) {
		return entity.LaneSuperadmin
	}
	if h.addressed(cfg, msg) {
		return entity.LaneGroupMention
	}
	return entity.LaneGroupNormal
}

func (h *MessageHandler) addressed(cfg config.Config, msg service.IncomingMessage) bool {
	if entity.HasAt(msg.Segments, formatID(cfg.Bot.SelfID)) {
		return true
	}
	for _, name := range cfg.Bot.Names {
		if name != "" && strings.Contains(msg.Text, name) {
			return true
		}
	}
	return false
}

func (h *MessageHandler) isSuperadmin(senderID int64) bool {
	for _, admin := range h.cfg().Bot.Superadmins {
		if senderID == admin {
			return true
		}
	}
	return false
}

// tryCommand 处理不进循环的短路命令，返回是否已消费
func (h *MessageHandler) tryCommand(msg service.IncomingMessage) bool {
	text := strings.TrimSpace(msg.Text)

	// 模型对比票据确认（「选 N」）
	if reply, handled := h.selector.TryChoose(msg.GroupID, msg.UserID, text); handled {
		h.replyDirect(msg, reply)
		return true
	}

	for _, prefix := range []string{"/compare", "/pk"} {
		rest, ok := strings.CutPrefix(text, prefix)
		if !ok {
			continue
		}
		prompt := strings.TrimSpace(rest)
		if prompt == "" {
			h.replyDirect(msg, "用法："+prefix+" <问题>")
			return true
		}
		safego.Go(h.logger, "model_compare", func() {
			out, err := h.selector.Compare(context.Background(), msg.GroupID, msg.UserID, prompt)
			if err != nil {
				h.logger.Warn("模型对比失败", zap.Error(err))
				out = "对比失败，稍后再试"
			}
			h.replyDirect(msg, out)
		})
		return true
	}

	if msg.GroupID != 0 {
		if text == "/stats" || text == "/统计" {
			h.queue.Enqueue(entity.QueueItem{
				Kind:       entity.KindStatsAnalysis,
				Lane:       entity.LaneGroupMention,
				Payload:    msg,
				EnqueuedAt: time.Now(),
			})
			return true
		}
		if rest, ok := strings.CutPrefix(text, "/intro"); ok {
			agentName := strings.TrimSpace(rest)
			if agentName == "" {
				h.replyDirect(msg, "用法：/intro <能力名>")
				return true
			}
			h.queue.Enqueue(entity.QueueItem{
				Kind: entity.KindAgentIntroGeneration,
				Lane: entity.LaneGroupMention,
				Payload: service.AgentIntroRequest{
					GroupID:   msg.GroupID,
					UserID:    msg.UserID,
					AgentName: agentName,
				},
				EnqueuedAt: time.Now(),
			})
			return true
		}
	}

	// 磁盘命令：/<name> [参数]。未知名字不消费，按普通消息继续
	if rest, ok := strings.CutPrefix(text, "/"); ok && rest != "" {
		name, rawArgs, _ := strings.Cut(rest, " ")
		if h.runCommand(msg, name, strings.TrimSpace(rawArgs)) {
			return true
		}
	}
	return false
}

// runCommand 执行命令技能并把结果（或带错误编号的权限 / 冷却
// 话术）回给用户，返回是否已消费
func (h *MessageHandler) runCommand(msg service.IncomingMessage, name, rawArgs string) bool {
	kind := reqctx.KindGroup
	if msg.GroupID == 0 {
		kind = reqctx.KindPrivate
	}
	ctx := reqctx.New(context.Background(), kind, msg.GroupID, msg.UserID, msg.SenderID)
	defer ctx.Release()

	out, err := h.tools.ExecuteCommand(ctx, name, map[string]any{"text": rawArgs})
	if err != nil {
		if apperrors.Code(err) == apperrors.CodeNotFound {
			return false
		}
		reply := fmt.Sprintf("命令执行失败（错误编号 %s）", uuid.NewString()[:8])
		switch apperrors.Code(err) {
		case apperrors.CodePermission, apperrors.CodeRateLimit:
			var appErr *apperrors.AppError
			if errors.As(err, &appErr) {
				reply = appErr.Message
			}
		}
		h.logger.Warn("命令执行失败", zap.String("command", name), zap.Error(err))
		if serr := h.sender.SendCurrent(ctx, reply, service.SendOptions{}); serr != nil {
			h.logger.Warn("命令回复发送失败", zap.Error(serr))
		}
		return true
	}
	if out != "" {
		if serr := h.sender.SendCurrent(ctx, out, service.SendOptions{}); serr != nil {
			h.logger.Warn("命令回复发送失败", zap.Error(serr))
		}
	}
	return true
}

// interceptInjection 注入命中时改写历史并回一句拦截话术
func (h *MessageHandler) interceptInjection(chatKind string, chatID int64, msg service.IncomingMessage) bool {
	detectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if !h.security.DetectInjection(detectCtx, msg.SenderID, msg.Text) {
		return false
	}

	h.logger.Warn("拦截到提示注入",
		zap.String("chat", chatKind),
		zap.Int64("chat_id", chatID),
		zap.Int64("sender_id", msg.SenderID))
	h.bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeInjection, eventbus.MessageSentPayload{
		ChatKind: chatKind,
		ChatID:   chatID,
	}))

	placeholder := h.cfg().Security.Placeholder
	if err := h.history.RewriteLast(detectCtx, chatKind, chatID, placeholder); err != nil {
		h.logger.Warn("注入消息历史改写失败", zap.Error(err))
	}
	// 只有私聊或被点名才回拦截话术，没喊机器人的群消息静默拦截
	if chatKind == "private" || h.addressed(h.cfg(), msg) {
		h.replyDirect(msg, h.security.InjectionResponse(detectCtx))
	}
	return true
}

// replyDirect 不进循环的直接回复（命令结果、拦截话术）
func (h *MessageHandler) replyDirect(msg service.IncomingMessage, text string) {
	kind := reqctx.KindGroup
	if msg.GroupID == 0 {
		kind = reqctx.KindPrivate
	}
	ctx := reqctx.New(context.Background(), kind, msg.GroupID, msg.UserID, msg.SenderID)
	defer ctx.Release()
	if err := h.sender.SendCurrent(ctx, text, service.SendOptions{}); err != nil {
		h.logger.Warn("直接回复发送失败", zap.Error(err))
	}
}

func (h *MessageHandler) appendHistory(chatKind string, chatID int64, msg service.IncomingMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.history.Append(ctx, chatKind, chatID, storage.HistoryRecord{
		MessageID: msg.MessageID,
		SenderID:  msg.SenderID,
		Sender:    msg.Sender.DisplayName(),
		Role:      "user",
		Content:   msg.Text,
		CreatedAt: msg.Time,
	})
	if err != nil {
		h.logger.Warn("入站消息历史写入失败", zap.Error(err))
	}
}

// Execute 队列管理器的执行回调，按请求种类分发到协调器
func (h *MessageHandler) Execute(ctx context.Context, item entity.QueueItem) {
	start := time.Now()
	switch item.Kind {
	case entity.KindAutoReply:
		if msg, ok := item.Payload.(service.IncomingMessage); ok {
			h.coordinator.ExecuteAutoReply(ctx, msg)
		}
	case entity.KindPrivateReply:
		if msg, ok := item.Payload.(service.IncomingMessage); ok {
			h.coordinator.ExecutePrivateReply(ctx, msg)
		}
	case entity.KindStatsAnalysis:
		if msg, ok := item.Payload.(service.IncomingMessage); ok {
			h.coordinator.ExecuteStatsAnalysis(ctx, msg)
		}
	case entity.KindAgentIntroGeneration:
		if req, ok := item.Payload.(service.AgentIntroRequest); ok {
			h.coordinator.ExecuteAgentIntroGeneration(ctx, req)
		}
	default:
		h.logger.Warn("未知的请求种类", zap.String("kind", string(item.Kind)))
		return
	}
	h.bus.Publish(ctx, eventbus.NewEvent(eventbus.EventTypeRequestDone, eventbus.RequestDonePayload{
		Kind:     string(item.Kind),
		Lane:     item.Lane.String(),
		Duration: time.Since(start),
	}))
}

func formatID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
	"github.com/69gg/Undefined-sub000/internal/domain/reqctx"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/cogqueue"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/llm"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/prompt"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/skill"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/storage"
)

const apologyReply = "抱歉，我这边出了点问题，稍后再试一次。"

// IncomingMessage 进入协调器的一条用户消息
type IncomingMessage struct {
	GroupID   int64
	GroupName string
	UserID    int64
	SenderID  int64
	Sender    entity.Sender
	MessageID int64
	Segments  []entity.Segment
	Text      string
	Time      time.Time
}

// AgentIntroRequest 生成 agent 自我介绍的请求
type AgentIntroRequest struct {
	GroupID   int64
	UserID    int64
	AgentName string
}

// Coordinator 每类请求一个入口：开请求上下文、注入资源、
// 建提示词、跑循环、尾部补发、最后释放上下文。
type Coordinator struct {
	requester llm.Requester
	loop      *LLMLoop
	tools     *ToolManager
	sender    *Sender
	prompts   *prompt.Builder
	storage   *storage.Manager
	cogQueue  *cogqueue.Queue
	scheduler *Scheduler
	selector  *ModelSelector
	transport skill.PokeSender
	memory    skill.MemoryQuery
	endDedup  *skill.EndDedup
	replies   *ReplyRing
	cfg       ConfigFunc
	logger    *zap.Logger
}

// CoordinatorDeps 协调器的协作者
type CoordinatorDeps struct {
	Requester llm.Requester
	Loop      *LLMLoop
	Tools     *ToolManager
	Sender    *Sender
	Prompts   *prompt.Builder
	Storage   *storage.Manager
	CogQueue  *cogqueue.Queue
	Scheduler *Scheduler
	Selector  *ModelSelector
	Transport skill.PokeSender
	Memory    skill.MemoryQuery
	Logger    *zap.Logger
	Config    ConfigFunc
}

// NewCoordinator 创建协调器
func NewCoordinator(deps CoordinatorDeps) *Coordinator {
	return &Coordinator{
		requester: deps.Requester,
		loop:      deps.Loop,
		tools:     deps.Tools,
		sender:    deps.Sender,
		prompts:   deps.Prompts,
		storage:   deps.Storage,
		cogQueue:  deps.CogQueue,
		scheduler: deps.Scheduler,
		selector:  deps.Selector,
		transport: deps.Transport,
		memory:    deps.Memory,
		endDedup:  skill.NewEndDedup(),
		replies:   NewReplyRing(0),
		cfg:       deps.Config,
		logger:    deps.Logger,
	}
}

// populate 把技能处理器需要的协作者写入请求上下文资源表
func (c *Coordinator) populate(ctx *reqctx.Context) {
	ctx.Set(reqctx.ResAIClient, c.requester)
	ctx.Set(reqctx.ResSender, c.sender)
	ctx.Set(reqctx.ResHistoryManager, c.storage)
	ctx.Set(reqctx.ResOneBotClient, c.transport)
	ctx.Set(reqctx.ResScheduler, c.scheduler)
	ctx.Set(reqctx.ResRuntimeConfig, c.cfg())
	ctx.Set(reqctx.ResRecentReplies, c.replies)
	ctx.Set(reqctx.ResCognitiveQueue, c.cogQueue)
	ctx.Set(reqctx.ResEndDedup, c.endDedup)
	ctx.Set(reqctx.ResMemoryQuery, c.memory)
	ctx.Set(reqctx.ResAgentHistories, NewAgentHistories())
	ctx.Set(reqctx.ResPrefetchTools, c.cfg().Skills.PrefetchTools)
	ctx.Set(reqctx.ResSendMessageCallback, skill.SendCallback(func(text string) error {
		return c.sender.SendCurrent(ctx, text, SendOptions{Dedup: true})
	}))
}

// ExecuteAutoReply 处理群聊请求
func (c *Coordinator) ExecuteAutoReply(parent context.Context, msg IncomingMessage) {
	ctx := reqctx.New(parent, reqctx.KindGroup, msg.GroupID, msg.UserID, msg.SenderID)
	defer c.release(ctx)
	c.populate(ctx)

	turn := c.turnFromMessage(msg, "group")
	c.runReply(ctx, "chat", turn, msg)
}

// ExecutePrivateReply 处理私聊请求
func (c *Coordinator) ExecutePrivateReply(parent context.Context, msg IncomingMessage) {
	ctx := reqctx.New(parent, reqctx.KindPrivate, 0, msg.UserID, msg.SenderID)
	defer c.release(ctx)
	c.populate(ctx)

	turn := c.turnFromMessage(msg, "private")
	c.runReply(ctx, "chat", turn, msg)
}

// ExecuteStatsAnalysis 生成一份当前会话的聊天统计分析并发送
func (c *Coordinator) ExecuteStatsAnalysis(parent context.Context, msg IncomingMessage) {
	ctx := reqctx.New(parent, reqctx.KindGroup, msg.GroupID, msg.UserID, msg.SenderID)
	defer c.release(ctx)
	c.populate(ctx)

	turn := prompt.Turn{
		Sender:   "system",
		SenderID: msg.SenderID,
		GroupID:  msg.GroupID,
		Location: "group",
		Time:     time.Now().Format("2006-01-02 15:04:05"),
		Text:     "请基于最近对话做一份简短的群聊统计分析：活跃成员、主要话题、气氛。用 send_message 发出结果，然后调用 end。",
	}
	c.runReply(ctx, "stats_analysis", turn, msg)
}

// ExecuteAgentIntroGeneration 为一个 agent 生成自我介绍并发送
func (c *Coordinator) ExecuteAgentIntroGeneration(parent context.Context, req AgentIntroRequest) {
	ctx := reqctx.New(parent, reqctx.KindGroup, req.GroupID, req.UserID, 0)
	defer c.release(ctx)
	c.populate(ctx)

	turn := prompt.Turn{
		Sender:   "system",
		Location: "group",
		GroupID:  req.GroupID,
		Time:     time.Now().Format("2006-01-02 15:04:05"),
		Text: fmt.Sprintf("请为能力「%s」写一段面向群友的简短介绍（它能做什么、怎么用），用 send_message 发出，然后调用 end。",
			req.AgentName),
	}
	c.runReply(ctx, "agent_intro", turn, IncomingMessage{GroupID: req.GroupID, UserID: req.UserID})
}

// ExecuteSelfCall 定时任务的 self_call 路径：把任务指令当作用户消息驱动循环
func (c *Coordinator) ExecuteSelfCall(parent context.Context, task entity.ScheduledTask) error {
	var groupID, userID int64
	kind := reqctx.KindScheduled
	if task.TargetType == "group" {
		groupID = task.TargetID
	} else {
		userID = task.TargetID
	}
	ctx := reqctx.New(parent, kind, groupID, userID, 0)
	defer c.release(ctx)
	c.populate(ctx)

	turn := prompt.Turn{
		Sender:   "system",
		Location: task.TargetType,
		GroupID:  groupID,
		Time:     time.Now().Format("2006-01-02 15:04:05"),
		Text:     task.SelfInstruction,
	}

	messages := c.prompts.Build(ctx, ctx.SessionKey(), turn)
	out, err := c.loop.Run(ctx, c.cfg().LLM.Chat, "self_call", messages)
	if err != nil {
		return err
	}
	if out != "" && out != "max iterations reached" {
		return c.sender.SendCurrent(ctx, out, SendOptions{})
	}
	return nil
}

// RunToolStep 定时任务的 single/multi 路径：在一个任务作用域里执行一步工具
func (c *Coordinator) RunToolStep(parent context.Context, task entity.ScheduledTask, step entity.ToolStep) (string, error) {
	var groupID, userID int64
	if task.TargetType == "group" {
		groupID = task.TargetID
	} else {
		userID = task.TargetID
	}
	ctx := reqctx.New(parent, reqctx.KindScheduled, groupID, userID, 0)
	defer c.release(ctx)
	c.populate(ctx)

	return c.tools.Execute(ctx, nil, step.Tool, step.Args)
}

// runReply 通用路径：建提示词、跑循环、尾部补发
func (c *Coordinator) runReply(ctx *reqctx.Context, callType string, turn prompt.Turn, msg IncomingMessage) {
	model := c.selector.SelectChatConfig(c.cfg().LLM.Chat, msg.GroupID, msg.UserID)
	messages := c.prompts.Build(ctx, ctx.SessionKey(), turn)

	out, err := c.loop.Run(ctx, model, callType, messages)
	if err != nil {
		c.logger.Error("回复循环失败",
			zap.String("request_id", ctx.RequestID),
			zap.String("call_type", callType),
			zap.Error(err))
		if serr := c.sender.SendCurrent(ctx, apologyReply, SendOptions{Dedup: true}); serr != nil {
			c.logger.Warn("致歉消息发送失败", zap.Error(serr))
		}
		return
	}
	// 模型没走 send_message 而是直接给了正文，作为最后一条补发
	if out != "" {
		if serr := c.sender.SendCurrent(ctx, out, SendOptions{Dedup: true}); serr != nil {
			c.logger.Warn("尾部消息发送失败", zap.Error(serr))
		}
	}
}

func (c *Coordinator) release(ctx *reqctx.Context) {
	c.tools.ForgetRequest(ctx.RequestID)
	ctx.Release()
}

func (c *Coordinator) turnFromMessage(msg IncomingMessage, location string) prompt.Turn {
	t := msg.Time
	if t.IsZero() {
		t = time.Now()
	}
	return prompt.Turn{
		Sender:    msg.Sender.DisplayName(),
		SenderID:  msg.SenderID,
		GroupID:   msg.GroupID,
		GroupName: msg.GroupName,
		Location:  location,
		Role:      msg.Sender.Role,
		Title:     msg.Sender.Title,
		Time:      t.Format("2006-01-02 15:04:05"),
		Text:      msg.Text,
	}
}

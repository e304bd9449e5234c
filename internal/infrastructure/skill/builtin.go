package skill

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
	"github.com/69gg/Undefined-sub000/internal/domain/reqctx"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/config"
	apperrors "github.com/69gg/Undefined-sub000/pkg/errors"
)

// 内建处理器通过请求上下文的资源表取得协作对象，
// 这里只声明各自需要的最小接口，具体实现由装配层注入。

// CognitiveEnqueuer end 工具写入的认知任务队列
type CognitiveEnqueuer interface {
	Enqueue(job *entity.CognitiveJob) (string, error)
}

// SummaryAppender end 工具追加行动摘要的去处，返回新的 end_seq
type SummaryAppender interface {
	AppendEndSummary(ctx context.Context, sessionKey, summary string) (int64, error)
}

// TaskScheduler schedule_task 系列工具操作的调度器
type TaskScheduler interface {
	AddTask(task entity.ScheduledTask) error
	RemoveTask(taskID string) error
	ListTasks() []entity.ScheduledTask
}

// PokeSender poke / send_like 工具需要的传输能力
type PokeSender interface {
	SendGroupPoke(ctx context.Context, groupID, userID int64) error
	SendPrivatePoke(ctx context.Context, userID int64) error
	SendLike(ctx context.Context, userID int64, times int) error
}

// MemoryQuery recall_memory 工具的向量检索回调
type MemoryQuery func(ctx context.Context, query string, topK int) (string, error)

// SendCallback send_message 工具的出站回调
type SendCallback func(text string) error

// EndDedup 同一请求内 end 工具的轻量去重（进程重启后不保持，尽力而为）
type EndDedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewEndDedup 创建去重器
func NewEndDedup() *EndDedup {
	return &EndDedup{seen: make(map[string]struct{})}
}

// Seen 报告键是否出现过并记录之
func (d *EndDedup) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = struct{}{}
	return false
}

// endRefusal end 工具的拒绝话术，作为 tool content 回给模型
const endRefusal = "拒绝结束：本轮还没有发送任何消息。请先用 send_message 回复用户，或带 force=true 重新调用 end。"

// RegisterBuiltins 注册核心循环依赖的内建处理器。
// 磁盘技能的 config.json 通过 module_name 引用这里的实现。
func RegisterBuiltins(table *HandlerTable, logger *zap.Logger) {
	table.Register("send_message", handleSendMessage)
	table.Register("end", handleEnd(logger))
	table.Register("get_time", handleGetTime)
	table.Register("schedule_task", handleScheduleTask)
	table.Register("list_tasks", handleListTasks)
	table.Register("remove_task", handleRemoveTask)
	table.Register("poke", handlePoke)
	table.Register("send_like", handleSendLike)
	table.Register("recall_memory", handleRecallMemory)
}

func handleSendMessage(ctx *reqctx.Context, args map[string]any) (string, error) {
	content, _ := args["content"].(string)
	if content == "" {
		return "", apperrors.New(apperrors.CodeToolExecution, "content 不能为空", 400)
	}
	cb, ok := ctx.Get(reqctx.ResSendMessageCallback, nil).(SendCallback)
	if !ok || cb == nil {
		return "", apperrors.New(apperrors.CodeToolExecution, "当前请求没有可用的发送通道", 500)
	}
	if err := cb(content); err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeToolExecution, "消息发送失败", 502)
	}
	ctx.Set(reqctx.ResMessageSentThisTurn, true)
	return "消息已发送", nil
}

func handleEnd(logger *zap.Logger) Handler {
	return func(ctx *reqctx.Context, args map[string]any) (string, error) {
		memo, _ := args["action_summary"].(string)
		if memo == "" {
			memo, _ = args["memo"].(string)
		}
		force, _ := args["force"].(bool)
		observations := stringSlice(args["observations"])

		// 有摘要说明有实质行动，没发过消息不允许静默收尾
		if memo != "" && !force && !ctx.GetBool(reqctx.ResMessageSentThisTurn) {
			return endRefusal, nil
		}

		ctx.Set(reqctx.ResConversationEnded, true)

		if memo == "" && len(observations) == 0 {
			return "已结束", nil
		}

		if dedup, ok := ctx.Get(reqctx.ResEndDedup, nil).(*EndDedup); ok && dedup != nil {
			sum := sha256.Sum256([]byte(memo + "\x00" + strings.Join(observations, "\x00")))
			if dedup.Seen(hex.EncodeToString(sum[:8])) {
				return "已结束（重复摘要，跳过记录）", nil
			}
		}

		var endSeq int64
		if app, ok := ctx.Get(reqctx.ResHistoryManager, nil).(SummaryAppender); ok && memo != "" {
			seq, err := app.AppendEndSummary(ctx, ctx.SessionKey(), memo)
			if err != nil {
				logger.Warn("End summary append failed", zap.Error(err))
			} else {
				endSeq = seq
			}
		}
		ctx.Set(reqctx.ResEndSeq, endSeq)

		queue, ok := ctx.Get(reqctx.ResCognitiveQueue, nil).(CognitiveEnqueuer)
		if !ok || queue == nil {
			return "已结束", nil
		}

		tz := "Asia/Shanghai"
		if cfg, ok := ctx.Get(reqctx.ResRuntimeConfig, nil).(config.Config); ok && cfg.Bot.Timezone != "" {
			tz = cfg.Bot.Timezone
		}

		job := &entity.CognitiveJob{
			RequestID:      ctx.RequestID,
			EndSeq:         int(endSeq),
			TimestampEpoch: time.Now().Unix(),
			Timezone:       tz,
			Memo:           memo,
			Observations:   observations,
			ProfileTargets: parseProfileTargets(args["profile_targets"]),
			Perspective:    stringOr(args["perspective"], ""),
			Force:          force,
			UserID:         ctx.UserID,
			GroupID:        ctx.GroupID,
			SenderID:       ctx.SenderID,
		}
		if jobID, err := queue.Enqueue(job); err != nil {
			logger.Warn("Cognitive enqueue failed", zap.Error(err))
		} else {
			logger.Debug("Cognitive job enqueued",
				zap.String("job_id", jobID),
				zap.Int("observations", len(observations)),
			)
		}
		return "已结束，记忆整理任务已提交", nil
	}
}

func handleGetTime(ctx *reqctx.Context, _ map[string]any) (string, error) {
	tz := "Asia/Shanghai"
	if cfg, ok := ctx.Get(reqctx.ResRuntimeConfig, nil).(config.Config); ok && cfg.Bot.Timezone != "" {
		tz = cfg.Bot.Timezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.Local
	}
	now := time.Now().In(loc)
	weekdays := []string{"周日", "周一", "周二", "周三", "周四", "周五", "周六"}
	return fmt.Sprintf("%s %s", now.Format("2006-01-02 15:04:05"), weekdays[now.Weekday()]), nil
}

func handleScheduleTask(ctx *reqctx.Context, args map[string]any) (string, error) {
	sched, ok := ctx.Get(reqctx.ResScheduler, nil).(TaskScheduler)
	if !ok || sched == nil {
		return "", apperrors.New(apperrors.CodeToolExecution, "调度器不可用", 500)
	}

	cron, _ := args["cron"].(string)
	if cron == "" {
		return "", apperrors.New(apperrors.CodeToolExecution, "cron 不能为空", 400)
	}
	task := entity.ScheduledTask{
		TaskID:          stringOr(args["task_id"], fmt.Sprintf("task-%d", time.Now().UnixNano())),
		Cron:            cron,
		TaskName:        stringOr(args["task_name"], ""),
		Mode:            entity.TaskMode(stringOr(args["mode"], string(entity.TaskModeSelfCall))),
		Tool:            stringOr(args["tool"], ""),
		SelfInstruction: stringOr(args["self_instruction"], ""),
		MaxExecutions:   intOr(args["max_executions"], 0),
	}
	if argsMap, ok := args["args"].(map[string]any); ok {
		task.Args = argsMap
	}
	if steps, ok := args["tools"].([]any); ok {
		for _, raw := range steps {
			if m, ok := raw.(map[string]any); ok {
				step := entity.ToolStep{Tool: stringOr(m["tool"], "")}
				if sa, ok := m["args"].(map[string]any); ok {
					step.Args = sa
				}
				task.Tools = append(task.Tools, step)
			}
		}
		task.ExecutionMode = entity.ExecutionMode(stringOr(args["execution_mode"], string(entity.ExecutionSerial)))
	}

	// 默认把结果发回当前会话
	if ctx.GroupID != 0 {
		task.TargetID, task.TargetType = ctx.GroupID, "group"
	} else if ctx.UserID != 0 {
		task.TargetID, task.TargetType = ctx.UserID, "private"
	}
	if tid := intOr(args["target_id"], 0); tid != 0 {
		task.TargetID = int64(tid)
		task.TargetType = stringOr(args["target_type"], task.TargetType)
	}

	if err := sched.AddTask(task); err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeToolExecution, "任务创建失败", 500)
	}
	return fmt.Sprintf("任务 %s 已创建（cron=%s）", task.TaskID, task.Cron), nil
}

func handleListTasks(ctx *reqctx.Context, _ map[string]any) (string, error) {
	sched, ok := ctx.Get(reqctx.ResScheduler, nil).(TaskScheduler)
	if !ok || sched == nil {
		return "", apperrors.New(apperrors.CodeToolExecution, "调度器不可用", 500)
	}
	tasks := sched.ListTasks()
	if len(tasks) == 0 {
		return "当前没有定时任务", nil
	}
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "- %s cron=%s mode=%s 已执行=%d", t.TaskID, t.Cron, t.Mode, t.CurrentExecutions)
		if t.MaxExecutions > 0 {
			fmt.Fprintf(&b, "/%d", t.MaxExecutions)
		}
		if t.TaskName != "" {
			fmt.Fprintf(&b, " (%s)", t.TaskName)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func handleRemoveTask(ctx *reqctx.Context, args map[string]any) (string, error) {
	sched, ok := ctx.Get(reqctx.ResScheduler, nil).(TaskScheduler)
	if !ok || sched == nil {
		return "", apperrors.New(apperrors.CodeToolExecution, "调度器不可用", 500)
	}
	taskID, _ := args["task_id"].(string)
	if taskID == "" {
		return "", apperrors.New(apperrors.CodeToolExecution, "task_id 不能为空", 400)
	}
	if err := sched.RemoveTask(taskID); err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeToolExecution, "任务删除失败", 500)
	}
	return fmt.Sprintf("任务 %s 已删除", taskID), nil
}

func handlePoke(ctx *reqctx.Context, args map[string]any) (string, error) {
	client, ok := ctx.Get(reqctx.ResOneBotClient, nil).(PokeSender)
	if !ok || client == nil {
		return "", apperrors.New(apperrors.CodeToolExecution, "传输客户端不可用", 500)
	}
	userID := int64(intOr(args["user_id"], int(ctx.SenderID)))
	var err error
	if ctx.GroupID != 0 {
		err = client.SendGroupPoke(ctx, ctx.GroupID, userID)
	} else {
		err = client.SendPrivatePoke(ctx, userID)
	}
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeToolExecution, "戳一戳失败", 502)
	}
	return "已戳", nil
}

func handleSendLike(ctx *reqctx.Context, args map[string]any) (string, error) {
	client, ok := ctx.Get(reqctx.ResOneBotClient, nil).(PokeSender)
	if !ok || client == nil {
		return "", apperrors.New(apperrors.CodeToolExecution, "传输客户端不可用", 500)
	}
	userID := int64(intOr(args["user_id"], int(ctx.SenderID)))
	times := intOr(args["times"], 1)
	if times < 1 {
		times = 1
	}
	if times > 10 {
		times = 10
	}
	if err := client.SendLike(ctx, userID, times); err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeToolExecution, "点赞失败", 502)
	}
	return fmt.Sprintf("已点赞 %d 次", times), nil
}

func handleRecallMemory(ctx *reqctx.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return "", apperrors.New(apperrors.CodeToolExecution, "query 不能为空", 400)
	}
	fn, ok := ctx.Get(reqctx.ResMemoryQuery, nil).(MemoryQuery)
	if !ok || fn == nil {
		return "", apperrors.New(apperrors.CodeToolExecution, "记忆检索不可用", 500)
	}
	topK := intOr(args["top_k"], 5)
	result, err := fn(ctx, query, topK)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeToolExecution, "记忆检索失败", 500)
	}
	if result == "" {
		return "没有找到相关记忆", nil
	}
	return result, nil
}

// --- 参数取值小工具 ---

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func int64Of(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		var out int64
		_, _ = fmt.Sscanf(n, "%d", &out)
		return out
	default:
		return 0
	}
}

func intOr(v any, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return def
	}
}

func stringSlice(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func parseProfileTargets(v any) []entity.ProfileTarget {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]entity.ProfileTarget, 0, len(list))
	for _, raw := range list {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		t := entity.ProfileTarget{
			EntityType:    stringOr(m["entity_type"], ""),
			EntityID:      int64Of(m["entity_id"]),
			Perspective:   stringOr(m["perspective"], ""),
			PreferredName: stringOr(m["preferred_name"], ""),
		}
		if t.EntityType != "" && t.EntityID != 0 {
			out = append(out, t)
		}
	}
	return out
}

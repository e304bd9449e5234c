package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/cogqueue"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/llm"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/profile"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/vectorstore"
	apperrors "github.com/69gg/Undefined-sub000/pkg/errors"
)

const (
	historianIdleSleepMin = 500 * time.Millisecond
	historianIdleSleepMax = 30 * time.Second
)

const rewritePromptTemplate = `你是记忆整理员。把下面的观察改写成一条"绝对化"的事实记录：
- 不用代词（我/你/他/她/它/他们等），直接写出人名或数字 ID
- 不用相对时间（今天/刚才/上周等），写出绝对时间，基准时间是 %s
- 不用相对地点（这里/那边等），写出具体位置或会话名
- 来源中出现的数字 ID 必须原样保留
完成后调用 submit_rewrite(text) 提交，不要输出其他内容。

身份上下文：sender_id=%d user_id=%d group_id=%d`

const profilePromptTemplate = `你是画像维护员。根据新观察更新实体 %s 的画像。
当前画像：
%s

调用 update_profile(skip, name, tags, summary) 提交：
- 没有值得更新的内容时 skip=true
- summary 是合并后的完整画像正文（markdown），不是增量
- tags 最多 10 个
视角：%s`

// HistorianWorker 认知记忆后台流水线。逐条消费认知任务：
// 绝对化改写（带重试门）→ 事件入向量库 → 多目标画像合并。
type HistorianWorker struct {
	queue     *cogqueue.Queue
	requester llm.Requester
	cfg       ConfigFunc
	vectors   *vectorstore.Store
	profiles  *profile.Store
	logger    *zap.Logger
}

// NewHistorianWorker 创建历史官 worker
func NewHistorianWorker(queue *cogqueue.Queue, requester llm.Requester, cfg ConfigFunc, vectors *vectorstore.Store, profiles *profile.Store, logger *zap.Logger) *HistorianWorker {
	return &HistorianWorker{
		queue:     queue,
		requester: requester,
		cfg:       cfg,
		vectors:   vectors,
		profiles:  profiles,
		logger:    logger,
	}
}

// Run 轮询消费队列直到 ctx 取消。空队列时指数退避。
func (w *HistorianWorker) Run(ctx context.Context) {
	sleep := historianIdleSleepMin
	for {
		if ctx.Err() != nil {
			return
		}
		jobID, job, err := w.queue.Dequeue()
		if err != nil {
			w.logger.Error("认知队列出队失败", zap.Error(err))
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
			if sleep *= 2; sleep > historianIdleSleepMax {
				sleep = historianIdleSleepMax
			}
			continue
		}
		sleep = historianIdleSleepMin

		if perr := w.Process(ctx, job); perr != nil {
			w.logger.Warn("认知任务处理失败，重新入队",
				zap.String("job_id", jobID),
				zap.Int("retry_count", job.RetryCount),
				zap.Error(perr))
			if _, rerr := w.queue.Requeue(jobID, perr.Error()); rerr != nil {
				w.logger.Error("认知任务重入队失败", zap.String("job_id", jobID), zap.Error(rerr))
			}
			continue
		}
		if cerr := w.queue.Complete(jobID); cerr != nil {
			w.logger.Error("认知任务完成标记失败", zap.String("job_id", jobID), zap.Error(cerr))
		}
	}
}

// Process 执行单个任务的完整流水线
func (w *HistorianWorker) Process(ctx context.Context, job *entity.CognitiveJob) error {
	observations := job.Observations
	if len(observations) == 0 {
		if job.Memo == "" {
			return nil
		}
		// 只有 memo 时按单条虚拟观察处理
		observations = []string{job.Memo}
	}

	source := job.Memo + "\n" + strings.Join(job.Observations, "\n")
	identity := append([]int64{job.SenderID, job.UserID, job.GroupID}, job.MessageIDs...)

	lastEventID := job.JobID
	for i, obs := range observations {
		eventID := job.JobID
		if len(observations) > 1 {
			eventID = fmt.Sprintf("%s_%d", job.JobID, i)
		}
		lastEventID = eventID

		canonical, isAbsolute, err := w.rewriteWithGate(ctx, job, obs, source, identity)
		if err != nil {
			return err
		}
		ev := entity.Event{
			EventID: eventID,
			Text:    canonical,
			Metadata: entity.EventMetadata{
				UserID:          job.UserID,
				GroupID:         job.GroupID,
				SenderID:        job.SenderID,
				TimestampEpoch:  job.TimestampEpoch,
				TimestampText:   job.Time().Format("2006-01-02 15:04:05"),
				MessageIDs:      job.MessageIDs,
				Perspective:     job.Perspective,
				SchemaVersion:   1,
				HasObservations: job.HasObservations(),
				IsAbsolute:      isAbsolute,
			},
		}
		if err := w.vectors.UpsertEvent(ctx, ev); err != nil {
			return err
		}
	}

	if !job.HasObservations() {
		return nil
	}
	for _, target := range job.ProfileTargets {
		if err := w.mergeProfile(ctx, job, lastEventID, target); err != nil {
			return err
		}
	}
	return nil
}

var submitRewriteSchema = []entity.ToolSchema{{
	Type: "function",
	Function: entity.FunctionSchema{
		Name:        "submit_rewrite",
		Description: "提交绝对化改写结果",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string", "description": "改写后的事实记录"},
			},
			"required": []string{"text"},
		},
	},
}}

var updateProfileSchema = []entity.ToolSchema{{
	Type: "function",
	Function: entity.FunctionSchema{
		Name:        "update_profile",
		Description: "提交合并后的画像",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"skip":    map[string]any{"type": "boolean"},
				"name":    map[string]any{"type": "string"},
				"tags":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"summary": map[string]any{"type": "string"},
			},
			"required": []string{"skip"},
		},
	},
}}

func forcedTool(name string) map[string]any {
	return map[string]any{"type": "function", "function": map[string]any{"name": name}}
}

// rewriteWithGate 改写一条观察并过绝对化门。
// 返回 (最终文本, 是否绝对)。工具形状不对返回 JOB_VALIDATION 错误。
func (w *HistorianWorker) rewriteWithGate(ctx context.Context, job *entity.CognitiveJob, obs, source string, identity []int64) (string, bool, error) {
	cfg := w.cfg()
	maxRetry := cfg.Cognitive.RewriteMaxRetry

	system := fmt.Sprintf(rewritePromptTemplate,
		job.Time().Format("2006-01-02 15:04:05 MST"),
		job.SenderID, job.UserID, job.GroupID)
	messages := []entity.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: obs},
	}

	for attempt := 0; ; attempt++ {
		resp, err := w.requester.Chat(ctx, cfg.LLM.Agent, "historian_rewrite",
			messages, submitRewriteSchema, forcedTool("submit_rewrite"))
		if err != nil {
			return "", false, err
		}
		candidate, call, err := extractToolCallText(resp, "submit_rewrite", "text")
		if err != nil {
			return "", false, err
		}

		hits := RegexHits(candidate)
		drift := EntityIDDrift(source, candidate, identity)
		if len(hits) == 0 && len(drift) == 0 {
			return candidate, true, nil
		}
		if job.Force && len(drift) == 0 {
			// force 任务容忍相对表达，但 ID 流失仍不放行
			return candidate, false, nil
		}
		if attempt >= maxRetry {
			w.logger.Warn("绝对化门重试耗尽，按非绝对入库",
				zap.String("job_id", job.JobID),
				zap.Any("hits", hits),
				zap.Strings("id_drift", drift))
			return candidate, false, nil
		}

		messages = append(messages,
			entity.Message{Role: "assistant", ToolCalls: []entity.ToolCall{call}},
			entity.Message{
				Role:       "tool",
				Content:    formatGateFeedback(hits, drift),
				ToolCallID: call.ID,
				Name:       call.Function.Name,
			},
		)
	}
}

// mergeProfile 为一个 profile_target 执行画像合并
func (w *HistorianWorker) mergeProfile(ctx context.Context, job *entity.CognitiveJob, eventID string, target entity.ProfileTarget) error {
	cfg := w.cfg()
	body := w.profiles.ReadBody(target.EntityType, target.EntityID)
	existing, exists, _ := w.profiles.Read(target.EntityType, target.EntityID)

	entityLabel := fmt.Sprintf("%s:%d", target.EntityType, target.EntityID)
	perspective := target.Perspective
	if perspective == "" {
		perspective = job.Perspective
	}
	system := fmt.Sprintf(profilePromptTemplate, entityLabel, body, perspective)
	user := "新观察：\n" + strings.Join(job.Observations, "\n")

	resp, err := w.requester.Chat(ctx, cfg.LLM.Agent, "historian_profile",
		[]entity.Message{{Role: "system", Content: system}, {Role: "user", Content: user}},
		updateProfileSchema, forcedTool("update_profile"))
	if err != nil {
		return err
	}
	args, err := extractToolCallArgs(resp, "update_profile")
	if err != nil {
		return err
	}

	if skip, _ := args["skip"].(bool); skip {
		return nil
	}
	summary, _ := args["summary"].(string)
	if strings.TrimSpace(summary) == "" {
		return nil
	}

	// 模型返回的 name 只观察不采用：preferred_name > 既有 frontmatter > 占位符
	name := target.PreferredName
	if name == "" && exists && existing.Frontmatter.Name != "" {
		name = existing.Frontmatter.Name
	}
	if name == "" {
		if target.EntityType == "group" {
			name = fmt.Sprintf("GID:%d", target.EntityID)
		} else {
			name = fmt.Sprintf("UID:%d", target.EntityID)
		}
	}

	tags := toStringSlice(args["tags"])
	if len(tags) > 10 {
		tags = tags[:10]
	}

	p := &entity.Profile{
		Frontmatter: entity.ProfileFrontmatter{
			EntityType:    target.EntityType,
			EntityID:      target.EntityID,
			Name:          name,
			Tags:          tags,
			UpdatedAt:     time.Now(),
			SourceEventID: eventID,
		},
		Body: summary,
	}
	if err := w.profiles.Write(p); err != nil {
		return err
	}
	return w.vectors.UpsertProfile(ctx, target.EntityType, target.EntityID,
		strings.Join(tags, "、")+"\n"+summary)
}

// extractToolCallText 从响应中取出指定工具调用的某个字符串参数
func extractToolCallText(resp *entity.LLMResponse, toolName, field string) (string, entity.ToolCall, error) {
	args, call, err := findToolCall(resp, toolName)
	if err != nil {
		return "", entity.ToolCall{}, err
	}
	text, _ := args[field].(string)
	if strings.TrimSpace(text) == "" {
		return "", entity.ToolCall{}, apperrors.New(apperrors.CodeJobValidation,
			fmt.Sprintf("工具 %s 的 %s 参数为空", toolName, field), 422)
	}
	return text, call, nil
}

// extractToolCallArgs 从响应中取出指定工具调用的参数对象
func extractToolCallArgs(resp *entity.LLMResponse, toolName string) (map[string]any, error) {
	args, _, err := findToolCall(resp, toolName)
	return args, err
}

func findToolCall(resp *entity.LLMResponse, toolName string) (map[string]any, entity.ToolCall, error) {
	for _, call := range resp.ToolCalls {
		if resp.ToolNameMap.Internal(call.Function.Name) != toolName {
			continue
		}
		args, err := ParseToolArguments(call.Function.Arguments)
		if err != nil {
			return nil, entity.ToolCall{}, apperrors.Wrap(err, apperrors.CodeJobValidation,
				fmt.Sprintf("工具 %s 参数解析失败", toolName), 422)
		}
		return args, call, nil
	}
	return nil, entity.ToolCall{}, apperrors.New(apperrors.CodeJobValidation,
		fmt.Sprintf("响应缺少必需的工具调用 %s", toolName), 422)
}

func toStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

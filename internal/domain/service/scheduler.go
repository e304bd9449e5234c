package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/storage"
	apperrors "github.com/69gg/Undefined-sub000/pkg/errors"
	"github.com/69gg/Undefined-sub000/pkg/safego"
)

// ToolStepRunner 执行任务里的一步工具调用
type ToolStepRunner func(ctx context.Context, task entity.ScheduledTask, step entity.ToolStep) (string, error)

// SelfCallRunner 以任务的 self_instruction 作为用户消息驱动一次完整回复
type SelfCallRunner func(ctx context.Context, task entity.ScheduledTask) error

// TargetNotifier 把任务结果或失败通知发到任务目标
type TargetNotifier func(ctx context.Context, targetType string, targetID int64, text string) error

// Scheduler cron 定时任务调度。single/multi 模式执行工具批次，
// self_call 模式把任务喂给回复循环。同一 task_id 的触发不重叠。
type Scheduler struct {
	store    *storage.TaskStore
	runStep  ToolStepRunner
	selfCall SelfCallRunner
	notify   TargetNotifier
	logger   *zap.Logger

	gron *gronx.Gronx

	mu      sync.Mutex
	tasks   map[string]*entity.ScheduledTask
	running map[string]bool
}

// NewScheduler 创建调度器
func NewScheduler(store *storage.TaskStore, runStep ToolStepRunner, selfCall SelfCallRunner, notify TargetNotifier, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		runStep:  runStep,
		selfCall: selfCall,
		notify:   notify,
		logger:   logger,
		gron:     gronx.New(),
		tasks:    make(map[string]*entity.ScheduledTask),
		running:  make(map[string]bool),
	}
}

// Load 启动时从存储恢复全部任务
func (s *Scheduler) Load(ctx context.Context) error {
	tasks, err := s.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range tasks {
		t := tasks[i]
		s.tasks[t.TaskID] = &t
	}
	s.logger.Info("定时任务已恢复", zap.Int("count", len(tasks)))
	return nil
}

// AddTask 新建或覆盖任务（task_id 幂等）。cron 表达式先校验。
func (s *Scheduler) AddTask(task entity.ScheduledTask) error {
	if task.TaskID == "" {
		task.TaskID = "task-" + uuid.NewString()[:8]
	}
	if !s.gron.IsValid(task.Cron) {
		return apperrors.New(apperrors.CodeInvalidInput, "无效的 cron 表达式: "+task.Cron, 400)
	}
	if err := s.store.Save(context.Background(), task); err != nil {
		return err
	}
	s.mu.Lock()
	s.tasks[task.TaskID] = &task
	s.mu.Unlock()
	s.logger.Info("定时任务已保存",
		zap.String("task_id", task.TaskID),
		zap.String("cron", task.Cron),
		zap.String("mode", string(task.Mode)))
	return nil
}

// UpdateTask 等同 AddTask
func (s *Scheduler) UpdateTask(task entity.ScheduledTask) error {
	return s.AddTask(task)
}

// RemoveTask 删除任务（不存在视为成功）
func (s *Scheduler) RemoveTask(taskID string) error {
	if err := s.store.Delete(context.Background(), taskID); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.tasks, taskID)
	s.mu.Unlock()
	return nil
}

// ListTasks 按 task_id 排序列出全部任务
func (s *Scheduler) ListTasks() []entity.ScheduledTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.ScheduledTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Run 每分钟对齐检查一次到期任务，直到 ctx 取消
func (s *Scheduler) Run(ctx context.Context) {
	for {
		now := time.Now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}
		s.tick(ctx, next)
	}
}

// tick 触发此刻到期的任务。同一 task_id 上一次仍在运行时本次丢弃。
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]entity.ScheduledTask, 0)
	for _, t := range s.tasks {
		ok, err := s.gron.IsDue(t.Cron, now)
		if err != nil || !ok {
			continue
		}
		if s.running[t.TaskID] {
			s.logger.Warn("上一次触发仍在运行，跳过本次",
				zap.String("task_id", t.TaskID))
			continue
		}
		s.running[t.TaskID] = true
		due = append(due, *t)
	}
	s.mu.Unlock()

	for _, task := range due {
		task := task
		safego.Go(s.logger, "scheduler-fire-"+task.TaskID, func() {
			defer func() {
				s.mu.Lock()
				delete(s.running, task.TaskID)
				s.mu.Unlock()
			}()
			s.fire(ctx, task)
		})
	}
}

func (s *Scheduler) fire(ctx context.Context, task entity.ScheduledTask) {
	s.logger.Info("定时任务触发",
		zap.String("task_id", task.TaskID),
		zap.String("mode", string(task.Mode)))

	var result string
	var err error
	switch task.Mode {
	case entity.TaskModeSelfCall:
		err = s.selfCall(ctx, task)
	case entity.TaskModeMulti:
		result, err = s.fireMulti(ctx, task)
	default:
		result, err = s.runStep(ctx, task, entity.ToolStep{Tool: task.Tool, Args: task.Args})
	}

	if err != nil {
		s.logger.Error("定时任务执行失败",
			zap.String("task_id", task.TaskID), zap.Error(err))
		s.notifyTarget(ctx, task, fmt.Sprintf("定时任务 %s 执行失败: %v", s.displayName(task), err))
		// 失败也计数，但不因失败触发移除，任务保留待下次触发
		s.bumpExecutions(task.TaskID, false)
		return
	}

	// self_call 由循环自己发消息，工具模式把结果发给目标
	if task.Mode != entity.TaskModeSelfCall && result != "" {
		s.notifyTarget(ctx, task, result)
	}
	s.bumpExecutions(task.TaskID, true)
}

// fireMulti 执行工具批次，结果按步骤顺序拼接
func (s *Scheduler) fireMulti(ctx context.Context, task entity.ScheduledTask) (string, error) {
	results := make([]string, len(task.Tools))

	if task.ExecutionMode == entity.ExecutionParallel {
		var wg sync.WaitGroup
		errs := make([]error, len(task.Tools))
		for i, step := range task.Tools {
			wg.Add(1)
			i, step := i, step
			go func() {
				defer wg.Done()
				results[i], errs[i] = s.runStep(ctx, task, step)
			}()
		}
		wg.Wait()
		for i, err := range errs {
			if err != nil {
				results[i] = "error: " + err.Error()
			}
		}
	} else {
		for i, step := range task.Tools {
			out, err := s.runStep(ctx, task, step)
			if err != nil {
				out = "error: " + err.Error()
			}
			results[i] = out
		}
	}

	var b strings.Builder
	for i, step := range task.Tools {
		fmt.Fprintf(&b, "[%s] %s\n", step.Tool, results[i])
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (s *Scheduler) notifyTarget(ctx context.Context, task entity.ScheduledTask, text string) {
	if task.TargetID == 0 || s.notify == nil {
		return
	}
	if err := s.notify(ctx, task.TargetType, task.TargetID, text); err != nil {
		s.logger.Warn("任务结果通知失败",
			zap.String("task_id", task.TaskID), zap.Error(err))
	}
}

// bumpExecutions 自增执行计数。allowRemove 为真且达到 max_executions
// 时移除任务；失败路径只计数不移除。
func (s *Scheduler) bumpExecutions(taskID string, allowRemove bool) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	t.CurrentExecutions++
	snapshot := *t
	exhausted := allowRemove && t.MaxExecutions > 0 && t.CurrentExecutions >= t.MaxExecutions
	s.mu.Unlock()

	if exhausted {
		s.logger.Info("任务达到执行上限，移除",
			zap.String("task_id", taskID),
			zap.Int("executions", snapshot.CurrentExecutions))
		if err := s.RemoveTask(taskID); err != nil {
			s.logger.Warn("任务移除失败", zap.String("task_id", taskID), zap.Error(err))
		}
		return
	}
	if err := s.store.Save(context.Background(), snapshot); err != nil {
		s.logger.Warn("任务计数持久化失败", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (s *Scheduler) displayName(task entity.ScheduledTask) string {
	if task.TaskName != "" {
		return task.TaskName
	}
	return task.TaskID
}

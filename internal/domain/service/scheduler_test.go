package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/storage"
)

type schedulerHarness struct {
	sched *Scheduler

	mu        sync.Mutex
	steps     []entity.ToolStep
	selfCalls []string
	notices   []string
	stepErr   error
}

func newSchedulerHarness(t *testing.T) *schedulerHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.AutoMigrate(&storage.TaskModel{}); err != nil {
		t.Fatal(err)
	}

	h := &schedulerHarness{}
	h.sched = NewScheduler(
		storage.NewTaskStore(db),
		func(_ context.Context, _ entity.ScheduledTask, step entity.ToolStep) (string, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.steps = append(h.steps, step)
			if h.stepErr != nil {
				return "", h.stepErr
			}
			return "result of " + step.Tool, nil
		},
		func(_ context.Context, task entity.ScheduledTask) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.selfCalls = append(h.selfCalls, task.SelfInstruction)
			return nil
		},
		func(_ context.Context, _ string, _ int64, text string) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.notices = append(h.notices, text)
			return nil
		},
		zap.NewNop(),
	)
	return h
}

func TestAddTaskValidatesCron(t *testing.T) {
	h := newSchedulerHarness(t)
	err := h.sched.AddTask(entity.ScheduledTask{TaskID: "bad", Cron: "not a cron"})
	if err == nil {
		t.Fatal("invalid cron accepted")
	}
}

func TestAddTaskIdempotentByID(t *testing.T) {
	h := newSchedulerHarness(t)
	task := entity.ScheduledTask{TaskID: "t1", Cron: "* * * * *", Mode: entity.TaskModeSingle, Tool: "get_time"}
	if err := h.sched.AddTask(task); err != nil {
		t.Fatal(err)
	}
	task.Tool = "poke"
	if err := h.sched.AddTask(task); err != nil {
		t.Fatal(err)
	}
	tasks := h.sched.ListTasks()
	if len(tasks) != 1 || tasks[0].Tool != "poke" {
		t.Errorf("tasks = %+v", tasks)
	}

	if err := h.sched.RemoveTask("t1"); err != nil {
		t.Fatal(err)
	}
	if err := h.sched.RemoveTask("t1"); err != nil {
		t.Errorf("double remove: %v", err)
	}
}

func TestLoadRestoresTasks(t *testing.T) {
	h := newSchedulerHarness(t)
	h.sched.AddTask(entity.ScheduledTask{TaskID: "t1", Cron: "0 9 * * *", Mode: entity.TaskModeSelfCall, SelfInstruction: "早安"})

	// 新的调度器实例从同一存储恢复
	fresh := NewScheduler(h.sched.store, h.sched.runStep, h.sched.selfCall, h.sched.notify, zap.NewNop())
	if err := fresh.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	tasks := fresh.ListTasks()
	if len(tasks) != 1 || tasks[0].SelfInstruction != "早安" {
		t.Errorf("restored = %+v", tasks)
	}
}

func TestFireSingleSendsResultAndCounts(t *testing.T) {
	h := newSchedulerHarness(t)
	task := entity.ScheduledTask{
		TaskID: "t1", Cron: "* * * * *", Mode: entity.TaskModeSingle,
		Tool: "get_time", TargetType: "group", TargetID: 10001,
	}
	h.sched.AddTask(task)

	h.sched.fire(context.Background(), task)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.steps) != 1 || h.steps[0].Tool != "get_time" {
		t.Errorf("steps = %+v", h.steps)
	}
	if len(h.notices) != 1 || h.notices[0] != "result of get_time" {
		t.Errorf("notices = %+v", h.notices)
	}
	if got := h.sched.ListTasks()[0].CurrentExecutions; got != 1 {
		t.Errorf("executions = %d", got)
	}
}

func TestMaxExecutionsRemovesTask(t *testing.T) {
	h := newSchedulerHarness(t)
	task := entity.ScheduledTask{
		TaskID: "t1", Cron: "* * * * *", Mode: entity.TaskModeSingle,
		Tool: "get_time", MaxExecutions: 2,
	}
	h.sched.AddTask(task)

	h.sched.fire(context.Background(), task)
	if len(h.sched.ListTasks()) != 1 {
		t.Fatal("task removed too early")
	}
	h.sched.fire(context.Background(), task)
	if len(h.sched.ListTasks()) != 0 {
		t.Error("task should be removed at max executions")
	}
}

func TestFireFailureNotifiesAndKeepsTask(t *testing.T) {
	h := newSchedulerHarness(t)
	h.stepErr = fmt.Errorf("网络超时")
	task := entity.ScheduledTask{
		TaskID: "t1", Cron: "* * * * *", Mode: entity.TaskModeSingle,
		Tool: "get_time", TargetType: "private", TargetID: 2002, TaskName: "报时",
	}
	h.sched.AddTask(task)

	h.sched.fire(context.Background(), task)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.notices) != 1 {
		t.Fatalf("notices = %+v", h.notices)
	}
	if want := "定时任务 报时 执行失败"; len(h.notices[0]) == 0 || h.notices[0][:len(want)] != want {
		t.Errorf("notice = %q", h.notices[0])
	}
	if len(h.sched.ListTasks()) != 1 {
		t.Error("failed task must not be removed")
	}
}

func TestFailedFireCountsButNeverRemoves(t *testing.T) {
	h := newSchedulerHarness(t)
	h.stepErr = fmt.Errorf("网络超时")
	task := entity.ScheduledTask{
		TaskID: "t1", Cron: "* * * * *", Mode: entity.TaskModeSingle,
		Tool: "get_time", MaxExecutions: 1,
	}
	h.sched.AddTask(task)

	// 失败计数达到上限也不移除
	h.sched.fire(context.Background(), task)
	h.sched.fire(context.Background(), task)
	tasks := h.sched.ListTasks()
	if len(tasks) != 1 {
		t.Fatal("failed fires must not remove the task")
	}
	if tasks[0].CurrentExecutions != 2 {
		t.Errorf("executions = %d", tasks[0].CurrentExecutions)
	}

	// 成功后才允许按上限移除
	h.mu.Lock()
	h.stepErr = nil
	h.mu.Unlock()
	h.sched.fire(context.Background(), task)
	if len(h.sched.ListTasks()) != 0 {
		t.Error("task past max executions should be removed on success")
	}
}

func TestFireMultiSerialJoinsResults(t *testing.T) {
	h := newSchedulerHarness(t)
	task := entity.ScheduledTask{
		TaskID: "t1", Cron: "* * * * *", Mode: entity.TaskModeMulti,
		ExecutionMode: entity.ExecutionSerial,
		Tools: []entity.ToolStep{
			{Tool: "get_time"},
			{Tool: "list_tasks"},
		},
		TargetType: "group", TargetID: 10001,
	}
	h.sched.AddTask(task)

	h.sched.fire(context.Background(), task)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.steps) != 2 || h.steps[0].Tool != "get_time" || h.steps[1].Tool != "list_tasks" {
		t.Errorf("steps = %+v", h.steps)
	}
	want := "[get_time] result of get_time\n[list_tasks] result of list_tasks"
	if len(h.notices) != 1 || h.notices[0] != want {
		t.Errorf("notice = %q", h.notices)
	}
}

func TestSelfCallFeedsInstruction(t *testing.T) {
	h := newSchedulerHarness(t)
	task := entity.ScheduledTask{
		TaskID: "t1", Cron: "* * * * *", Mode: entity.TaskModeSelfCall,
		SelfInstruction: "列出待办前三项", TargetType: "group", TargetID: 10001,
	}
	h.sched.AddTask(task)

	h.sched.fire(context.Background(), task)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.selfCalls) != 1 || h.selfCalls[0] != "列出待办前三项" {
		t.Errorf("selfCalls = %+v", h.selfCalls)
	}
	// self_call 由循环自己发消息，调度器不再通知结果
	if len(h.notices) != 0 {
		t.Errorf("notices = %+v", h.notices)
	}
	if got := h.sched.ListTasks()[0].CurrentExecutions; got != 1 {
		t.Errorf("executions = %d", got)
	}
}

func TestTickSkipsOverlappingFire(t *testing.T) {
	h := newSchedulerHarness(t)
	block := make(chan struct{})
	h.sched.runStep = func(_ context.Context, _ entity.ScheduledTask, step entity.ToolStep) (string, error) {
		<-block
		return "", nil
	}
	h.sched.AddTask(entity.ScheduledTask{TaskID: "t1", Cron: "* * * * *", Mode: entity.TaskModeSingle, Tool: "x"})

	now := time.Now().Truncate(time.Minute)
	h.sched.tick(context.Background(), now)
	h.sched.tick(context.Background(), now.Add(time.Minute)) // 上一次仍在运行，应跳过
	close(block)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.sched.mu.Lock()
		n := len(h.sched.running)
		h.sched.mu.Unlock()
		if n == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.sched.ListTasks()[0].CurrentExecutions; got != 1 {
		t.Errorf("executions = %d, overlapping fire not skipped", got)
	}
}

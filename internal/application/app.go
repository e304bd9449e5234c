package application

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/entity"
	"github.com/69gg/Undefined-sub000/internal/domain/reqctx"
	"github.com/69gg/Undefined-sub000/internal/domain/service"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/cogqueue"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/config"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/eventbus"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/hotreload"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/llm"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/logger"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/profile"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/prompt"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/skill"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/storage"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/vectorstore"
	"github.com/69gg/Undefined-sub000/internal/interfaces/onebot"
	"github.com/69gg/Undefined-sub000/internal/interfaces/ops"
	"github.com/69gg/Undefined-sub000/pkg/safego"
)

// 没有 persona.md 时的兜底人格
const defaultPersona = "你是群聊机器人 Undefined，说话简洁自然，像一个普通群友。" +
	"需要发消息时调用 send_message，这一轮不想说话或说完了就调用 end。"

const configScanInterval = 5 * time.Second

// App 进程级装配：加载配置、建基础设施、把各服务接起来。
// 所有循环依赖（调度器↔协调器、处理器↔队列）都用晚绑定闭包断开。
type App struct {
	cfgMgr    *config.Manager
	logger    *zap.Logger
	client    *onebot.Client
	handler   *MessageHandler
	queue     *service.QueueManager
	scheduler *service.Scheduler
	historian *service.HistorianWorker
	cogQueue  *cogqueue.Queue
	bus       eventbus.Bus
	ops       *ops.Server

	cfgScanner    *hotreload.Scanner
	skillsScanner *hotreload.Scanner
}

// New 按配置文件装配整个进程
func New(configPath string) (*App, error) {
	boot, err := logger.New(logger.Config{Level: "info", Format: "console", Output: "stdout"})
	if err != nil {
		return nil, err
	}
	cfgMgr, err := config.NewManager(configPath, boot)
	if err != nil {
		return nil, err
	}
	cfg := cfgMgr.Snapshot()

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, err
	}
	cfgFunc := service.ConfigFunc(cfgMgr.Snapshot)

	// 存储层
	db, err := storage.NewDB(cfg.Storage)
	if err != nil {
		return nil, err
	}
	history := storage.NewHistoryStore(db)
	summaries := storage.NewSummaryStore(db, cfg.Cognitive.EndSummaryMax)
	taskStore := storage.NewTaskStore(db)
	usage := storage.NewTokenUsageStore(db)
	store := storage.NewManager(history, summaries)

	requester := llm.NewHTTPRequester(usage, log)

	// 认知侧：作业队列、向量库、画像
	cogQueue, err := cogqueue.New(filepath.Join(cfg.Cognitive.Root, "queue"), cfg.Cognitive.JobMaxRetries, log)
	if err != nil {
		return nil, err
	}
	if n, err := cogQueue.RecoverStale(cfg.Cognitive.StaleTimeout); err != nil {
		log.Warn("启动回收 processing 作业失败", zap.Error(err))
	} else if n > 0 {
		log.Info("回收了中断的认知作业", zap.Int("count", n))
	}
	if n, err := cogQueue.PruneFailed(cfg.Cognitive.FailedMaxAge, cfg.Cognitive.FailedMaxCount); err != nil {
		log.Warn("清理 failed 作业失败", zap.Error(err))
	} else if n > 0 {
		log.Info("清理了过期的失败作业", zap.Int("count", n))
	}

	embedder := llm.NewEmbeddingClient(func() config.ModelConfig {
		return cfgFunc().LLM.Embedding
	}, log)
	vectors, err := vectorstore.New(filepath.Join(cfg.Cognitive.Root, "chroma"), embedder, log)
	if err != nil {
		return nil, err
	}
	profiles := profile.NewStore(filepath.Join(cfg.Cognitive.Root, "profiles"), cfg.Cognitive.ProfileHistoryCap, log)

	// 技能与循环
	handlers := skill.NewHandlerTable()
	skill.RegisterBuiltins(handlers, log)
	skills := skill.NewSet(cfg.Skills.Root, handlers, log)
	skills.ReloadAll()

	tools := service.NewToolManager(skills, cfgFunc, log)
	loop := service.NewLLMLoop(requester, tools, cfgFunc, log)
	selector := service.NewModelSelector(cfgFunc, requester, log)
	security := service.NewSecurityService(requester, cfgFunc, log)

	// OneBot 客户端和处理器互相引用，回调晚绑定
	app := &App{cfgMgr: cfgMgr, logger: log, cogQueue: cogQueue}
	client := onebot.NewClient(cfg.OneBot, func(ev *onebot.Event) {
		app.handler.HandleEvent(ev)
	}, log)
	app.client = client

	selfName := "bot"
	if len(cfg.Bot.Names) > 0 && cfg.Bot.Names[0] != "" {
		selfName = cfg.Bot.Names[0]
	}
	sender := service.NewSender(client, history, cfg.Bot.SelfID, selfName, log)

	memoryQuery := skill.MemoryQuery(func(ctx context.Context, query string, topK int) (string, error) {
		hits, err := vectors.QueryEvents(ctx, query, topK, nil)
		if err != nil {
			return "", err
		}
		return vectorstore.FormatHits(hits), nil
	})

	prompts := prompt.NewBuilder(prompt.Options{
		Persona:  loadPersona(configPath, log),
		RecapMax: cfg.Cognitive.EndSummaryMax,
		History: func(ctx context.Context, sessionKey string, limit int) (string, error) {
			kind, id, ok := splitSessionKey(sessionKey)
			if !ok {
				return "", nil
			}
			records, err := history.Recent(ctx, kind, id, limit)
			if err != nil {
				return "", err
			}
			return storage.RenderBlock(records), nil
		},
		Cognitive: func(ctx context.Context, sessionKey, query string) (string, error) {
			return app.cognitiveBlock(ctx, vectors, profiles, sessionKey, query)
		},
		Recap: func(ctx context.Context, sessionKey string, n int) ([]string, error) {
			return summaries.Recent(ctx, sessionKey, n)
		},
	}, log)

	// 调度器和协调器互相引用，runStep / selfCall 晚绑定
	var coord *service.Coordinator
	sched := service.NewScheduler(taskStore,
		func(ctx context.Context, task entity.ScheduledTask, step entity.ToolStep) (string, error) {
			return coord.RunToolStep(ctx, task, step)
		},
		func(ctx context.Context, task entity.ScheduledTask) error {
			return coord.ExecuteSelfCall(ctx, task)
		},
		func(ctx context.Context, targetType string, targetID int64, text string) error {
			return app.notifyTarget(ctx, sender, targetType, targetID, text)
		},
		log)
	app.scheduler = sched

	coord = service.NewCoordinator(service.CoordinatorDeps{
		Requester: requester,
		Loop:      loop,
		Tools:     tools,
		Sender:    sender,
		Prompts:   prompts,
		Storage:   store,
		CogQueue:  cogQueue,
		Scheduler: sched,
		Selector:  selector,
		Transport: client,
		Memory:    memoryQuery,
		Logger:    log,
		Config:    cfgFunc,
	})

	queue := service.NewQueueManager(cfg.Queue.AIInterval, func(ctx context.Context, item entity.QueueItem) {
		app.handler.Execute(ctx, item)
	}, log)
	app.queue = queue

	app.historian = service.NewHistorianWorker(cogQueue, requester, cfgFunc, vectors, profiles, log)

	bus := eventbus.NewInMemoryBus(log, 64)
	bus.Subscribe(eventbus.EventTypeRequestDone, func(_ context.Context, ev eventbus.Event) {
		if p, ok := ev.Payload().(eventbus.RequestDonePayload); ok {
			log.Debug("请求完成",
				zap.String("kind", p.Kind),
				zap.String("lane", p.Lane),
				zap.Duration("duration", p.Duration))
		}
	})
	app.bus = bus

	app.handler = NewMessageHandler(cfgFunc, queue, coord, security, selector, sender, tools, history, bus, log)

	// 热重载：配置文件一个扫描器，技能目录一个扫描器
	app.cfgScanner = hotreload.NewScanner("config", configScanInterval,
		cfgMgr.SnapshotFunc(), cfgMgr.OnChange, log)
	if err := app.cfgScanner.Watch(filepath.Dir(configPath)); err != nil {
		log.Warn("配置目录监听失败，退化为纯轮询", zap.Error(err))
	}

	registries := []*skill.Registry{skills.Tools, skills.Agents, skills.Commands}
	app.skillsScanner = hotreload.NewScanner("skills", cfg.Skills.ReloadInterval,
		mergedSkillSnapshot(registries),
		func(hotreload.Snapshot) {
			skills.ReloadAll()
			bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventTypeSkillsReload, nil))
		}, log)
	skillDirs := make([]string, 0, len(registries))
	for _, r := range registries {
		skillDirs = append(skillDirs, r.Root())
	}
	if err := app.skillsScanner.Watch(skillDirs...); err != nil {
		log.Warn("技能目录监听失败，退化为纯轮询", zap.Error(err))
	}

	if cfg.Ops.Enabled {
		app.ops = ops.NewServer(ops.Deps{
			Addr:      cfg.Ops.Addr,
			Queue:     queue,
			Cognitive: cogQueue,
			Usage:     usage,
			Scheduler: sched,
			Config:    cfgMgr,
			Logger:    log,
		})
	}
	return app, nil
}

// Run 启动全部 worker 并阻塞到 ctx 取消
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfgMgr.Snapshot()
	a.logger.Info("Undefined 启动",
		zap.Int64("self_id", cfg.Bot.SelfID),
		zap.String("onebot_url", cfg.OneBot.URL))

	if err := a.scheduler.Load(ctx); err != nil {
		a.logger.Warn("定时任务恢复失败", zap.Error(err))
	}

	safego.Go(a.logger, "onebot-client", func() { a.client.Run(ctx) })
	safego.Go(a.logger, "queue-manager", func() { a.queue.Run(ctx) })
	safego.Go(a.logger, "historian", func() { a.historian.Run(ctx) })
	safego.Go(a.logger, "scheduler", func() { a.scheduler.Run(ctx) })
	safego.Go(a.logger, "config-scanner", func() { a.cfgScanner.Start(ctx) })
	safego.Go(a.logger, "skills-scanner", func() { a.skillsScanner.Start(ctx) })
	if a.ops != nil {
		safego.Go(a.logger, "ops-server", func() {
			if err := a.ops.Run(ctx); err != nil {
				a.logger.Error("运维端口退出", zap.Error(err))
			}
		})
	}

	<-ctx.Done()
	a.logger.Info("收到退出信号，停止中")
	a.bus.Close()
	_ = a.logger.Sync()
	return nil
}

// cognitiveBlock 拼出给模型看的记忆块：实体画像在前，相关事件在后
func (a *App) cognitiveBlock(ctx context.Context, vectors *vectorstore.Store, profiles *profile.Store, sessionKey, query string) (string, error) {
	kind, id, ok := splitSessionKey(sessionKey)
	if !ok {
		return "", nil
	}
	entityType := "user"
	where := map[string]string{"user_id": strconv.FormatInt(id, 10)}
	if kind == "group" {
		entityType = "group"
		where = map[string]string{"group_id": strconv.FormatInt(id, 10)}
	}

	var sections []string
	if body := profiles.ReadBody(entityType, id); body != "" && body != profile.EmptySentinel {
		sections = append(sections, body)
	}
	hits, err := vectors.QueryEvents(ctx, query, a.cfgMgr.Snapshot().Cognitive.EventTopK, where)
	if err != nil {
		return "", err
	}
	if block := vectorstore.FormatHits(hits); block != "" {
		sections = append(sections, block)
	}
	return strings.Join(sections, "\n\n"), nil
}

// notifyTarget 定时任务的结果通知，走一个短命的 scheduled 请求上下文
func (a *App) notifyTarget(parent context.Context, sender *service.Sender, targetType string, targetID int64, text string) error {
	var groupID, userID int64
	if targetType == "group" {
		groupID = targetID
	} else {
		userID = targetID
	}
	ctx := reqctx.New(parent, reqctx.KindScheduled, groupID, userID, 0)
	defer ctx.Release()
	if targetType == "group" {
		return sender.SendGroup(ctx, targetID, text, service.SendOptions{})
	}
	return sender.SendPrivate(ctx, targetID, text, service.SendOptions{})
}

// mergedSkillSnapshot 把三张注册表的文件快照合成一份给扫描器
func mergedSkillSnapshot(registries []*skill.Registry) hotreload.SnapshotFunc {
	funcs := make([]func() (map[string]time.Time, error), 0, len(registries))
	for _, r := range registries {
		funcs = append(funcs, r.SnapshotFunc())
	}
	return func() (hotreload.Snapshot, error) {
		merged := make(hotreload.Snapshot)
		for _, fn := range funcs {
			snap, err := fn()
			if err != nil {
				return nil, err
			}
			for path, mtime := range snap {
				merged[path] = mtime
			}
		}
		return merged, nil
	}
}

// loadPersona 读配置文件旁边的 persona.md，缺失时用内置人格
func loadPersona(configPath string, log *zap.Logger) string {
	path := filepath.Join(filepath.Dir(configPath), "persona.md")
	data, err := os.ReadFile(path)
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		return defaultPersona
	}
	log.Info("加载人格文件", zap.String("path", path))
	return strings.TrimSpace(string(data))
}

// splitSessionKey 解析 "group:123" / "private:456"
func splitSessionKey(key string) (kind string, id int64, ok bool) {
	kind, rest, found := strings.Cut(key, ":")
	if !found {
		return "", 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return "", 0, false
	}
	return kind, id, true
}

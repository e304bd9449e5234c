package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/69gg/Undefined-sub000/internal/domain/service"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/cogqueue"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/config"
	"github.com/69gg/Undefined-sub000/internal/infrastructure/storage"
)

// Server 本机运维端口：看队列深度、token 消耗、定时任务，
// 手工补跑失败的认知作业。只监听本地地址，不做鉴权。
type Server struct {
	addr      string
	queue     *service.QueueManager
	cognitive *cogqueue.Queue
	usage     *storage.TokenUsageStore
	scheduler *service.Scheduler
	cfgMgr    *config.Manager
	logger    *zap.Logger
}

// Deps 运维端口的协作者
type Deps struct {
	Addr      string
	Queue     *service.QueueManager
	Cognitive *cogqueue.Queue
	Usage     *storage.TokenUsageStore
	Scheduler *service.Scheduler
	Config    *config.Manager
	Logger    *zap.Logger
}

// NewServer 创建运维端口
func NewServer(deps Deps) *Server {
	return &Server{
		addr:      deps.Addr,
		queue:     deps.Queue,
		cognitive: deps.Cognitive,
		usage:     deps.Usage,
		scheduler: deps.Scheduler,
		cfgMgr:    deps.Config,
		logger:    deps.Logger.With(zap.String("component", "ops")),
	}
}

// Run 启动 HTTP 服务并阻塞到 ctx 取消
func (s *Server) Run(ctx context.Context) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.GET("/queues", s.handleQueues)
	api.GET("/cognitive", s.handleCognitive)
	api.GET("/cognitive/failed", s.handleFailed)
	api.POST("/cognitive/failed/:id/requeue", s.handleRequeue)
	api.GET("/usage", s.handleUsage)
	api.GET("/tasks", s.handleTasks)
	api.GET("/config", s.handleConfig)

	srv := &http.Server{Addr: s.addr, Handler: r}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("运维端口已启动", zap.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleQueues(c *gin.Context) {
	c.JSON(http.StatusOK, s.queue.Depths())
}

func (s *Server) handleCognitive(c *gin.Context) {
	pending, processing, failed := s.cognitive.Depths()
	c.JSON(http.StatusOK, gin.H{
		"pending":    pending,
		"processing": processing,
		"failed":     failed,
	})
}

func (s *Server) handleFailed(c *gin.Context) {
	jobs, err := s.cognitive.ListFailed()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *Server) handleRequeue(c *gin.Context) {
	if err := s.cognitive.RequeueFailed(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "requeued"})
}

func (s *Server) handleUsage(c *gin.Context) {
	totals, err := s.usage.Totals(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, totals)
}

func (s *Server) handleTasks(c *gin.Context) {
	c.JSON(http.StatusOK, s.scheduler.ListTasks())
}

func (s *Server) handleConfig(c *gin.Context) {
	data, err := s.cfgMgr.RenderTOML()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/toml; charset=utf-8", data)
}

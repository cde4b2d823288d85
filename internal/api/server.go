package api

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"IntentMesh/internal/auth"
	"IntentMesh/internal/coordinator"
	"IntentMesh/internal/ledger"
	"IntentMesh/internal/matching"
	"IntentMesh/internal/observability/metrics"
)

// Config 控制 HTTP 服务。
type Config struct {
	Address         string
	SubjectHeader   string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Operators       []string
}

// Server 通过 REST 接口暴露意图生命周期、智能体注册表与账本查询。
type Server struct {
	cfg     Config
	coord   *coordinator.Coordinator
	engine  *matching.Engine
	book    *ledger.Book
	metrics *metrics.Metrics
	router  *gin.Engine
}

// Option 定义可选配置。
type Option func(*Server)

// WithMetrics 记录请求指标，并在 /metrics 暴露 Prometheus 端点。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config, coord *coordinator.Coordinator, engine *matching.Engine, book *ledger.Book, opts ...Option) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{cfg: cfg, coord: coord, engine: engine, book: book}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.router = s.routes()
	return s
}

// Handler 返回完整的 HTTP 处理器，测试可直接使用。
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if s.metrics != nil {
		r.Use(s.observe)
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(auth.Middleware(auth.MiddlewareConfig{Header: s.cfg.SubjectHeader}))
	{
		v1.POST("/intents", s.createIntent)
		v1.GET("/intents", s.listIntents)
		v1.GET("/intents/:id", s.getIntent)
		v1.GET("/intents/:id/candidates", s.findCandidates)
		v1.GET("/intents/:id/matches", s.listMatches)
		v1.POST("/intents/:id/matches", s.proposeMatch)
		v1.POST("/intents/:id/cancel", s.cancelIntent)

		v1.GET("/matches/:id", s.getMatch)
		v1.GET("/matches/:id/escrow", s.getEscrow)
		v1.POST("/matches/:id/accept", s.acceptMatch)
		v1.POST("/matches/:id/reject", s.rejectMatch)
		v1.POST("/matches/:id/fund", s.fundEscrow)
		v1.POST("/matches/:id/start", s.startWork)
		v1.POST("/matches/:id/complete", s.completeWork)
		v1.POST("/matches/:id/dispute", s.dispute)
		v1.POST("/matches/:id/resolve", s.resolveDispute)

		v1.GET("/escrows/:id/ledger", s.getLedger)
		v1.POST("/escrows/:id/reconcile", s.reconcile)
		v1.POST("/reconcile", s.reconcileAll)

		v1.POST("/agents", s.registerAgent)
		v1.GET("/agents", s.listAgents)
		v1.GET("/agents/:id", s.getAgent)
		v1.PUT("/agents/:id", s.updateAgent)
		v1.POST("/agents/:id/enable", s.enableAgent)
		v1.POST("/agents/:id/disable", s.disableAgent)
		v1.DELETE("/agents/:id", s.deleteAgent)
	}
	return r
}

func (s *Server) observe(c *gin.Context) {
	start := time.Now()
	c.Next()
	path := c.FullPath()
	if path == "" {
		path = "unmatched"
	}
	s.metrics.ObserveHTTPRequest(path, c.Request.Method, c.Writer.Status(), time.Since(start))
}

func (s *Server) isOperator(subject *auth.Subject) bool {
	return subject != nil && slices.Contains(s.cfg.Operators, subject.ID)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

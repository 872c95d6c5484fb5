package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/api/handlers"
	"github.com/BaSui01/researchflow/backend"
	"github.com/BaSui01/researchflow/config"
	"github.com/BaSui01/researchflow/internal/metrics"
	"github.com/BaSui01/researchflow/internal/server"
	"github.com/BaSui01/researchflow/internal/telemetry"
	"github.com/BaSui01/researchflow/orchestrator"
	"github.com/BaSui01/researchflow/policy"
	"github.com/BaSui01/researchflow/stage"
	"github.com/BaSui01/researchflow/store"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 ResearchFlow 的主服务器，持有全部已装配的组件
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager *server.Manager

	// 核心组件
	docStore     store.Store
	orchestrator *orchestrator.Orchestrator
	repository   *orchestrator.Repository

	// Handlers
	healthHandler   *handlers.HealthHandler
	workflowHandler *handlers.WorkflowHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// 遥测与限流生命周期
	otelProviders     *telemetry.Providers
	rateLimiterCancel context.CancelFunc
}

// NewServer 装配服务器的全部依赖：
// 存储 → 后端客户端 → 策略执行器 → 阶段 → 编排器 → 只读仓库 → handlers
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		logger:        logger,
		otelProviders: otelProviders,
	}

	// 1. 指标收集器
	s.metricsCollector = metrics.NewCollector(cfg.Telemetry.MetricsNamespace, logger)

	// 2. 文档存储
	docStore, err := store.New(cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	s.docStore = docStore

	// 3. 后端客户端
	lm := backend.NewChatClient(cfg.LLM, logger)
	fetcher := backend.NewHTTPFetcher(cfg.Fetcher, logger)

	// 4. 重试 + 熔断执行器（两个后端共享注册表，各有独立熔断器）
	executor := policy.NewExecutor(
		&policy.RetryPolicy{
			MaxRetries:   cfg.Policy.MaxRetries,
			InitialDelay: cfg.Policy.InitialDelay,
			MaxDelay:     cfg.Policy.MaxDelay,
			Multiplier:   cfg.Policy.Multiplier,
			Jitter:       cfg.Policy.Jitter,
		},
		policy.BreakerConfig{
			FailureThreshold: cfg.Policy.FailureThreshold,
			Cooldown:         cfg.Policy.Cooldown,
			OnStateChange: func(backend string, from, to policy.State) {
				s.metricsCollector.RecordBreakerState(backend, int(to))
			},
		},
		logger,
	)

	// 5. 阶段
	research := stage.NewResearchStage(lm, fetcher, executor, docStore, nil, cfg.Research, logger)
	synthesis := stage.NewSynthesisStage(lm, executor, docStore, nil, cfg.Synthesis, logger)

	// 6. 编排器与只读仓库
	s.orchestrator = orchestrator.New(docStore, research, synthesis,
		orchestrator.Config{Deadline: cfg.Orchestrator.Deadline},
		s.metricsCollector, logger)
	s.repository = orchestrator.NewRepository(docStore)

	// 7. Handlers
	s.healthHandler = handlers.NewHealthHandler(logger)
	s.healthHandler.RegisterCheck(handlers.NewStoreHealthCheck("store", docStore.Ping))
	s.workflowHandler = handlers.NewWorkflowHandler(s.orchestrator, s.repository, logger)

	return s, nil
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动 HTTP 服务器（非阻塞）
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// Prometheus 指标
	// ========================================
	mux.Handle("/metrics", promhttp.Handler())

	// ========================================
	// Workflow API 路由
	// ========================================
	mux.HandleFunc("POST /api/v1/workflows", s.workflowHandler.HandleExecute)
	mux.HandleFunc("GET /api/v1/workflows", s.workflowHandler.HandleList)
	mux.HandleFunc("GET /api/v1/workflows/{id}/status", s.workflowHandler.HandleStatus)
	mux.HandleFunc("GET /api/v1/workflows/{id}/result", s.workflowHandler.HandleResult)
	mux.HandleFunc("POST /api/v1/workflows/{id}/cancel", s.workflowHandler.HandleCancel)

	// ========================================
	// 构建中间件链
	// ========================================
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.metricsCollector),
		RequestLogger(s.logger),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimit, s.cfg.Server.RateBurst, s.logger),
	)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started",
		zap.Int("port", s.cfg.Server.HTTPPort),
		zap.String("store", string(s.cfg.Store.Type)),
		zap.String("model", s.cfg.LLM.Model),
	)
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 1. 停止 rate limiter 清理 goroutine
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}

	// 2. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭存储
	if s.docStore != nil {
		if err := s.docStore.Close(); err != nil {
			s.logger.Error("Store shutdown error", zap.Error(err))
		}
	}

	// 4. 刷新遥测数据
	if err := s.otelProviders.Shutdown(ctx); err != nil {
		s.logger.Error("Telemetry shutdown error", zap.Error(err))
	}

	s.logger.Info("Graceful shutdown completed")
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/choijoonbin/aura-platform-sub000/api/handlers"
	"github.com/choijoonbin/aura-platform-sub000/callback"
	"github.com/choijoonbin/aura-platform-sub000/config"
	"github.com/choijoonbin/aura-platform-sub000/event"
	"github.com/choijoonbin/aura-platform-sub000/hitl"
	"github.com/choijoonbin/aura-platform-sub000/internal/cache"
	"github.com/choijoonbin/aura-platform-sub000/internal/database"
	"github.com/choijoonbin/aura-platform-sub000/internal/metrics"
	"github.com/choijoonbin/aura-platform-sub000/internal/migration"
	"github.com/choijoonbin/aura-platform-sub000/internal/server"
	"github.com/choijoonbin/aura-platform-sub000/internal/telemetry"
	"github.com/choijoonbin/aura-platform-sub000/internal/tlsutil"
	"github.com/choijoonbin/aura-platform-sub000/pipeline"
	"github.com/choijoonbin/aura-platform-sub000/stream"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 持有进程内所有组件，负责按依赖顺序启动与关闭
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	telemetry *telemetry.Providers
	collector *metrics.Collector
	cache     *cache.Manager
	pool      *database.PoolManager
	runs      *pipeline.Manager
	readiness *handlers.ShutdownCheck
	handler   http.Handler

	httpManager    *server.Manager
	metricsManager *server.Manager

	rateLimiterCancel context.CancelFunc
}

// NewServer 初始化所有组件，不启动监听
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		readiness: &handlers.ShutdownCheck{},
	}

	providers, err := telemetry.Init(cfg.Telemetry, logger, telemetry.WithServiceVersion(Version))
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.telemetry = providers

	s.collector = metrics.NewCollector("aura", logger)

	coordinator, err := s.initCoordinator()
	if err != nil {
		s.closeResources()
		return nil, fmt.Errorf("failed to init approvals: %w", err)
	}

	suspensions, err := s.initSuspensionStore()
	if err != nil {
		s.closeResources()
		return nil, fmt.Errorf("failed to init suspension store: %w", err)
	}

	delivery := callback.NewDelivery(callback.Config{
		MaxAttempts:    cfg.Callback.MaxAttempts,
		BaseBackoff:    cfg.Callback.BaseBackoff,
		RequestTimeout: cfg.Callback.RequestTimeout,
		SuccessCodes:   cfg.Callback.SuccessCodes,
	}, logger,
		callback.WithHTTPClient(tlsutil.CallbackClient(cfg.Callback.RequestTimeout)),
		callback.WithAttemptHook(s.collector.RecordCallbackAttempt),
	)

	queues := stream.NewQueueRegistry(logger,
		stream.WithQueueCapacity(cfg.Stream.QueueCapacity),
		stream.WithDropHandler(func(_ string, env event.Envelope) {
			s.collector.RecordQueueDrop(string(env.Type))
		}),
	)
	resourceLog := stream.NewResourceLog(cfg.Stream.RingCapacity, logger)

	s.runs = pipeline.NewManager(queues, resourceLog, scriptedAnalyzer(logger), pipeline.Config{
		GracePeriod:       cfg.Stream.GracePeriod,
		MaxConcurrentRuns: cfg.Stream.MaxConcurrentRuns,
		ApprovalTimeout:   cfg.Approval.WaitTimeout,
		CallbackBudget:    cfg.Callback.Budget,
	}, logger,
		pipeline.WithCoordinator(coordinator),
		pipeline.WithSuspensionStore(suspensions),
		pipeline.WithCallbackSender(delivery),
		pipeline.WithHooks(pipeline.Hooks{
			OnRunStarted: func() { s.collector.RecordRunStarted(false) },
			OnRunFinished: func(state pipeline.State, d time.Duration) {
				s.collector.RecordRunFinished(string(state), d)
			},
		}),
	)

	s.handler = s.routes(coordinator)
	s.httpManager = server.NewManager(s.handler, server.Config{
		Addr:            fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     2 * time.Minute,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	if cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		s.metricsManager = server.NewManager(mux, server.Config{
			Addr:            fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     time.Minute,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, logger)
	}

	return s, nil
}

// initCoordinator 按 approval.backend 选择审批存储与信号总线
func (s *Server) initCoordinator() (*hitl.Coordinator, error) {
	cfg := s.cfg
	var (
		store hitl.Store
		bus   hitl.SignalBus
	)
	switch cfg.Approval.Backend {
	case "redis":
		m, err := cache.NewManager(cache.Config{
			Addr:                cfg.Redis.Addr,
			Password:            cfg.Redis.Password,
			DB:                  cfg.Redis.DB,
			KeyPrefix:           cfg.Redis.KeyPrefix,
			DefaultTTL:          cfg.Approval.SessionTTL,
			MaxRetries:          cfg.Redis.MaxRetries,
			PoolSize:            cfg.Redis.PoolSize,
			MinIdleConns:        cfg.Redis.MinIdleConns,
			HealthCheckInterval: cfg.Redis.HealthCheckInterval,
			TLS:                 cfg.Redis.TLS,
		}, s.logger)
		if err != nil {
			return nil, err
		}
		s.cache = m
		store, bus = hitl.NewRedisStore(m), hitl.NewRedisBus(m, s.logger)
	default:
		store, bus = hitl.NewMemoryStore(), hitl.NewMemoryBus()
	}

	s.logger.Info("approval backend ready", zap.String("backend", cfg.Approval.Backend))
	return hitl.NewCoordinator(store, bus, hitl.Config{
		RequestTTL:    cfg.Approval.RequestTTL,
		SessionTTL:    cfg.Approval.SessionTTL,
		WaitTimeout:   cfg.Approval.WaitTimeout,
		ExpireTimeout: hitl.DefaultConfig().ExpireTimeout,
	}, s.logger, hitl.WithOutcomeHook(func(o hitl.Outcome) {
		s.collector.RecordApprovalOutcome(string(o))
	})), nil
}

// initSuspensionStore 配置了数据库时持久化挂起记录，否则保存在内存
func (s *Server) initSuspensionStore() (pipeline.SuspensionStore, error) {
	dbCfg := s.cfg.Database
	if dbCfg.Driver == "" {
		s.logger.Info("database not configured, suspensions kept in memory")
		return pipeline.NewMemorySuspensionStore(), nil
	}

	if dbCfg.AutoMigrate {
		if err := applyMigrations(dbCfg); err != nil {
			return nil, err
		}
	}

	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, err
	}

	poolCfg := database.PoolConfigFrom(dbCfg)
	poolCfg.StatsReporter = func(st database.PoolStats) {
		s.collector.RecordDBConnections(dbCfg.Driver, st.OpenConnections, st.Idle)
	}
	pool, err := database.NewPoolManager(db, poolCfg, s.logger)
	if err != nil {
		return nil, err
	}
	s.pool = pool

	s.logger.Info("suspension store ready", zap.String("driver", dbCfg.Driver))
	return pipeline.NewGormSuspensionStore(pool.DB()), nil
}

func applyMigrations(dbCfg config.DatabaseConfig) error {
	m, err := migration.NewMigratorFromDatabaseConfig(dbCfg)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up(context.Background())
}

// =============================================================================
// 🔀 路由
// =============================================================================

func (s *Server) routes(coordinator *hitl.Coordinator) http.Handler {
	cfg := s.cfg
	options := handlers.StreamOptions{
		PopTimeout:  cfg.Stream.PopTimeout,
		MaxDuration: cfg.Stream.MaxStreamDuration,
		Keepalive:   cfg.Stream.KeepaliveInterval,
	}

	runHandler := handlers.NewRunHandler(s.runs, options, s.collector, s.logger)
	resourceHandler := handlers.NewResourceHandler(s.runs.ResourceLog(), options, s.collector, s.logger)
	approvalHandler := handlers.NewApprovalHandler(coordinator, s.logger)

	healthHandler := handlers.NewHealthHandler(s.logger)
	healthHandler.RegisterCheck(s.readiness)
	if s.cache != nil {
		healthHandler.RegisterCheck(handlers.NewPingCheck("redis", s.cache.Ping))
	}
	if s.pool != nil {
		healthHandler.RegisterCheck(handlers.NewPingCheck("database", s.pool.Ping))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", healthHandler.HandleReady)
	mux.HandleFunc("GET /version", healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /api/v1/runs", runHandler.HandleTrigger)
	mux.HandleFunc("POST /api/v1/runs/resume", runHandler.HandleResume)
	mux.HandleFunc("GET /api/v1/runs/{runId}", runHandler.HandleGet)
	mux.HandleFunc("GET /api/v1/runs/{runId}/stream", runHandler.HandleStream)
	mux.HandleFunc("GET /api/v1/runs/{runId}/ws", runHandler.HandleWebSocket)
	mux.HandleFunc("GET /api/v1/resources/{resourceId}/stream", resourceHandler.HandleStream)
	mux.HandleFunc("GET /api/v1/approvals/{requestId}", approvalHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/approvals/{requestId}/decision", approvalHandler.HandleDecision)
	mux.HandleFunc("GET /api/v1/sessions/{sessionId}/signal", approvalHandler.HandleSignal)

	limiterCtx, cancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = cancel

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		MetricsMiddleware(s.collector),
		RequestLogger(s.logger),
		CORS(cfg.Server.CORSAllowedOrigins),
		BodyLimit(cfg.Server.MaxBodyBytes),
	}
	// JWT 优先；未配置 JWT 时退回 API Key
	switch {
	case cfg.Auth.JWT.Enabled():
		middlewares = append(middlewares,
			JWTAuth(cfg.Auth.JWT, publicPaths, cfg.Auth.AllowQueryAPIKey, s.logger))
	case len(cfg.Auth.APIKeys) > 0:
		middlewares = append(middlewares,
			APIKeyAuth(cfg.Auth.APIKeys, publicPaths, cfg.Auth.AllowQueryAPIKey, s.logger))
	default:
		s.logger.Warn("authentication disabled: no JWT secret or API keys configured")
	}
	if cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares,
			RateLimiter(limiterCtx, float64(cfg.Server.RateLimitRPS), cfg.Server.RateLimitBurst, s.logger))
	}

	return Chain(mux, middlewares...)
}

// =============================================================================
// 🚀 运行与关闭
// =============================================================================

// Run 启动监听并阻塞到收到信号或服务器出错，然后优雅关闭
func (s *Server) Run() error {
	if err := s.httpManager.Start(); err != nil {
		s.closeResources()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	s.logger.Info("HTTP server started", zap.String("addr", s.httpManager.Addr()))

	var metricsErrs <-chan error
	if s.metricsManager != nil {
		if err := s.metricsManager.Start(); err != nil {
			s.logger.Warn("metrics server not started", zap.Error(err))
		} else {
			metricsErrs = s.metricsManager.Errors()
			s.logger.Info("metrics server started", zap.String("addr", s.metricsManager.Addr()))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-s.httpManager.Errors():
		runErr = err
		s.logger.Error("HTTP server error", zap.Error(err))
	case err := <-metricsErrs:
		runErr = err
		s.logger.Error("metrics server error", zap.Error(err))
	}

	return errors.Join(runErr, s.Shutdown())
}

// Shutdown 先摘流，再停止接收请求，等待运行结束，最后释放资源
func (s *Server) Shutdown() error {
	s.readiness.Drain()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.httpManager.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := s.runs.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("runs: %w", err))
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	s.closeResources()
	if s.telemetry != nil {
		if err := s.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}

	s.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (s *Server) closeResources() {
	if s.pool != nil {
		if err := s.pool.Close(); err != nil {
			s.logger.Warn("failed to close database pool", zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}

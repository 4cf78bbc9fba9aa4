package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/jackg825/dream-forge-web-sub003/api/handlers"
	"github.com/jackg825/dream-forge-web-sub003/config"
	"github.com/jackg825/dream-forge-web-sub003/internal/cache"
	"github.com/jackg825/dream-forge-web-sub003/internal/database"
	"github.com/jackg825/dream-forge-web-sub003/internal/metrics"
	"github.com/jackg825/dream-forge-web-sub003/internal/server"
	"github.com/jackg825/dream-forge-web-sub003/internal/telemetry"
	"github.com/jackg825/dream-forge-web-sub003/ledger"
	"github.com/jackg825/dream-forge-web-sub003/meshgen"
	"github.com/jackg825/dream-forge-web-sub003/pipeline"
	"github.com/jackg825/dream-forge-web-sub003/storage"
	"github.com/jackg825/dream-forge-web-sub003/store"
	"github.com/jackg825/dream-forge-web-sub003/synthesis"
)

// Server wires the DreamForge dependencies and runs the HTTP and
// metrics listeners.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	httpManager    *server.Manager
	metricsManager *server.Manager

	mongoClient *mongo.Client
	dbPool      *database.PoolManager
	cacheMgr    *cache.Manager

	collector *metrics.Collector
	ledger    ledger.Ledger
	svc       *pipeline.Service

	healthHandler   *handlers.HealthHandler
	pipelineHandler *handlers.PipelineHandler
	creditsHandler  *handlers.CreditsHandler
	adminHandler    *handlers.AdminHandler
	progressHandler *handlers.ProgressHandler

	rateLimiterCancel context.CancelFunc
	statsCancel       context.CancelFunc

	wg sync.WaitGroup
}

// NewServer creates an unstarted server.
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otel,
	}
}

// Start brings up dependencies, handlers and both listeners.
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("dreamforge", s.logger)

	if err := s.initDependencies(); err != nil {
		return fmt.Errorf("failed to init dependencies: %w", err)
	}

	s.initHandlers()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.startStatsReporter()

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)

	return nil
}

// initDependencies connects the document store, the credit ledger,
// Redis, object storage and the mesh providers, then assembles the
// pipeline service on top of them.
func (s *Server) initDependencies() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Mongo.Timeout)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(s.cfg.Mongo.URI))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping mongo: %w", err)
	}
	s.mongoClient = client

	pipelineStore := store.NewMongoStore(client.Database(s.cfg.Mongo.Database), s.logger)
	if err := pipelineStore.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure pipeline indexes: %w", err)
	}

	db, err := openLedgerDatabase(s.cfg.Database, s.logger)
	if err != nil {
		return fmt.Errorf("open ledger database: %w", err)
	}
	poolCfg := database.DefaultPoolConfig()
	if s.cfg.Database.MaxOpenConns > 0 {
		poolCfg.MaxOpenConns = s.cfg.Database.MaxOpenConns
	}
	if s.cfg.Database.MaxIdleConns > 0 {
		poolCfg.MaxIdleConns = s.cfg.Database.MaxIdleConns
	}
	if s.cfg.Database.ConnMaxLifetime > 0 {
		poolCfg.ConnMaxLifetime = s.cfg.Database.ConnMaxLifetime
	}
	s.dbPool, err = database.NewPoolManager(db, poolCfg, s.logger)
	if err != nil {
		return fmt.Errorf("init ledger pool: %w", err)
	}
	s.ledger = ledger.NewGormLedger(s.dbPool.DB(), s.logger)

	// Redis is optional: without it every poll goes straight to the
	// provider.
	var pollCache *cache.PollCache
	cacheMgr, err := cache.NewManager(s.cfg.Redis, s.logger)
	if err != nil {
		s.logger.Warn("Redis not available, poll caching disabled", zap.Error(err))
	} else {
		s.cacheMgr = cacheMgr
		pollCache = cache.NewPollCache(cacheMgr, s.cfg.Pipeline.PollCacheTTL)
	}

	blobs, err := storage.NewMinIOStore(ctx, s.cfg.Storage, s.logger)
	if err != nil {
		return fmt.Errorf("connect object storage: %w", err)
	}

	registry := meshgen.NewRegistry(s.cfg.Providers, s.logger)
	synth := synthesis.NewGeminiSynthesizer(s.cfg.Synthesis, s.logger)

	s.svc = pipeline.NewService(pipeline.Deps{
		Store:   pipelineStore,
		Ledger:  s.ledger,
		Clients: registry,
		Synth:   synth,
		Blobs:   blobs,
		Poll:    pollCache,
		Logger:  s.logger,
		Config: pipeline.Config{
			MaxRegenerations: s.cfg.Pipeline.MaxRegenerations,
			PreferredFormat:  s.cfg.Pipeline.PreferredFormat,
		},
	})

	return nil
}

func (s *Server) initHandlers() {
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("mongo", func(ctx context.Context) error {
		return s.mongoClient.Ping(ctx, nil)
	}))
	s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("ledger_db", s.dbPool.Ping))
	if s.cacheMgr != nil {
		s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("redis", s.cacheMgr.Ping))
	}

	s.pipelineHandler = handlers.NewPipelineHandler(s.svc, s.logger)
	s.creditsHandler = handlers.NewCreditsHandler(s.ledger, s.logger)
	s.adminHandler = handlers.NewAdminHandler(s.svc, s.ledger, s.logger)
	s.progressHandler = handlers.NewProgressHandler(s.svc, s.logger)

	s.logger.Info("Handlers initialized")
}

func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	mux.HandleFunc("POST /api/v1/pipelines", s.pipelineHandler.HandleCreate)
	mux.HandleFunc("GET /api/v1/pipelines/{id}", s.pipelineHandler.HandleGet)
	mux.HandleFunc("POST /api/v1/pipelines/{id}/images", s.pipelineHandler.HandleGenerateImages)
	mux.HandleFunc("GET /api/v1/pipelines/{id}/images/progress", s.progressHandler.HandleImageProgress)
	mux.HandleFunc("POST /api/v1/pipelines/{id}/images/regenerate", s.pipelineHandler.HandleRegenerateAngle)
	mux.HandleFunc("POST /api/v1/pipelines/{id}/mesh", s.pipelineHandler.HandleGenerateMesh)
	mux.HandleFunc("GET /api/v1/pipelines/{id}/mesh/status", s.pipelineHandler.HandlePollMesh)
	mux.HandleFunc("POST /api/v1/pipelines/{id}/texture", s.pipelineHandler.HandleGenerateTexture)
	mux.HandleFunc("GET /api/v1/pipelines/{id}/texture/status", s.pipelineHandler.HandlePollTexture)
	mux.HandleFunc("POST /api/v1/pipelines/{id}/reset", s.pipelineHandler.HandleReset)

	mux.HandleFunc("GET /api/v1/credits", s.creditsHandler.HandleAccount)
	mux.HandleFunc("GET /api/v1/credits/transactions", s.creditsHandler.HandleTransactions)

	mux.HandleFunc("POST /api/v1/admin/pipelines/{id}/preview/images/regenerate", s.adminHandler.HandlePreviewRegenerate)
	mux.HandleFunc("POST /api/v1/admin/pipelines/{id}/preview/mesh", s.adminHandler.HandlePreviewMesh)
	mux.HandleFunc("GET /api/v1/admin/pipelines/{id}/preview/mesh/status", s.adminHandler.HandlePreviewMeshStatus)
	mux.HandleFunc("POST /api/v1/admin/pipelines/{id}/preview/confirm", s.adminHandler.HandlePreviewConfirm)
	mux.HandleFunc("POST /api/v1/admin/pipelines/{id}/preview/reject", s.adminHandler.HandlePreviewReject)
	mux.HandleFunc("POST /api/v1/admin/pipelines/{id}/reset", s.adminHandler.HandleAdminReset)
	mux.HandleFunc("POST /api/v1/admin/credits/grant", s.adminHandler.HandleGrant)

	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = rateLimiterCancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		OTelTracing(),
		CORS(s.cfg.Server.CORSAllowedOrigins),
		RateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		JWTAuth(s.cfg.Auth, skipAuthPaths, s.logger),
		UserRateLimiter(rateLimiterCtx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// startStatsReporter feeds ledger pool statistics into the collector.
func (s *Server) startStatsReporter() {
	ctx, cancel := context.WithCancel(context.Background())
	s.statsCancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := s.dbPool.Stats()
				s.collector.RecordDBConnections("ledger", stats.OpenConnections, stats.Idle)
			}
		}
	}()
}

// WaitForShutdown blocks until a termination signal, then cleans up.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	s.Shutdown()
}

// Shutdown stops listeners and closes dependency connections in
// reverse startup order.
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.statsCancel != nil {
		s.statsCancel()
	}

	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	if s.cacheMgr != nil {
		if err := s.cacheMgr.Close(); err != nil {
			s.logger.Error("Redis shutdown error", zap.Error(err))
		}
	}

	if s.dbPool != nil {
		if err := s.dbPool.Close(); err != nil {
			s.logger.Error("Ledger pool shutdown error", zap.Error(err))
		}
	}

	if s.mongoClient != nil {
		if err := s.mongoClient.Disconnect(ctx); err != nil {
			s.logger.Error("Mongo shutdown error", zap.Error(err))
		}
	}

	if s.otel != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := s.otel.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
		cancel()
	}

	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}

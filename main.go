package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Kocoro-lab/promode/internal/auth"
	"github.com/Kocoro-lab/promode/internal/circuitbreaker"
	"github.com/Kocoro-lab/promode/internal/config"
	"github.com/Kocoro-lab/promode/internal/db"
	"github.com/Kocoro-lab/promode/internal/health"
	"github.com/Kocoro-lab/promode/internal/httpapi"
	"github.com/Kocoro-lab/promode/internal/llm"
	_ "github.com/Kocoro-lab/promode/internal/metrics" // Import for side effects
	"github.com/Kocoro-lab/promode/internal/middleware"
	"github.com/Kocoro-lab/promode/internal/promode"
	"github.com/Kocoro-lab/promode/internal/ratecontrol"
	"github.com/Kocoro-lab/promode/internal/streaming"
	"github.com/Kocoro-lab/promode/internal/tracing"
	"github.com/Kocoro-lab/promode/internal/util"
)

// backendHolder owns the LLM client built from the current snapshot. The
// client is rebuilt only when a backend setting changes so its breaker and
// limiter survive unrelated reloads.
type backendHolder struct {
	mu     sync.RWMutex
	client *llm.Client
	err    error
	cfg    config.BackendConfig
	logger *zap.Logger
}

func (b *backendHolder) update(cfg config.BackendConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil && b.cfg == cfg {
		return
	}
	client, err := llm.NewClient(llm.Config{
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		Provider:  cfg.Provider,
		Timeout:   cfg.Timeout,
		RateLimit: ratecontrol.RateLimit{RPM: cfg.RPM},
		Burst:     cfg.Burst,
	}, b.logger)
	b.cfg = cfg
	b.client, b.err = client, err
	if err != nil {
		b.logger.Warn("Generation backend unavailable", zap.Error(err))
		return
	}
	b.logger.Info("Generation backend configured",
		zap.String("base_url", cfg.BaseURL),
		zap.String("model", cfg.Model),
		zap.Int("rpm", cfg.RPM),
	)
}

// backend returns the client as a promode.Backend; a nil interface when
// the client could not be built.
func (b *backendHolder) backend() (promode.Backend, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.client == nil {
		return nil, b.err
	}
	return b.client, nil
}

func (b *backendHolder) status() error {
	_, err := b.backend()
	return err
}

func (b *backendHolder) breaker() *circuitbreaker.CircuitBreaker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.client == nil {
		return nil
	}
	return b.client.Breaker()
}

func (b *backendHolder) retuneRateLimit() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.client != nil {
		b.client.SetRateLimit(ratecontrol.RateLimit{RPM: b.cfg.RPM})
	}
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bootCfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := newLogger(bootCfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	cfgMgr, err := config.NewManager(config.Path(), logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	cfg := cfgMgr.Current()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	}

	if cfg.RateLimitsPath != "" {
		ratecontrol.SetPath(cfg.RateLimitsPath)
	}

	// ------------------------------------------------------------------
	// Health manager and admin endpoints come up first so probes answer
	// while the rest starts.
	// ------------------------------------------------------------------
	hm := health.NewManager(logger)
	adminMux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(adminMux)
	adminMux.Handle("/metrics", promhttp.Handler())
	adminServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.AdminPort),
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", cfg.Server.AdminPort))
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()

	// Generation backend
	backends := &backendHolder{logger: logger}
	backends.update(cfg.Backend)
	_ = hm.RegisterChecker(health.NewBackendConfigChecker(backends.status))
	_ = hm.RegisterChecker(health.NewBreakerHealthChecker("llm_circuit_breaker", backends.breaker))

	// Idempotency cache (optional)
	var idemStore middleware.ResultStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rw := circuitbreaker.NewRedisWrapper(rdb, logger)
		defer rw.Close()
		idemStore = rw
		_ = hm.RegisterChecker(health.NewRedisHealthChecker(rw))
		logger.Info("Idempotency cache enabled", zap.String("addr", cfg.Redis.Addr))
	}

	// Run log (optional)
	var recorder httpapi.RunRecorder
	var runStore httpapi.RunStore
	if cfg.Database.Driver != "" {
		dbClient, err := db.NewClient(db.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN}, logger)
		if err != nil {
			logger.Error("Run log disabled", zap.Error(err))
		} else {
			defer dbClient.Close()
			recorder, runStore = dbClient, dbClient
			_ = hm.RegisterChecker(health.NewDatabaseHealthChecker(dbClient.Wrapper()))
		}
	}

	// Authentication (optional)
	var jwtManager *auth.JWTManager
	if cfg.Auth.JWTSecret != "" {
		jwtManager, err = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, time.Hour)
		if err != nil {
			logger.Fatal("Failed to initialize JWT manager", zap.Error(err))
		}
		logger.Info("Bearer token authentication enabled", zap.String("issuer", cfg.Auth.Issuer))
	}

	// Streaming and the pro-mode handler
	streamMgr := streaming.NewManager(cfg.Streaming.Capacity, logger)
	proMode := httpapi.NewProModeHandler(streamMgr, recorder, logger)
	configure := func(c *config.Config) error {
		backend, berr := backends.backend()
		return proMode.Configure(backend, berr, c.Orchestration.Engine())
	}
	if err := configure(cfg); err != nil {
		logger.Fatal("Failed to configure pro-mode handler", zap.Error(err))
	}

	// Hot reload
	cfgMgr.OnChange(func(c *config.Config) error {
		backends.update(c.Backend)
		backends.retuneRateLimit()
		return configure(c)
	})
	rateLimitsPath := util.FirstNonEmpty(cfg.RateLimitsPath, ratecontrol.ActivePath())
	cfgMgr.WatchFile(rateLimitsPath, func(path string) error {
		ratecontrol.Reload()
		backends.retuneRateLimit()
		return nil
	})
	if err := cfgMgr.Start(ctx); err != nil {
		logger.Warn("Configuration hot reload disabled", zap.Error(err))
	}
	defer cfgMgr.Stop()

	// API server
	tracingMW := middleware.NewTracingMiddleware(logger)
	authMW := auth.NewMiddleware(jwtManager, logger)
	idemMW := middleware.NewIdempotencyMiddleware(idemStore, cfg.Redis.IdempotencyTTL, logger)

	apiMux := http.NewServeMux()
	proMode.RegisterRoutes(apiMux, func(h http.Handler) http.Handler {
		return tracingMW.Middleware(authMW.HTTPMiddleware(idemMW.Middleware(h)))
	})
	httpapi.NewStreamingHandler(streamMgr, logger).RegisterRoutes(apiMux, func(h http.Handler) http.Handler {
		return tracingMW.Middleware(authMW.HTTPMiddleware(h))
	})
	if runStore != nil {
		httpapi.NewRunsHandler(runStore, logger).RegisterRoutes(apiMux, func(h http.Handler) http.Handler {
			return tracingMW.Middleware(authMW.HTTPMiddleware(h))
		})
	}
	// Health on the API port too, for platforms that probe the public port.
	health.NewHTTPHandler(hm, logger).RegisterRoutes(apiMux)

	apiServer := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           apiMux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		// No write timeout: runs and streams are long-lived.
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		logger.Info("Pro-mode API listening",
			zap.Int("port", cfg.Server.Port),
			zap.Bool("auth", authMW.Enabled()),
			zap.Bool("idempotency", idemStore != nil),
			zap.Bool("run_log", recorder != nil),
		)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down pro-mode service")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", zap.Error(err))
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Admin server shutdown failed", zap.Error(err))
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}
	cancel()
}

// newLogger builds a zap logger for the configured level and format
// ("json" or "console").
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if strings.EqualFold(cfg.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

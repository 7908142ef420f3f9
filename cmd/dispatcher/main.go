package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/evtmesh/dispatcher/internal/config"
	"github.com/evtmesh/dispatcher/internal/dispatcherengine"
	"github.com/evtmesh/dispatcher/internal/health"
)

func main() {
	logger, err := newLogger(getEnvOrDefault("DISPATCHER_LOG_LEVEL", "info"))
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if cfg.IncomerUUID == "" {
		cfg.IncomerUUID = getEnvOrDefault("DISPATCHER_INCOMER_UUID", "")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	redisAddr := getEnvOrDefault("REDIS_ADDR", cfg.Redis.Addr)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		logger.Fatal("failed to connect to Redis", zap.String("addr", redisAddr), zap.Error(err))
	}
	cancelPing()

	engine, err := dispatcherengine.New(cfg, redisClient, logger)
	if err != nil {
		logger.Fatal("failed to construct dispatcher engine", zap.Error(err))
	}

	healthManager := health.NewManager(logger)
	if err := healthManager.RegisterChecker(health.NewRedisHealthChecker(redisClient, nil, logger)); err != nil {
		logger.Warn("failed to register redis health checker", zap.Error(err))
	}
	if err := healthManager.RegisterChecker(health.NewDispatcherRoleChecker(engine.RoleState)); err != nil {
		logger.Warn("failed to register dispatcher role health checker", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())

	cfgPath := config.ResolvedPath()
	configManager, err := config.NewConfigManager(filepath.Dir(cfgPath), logger)
	if err != nil {
		logger.Fatal("failed to construct config manager", zap.Error(err))
	}
	configManager.RegisterHandler(filepath.Base(cfgPath), func(event config.ChangeEvent) error {
		next, err := config.FromMap(event.Config)
		if err != nil {
			return fmt.Errorf("decode reloaded config: %w", err)
		}
		if err := next.Validate(); err != nil {
			return fmt.Errorf("validate reloaded config: %w", err)
		}
		engine.ReloadOptions(next)
		registerEventSchemas(engine, next.EventSchemas, logger)
		logger.Info("dispatcher configuration reloaded", zap.String("file", event.File), zap.String("action", event.Action))
		return nil
	})
	if err := configManager.Start(ctx); err != nil {
		logger.Warn("failed to start config manager, hot-reload disabled", zap.Error(err))
	}

	registerEventSchemas(engine, cfg.EventSchemas, logger)

	httpMux := http.NewServeMux()
	health.NewHTTPHandler(healthManager, logger).RegisterRoutes(httpMux)
	httpMux.Handle("/metrics", promhttp.Handler())

	metricsAddr := getEnvOrDefault("DISPATCHER_METRICS_ADDR", cfg.MetricsAddr)
	httpServer := &http.Server{
		Addr:    metricsAddr,
		Handler: httpMux,
	}

	healthCtx, healthCancel := context.WithCancel(ctx)
	if err := healthManager.Start(healthCtx); err != nil {
		logger.Warn("failed to start health manager", zap.Error(err))
	}

	go func() {
		logger.Info("dispatcher metrics/health server starting", zap.String("addr", metricsAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics/health server failed", zap.Error(err))
		}
	}()

	if err := engine.Start(ctx); err != nil {
		cancel()
		healthCancel()
		logger.Fatal("failed to start dispatcher engine", zap.Error(err))
	}
	logger.Info("dispatcher started",
		zap.String("instance_name", cfg.InstanceName),
		zap.String("incomer_uuid", cfg.IncomerUUID),
		zap.String("prefix", cfg.Prefix),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("dispatcher shutting down")
	cancel()
	engine.Close()
	healthCancel()
	_ = healthManager.Stop()
	_ = configManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics/health server forced to shutdown", zap.Error(err))
	}

	logger.Info("dispatcher stopped")
}

// registerEventSchemas installs the eventsValidation.eventsValidationFn
// registry (§6) against the engine's validator: one JSON Schema per business
// event name. Called once at startup and again from the config manager's
// reload handler whenever event_schemas changes. A malformed schema is
// logged and skipped rather than aborting the whole registration pass, so
// one bad entry in a hot-reloaded file can't take every other event offline.
func registerEventSchemas(engine *dispatcherengine.Dispatcher, schemas map[string]interface{}, logger *zap.Logger) {
	for event, schema := range schemas {
		raw, err := json.Marshal(schema)
		if err != nil {
			logger.Warn("failed to marshal event schema", zap.String("event", event), zap.Error(err))
			continue
		}
		if err := engine.Validator().RegisterEventSchema(event, string(raw)); err != nil {
			logger.Warn("failed to register event schema", zap.String("event", event), zap.Error(err))
		}
	}
}

func newLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}
	return cfg.Build()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

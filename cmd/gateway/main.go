package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tumkoussekya/studio-sub000/internal/core/services"
	httphandlers "github.com/tumkoussekya/studio-sub000/internal/handlers/http"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/backbone"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/gateway"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/middleware"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/monitoring"
	"github.com/tumkoussekya/studio-sub000/pkg/config"
	"github.com/tumkoussekya/studio-sub000/pkg/logger"
	"github.com/tumkoussekya/studio-sub000/pkg/tracing"
)

var configPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/studio/config.yaml",
	"config.yaml",
}

func loadConfig() (*config.Config, string) {
	for _, path := range configPaths {
		if cfg, err := config.Load(path); err == nil {
			return cfg, path
		}
	}
	return config.DefaultConfig(), ""
}

func main() {
	cfg, source := loadConfig()

	zapLogger := logger.Must(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if source == "" {
		log.Warn("no config file found, using defaults")
	} else {
		log.Infow("loaded config", "path", source)
	}

	environment := os.Getenv("STUDIO_ENV")
	if environment == "" {
		environment = "development"
	}
	tp, err := tracing.Init(tracing.ConfigFrom(cfg, environment))
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	backboneFactory := backbone.NewFactory(cfg, log)
	bb := backboneFactory.CreateBackbone()
	defer bb.Close()

	tokens := services.NewTokenServiceFromConfig(cfg)
	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	gatewayConfig := gateway.ConfigFrom(cfg)
	gw, err := gateway.NewServer(tokens, bb, gatewayConfig, log, gateway.WithMetrics(collector))
	if err != nil {
		log.Fatalw("failed to create gateway", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := gw.Start(ctx); err != nil {
		log.Fatalw("failed to subscribe to backbone", "error", err)
	}

	health := monitoring.NewHealthChecker(log)
	health.AddBackboneCheck(backboneFactory, 15*time.Second, 2*time.Second)
	health.AddCapacityCheck("gateway_connections", gw.ConnectionCount, gatewayConfig.MaxConnections, 15*time.Second)
	health.StartBackgroundChecks(ctx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.RequestLoggerMiddleware(zapLogger))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	httphandlers.NewTokenHandler(tokens, log).SetupRoutes(router)
	router.GET(cfg.Gateway.Path, gin.WrapF(gw.HandleWebSocket))

	router.GET("/health", gin.WrapF(gw.HealthCheck))
	router.GET("/ready", health.Handler())

	if cfg.Monitoring.PrometheusEnabled {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
		log.Infow("prometheus metrics enabled", "path", cfg.Monitoring.MetricsPath)
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// no WriteTimeout: it would cut long-lived sockets
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting realtime gateway",
			"address", cfg.Server.Address,
			"path", cfg.Gateway.Path,
			"redis", backboneFactory.UsesRedis(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	gw.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("failed to flush traces", "error", err)
	}

	log.Info("realtime gateway stopped")
}

package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tumkoussekya/studio-sub000/internal/core/services"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/monitoring"
	"github.com/tumkoussekya/studio-sub000/internal/infrastructure/worldchat"
	"github.com/tumkoussekya/studio-sub000/pkg/config"
	"github.com/tumkoussekya/studio-sub000/pkg/logger"
)

func main() {
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/studio/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error
	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.Must(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tokens := services.NewTokenServiceFromConfig(cfg)
	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	chat := worldchat.NewServer(tokens, worldchat.ConfigFrom(cfg), log, worldchat.WithMetrics(collector))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", chat.HandleWebSocket)
	mux.HandleFunc("/health", chat.HealthCheck)
	if cfg.Monitoring.PrometheusEnabled {
		mux.Handle(cfg.Monitoring.MetricsPath, promhttp.Handler())
	}

	srv := &http.Server{
		Addr:        cfg.Worldchat.Address,
		Handler:     mux,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting world chat server", "address", cfg.Worldchat.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	chat.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
	}
	log.Info("world chat server stopped")
}

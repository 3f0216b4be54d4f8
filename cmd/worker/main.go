package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-messaging/internal/app"
	"github.com/unclebandit/smsleopard-messaging/internal/config"
)

// The worker consumes webhook events from RabbitMQ and runs the campaign
// scheduler. It only exposes /metrics.
func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Queue.AMQPURL == "" {
		log.Fatal("AMQP_URL is required for the worker; without a broker the server runs everything in-process")
	}
	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}
	defer a.Close()

	if err := a.StartBackground(ctx); err != nil {
		logger.Fatal("failed to start background workers", zap.Error(err))
	}

	metricsSrv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("worker running, waiting for events",
		zap.Int("cycle_workers", cfg.Engine.CycleWorkers),
		zap.Int("event_workers", cfg.Queue.Workers),
		zap.String("dispatch_spec", cfg.Scheduler.Spec))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case amqpErr := <-a.BrokerClosed():
		// Exit so the supervisor restarts us with a fresh connection.
		logger.Error("amqp connection closed", zap.Any("error", amqpErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsSrv.Shutdown(shutdownCtx)
}

// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-messaging/internal/app"
	"github.com/unclebandit/smsleopard-messaging/internal/config"
	"github.com/unclebandit/smsleopard-messaging/internal/controller"
	"github.com/unclebandit/smsleopard-messaging/internal/handler"
)

func main() {
	// Load .env
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on OS environment variables")
	}

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
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

	// Without a broker this process also runs the event processor and the
	// campaign scheduler; with one, cmd/worker does.
	if !a.Brokered() {
		if err := a.StartBackground(ctx); err != nil {
			logger.Fatal("failed to start background workers", zap.Error(err))
		}
	}

	campaignController := &controller.CampaignController{
		CampaignService: a.Campaign,
		Log:             logger.Named("http"),
	}
	campaignHandler := &handler.CampaignHandler{
		Service:   a.Campaign,
		Analytics: a.Analytics,
		OptOut:    a.OptOut,
		Log:       logger.Named("http"),
	}
	webhookHandler := &handler.WebhookHandler{
		Ingestion: a.Ingestion,
		Log:       logger.Named("webhooks"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := a.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	campaignController.Routes(r)
	campaignHandler.Routes(r)
	webhookHandler.Routes(r)

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server running", zap.String("addr", cfg.Server.Address), zap.Bool("brokered", a.Brokered()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", zap.Error(err))
	}
}

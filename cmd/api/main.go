package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatleap/broadcast-backend/internal/config"
	"github.com/chatleap/broadcast-backend/internal/db"
	"github.com/chatleap/broadcast-backend/internal/events"
	"github.com/chatleap/broadcast-backend/internal/handler"
	"github.com/chatleap/broadcast-backend/internal/ledger"
	"github.com/chatleap/broadcast-backend/internal/queue"
	"github.com/chatleap/broadcast-backend/internal/repository"
	"github.com/chatleap/broadcast-backend/internal/service"
	"github.com/chatleap/broadcast-backend/internal/status"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	logger.Info("starting broadcast API server")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	database, err := db.New(db.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		logger.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer database.Close()

	logger.Info("connected to database")

	queueClient, err := queue.NewRedisClient(queue.RedisConfig{
		URL:       cfg.Queue.RedisURL,
		QueueName: cfg.Queue.JobQueueName,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer queueClient.Close()

	emitter, err := events.NewRedisEmitter(events.RedisConfig{
		URL:     cfg.Queue.RedisURL,
		Channel: cfg.Queue.EventsChannel,
	}, logger)
	if err != nil {
		logger.Error("failed to create event emitter", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer emitter.Close()

	// Repositories
	campaignRepo := repository.NewCampaignRepository(database.DB)
	recipientRepo := repository.NewRecipientRepository(database.DB)

	// Core components: the campaign service drives the lifecycle, the
	// ledger and aggregator apply delivery receipts arriving by webhook.
	ldg := ledger.New(recipientRepo, cfg.Worker.LeaseDuration(), logger)
	aggregator := status.New(campaignRepo, logger)
	campaignSvc := service.NewCampaignService(campaignRepo, recipientRepo, queueClient, logger)
	aggregator.SetFinisher(campaignSvc)

	// Handlers
	campaignHandler := handler.NewCampaignHandler(campaignSvc, logger)
	webhookHandler := handler.NewWebhookHandler(ldg, aggregator, emitter, logger)
	healthHandler := handler.NewHealthHandler(database.DB, queueClient, logger)

	r := chi.NewRouter()
	r.Use(handler.RecoveryMiddleware(logger))
	r.Use(handler.LoggingMiddleware(logger))
	r.Use(handler.CORSMiddleware)

	r.Get("/health", healthHandler.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", campaignHandler.CreateCampaign)
		r.Get("/", campaignHandler.ListCampaigns)
		r.Get("/{id}", campaignHandler.GetCampaign)
		r.Post("/{id}/send", campaignHandler.StartCampaign)
		r.Post("/{id}/retry", campaignHandler.StartCampaign)
		r.Post("/{id}/cancel", campaignHandler.CancelCampaign)
	})

	r.Post("/webhooks/receipts", webhookHandler.Receipt)

	addr := fmt.Sprintf(":%d", cfg.API.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("API server listening", slog.String("addr", addr))
		serverErrors <- server.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)

	case sig := <-quit:
		logger.Info("shutting down server", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("server shutdown failed", slog.String("error", err.Error()))
			os.Exit(1)
		}

		logger.Info("server stopped gracefully")
	}
}

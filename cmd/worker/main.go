package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatleap/broadcast-backend/internal/config"
	"github.com/chatleap/broadcast-backend/internal/db"
	"github.com/chatleap/broadcast-backend/internal/dispatch"
	"github.com/chatleap/broadcast-backend/internal/events"
	"github.com/chatleap/broadcast-backend/internal/ledger"
	"github.com/chatleap/broadcast-backend/internal/queue"
	"github.com/chatleap/broadcast-backend/internal/repository"
	"github.com/chatleap/broadcast-backend/internal/service"
	"github.com/chatleap/broadcast-backend/internal/session"
	"github.com/chatleap/broadcast-backend/internal/status"
	"github.com/chatleap/broadcast-backend/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	logger.Info("starting broadcast pipeline worker")

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
	sessionRepo := repository.NewSessionRepository(database.DB)

	// Channel client: mock unless wired to a real messaging gateway
	client := worker.NewMockClient(0.92)

	// Pipeline wiring
	monitor := session.NewMonitor(sessionRepo, client, emitter, logger)
	client.SetStatusListener(monitor)
	limiter := dispatch.NewSessionLimiter(cfg.Worker.SessionRatePerMinute)
	dispatchQueue := dispatch.NewQueue(monitor, limiter)
	monitor.SetOnConnected(func(sessionID int64) {
		dispatchQueue.Notify()
	})

	ldg := ledger.New(recipientRepo, cfg.Worker.LeaseDuration(), logger)
	aggregator := status.New(campaignRepo, logger)
	campaignSvc := service.NewCampaignService(campaignRepo, recipientRepo, queueClient, logger)
	aggregator.SetFinisher(campaignSvc)

	pool := worker.NewPool(
		dispatchQueue,
		ldg,
		campaignRepo,
		client,
		aggregator,
		emitter,
		cfg.Worker.Concurrency,
		cfg.Worker.SendTimeout,
		logger,
	)

	sweeper := worker.NewSweeper(
		recipientRepo,
		campaignRepo,
		campaignSvc,
		campaignSvc,
		dispatchQueue,
		monitor,
		cfg.Worker.SweepInterval,
		cfg.Worker.SweepBatchSize,
		logger,
	)

	jobRunner := worker.NewJobRunner(recipientRepo, campaignRepo, campaignSvc, dispatchQueue, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	consumerErrors := make(chan error, 1)
	go func() {
		consumerErrors <- queueClient.Consume(ctx, jobRunner.Handle, 2)
	}()

	metricsAddr := fmt.Sprintf(":%d", cfg.Worker.MetricsPort)
	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Info("metrics server listening", slog.String("addr", metricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-consumerErrors:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("consumer error", slog.String("error", err.Error()))
		}

	case sig := <-quit:
		logger.Info("shutting down worker", slog.String("signal", sig.String()))
	}

	cancel()
	wg.Wait()
	_ = metricsServer.Close()

	logger.Info("worker stopped gracefully")
}

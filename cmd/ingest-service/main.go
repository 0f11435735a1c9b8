package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/synaptica-ai/partner-ingest/pkg/bootstrap"
	"github.com/synaptica-ai/partner-ingest/pkg/common/config"
	"github.com/synaptica-ai/partner-ingest/pkg/common/database"
	"github.com/synaptica-ai/partner-ingest/pkg/common/kafka"
	"github.com/synaptica-ai/partner-ingest/pkg/common/logger"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger.Init()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Log.WithError(err).Fatal("invalid configuration")
	}

	db, err := database.Open(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to database")
	}
	defer database.Close(db)

	app, err := bootstrap.New(cfg, db)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to build ingest pipeline")
	}
	defer app.Close()

	if err := app.Migrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate ingest tables")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      app.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Partner Ingest Service started")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.WorkerCount > 0 {
		handle := app.Worker.Start(groupCtx)
		defer handle.Stop()
	}

	if cfg.SchedulerEnabled {
		if err := app.Scheduler.Start(groupCtx); err != nil {
			logger.Log.WithError(err).Fatal("failed to start feed scheduler")
		}
		defer app.Scheduler.Stop()
	}

	if len(cfg.KafkaBrokers) > 0 && cfg.IngestFeedTopic != "" {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.IngestFeedTopic, cfg.KafkaGroupID)
		defer consumer.Close()
		group.Go(func() error {
			logger.Log.WithField("topic", cfg.IngestFeedTopic).Info("Consuming partner feeds")
			if err := consumer.Consume(groupCtx, app.HandleFeedMessage); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("feed consumer: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Log.Info("Shutting down Partner Ingest Service...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Log.WithError(err).Error("server forced to shutdown")
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Log.WithError(err).Error("Partner Ingest Service exited with error")
	}
	logger.Log.Info("Partner Ingest Service stopped")
}

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/synaptica-ai/partner-ingest/pkg/bootstrap"
	"github.com/synaptica-ai/partner-ingest/pkg/common/config"
	"github.com/synaptica-ai/partner-ingest/pkg/common/database"
	"github.com/synaptica-ai/partner-ingest/pkg/common/logger"
)

// ingest-worker runs only the job workers, for deployments that scale
// processing apart from the API.
func main() {
	logger.Init()
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Log.WithError(err).Fatal("invalid configuration")
	}
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handle := app.Worker.Start(ctx)
	<-ctx.Done()

	logger.Log.Info("Shutting down ingest workers...")
	handle.Stop()
}

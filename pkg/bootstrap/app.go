package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/partner-ingest/pkg/audit"
	"github.com/synaptica-ai/partner-ingest/pkg/catalog"
	"github.com/synaptica-ai/partner-ingest/pkg/common/config"
	"github.com/synaptica-ai/partner-ingest/pkg/common/database"
	"github.com/synaptica-ai/partner-ingest/pkg/common/kafka"
	"github.com/synaptica-ai/partner-ingest/pkg/common/logger"
	"github.com/synaptica-ai/partner-ingest/pkg/diagnostics"
	"github.com/synaptica-ai/partner-ingest/pkg/dlp"
	"github.com/synaptica-ai/partner-ingest/pkg/feed"
	"github.com/synaptica-ai/partner-ingest/pkg/gateway/httpclient"
	"github.com/synaptica-ai/partner-ingest/pkg/gateway/middleware"
	"github.com/synaptica-ai/partner-ingest/pkg/idempotency"
	"github.com/synaptica-ai/partner-ingest/pkg/ingestion"
	"github.com/synaptica-ai/partner-ingest/pkg/jobs"
	"github.com/synaptica-ai/partner-ingest/pkg/observability/metrics"
	"github.com/synaptica-ai/partner-ingest/pkg/partner"
	"github.com/synaptica-ai/partner-ingest/pkg/ratelimit"
	"github.com/synaptica-ai/partner-ingest/pkg/validation"
	"github.com/synaptica-ai/partner-ingest/pkg/worker"
	"gorm.io/gorm"
)

const auditMaxString = 256

// App holds every component of the ingest pipeline built from one config.
// Both commands construct it the same way and start the parts they run.
type App struct {
	Config      *config.Config
	DB          *gorm.DB
	Audit       *audit.Log
	Jobs        *jobs.Store
	Diagnostics *diagnostics.Store
	Guard       *idempotency.Guard
	Engine      *catalog.Engine
	Service     *ingestion.Service
	Partners    *partner.Repository
	Scheduler   *partner.Scheduler
	Worker      *worker.Worker
	Limiter     ratelimit.Limiter

	closers []func() error
}

func New(cfg *config.Config, db *gorm.DB) (*App, error) {
	mode, err := validation.ParseMode(cfg.ValidationMode)
	if err != nil {
		return nil, err
	}
	masker, err := newMasker(cfg)
	if err != nil {
		return nil, err
	}

	app := &App{Config: cfg, DB: db}

	var publisher audit.Publisher
	if len(cfg.KafkaBrokers) > 0 && cfg.IngestAuditTopic != "" {
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.IngestAuditTopic)
		app.closers = append(app.closers, producer.Close)
		publisher = producer
	}

	app.Audit = audit.NewLog(db, masker, publisher)
	app.Jobs = jobs.NewStore(db, cfg.WorkerMaxAttempts)
	app.Diagnostics = diagnostics.NewStore(db, cfg.DiagnosticsInlineThreshold)
	app.Guard = idempotency.NewGuard(db)
	app.Engine = catalog.NewEngine(db)
	app.Partners = partner.NewRepository(db)

	app.Service = ingestion.NewService(ingestion.Deps{
		DB:          db,
		Registry:    feed.NewRegistry(),
		Validator:   validation.NewValidator(cfg.ValidationExtraWhitelist),
		Guard:       app.Guard,
		Jobs:        app.Jobs,
		Engine:      app.Engine,
		Diagnostics: app.Diagnostics,
		Audit:       app.Audit,
		DefaultMode: mode,
		SampleSize:  cfg.ErrorSampleSize,
	})

	fetcher := partner.NewFetcher(httpclient.New(cfg.FetchTimeout), cfg.FetchAttempts, cfg.MaxRequestBody)
	app.Scheduler = partner.NewScheduler(app.Partners, fetcher, app.Submit, app.Audit)

	app.Worker = worker.New(app.Jobs, app.Diagnostics, app.Audit, app.Service, worker.Config{
		Concurrency:  cfg.WorkerCount,
		PollInterval: cfg.WorkerPollInterval,
		BackoffBase:  cfg.WorkerBackoffBase,
		BackoffCap:   cfg.WorkerBackoffCap,
		ErrorBackoff: cfg.WorkerErrorBackoff,
	})

	app.Limiter = app.newLimiter()
	return app, nil
}

func newMasker(cfg *config.Config) (*dlp.Masker, error) {
	rules := dlp.DefaultRules()
	if cfg.AuditMaskingRules != "" {
		loaded, err := dlp.LoadRules(cfg.AuditMaskingRules)
		if err != nil {
			return nil, fmt.Errorf("load audit masking rules: %w", err)
		}
		rules = loaded
	}
	return dlp.NewMasker(rules, auditMaxString)
}

// newLimiter prefers Redis so limits hold across replicas and falls back to
// a per-process window when Redis is not configured or unreachable.
func (a *App) newLimiter() ratelimit.Limiter {
	window := time.Minute
	if a.Config.RedisHost != "" {
		client, err := database.NewRedis(a.Config)
		if err == nil {
			a.closers = append(a.closers, client.Close)
			return ratelimit.NewRedis(client, a.Config.PartnerRateLimitPerMinute, window)
		}
		client.Close()
		logger.Log.WithError(err).Warn("Rate limiting falls back to in-process counters")
	}
	return ratelimit.NewMemory(a.Config.PartnerRateLimitPerMinute, window)
}

func (a *App) Migrate() error {
	for _, migrate := range []func() error{
		a.Jobs.AutoMigrate,
		a.Diagnostics.AutoMigrate,
		a.Audit.AutoMigrate,
		a.Guard.AutoMigrate,
		a.Partners.AutoMigrate,
	} {
		if err := migrate(); err != nil {
			return err
		}
	}
	return catalog.EnsureSchema(a.DB)
}

// Router serves health, metrics and the /api/v1 partner surface.
func (a *App) Router() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}).Methods(http.MethodGet)
	router.HandleFunc("/ready", a.handleReady).Methods(http.MethodGet)
	router.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w)
	}).Methods(http.MethodGet)

	identify := middleware.Identify(a.Partners, a.Config.AdminAPIKey, a.Audit)
	limit := middleware.RateLimit(a.Limiter, a.Audit)

	api := router.PathPrefix("/api/v1").Subrouter()
	ingestion.NewHTTPHandler(a.Service, a.Config.MaxRequestBody, identify, limit).Register(api)
	partner.NewHTTPHandler(a.Partners, a.Scheduler, a.Audit, identify).Register(api)

	return middleware.Recovery(middleware.Logging(middleware.CORS(router)))
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := a.DB.DB()
	if err == nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "database unavailable", nil)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Submit enqueues a feed pulled by the scheduler.
func (a *App) Submit(ctx context.Context, partnerID string, f *partner.Feed) error {
	resp, err := a.Service.Ingest(ctx, ingestion.Request{
		PartnerID:   partnerID,
		ContentType: f.ContentType,
		Payload:     f.Payload,
		Async:       true,
		Source:      ingestion.SourceSchedule,
	})
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"partner_id": partnerID,
		"job_id":     resp.JobID,
		"duplicate":  resp.Duplicate,
	}).Info("Scheduled feed submitted")
	return nil
}

// HandleFeedMessage enqueues a feed delivered on the feed topic. Messages
// that can never be accepted are reported as permanent so the consumer
// commits past them.
func (a *App) HandleFeedMessage(ctx context.Context, msg kafka.FeedMessage) error {
	if msg.PartnerID == "" {
		return kafka.Permanent(errors.New("feed message has no partner id"))
	}
	p, err := a.Partners.Get(ctx, msg.PartnerID)
	if err != nil {
		if errors.Is(err, partner.ErrNotFound) {
			return kafka.Permanent(err)
		}
		return err
	}

	contentType := msg.ContentType
	if contentType == "" {
		contentType = partner.ContentTypeFor(p.Format)
	}
	resp, err := a.Service.Ingest(ctx, ingestion.Request{
		PartnerID:   p.ID,
		ContentType: contentType,
		FeedVersion: msg.FeedVersion,
		Payload:     msg.Payload,
		Async:       true,
		Mode:        msg.Mode,
		Source:      ingestion.SourceKafka,
	})
	if err != nil {
		if feed.IsParseError(err) || errors.Is(err, feed.ErrUnsupportedContentType) || ingestion.IsRequestError(err) {
			return kafka.Permanent(err)
		}
		return err
	}
	logger.WithFields(logrus.Fields{
		"partner_id": p.ID,
		"job_id":     resp.JobID,
		"offset":     msg.Offset,
		"duplicate":  resp.Duplicate,
	}).Debug("Feed message enqueued")
	return nil
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

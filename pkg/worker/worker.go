package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/partner-ingest/pkg/audit"
	"github.com/synaptica-ai/partner-ingest/pkg/catalog"
	"github.com/synaptica-ai/partner-ingest/pkg/common/database"
	"github.com/synaptica-ai/partner-ingest/pkg/common/logger"
	"github.com/synaptica-ai/partner-ingest/pkg/common/retry"
	"github.com/synaptica-ai/partner-ingest/pkg/diagnostics"
	"github.com/synaptica-ai/partner-ingest/pkg/feed"
	"github.com/synaptica-ai/partner-ingest/pkg/jobs"
	"github.com/synaptica-ai/partner-ingest/pkg/observability/metrics"
)

const (
	KindTransient = "transient"
	KindFatal     = "fatal"
)

// Result is what one processing attempt produced. Detail is any extra
// failure context worth keeping in diagnostics.
type Result struct {
	Summary jobs.Summary
	Detail  any
}

type Processor interface {
	ProcessJob(ctx context.Context, job *jobs.Job) (Result, error)
}

type Queue interface {
	ClaimNext(ctx context.Context) (*jobs.Job, error)
	MarkCompleted(ctx context.Context, id string, summary jobs.Summary) error
	MarkFailed(ctx context.Context, id string, failure jobs.Failure) error
	ScheduleRetry(ctx context.Context, id, lastError string, delay time.Duration) error
}

type Offloader interface {
	Offload(ctx context.Context, jobID string, detail any) (diagnostics.Placement, error)
}

type Auditor interface {
	Record(ctx context.Context, partnerID, action string, payload map[string]interface{})
}

type Config struct {
	Concurrency  int
	PollInterval time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	ErrorBackoff time.Duration
}

type Worker struct {
	queue     Queue
	offloader Offloader
	auditor   Auditor
	processor Processor
	cfg       Config
	jitter    func() float64
}

func New(queue Queue, offloader Offloader, auditor Auditor, processor Processor, cfg Config) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Worker{
		queue:     queue,
		offloader: offloader,
		auditor:   auditor,
		processor: processor,
		cfg:       cfg,
		jitter:    jobs.Jitter,
	}
}

// Classify sorts a processing error into transient or fatal. Errors the
// worker cannot place are treated as transient and spend the attempt budget.
func Classify(err error) string {
	switch {
	case jobs.IsFatal(err),
		catalog.IsFatal(err),
		feed.IsParseError(err),
		errors.Is(err, jobs.ErrPayloadNotFound):
		return KindFatal
	default:
		return KindTransient
	}
}

// ProcessOnce claims at most one job and runs it to a recorded outcome. It
// reports whether a job was claimed. The polling loop calls exactly this.
func (w *Worker) ProcessOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimNext(ctx)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	// A claimed job always reaches a recorded outcome, even during shutdown.
	workCtx := context.WithoutCancel(ctx)
	metrics.IncJobsClaimed()
	w.auditor.Record(workCtx, job.PartnerID, audit.ActionClaim, map[string]interface{}{
		"job_id":   job.ID,
		"attempts": job.Attempts,
	})
	return true, w.run(workCtx, job)
}

func (w *Worker) run(ctx context.Context, job *jobs.Job) error {
	log := logger.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"partner_id": job.PartnerID,
		"attempts":   job.Attempts,
	})

	result, procErr := w.processor.ProcessJob(ctx, job)
	if procErr == nil {
		if err := w.persist(ctx, func() error { return w.queue.MarkCompleted(ctx, job.ID, result.Summary) }); err != nil {
			return fmt.Errorf("mark job %s completed: %w", job.ID, err)
		}
		metrics.IncJobsCompleted()
		log.WithFields(logrus.Fields{
			"status":   jobs.StatusCompleted,
			"accepted": result.Summary.Accepted,
			"rejected": result.Summary.Rejected,
		}).Info("Ingest job completed")
		w.auditor.Record(ctx, job.PartnerID, audit.ActionCompleted, map[string]interface{}{
			"job_id":         job.ID,
			"accepted_count": result.Summary.Accepted,
			"rejected_count": result.Summary.Rejected,
		})
		return nil
	}

	kind := Classify(procErr)
	if kind == KindTransient && job.Attempts < job.MaxAttempts {
		delay := jobs.Backoff(job.Attempts, w.cfg.BackoffBase, w.cfg.BackoffCap, w.jitter())
		if err := w.persist(ctx, func() error { return w.queue.ScheduleRetry(ctx, job.ID, procErr.Error(), delay) }); err != nil {
			return fmt.Errorf("schedule retry for job %s: %w", job.ID, err)
		}
		metrics.IncJobsRetried()
		log.WithError(procErr).WithField("delay", delay.String()).Warn("Ingest job failed transiently, retry scheduled")
		w.auditor.Record(ctx, job.PartnerID, audit.ActionRetryScheduled, map[string]interface{}{
			"job_id":   job.ID,
			"attempts": job.Attempts,
			"delay_ms": delay.Milliseconds(),
			"error":    procErr.Error(),
		})
		return nil
	}

	return w.fail(ctx, log, job, kind, result, procErr)
}

func (w *Worker) fail(ctx context.Context, log *logrus.Entry, job *jobs.Job, kind string, result Result, procErr error) error {
	detail := map[string]interface{}{
		"error":    procErr.Error(),
		"kind":     kind,
		"attempts": job.Attempts,
	}
	if result.Detail != nil {
		detail["detail"] = result.Detail
	}

	placement, err := w.offloader.Offload(ctx, job.ID, detail)
	if err != nil {
		log.WithError(err).Error("Failed to store diagnostics, keeping a reduced copy inline")
		reduced, _ := json.Marshal(map[string]interface{}{
			"error":             procErr.Error(),
			"kind":              kind,
			"attempts":          job.Attempts,
			"diagnostics_error": err.Error(),
		})
		placement = diagnostics.Placement{Inline: reduced}
	}

	summary := result.Summary
	if len(summary.Errors) == 0 {
		summary.Errors = []string{procErr.Error()}
	}
	failure := jobs.Failure{
		Error:          procErr.Error(),
		Summary:        summary,
		Diagnostics:    placement.Inline,
		DiagnosticsKey: placement.Key,
	}
	if err := w.persist(ctx, func() error { return w.queue.MarkFailed(ctx, job.ID, failure) }); err != nil {
		return fmt.Errorf("mark job %s failed: %w", job.ID, err)
	}

	metrics.IncJobsFailed()
	log.WithError(procErr).WithFields(logrus.Fields{
		"status":          jobs.StatusFailed,
		"kind":            kind,
		"diagnostics_key": placement.Key,
	}).Error("Ingest job failed")
	w.auditor.Record(ctx, job.PartnerID, audit.ActionFailed, map[string]interface{}{
		"job_id":          job.ID,
		"attempts":        job.Attempts,
		"kind":            kind,
		"error":           procErr.Error(),
		"diagnostics_key": placement.Key,
	})
	return nil
}

// persist retries a status write through transient storage errors so a
// finished attempt is not lost to momentary contention.
func (w *Worker) persist(ctx context.Context, write func() error) error {
	return retry.Do(ctx, 5, 50*time.Millisecond, time.Second, func() error {
		err := write()
		if err != nil && !database.IsTransient(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/partner-ingest/pkg/audit"
	"github.com/synaptica-ai/partner-ingest/pkg/catalog"
	"github.com/synaptica-ai/partner-ingest/pkg/common/logger"
	"github.com/synaptica-ai/partner-ingest/pkg/diagnostics"
	"github.com/synaptica-ai/partner-ingest/pkg/feed"
	"github.com/synaptica-ai/partner-ingest/pkg/idempotency"
	"github.com/synaptica-ai/partner-ingest/pkg/jobs"
	"github.com/synaptica-ai/partner-ingest/pkg/observability/metrics"
	"github.com/synaptica-ai/partner-ingest/pkg/validation"
	"gorm.io/gorm"
)

const defaultSampleSize = 10

type Deps struct {
	DB          *gorm.DB
	Registry    *feed.Registry
	Validator   *validation.Validator
	Guard       *idempotency.Guard
	Jobs        *jobs.Store
	Engine      *catalog.Engine
	Diagnostics *diagnostics.Store
	Audit       *audit.Log
	DefaultMode validation.Mode
	SampleSize  int
}

type Service struct {
	db          *gorm.DB
	registry    *feed.Registry
	validator   *validation.Validator
	guard       *idempotency.Guard
	jobs        *jobs.Store
	engine      *catalog.Engine
	diagnostics *diagnostics.Store
	audit       *audit.Log
	mode        validation.Mode
	sampleSize  int
}

func NewService(deps Deps) *Service {
	mode := deps.DefaultMode
	if mode == "" {
		mode = validation.Lenient
	}
	sample := deps.SampleSize
	if sample <= 0 {
		sample = defaultSampleSize
	}
	return &Service{
		db:          deps.DB,
		registry:    deps.Registry,
		validator:   deps.Validator,
		guard:       deps.Guard,
		jobs:        deps.Jobs,
		engine:      deps.Engine,
		diagnostics: deps.Diagnostics,
		audit:       deps.Audit,
		mode:        mode,
		sampleSize:  sample,
	}
}

func (s *Service) resolveMode(value string) (validation.Mode, error) {
	if strings.TrimSpace(value) == "" {
		return s.mode, nil
	}
	mode, err := validation.ParseMode(value)
	if err != nil {
		return "", RequestError{reason: err}
	}
	return mode, nil
}

// parse turns the submission into canonical records owned by partnerID and
// their normalized bytes.
func (s *Service) parse(ctx context.Context, req Request) ([]feed.Record, []byte, error) {
	records, err := s.registry.Parse(req.ContentType, req.FeedVersion, req.Payload)
	if err != nil {
		metrics.IncParseErrors()
		s.audit.Record(ctx, req.PartnerID, audit.ActionParseFailed, map[string]interface{}{
			"content_type": req.ContentType,
			"feed_version": req.FeedVersion,
			"source":       req.Source,
			"error":        err.Error(),
		})
		return nil, nil, err
	}
	for i := range records {
		records[i].PartnerID = req.PartnerID
	}
	canonical, err := feed.Canonical(records)
	if err != nil {
		return nil, nil, fmt.Errorf("normalize feed: %w", err)
	}
	return records, canonical, nil
}

// Ingest accepts a feed from a partner. Async submissions are enqueued and
// answered with a job id; sync submissions are validated and applied within
// the call. A feed whose normalized content was already seen for the partner
// short-circuits with the prior outcome.
func (s *Service) Ingest(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.PartnerID) == "" {
		return nil, RequestError{reason: errMissingPartner}
	}
	if len(req.Payload) == 0 {
		return nil, RequestError{reason: errEmptyPayload}
	}
	if req.Source == "" {
		req.Source = SourceAPI
	}
	mode, err := s.resolveMode(req.Mode)
	if err != nil {
		return nil, err
	}

	records, canonical, err := s.parse(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.Async {
		return s.enqueue(ctx, req, mode, records, canonical)
	}
	return s.ingestSync(ctx, req, mode, records, canonical)
}

func (s *Service) enqueue(ctx context.Context, req Request, mode validation.Mode, records []feed.Record, canonical []byte) (*Response, error) {
	jobID := uuid.New().String()
	payloadID := uuid.New().String()

	var decision idempotency.Decision
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		decision, err = s.guard.WithTx(tx).CheckAndRecord(ctx, req.PartnerID, canonical, idempotency.Outcome{
			Mode:   idempotency.ModeAsync,
			Status: jobs.StatusQueued,
			JobID:  jobID,
		})
		if err != nil || decision.Duplicate {
			return err
		}

		store := s.jobs.WithTx(tx)
		if err := store.SavePayload(ctx, &jobs.Payload{
			ID:          payloadID,
			PartnerID:   req.PartnerID,
			ContentType: req.ContentType,
			FeedVersion: req.FeedVersion,
			Records:     canonical,
			RecordCount: len(records),
		}); err != nil {
			return err
		}
		_, err = store.Enqueue(ctx, jobs.EnqueueParams{
			ID:         jobID,
			PartnerID:  req.PartnerID,
			PayloadRef: payloadID,
			Checksum:   decision.Checksum,
			Mode:       string(mode),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue feed: %w", err)
	}
	if decision.Duplicate {
		return s.duplicate(ctx, req, decision), nil
	}

	logger.WithFields(logrus.Fields{
		"job_id":     jobID,
		"partner_id": req.PartnerID,
		"records":    len(records),
		"status":     jobs.StatusQueued,
	}).Info("Feed enqueued")
	s.audit.Record(ctx, req.PartnerID, audit.ActionEnqueue, map[string]interface{}{
		"job_id":       jobID,
		"checksum":     decision.Checksum,
		"record_count": len(records),
		"mode":         string(mode),
		"source":       req.Source,
	})
	return &Response{Status: StatusAccepted, JobID: jobID, Checksum: decision.Checksum}, nil
}

// ingestSync validates and applies the feed, then records the checksum with
// its final outcome. A crash before the record is written leaves the feed
// resubmittable; reapplying it is an idempotent upsert.
func (s *Service) ingestSync(ctx context.Context, req Request, mode validation.Mode, records []feed.Record, canonical []byte) (*Response, error) {
	seen, err := s.guard.Peek(ctx, req.PartnerID, canonical)
	if err != nil {
		return nil, fmt.Errorf("check feed import: %w", err)
	}
	if seen.Duplicate {
		return s.duplicate(ctx, req, seen), nil
	}

	result := s.validator.Validate(records, mode)
	summary := s.summarize(result)
	resp := &Response{
		Checksum: seen.Checksum,
		Summary:  &summary,
		Rejected: s.rejectedSample(result.Rejected),
	}

	if len(result.Accepted) == 0 {
		resp.Status = StatusRejected
	} else {
		applied, err := s.engine.Apply(ctx, req.PartnerID, result.Accepted)
		if err != nil {
			return nil, fmt.Errorf("apply feed: %w", err)
		}
		s.applySummary(&summary, applied)
		resp.Status = StatusCompleted
	}

	outcome := idempotency.Outcome{Mode: idempotency.ModeSync, Status: resp.Status, Summary: &summary}
	decision, err := s.guard.CheckAndRecord(ctx, req.PartnerID, canonical, outcome)
	if err != nil {
		return nil, fmt.Errorf("record feed import: %w", err)
	}
	if decision.Duplicate {
		// An identical submission finished first.
		return s.duplicate(ctx, req, decision), nil
	}

	metrics.ObserveRows(summary.Accepted, summary.Rejected, summary.Inserted+summary.Updated)
	s.audit.Record(ctx, req.PartnerID, audit.ActionIngestSync, map[string]interface{}{
		"checksum":       decision.Checksum,
		"status":         resp.Status,
		"mode":           string(mode),
		"accepted_count": summary.Accepted,
		"rejected_count": summary.Rejected,
		"inserted":       summary.Inserted,
		"updated":        summary.Updated,
		"write_failures": summary.WriteFailures,
	})
	return resp, nil
}

// duplicate builds the short-circuit answer. For async feeds the current job
// state is reported rather than the state at submission.
func (s *Service) duplicate(ctx context.Context, req Request, decision idempotency.Decision) *Response {
	metrics.IncDuplicateFeeds()
	resp := &Response{Status: StatusDuplicate, Duplicate: true, Checksum: decision.Checksum}
	if decision.Prior != nil {
		prior := decision.Prior.Outcome.Data()
		if prior.JobID != "" {
			resp.JobID = prior.JobID
			if job, err := s.jobs.Get(ctx, prior.JobID); err == nil {
				summary := job.Summary.Data()
				prior.Status = job.Status
				prior.Summary = &summary
			}
		}
		resp.Summary = prior.Summary
		resp.Prior = &prior
	}
	s.audit.Record(ctx, req.PartnerID, audit.ActionDuplicate, map[string]interface{}{
		"checksum":     decision.Checksum,
		"prior_job_id": resp.JobID,
		"source":       req.Source,
	})
	return resp
}

func (s *Service) summarize(result validation.Result) jobs.Summary {
	summary := jobs.Summary{
		Accepted: len(result.Accepted),
		Rejected: len(result.Rejected),
		Errors:   []string{},
	}
	for _, rej := range result.Rejected {
		if len(summary.Errors) >= s.sampleSize {
			break
		}
		summary.Errors = append(summary.Errors, rowMessage(rej.Record.Row, rej.Record.SKU, rej.Reason()))
	}
	return summary
}

func (s *Service) applySummary(summary *jobs.Summary, applied catalog.Summary) {
	summary.Inserted = applied.Inserted
	summary.Updated = applied.Updated
	summary.WriteFailures = len(applied.Failed)
	for _, failure := range applied.Failed {
		if len(summary.Errors) >= s.sampleSize {
			break
		}
		summary.Errors = append(summary.Errors, rowMessage(failure.Row, failure.SKU, "write failed: "+failure.Error))
	}
}

func (s *Service) rejectedSample(rejected []validation.Rejection) []RejectedRow {
	rows := make([]RejectedRow, 0, min(len(rejected), s.sampleSize))
	for _, rej := range rejected {
		if len(rows) >= s.sampleSize {
			break
		}
		rows = append(rows, RejectedRow{Row: rej.Record.Row, SKU: rej.Record.SKU, Reason: rej.Reason()})
	}
	return rows
}

func rowMessage(row int, sku, reason string) string {
	if sku == "" {
		return fmt.Sprintf("row %d: %s", row, reason)
	}
	return fmt.Sprintf("row %d (%s): %s", row, sku, reason)
}

// Validate parses and validates a feed without persisting anything.
func (s *Service) Validate(ctx context.Context, contentType, version, modeValue string, payload []byte) (*Report, error) {
	if len(payload) == 0 {
		return nil, RequestError{reason: errEmptyPayload}
	}
	mode, err := s.resolveMode(modeValue)
	if err != nil {
		return nil, err
	}
	records, err := s.registry.Parse(contentType, version, payload)
	if err != nil {
		return nil, err
	}
	canonical, err := feed.Canonical(records)
	if err != nil {
		return nil, fmt.Errorf("normalize feed: %w", err)
	}

	result := s.validator.Validate(records, mode)
	return &Report{
		Checksum: feed.Checksum(canonical),
		Mode:     string(mode),
		Summary:  s.summarize(result),
		Rejected: s.rejectedSample(result.Rejected),
	}, nil
}

func (s *Service) Status(ctx context.Context, id string, scope jobs.Scope) (*StatusView, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !scope.Allows(job) {
		return nil, jobs.ErrForbidden
	}
	view := viewOf(job, scope.Admin)
	return &view, nil
}

func viewOf(job *jobs.Job, admin bool) StatusView {
	summary := job.Summary.Data()
	if summary.Errors == nil {
		summary.Errors = []string{}
	}
	view := StatusView{
		JobID:         job.ID,
		PartnerID:     job.PartnerID,
		Status:        job.Status,
		Mode:          job.Mode,
		Attempts:      job.Attempts,
		MaxAttempts:   job.MaxAttempts,
		AcceptedCount: summary.Accepted,
		RejectedCount: summary.Rejected,
		ErrorsSummary: summary.Errors,
		Summary:       summary,
		NextRunAt:     job.NextRunAt,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
		ProcessedAt:   job.ProcessedAt,
	}
	if job.LastError != nil {
		view.LastError = *job.LastError
	}
	if job.DiagnosticsKey != nil {
		view.DiagnosticsKey = *job.DiagnosticsKey
	}
	if admin && len(job.Diagnostics) > 0 {
		view.Diagnostics = json.RawMessage(job.Diagnostics)
	}
	return view
}

func (s *Service) Requeue(ctx context.Context, id string, scope jobs.Scope) (*StatusView, error) {
	job, err := s.jobs.Requeue(ctx, id, scope)
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"partner_id": job.PartnerID,
		"status":     job.Status,
		"admin":      scope.Admin,
	}).Info("Job requeued")
	s.audit.Record(ctx, job.PartnerID, audit.ActionRequeue, map[string]interface{}{
		"job_id": job.ID,
		"admin":  scope.Admin,
	})
	view := viewOf(job, scope.Admin)
	return &view, nil
}

// RequeueFailed requeues the caller's failed jobs. An admin acts on the named
// partner, or on every partner when partnerID is empty.
func (s *Service) RequeueFailed(ctx context.Context, scope jobs.Scope, partnerID string) (int64, error) {
	target := scope.PartnerID
	if scope.Admin {
		target = partnerID
	}
	if !scope.Admin && target == "" {
		return 0, jobs.ErrForbidden
	}
	count, err := s.jobs.RequeueFailed(ctx, target)
	if err != nil {
		return 0, err
	}
	s.audit.Record(ctx, target, audit.ActionRequeue, map[string]interface{}{
		"count": count,
		"bulk":  true,
		"admin": scope.Admin,
	})
	return count, nil
}

// Diagnostics returns an offloaded failure blob. Admin only.
func (s *Service) Diagnostics(ctx context.Context, key string, scope jobs.Scope) (*diagnostics.Blob, error) {
	if !scope.Admin {
		return nil, jobs.ErrForbidden
	}
	return s.diagnostics.Get(ctx, key)
}

func (s *Service) Overview(ctx context.Context, filter jobs.ListFilter) (*Overview, error) {
	counts, err := s.jobs.CountByStatus(ctx, filter.PartnerID)
	if err != nil {
		return nil, err
	}
	recent, err := s.jobs.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	overview := &Overview{Counts: counts, Recent: make([]StatusView, 0, len(recent))}
	for i := range recent {
		overview.Recent = append(overview.Recent, viewOf(&recent[i], true))
	}
	return overview, nil
}

func (s *Service) AuditTrail(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	return s.audit.List(ctx, filter)
}

// IsNotFound reports lookups that found nothing.
func IsNotFound(err error) bool {
	return errors.Is(err, jobs.ErrJobNotFound) || errors.Is(err, diagnostics.ErrNotFound)
}

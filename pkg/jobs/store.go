package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/synaptica-ai/partner-ingest/pkg/common/database"
	"github.com/synaptica-ai/partner-ingest/pkg/common/logger"
	"github.com/synaptica-ai/partner-ingest/pkg/observability/metrics"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	db          *gorm.DB
	maxAttempts int
	now         func() time.Time

	// beforeClaim runs between the candidate select and the guarded update.
	beforeClaim func(tx *gorm.DB, candidate *Job)
}

func NewStore(db *gorm.DB, maxAttempts int) *Store {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Store{db: db, maxAttempts: maxAttempts, now: func() time.Time { return time.Now().UTC() }}
}

// WithTx returns a store bound to tx so enqueue can share a transaction with
// the idempotency record.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, maxAttempts: s.maxAttempts, now: s.now, beforeClaim: s.beforeClaim}
}

func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Job{}, &Payload{})
}

func (s *Store) MaxAttempts() int { return s.maxAttempts }

func (s *Store) SavePayload(ctx context.Context, payload *Payload) error {
	if payload.ID == "" {
		payload.ID = uuid.New().String()
	}
	if err := s.db.WithContext(ctx).Create(payload).Error; err != nil {
		return fmt.Errorf("save payload: %w", err)
	}
	return nil
}

func (s *Store) LoadPayload(ctx context.Context, id string) (*Payload, error) {
	var payload Payload
	if err := s.db.WithContext(ctx).First(&payload, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPayloadNotFound
		}
		return nil, err
	}
	return &payload, nil
}

type EnqueueParams struct {
	ID         string
	PartnerID  string
	PayloadRef string
	Checksum   string
	Mode       string
}

// Enqueue inserts a queued job with zero attempts.
func (s *Store) Enqueue(ctx context.Context, params EnqueueParams) (*Job, error) {
	id := params.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := s.now()
	job := &Job{
		ID:          id,
		PartnerID:   params.PartnerID,
		PayloadRef:  params.PayloadRef,
		Checksum:    params.Checksum,
		Mode:        params.Mode,
		Status:      StatusQueued,
		MaxAttempts: s.maxAttempts,
		Summary:     datatypes.NewJSONType(Summary{Errors: []string{}}),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	metrics.IncJobsEnqueued()
	return job, nil
}

// ClaimNext moves the oldest runnable queued job to processing and bumps its
// attempt count. The select and the guarded update run in one transaction;
// the update only matches while the row is still queued, so two callers can
// never both claim it. A lost race is retried with a fresh select, so
// nil, nil always means nothing is runnable.
func (s *Store) ClaimNext(ctx context.Context) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		job, err := s.claimOnce(ctx)
		if errors.Is(err, errClaimConflict) {
			metrics.IncClaimConflicts()
			continue
		}
		return job, err
	}
}

func (s *Store) claimOnce(ctx context.Context) (*Job, error) {
	var claimed *Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		query := tx.Where("status = ? AND (next_run_at IS NULL OR next_run_at <= ?)", StatusQueued, now).
			Order("created_at ASC, id ASC").
			Limit(1)
		if database.IsPostgres(tx) {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var candidates []Job
		if err := query.Find(&candidates).Error; err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		job := candidates[0]
		if s.beforeClaim != nil {
			s.beforeClaim(tx, &job)
		}
		result := tx.Model(&Job{}).
			Where("id = ? AND status = ?", job.ID, StatusQueued).
			Updates(map[string]interface{}{
				"status":     StatusProcessing,
				"attempts":   gorm.Expr("attempts + 1"),
				"updated_at": now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errClaimConflict
		}

		job.Status = StatusProcessing
		job.Attempts++
		job.UpdatedAt = now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) MarkCompleted(ctx context.Context, id string, summary Summary) error {
	now := s.now()
	return s.transition(ctx, id, StatusProcessing, map[string]interface{}{
		"status":       StatusCompleted,
		"summary":      datatypes.NewJSONType(normalize(summary)),
		"last_error":   nil,
		"next_run_at":  nil,
		"processed_at": now,
		"updated_at":   now,
	})
}

func (s *Store) MarkFailed(ctx context.Context, id string, failure Failure) error {
	now := s.now()
	values := map[string]interface{}{
		"status":          StatusFailed,
		"summary":         datatypes.NewJSONType(normalize(failure.Summary)),
		"last_error":      failure.Error,
		"next_run_at":     nil,
		"diagnostics":     nil,
		"diagnostics_key": nil,
		"processed_at":    now,
		"updated_at":      now,
	}
	if failure.DiagnosticsKey != "" {
		values["diagnostics_key"] = failure.DiagnosticsKey
	} else if len(failure.Diagnostics) > 0 {
		values["diagnostics"] = failure.Diagnostics
	}
	return s.transition(ctx, id, StatusProcessing, values)
}

// ScheduleRetry returns a processing job to the queue. The job becomes
// claimable again after delay.
func (s *Store) ScheduleRetry(ctx context.Context, id, lastError string, delay time.Duration) error {
	now := s.now()
	values := map[string]interface{}{
		"status":      StatusQueued,
		"last_error":  lastError,
		"next_run_at": nil,
		"updated_at":  now,
	}
	if delay > 0 {
		values["next_run_at"] = now.Add(delay)
	}
	return s.transition(ctx, id, StatusProcessing, values)
}

func (s *Store) transition(ctx context.Context, id, from string, values map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 1 {
		return nil
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is %s, expected %s", ErrInvalidTransition, id, job.Status, from)
}

func requeueValues(now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"status":          StatusQueued,
		"attempts":        0,
		"next_run_at":     nil,
		"last_error":      nil,
		"diagnostics":     nil,
		"diagnostics_key": nil,
		"processed_at":    nil,
		"summary":         datatypes.NewJSONType(Summary{Errors: []string{}}),
		"updated_at":      now,
	}
}

// Requeue resets a job to queued with a fresh attempt budget. Failed and
// completed jobs may be requeued by their owner; a job stuck in processing
// only by an admin.
func (s *Store) Requeue(ctx context.Context, id string, scope Scope) (*Job, error) {
	var requeued *Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job Job
		if err := tx.First(&job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobNotFound
			}
			return err
		}
		if !scope.Allows(&job) {
			return ErrForbidden
		}

		switch job.Status {
		case StatusFailed, StatusCompleted:
		case StatusProcessing:
			if !scope.Admin {
				return fmt.Errorf("%w: job %s is processing", ErrInvalidTransition, id)
			}
		default:
			return fmt.Errorf("%w: job %s is already %s", ErrInvalidTransition, id, job.Status)
		}

		now := s.now()
		result := tx.Model(&Job{}).
			Where("id = ? AND status = ?", id, job.Status).
			Updates(requeueValues(now))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: job %s changed concurrently", ErrInvalidTransition, id)
		}
		if err := tx.First(&job, "id = ?", id).Error; err != nil {
			return err
		}
		requeued = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.IncJobsRequeued(1)
	return requeued, nil
}

// RequeueFailed requeues every failed job, limited to one partner unless
// partnerID is empty.
func (s *Store) RequeueFailed(ctx context.Context, partnerID string) (int64, error) {
	query := s.db.WithContext(ctx).Model(&Job{}).Where("status = ?", StatusFailed)
	if partnerID != "" {
		query = query.Where("partner_id = ?", partnerID)
	}
	result := query.Updates(requeueValues(s.now()))
	if result.Error != nil {
		return 0, result.Error
	}
	metrics.IncJobsRequeued(result.RowsAffected)
	logger.Log.WithFields(map[string]interface{}{
		"partner_id": partnerID,
		"count":      result.RowsAffected,
	}).Info("Requeued failed jobs")
	return result.RowsAffected, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

type ListFilter struct {
	PartnerID string
	Status    string
	Limit     int
}

// List returns the most recently created jobs first.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Job, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	query := s.db.WithContext(ctx).Model(&Job{})
	if filter.PartnerID != "" {
		query = query.Where("partner_id = ?", filter.PartnerID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	var jobs []Job
	if err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Store) CountByStatus(ctx context.Context, partnerID string) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	query := s.db.WithContext(ctx).Model(&Job{}).Select("status, COUNT(*) AS count").Group("status")
	if partnerID != "" {
		query = query.Where("partner_id = ?", partnerID)
	}
	if err := query.Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := map[string]int64{
		StatusQueued:     0,
		StatusProcessing: 0,
		StatusCompleted:  0,
		StatusFailed:     0,
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

func normalize(summary Summary) Summary {
	if summary.Errors == nil {
		summary.Errors = []string{}
	}
	return summary
}

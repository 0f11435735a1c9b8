package ingestion

import (
	"errors"
	"time"

	"github.com/synaptica-ai/partner-ingest/pkg/idempotency"
	"github.com/synaptica-ai/partner-ingest/pkg/jobs"
)

const (
	StatusAccepted  = "accepted"
	StatusCompleted = "completed"
	StatusDuplicate = "duplicate"
	StatusRejected  = "rejected"
)

const (
	SourceAPI      = "api"
	SourceSchedule = "schedule"
	SourceKafka    = "kafka"
)

var (
	errMissingPartner = errors.New("partner identity required")
	errEmptyPayload   = errors.New("feed payload is empty")
)

// RequestError is a submission the service refuses before parsing.
type RequestError struct {
	reason error
}

func (e RequestError) Error() string {
	return e.reason.Error()
}

func (e RequestError) Unwrap() error {
	return e.reason
}

func IsRequestError(err error) bool {
	var re RequestError
	return errors.As(err, &re)
}

// Request is one feed submission from an authenticated partner.
type Request struct {
	PartnerID   string
	ContentType string
	FeedVersion string
	Payload     []byte
	Async       bool
	// Mode overrides the default validation mode when set.
	Mode   string
	Source string
}

type RejectedRow struct {
	Row    int    `json:"row"`
	SKU    string `json:"sku,omitempty"`
	Reason string `json:"reason"`
}

type Response struct {
	Status    string               `json:"status"`
	JobID     string               `json:"job_id,omitempty"`
	Duplicate bool                 `json:"duplicate"`
	Checksum  string               `json:"checksum"`
	Summary   *jobs.Summary        `json:"summary,omitempty"`
	Rejected  []RejectedRow        `json:"rejected,omitempty"`
	Prior     *idempotency.Outcome `json:"prior,omitempty"`
}

// StatusView is the partner-facing view of a job.
type StatusView struct {
	JobID          string       `json:"job_id"`
	PartnerID      string       `json:"partner_id"`
	Status         string       `json:"status"`
	Mode           string       `json:"mode"`
	Attempts       int          `json:"attempts"`
	MaxAttempts    int          `json:"max_attempts"`
	AcceptedCount  int          `json:"accepted_count"`
	RejectedCount  int          `json:"rejected_count"`
	ErrorsSummary  []string     `json:"errors_summary"`
	Summary        jobs.Summary `json:"summary"`
	LastError      string       `json:"last_error,omitempty"`
	DiagnosticsKey string       `json:"diagnostics_key,omitempty"`
	Diagnostics    interface{}  `json:"diagnostics,omitempty"`
	NextRunAt      *time.Time   `json:"next_run_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	ProcessedAt    *time.Time   `json:"processed_at,omitempty"`
}

type Overview struct {
	Counts map[string]int64 `json:"counts"`
	Recent []StatusView     `json:"recent"`
}

// Report is the result of validating a feed without persisting it.
type Report struct {
	Checksum string        `json:"checksum"`
	Mode     string        `json:"mode"`
	Summary  jobs.Summary  `json:"summary"`
	Rejected []RejectedRow `json:"rejected,omitempty"`
}

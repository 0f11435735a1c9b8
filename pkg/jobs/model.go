package jobs

import (
	"time"

	"gorm.io/datatypes"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Summary is the outcome shape shared by the sync response and job status.
type Summary struct {
	Accepted      int      `json:"accepted_count"`
	Rejected      int      `json:"rejected_count"`
	Inserted      int      `json:"inserted"`
	Updated       int      `json:"updated"`
	WriteFailures int      `json:"write_failures"`
	Errors        []string `json:"errors_summary"`
}

type Job struct {
	ID             string                      `gorm:"primaryKey;size:36" json:"id"`
	PartnerID      string                      `gorm:"size:64;not null;index" json:"partner_id"`
	PayloadRef     string                      `gorm:"size:36;not null" json:"payload_ref"`
	Checksum       string                      `gorm:"size:64" json:"checksum"`
	Mode           string                      `gorm:"size:16;not null" json:"mode"`
	Status         string                      `gorm:"size:16;not null;index:idx_ingest_jobs_claim,priority:1" json:"status"`
	Attempts       int                         `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts    int                         `gorm:"not null" json:"max_attempts"`
	NextRunAt      *time.Time                  `json:"next_run_at,omitempty"`
	LastError      *string                     `gorm:"type:text" json:"last_error,omitempty"`
	Summary        datatypes.JSONType[Summary] `json:"summary"`
	Diagnostics    datatypes.JSON              `json:"diagnostics,omitempty"`
	DiagnosticsKey *string                     `gorm:"size:64" json:"diagnostics_key,omitempty"`
	CreatedAt      time.Time                   `gorm:"index:idx_ingest_jobs_claim,priority:2" json:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at"`
	ProcessedAt    *time.Time                  `json:"processed_at,omitempty"`
}

func (Job) TableName() string { return "partner_ingest_jobs" }

// Payload is the canonical feed an async job processes. It is written once
// at enqueue and never modified.
type Payload struct {
	ID          string         `gorm:"primaryKey;size:36" json:"id"`
	PartnerID   string         `gorm:"size:64;not null;index" json:"partner_id"`
	ContentType string         `gorm:"size:128" json:"content_type"`
	FeedVersion string         `gorm:"size:32" json:"feed_version,omitempty"`
	Records     datatypes.JSON `gorm:"not null" json:"records"`
	RecordCount int            `json:"record_count"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (Payload) TableName() string { return "partner_ingest_payloads" }

// Failure describes a terminal failure. At most one of Diagnostics and
// DiagnosticsKey is set.
type Failure struct {
	Error          string
	Summary        Summary
	Diagnostics    datatypes.JSON
	DiagnosticsKey string
}

// Scope identifies who is acting on a job.
type Scope struct {
	PartnerID string
	Admin     bool
}

func (s Scope) Allows(job *Job) bool {
	return s.Admin || (s.PartnerID != "" && s.PartnerID == job.PartnerID)
}

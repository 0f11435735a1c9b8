package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/synaptica-ai/partner-ingest/pkg/common/logger"
	"github.com/synaptica-ai/partner-ingest/pkg/feed"
	"github.com/synaptica-ai/partner-ingest/pkg/jobs"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

var ErrNotRecorded = errors.New("feed import not recorded")

// Outcome is what a duplicate submission gets back.
type Outcome struct {
	Mode    string        `json:"mode"`
	Status  string        `json:"status"`
	JobID   string        `json:"job_id,omitempty"`
	Summary *jobs.Summary `json:"summary,omitempty"`
}

type FeedImport struct {
	ID        uint                        `gorm:"primaryKey" json:"id"`
	PartnerID string                      `gorm:"size:64;not null;uniqueIndex:idx_feed_imports_partner_checksum,priority:1" json:"partner_id"`
	Checksum  string                      `gorm:"size:64;not null;uniqueIndex:idx_feed_imports_partner_checksum,priority:2" json:"checksum"`
	JobID     *string                     `gorm:"size:36" json:"job_id,omitempty"`
	Outcome   datatypes.JSONType[Outcome] `json:"outcome"`
	CreatedAt time.Time                   `json:"created_at"`
	UpdatedAt time.Time                   `json:"updated_at"`
}

func (FeedImport) TableName() string { return "partner_feed_imports" }

type Decision struct {
	Checksum  string
	Duplicate bool
	Prior     *FeedImport
}

type Guard struct {
	db *gorm.DB
}

func NewGuard(db *gorm.DB) *Guard {
	return &Guard{db: db}
}

// WithTx binds the guard to tx so the record commits or rolls back with the
// job enqueue.
func (g *Guard) WithTx(tx *gorm.DB) *Guard {
	return &Guard{db: tx}
}

func (g *Guard) AutoMigrate() error {
	return g.db.AutoMigrate(&FeedImport{})
}

// CheckAndRecord claims (partnerID, checksum of normalized) for the caller.
// The insert is the check: when a row already exists nothing is written and
// the prior record is returned as a duplicate. The unique index settles
// races between concurrent submissions. An abandoned sync claim is replaced.
func (g *Guard) CheckAndRecord(ctx context.Context, partnerID string, normalized []byte, outcome Outcome) (Decision, error) {
	checksum := feed.Checksum(normalized)
	for attempt := 0; ; attempt++ {
		record := FeedImport{
			PartnerID: partnerID,
			Checksum:  checksum,
			Outcome:   datatypes.NewJSONType(outcome),
		}
		if outcome.JobID != "" {
			jobID := outcome.JobID
			record.JobID = &jobID
		}

		result := g.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&record)
		if result.Error != nil {
			return Decision{}, fmt.Errorf("record feed import: %w", result.Error)
		}
		if result.RowsAffected == 1 {
			return Decision{Checksum: checksum}, nil
		}

		prior, err := g.Lookup(ctx, partnerID, checksum)
		if err != nil {
			return Decision{}, err
		}
		if !prior.Abandoned() || attempt > 0 {
			return Decision{Checksum: checksum, Duplicate: true, Prior: prior}, nil
		}

		// Deleting by id never touches a record a concurrent caller just
		// inserted, and the retried insert lets the unique index pick one.
		logger.Log.WithFields(map[string]interface{}{
			"partner_id": partnerID,
			"checksum":   checksum,
		}).Warn("Reclaiming abandoned sync feed import")
		if err := g.db.WithContext(ctx).Delete(&FeedImport{}, prior.ID).Error; err != nil {
			return Decision{}, fmt.Errorf("reclaim feed import: %w", err)
		}
	}
}

// Peek reports whether normalized was already imported for partnerID
// without recording anything.
func (g *Guard) Peek(ctx context.Context, partnerID string, normalized []byte) (Decision, error) {
	checksum := feed.Checksum(normalized)
	prior, err := g.Lookup(ctx, partnerID, checksum)
	switch {
	case errors.Is(err, ErrNotRecorded):
		return Decision{Checksum: checksum}, nil
	case err != nil:
		return Decision{}, err
	case prior.Abandoned():
		return Decision{Checksum: checksum, Prior: prior}, nil
	}
	return Decision{Checksum: checksum, Duplicate: true, Prior: prior}, nil
}

// Abandoned reports a sync claim that never reached an outcome. Sync imports
// are recorded only once they finish, so such a row is left over from a
// process that died mid-import.
func (r *FeedImport) Abandoned() bool {
	outcome := r.Outcome.Data()
	return outcome.Mode == ModeSync && outcome.Status == jobs.StatusProcessing
}

func (g *Guard) Lookup(ctx context.Context, partnerID, checksum string) (*FeedImport, error) {
	var record FeedImport
	err := g.db.WithContext(ctx).
		Where("partner_id = ? AND checksum = ?", partnerID, checksum).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotRecorded
		}
		return nil, err
	}
	return &record, nil
}

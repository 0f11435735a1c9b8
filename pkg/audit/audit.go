package audit

import (
	"context"
	"time"

	"github.com/synaptica-ai/partner-ingest/pkg/common/logger"
	"github.com/synaptica-ai/partner-ingest/pkg/dlp"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ActionAuthInvalid          = "auth_invalid"
	ActionRateLimited          = "rate_limited"
	ActionEnqueue              = "enqueue"
	ActionDuplicate            = "duplicate"
	ActionParseFailed          = "parse_failed"
	ActionIngestSync           = "ingest_sync"
	ActionClaim                = "claim"
	ActionCompleted            = "completed"
	ActionFailed               = "failed"
	ActionRetryScheduled       = "retry_scheduled"
	ActionRequeue              = "requeue"
	ActionOnboard              = "onboard"
	ActionScheduledFetchFailed = "scheduled_fetch_failed"
)

// Entry is append-only. Nothing in this module updates or deletes entries.
type Entry struct {
	ID        int64                                      `gorm:"primaryKey;autoIncrement" json:"id"`
	PartnerID *string                                    `gorm:"size:64;index" json:"partner_id"`
	Action    string                                     `gorm:"size:64;not null;index" json:"action"`
	Payload   datatypes.JSONType[map[string]interface{}] `json:"payload"`
	CreatedAt time.Time                                  `gorm:"index" json:"created_at"`
}

func (Entry) TableName() string { return "partner_ingest_audit" }

// Publisher forwards entries to an event bus. Publishing is best-effort.
type Publisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

type Filter struct {
	PartnerID string
	Action    string
	Limit     int
}

type Log struct {
	db        *gorm.DB
	masker    *dlp.Masker
	publisher Publisher
}

func NewLog(db *gorm.DB, masker *dlp.Masker, publisher Publisher) *Log {
	return &Log{db: db, masker: masker, publisher: publisher}
}

func (l *Log) AutoMigrate() error {
	return l.db.AutoMigrate(&Entry{})
}

// Record appends an entry. Failures are logged and swallowed so an audit
// outage never fails the operation being described. An empty partnerID
// records an admin or anonymous action.
func (l *Log) Record(ctx context.Context, partnerID, action string, payload map[string]interface{}) {
	if l == nil {
		return
	}
	masked := l.masker.Sanitize(payload)
	if masked == nil {
		masked = map[string]interface{}{}
	}

	entry := Entry{
		Action:  action,
		Payload: datatypes.NewJSONType(masked),
	}
	if partnerID != "" {
		entry.PartnerID = &partnerID
	}

	// Detach from request cancellation; the entry should land even when the
	// caller has already gone away.
	writeCtx := context.WithoutCancel(ctx)
	if err := l.db.WithContext(writeCtx).Create(&entry).Error; err != nil {
		logger.Log.WithError(err).WithFields(map[string]interface{}{
			"partner_id": partnerID,
			"action":     action,
		}).Warn("Failed to write audit entry")
	}

	if l.publisher != nil {
		data := make(map[string]interface{}, len(masked)+1)
		for key, value := range masked {
			data[key] = value
		}
		data["partner_id"] = partnerID
		if err := l.publisher.PublishEvent(writeCtx, action, "partner-ingest", data); err != nil {
			logger.Log.WithError(err).WithField("action", action).Debug("Audit event not published")
		}
	}
}

// List returns the newest entries first.
func (l *Log) List(ctx context.Context, filter Filter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := l.db.WithContext(ctx).Model(&Entry{})
	if filter.PartnerID != "" {
		query = query.Where("partner_id = ?", filter.PartnerID)
	}
	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	var entries []Entry
	if err := query.Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

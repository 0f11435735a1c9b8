package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("diagnostics not found")

// Blob holds failure detail too large to keep on the job row.
type Blob struct {
	Key       string         `gorm:"column:diag_key;primaryKey;size:64" json:"key"`
	JobID     string         `gorm:"size:36;index" json:"job_id"`
	Content   datatypes.JSON `gorm:"not null" json:"content"`
	Size      int            `json:"size"`
	CreatedAt time.Time      `json:"created_at"`
}

func (Blob) TableName() string { return "ingest_diagnostics" }

// Placement says where a piece of failure detail ended up. Exactly one of
// Inline and Key is set.
type Placement struct {
	Inline datatypes.JSON
	Key    string
}

func (p Placement) Offloaded() bool { return p.Key != "" }

type Store struct {
	db        *gorm.DB
	threshold int
}

// NewStore keeps serialized detail of up to threshold bytes inline. A
// threshold of zero offloads everything.
func NewStore(db *gorm.DB, threshold int) *Store {
	return &Store{db: db, threshold: threshold}
}

func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Blob{})
}

func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, threshold: s.threshold}
}

func (s *Store) Threshold() int { return s.threshold }

func (s *Store) Put(ctx context.Context, jobID string, content []byte) (string, error) {
	if !json.Valid(content) {
		return "", fmt.Errorf("diagnostics for job %s are not valid json", jobID)
	}
	blob := Blob{
		Key:     uuid.New().String(),
		JobID:   jobID,
		Content: datatypes.JSON(content),
		Size:    len(content),
	}
	if err := s.db.WithContext(ctx).Create(&blob).Error; err != nil {
		return "", fmt.Errorf("store diagnostics: %w", err)
	}
	return blob.Key, nil
}

func (s *Store) Get(ctx context.Context, key string) (*Blob, error) {
	var blob Blob
	if err := s.db.WithContext(ctx).First(&blob, "diag_key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &blob, nil
}

// Offload serializes detail and stores it out of line once it exceeds the
// threshold.
func (s *Store) Offload(ctx context.Context, jobID string, detail any) (Placement, error) {
	content, err := json.Marshal(detail)
	if err != nil {
		return Placement{}, fmt.Errorf("encode diagnostics: %w", err)
	}
	if s.threshold > 0 && len(content) <= s.threshold {
		return Placement{Inline: datatypes.JSON(content)}, nil
	}
	key, err := s.Put(ctx, jobID, content)
	if err != nil {
		return Placement{}, err
	}
	return Placement{Key: key}, nil
}

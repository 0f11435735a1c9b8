package partner

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const keyPrefix = "pk_"

var (
	ErrNotFound         = errors.New("partner not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrInvalidPartner   = errors.New("invalid partner")
	ErrInvalidSchedule  = errors.New("invalid schedule")
)

type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Partner{}, &APIKey{}, &Schedule{})
}

type OnboardParams struct {
	Name        string            `json:"name"`
	Format      string            `json:"format"`
	Description string            `json:"description"`
	Endpoint    string            `json:"endpoint"`
	Auth        EndpointAuth      `json:"endpoint_auth"`
	Headers     map[string]string `json:"endpoint_headers"`
}

// Onboarded carries the only copy of the plaintext key.
type Onboarded struct {
	Partner Partner `json:"partner"`
	APIKey  string  `json:"api_key"`
}

func (p *OnboardParams) normalize() error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPartner)
	}
	p.Format = strings.ToLower(strings.TrimSpace(p.Format))
	switch p.Format {
	case "":
		p.Format = "json"
	case "json", "csv":
	default:
		return fmt.Errorf("%w: format must be json or csv", ErrInvalidPartner)
	}
	switch p.Auth.Type {
	case "":
		p.Auth.Type = AuthNone
	case AuthNone, AuthBasic, AuthBearer:
	case AuthOAuth2:
		if p.Auth.TokenURL == "" || p.Auth.ClientID == "" {
			return fmt.Errorf("%w: oauth2 endpoint auth needs token_url and client_id", ErrInvalidPartner)
		}
	default:
		return fmt.Errorf("%w: unknown endpoint auth %q", ErrInvalidPartner, p.Auth.Type)
	}
	if p.Description == "" {
		p.Description = "onboarded key"
	}
	return nil
}

// Onboard creates a partner and its first API key.
func (r *Repository) Onboard(ctx context.Context, params OnboardParams) (*Onboarded, error) {
	if err := params.normalize(); err != nil {
		return nil, err
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}

	now := r.now()
	partner := Partner{
		ID:              uuid.New().String(),
		Name:            params.Name,
		Format:          params.Format,
		Endpoint:        params.Endpoint,
		EndpointAuth:    datatypes.NewJSONType(params.Auth),
		EndpointHeaders: datatypes.NewJSONType(params.Headers),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&partner).Error; err != nil {
			return err
		}
		return tx.Create(&APIKey{
			PartnerID:   partner.ID,
			KeyHash:     HashKey(key),
			Prefix:      key[:len(keyPrefix)+4],
			Description: params.Description,
			CreatedAt:   now,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("onboard partner: %w", err)
	}
	return &Onboarded{Partner: partner, APIKey: key}, nil
}

// GenerateKey returns a random url-safe key with a recognizable prefix.
func GenerateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return keyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// VerifyAPIKey resolves a presented key to its partner. Unknown and revoked
// keys report ok=false with a nil error.
func (r *Repository) VerifyAPIKey(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, nil
	}
	var keys []APIKey
	err := r.db.WithContext(ctx).
		Where("key_hash = ? AND revoked = ?", HashKey(key), false).
		Limit(1).
		Find(&keys).Error
	if err != nil {
		return "", false, err
	}
	if len(keys) == 0 {
		return "", false, nil
	}
	return keys[0].PartnerID, true, nil
}

func (r *Repository) RevokeKeys(ctx context.Context, partnerID string) (int64, error) {
	result := r.db.WithContext(ctx).Model(&APIKey{}).
		Where("partner_id = ? AND revoked = ?", partnerID, false).
		Update("revoked", true)
	return result.RowsAffected, result.Error
}

func (r *Repository) Get(ctx context.Context, id string) (*Partner, error) {
	var partner Partner
	if err := r.db.WithContext(ctx).First(&partner, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &partner, nil
}

func (r *Repository) List(ctx context.Context) ([]Partner, error) {
	var partners []Partner
	err := r.db.WithContext(ctx).Order("created_at DESC").Find(&partners).Error
	return partners, err
}

// ParseSpec accepts standard five-field cron expressions and descriptors
// such as "@hourly" or "@every 15m".
func ParseSpec(spec string) (cron.Schedule, error) {
	schedule, err := cron.ParseStandard(strings.TrimSpace(spec))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	return schedule, nil
}

func (r *Repository) CreateSchedule(ctx context.Context, partnerID, spec string, enabled bool) (*Schedule, error) {
	if _, err := ParseSpec(spec); err != nil {
		return nil, err
	}
	if _, err := r.Get(ctx, partnerID); err != nil {
		return nil, err
	}
	now := r.now()
	schedule := &Schedule{
		PartnerID: partnerID,
		Spec:      strings.TrimSpace(spec),
		Enabled:   enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// gorm omits a false Enabled in favor of the column default.
	if err := r.db.WithContext(ctx).Create(schedule).Error; err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	if !enabled {
		if err := r.db.WithContext(ctx).Model(schedule).Update("enabled", false).Error; err != nil {
			return nil, err
		}
	}
	return schedule, nil
}

func (r *Repository) ListSchedules(ctx context.Context) ([]Schedule, error) {
	var schedules []Schedule
	err := r.db.WithContext(ctx).Order("id DESC").Find(&schedules).Error
	return schedules, err
}

func (r *Repository) ListEnabledSchedules(ctx context.Context) ([]Schedule, error) {
	var schedules []Schedule
	err := r.db.WithContext(ctx).Where("enabled = ?", true).Order("id").Find(&schedules).Error
	return schedules, err
}

func (r *Repository) DeleteSchedule(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Delete(&Schedule{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (r *Repository) TouchSchedule(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&Schedule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"last_run_at": at, "updated_at": at}).Error
}

package partner

import (
	"time"

	"gorm.io/datatypes"
)

const (
	AuthNone   = "none"
	AuthBasic  = "basic"
	AuthBearer = "bearer"
	AuthOAuth2 = "oauth2"
)

// EndpointAuth is how the scheduler authenticates against a partner's feed
// endpoint. Only the fields of the selected Type are used.
type EndpointAuth struct {
	Type         string   `json:"type"`
	Username     string   `json:"username,omitempty"`
	Password     string   `json:"password,omitempty"`
	Token        string   `json:"token,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	TokenURL     string   `json:"token_url,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

type Partner struct {
	ID              string                                `gorm:"primaryKey;size:36" json:"id"`
	Name            string                                `gorm:"size:128;not null" json:"name"`
	Format          string                                `gorm:"size:16;not null;default:'json'" json:"format"`
	Endpoint        string                                `gorm:"size:512" json:"endpoint,omitempty"`
	EndpointAuth    datatypes.JSONType[EndpointAuth]      `json:"-"`
	EndpointHeaders datatypes.JSONType[map[string]string] `json:"endpoint_headers,omitempty"`
	CreatedAt       time.Time                             `json:"created_at"`
	UpdatedAt       time.Time                             `json:"updated_at"`
}

func (Partner) TableName() string { return "partners" }

// APIKey stores only the sha256 of a key. Prefix is kept for audit
// correlation.
type APIKey struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	PartnerID   string    `gorm:"size:36;not null;index" json:"partner_id"`
	KeyHash     string    `gorm:"size:64;not null;uniqueIndex" json:"-"`
	Prefix      string    `gorm:"size:16" json:"prefix"`
	Description string    `gorm:"size:256" json:"description,omitempty"`
	Revoked     bool      `gorm:"not null;default:false" json:"revoked"`
	CreatedAt   time.Time `json:"created_at"`
}

func (APIKey) TableName() string { return "partner_api_keys" }

// Schedule pulls a partner's feed on a cron spec ("*/15 * * * *") or an
// interval ("@every 1h").
type Schedule struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	PartnerID string     `gorm:"size:36;not null;index" json:"partner_id"`
	Spec      string     `gorm:"size:128;not null" json:"spec"`
	Enabled   bool       `gorm:"not null;default:true" json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (Schedule) TableName() string { return "partner_schedules" }

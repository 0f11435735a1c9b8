package catalog

import (
	"time"

	"gorm.io/datatypes"
)

// Product is the catalog row. Older deployments may lack the partner, active,
// extra and timestamp columns; the engine detects which ones exist.
type Product struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	PartnerID  string         `gorm:"size:64;not null;default:'';uniqueIndex:idx_products_partner_sku,priority:1" json:"partner_id"`
	SKU        string         `gorm:"column:sku;size:128;not null;uniqueIndex:idx_products_partner_sku,priority:2" json:"sku"`
	Name       string         `gorm:"size:256;not null" json:"name"`
	PriceCents int64          `gorm:"not null" json:"price_cents"`
	Stock      int64          `gorm:"not null" json:"stock"`
	Active     bool           `gorm:"not null;default:true" json:"active"`
	Extra      datatypes.JSON `json:"extra,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (Product) TableName() string { return "products" }

// RowFailure is a row whose write failed without stopping the batch.
type RowFailure struct {
	Row   int    `json:"row"`
	SKU   string `json:"sku"`
	Error string `json:"error"`
}

type Summary struct {
	Inserted int          `json:"inserted"`
	Updated  int          `json:"updated"`
	Failed   []RowFailure `json:"failed,omitempty"`
}

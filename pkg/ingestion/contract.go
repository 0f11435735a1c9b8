package ingestion

import "github.com/synaptica-ai/partner-ingest/pkg/validation"

const ContractVersion = "1.0"

type FieldRule struct {
	Type        string   `json:"type"`
	Required    bool     `json:"required"`
	Aliases     []string `json:"aliases,omitempty"`
	MaxLength   int      `json:"max_length,omitempty"`
	Minimum     *int64   `json:"minimum,omitempty"`
	Description string   `json:"description"`
}

// Contract is the machine-readable description of an accepted feed.
type Contract struct {
	Version      string                   `json:"version"`
	ContentTypes []string                 `json:"content_types"`
	Modes        []string                 `json:"modes"`
	Required     []string                 `json:"required"`
	Fields       map[string]FieldRule     `json:"fields"`
	Example      []map[string]interface{} `json:"example"`
}

func zero() *int64 {
	var v int64
	return &v
}

func FeedContract() Contract {
	return Contract{
		Version:      ContractVersion,
		ContentTypes: []string{"application/json", "text/csv"},
		Modes:        []string{string(validation.Lenient), string(validation.Strict)},
		Required:     []string{"sku", "name", "price_cents"},
		Fields: map[string]FieldRule{
			"sku": {
				Type:        "string",
				Required:    true,
				Aliases:     []string{"id"},
				MaxLength:   validation.MaxSKULength,
				Description: "Partner SKU, unique per partner. Printable characters only.",
			},
			"name": {
				Type:        "string",
				Required:    true,
				MaxLength:   validation.MaxNameLength,
				Description: "Product display name.",
			},
			"price_cents": {
				Type:        "integer",
				Required:    true,
				Minimum:     zero(),
				Description: "Price in minor currency units. A decimal `price` in major units is accepted instead.",
			},
			"stock": {
				Type:        "integer",
				Minimum:     zero(),
				Description: "Units on hand. Defaults to 0 when omitted.",
			},
		},
		Example: []map[string]interface{}{
			{"sku": "ABC-123", "name": "Desk Lamp", "price_cents": 2499, "stock": 12},
			{"sku": "XYZ-9", "name": "Bulb 4-pack", "price": "7.99", "color": "warm"},
		},
	}
}

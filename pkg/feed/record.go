package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Record is one feed line in canonical form. PriceCents and Stock are nil when
// the feed omitted them; Defects holds per-field coercion problems the
// validator turns into rejection reasons.
type Record struct {
	Row        int               `json:"row"`
	SKU        string            `json:"sku"`
	Name       string            `json:"name"`
	PriceCents *int64            `json:"price_cents"`
	Stock      *int64            `json:"stock"`
	PartnerID  string            `json:"partner_id,omitempty"`
	Extra      map[string]any    `json:"extra,omitempty"`
	Defects    map[string]string `json:"defects,omitempty"`
}

// DefectRow keys a problem with the line as a whole, such as a CSV row whose
// field count does not match the header.
const DefectRow = "row"

func (r *Record) defect(field, reason string) {
	if r.Defects == nil {
		r.Defects = make(map[string]string)
	}
	r.Defects[field] = reason
}

// Known top-level fields. Anything else lands in Extra.
var knownFields = map[string]bool{
	"sku":         true,
	"id":          true,
	"name":        true,
	"price_cents": true,
	"price":       true,
	"stock":       true,
	"partner_id":  true,
}

func IsKnownField(name string) bool {
	return knownFields[name]
}

// Canonical is the normalized byte form used for checksums and for the
// payload stored with an async job.
func Canonical(records []Record) ([]byte, error) {
	if records == nil {
		records = []Record{}
	}
	return json.Marshal(records)
}

func Checksum(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Int64 is a small helper for building records by hand.
func Int64(v int64) *int64 {
	return &v
}

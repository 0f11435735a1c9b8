package validation

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/synaptica-ai/partner-ingest/pkg/feed"
)

type Mode string

const (
	Lenient Mode = "lenient"
	Strict  Mode = "strict"
)

const (
	MaxSKULength  = 128
	MaxNameLength = 256
)

func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case Lenient:
		return Lenient, nil
	case Strict:
		return Strict, nil
	default:
		return "", fmt.Errorf("unknown validation mode %q", value)
	}
}

type Rejection struct {
	Record  feed.Record `json:"record"`
	Reasons []string    `json:"reasons"`
}

func (r Rejection) Reason() string {
	return strings.Join(r.Reasons, "; ")
}

type Result struct {
	Accepted []feed.Record `json:"accepted"`
	Rejected []Rejection   `json:"rejected"`
}

// Validator applies field rules row by row. It keeps no state beyond the
// extra-field whitelist and is safe for concurrent use.
type Validator struct {
	whitelist map[string]bool
}

// NewValidator builds a validator; whitelisted extra keys pass strict mode.
func NewValidator(extraWhitelist []string) *Validator {
	whitelist := make(map[string]bool, len(extraWhitelist))
	for _, key := range extraWhitelist {
		whitelist[strings.ToLower(strings.TrimSpace(key))] = true
	}
	return &Validator{whitelist: whitelist}
}

func (v *Validator) Validate(records []feed.Record, mode Mode) Result {
	result := Result{
		Accepted: make([]feed.Record, 0, len(records)),
		Rejected: make([]Rejection, 0),
	}
	for _, rec := range records {
		if reasons := v.Check(&rec, mode); len(reasons) > 0 {
			result.Rejected = append(result.Rejected, Rejection{Record: rec, Reasons: reasons})
			continue
		}
		result.Accepted = append(result.Accepted, rec)
	}
	return result
}

// Check returns every rule the record breaks. A nil stock on an otherwise
// valid record is set to zero.
func (v *Validator) Check(rec *feed.Record, mode Mode) []string {
	var reasons []string

	rec.SKU = strings.TrimSpace(rec.SKU)
	rec.Name = strings.TrimSpace(rec.Name)

	if reason := rec.Defects[feed.DefectRow]; reason != "" {
		reasons = append(reasons, reason)
	}

	switch {
	case rec.Defects["sku"] != "":
		reasons = append(reasons, rec.Defects["sku"])
	case rec.SKU == "":
		reasons = append(reasons, "sku is required")
	case utf8.RuneCountInString(rec.SKU) > MaxSKULength:
		reasons = append(reasons, fmt.Sprintf("sku exceeds %d characters", MaxSKULength))
	case !printable(rec.SKU):
		reasons = append(reasons, "sku contains non-printable characters")
	}

	switch {
	case rec.Defects["name"] != "":
		reasons = append(reasons, rec.Defects["name"])
	case rec.Name == "":
		reasons = append(reasons, "name is required")
	case utf8.RuneCountInString(rec.Name) > MaxNameLength:
		reasons = append(reasons, fmt.Sprintf("name exceeds %d characters", MaxNameLength))
	}

	switch {
	case rec.Defects["price_cents"] != "":
		reasons = append(reasons, rec.Defects["price_cents"])
	case rec.PriceCents == nil:
		reasons = append(reasons, "price_cents is required")
	case *rec.PriceCents < 0:
		reasons = append(reasons, "price_cents must be >= 0")
	}

	switch {
	case rec.Defects["stock"] != "":
		reasons = append(reasons, rec.Defects["stock"])
	case rec.Stock != nil && *rec.Stock < 0:
		reasons = append(reasons, "stock must be >= 0")
	}

	if mode == Strict {
		var unknown []string
		for key := range rec.Extra {
			if !v.whitelist[strings.ToLower(key)] {
				unknown = append(unknown, key)
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			reasons = append(reasons, "unrecognized fields: "+strings.Join(unknown, ", "))
		}
	}

	if len(reasons) == 0 && rec.Stock == nil {
		rec.Stock = feed.Int64(0)
	}
	return reasons
}

func printable(s string) bool {
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

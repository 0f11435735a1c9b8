package feed

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Values outside this range cannot round-trip through float64.
const maxExactInt = 1 << 53

// coerceInt converts a raw feed value into an integer. scale multiplies the
// value before rounding, so prices given in currency units become cents.
// Fractions are rounded half away from zero.
func coerceInt(raw any, scale int64) (*int64, string) {
	switch v := raw.(type) {
	case nil:
		return nil, ""
	case json.Number:
		return coerceNumeric(v.String(), scale)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return nil, ""
		}
		return coerceNumeric(s, scale)
	case float64:
		return fromFloat(v * float64(scale))
	case int:
		return scaled(int64(v), scale)
	case int64:
		return scaled(v, scale)
	default:
		return nil, "must be a number"
	}
}

func coerceNumeric(s string, scale int64) (*int64, string) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return scaled(n, scale)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, "must be a number"
	}
	return fromFloat(f * float64(scale))
}

func scaled(n, scale int64) (*int64, string) {
	if n > maxExactInt/scale || n < -maxExactInt/scale {
		return nil, "is out of range"
	}
	out := n * scale
	return &out, ""
}

func fromFloat(f float64) (*int64, string) {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > maxExactInt {
		return nil, "is out of range"
	}
	out := int64(math.Round(f))
	return &out, ""
}

func coerceString(raw any) (string, string) {
	switch v := raw.(type) {
	case nil:
		return "", ""
	case string:
		return strings.TrimSpace(v), ""
	case json.Number:
		return v.String(), ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), ""
	case bool, map[string]any, []any:
		return "", "must be a string"
	default:
		return strings.TrimSpace(fmt.Sprint(v)), ""
	}
}

// buildRecord maps one decoded row onto the canonical shape. Blank values
// count as missing.
func buildRecord(row int, fields map[string]any) Record {
	rec := Record{Row: row}

	sku, reason := coerceString(fields["sku"])
	if reason != "" {
		rec.defect("sku", "sku "+reason)
	}
	if sku == "" && reason == "" {
		id, idReason := coerceString(fields["id"])
		if idReason != "" {
			rec.defect("sku", "id "+idReason)
		}
		sku = id
	}
	rec.SKU = sku

	name, reason := coerceString(fields["name"])
	if reason != "" {
		rec.defect("name", "name "+reason)
	}
	rec.Name = name

	partnerID, _ := coerceString(fields["partner_id"])
	rec.PartnerID = partnerID

	if raw, ok := fields["price_cents"]; ok && !isBlank(raw) {
		price, reason := coerceInt(raw, 1)
		if reason != "" {
			rec.defect("price_cents", "price_cents "+reason)
		}
		rec.PriceCents = price
	} else if raw, ok := fields["price"]; ok && !isBlank(raw) {
		price, reason := coerceInt(raw, 100)
		if reason != "" {
			rec.defect("price_cents", "price "+reason)
		}
		rec.PriceCents = price
	}

	stock, reason := coerceInt(fields["stock"], 1)
	if reason != "" {
		rec.defect("stock", "stock "+reason)
	}
	rec.Stock = stock

	for key, value := range fields {
		if IsKnownField(key) {
			continue
		}
		if rec.Extra == nil {
			rec.Extra = make(map[string]any)
		}
		rec.Extra[key] = value
	}
	return rec
}

func isBlank(raw any) bool {
	if raw == nil {
		return true
	}
	s, ok := raw.(string)
	return ok && strings.TrimSpace(s) == ""
}

package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// JSONAdapter accepts a top-level array of objects or an object wrapping the
// array under "products".
type JSONAdapter struct{}

func (JSONAdapter) Format() string { return "json" }

func (a JSONAdapter) Parse(payload []byte) ([]Record, error) {
	payload = bytes.TrimPrefix(payload, utf8BOM)
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, &ParseError{Format: a.Format(), Reason: "empty payload", Err: ErrEmptyFeed}
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()

	var top any
	if err := decoder.Decode(&top); err != nil {
		return nil, &ParseError{Format: a.Format(), Reason: "invalid json", Err: err}
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return nil, &ParseError{Format: a.Format(), Reason: "trailing data after top-level value"}
	}

	var items []any
	switch v := top.(type) {
	case []any:
		items = v
	case map[string]any:
		wrapped, ok := v["products"].([]any)
		if !ok {
			return nil, &ParseError{Format: a.Format(), Reason: `object feed must carry a "products" array`}
		}
		items = wrapped
	default:
		return nil, &ParseError{Format: a.Format(), Reason: "top-level value must be an array or object"}
	}

	if len(items) == 0 {
		return nil, &ParseError{Format: a.Format(), Reason: "no records", Err: ErrEmptyFeed}
	}

	records := make([]Record, 0, len(items))
	for i, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			return nil, &ParseError{Format: a.Format(), Reason: fmt.Sprintf("element %d is not an object", i+1)}
		}
		records = append(records, buildRecord(i+1, fields))
	}
	return records, nil
}

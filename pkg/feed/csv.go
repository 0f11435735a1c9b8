package feed

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

var csvDelimiters = []rune{',', ';', '\t', '|'}

// CSVAdapter reads a header row followed by one product per line. The
// delimiter is sniffed from the header.
type CSVAdapter struct{}

func (CSVAdapter) Format() string { return "csv" }

func (a CSVAdapter) Parse(payload []byte) ([]Record, error) {
	payload = bytes.TrimPrefix(payload, utf8BOM)
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, &ParseError{Format: a.Format(), Reason: "empty payload", Err: ErrEmptyFeed}
	}

	reader := csv.NewReader(bytes.NewReader(payload))
	reader.Comma = sniffDelimiter(payload)
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = false
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, &ParseError{Format: a.Format(), Reason: "unreadable header", Err: err}
	}

	columns := make([]string, len(header))
	seen := make(map[string]bool, len(header))
	for i, column := range header {
		name := strings.ToLower(strings.TrimSpace(column))
		if name == "" {
			return nil, &ParseError{Format: a.Format(), Reason: fmt.Sprintf("header column %d is blank", i+1)}
		}
		if seen[name] {
			return nil, &ParseError{Format: a.Format(), Reason: fmt.Sprintf("duplicate header column %q", name)}
		}
		seen[name] = true
		columns[i] = name
	}
	if !seen["sku"] && !seen["id"] && !seen["name"] {
		return nil, &ParseError{Format: a.Format(), Reason: "header has no product columns"}
	}

	var records []Record
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &ParseError{Format: a.Format(), Reason: "malformed row", Err: err}
		}

		fields := make(map[string]any, len(columns))
		for i, column := range columns {
			if i >= len(row) {
				break
			}
			fields[column] = strings.TrimSpace(row[i])
		}
		rec := buildRecord(len(records)+1, fields)
		if len(row) != len(columns) {
			rec.defect(DefectRow, fmt.Sprintf("row has %d fields, header has %d", len(row), len(columns)))
		}
		records = append(records, rec)
	}

	if len(records) == 0 {
		return nil, &ParseError{Format: a.Format(), Reason: "no records", Err: ErrEmptyFeed}
	}
	return records, nil
}

// sniffDelimiter picks the candidate that occurs most often in the header
// line outside quotes, falling back to a comma.
func sniffDelimiter(payload []byte) rune {
	line := payload
	if idx := bytes.IndexByte(payload, '\n'); idx >= 0 {
		line = payload[:idx]
	}

	counts := make(map[rune]int, len(csvDelimiters))
	quoted := false
	for _, r := range string(line) {
		if r == '"' {
			quoted = !quoted
			continue
		}
		if !quoted {
			counts[r]++
		}
	}

	best, bestCount := ',', 0
	for _, candidate := range csvDelimiters {
		if counts[candidate] > bestCount {
			best, bestCount = candidate, counts[candidate]
		}
	}
	return best
}

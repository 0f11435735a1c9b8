package models

import "time"

// Event is the envelope published to the audit topic.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // audit action: enqueue, claim, completed, failed...
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

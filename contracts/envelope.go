package contracts

import (
	"encoding/json"
	"time"
)

// Envelope wraps messages for transport. Body holds the message itself and
// Type names the registered message type it decodes into.
type Envelope struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Timestamp     string                 `json:"timestamp"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	ReplyTo       string                 `json:"replyTo,omitempty"`
	Headers       map[string]interface{} `json:"headers,omitempty"`
	Body          json.RawMessage        `json:"body"`
}

// Time parses Timestamp as RFC 3339
func (e *Envelope) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.Timestamp)
}

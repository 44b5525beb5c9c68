package contracts

import (
	"time"

	"github.com/google/uuid"
)

// Message is implemented by every message the envelope decoder can produce
type Message interface {
	GetID() string
	GetTimestamp() time.Time
	GetType() string
	GetCorrelationID() string
	SetCorrelationID(correlationID string)
}

// BaseMessage provides common fields for all message types
type BaseMessage struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlationId,omitempty"`
}

// NewBaseMessage creates a new base message with generated ID and current timestamp
func NewBaseMessage(messageType string) BaseMessage {
	return BaseMessage{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      messageType,
	}
}

func (m BaseMessage) GetID() string {
	return m.ID
}

func (m BaseMessage) GetTimestamp() time.Time {
	return m.Timestamp
}

func (m BaseMessage) GetType() string {
	return m.Type
}

func (m BaseMessage) GetCorrelationID() string {
	return m.CorrelationID
}

func (m *BaseMessage) SetCorrelationID(correlationID string) {
	m.CorrelationID = correlationID
}

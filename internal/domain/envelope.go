package domain

import (
	"encoding/json"
	"time"
)

type MessageType string

const (
	MessageSnapshot MessageType = "snapshot"
	MessageAlert    MessageType = "alert"
)

// Envelope is the wire frame pushed to realtime subscribers
type Envelope struct {
	Topic     string          `json:"topic"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt time.Time       `json:"emittedAt"`

	// routing metadata for subscription filters, never serialized
	Subject  string   `json:"-"`
	Severity Severity `json:"-"`
}

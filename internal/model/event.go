package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is a typed, timestamped fact about an execution. On the wire it is a
// flat JSON object whose "event" field carries Kind.
type Event struct {
	Kind        string
	ExecutionID string
	At          time.Time
	Data        map[string]any
}

// Reserved wire keys; Data entries with these names are ignored when encoding.
const (
	eventKeyKind      = "event"
	eventKeyExecution = "executionId"
	eventKeyAt        = "at"
)

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(kind, executionID string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{Kind: kind, ExecutionID: executionID, At: time.Now().UTC(), Data: data}
}

// MarshalJSON flattens Data next to the discriminator fields.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Data)+3)
	for k, v := range e.Data {
		m[k] = v
	}
	m[eventKeyKind] = e.Kind
	if e.ExecutionID != "" {
		m[eventKeyExecution] = e.ExecutionID
	}
	m[eventKeyAt] = e.At.Format(time.RFC3339Nano)
	return json.Marshal(m)
}

// UnmarshalJSON accepts both "event" and "type" as the discriminator.
func (e *Event) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	raw, ok := m[eventKeyKind]
	if !ok {
		raw, ok = m["type"]
	}
	if !ok {
		return fmt.Errorf("event: missing discriminator")
	}
	if err := json.Unmarshal(raw, &e.Kind); err != nil {
		return fmt.Errorf("event: decode kind: %w", err)
	}
	delete(m, eventKeyKind)
	delete(m, "type")

	if raw, ok := m[eventKeyExecution]; ok {
		if err := json.Unmarshal(raw, &e.ExecutionID); err != nil {
			return fmt.Errorf("event: decode execution id: %w", err)
		}
		delete(m, eventKeyExecution)
	}
	if raw, ok := m[eventKeyAt]; ok {
		var at string
		if err := json.Unmarshal(raw, &at); err == nil {
			e.At, _ = time.Parse(time.RFC3339Nano, at)
		}
		delete(m, eventKeyAt)
	}

	e.Data = make(map[string]any, len(m))
	for k, v := range m {
		e.Data[k] = v
	}
	return nil
}

// Outbox statuses.
const (
	OutboxPending    = "pending"
	OutboxProcessing = "processing"
	OutboxCompleted  = "completed"
	OutboxFailed     = "failed"
)

// OutboxEvent is a durably stored event awaiting delivery to handlers.
type OutboxEvent struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

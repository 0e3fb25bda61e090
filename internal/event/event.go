// Package event defines the envelope and payload schemas carried by the bus.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/engagement/orchestration/pkg/errors"
)

// Event is the envelope appended to the store. Payload stays raw JSON; the
// schema registry decodes it by Type.
type Event struct {
	ID            string          `json:"id"`
	Channel       string          `json:"channel"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Publisher     string          `json:"publisher,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	OccurredAt    time.Time       `json:"occurredAt"`
}

// New builds an event with a fresh ID and timestamp, marshaling payload.
func New(channel, eventType string, payload any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apierrors.Newf(apierrors.CodeSchemaInvalid, "marshal payload for %s: %v", eventType, err)
	}
	return &Event{
		ID:         uuid.NewString(),
		Channel:    channel,
		Type:       eventType,
		Payload:    raw,
		OccurredAt: time.Now().UTC(),
	}, nil
}

// Validate checks envelope fields only. Payload schema checks live in the registry.
func (e *Event) Validate() error {
	if e == nil {
		return apierrors.New(apierrors.CodeInvalidParam, "nil event")
	}
	if e.Channel == "" {
		return apierrors.New(apierrors.CodeInvalidParam, "event channel is required")
	}
	if e.Type == "" {
		return apierrors.New(apierrors.CodeInvalidParam, "event type is required")
	}
	if len(e.Payload) == 0 {
		return apierrors.New(apierrors.CodeInvalidParam, "event payload is required")
	}
	return nil
}

// Clone returns a deep copy. Replay hands copies out so consumers cannot
// mutate the stored entry.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return &cp
}

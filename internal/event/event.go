package event

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalid is returned by Validate for events missing required fields.
var ErrInvalid = errors.New("invalid event")

// Event is the canonical, normalized input model for all incoming events.
// Events are never mutated once they enter the engine.
type Event struct {
	ID         string            `json:"id"`
	ResourceID string            `json:"resource_id"` // e.g. "github.issue.42"
	Type       string            `json:"type"`        // e.g. "prefect.flow-run.Running"
	Related    []string          `json:"related,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	ReceivedAt time.Time         `json:"received_at"`
	// ReceiptID names one delivery of the event. It is assigned on receipt
	// and never takes part in deduplication.
	ReceiptID string `json:"receipt_id,omitempty"`
}

// Validate checks the fields required at the ingestion boundary.
func (e *Event) Validate() error {
	var missing []string
	if e.ResourceID == "" {
		missing = append(missing, "resource_id")
	}
	if e.Type == "" {
		missing = append(missing, "type")
	}
	if e.OccurredAt.IsZero() {
		missing = append(missing, "occurred_at")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalid, strings.Join(missing, ", "))
	}
	return nil
}

// DedupKey identifies an occurrence for deduplication. The producer-assigned
// ID wins; otherwise resource, type and occurrence time identify the event.
// ReceiptID is ignored so that redeliveries collapse.
func (e *Event) DedupKey() string {
	if e.ID != "" {
		return e.ID
	}
	return e.ResourceID + "|" + e.Type + "|" + e.OccurredAt.UTC().Format(time.RFC3339Nano)
}

// Ref returns the ID used to refer to the event in responses and logs.
func (e *Event) Ref() string {
	if e.ID != "" {
		return e.ID
	}
	return e.ReceiptID
}

// Attribute resolves name against the event. The resource id and the event
// type are addressable as pseudo-attributes.
func (e *Event) Attribute(name string) (string, bool) {
	if IsResourceIDKey(name) {
		return e.ResourceID, true
	}
	switch name {
	case "type", "event":
		return e.Type, true
	}
	v, ok := e.Attributes[name]
	return v, ok
}

// Snapshot copies the attributes used for parameter binding, including the
// resource id, type and occurrence time.
func (e *Event) Snapshot() map[string]string {
	out := make(map[string]string, len(e.Attributes)+3)
	for k, v := range e.Attributes {
		out[k] = v
	}
	out["resourceId"] = e.ResourceID
	out["type"] = e.Type
	out["occurredAt"] = e.OccurredAt.UTC().Format(time.RFC3339Nano)
	return out
}

// IsResourceIDKey reports whether name addresses the resource id.
func IsResourceIDKey(name string) bool {
	switch name {
	case "resourceId", "resource_id", "prefect.resource.id":
		return true
	}
	return false
}

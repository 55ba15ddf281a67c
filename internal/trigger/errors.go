package trigger

import (
	"fmt"
	"strings"
)

// FieldError is one validation problem, addressed by its authoring field
// path (e.g. "actions[0].deployment_id").
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e FieldError) String() string { return e.Field + ": " + e.Reason }

// ValidationError is returned for malformed trigger definitions. It carries
// every problem found, not only the first.
type ValidationError struct {
	TriggerID string       `json:"trigger_id,omitempty"`
	Errors    []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.String()
	}
	if e.TriggerID != "" {
		return fmt.Sprintf("trigger %s is invalid: %s", e.TriggerID, strings.Join(parts, "; "))
	}
	return "trigger is invalid: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, reason string) {
	e.Errors = append(e.Errors, FieldError{Field: field, Reason: reason})
}

func (e *ValidationError) addf(field, format string, args ...any) {
	e.add(field, fmt.Sprintf(format, args...))
}

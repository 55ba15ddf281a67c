// Package decision defines the record the engine emits when a trigger fires.
package decision

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/triggerflow/internal/config"
	"github.com/gyaneshwarpardhi/triggerflow/internal/trigger"
)

// FireDecision is handed from the engine to the dispatcher. It carries
// everything needed to run the actions without consulting the engine again.
type FireDecision struct {
	ID          string            `json:"id"`
	TriggerID   string            `json:"trigger_id"`
	TriggerName string            `json:"trigger_name,omitempty"`
	SpecVersion uint64            `json:"spec_version"`
	GroupKey    string            `json:"group_key"`
	Posture     trigger.Posture   `json:"posture"`
	Count       int               `json:"count"`
	WindowStart time.Time         `json:"window_start"`
	FiredAt     time.Time         `json:"fired_at"`
	ResourceID  string            `json:"resource_id,omitempty"`
	EventType   string            `json:"event_type,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Actions     []trigger.Action  `json:"-"`
}

// New builds a decision with a fresh id.
func New(s *trigger.Spec, groupKey string) *FireDecision {
	return &FireDecision{
		ID:          uuid.NewString(),
		TriggerID:   s.ID,
		TriggerName: s.Name,
		SpecVersion: s.Version,
		GroupKey:    groupKey,
		Posture:     s.Posture,
		Actions:     s.Actions,
	}
}

// Key identifies the fired window: the same window fired twice yields the
// same key even if the decision ids differ.
func (d *FireDecision) Key() string {
	return d.TriggerID + ":" + d.GroupKey + ":" + strconv.FormatInt(d.WindowStart.UnixNano(), 10)
}

// IdempotencyKey is passed to collaborators for the action at index i.
func (d *FireDecision) IdempotencyKey(i int) string {
	return d.Key() + ":" + strconv.Itoa(i)
}

type wire FireDecision

type envelope struct {
	*wire
	Actions []config.ActionDef `json:"actions"`
}

func (d *FireDecision) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelope{wire: (*wire)(d), Actions: trigger.ActionDefs(d.Actions)})
}

func (d *FireDecision) UnmarshalJSON(data []byte) error {
	env := envelope{wire: (*wire)(d)}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	actions, err := trigger.CompileActions(env.Actions)
	if err != nil {
		return fmt.Errorf("decision %s: %w", d.ID, err)
	}
	d.Actions = actions
	return nil
}

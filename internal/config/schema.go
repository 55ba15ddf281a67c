package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TriggerFile is the top-level YAML structure.
type TriggerFile struct {
	Version  string       `yaml:"version"`
	Engine   EngineConf   `yaml:"engine"`
	Triggers []TriggerDef `yaml:"triggers"`
}

// EngineConf holds tunable concurrency, delivery and maintenance settings.
type EngineConf struct {
	EventWorkers       int     `yaml:"event_workers"`
	QueueDepth         int     `yaml:"queue_depth"`
	EventTimeoutMs     int     `yaml:"event_timeout_ms"`
	Shards             int     `yaml:"shards"`
	ShardQueueDepth    int     `yaml:"shard_queue_depth"`
	DecisionQueueDepth int     `yaml:"decision_queue_depth"`
	DecisionBlockMs    int     `yaml:"decision_block_ms"`
	DispatchWorkers    int     `yaml:"dispatch_workers"`
	MaxAttempts        int     `yaml:"max_attempts"`
	BackoffBaseMs      int     `yaml:"backoff_base_ms"`
	BackoffMaxMs       int     `yaml:"backoff_max_ms"`
	ActionsPerSecond   float64 `yaml:"actions_per_second"` // 0 = unlimited
	ActionBurst        int     `yaml:"action_burst"`
	TimerTickMs        int     `yaml:"timer_tick_ms"`
	TimerSlots         int     `yaml:"timer_slots"`
	DedupHorizonSec    int     `yaml:"dedup_horizon_sec"`
	SweepSchedule      string  `yaml:"sweep_schedule"`
	RedeliverSchedule  string  `yaml:"redeliver_schedule"`
	RedeliverAfterMs   int     `yaml:"redeliver_after_ms"`
	PruneSchedule      string  `yaml:"prune_schedule"`
	RetentionHours     int     `yaml:"retention_hours"`
}

// ApplyDefaults fills zero-valued settings.
func (c *EngineConf) ApplyDefaults() {
	setDefault(&c.EventWorkers, 8)
	setDefault(&c.QueueDepth, 10000)
	setDefault(&c.EventTimeoutMs, 5000)
	setDefault(&c.Shards, 16)
	setDefault(&c.ShardQueueDepth, 1024)
	setDefault(&c.DecisionQueueDepth, 1000)
	setDefault(&c.DecisionBlockMs, 100)
	setDefault(&c.DispatchWorkers, 8)
	setDefault(&c.MaxAttempts, 4)
	setDefault(&c.BackoffBaseMs, 500)
	setDefault(&c.BackoffMaxMs, 30000)
	setDefault(&c.ActionBurst, 10)
	setDefault(&c.TimerTickMs, 100)
	setDefault(&c.TimerSlots, 512)
	setDefault(&c.DedupHorizonSec, 600)
	setDefault(&c.RedeliverAfterMs, 60000)
	setDefault(&c.RetentionHours, 24)
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@every 1m"
	}
	if c.RedeliverSchedule == "" {
		c.RedeliverSchedule = "@every 30s"
	}
	if c.PruneSchedule == "" {
		c.PruneSchedule = "@hourly"
	}
}

func setDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// TriggerDef is the authoring shape of a trigger. It is validated and
// compiled by the trigger package; nothing here is trusted until then.
type TriggerDef struct {
	ID           string                 `yaml:"id" json:"id" validate:"required"`
	Name         string                 `yaml:"name,omitempty" json:"name,omitempty"`
	Description  string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled      *bool                  `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Match        map[string]PatternList `yaml:"match,omitempty" json:"match,omitempty"`
	MatchRelated map[string]PatternList `yaml:"match_related,omitempty" json:"match_related,omitempty"`
	After        []string               `yaml:"after,omitempty" json:"after,omitempty" validate:"dive,required"`
	Expect       []string               `yaml:"expect,omitempty" json:"expect,omitempty" validate:"dive,required"`
	ForEach      []string               `yaml:"for_each,omitempty" json:"for_each,omitempty" validate:"dive,required"`
	Posture      string                 `yaml:"posture,omitempty" json:"posture,omitempty" validate:"omitempty,oneof=Reactive Proactive"`
	Threshold    *int                   `yaml:"threshold,omitempty" json:"threshold,omitempty" validate:"omitempty,min=1"`
	Within       Duration               `yaml:"within,omitempty" json:"within,omitempty" validate:"min=0"`
	Actions      []ActionDef            `yaml:"actions,omitempty" json:"actions,omitempty" validate:"dive"`
}

// IsEnabled reports whether the trigger should be active. Missing means yes.
func (d *TriggerDef) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// ActionDef is a discriminated union keyed by Type.
type ActionDef struct {
	Type         string         `yaml:"type" json:"type" validate:"required,oneof=run-deployment cancel-flow-run send-notification create-automation"`
	DeploymentID string         `yaml:"deployment_id,omitempty" json:"deployment_id,omitempty" validate:"required_if=Type run-deployment"`
	Parameters   map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Channel      string         `yaml:"channel,omitempty" json:"channel,omitempty" validate:"required_if=Type send-notification"`
	Subject      string         `yaml:"subject,omitempty" json:"subject,omitempty"`
	Body         string         `yaml:"body,omitempty" json:"body,omitempty"`
	Automation   *TriggerDef    `yaml:"automation,omitempty" json:"automation,omitempty" validate:"required_if=Type create-automation"`
}

// Duration accepts either a number of seconds or a Go duration string.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	v, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(v * float64(time.Second))
	case string:
		p, err := parseDuration(v)
		if err != nil {
			return err
		}
		*d = p
	case nil:
		*d = 0
	default:
		return fmt.Errorf("duration must be a number of seconds or a string, got %T", raw)
	}
	return nil
}

// MarshalJSON renders seconds, the unit used by the authoring surface.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).Seconds())
}

func parseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return Duration(f * float64(time.Second)), nil
	}
	td, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return Duration(td), nil
}

// PatternList is one pattern or a list of alternatives.
type PatternList []string

func (p *PatternList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*p = PatternList{node.Value}
		return nil
	case yaml.SequenceNode:
		var out []string
		if err := node.Decode(&out); err != nil {
			return err
		}
		*p = out
		return nil
	default:
		return fmt.Errorf("line %d: pattern must be a string or a list of strings", node.Line)
	}
}

func (p *PatternList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*p = PatternList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("pattern must be a string or a list of strings")
	}
	*p = many
	return nil
}

func (p PatternList) MarshalJSON() ([]byte, error) {
	if len(p) == 1 {
		return json.Marshal(p[0])
	}
	return json.Marshal([]string(p))
}

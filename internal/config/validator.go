package config

import (
	"fmt"
	"strings"
)

// Validate checks file-level structure: the version, trigger ids present and
// unique across the file. Per-trigger semantics are validated when triggers
// are compiled.
func Validate(cfg *TriggerFile) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	ids := make(map[string]int) // id → index
	var errs []string

	for i, t := range cfg.Triggers {
		if t.ID == "" {
			errs = append(errs, fmt.Sprintf("triggers[%d]: id is required", i))
			continue
		}
		if prev, ok := ids[t.ID]; ok {
			errs = append(errs, fmt.Sprintf("duplicate trigger id %q (triggers[%d] and triggers[%d])", t.ID, prev, i))
			continue
		}
		ids[t.ID] = i
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

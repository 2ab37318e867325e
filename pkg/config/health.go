package config

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// LaneRule holds the health thresholds of one lane. A threshold <= 0
// disables its check.
type LaneRule struct {
	MaxDepth            int64 `yaml:"max_depth" json:"max_depth"`
	MaxOldestAgeSeconds int64 `yaml:"max_oldest_age_seconds" json:"max_oldest_age_seconds"`
	// TimeoutSeconds is how long an engine may work one unit of the lane.
	TimeoutSeconds int64 `yaml:"timeout_seconds" json:"timeout_seconds"`
	// Heavy marks a lane whose issues block heavy submissions.
	Heavy bool `yaml:"heavy" json:"heavy"`
}

// HealthRules is the content of the health file.
type HealthRules struct {
	RequiredSupervisors []string            `yaml:"required_supervisors" json:"required_supervisors"`
	Lanes               map[string]LaneRule `yaml:"lanes" json:"lanes"`
}

// LaneNames returns the configured lanes in sorted order.
func (h HealthRules) LaneNames() []string {
	names := make([]string, 0, len(h.Lanes))
	for name := range h.Lanes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// HeavyLanes returns the lanes marked heavy, sorted.
func (h HealthRules) HeavyLanes() []string {
	var names []string
	for name, rule := range h.Lanes {
		if rule.Heavy {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// LoadHealthRules reads the health file. An empty path yields empty rules.
func LoadHealthRules(path string) (HealthRules, error) {
	if path == "" {
		return HealthRules{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return HealthRules{}, fmt.Errorf("config: read health file: %w", err)
	}
	return ParseHealthRules(raw)
}

// ParseHealthRules decodes and validates a health file body.
func ParseHealthRules(raw []byte) (HealthRules, error) {
	var rules HealthRules
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return HealthRules{}, fmt.Errorf("config: parse health file: %w", err)
	}
	for name := range rules.Lanes {
		if name == "" {
			return HealthRules{}, fmt.Errorf("config: health file has a lane with no name")
		}
	}
	for _, s := range rules.RequiredSupervisors {
		if s == "" {
			return HealthRules{}, fmt.Errorf("config: health file lists an empty supervisor name")
		}
	}
	return rules, nil
}

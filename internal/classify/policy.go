package classify

import (
	"errors"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opsforge/sentinel/internal/config"
	"github.com/opsforge/sentinel/internal/models"
)

// Rule maps an observed condition to an alert tier. Rules are evaluated in
// order; the first match decides.
type Rule struct {
	ID    string           `yaml:"id"`
	Tier  models.AlertTier `yaml:"tier"`
	Cause string           `yaml:"cause"`
	Match RuleMatch        `yaml:"match"`
}

// RuleMatch holds the optional conditions of a tiering rule. All set
// conditions must hold.
type RuleMatch struct {
	CloudState       string  `yaml:"cloud_state"`
	Unreachable      bool    `yaml:"unreachable"`
	MinCheckFailures int     `yaml:"min_check_failures"`
	MinCPUPct        float64 `yaml:"min_cpu_pct"`
}

type policyFile struct {
	Rules []Rule `yaml:"rules"`
}

// DefaultPolicy derives the built-in tiering rules from the monitor
// thresholds: stopped or persistently unreachable instances are outage-level,
// sustained high CPU is degraded-but-serving.
func DefaultPolicy(cfg config.MonitorConfig) []Rule {
	return []Rule{
		{
			ID:    "instance-stopped",
			Tier:  models.Tier0,
			Cause: "instance_stopped",
			Match: RuleMatch{CloudState: "stopped"},
		},
		{
			ID:    "health-check-failing",
			Tier:  models.Tier0,
			Cause: "health_check_failing",
			Match: RuleMatch{Unreachable: true, MinCheckFailures: cfg.FailureCycles},
		},
		{
			ID:    "high-cpu",
			Tier:  models.Tier1,
			Cause: "high_cpu",
			Match: RuleMatch{MinCPUPct: cfg.CPUThresholdPct},
		},
	}
}

// LoadPolicy reads a rule pack from YAML, falling back to nil when the file
// does not exist so callers can use the default policy.
func LoadPolicy(path string) ([]Rule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return file.Rules, nil
}

func (r Rule) matches(snapshot models.MetricSnapshot, failStreak int) bool {
	if r.Match.CloudState != "" && snapshot.CloudState != r.Match.CloudState {
		return false
	}
	if r.Match.Unreachable && snapshot.Reachable {
		return false
	}
	if r.Match.MinCheckFailures > 0 && failStreak < r.Match.MinCheckFailures {
		return false
	}
	if r.Match.MinCPUPct > 0 {
		if snapshot.CloudState != "running" || snapshot.CPUPercent < r.Match.MinCPUPct {
			return false
		}
	}
	return true
}

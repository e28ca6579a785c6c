package models

import (
	"fmt"
	"time"
)

// ResourceState enumerates the observed lifecycle of a managed unit.
type ResourceState string

const (
	StateUnknown    ResourceState = "unknown"
	StateHealthy    ResourceState = "healthy"
	StateDegraded   ResourceState = "degraded"
	StateCritical   ResourceState = "critical"
	StateRecovering ResourceState = "recovering"
)

// MetricSnapshot captures one polling cycle's observations for a resource.
type MetricSnapshot struct {
	CloudState    string
	CPUPercent    float64
	Reachable     bool
	CheckFailures int
	ObservedAt    time.Time
}

// ResourceRef identifies a managed cloud unit in the shared inventory.
type ResourceRef struct {
	ID       string
	Name     string
	State    ResourceState
	Tags     []string
	Snapshot MetricSnapshot
}

// HasTag reports whether the resource carries the given applicability tag.
func (r ResourceRef) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// allowedTransitions encodes the state machine for ResourceRef.State.
// Observed states (healthy/degraded/critical) interchange as polling reports
// them; recovering is entered only while an action is in progress and
// resolves to healthy or critical.
var allowedTransitions = map[ResourceState][]ResourceState{
	StateUnknown:    {StateHealthy, StateDegraded, StateCritical},
	StateHealthy:    {StateDegraded, StateCritical, StateRecovering},
	StateDegraded:   {StateHealthy, StateCritical, StateRecovering},
	StateCritical:   {StateHealthy, StateDegraded, StateRecovering},
	StateRecovering: {StateHealthy, StateCritical},
}

// ValidateTransition returns an error when moving from one resource state to
// another is not permitted. Self transitions are always allowed.
func ValidateTransition(from, to ResourceState) error {
	if from == to {
		return nil
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("resource state transition %s -> %s not permitted", from, to)
}

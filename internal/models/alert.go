package models

import (
	"fmt"
	"time"
)

// AlertTier captures alert severity levels.
type AlertTier string

const (
	// TierNone marks snapshots that triggered no tiering rule.
	TierNone AlertTier = "none"
	// Tier1 is degraded-but-serving (e.g. sustained high CPU).
	Tier1 AlertTier = "tier1"
	// Tier0 is emergency/outage level (e.g. instance stopped or unreachable).
	Tier0 AlertTier = "tier0"
)

// MoreSevere reports whether the tier outranks other.
func (t AlertTier) MoreSevere(other AlertTier) bool {
	return rank(t) > rank(other)
}

func rank(t AlertTier) int {
	switch t {
	case Tier0:
		return 2
	case Tier1:
		return 1
	default:
		return 0
	}
}

// AlertEvent records one tiered anomaly observed on a resource.
type AlertEvent struct {
	ID        string
	Resource  ResourceRef
	Tier      AlertTier
	Cause     string
	Snapshot  MetricSnapshot
	FirstSeen time.Time
}

// DedupKey is the composite identity that suppresses duplicate alerts for the
// same underlying condition.
func (e AlertEvent) DedupKey() string {
	return fmt.Sprintf("%s|%s|%s", e.Resource.ID, e.Tier, e.Cause)
}

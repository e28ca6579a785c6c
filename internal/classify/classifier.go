// Package classify turns raw health samples into tiered, deduplicated alert
// events.
package classify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/sentinel/internal/metrics"
	"github.com/opsforge/sentinel/internal/models"
)

// Outcome reports what one observation cycle did to a resource's alert state.
type Outcome struct {
	Opened    *models.AlertEvent
	Closed    *models.AlertEvent
	Escalated bool
	Recovered bool
}

// Classifier evaluates the tiering policy against each polling snapshot and
// owns the open-alert bookkeeping: suppression by dedup key, Tier1-to-Tier0
// escalation, and recovery after a run of healthy cycles.
type Classifier struct {
	mu            sync.Mutex
	logger        *slog.Logger
	rules         []Rule
	healthyCycles int

	open          map[string]*models.AlertEvent
	failStreak    map[string]int
	healthyStreak map[string]int
}

// New constructs a classifier over the given ordered rule set. healthyCycles
// is the number of consecutive clean observations that closes an open alert.
func New(logger *slog.Logger, rules []Rule, healthyCycles int) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	if healthyCycles < 1 {
		healthyCycles = 1
	}
	return &Classifier{
		logger:        logger,
		rules:         rules,
		healthyCycles: healthyCycles,
		open:          make(map[string]*models.AlertEvent),
		failStreak:    make(map[string]int),
		healthyStreak: make(map[string]int),
	}
}

// Observe processes one snapshot for a resource and returns the resulting
// alert transitions. At most one alert is open per resource; a duplicate
// condition is suppressed while an event with the same dedup key is open.
func (c *Classifier) Observe(ref models.ResourceRef) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := ref.Snapshot
	c.trackStreaks(ref.ID, snapshot)

	tier, cause := c.evaluate(snapshot, c.failStreak[ref.ID])

	existing := c.open[ref.ID]

	if tier == models.TierNone {
		if existing != nil && c.healthyStreak[ref.ID] >= c.healthyCycles {
			delete(c.open, ref.ID)
			c.logger.Info("alert recovered",
				slog.String("resource", ref.ID),
				slog.String("alert", existing.ID))
			return Outcome{Closed: existing, Recovered: true}
		}
		return Outcome{}
	}

	candidate := &models.AlertEvent{
		ID:        uuid.NewString(),
		Resource:  ref,
		Tier:      tier,
		Cause:     cause,
		Snapshot:  snapshot,
		FirstSeen: time.Now().UTC(),
	}

	if existing != nil {
		if existing.DedupKey() == candidate.DedupKey() {
			// Same underlying condition, still open: suppressed.
			return Outcome{}
		}
		if candidate.Tier.MoreSevere(existing.Tier) {
			c.open[ref.ID] = candidate
			metrics.ObserveAlert(string(tier))
			c.logger.Warn("alert escalated",
				slog.String("resource", ref.ID),
				slog.String("from", string(existing.Tier)),
				slog.String("to", string(tier)),
				slog.String("cause", cause))
			return Outcome{Opened: candidate, Closed: existing, Escalated: true}
		}
		// A less severe condition never replaces an open higher-tier event.
		return Outcome{}
	}

	c.open[ref.ID] = candidate
	metrics.ObserveAlert(string(tier))
	c.logger.Warn("alert opened",
		slog.String("resource", ref.ID),
		slog.String("tier", string(tier)),
		slog.String("cause", cause))
	return Outcome{Opened: candidate}
}

// Close force-closes the open alert for a resource, used when its recovery
// action completes.
func (c *Classifier) Close(resourceID string) *models.AlertEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	event := c.open[resourceID]
	delete(c.open, resourceID)
	return event
}

// Open returns the currently open alert for a resource, if any.
func (c *Classifier) Open(resourceID string) (models.AlertEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if event := c.open[resourceID]; event != nil {
		return *event, true
	}
	return models.AlertEvent{}, false
}

func (c *Classifier) trackStreaks(id string, snapshot models.MetricSnapshot) {
	if snapshot.Reachable {
		c.failStreak[id] = 0
	} else {
		c.failStreak[id]++
	}

	if c.healthyBaseline(snapshot) {
		c.healthyStreak[id]++
	} else {
		c.healthyStreak[id] = 0
	}
}

func (c *Classifier) healthyBaseline(snapshot models.MetricSnapshot) bool {
	if !snapshot.Reachable || snapshot.CloudState != "running" {
		return false
	}
	for _, rule := range c.rules {
		if rule.Match.MinCPUPct > 0 && snapshot.CPUPercent >= rule.Match.MinCPUPct {
			return false
		}
	}
	return true
}

func (c *Classifier) evaluate(snapshot models.MetricSnapshot, failStreak int) (models.AlertTier, string) {
	for _, rule := range c.rules {
		if rule.matches(snapshot, failStreak) {
			return rule.Tier, rule.Cause
		}
	}
	return models.TierNone, ""
}

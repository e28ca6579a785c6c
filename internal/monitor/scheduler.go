// Package monitor runs the autonomous polling loop: fetch the fleet inventory
// on a fixed interval, feed every snapshot through the alert classifier, and
// dispatch new or escalated alerts to the recovery pipeline.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opsforge/sentinel/internal/classify"
	"github.com/opsforge/sentinel/internal/cloud"
	"github.com/opsforge/sentinel/internal/inventory"
	"github.com/opsforge/sentinel/internal/metrics"
	"github.com/opsforge/sentinel/internal/models"
)

// InventorySource supplies the current fleet snapshot.
type InventorySource interface {
	FetchInventory(ctx context.Context) ([]cloud.Instance, error)
}

// Dispatcher receives alerts that need remediation.
type Dispatcher interface {
	Handle(ctx context.Context, ev models.AlertEvent)
}

// Notifier mirrors orchestrator notifications for loop-level events.
type Notifier interface {
	Notify(ctx context.Context, title, text string)
}

// Scheduler ticks the monitoring loop. The loop can be toggled at runtime
// without tearing the goroutine down; a disabled scheduler keeps ticking but
// skips the scan, so re-enabling takes effect on the next interval.
type Scheduler struct {
	logger     *slog.Logger
	interval   time.Duration
	source     InventorySource
	inv        *inventory.Store
	classifier *classify.Classifier
	dispatcher Dispatcher
	notifier   Notifier

	enabled atomic.Bool
	wg      sync.WaitGroup
}

func NewScheduler(logger *slog.Logger, interval time.Duration, source InventorySource, inv *inventory.Store, classifier *classify.Classifier, dispatcher Dispatcher, notifier Notifier) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		logger:     logger,
		interval:   interval,
		source:     source,
		inv:        inv,
		classifier: classifier,
		dispatcher: dispatcher,
		notifier:   notifier,
	}
}

// Enable turns autonomous monitoring on and reports whether the state changed.
func (s *Scheduler) Enable() bool { return s.enabled.CompareAndSwap(false, true) }

// Disable turns autonomous monitoring off and reports whether the state
// changed. In-flight recoveries are not interrupted.
func (s *Scheduler) Disable() bool { return s.enabled.CompareAndSwap(true, false) }

// Enabled reports the current toggle state.
func (s *Scheduler) Enabled() bool { return s.enabled.Load() }

// Run blocks until ctx is cancelled, scanning once per interval while the
// loop is enabled. It performs one immediate scan on startup when enabled so
// operators are not left blind for a full interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if s.enabled.Load() {
		s.Scan(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			if s.enabled.Load() {
				s.Scan(ctx)
			}
		}
	}
}

// Scan performs one fleet sweep. Exported so the console can force a scan on
// demand regardless of the toggle.
func (s *Scheduler) Scan(ctx context.Context) {
	instances, err := s.source.FetchInventory(ctx)
	if err != nil {
		s.logger.Error("inventory fetch failed, skipping cycle", "error", err)
		return
	}

	for _, inst := range instances {
		ref := s.refresh(inst)
		outcome := s.classifier.Observe(ref)
		s.applyOutcome(ctx, ref, outcome)
	}
	metrics.ObservePollCycle()
	s.logger.Debug("monitoring cycle complete", "instances", len(instances))
}

// refresh folds one control-plane record into the inventory and returns the
// stored view, whose State survives across cycles.
func (s *Scheduler) refresh(inst cloud.Instance) models.ResourceRef {
	ref := models.ResourceRef{
		ID:   inst.ID,
		Name: inst.Name,
		Tags: inst.Tags,
		Snapshot: models.MetricSnapshot{
			CloudState: inst.State,
			CPUPercent: inst.CPUPercent,
			Reachable:  inst.Reachable,
			ObservedAt: time.Now().UTC(),
		},
	}
	s.inv.Upsert(ref)
	stored, _ := s.inv.Get(inst.ID)
	return stored
}

func (s *Scheduler) applyOutcome(ctx context.Context, ref models.ResourceRef, outcome classify.Outcome) {
	switch {
	case outcome.Opened != nil:
		target := models.StateDegraded
		if outcome.Opened.Tier == models.Tier0 {
			target = models.StateCritical
		}
		if err := s.inv.SetState(ref.ID, target); err != nil {
			s.logger.Warn("resource state update refused", "resource_id", ref.ID, "error", err)
		}
		if s.notifier != nil {
			s.notifier.Notify(ctx, fmt.Sprintf("Alert opened (%s)", outcome.Opened.Tier),
				fmt.Sprintf("%s on %s (%s)", outcome.Opened.Cause, ref.Name, ref.ID))
		}
		if s.dispatcher != nil {
			ev := *outcome.Opened
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.dispatcher.Handle(ctx, ev)
			}()
		}
	case outcome.Recovered:
		if err := s.inv.SetState(ref.ID, models.StateHealthy); err != nil {
			s.logger.Warn("resource state update refused", "resource_id", ref.ID, "error", err)
		}
		if s.notifier != nil && outcome.Closed != nil {
			s.notifier.Notify(ctx, "Alert recovered",
				fmt.Sprintf("%s on %s (%s) cleared after sustained healthy checks", outcome.Closed.Cause, ref.Name, ref.ID))
		}
	}
}

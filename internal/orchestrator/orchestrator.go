// Package orchestrator drives automated recovery for open alerts: it pairs an
// alert with candidate procedures from the knowledge store, asks the reasoning
// oracle to pick one, and walks the chosen steps through the safety gate.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/sentinel/internal/classify"
	"github.com/opsforge/sentinel/internal/cloud"
	"github.com/opsforge/sentinel/internal/gate"
	"github.com/opsforge/sentinel/internal/llm"
	"github.com/opsforge/sentinel/internal/models"
	"github.com/opsforge/sentinel/internal/sop"
)

const (
	recentLogLines = 50
	placeholderID  = "{{instance_id}}"
)

var jsonBlockRe = regexp.MustCompile(`(?s)\{.*\}`)

// LogSource supplies recent log lines for the alerting resource so the oracle
// sees evidence, not just a cause string.
type LogSource interface {
	FetchRecentLogs(ctx context.Context, instanceID string, lines int) ([]cloud.LogLine, error)
}

// Notifier receives human-facing progress updates. Implementations must not
// block recovery on delivery.
type Notifier interface {
	Notify(ctx context.Context, title, text string)
}

// Orchestrator owns the alert-to-remediation pipeline. One procedure at most
// is in flight per alert dedup key; re-dispatched alerts for the same
// condition are dropped while the first run is still working.
type Orchestrator struct {
	logger     *slog.Logger
	retriever  sop.Retriever
	oracle     llm.Client
	gate       *gate.Gate
	classifier *classify.Classifier
	logs       LogSource
	notifier   Notifier

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(logger *slog.Logger, retriever sop.Retriever, oracle llm.Client, g *gate.Gate, classifier *classify.Classifier, logs LogSource, notifier Notifier) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		logger:     logger,
		retriever:  retriever,
		oracle:     oracle,
		gate:       g,
		classifier: classifier,
		logs:       logs,
		notifier:   notifier,
		inFlight:   make(map[string]struct{}),
	}
}

// Handle runs the recovery pipeline for one alert event synchronously. Callers
// that dispatch from a polling loop should invoke it on its own goroutine.
func (o *Orchestrator) Handle(ctx context.Context, ev models.AlertEvent) {
	key := ev.DedupKey()
	o.mu.Lock()
	if _, busy := o.inFlight[key]; busy {
		o.mu.Unlock()
		o.logger.Debug("recovery already in flight, dropping alert", "dedup_key", key)
		return
	}
	o.inFlight[key] = struct{}{}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.inFlight, key)
		o.mu.Unlock()
	}()

	log := o.logger.With("resource_id", ev.Resource.ID, "tier", string(ev.Tier), "cause", ev.Cause)
	log.Info("starting recovery for alert", "alert_id", ev.ID)

	candidates, err := o.retriever.Retrieve(ctx, ev.Cause, ev.Resource.Tags)
	if err != nil {
		if errors.Is(err, models.ErrNoProcedureFound) {
			log.Warn("no procedure matches alert, surfacing unresolved")
			o.notify(ctx, "Unresolved alert",
				fmt.Sprintf("%s on %s (%s): no recovery procedure found, operator attention needed", ev.Cause, ev.Resource.Name, ev.Resource.ID))
			return
		}
		log.Error("procedure retrieval failed", "error", err)
		o.notify(ctx, "Unresolved alert",
			fmt.Sprintf("%s on %s: knowledge store unavailable (%v)", ev.Cause, ev.Resource.Name, err))
		return
	}

	proc, rationale := o.selectProcedure(ctx, ev, candidates)
	log.Info("procedure selected", "procedure_id", proc.ID, "steps", len(proc.Steps), "rationale", rationale)

	for i, step := range proc.Steps {
		req := o.resolveStep(ev, step)
		done, err := o.gate.Submit(ctx, req)
		if err != nil || done.Status != models.StatusSucceeded {
			reason := done.Reason
			if err != nil {
				reason = err.Error()
			}
			log.Warn("recovery halted", "procedure_id", proc.ID, "step", i+1,
				"tool", step.Tool, "status", done.Status, "reason", reason)
			o.notify(ctx, "Recovery halted",
				fmt.Sprintf("%s step %d/%d (%s) on %s did not complete: %s; alert remains open",
					proc.Title, i+1, len(proc.Steps), step.Tool, ev.Resource.Name, reason))
			return
		}
		log.Info("recovery step succeeded", "procedure_id", proc.ID, "step", i+1, "tool", step.Tool)
	}

	if closed := o.classifier.Close(ev.Resource.ID); closed != nil {
		log.Info("alert closed by recovery", "alert_id", closed.ID, "procedure_id", proc.ID)
	}
	o.notify(ctx, "Recovery complete",
		fmt.Sprintf("%s resolved %s on %s (%s)", proc.Title, ev.Cause, ev.Resource.Name, ev.Resource.ID))
}

// selectProcedure asks the oracle to pick among the candidates using recent
// logs as evidence. Any oracle failure falls back to the highest-confidence
// candidate so recovery is never blocked on the model being reachable.
func (o *Orchestrator) selectProcedure(ctx context.Context, ev models.AlertEvent, candidates []models.SOPProcedure) (models.SOPProcedure, string) {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Confidence > best.Confidence {
			best = c
		}
	}
	if o.oracle == nil || len(candidates) == 1 {
		return best, "single candidate"
	}

	prompt := o.buildPrompt(ctx, ev, candidates)
	raw, err := o.oracle.Generate(ctx, prompt)
	if err != nil {
		o.logger.Warn("oracle unavailable, using highest-confidence procedure", "error", err)
		return best, "oracle unavailable"
	}

	var verdict struct {
		ProcedureID string `json:"procedure_id"`
		Rationale   string `json:"rationale"`
	}
	block := jsonBlockRe.FindString(raw)
	if block == "" || json.Unmarshal([]byte(block), &verdict) != nil {
		o.logger.Warn("oracle reply unparseable, using highest-confidence procedure")
		return best, "oracle reply unparseable"
	}
	for _, c := range candidates {
		if c.ID == verdict.ProcedureID {
			return c, verdict.Rationale
		}
	}
	o.logger.Warn("oracle picked unknown procedure, using highest-confidence candidate",
		"procedure_id", verdict.ProcedureID)
	return best, "oracle picked unknown procedure"
}

func (o *Orchestrator) buildPrompt(ctx context.Context, ev models.AlertEvent, candidates []models.SOPProcedure) string {
	var b strings.Builder
	fmt.Fprintf(&b, "An infrastructure alert needs remediation.\n\n")
	fmt.Fprintf(&b, "Alert: %s (tier %s)\nResource: %s (%s), state %s, cpu %.1f%%, cloud state %q\n",
		ev.Cause, ev.Tier, ev.Resource.Name, ev.Resource.ID, ev.Resource.State, ev.Snapshot.CPUPercent, ev.Snapshot.CloudState)

	if o.logs != nil {
		if lines, err := o.logs.FetchRecentLogs(ctx, ev.Resource.ID, recentLogLines); err == nil && len(lines) > 0 {
			b.WriteString("\nRecent logs:\n")
			for _, l := range lines {
				fmt.Fprintf(&b, "%s %s\n", l.Timestamp.Format(time.RFC3339), l.Message)
			}
		}
	}

	b.WriteString("\nCandidate procedures:\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "- id=%s title=%q steps=%d rationale=%q\n", c.ID, c.Title, len(c.Steps), c.Rationale)
	}
	b.WriteString("\nPick the single best procedure. Respond with JSON only: " +
		`{"procedure_id": "<id>", "rationale": "<one sentence>"}` + "\n")
	return b.String()
}

// resolveStep materializes a template step into a concrete request targeting
// the alerting resource.
func (o *Orchestrator) resolveStep(ev models.AlertEvent, step models.ActionTemplate) models.ActionRequest {
	args := make(map[string]string, len(step.Args)+1)
	for k, v := range step.Args {
		args[k] = strings.ReplaceAll(v, placeholderID, ev.Resource.ID)
	}
	if _, ok := args["instance_id"]; !ok {
		args["instance_id"] = ev.Resource.ID
	}
	return models.ActionRequest{
		ID:         uuid.NewString(),
		Tool:       step.Tool,
		Args:       args,
		Origin:     models.OriginAutonomous,
		Status:     models.StatusProposed,
		ResourceID: ev.Resource.ID,
		Reason:     fmt.Sprintf("automated recovery for %s", ev.Cause),
		CreatedAt:  time.Now().UTC(),
	}
}

func (o *Orchestrator) notify(ctx context.Context, title, text string) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(ctx, title, text)
}

// Package gate is the single approval-and-execution funnel both entry paths
// converge on. Every action request, interactive or autonomous, moves through
// one finite-state machine with explicit allowed transitions; there is no
// second path to the control plane.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/sentinel/internal/cloud"
	"github.com/opsforge/sentinel/internal/intent"
	"github.com/opsforge/sentinel/internal/inventory"
	"github.com/opsforge/sentinel/internal/metrics"
	"github.com/opsforge/sentinel/internal/models"
	"github.com/opsforge/sentinel/internal/utils"
)

// Executor dispatches an approved request to the cloud control plane.
type Executor interface {
	Execute(ctx context.Context, req models.ActionRequest) (cloud.ExecutionResult, error)
}

// Auditor records terminal request outcomes.
type Auditor interface {
	Record(ctx context.Context, req models.ActionRequest) error
}

// TicketCallback is invoked when a critical request opens an approval ticket,
// so the console and notification channel can surface it.
type TicketCallback func(models.ApprovalTicket, models.ActionRequest)

type pendingTicket struct {
	ticket  models.ApprovalTicket
	request models.ActionRequest
	decide  chan models.ApprovalDecision
}

// Gate drives action requests through
// Proposed -> Executing (safe) or
// Proposed -> AwaitingApproval -> {Approved -> Executing | Rejected}
// and finally Executing -> {Succeeded | Failed}. Execution happens exactly
// once and is never retried.
type Gate struct {
	logger    *slog.Logger
	registry  *intent.Registry
	inv       *inventory.Store
	executor  Executor
	auditor   Auditor
	timeout   time.Duration
	onTicket  TicketCallback
	latencies *utils.LatencyTracker

	mu       sync.Mutex
	pending  map[string]*pendingTicket
	requests map[string]models.ActionRequest
}

// New constructs the safety gate. auditor and onTicket may be nil.
func New(logger *slog.Logger, registry *intent.Registry, inv *inventory.Store, executor Executor, auditor Auditor, approvalTimeout time.Duration) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if approvalTimeout <= 0 {
		approvalTimeout = 2 * time.Minute
	}
	return &Gate{
		logger:    logger,
		registry:  registry,
		inv:       inv,
		executor:  executor,
		auditor:   auditor,
		timeout:   approvalTimeout,
		latencies: utils.NewLatencyTracker(1024),
		pending:   make(map[string]*pendingTicket),
		requests:  make(map[string]models.ActionRequest),
	}
}

// SetTicketCallback registers the hook invoked for newly opened tickets.
func (g *Gate) SetTicketCallback(cb TicketCallback) {
	g.onTicket = cb
}

// Submit drives one request to a terminal status and returns it. The call
// blocks through any approval wait; requests targeting a resource with an
// in-flight action queue on the resource's slot first.
func (g *Gate) Submit(ctx context.Context, req models.ActionRequest) (models.ActionRequest, error) {
	if req.Status != models.StatusProposed {
		return req, fmt.Errorf("request %s submitted in status %s", req.ID, req.Status)
	}

	// The validator already screens tool names; re-checking here keeps the
	// gate safe against callers that bypass it.
	if g.registry.Blocked(req.Tool) {
		return req, fmt.Errorf("%w: %s", models.ErrForbiddenCommand, req.Tool)
	}
	spec, known := g.registry.Lookup(req.Tool)
	if !known {
		return req, fmt.Errorf("%w: %s", models.ErrForbiddenCommand, req.Tool)
	}
	// The registry is authoritative for risk; callers cannot downgrade it.
	req.Risk = spec.Risk

	if !spec.ReadOnly && req.ResourceID != "" {
		if err := g.inv.Acquire(ctx, req.ResourceID); err != nil {
			return req, err
		}
		defer g.inv.Release(req.ResourceID)
	}

	if req.Risk == models.RiskCritical {
		var err error
		req, err = g.awaitApproval(ctx, req)
		if err != nil || req.Status.Terminal() {
			return req, err
		}
	}

	return g.execute(ctx, req, spec)
}

// awaitApproval opens a ticket and blocks until a decision, the configured
// timeout, or ctx cancellation. The ticket is destroyed once decided; its
// outcome lives on in the request status.
func (g *Gate) awaitApproval(ctx context.Context, req models.ActionRequest) (models.ActionRequest, error) {
	var err error
	req, err = g.transition(req, models.StatusAwaitingApproval, "")
	if err != nil {
		return req, err
	}

	ticket := models.ApprovalTicket{
		ID:          uuid.NewString(),
		RequestID:   req.ID,
		RequestedAt: time.Now().UTC(),
		Decision:    models.DecisionPending,
	}
	entry := &pendingTicket{
		ticket:  ticket,
		request: req,
		decide:  make(chan models.ApprovalDecision, 1),
	}

	g.mu.Lock()
	g.pending[ticket.ID] = entry
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, ticket.ID)
		g.mu.Unlock()
	}()

	g.logger.Info("approval required",
		slog.String("ticket", ticket.ID),
		slog.String("request", req.ID),
		slog.String("tool", req.Tool),
		slog.String("resource", req.ResourceID))
	if g.onTicket != nil {
		g.onTicket(ticket, req)
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case decision := <-entry.decide:
		if decision == models.DecisionApproved {
			metrics.ObserveApproval("approved")
			return g.transition(req, models.StatusApproved, "")
		}
		metrics.ObserveApproval("denied")
		return g.transition(req, models.StatusRejected, models.ReasonOperatorDenied)
	case <-timer.C:
		metrics.ObserveApproval("timeout")
		g.logger.Warn("approval timed out",
			slog.String("ticket", ticket.ID),
			slog.String("request", req.ID))
		return g.transition(req, models.StatusRejected, models.ReasonApprovalTimeout)
	case <-ctx.Done():
		metrics.ObserveApproval("cancelled")
		return g.transition(req, models.StatusRejected, models.ReasonTicketCancelled)
	}
}

func (g *Gate) execute(ctx context.Context, req models.ActionRequest, spec intent.ToolSpec) (models.ActionRequest, error) {
	var err error
	req, err = g.transition(req, models.StatusExecuting, "")
	if err != nil {
		return req, err
	}

	if !spec.ReadOnly && req.ResourceID != "" {
		if serr := g.inv.SetState(req.ResourceID, models.StateRecovering); serr != nil {
			g.logger.Debug("resource state unchanged", slog.String("resource", req.ResourceID), slog.Any("error", serr))
		}
	}

	start := time.Now()
	result, execErr := g.executor.Execute(ctx, req)
	duration := time.Since(start)
	g.latencies.Observe(duration)

	if execErr != nil || !result.OK {
		reason := result.Message
		if execErr != nil {
			reason = execErr.Error()
		}
		req, _ = g.transition(req, models.StatusFailed, reason)
		g.settleResource(req, spec, false)
		metrics.ObserveAction(metrics.OutcomeFailed, string(req.Origin), duration)
		g.record(ctx, req)
		g.logger.Error("action execution failed",
			slog.String("request", req.ID),
			slog.String("tool", req.Tool),
			slog.String("reason", reason))
		return req, nil
	}

	req.Result = result.Message
	req, _ = g.transition(req, models.StatusSucceeded, "")
	g.settleResource(req, spec, true)
	metrics.ObserveAction(metrics.OutcomeSuccess, string(req.Origin), duration)
	g.record(ctx, req)

	if count := g.latencies.Count(); count >= 20 && count%20 == 0 {
		g.logger.Info("execution latency", slog.Duration("p95", g.latencies.Percentile(95)), slog.Int("samples", count))
	}
	return req, nil
}

// settleResource resolves the Recovering state after execution. Actions that
// bring capacity back leave the resource healthy; stop/terminate-class
// actions leave it critical until polling observes otherwise.
func (g *Gate) settleResource(req models.ActionRequest, spec intent.ToolSpec, succeeded bool) {
	if spec.ReadOnly || req.ResourceID == "" {
		return
	}

	state := models.StateCritical
	if succeeded {
		switch req.Tool {
		case "start_instances", "reboot_instances", "resize_instance":
			state = models.StateHealthy
		}
	}
	if err := g.inv.SetState(req.ResourceID, state); err != nil {
		g.logger.Debug("resource state unchanged", slog.String("resource", req.ResourceID), slog.Any("error", err))
	}
}

// Decide resolves a pending ticket. Unknown or already-decided tickets return
// an error.
func (g *Gate) Decide(ticketID string, decision models.ApprovalDecision, decidedBy string) error {
	if decision != models.DecisionApproved && decision != models.DecisionDenied {
		return fmt.Errorf("invalid decision %q", decision)
	}

	g.mu.Lock()
	entry, ok := g.pending[ticketID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("ticket %s not pending", ticketID)
	}

	entry.ticket.Decision = decision
	entry.ticket.DecidedBy = decidedBy

	select {
	case entry.decide <- decision:
		return nil
	default:
		return fmt.Errorf("ticket %s already decided", ticketID)
	}
}

// Cancel explicitly rejects a pending ticket on the operator's behalf.
func (g *Gate) Cancel(ticketID string, cancelledBy string) error {
	return g.Decide(ticketID, models.DecisionDenied, cancelledBy)
}

// PendingTickets lists tickets currently awaiting a decision.
func (g *Gate) PendingTickets() []models.ApprovalTicket {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]models.ApprovalTicket, 0, len(g.pending))
	for _, entry := range g.pending {
		out = append(out, entry.ticket)
	}
	return out
}

// Request returns the last recorded state of a request.
func (g *Gate) Request(id string) (models.ActionRequest, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	req, ok := g.requests[id]
	return req, ok
}

// transition applies one state-machine move, enforcing the allowed set.
func (g *Gate) transition(req models.ActionRequest, to models.RequestStatus, reason string) (models.ActionRequest, error) {
	if err := models.ValidateStatusTransition(req.Status, to); err != nil {
		return req, err
	}
	req.Status = to
	if reason != "" {
		req.Reason = reason
	}

	g.mu.Lock()
	g.requests[req.ID] = req
	g.mu.Unlock()

	if to == models.StatusRejected {
		metrics.ObserveAction(metrics.OutcomeRejected, string(req.Origin), 0)
		g.record(context.Background(), req)
	}
	return req, nil
}

func (g *Gate) record(ctx context.Context, req models.ActionRequest) {
	if g.auditor == nil {
		return
	}
	if err := g.auditor.Record(ctx, req); err != nil {
		g.logger.Warn("audit record failed", slog.String("request", req.ID), slog.Any("error", err))
	}
}

// Package console implements the operator's interactive loop: free-text
// requests routed through the oracle and validator, approval commands for
// pending tickets, and the monitoring toggle.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opsforge/sentinel/internal/cloud"
	"github.com/opsforge/sentinel/internal/gate"
	"github.com/opsforge/sentinel/internal/intent"
	"github.com/opsforge/sentinel/internal/inventory"
	"github.com/opsforge/sentinel/internal/llm"
	"github.com/opsforge/sentinel/internal/models"
	"github.com/opsforge/sentinel/internal/monitor"
)

// LogSource supplies recent logs for the read-only log query.
type LogSource interface {
	FetchRecentLogs(ctx context.Context, instanceID string, lines int) ([]cloud.LogLine, error)
}

// Console reads operator input line by line and drives the request pipeline.
// Mutating requests are submitted on their own goroutine so the prompt stays
// responsive while a critical action waits on its approval ticket.
type Console struct {
	logger    *slog.Logger
	validator *intent.Validator
	registry  *intent.Registry
	oracle    llm.Client
	gate      *gate.Gate
	scheduler *monitor.Scheduler
	inv       *inventory.Store
	logs      LogSource

	cpuHintPct float64

	in  io.Reader
	out io.Writer

	mu      sync.Mutex
	convCtx intent.Context
	pending sync.WaitGroup
}

func New(logger *slog.Logger, validator *intent.Validator, registry *intent.Registry, oracle llm.Client, g *gate.Gate, scheduler *monitor.Scheduler, inv *inventory.Store, logs LogSource, cpuHintPct float64, in io.Reader, out io.Writer) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		logger:     logger,
		validator:  validator,
		registry:   registry,
		oracle:     oracle,
		gate:       g,
		scheduler:  scheduler,
		inv:        inv,
		logs:       logs,
		cpuHintPct: cpuHintPct,
		in:         in,
		out:        out,
	}
}

// Run blocks until the operator exits or ctx is cancelled. It waits briefly
// for in-flight submissions before returning so their outcomes are printed.
func (c *Console) Run(ctx context.Context) {
	// Ticket announcements interleave with the prompt; operators decide with
	// the approve/deny commands.
	c.gate.SetTicketCallback(func(t models.ApprovalTicket, req models.ActionRequest) {
		c.printf("\n[approval needed] ticket %s: %s %v (resource %s)\n", t.ID, req.Tool, req.Args, req.ResourceID)
		c.printf("  approve with: approve %s   or: deny %s\n", t.ID, t.ID)
	})

	c.printf("sentinel console. Type 'help' for commands, plain language for everything else.\n")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		c.printf("sentinel> ")
		select {
		case <-ctx.Done():
			c.drain()
			return
		case line, ok := <-lines:
			if !ok {
				c.drain()
				return
			}
			if done := c.handle(ctx, strings.TrimSpace(line)); done {
				c.drain()
				return
			}
		}
	}
}

// handle processes one input line and reports whether the loop should exit.
func (c *Console) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "exit", "quit":
		return true
	case "help":
		c.printHelp()
	case "auto":
		c.handleAuto(fields)
	case "tickets":
		c.printTickets()
	case "approve", "deny":
		c.handleDecision(fields)
	case "instances", "status":
		c.printInstances()
	case "scan":
		c.scheduler.Scan(ctx)
		c.printf("scan complete\n")
	default:
		c.handleFreeText(ctx, line)
	}
	return false
}

func (c *Console) printHelp() {
	c.printf(`commands:
  auto on|off         toggle autonomous monitoring
  scan                run one monitoring sweep now
  instances           list known instances and their state
  tickets             list pending approval tickets
  approve <ticket>    approve a pending critical action
  deny <ticket>       reject a pending critical action
  exit                quit
anything else is treated as a request, e.g. "reboot web-1" or "cpu of i-0abc".
`)
}

func (c *Console) handleAuto(fields []string) {
	if len(fields) != 2 {
		c.printf("usage: auto on|off\n")
		return
	}
	switch strings.ToLower(fields[1]) {
	case "on":
		if c.scheduler.Enable() {
			c.printf("autonomous monitoring enabled\n")
		} else {
			c.printf("autonomous monitoring already enabled\n")
		}
	case "off":
		if c.scheduler.Disable() {
			c.printf("autonomous monitoring disabled; in-flight recoveries finish\n")
		} else {
			c.printf("autonomous monitoring already disabled\n")
		}
	default:
		c.printf("usage: auto on|off\n")
	}
}

func (c *Console) printTickets() {
	tickets := c.gate.PendingTickets()
	if len(tickets) == 0 {
		c.printf("no pending tickets\n")
		return
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].RequestedAt.Before(tickets[j].RequestedAt) })
	for _, t := range tickets {
		req, _ := c.gate.Request(t.RequestID)
		c.printf("  %s  %s %v  waiting %s\n", t.ID, req.Tool, req.Args, time.Since(t.RequestedAt).Round(time.Second))
	}
}

func (c *Console) handleDecision(fields []string) {
	if len(fields) != 2 {
		c.printf("usage: %s <ticket>\n", fields[0])
		return
	}
	decision := models.DecisionApproved
	if strings.EqualFold(fields[0], "deny") {
		decision = models.DecisionDenied
	}
	if err := c.gate.Decide(fields[1], decision, "console"); err != nil {
		c.printf("error: %v\n", err)
		return
	}
	c.printf("ticket %s %s\n", fields[1], decision)
}

func (c *Console) printInstances() {
	refs := c.inv.List()
	if len(refs) == 0 {
		c.printf("no instances known yet; run 'scan' or enable monitoring\n")
		return
	}
	for _, ref := range refs {
		c.printf("  %-20s %-12s %-10s cpu %5.1f%%  cloud %q\n",
			ref.ID, ref.Name, ref.State, ref.Snapshot.CPUPercent, ref.Snapshot.CloudState)
	}
}

// handleFreeText runs the full pipeline for one natural-language request.
func (c *Console) handleFreeText(ctx context.Context, line string) {
	if req, ok := c.validator.RouteReadOnly(line); ok {
		c.serveReadOnly(ctx, req)
		return
	}

	raw, err := c.oracle.Generate(ctx, c.buildPrompt(line))
	if err != nil {
		c.logger.Warn("oracle unavailable, validating raw input", "error", err)
		raw = line
	}

	req, err := c.validator.Validate(raw, models.OriginInteractive, c.context())
	if err != nil {
		c.explain(err)
		return
	}
	c.remember(req.ResourceID)

	spec, _ := c.registry.Lookup(req.Tool)
	if spec.ReadOnly {
		c.serveReadOnly(ctx, req)
		return
	}

	c.printf("submitting %s %v (risk %s)\n", req.Tool, req.Args, c.registry.Risk(req.Tool))
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		done, err := c.gate.Submit(ctx, req)
		switch {
		case err != nil:
			c.printf("\n[%s] %s failed: %v\n", done.ID, done.Tool, err)
		case done.Status == models.StatusSucceeded:
			c.printf("\n[%s] %s succeeded: %s\n", done.ID, done.Tool, done.Result)
		default:
			c.printf("\n[%s] %s %s: %s\n", done.ID, done.Tool, done.Status, done.Reason)
		}
	}()
}

// serveReadOnly answers directly from the inventory and log source; read
// queries never round-trip through the control plane executor.
func (c *Console) serveReadOnly(ctx context.Context, req models.ActionRequest) {
	switch req.Tool {
	case "list_instances":
		c.printInstances()
	case "get_metrics":
		ref, err := c.targetOf(req)
		if err != nil {
			c.explain(err)
			return
		}
		c.remember(ref.ID)
		c.printf("%s (%s): state %s, cloud %q, cpu %.1f%%, reachable %v, observed %s\n",
			ref.Name, ref.ID, ref.State, ref.Snapshot.CloudState, ref.Snapshot.CPUPercent,
			ref.Snapshot.Reachable, ref.Snapshot.ObservedAt.Format(time.RFC3339))
		c.hint(ref)
	case "get_recent_logs":
		ref, err := c.targetOf(req)
		if err != nil {
			c.explain(err)
			return
		}
		c.remember(ref.ID)
		lines, err := c.logs.FetchRecentLogs(ctx, ref.ID, 20)
		if err != nil {
			c.printf("error fetching logs: %v\n", err)
			return
		}
		for _, l := range lines {
			c.printf("  %s %s\n", l.Timestamp.Format(time.RFC3339), l.Message)
		}
	default:
		c.printf("unsupported read-only tool %q\n", req.Tool)
	}
}

// targetOf resolves the read query's subject, falling back to the last
// instance the conversation touched.
func (c *Console) targetOf(req models.ActionRequest) (models.ResourceRef, error) {
	if req.ResourceID != "" {
		if ref, ok := c.inv.Get(req.ResourceID); ok {
			return ref, nil
		}
	}
	if name := req.Args["instance_id"]; name != "" {
		return c.inv.Resolve(name)
	}
	if last := c.context().LastInstanceID; last != "" {
		if ref, ok := c.inv.Get(last); ok {
			return ref, nil
		}
	}
	return models.ResourceRef{}, models.ErrResourceNotFound
}

// hint nudges the operator toward an obvious next step after a metrics query.
func (c *Console) hint(ref models.ResourceRef) {
	switch {
	case ref.Snapshot.CloudState == "stopped":
		c.printf("hint: %s is stopped; \"start %s\" would bring it back\n", ref.Name, ref.ID)
	case c.cpuHintPct > 0 && ref.Snapshot.CPUPercent >= c.cpuHintPct:
		c.printf("hint: cpu is high; \"reboot %s\" or a resize may help\n", ref.ID)
	}
}

func (c *Console) buildPrompt(line string) string {
	var b strings.Builder
	b.WriteString("You translate an operator's infrastructure request into a tool call.\n")
	b.WriteString("Available tools: ")
	b.WriteString(strings.Join(c.registry.Tools(), ", "))
	b.WriteString("\nArgs use instance_id for the target; resize_instance also needs instance_type.\n")
	if last := c.context().LastInstanceID; last != "" {
		fmt.Fprintf(&b, "The conversation was last about instance %s.\n", last)
	}
	fmt.Fprintf(&b, "\nRequest: %s\n\n", line)
	b.WriteString(`Respond with JSON only: {"tool": "<name>", "args": {...}}` + "\n")
	return b.String()
}

func (c *Console) explain(err error) {
	switch {
	case errors.Is(err, models.ErrForbiddenCommand):
		c.printf("that operation is not permitted: %v\n", err)
	case errors.Is(err, models.ErrAmbiguousIntent):
		c.printf("I can't tell what action you want; try naming one operation, e.g. \"reboot web-1\"\n")
	case errors.Is(err, models.ErrAmbiguousResource):
		c.printf("more than one instance matches; use the instance id\n")
	case errors.Is(err, models.ErrResourceNotFound):
		c.printf("no matching instance; 'instances' lists what I know about\n")
	case errors.Is(err, models.ErrMalformedIntent):
		c.printf("I couldn't turn that into a valid action; try rephrasing\n")
	default:
		c.printf("error: %v\n", err)
	}
}

func (c *Console) context() intent.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.convCtx
}

func (c *Console) remember(resourceID string) {
	if resourceID == "" {
		return
	}
	c.mu.Lock()
	c.convCtx.LastInstanceID = resourceID
	c.mu.Unlock()
}

// drain gives in-flight submissions a moment to settle before exit.
func (c *Console) drain() {
	done := make(chan struct{})
	go func() {
		c.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		c.printf("\nexiting with actions still in flight; check the audit log\n")
	}
}

func (c *Console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

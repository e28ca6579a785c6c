package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/opsforge/sentinel/internal/cloud"
	"github.com/opsforge/sentinel/internal/intent"
	"github.com/opsforge/sentinel/internal/inventory"
	"github.com/opsforge/sentinel/internal/models"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls []models.ActionRequest
	fail  bool
	delay time.Duration
}

func (f *fakeExecutor) Execute(_ context.Context, req models.ActionRequest) (cloud.ExecutionResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.fail {
		return cloud.ExecutionResult{OK: false, Message: "provider refused"}, nil
	}
	return cloud.ExecutionResult{OK: true, Message: "done"}, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeAuditor struct {
	mu      sync.Mutex
	records []models.ActionRequest
}

func (f *fakeAuditor) Record(_ context.Context, req models.ActionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, req)
	return nil
}

func (f *fakeAuditor) last() (models.ActionRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.records) == 0 {
		return models.ActionRequest{}, false
	}
	return f.records[len(f.records)-1], true
}

func testInventory() *inventory.Store {
	inv := inventory.NewStore()
	inv.Upsert(models.ResourceRef{ID: "i-0abc1234", Name: "web-1"})
	_ = inv.SetState("i-0abc1234", models.StateCritical)
	return inv
}

func newRequest(tool string) models.ActionRequest {
	return models.ActionRequest{
		ID:         uuid.NewString(),
		Tool:       tool,
		Args:       map[string]string{"instance_id": "i-0abc1234"},
		Origin:     models.OriginInteractive,
		Status:     models.StatusProposed,
		ResourceID: "i-0abc1234",
		CreatedAt:  time.Now().UTC(),
	}
}

func newTestGate(exec *fakeExecutor, auditor *fakeAuditor, timeout time.Duration) (*Gate, *inventory.Store) {
	inv := testInventory()
	var aud Auditor
	if auditor != nil {
		aud = auditor
	}
	g := New(nil, intent.NewRegistry(), inv, exec, aud, timeout)
	return g, inv
}

func TestSafeActionExecutesWithoutApproval(t *testing.T) {
	exec := &fakeExecutor{}
	auditor := &fakeAuditor{}
	g, inv := newTestGate(exec, auditor, time.Minute)

	done, err := g.Submit(context.Background(), newRequest("start_instances"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if done.Status != models.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", done.Status)
	}
	if exec.callCount() != 1 {
		t.Fatalf("expected exactly one execution, got %d", exec.callCount())
	}
	if rec, ok := auditor.last(); !ok || rec.Status != models.StatusSucceeded {
		t.Fatalf("expected audited success, got %+v", rec)
	}
	ref, _ := inv.Get("i-0abc1234")
	if ref.State != models.StateHealthy {
		t.Fatalf("expected healthy after start, got %s", ref.State)
	}
}

func TestCriticalActionWaitsForApproval(t *testing.T) {
	exec := &fakeExecutor{}
	g, _ := newTestGate(exec, nil, time.Minute)

	ticketCh := make(chan models.ApprovalTicket, 1)
	g.SetTicketCallback(func(ticket models.ApprovalTicket, _ models.ActionRequest) {
		ticketCh <- ticket
	})

	results := make(chan models.ActionRequest, 1)
	go func() {
		done, _ := g.Submit(context.Background(), newRequest("stop_instances"))
		results <- done
	}()

	var ticket models.ApprovalTicket
	select {
	case ticket = <-ticketCh:
	case <-time.After(2 * time.Second):
		t.Fatal("ticket never opened")
	}
	if exec.callCount() != 0 {
		t.Fatal("nothing may execute before approval")
	}

	if err := g.Decide(ticket.ID, models.DecisionApproved, "tester"); err != nil {
		t.Fatalf("decide: %v", err)
	}

	done := <-results
	if done.Status != models.StatusSucceeded {
		t.Fatalf("expected succeeded after approval, got %s (%s)", done.Status, done.Reason)
	}
	if exec.callCount() != 1 {
		t.Fatalf("expected one execution, got %d", exec.callCount())
	}
}

func TestDeniedTicketRejectsWithoutExecution(t *testing.T) {
	exec := &fakeExecutor{}
	auditor := &fakeAuditor{}
	g, _ := newTestGate(exec, auditor, time.Minute)

	ticketCh := make(chan models.ApprovalTicket, 1)
	g.SetTicketCallback(func(ticket models.ApprovalTicket, _ models.ActionRequest) {
		ticketCh <- ticket
	})

	results := make(chan models.ActionRequest, 1)
	go func() {
		done, _ := g.Submit(context.Background(), newRequest("terminate_instances"))
		results <- done
	}()

	ticket := <-ticketCh
	if err := g.Decide(ticket.ID, models.DecisionDenied, "tester"); err != nil {
		t.Fatalf("decide: %v", err)
	}

	done := <-results
	if done.Status != models.StatusRejected {
		t.Fatalf("expected rejected, got %s", done.Status)
	}
	if done.Reason != models.ReasonOperatorDenied {
		t.Fatalf("expected operator denial reason, got %q", done.Reason)
	}
	if exec.callCount() != 0 {
		t.Fatal("denied request must never execute")
	}
	if rec, ok := auditor.last(); !ok || rec.Status != models.StatusRejected {
		t.Fatalf("rejection must be audited, got %+v", rec)
	}
}

func TestApprovalTimeoutRejects(t *testing.T) {
	exec := &fakeExecutor{}
	g, _ := newTestGate(exec, nil, 30*time.Millisecond)

	done, err := g.Submit(context.Background(), newRequest("stop_instances"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if done.Status != models.StatusRejected || done.Reason != models.ReasonApprovalTimeout {
		t.Fatalf("expected timeout rejection, got %s (%s)", done.Status, done.Reason)
	}
	if exec.callCount() != 0 {
		t.Fatal("timed-out request must never execute")
	}
}

func TestFailedExecutionIsNeverRetried(t *testing.T) {
	exec := &fakeExecutor{fail: true}
	g, inv := newTestGate(exec, nil, time.Minute)

	done, err := g.Submit(context.Background(), newRequest("start_instances"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if done.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", done.Status)
	}
	if done.Reason != "provider refused" {
		t.Fatalf("expected provider message, got %q", done.Reason)
	}
	if exec.callCount() != 1 {
		t.Fatalf("failed execution must not be retried, got %d calls", exec.callCount())
	}
	ref, _ := inv.Get("i-0abc1234")
	if ref.State != models.StateCritical {
		t.Fatalf("expected critical after failure, got %s", ref.State)
	}
}

func TestGateRefusesBlockedAndUnknownTools(t *testing.T) {
	g, _ := newTestGate(&fakeExecutor{}, nil, time.Minute)

	if _, err := g.Submit(context.Background(), newRequest("execute_shell")); !errors.Is(err, models.ErrForbiddenCommand) {
		t.Fatalf("expected ErrForbiddenCommand for blocked tool, got %v", err)
	}
	if _, err := g.Submit(context.Background(), newRequest("warp_drive")); !errors.Is(err, models.ErrForbiddenCommand) {
		t.Fatalf("expected ErrForbiddenCommand for unknown tool, got %v", err)
	}
}

func TestGateIgnoresCallerRiskDowngrade(t *testing.T) {
	exec := &fakeExecutor{}
	g, _ := newTestGate(exec, nil, 30*time.Millisecond)

	req := newRequest("terminate_instances")
	req.Risk = models.RiskSafe

	done, err := g.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// No approval arrives, so the registry-assigned critical risk must have
	// routed the request through the ticket path.
	if done.Status != models.StatusRejected || done.Reason != models.ReasonApprovalTimeout {
		t.Fatalf("risk downgrade bypassed approval: %s (%s)", done.Status, done.Reason)
	}
	if exec.callCount() != 0 {
		t.Fatal("downgraded request must not execute")
	}
}

func TestQueueingSerialisesSameResource(t *testing.T) {
	exec := &fakeExecutor{delay: 50 * time.Millisecond}
	g, _ := newTestGate(exec, nil, time.Minute)

	var running int32
	var maxRunning int32
	wrapped := &concurrencyProbe{inner: exec, running: &running, max: &maxRunning}
	g.executor = wrapped

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Submit(context.Background(), newRequest("reboot_instances")); err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()

	if exec.callCount() != 3 {
		t.Fatalf("expected all queued requests to run, got %d", exec.callCount())
	}
	if atomic.LoadInt32(&maxRunning) != 1 {
		t.Fatalf("expected serialised execution per resource, observed %d concurrent", maxRunning)
	}
}

type concurrencyProbe struct {
	inner   Executor
	running *int32
	max     *int32
}

func (p *concurrencyProbe) Execute(ctx context.Context, req models.ActionRequest) (cloud.ExecutionResult, error) {
	now := atomic.AddInt32(p.running, 1)
	for {
		prev := atomic.LoadInt32(p.max)
		if now <= prev || atomic.CompareAndSwapInt32(p.max, prev, now) {
			break
		}
	}
	defer atomic.AddInt32(p.running, -1)
	return p.inner.Execute(ctx, req)
}

func TestSubmitRejectsNonProposedRequests(t *testing.T) {
	g, _ := newTestGate(&fakeExecutor{}, nil, time.Minute)

	req := newRequest("start_instances")
	req.Status = models.StatusApproved
	if _, err := g.Submit(context.Background(), req); err == nil {
		t.Fatal("expected error for non-proposed request")
	}
}

func TestStatusTransitionTable(t *testing.T) {
	cases := []struct {
		from, to models.RequestStatus
		ok       bool
	}{
		{models.StatusProposed, models.StatusExecuting, true},
		{models.StatusProposed, models.StatusAwaitingApproval, true},
		{models.StatusAwaitingApproval, models.StatusApproved, true},
		{models.StatusAwaitingApproval, models.StatusRejected, true},
		{models.StatusApproved, models.StatusExecuting, true},
		{models.StatusExecuting, models.StatusSucceeded, true},
		{models.StatusExecuting, models.StatusFailed, true},
		{models.StatusRejected, models.StatusExecuting, false},
		{models.StatusFailed, models.StatusExecuting, false},
		{models.StatusSucceeded, models.StatusExecuting, false},
		{models.StatusExecuting, models.StatusProposed, false},
	}
	for _, tc := range cases {
		err := models.ValidateStatusTransition(tc.from, tc.to)
		if tc.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s -> %s: expected rejection", tc.from, tc.to)
		}
	}
}

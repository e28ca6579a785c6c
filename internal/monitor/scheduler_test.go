package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opsforge/sentinel/internal/classify"
	"github.com/opsforge/sentinel/internal/cloud"
	"github.com/opsforge/sentinel/internal/config"
	"github.com/opsforge/sentinel/internal/inventory"
	"github.com/opsforge/sentinel/internal/models"
)

type fakeSource struct {
	mu        sync.Mutex
	instances []cloud.Instance
	err       error
	calls     int
}

func (f *fakeSource) FetchInventory(context.Context) ([]cloud.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.instances, f.err
}

func (f *fakeSource) set(instances []cloud.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances = instances
}

func (f *fakeSource) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeDispatcher struct {
	mu     sync.Mutex
	events []models.AlertEvent
}

func (f *fakeDispatcher) Handle(_ context.Context, ev models.AlertEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeDispatcher) dispatched() []models.AlertEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.AlertEvent(nil), f.events...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (r *recordingNotifier) Notify(_ context.Context, title, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
}

func (r *recordingNotifier) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

func running(id, name string, cpu float64) cloud.Instance {
	return cloud.Instance{ID: id, Name: name, State: "running", CPUPercent: cpu, Reachable: true}
}

func newTestScheduler(source InventorySource, dispatcher Dispatcher, notifier Notifier) (*Scheduler, *inventory.Store, *classify.Classifier) {
	inv := inventory.NewStore()
	rules := classify.DefaultPolicy(config.MonitorConfig{FailureCycles: 3, CPUThresholdPct: 80})
	classifier := classify.New(nil, rules, 2)
	s := NewScheduler(nil, time.Minute, source, inv, classifier, dispatcher, notifier)
	return s, inv, classifier
}

func TestScanOpensAlertAndDispatches(t *testing.T) {
	source := &fakeSource{instances: []cloud.Instance{
		running("i-0aaa", "web-1", 12),
		{ID: "i-0bbb", Name: "db-1", State: "stopped"},
	}}
	dispatcher := &fakeDispatcher{}
	notifier := &recordingNotifier{}
	s, inv, _ := newTestScheduler(source, dispatcher, notifier)

	s.Scan(context.Background())
	s.wg.Wait()

	events := dispatcher.dispatched()
	if len(events) != 1 {
		t.Fatalf("expected one dispatched alert, got %d", len(events))
	}
	if events[0].Cause != "instance_stopped" || events[0].Tier != models.Tier0 {
		t.Fatalf("unexpected alert %s/%s", events[0].Cause, events[0].Tier)
	}

	if ref, ok := inv.Get("i-0bbb"); !ok || ref.State != models.StateCritical {
		t.Fatalf("stopped instance should be critical, got %v", ref.State)
	}
	if ref, ok := inv.Get("i-0aaa"); !ok || ref.State != models.StateUnknown {
		t.Fatalf("healthy instance with no history stays unknown, got %v", ref.State)
	}
	if titles := notifier.all(); len(titles) != 1 || titles[0] != "Alert opened (tier0)" {
		t.Fatalf("unexpected notifications %v", titles)
	}
}

func TestScanSuppressesDuplicateAlert(t *testing.T) {
	source := &fakeSource{instances: []cloud.Instance{
		{ID: "i-0bbb", Name: "db-1", State: "stopped"},
	}}
	dispatcher := &fakeDispatcher{}
	s, _, _ := newTestScheduler(source, dispatcher, &recordingNotifier{})

	s.Scan(context.Background())
	s.Scan(context.Background())
	s.wg.Wait()

	if events := dispatcher.dispatched(); len(events) != 1 {
		t.Fatalf("duplicate condition must not redispatch, got %d events", len(events))
	}
}

func TestScanRecoversAfterHealthyCycles(t *testing.T) {
	source := &fakeSource{instances: []cloud.Instance{
		{ID: "i-0bbb", Name: "db-1", State: "stopped"},
	}}
	notifier := &recordingNotifier{}
	s, inv, classifier := newTestScheduler(source, &fakeDispatcher{}, notifier)

	s.Scan(context.Background())
	s.wg.Wait()
	if _, open := classifier.Open("i-0bbb"); !open {
		t.Fatal("expected an open alert")
	}

	source.set([]cloud.Instance{running("i-0bbb", "db-1", 10)})
	s.Scan(context.Background())
	if _, open := classifier.Open("i-0bbb"); !open {
		t.Fatal("one healthy cycle must not close the alert")
	}

	s.Scan(context.Background())
	if _, open := classifier.Open("i-0bbb"); open {
		t.Fatal("alert should close after sustained healthy checks")
	}
	if ref, _ := inv.Get("i-0bbb"); ref.State != models.StateHealthy {
		t.Fatalf("recovered resource should be healthy, got %v", ref.State)
	}

	var sawRecovery bool
	for _, title := range notifier.all() {
		if title == "Alert recovered" {
			sawRecovery = true
		}
	}
	if !sawRecovery {
		t.Fatalf("expected a recovery notification, got %v", notifier.all())
	}
}

func TestScanEscalationDispatchesAgain(t *testing.T) {
	source := &fakeSource{instances: []cloud.Instance{
		running("i-0ccc", "cache-1", 95),
	}}
	dispatcher := &fakeDispatcher{}
	s, _, _ := newTestScheduler(source, dispatcher, &recordingNotifier{})

	s.Scan(context.Background())
	s.wg.Wait()
	source.set([]cloud.Instance{{ID: "i-0ccc", Name: "cache-1", State: "stopped"}})
	s.Scan(context.Background())
	s.wg.Wait()

	events := dispatcher.dispatched()
	if len(events) != 2 {
		t.Fatalf("expected dispatches for open and escalation, got %d", len(events))
	}
	if events[0].Tier != models.Tier1 || events[1].Tier != models.Tier0 {
		t.Fatalf("expected tier1 then tier0, got %s then %s", events[0].Tier, events[1].Tier)
	}
}

func TestScanSkipsCycleOnFetchError(t *testing.T) {
	source := &fakeSource{err: errors.New("control plane down")}
	dispatcher := &fakeDispatcher{}
	s, inv, _ := newTestScheduler(source, dispatcher, &recordingNotifier{})

	s.Scan(context.Background())
	s.wg.Wait()

	if len(dispatcher.dispatched()) != 0 {
		t.Fatal("nothing should dispatch when the fetch fails")
	}
	if len(inv.List()) != 0 {
		t.Fatal("inventory must stay untouched on a failed fetch")
	}
}

func TestToggleReportsChanges(t *testing.T) {
	s, _, _ := newTestScheduler(&fakeSource{}, &fakeDispatcher{}, &recordingNotifier{})

	if s.Enabled() {
		t.Fatal("scheduler starts disabled")
	}
	if !s.Enable() {
		t.Fatal("first enable should report a change")
	}
	if s.Enable() {
		t.Fatal("second enable should be a no-op")
	}
	if !s.Enabled() {
		t.Fatal("expected enabled")
	}
	if !s.Disable() {
		t.Fatal("first disable should report a change")
	}
	if s.Disable() {
		t.Fatal("second disable should be a no-op")
	}
}

func TestRunSkipsScansWhileDisabled(t *testing.T) {
	source := &fakeSource{}
	s, _, _ := newTestScheduler(source, &fakeDispatcher{}, &recordingNotifier{})
	s.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	if source.fetches() != 0 {
		t.Fatal("disabled loop must not scan")
	}

	s.Enable()
	deadline := time.After(time.Second)
	for source.fetches() == 0 {
		select {
		case <-deadline:
			t.Fatal("enabled loop never scanned")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

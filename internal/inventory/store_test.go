package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opsforge/sentinel/internal/models"
)

func seedStore() *Store {
	s := NewStore()
	s.Upsert(models.ResourceRef{ID: "i-0aaa1111", Name: "web-1"})
	s.Upsert(models.ResourceRef{ID: "i-0bbb2222", Name: "web-2"})
	s.Upsert(models.ResourceRef{ID: "i-0ccc3333", Name: "db-1"})
	return s
}

func TestResolveByIDAndName(t *testing.T) {
	s := seedStore()

	ref, err := s.Resolve("i-0bbb2222")
	if err != nil {
		t.Fatalf("resolve by id: %v", err)
	}
	if ref.Name != "web-2" {
		t.Fatalf("expected web-2, got %s", ref.Name)
	}

	ref, err = s.Resolve("db-1")
	if err != nil {
		t.Fatalf("resolve by name: %v", err)
	}
	if ref.ID != "i-0ccc3333" {
		t.Fatalf("expected i-0ccc3333, got %s", ref.ID)
	}
}

func TestResolveUnknownAndAmbiguous(t *testing.T) {
	s := seedStore()
	s.Upsert(models.ResourceRef{ID: "i-0ddd4444", Name: "db-1"})

	if _, err := s.Resolve("nope"); !errors.Is(err, models.ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
	if _, err := s.Resolve("db-1"); !errors.Is(err, models.ErrAmbiguousResource) {
		t.Fatalf("expected ErrAmbiguousResource, got %v", err)
	}
}

func TestUpsertPreservesState(t *testing.T) {
	s := seedStore()
	if err := s.SetState("i-0aaa1111", models.StateDegraded); err != nil {
		t.Fatalf("set state: %v", err)
	}

	// A fresh polling snapshot must not reset derived state.
	s.Upsert(models.ResourceRef{ID: "i-0aaa1111", Name: "web-1", Snapshot: models.MetricSnapshot{CPUPercent: 12}})

	ref, _ := s.Get("i-0aaa1111")
	if ref.State != models.StateDegraded {
		t.Fatalf("expected degraded after upsert, got %s", ref.State)
	}
	if ref.Snapshot.CPUPercent != 12 {
		t.Fatalf("expected snapshot to refresh, got %v", ref.Snapshot.CPUPercent)
	}
}

func TestSetStateRejectsInvalidTransition(t *testing.T) {
	s := seedStore()
	if err := s.SetState("i-0aaa1111", models.StateRecovering); err == nil {
		t.Fatal("unknown -> recovering should be rejected")
	}
}

func TestStateMachineTransitions(t *testing.T) {
	cases := []struct {
		from, to models.ResourceState
		ok       bool
	}{
		{models.StateUnknown, models.StateHealthy, true},
		{models.StateUnknown, models.StateCritical, true},
		{models.StateHealthy, models.StateDegraded, true},
		{models.StateDegraded, models.StateCritical, true},
		{models.StateCritical, models.StateRecovering, true},
		{models.StateRecovering, models.StateHealthy, true},
		{models.StateRecovering, models.StateCritical, true},
		{models.StateRecovering, models.StateDegraded, false},
		{models.StateHealthy, models.StateUnknown, false},
	}
	for _, tc := range cases {
		err := models.ValidateTransition(tc.from, tc.to)
		if tc.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s -> %s: expected rejection", tc.from, tc.to)
		}
	}
}

func TestSlotSerialisesPerResource(t *testing.T) {
	s := seedStore()

	if !s.TryAcquire("i-0aaa1111") {
		t.Fatal("first acquire should succeed")
	}
	if s.TryAcquire("i-0aaa1111") {
		t.Fatal("second acquire on same resource should fail")
	}
	if !s.TryAcquire("i-0bbb2222") {
		t.Fatal("acquire on a different resource should succeed")
	}
	if !s.InFlight("i-0aaa1111") {
		t.Fatal("expected in-flight marker")
	}

	released := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.Acquire(ctx, "i-0aaa1111"); err != nil {
			t.Errorf("blocked acquire: %v", err)
		}
		close(released)
	}()

	s.Release("i-0aaa1111")
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("blocked acquire never woke up")
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	s := seedStore()
	s.TryAcquire("i-0aaa1111")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx, "i-0aaa1111"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

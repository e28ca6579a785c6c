package audit

import (
	"context"
	"fmt"
	"testing"

	"github.com/opsforge/sentinel/internal/models"
)

func TestMemoryStoreRecentNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	for i := 0; i < 5; i++ {
		err := store.Record(context.Background(), models.ActionRequest{
			ID:     fmt.Sprintf("req-%d", i),
			Tool:   "start_instances",
			Status: models.StatusSucceeded,
		})
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	recent, err := store.Recent(context.Background(), 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(recent))
	}
	if recent[0].ID != "req-4" || recent[2].ID != "req-2" {
		t.Fatalf("expected newest first, got %s .. %s", recent[0].ID, recent[2].ID)
	}
}

func TestMemoryStoreRecentClampsWindow(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Record(context.Background(), models.ActionRequest{ID: "only"})

	recent, err := store.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != "only" {
		t.Fatalf("unexpected entries %v", recent)
	}
}

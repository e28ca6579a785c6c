package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSlackNotifierPostsBlocks(t *testing.T) {
	received := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		received <- payload
	}))
	defer server.Close()

	n := NewSlackNotifier(nil, server.URL)
	n.Notify(context.Background(), "Alert opened (tier0)", "instance_stopped on web-1 (i-0abc1234)")

	var payload map[string]any
	select {
	case payload = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never received the message")
	}

	blocks, ok := payload["blocks"].([]any)
	if !ok || len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %v", payload["blocks"])
	}
	header := blocks[0].(map[string]any)
	if header["type"] != "header" {
		t.Fatalf("first block should be a header, got %v", header["type"])
	}
	headerText := header["text"].(map[string]any)
	if headerText["text"] != "Alert opened (tier0)" {
		t.Fatalf("unexpected title %v", headerText["text"])
	}
	section := blocks[1].(map[string]any)
	sectionText := section["text"].(map[string]any)
	if sectionText["text"] != "instance_stopped on web-1 (i-0abc1234)" {
		t.Fatalf("unexpected body %v", sectionText["text"])
	}
}

func TestSlackNotifierNeverBlocksCaller(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	n := NewSlackNotifier(nil, server.URL)
	done := make(chan struct{})
	go func() {
		n.Notify(context.Background(), "slow", "webhook is wedged")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify must return without waiting on delivery")
	}
}

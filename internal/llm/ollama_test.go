package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opsforge/sentinel/internal/config"
)

func TestOllamaGenerate(t *testing.T) {
	var gotPath string
	var payload map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response": "{\"tool\": \"list_instances\", \"args\": {}}"}`))
	}))
	defer server.Close()

	c := NewOllamaClient(server.URL, "qwen2.5:7b", 2*time.Second)
	out, err := c.Generate(context.Background(), "list my instances")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if gotPath != "/api/generate" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if payload["model"] != "qwen2.5:7b" {
		t.Fatalf("model not forwarded: %v", payload)
	}
	if payload["stream"] != false {
		t.Fatalf("streaming must be disabled, got %v", payload["stream"])
	}
	if out != `{"tool": "list_instances", "args": {}}` {
		t.Fatalf("unexpected reply %q", out)
	}
}

func TestOllamaGenerateServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	c := NewOllamaClient(server.URL, "missing", time.Second)
	if _, err := c.Generate(context.Background(), "anything"); err == nil {
		t.Fatal("expected an error on non-200 response")
	}
}

func TestNewSelectsProvider(t *testing.T) {
	if _, err := New(config.LLMConfig{Provider: "ollama", Model: "qwen2.5:7b"}); err != nil {
		t.Fatalf("ollama provider: %v", err)
	}
	if _, err := New(config.LLMConfig{}); err != nil {
		t.Fatalf("default provider: %v", err)
	}
	if _, err := New(config.LLMConfig{Provider: "watson"}); err == nil {
		t.Fatal("unknown provider must be rejected")
	}
}

package main

import (
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

type instance struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	State      string   `json:"state"`
	CPUPercent float64  `json:"cpu_percent"`
	Reachable  bool     `json:"reachable"`
	Tags       []string `json:"tags"`
}

type logEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

type fleet struct {
	mu        sync.Mutex
	instances map[string]*instance
}

func newFleet() *fleet {
	f := &fleet{instances: make(map[string]*instance)}
	for _, in := range []*instance{
		{ID: "i-0web00001", Name: "web-1", State: "running", CPUPercent: 23, Reachable: true, Tags: []string{"web"}},
		{ID: "i-0web00002", Name: "web-2", State: "running", CPUPercent: 91, Reachable: true, Tags: []string{"web"}},
		{ID: "i-0db000001", Name: "db-1", State: "stopped", CPUPercent: 0, Reachable: false, Tags: []string{"db"}},
	} {
		f.instances[in.ID] = in
	}
	return f
}

func (f *fleet) snapshot() []instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]instance, 0, len(f.instances))
	for _, in := range f.instances {
		snap := *in
		if snap.State == "running" {
			snap.CPUPercent += rand.Float64()*6 - 3
		}
		out = append(out, snap)
	}
	return out
}

// apply mimics the control plane's action engine against the in-memory fleet.
func (f *fleet) apply(tool, instanceID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	in, ok := f.instances[instanceID]
	if !ok {
		return "unknown instance " + instanceID, false
	}
	switch tool {
	case "start_instances", "reboot_instances":
		in.State = "running"
		in.Reachable = true
		in.CPUPercent = 20
		return in.Name + " is starting", true
	case "stop_instances":
		in.State = "stopped"
		in.Reachable = false
		in.CPUPercent = 0
		return in.Name + " is stopping", true
	case "terminate_instances":
		delete(f.instances, instanceID)
		return in.Name + " is shutting down", true
	case "resize_instance":
		in.CPUPercent = 35
		return in.Name + " resize scheduled", true
	default:
		return "unsupported tool " + tool, false
	}
}

func main() {
	f := newFleet()
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/instances", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		writeJSON(w, map[string]any{"instances": f.snapshot()})
	})

	mux.HandleFunc("/api/v1/logs", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req struct {
			InstanceID string `json:"instance_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		lines := []logEntry{
			{Timestamp: time.Now().Add(-3 * time.Minute), Message: "health check timeout from 10.0.1.20"},
			{Timestamp: time.Now().Add(-2 * time.Minute), Message: "systemd: service nginx entered failed state"},
			{Timestamp: time.Now().Add(-1 * time.Minute), Message: "oom-killer invoked by worker"},
		}
		if strings.HasPrefix(req.InstanceID, "i-0db") {
			lines = append(lines, logEntry{Timestamp: time.Now(), Message: "postgres shutdown requested"})
		}
		writeJSON(w, map[string]any{"entries": lines})
	})

	mux.HandleFunc("/api/v1/actions", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req struct {
			RequestID string            `json:"request_id"`
			Tool      string            `json:"tool"`
			Args      map[string]string `json:"args"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		msg, ok := f.apply(req.Tool, req.Args["instance_id"])
		status := "success"
		if !ok {
			status = "failed"
		}
		writeJSON(w, map[string]any{"status": status, "message": msg})
	})

	logger := log.New(log.Writer(), "cloud-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":8088",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :8088")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

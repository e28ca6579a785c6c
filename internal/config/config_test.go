package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWithRequiredFields(t *testing.T) {
	path := writeConfig(t, `
cloud:
  baseURL: "http://cloud.internal:8088"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Address != ":50061" {
		t.Fatalf("unexpected server address %q", cfg.Server.Address)
	}
	if cfg.Cloud.BaseURL != "http://cloud.internal:8088" {
		t.Fatalf("baseURL not applied: %q", cfg.Cloud.BaseURL)
	}
	if cfg.Cloud.InventoryPath != "/api/v1/instances" {
		t.Fatalf("default inventory path lost: %q", cfg.Cloud.InventoryPath)
	}
	if cfg.LLM.Provider != "ollama" {
		t.Fatalf("default llm provider lost: %q", cfg.LLM.Provider)
	}
	if cfg.Monitor.Interval != 30*time.Second || cfg.Monitor.HealthyCycles != 2 {
		t.Fatalf("monitor defaults lost: %+v", cfg.Monitor)
	}
	if cfg.Monitor.EnabledAtBoot {
		t.Fatal("monitoring must default to off")
	}
	if cfg.Approval.Timeout != 2*time.Minute {
		t.Fatalf("approval default lost: %v", cfg.Approval.Timeout)
	}
	if cfg.Cache.Enabled {
		t.Fatal("cache must default to off")
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
cloud:
  baseURL: "http://cloud.internal:8088"
  region: "eu-central-1"
monitor:
  interval: 10s
  cpuThresholdPct: 92.5
  enabledAtBoot: true
llm:
  provider: gemini
  model: gemini-2.0-flash
  apiKey: test-key
audit:
  enabled: true
  dsn: "postgres://sentinel@localhost/sentinel?sslmode=disable"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Cloud.Region != "eu-central-1" {
		t.Fatalf("region override lost: %q", cfg.Cloud.Region)
	}
	if cfg.Monitor.Interval != 10*time.Second || cfg.Monitor.CPUThresholdPct != 92.5 {
		t.Fatalf("monitor overrides lost: %+v", cfg.Monitor)
	}
	if !cfg.Monitor.EnabledAtBoot {
		t.Fatal("enabledAtBoot override lost")
	}
	if cfg.LLM.Provider != "gemini" || cfg.LLM.Model != "gemini-2.0-flash" {
		t.Fatalf("llm overrides lost: %+v", cfg.LLM)
	}
	if !cfg.Audit.Enabled || cfg.Audit.DSN == "" {
		t.Fatalf("audit overrides lost: %+v", cfg.Audit)
	}
}

func TestLoadEnvOverridesWinOverFile(t *testing.T) {
	path := writeConfig(t, `
cloud:
  baseURL: "http://from-file:8088"
  region: "eu-central-1"
`)
	t.Setenv("SENTINEL_CLOUD_BASE_URL", "http://from-env:9099")
	t.Setenv("SENTINEL_MONITOR_INTERVAL", "5s")
	t.Setenv("SENTINEL_MONITOR_ENABLED", "true")
	t.Setenv("SENTINEL_CACHE_ENABLED", "1")
	t.Setenv("SENTINEL_CACHE_ADDR", "localhost:6379")
	t.Setenv("SENTINEL_AUDIT_DSN", "postgres://sentinel@localhost/audit")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Cloud.BaseURL != "http://from-env:9099" {
		t.Fatalf("env override lost: %q", cfg.Cloud.BaseURL)
	}
	if cfg.Cloud.Region != "eu-central-1" {
		t.Fatalf("untouched file value lost: %q", cfg.Cloud.Region)
	}
	if cfg.Monitor.Interval != 5*time.Second {
		t.Fatalf("interval env override lost: %v", cfg.Monitor.Interval)
	}
	if !cfg.Monitor.EnabledAtBoot {
		t.Fatal("monitor enable env override lost")
	}
	if !cfg.Cache.Enabled || cfg.Cache.Addr != "localhost:6379" {
		t.Fatalf("cache env overrides lost: %+v", cfg.Cache)
	}
	// Setting the audit DSN implies enabling the audit log.
	if !cfg.Audit.Enabled {
		t.Fatal("audit DSN env override should enable auditing")
	}
}

func TestLoadRejectsMissingCloudBaseURL(t *testing.T) {
	path := writeConfig(t, `
monitor:
  interval: 10s
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error without cloud.baseURL")
	}
}

func TestLoadRejectsBadThresholds(t *testing.T) {
	for name, body := range map[string]string{
		"zero interval": `
cloud:
  baseURL: "http://cloud.internal:8088"
monitor:
  interval: 0s
`,
		"zero approval timeout": `
cloud:
  baseURL: "http://cloud.internal:8088"
approval:
  timeout: 0s
`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for a missing config file")
	}
}

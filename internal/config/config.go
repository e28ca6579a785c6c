package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the sentinel agent.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Cloud    CloudConfig    `yaml:"cloud"`
	LLM      LLMConfig      `yaml:"llm"`
	Weaviate WeaviateConfig `yaml:"weaviate"`
	SOP      SOPConfig      `yaml:"sop"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Approval ApprovalConfig `yaml:"approval"`
	Notify   NotifyConfig   `yaml:"notify"`
	Audit    AuditConfig    `yaml:"audit"`
	Logging  LoggingConfig  `yaml:"logging"`
	Cache    CacheConfig    `yaml:"cache"`
}

// ServerConfig controls the admin gRPC listener and metrics endpoint.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// CloudConfig configures access to the cloud control-plane executor.
type CloudConfig struct {
	BaseURL       string        `yaml:"baseURL"`
	InventoryPath string        `yaml:"inventoryPath"`
	LogsPath      string        `yaml:"logsPath"`
	ExecutePath   string        `yaml:"executePath"`
	Region        string        `yaml:"region"`
	Timeout       time.Duration `yaml:"timeout"`
}

// LLMConfig selects and configures the reasoning oracle backend.
type LLMConfig struct {
	Provider string        `yaml:"provider"` // "ollama" or "gemini"
	BaseURL  string        `yaml:"baseURL"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"apiKey"`
	Timeout  time.Duration `yaml:"timeout"`
}

// WeaviateConfig configures the similarity-search knowledge store.
type WeaviateConfig struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"apiKey"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SOPConfig controls seeding of the procedure knowledge base.
type SOPConfig struct {
	Path string `yaml:"path"`
}

// MonitorConfig holds the polling interval and tiering thresholds. The
// thresholds are deliberately configuration, not constants.
type MonitorConfig struct {
	Interval        time.Duration `yaml:"interval"`
	FailureCycles   int           `yaml:"failureCycles"`
	HealthyCycles   int           `yaml:"healthyCycles"`
	CPUThresholdPct float64       `yaml:"cpuThresholdPct"`
	EnabledAtBoot   bool          `yaml:"enabledAtBoot"`
	PolicyPath      string        `yaml:"policyPath"`
}

// ApprovalConfig bounds the human-approval wait for critical actions.
type ApprovalConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// NotifyConfig configures the outbound notification channel.
type NotifyConfig struct {
	SlackWebhookURL string `yaml:"slackWebhookURL"`
}

// AuditConfig configures the optional Postgres action audit log.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig controls Valkey-backed caching of retrieval results.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	TLS          bool          `yaml:"tls"`
	ProcedureTTL time.Duration `yaml:"procedureTTL"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SENTINEL_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	// The cloud control plane is the only startup-fatal dependency.
	if c.Cloud.BaseURL == "" {
		return fmt.Errorf("cloud.baseURL is required")
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive")
	}
	if c.Monitor.FailureCycles < 1 {
		return fmt.Errorf("monitor.failureCycles must be at least 1")
	}
	if c.Monitor.HealthyCycles < 1 {
		return fmt.Errorf("monitor.healthyCycles must be at least 1")
	}
	if c.Approval.Timeout <= 0 {
		return fmt.Errorf("approval.timeout must be positive")
	}
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50061",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Cloud: CloudConfig{
			InventoryPath: "/api/v1/instances",
			LogsPath:      "/api/v1/logs",
			ExecutePath:   "/api/v1/actions",
			Region:        "ap-northeast-2",
			Timeout:       10 * time.Second,
		},
		LLM: LLMConfig{
			Provider: "ollama",
			BaseURL:  "http://localhost:11434",
			Model:    "llama3.2:3b",
			Timeout:  60 * time.Second,
		},
		Weaviate: WeaviateConfig{Timeout: 5 * time.Second},
		SOP:      SOPConfig{Path: "configs/sop/default.yaml"},
		Monitor: MonitorConfig{
			Interval:        30 * time.Second,
			FailureCycles:   3,
			HealthyCycles:   2,
			CPUThresholdPct: 80,
		},
		Approval: ApprovalConfig{Timeout: 2 * time.Minute},
		Logging:  LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			Enabled:      false,
			ProcedureTTL: 5 * time.Minute,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SENTINEL_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("SENTINEL_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("SENTINEL_CLOUD_BASE_URL"); v != "" {
		cfg.Cloud.BaseURL = v
	}
	if v := os.Getenv("SENTINEL_CLOUD_REGION"); v != "" {
		cfg.Cloud.Region = v
	}
	if v := os.Getenv("SENTINEL_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("SENTINEL_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("SENTINEL_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("SENTINEL_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("SENTINEL_WEAVIATE_URL"); v != "" {
		cfg.Weaviate.Endpoint = v
	}
	if v := os.Getenv("SENTINEL_WEAVIATE_API_KEY"); v != "" {
		cfg.Weaviate.APIKey = v
	}
	if v := os.Getenv("SENTINEL_SOP_PATH"); v != "" {
		cfg.SOP.Path = v
	}
	if v := os.Getenv("SENTINEL_MONITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.Interval = d
		}
	}
	if v := os.Getenv("SENTINEL_MONITOR_FAILURE_CYCLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.FailureCycles = n
		}
	}
	if v := os.Getenv("SENTINEL_MONITOR_HEALTHY_CYCLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.HealthyCycles = n
		}
	}
	if v := os.Getenv("SENTINEL_MONITOR_CPU_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Monitor.CPUThresholdPct = f
		}
	}
	if v := os.Getenv("SENTINEL_MONITOR_ENABLED"); v != "" {
		cfg.Monitor.EnabledAtBoot = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("SENTINEL_APPROVAL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Approval.Timeout = d
		}
	}
	if v := os.Getenv("SENTINEL_SLACK_WEBHOOK_URL"); v != "" {
		cfg.Notify.SlackWebhookURL = v
	}
	if v := os.Getenv("SENTINEL_AUDIT_DSN"); v != "" {
		cfg.Audit.DSN = v
		cfg.Audit.Enabled = true
	}
	if v := os.Getenv("SENTINEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SENTINEL_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("SENTINEL_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("SENTINEL_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("SENTINEL_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("SENTINEL_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("SENTINEL_CACHE_PROCEDURE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.ProcedureTTL = d
		}
	}
}

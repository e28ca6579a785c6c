package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/opsforge/sentinel/internal/models"
	"github.com/opsforge/sentinel/internal/utils"
)

// Instance is one managed unit as reported by the control plane.
type Instance struct {
	ID         string
	Name       string
	State      string
	CPUPercent float64
	Reachable  bool
	Tags       []string
}

// LogLine is a single recent log entry for an instance.
type LogLine struct {
	Timestamp time.Time
	Message   string
}

// ExecutionResult is the control plane's report for a dispatched action.
type ExecutionResult struct {
	OK      bool
	Message string
}

// Client wraps the cloud control-plane executor API. It is the only component
// allowed to touch the provider; everything it runs arrived through the
// validation and safety-gate pipeline.
type Client struct {
	baseURL       string
	inventoryPath string
	logsPath      string
	executePath   string
	region        string
	httpClient    *http.Client
}

// NewClient constructs a client targeting the configured control plane.
func NewClient(baseURL, inventoryPath, logsPath, executePath, region string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		inventoryPath: inventoryPath,
		logsPath:      logsPath,
		executePath:   executePath,
		region:        region,
		httpClient:    &http.Client{Timeout: timeout},
	}
}

// Ping verifies control-plane connectivity. Startup is the only point where
// its failure is fatal.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.FetchInventory(ctx)
	return err
}

// FetchInventory returns the current instance inventory for the region.
func (c *Client) FetchInventory(ctx context.Context) ([]Instance, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("cloud client not configured")
	}

	payload := map[string]interface{}{"region": c.region}

	var response struct {
		Instances []struct {
			ID         string   `json:"id"`
			Name       string   `json:"name"`
			State      string   `json:"state"`
			CPUPercent float64  `json:"cpu_percent"`
			Reachable  bool     `json:"reachable"`
			Tags       []string `json:"tags"`
		} `json:"instances"`
	}

	if err := c.postJSON(ctx, c.resolvePath(c.inventoryPath), payload, &response); err != nil {
		return nil, utils.NewAppError("cloud.FetchInventory", "inventory request failed", err)
	}

	instances := make([]Instance, 0, len(response.Instances))
	for _, in := range response.Instances {
		instances = append(instances, Instance{
			ID:         in.ID,
			Name:       in.Name,
			State:      in.State,
			CPUPercent: in.CPUPercent,
			Reachable:  in.Reachable,
			Tags:       in.Tags,
		})
	}
	return instances, nil
}

// FetchRecentLogs returns the most recent log lines for an instance.
func (c *Client) FetchRecentLogs(ctx context.Context, instanceID string, lines int) ([]LogLine, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("cloud client not configured")
	}
	if lines <= 0 {
		lines = 50
	}

	payload := map[string]interface{}{
		"region":      c.region,
		"instance_id": instanceID,
		"lines":       lines,
	}

	var response struct {
		Entries []struct {
			Timestamp time.Time `json:"timestamp"`
			Message   string    `json:"message"`
		} `json:"entries"`
	}

	if err := c.postJSON(ctx, c.resolvePath(c.logsPath), payload, &response); err != nil {
		return nil, utils.NewAppError("cloud.FetchRecentLogs", "logs request failed", err)
	}

	entries := make([]LogLine, 0, len(response.Entries))
	for _, e := range response.Entries {
		entries = append(entries, LogLine{Timestamp: e.Timestamp, Message: e.Message})
	}
	return entries, nil
}

// Execute dispatches a validated, approved action exactly once. The control
// plane is assumed idempotent-unsafe, so callers never retry; the request id
// travels with the call so duplicates can at least be detected server-side.
func (c *Client) Execute(ctx context.Context, req models.ActionRequest) (ExecutionResult, error) {
	if c == nil || c.baseURL == "" {
		return ExecutionResult{}, fmt.Errorf("cloud client not configured")
	}

	payload := map[string]interface{}{
		"region":     c.region,
		"request_id": req.ID,
		"tool":       req.Tool,
		"args":       req.Args,
	}

	var response struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}

	if err := c.postJSON(ctx, c.resolvePath(c.executePath), payload, &response); err != nil {
		return ExecutionResult{}, utils.NewAppError("cloud.Execute", "execute request failed", err)
	}

	return ExecutionResult{
		OK:      strings.EqualFold(response.Status, "success"),
		Message: response.Message,
	}, nil
}

func (c *Client) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	if endpoint == "" {
		return fmt.Errorf("empty endpoint")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control plane returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

package sop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/opsforge/sentinel/internal/cache"
	"github.com/opsforge/sentinel/internal/metrics"
	"github.com/opsforge/sentinel/internal/models"
)

// WeaviateRetriever provides ranked procedure retrieval backed by a Weaviate
// cluster. Retrieval results are cached through the cache provider; a fresh
// query is required for re-ranking.
type WeaviateRetriever struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	cache      cache.Provider
	ttl        time.Duration
}

// NewWeaviateRetriever constructs a Weaviate-backed retriever.
func NewWeaviateRetriever(endpoint, apiKey string, timeout time.Duration, cacheProvider cache.Provider, ttl time.Duration) *WeaviateRetriever {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if ttl < 0 {
		ttl = 0
	}
	return &WeaviateRetriever{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cacheProvider,
		ttl:        ttl,
	}
}

// UpsertProcedure persists a procedure object. Step templates are stored as a
// JSON payload alongside the searchable text properties.
func (r *WeaviateRetriever) UpsertProcedure(ctx context.Context, proc models.SOPProcedure) error {
	if r == nil || r.endpoint == "" {
		return fmt.Errorf("weaviate retriever not configured")
	}

	stepsJSON, err := json.Marshal(proc.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	payload := map[string]interface{}{
		"class": "SOPProcedure",
		"id":    proc.ID,
		"properties": map[string]interface{}{
			"procedureId": proc.ID,
			"title":       proc.Title,
			"tags":        proc.Tags,
			"rationale":   proc.Rationale,
			"stepsJson":   string(stepsJSON),
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/v1/objects", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("weaviate upsert failed: %s", strings.TrimSpace(string(data)))
	}
	return nil
}

// Retrieve issues a nearText similarity query shaped from the cause signature
// and resource tags, then filters by tag applicability.
func (r *WeaviateRetriever) Retrieve(ctx context.Context, cause string, tags []string) ([]models.SOPProcedure, error) {
	if r == nil || r.endpoint == "" {
		return nil, fmt.Errorf("weaviate retriever not configured")
	}

	cacheKey := ""
	if r.ttl > 0 {
		sorted := append([]string(nil), tags...)
		sort.Strings(sorted)
		cacheKey = "sop:procedures:" + cause + ":" + strings.Join(sorted, ",")
		if data, err := r.cache.Get(ctx, cacheKey); err == nil {
			var cached []models.SOPProcedure
			if err := json.Unmarshal(data, &cached); err == nil {
				if len(cached) == 0 {
					return nil, models.ErrNoProcedureFound
				}
				return cached, nil
			}
		}
	}

	concepts := append([]string{cause}, tags...)
	conceptsJSON, err := json.Marshal(concepts)
	if err != nil {
		return nil, err
	}

	gql := map[string]interface{}{
		"query": fmt.Sprintf(`{
          Get {
            SOPProcedure(
              limit: 5
              nearText: {concepts: %s}
            ) {
              procedureId
              title
              tags
              rationale
              stepsJson
              _additional { certainty }
            }
          }
        }`, string(conceptsJSON)),
	}

	payload, err := json.Marshal(gql)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/v1/graphql", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	metrics.ObserveOracle("weaviate", time.Since(start))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("weaviate query failed: %s", strings.TrimSpace(string(data)))
	}

	var response struct {
		Data struct {
			Get struct {
				SOPProcedure []struct {
					ProcedureID string   `json:"procedureId"`
					Title       string   `json:"title"`
					Tags        []string `json:"tags"`
					Rationale   string   `json:"rationale"`
					StepsJSON   string   `json:"stepsJson"`
					Additional  struct {
						Certainty float64 `json:"certainty"`
					} `json:"_additional"`
				} `json:"SOPProcedure"`
			} `json:"Get"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode weaviate response: %w", err)
	}

	procs := make([]models.SOPProcedure, 0, len(response.Data.Get.SOPProcedure))
	for _, obj := range response.Data.Get.SOPProcedure {
		var steps []models.ActionTemplate
		if obj.StepsJSON != "" {
			if err := json.Unmarshal([]byte(obj.StepsJSON), &steps); err != nil {
				continue
			}
		}
		procs = append(procs, models.SOPProcedure{
			ID:         obj.ProcedureID,
			Title:      obj.Title,
			Tags:       obj.Tags,
			Rationale:  obj.Rationale,
			Steps:      steps,
			Confidence: obj.Additional.Certainty,
		})
	}

	procs = filterByTags(procs, tags)

	if cacheKey != "" {
		if data, err := json.Marshal(procs); err == nil {
			_ = r.cache.Set(ctx, cacheKey, data, r.ttl)
		}
	}

	if len(procs) == 0 {
		return nil, models.ErrNoProcedureFound
	}
	return procs, nil
}

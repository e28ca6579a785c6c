// Package sop adapts the external procedure knowledge store behind a ranked
// retrieval interface the orchestrator can swap out.
package sop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/opsforge/sentinel/internal/models"
)

// Retriever returns recovery procedures ranked most-relevant first for a
// cause signature and resource tag set. Implementations must filter out
// procedures whose applicability tags do not intersect the resource tags and
// report models.ErrNoProcedureFound on an empty result.
type Retriever interface {
	Retrieve(ctx context.Context, cause string, tags []string) ([]models.SOPProcedure, error)
}

// Store accepts procedure upserts during knowledge-base seeding.
type Store interface {
	UpsertProcedure(ctx context.Context, proc models.SOPProcedure) error
}

type procedureFile struct {
	Procedures []procedureSpec `yaml:"procedures"`
}

type procedureSpec struct {
	ID        string                  `yaml:"id"`
	Title     string                  `yaml:"title"`
	Tags      []string                `yaml:"tags"`
	Rationale string                  `yaml:"rationale"`
	Steps     []models.ActionTemplate `yaml:"steps"`
}

// LoadFile parses a YAML SOP pack.
func LoadFile(path string) ([]models.SOPProcedure, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sop pack: %w", err)
	}
	var file procedureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse sop pack: %w", err)
	}

	procs := make([]models.SOPProcedure, 0, len(file.Procedures))
	for _, spec := range file.Procedures {
		procs = append(procs, models.SOPProcedure{
			ID:        spec.ID,
			Title:     spec.Title,
			Tags:      spec.Tags,
			Rationale: spec.Rationale,
			Steps:     spec.Steps,
		})
	}
	return procs, nil
}

// Seed loads a SOP pack from disk and upserts every procedure into the store.
func Seed(ctx context.Context, store Store, path string) (int, error) {
	procs, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	for _, proc := range procs {
		if err := store.UpsertProcedure(ctx, proc); err != nil {
			return 0, fmt.Errorf("seed procedure %s: %w", proc.ID, err)
		}
	}
	return len(procs), nil
}

// filterByTags drops procedures whose applicability tags do not intersect the
// resource's tags. Procedures carrying no tags are generic and always apply.
func filterByTags(procs []models.SOPProcedure, tags []string) []models.SOPProcedure {
	kept := make([]models.SOPProcedure, 0, len(procs))
	for _, proc := range procs {
		if len(proc.Tags) == 0 || intersects(proc.Tags, tags) {
			kept = append(kept, proc)
		}
	}
	return kept
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if strings.EqualFold(x, y) {
				return true
			}
		}
	}
	return false
}

// MemoryRetriever ranks locally seeded procedures by token overlap with the
// cause signature. It stands in when no similarity-search cluster is
// configured and keeps tests hermetic.
type MemoryRetriever struct {
	mu    sync.RWMutex
	procs map[string]models.SOPProcedure
}

// NewMemoryRetriever initialises an empty in-memory knowledge base.
func NewMemoryRetriever() *MemoryRetriever {
	return &MemoryRetriever{procs: make(map[string]models.SOPProcedure)}
}

// UpsertProcedure stores or replaces a procedure.
func (m *MemoryRetriever) UpsertProcedure(_ context.Context, proc models.SOPProcedure) error {
	if proc.ID == "" {
		return fmt.Errorf("procedure id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procs[proc.ID] = proc
	return nil
}

// Retrieve scores procedures by overlap between the cause signature and the
// procedure's title, rationale, and tags.
func (m *MemoryRetriever) Retrieve(_ context.Context, cause string, tags []string) ([]models.SOPProcedure, error) {
	m.mu.RLock()
	all := make([]models.SOPProcedure, 0, len(m.procs))
	for _, proc := range m.procs {
		all = append(all, proc)
	}
	m.mu.RUnlock()

	terms := strings.FieldsFunc(strings.ToLower(cause), func(r rune) bool {
		return r == ' ' || r == '_' || r == '-'
	})

	scored := make([]models.SOPProcedure, 0, len(all))
	for _, proc := range all {
		haystack := strings.ToLower(proc.Title + " " + proc.Rationale + " " + strings.Join(proc.Tags, " "))
		hits := 0
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		proc.Confidence = float64(hits) / float64(len(terms))
		scored = append(scored, proc)
	}

	scored = filterByTags(scored, tags)
	if len(scored) == 0 {
		return nil, models.ErrNoProcedureFound
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Confidence > scored[j].Confidence
	})
	return scored, nil
}

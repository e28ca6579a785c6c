package inventory

import (
	"context"
	"sort"
	"sync"

	"github.com/opsforge/sentinel/internal/models"
)

// Store is the shared resource inventory. It is the only state the monitoring
// loop and the interactive path coordinate through: the scheduler mutates it
// on poll, the orchestrator and gate mutate it on action completion, everyone
// else reads.
//
// Each resource additionally owns an in-flight slot. An action request must
// hold the slot for its target resource before leaving Proposed, which gives
// the ordering guarantee that no two requests against one resource are
// non-terminal at the same time; a second request queues on the slot.
type Store struct {
	mu        sync.RWMutex
	resources map[string]models.ResourceRef
	slots     map[string]chan struct{}
}

// NewStore initialises an empty inventory.
func NewStore() *Store {
	return &Store{
		resources: make(map[string]models.ResourceRef),
		slots:     make(map[string]chan struct{}),
	}
}

// Upsert merges an observed resource into the inventory. The lifecycle state
// of an existing entry is preserved; state changes go through SetState so the
// transition table is enforced in one place.
func (s *Store) Upsert(ref models.ResourceRef) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.resources[ref.ID]; ok {
		ref.State = existing.State
	} else if ref.State == "" {
		ref.State = models.StateUnknown
	}
	s.resources[ref.ID] = ref
}

// Get returns the resource with the given identifier.
func (s *Store) Get(id string) (models.ResourceRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.resources[id]
	return ref, ok
}

// Resolve looks a resource up by identifier first, then by unique name tag.
// A missing match yields ErrResourceNotFound; several matches yield
// ErrAmbiguousResource rather than a guess.
func (s *Store) Resolve(nameOrID string) (models.ResourceRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if ref, ok := s.resources[nameOrID]; ok {
		return ref, nil
	}

	var matches []models.ResourceRef
	for _, ref := range s.resources {
		if ref.Name == nameOrID {
			matches = append(matches, ref)
		}
	}
	switch len(matches) {
	case 0:
		return models.ResourceRef{}, models.ErrResourceNotFound
	case 1:
		return matches[0], nil
	default:
		return models.ResourceRef{}, models.ErrAmbiguousResource
	}
}

// List returns a snapshot of all resources ordered by identifier.
func (s *Store) List() []models.ResourceRef {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ResourceRef, 0, len(s.resources))
	for _, ref := range s.resources {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetState applies a lifecycle transition, rejecting moves the resource state
// machine does not permit.
func (s *Store) SetState(id string, state models.ResourceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.resources[id]
	if !ok {
		return models.ErrResourceNotFound
	}
	if err := models.ValidateTransition(ref.State, state); err != nil {
		return err
	}
	ref.State = state
	s.resources[id] = ref
	return nil
}

// Acquire blocks until the resource's in-flight slot is free or ctx is done.
// Resources never seen by the inventory still get a slot so interactive
// commands can target them safely.
func (s *Store) Acquire(ctx context.Context, id string) error {
	slot := s.slot(id)
	select {
	case slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the in-flight slot without blocking.
func (s *Store) TryAcquire(id string) bool {
	slot := s.slot(id)
	select {
	case slot <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the resource's in-flight slot.
func (s *Store) Release(id string) {
	slot := s.slot(id)
	select {
	case <-slot:
	default:
	}
}

// InFlight reports whether an action currently holds the resource's slot.
func (s *Store) InFlight(id string) bool {
	return len(s.slot(id)) > 0
}

func (s *Store) slot(id string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[id]
	if !ok {
		slot = make(chan struct{}, 1)
		s.slots[id] = slot
	}
	return slot
}

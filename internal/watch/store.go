package watch

import (
	"context"
	"jobwatch/internal/apperrors"
	"maps"
	"slices"
	"sync"
	"time"
)

// Store persists watches. Implementations return copies; callers may
// modify what they get back without affecting stored state.
type Store interface {
	// Create stores a new watch. Returns a conflict error if the ID exists.
	Create(ctx context.Context, w *Watch) error

	// Update replaces a stored watch. Returns a not found error if it is missing.
	Update(ctx context.Context, w *Watch) error

	Get(ctx context.Context, id string) (*Watch, error)

	// List returns all watches, oldest first.
	List(ctx context.Context) ([]*Watch, error)

	// DeleteFinishedBefore removes finished watches older than cutoff and
	// returns how many were removed.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Ready reports whether the store can serve requests.
	Ready(ctx context.Context) error

	Close() error
}

// MemoryStore keeps watches in a map. State is lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	watches map[string]*Watch
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		watches: make(map[string]*Watch),
	}
}

func (s *MemoryStore) Create(_ context.Context, w *Watch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.watches[w.ID]; exists {
		return apperrors.Conflict("watch", w.ID, "watch already exists")
	}
	s.watches[w.ID] = cloneWatch(w)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, w *Watch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.watches[w.ID]; !exists {
		return apperrors.NotFound("watch", w.ID)
	}
	s.watches[w.ID] = cloneWatch(w)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Watch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, exists := s.watches[id]
	if !exists {
		return nil, apperrors.NotFound("watch", id)
	}
	return cloneWatch(w), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Watch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Watch, 0, len(s.watches))
	for _, w := range s.watches {
		result = append(result, cloneWatch(w))
	}
	sortWatches(result)
	return result, nil
}

func (s *MemoryStore) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, w := range s.watches {
		if w.Status.IsFinished() && w.FinishedAt.Before(cutoff) {
			delete(s.watches, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Ready(context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneWatch(w *Watch) *Watch {
	c := *w
	c.Jobs = slices.Clone(w.Jobs)
	c.Request.Meta = maps.Clone(w.Request.Meta)
	if w.Request.Callback != nil {
		cb := *w.Request.Callback
		cb.Events = slices.Clone(cb.Events)
		c.Request.Callback = &cb
	}
	if w.Request.WaitUntilFinished != nil {
		v := *w.Request.WaitUntilFinished
		c.Request.WaitUntilFinished = &v
	}
	return &c
}

// sortWatches orders watches by creation time, then ID.
func sortWatches(ws []*Watch) {
	slices.SortFunc(ws, func(a, b *Watch) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}

// Verify MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

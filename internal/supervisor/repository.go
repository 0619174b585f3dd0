package supervisor

import (
	"errors"
	"sort"
	"sync"
)

// Repository defines the concurrency-safe contract for the set of
// supervised streams.
type Repository interface {
	// Insert adds st. It fails with ErrDuplicate if the id is taken.
	Insert(st *StreamState) error

	// Get returns the stream with the given id.
	Get(id StreamID) (*StreamState, bool)

	// Remove deletes and returns the stream with the given id.
	Remove(id StreamID) (*StreamState, bool)

	// List returns every stream ordered by id.
	List() []*StreamState

	// Count returns the number of streams. Used for metrics.
	Count() int
}

var (
	// ErrDuplicate is returned when adding a stream whose id is already supervised.
	ErrDuplicate = errors.New("stream already exists")

	// ErrNotFound is returned for operations on an unknown stream id.
	ErrNotFound = errors.New("stream not found")
)

// InMemoryRepository is a concurrency-safe implementation of Repository
// backed by a Store; by default that is an InMemoryStore.
type InMemoryRepository struct {
	mu    sync.RWMutex
	store Store
}

// NewInMemoryRepository constructs a new repository with a default in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore())
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	return &InMemoryRepository{store: store}
}

// Insert implements Repository.Insert.
func (r *InMemoryRepository) Insert(st *StreamState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.store.GetStream(st.cfg.ID); exists {
		return ErrDuplicate
	}
	r.store.SetStream(st)
	return nil
}

// Get implements Repository.Get.
func (r *InMemoryRepository) Get(id StreamID) (*StreamState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.GetStream(id)
}

// Remove implements Repository.Remove.
func (r *InMemoryRepository) Remove(id StreamID) (*StreamState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.store.GetStream(id)
	if !ok {
		return nil, false
	}
	r.store.DeleteStream(id)
	return st, true
}

// List implements Repository.List.
func (r *InMemoryRepository) List() []*StreamState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.store.ListStreamIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*StreamState, 0, len(ids))
	for _, id := range ids {
		if st, ok := r.store.GetStream(id); ok {
			out = append(out, st)
		}
	}
	return out
}

// Count implements Repository.Count.
func (r *InMemoryRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store.ListStreamIDs())
}

package repository

import (
	"context"
	"sync"
)

// StateRepository persists the single task snapshot as one opaque payload.
// It is a durable replica of the in-memory store, never a second source of
// truth: implementations only ever hold what Save last wrote.
type StateRepository interface {
	// Load returns the persisted payload, or nil when no entry exists.
	Load(ctx context.Context) ([]byte, error)
	// Save replaces the persisted payload.
	Save(ctx context.Context, payload []byte) error
	// Clear removes the persisted entry. Clearing an absent entry is not
	// an error.
	Clear(ctx context.Context) error
}

// MemoryStateRepository keeps the snapshot in memory, for tests and for
// callers that opt out of durability.
type MemoryStateRepository struct {
	mu      sync.Mutex
	payload []byte
}

func NewMemoryStateRepository() *MemoryStateRepository {
	return &MemoryStateRepository{}
}

func (r *MemoryStateRepository) Load(_ context.Context) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.payload == nil {
		return nil, nil
	}
	return append([]byte(nil), r.payload...), nil
}

func (r *MemoryStateRepository) Save(_ context.Context, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payload = append([]byte(nil), payload...)
	return nil
}

func (r *MemoryStateRepository) Clear(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payload = nil
	return nil
}

// Package store persists escrow records.
package store

import (
	"context"
	"fmt"
	"sync"

	"yieldlock/internal/escrow"
)

// MemoryStore keeps escrows in a map guarded by a mutex. Every call works on
// copies, so callers never share state with the store. Like the Postgres
// store, it refuses work once ctx is done.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]*escrow.Escrow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*escrow.Escrow)}
}

func (m *MemoryStore) Create(ctx context.Context, e *escrow.Escrow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[e.ID]; ok {
		return fmt.Errorf("escrow %s already exists", e.ID)
	}
	m.data[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*escrow.Escrow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[id]
	if !ok {
		return nil, escrow.ErrNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, expect escrow.Status, fn func(*escrow.Escrow) error) (*escrow.Escrow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[id]
	if !ok {
		return nil, escrow.ErrNotFound
	}
	if cur.Status != expect {
		return cur.Clone(), escrow.ErrConflict
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return cur.Clone(), err
	}
	m.data[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) Annotate(ctx context.Context, id string, fn func(*escrow.Escrow)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[id]
	if !ok {
		return escrow.ErrNotFound
	}
	next := cur.Clone()
	fn(next)
	// Annotations never move status.
	next.Status = cur.Status
	m.data[id] = next
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Len reports how many escrows are stored.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

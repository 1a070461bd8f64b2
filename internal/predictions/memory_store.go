package predictions

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
	begun   int
}

// NewMemoryStore creates an in-memory prediction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.begun++
	m.mu.Unlock()
	return &memoryTx{store: m}, nil
}

// Len returns the number of committed records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// TxCount returns how many transactions were opened.
func (m *MemoryStore) TxCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.begun
}

// All returns a copy of every committed record in commit order.
func (m *MemoryStore) All() []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, len(m.records))
	for i, r := range m.records {
		cp := *r
		out[i] = &cp
	}
	return out
}

func (m *MemoryStore) ListByEmail(ctx context.Context, email string, opts ListOptions) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []*Record
	for _, r := range m.records {
		if r.UserEmail != email {
			continue
		}
		if c := opts.Cursor; c != nil {
			if r.CreatedAt.After(c.CreatedAt) || (r.CreatedAt.Equal(c.CreatedAt) && r.ID >= c.ID) {
				continue
			}
		}
		cp := *r
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

type memoryTx struct {
	store   *MemoryStore
	pending []*Record
	done    bool
}

func (t *memoryTx) Append(ctx context.Context, r *Record) error {
	if t.done {
		return ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.validate(); err != nil {
		return err
	}
	cp := *r
	t.pending = append(t.pending, &cp)
	return nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.store.mu.Lock()
	t.store.records = append(t.store.records, t.pending...)
	t.store.mu.Unlock()
	t.pending = nil
	return nil
}

func (t *memoryTx) Rollback() error {
	t.done = true
	t.pending = nil
	return nil
}

package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// MemorySource is an in-memory Source for tests and local fixtures.
// Windows are not evaluated: every stored row counts as active.
type MemorySource struct {
	mu   sync.RWMutex
	rows map[string]Row // identity -> row
}

// NewMemorySource creates a source holding rows.
func NewMemorySource(rows ...Row) *MemorySource {
	m := &MemorySource{rows: make(map[string]Row, len(rows))}
	for _, r := range rows {
		m.Put(r)
	}
	return m
}

// LoadFixtures reads a JSON array of row objects from path.
func LoadFixtures(path string) (*MemorySource, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied fixtures path
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse fixtures: %w", err)
	}
	for i, r := range rows {
		if r.Identity() == "" {
			return nil, fmt.Errorf("fixture row %d has no %s", i, IdentityColumn)
		}
	}
	return NewMemorySource(rows...), nil
}

// Put stores a copy of r under its normalized identity.
func (m *MemorySource) Put(r Row) {
	c := r.Clone()
	id := c.Identity()
	c[IdentityColumn] = id

	m.mu.Lock()
	m.rows[id] = c
	m.mu.Unlock()
}

// Len returns the number of stored rows.
func (m *MemorySource) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

func (m *MemorySource) FetchBatch(ctx context.Context, w Windows) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.rows))
	for id := range m.rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Row, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.rows[id].Clone())
	}
	return out, nil
}

func (m *MemorySource) FetchOne(ctx context.Context, identity string, featureDays int) (Row, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	id := NormalizeIdentity(identity)
	if id == "" {
		return nil, false, ErrEmptyIdentity
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rows[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

func (m *MemorySource) Ping(ctx context.Context) error {
	return ctx.Err()
}

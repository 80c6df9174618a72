package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory contract store for demo/development mode and
// tests. It enforces the same version-CAS discipline as the Postgres store.
type MemoryStore struct {
	contracts map[string]*Contract
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory contract store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{contracts: make(map[string]*Contract)}
}

func (m *MemoryStore) Create(ctx context.Context, c *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := c.Clone()
	if cp.Version == 0 {
		cp.Version = 1
	}
	m.contracts[cp.ID] = cp
	c.Version = cp.Version
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contracts[id]
	if !ok {
		return nil, ErrContractNotFound
	}
	return c.Clone(), nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, next *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.contracts[id]
	if !ok {
		return ErrContractNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}

	cp := next.Clone()
	cp.ID = id
	cp.Version = expectedVersion + 1
	m.contracts[id] = cp
	next.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, partyID string, limit int) ([]*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Contract
	for _, c := range m.contracts {
		if c.HasParty(partyID) {
			result = append(result, c.Clone())
		}
	}
	sortByCreatedDesc(result)
	return clip(result, limit), nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Contract
	for _, c := range m.contracts {
		if c.EscrowStatus == status {
			result = append(result, c.Clone())
		}
	}
	sortByCreatedDesc(result)
	return clip(result, limit), nil
}

func (m *MemoryStore) ListLockedBefore(ctx context.Context, before time.Time, limit int) ([]*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Contract
	for _, c := range m.contracts {
		if c.EscrowStatus == StatusLocked && c.AutoReleaseDeadline != nil && c.AutoReleaseDeadline.Before(before) {
			result = append(result, c.Clone())
		}
	}
	sortByCreatedDesc(result)
	return clip(result, limit), nil
}

func (m *MemoryStore) ListLocked(ctx context.Context, limit int) ([]*Contract, error) {
	return m.ListByStatus(ctx, StatusLocked, limit)
}

func sortByCreatedDesc(cs []*Contract) {
	sort.Slice(cs, func(i, j int) bool {
		return cs[i].CreatedAt.After(cs[j].CreatedAt)
	})
}

func clip(cs []*Contract, limit int) []*Contract {
	if limit > 0 && len(cs) > limit {
		return cs[:limit]
	}
	return cs
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

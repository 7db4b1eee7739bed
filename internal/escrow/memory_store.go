package escrow

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Request
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Request),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.escrows[r.ID] = copyRequest(r)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRequest(r), nil
}

func (m *MemoryStore) GetByRequestID(ctx context.Context, requestID uint64) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.escrows {
		if r.RequestID == requestID {
			return copyRequest(r), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetByContractAddress(ctx context.Context, address string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addr := strings.ToLower(address)
	var newest *Request
	for _, r := range m.escrows {
		if strings.ToLower(r.ContractAddress) != addr {
			continue
		}
		if newest == nil || r.CreatedAt.After(newest.CreatedAt) {
			newest = r
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return copyRequest(newest), nil
}

func (m *MemoryStore) Update(ctx context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[r.ID]; !ok {
		return ErrNotFound
	}
	m.escrows[r.ID] = copyRequest(r)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*Request, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*Request
	for _, r := range m.escrows {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.RequesterAddress != "" && !strings.EqualFold(r.RequesterAddress, filter.RequesterAddress) {
			continue
		}
		if filter.PayerAddress != "" && !strings.EqualFold(r.PayerAddress, filter.PayerAddress) {
			continue
		}
		matched = append(matched, r)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := (filter.Page - 1) * filter.Limit
	if start >= total {
		return nil, total, nil
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}

	page := make([]*Request, 0, end-start)
	for _, r := range matched[start:end] {
		page = append(page, copyRequest(r))
	}
	return page, total, nil
}

func (m *MemoryStore) ListOpen(ctx context.Context, now time.Time, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Request
	for _, r := range m.escrows {
		if r.Status == StatusOpen && now.Before(r.ExpiresAt) {
			result = append(result, copyRequest(r))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Request
	for _, r := range m.escrows {
		if (r.Status == StatusOpen || r.Status == StatusAccepted) && r.ExpiresAt.Before(before) {
			result = append(result, copyRequest(r))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// copyRequest deep-copies a record so callers never share pointers with the
// store (AIVerification is the only nested pointer).
func copyRequest(r *Request) *Request {
	cp := *r
	if r.AIVerification != nil {
		v := *r.AIVerification
		if r.AIVerification.Checks != nil {
			c := *r.AIVerification.Checks
			v.Checks = &c
		}
		cp.AIVerification = &v
	}
	if r.PaidAt != nil {
		t := *r.PaidAt
		cp.PaidAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

package quota

import (
	"context"
	"sync"

	"github.com/splax/imageforge/internal/domain"
)

// MemoryStore keeps quota state in process. Each tenant has its own mutex so
// admissions for different tenants never contend.
type MemoryStore struct {
	mu      sync.Mutex
	tenants map[string]*memoryTenant
}

type memoryTenant struct {
	mu    sync.Mutex
	state domain.TenantQuotaState
}

// NewMemoryStore returns an empty MemoryStore; every tenant starts on the free tier.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*memoryTenant)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) tenant(id string) *memoryTenant {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		t = &memoryTenant{state: domain.TenantQuotaState{TenantID: id}}
		s.tenants[id] = t
	}
	return t
}

// SetSubscription attaches a plan (and optional override) to a tenant.
func (s *MemoryStore) SetSubscription(tenantID string, sub *domain.Subscription, plan, override *domain.Plan) {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.Subscription = sub
	t.state.Plan = plan
	t.state.Override = override
}

// UpdateUsage runs fn under the tenant lock and keeps its changes only on success.
func (s *MemoryStore) UpdateUsage(ctx context.Context, tenantID string, fn func(state *domain.TenantQuotaState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	working := t.state
	if err := fn(&working); err != nil {
		return err
	}
	t.state.Usage = working.Usage
	return nil
}

// GetTenantState returns a snapshot of the tenant's state.
func (s *MemoryStore) GetTenantState(ctx context.Context, tenantID string) (domain.TenantQuotaState, error) {
	if err := ctx.Err(); err != nil {
		return domain.TenantQuotaState{}, err
	}
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, nil
}

package quota

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/splax/imageforge/internal/domain"
)

// Store serialises read-modify-write access to a tenant's quota state.
// UpdateUsage must hold an exclusive lock on the tenant's usage for the whole
// call to fn and persist the state fn leaves behind only when fn returns nil.
type Store interface {
	UpdateUsage(ctx context.Context, tenantID string, fn func(state *domain.TenantQuotaState) error) error
	GetTenantState(ctx context.Context, tenantID string) (domain.TenantQuotaState, error)
}

// Gatekeeper admits or rejects builds against a tenant's resolved quota.
type Gatekeeper struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewGatekeeper constructs a Gatekeeper.
func NewGatekeeper(store Store, logger *slog.Logger) *Gatekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gatekeeper{store: store, logger: logger, now: time.Now}
}

// WithClock overrides the time source used for window rollover.
func (g *Gatekeeper) WithClock(now func() time.Time) *Gatekeeper {
	g.now = now
	return g
}

// Admit checks every limit and, when all pass, records the build start in the
// same critical section. The returned quota carries the resource ceilings for
// the build. A store failure rejects the build.
func (g *Gatekeeper) Admit(ctx context.Context, tenantID string, contextBytes int64, serviceCount int) (domain.BuildQuota, error) {
	var resolved domain.BuildQuota
	var rejection *RejectedError
	err := g.store.UpdateUsage(ctx, tenantID, func(state *domain.TenantQuotaState) error {
		now := g.now()
		resolved = Resolve(*state, now)
		state.Usage = Roll(state.Usage, now)
		if err := Check(resolved, state.Usage, contextBytes, serviceCount); err != nil {
			errors.As(err, &rejection)
			return err
		}
		state.Usage = RecordStart(state.Usage)
		return nil
	})
	if rejection != nil {
		g.logger.Info("build rejected", "tenant_id", tenantID, "limit", string(rejection.Limit), "reason", rejection.Reason)
		return resolved, rejection
	}
	if err != nil {
		g.logger.Error("quota store unavailable", "tenant_id", tenantID, "error", err)
		return domain.BuildQuota{}, &RejectedError{Limit: LimitUnavailable, Reason: "quota state could not be read", Err: err}
	}
	return resolved, nil
}

// Release frees the concurrency slot taken by Admit.
func (g *Gatekeeper) Release(ctx context.Context, tenantID string) error {
	err := g.store.UpdateUsage(ctx, tenantID, func(state *domain.TenantQuotaState) error {
		state.Usage = RecordFinish(Roll(state.Usage, g.now()))
		return nil
	})
	if err != nil {
		g.logger.Error("release quota slot", "tenant_id", tenantID, "error", err)
	}
	return err
}

// Usage reports the tenant's resolved quota and current counters.
func (g *Gatekeeper) Usage(ctx context.Context, tenantID string) (domain.BuildQuota, domain.UsageCounters, error) {
	state, err := g.store.GetTenantState(ctx, tenantID)
	if err != nil {
		return domain.BuildQuota{}, domain.UsageCounters{}, err
	}
	now := g.now()
	return Resolve(state, now), Roll(state.Usage, now), nil
}

package quota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/imageforge/internal/domain"
)

var fixedNow = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGatekeeper(store Store) *Gatekeeper {
	return NewGatekeeper(store, quietLogger()).WithClock(func() time.Time { return fixedNow })
}

func TestResolvePrefersOverrideThenActivePlan(t *testing.T) {
	pro := &domain.Plan{ID: "pro", Limits: domain.BuildQuota{MaxBuildsPerHour: 50, MaxServices: -1}}
	custom := &domain.Plan{ID: "custom", Limits: domain.BuildQuota{MaxBuildsPerHour: 500}}
	active := &domain.Subscription{TenantID: "t1", PlanID: "pro", Status: domain.SubscriptionActive}

	got := Resolve(domain.TenantQuotaState{Subscription: active, Plan: pro, Override: custom}, fixedNow)
	assert.Equal(t, 500, got.MaxBuildsPerHour)

	got = Resolve(domain.TenantQuotaState{Subscription: active, Plan: pro}, fixedNow)
	assert.Equal(t, 50, got.MaxBuildsPerHour)
	assert.Equal(t, -1, got.MaxServices)
	assert.Equal(t, FreeTier().MaxBuildsPerDay, got.MaxBuildsPerDay, "unset limits inherit the free tier")

	cancelled := &domain.Subscription{TenantID: "t1", PlanID: "pro", Status: "cancelled"}
	assert.Equal(t, FreeTier(), Resolve(domain.TenantQuotaState{Subscription: cancelled, Plan: pro}, fixedNow))

	expired := fixedNow.Add(-time.Hour)
	lapsed := &domain.Subscription{TenantID: "t1", PlanID: "pro", Status: domain.SubscriptionActive, CurrentPeriodEnd: &expired}
	assert.Equal(t, FreeTier(), Resolve(domain.TenantQuotaState{Subscription: lapsed, Plan: pro}, fixedNow))

	assert.Equal(t, FreeTier(), Resolve(domain.TenantQuotaState{}, fixedNow))
}

func TestRollResetsElapsedWindows(t *testing.T) {
	u := domain.UsageCounters{
		BuildsThisHour:   4,
		HourWindowStart:  time.Date(2026, 3, 14, 14, 0, 0, 0, time.UTC),
		BuildsToday:      9,
		DayWindowStart:   time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		BuildsThisMonth:  30,
		MonthWindowStart: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		ConcurrentBuilds: 1,
	}
	rolled := Roll(u, fixedNow)
	assert.Equal(t, 0, rolled.BuildsThisHour)
	assert.Equal(t, time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC), rolled.HourWindowStart)
	assert.Equal(t, 9, rolled.BuildsToday)
	assert.Equal(t, 0, rolled.BuildsThisMonth)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), rolled.MonthWindowStart)
	assert.Equal(t, 1, rolled.ConcurrentBuilds)
}

func TestCheckOrder(t *testing.T) {
	q := domain.BuildQuota{
		MaxBuildsPerHour:     1,
		MaxBuildsPerDay:      1,
		MaxBuildsPerMonth:    1,
		MaxConcurrentBuilds:  1,
		MaxBuildContextBytes: 10,
		MaxServices:          1,
	}
	full := domain.UsageCounters{BuildsThisHour: 1, BuildsToday: 1, BuildsThisMonth: 1, ConcurrentBuilds: 1}

	steps := []struct {
		usage    domain.UsageCounters
		ctxBytes int64
		services int
		limit    Limit
	}{
		{full, 11, 2, LimitHourly},
		{domain.UsageCounters{BuildsToday: 1, BuildsThisMonth: 1, ConcurrentBuilds: 1}, 11, 2, LimitDaily},
		{domain.UsageCounters{BuildsThisMonth: 1, ConcurrentBuilds: 1}, 11, 2, LimitMonthly},
		{domain.UsageCounters{ConcurrentBuilds: 1}, 11, 2, LimitConcurrent},
		{domain.UsageCounters{}, 11, 2, LimitContextSize},
		{domain.UsageCounters{}, 10, 2, LimitServices},
	}
	for _, step := range steps {
		err := Check(q, step.usage, step.ctxBytes, step.services)
		var rejected *RejectedError
		require.ErrorAs(t, err, &rejected)
		assert.Equal(t, step.limit, rejected.Limit)
		assert.ErrorIs(t, err, ErrRejected)
	}
	assert.NoError(t, Check(q, domain.UsageCounters{}, 10, 1))
}

func TestCheckNegativeLimitsAreUnlimited(t *testing.T) {
	q := domain.BuildQuota{MaxBuildsPerHour: -1, MaxBuildsPerDay: -1, MaxBuildsPerMonth: -1, MaxConcurrentBuilds: -1, MaxBuildContextBytes: -1, MaxServices: -1}
	u := domain.UsageCounters{BuildsThisHour: 1000, BuildsToday: 1000, BuildsThisMonth: 1000, ConcurrentBuilds: 1000}
	assert.NoError(t, Check(q, u, 1<<40, 1000))
}

func TestAdmitRejectsHourlyLimitWithoutChangingCounters(t *testing.T) {
	store := NewMemoryStore()
	gk := newTestGatekeeper(store)
	ctx := context.Background()

	for i := 0; i < FreeTier().MaxBuildsPerHour; i++ {
		_, err := gk.Admit(ctx, "tenant", 1024, 1)
		require.NoError(t, err)
		require.NoError(t, gk.Release(ctx, "tenant"))
	}
	before, err := store.GetTenantState(ctx, "tenant")
	require.NoError(t, err)

	_, err = gk.Admit(ctx, "tenant", 1024, 1)
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, LimitHourly, rejected.Limit)

	after, err := store.GetTenantState(ctx, "tenant")
	require.NoError(t, err)
	assert.Equal(t, before.Usage, after.Usage)
}

func TestAdmitReturnsResolvedQuota(t *testing.T) {
	store := NewMemoryStore()
	store.SetSubscription("tenant",
		&domain.Subscription{TenantID: "tenant", PlanID: "team", Status: domain.SubscriptionTrialing},
		&domain.Plan{ID: "team", Limits: domain.BuildQuota{MemoryBytes: 8 << 30, MaxServices: 10}},
		nil,
	)
	q, err := newTestGatekeeper(store).Admit(context.Background(), "tenant", 0, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(8<<30), q.MemoryBytes)
	assert.Equal(t, FreeTier().MaxBuildDuration, q.MaxBuildDuration)
}

func TestConcurrentAdmissionsNeverExceedLimit(t *testing.T) {
	store := NewMemoryStore()
	limit := 3
	store.SetSubscription("tenant",
		&domain.Subscription{TenantID: "tenant", PlanID: "p", Status: domain.SubscriptionActive},
		&domain.Plan{ID: "p", Limits: domain.BuildQuota{MaxConcurrentBuilds: limit, MaxBuildsPerHour: -1, MaxBuildsPerDay: -1, MaxBuildsPerMonth: -1}},
		nil,
	)
	gk := newTestGatekeeper(store)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := gk.Admit(context.Background(), "tenant", 0, 1); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, limit, admitted)

	state, err := store.GetTenantState(context.Background(), "tenant")
	require.NoError(t, err)
	assert.Equal(t, limit, state.Usage.ConcurrentBuilds)
}

func TestReleaseFloorsAtZero(t *testing.T) {
	store := NewMemoryStore()
	gk := newTestGatekeeper(store)
	require.NoError(t, gk.Release(context.Background(), "tenant"))
	require.NoError(t, gk.Release(context.Background(), "tenant"))

	state, err := store.GetTenantState(context.Background(), "tenant")
	require.NoError(t, err)
	assert.Equal(t, 0, state.Usage.ConcurrentBuilds)
}

type failingStore struct{ err error }

func (f failingStore) UpdateUsage(context.Context, string, func(*domain.TenantQuotaState) error) error {
	return f.err
}

func (f failingStore) GetTenantState(context.Context, string) (domain.TenantQuotaState, error) {
	return domain.TenantQuotaState{}, f.err
}

func TestAdmitFailsClosed(t *testing.T) {
	cause := errors.New("connection refused")
	_, err := newTestGatekeeper(failingStore{err: cause}).Admit(context.Background(), "tenant", 0, 1)

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, LimitUnavailable, rejected.Limit)
	assert.ErrorIs(t, err, ErrRejected)
	assert.ErrorIs(t, err, cause)
}

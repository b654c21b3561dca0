package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/splax/imageforge/internal/domain"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UpdateUsage locks the tenant's usage row for the duration of fn. The row is
// created on first use so free-tier tenants need no setup.
func (r *Repository) UpdateUsage(ctx context.Context, tenantID string, fn func(state *domain.TenantQuotaState) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO tenant_usage (tenant_id) VALUES ($1) ON CONFLICT (tenant_id) DO NOTHING`, tenantID); err != nil {
		return fmt.Errorf("ensure usage row: %w", err)
	}
	const lockQuery = `SELECT builds_this_hour, hour_window_start, builds_today, day_window_start,
		builds_this_month, month_window_start, concurrent_builds
		FROM tenant_usage WHERE tenant_id = $1 FOR UPDATE`
	state := domain.TenantQuotaState{TenantID: tenantID}
	if err := scanUsage(tx.QueryRow(ctx, lockQuery, tenantID), &state.Usage); err != nil {
		return fmt.Errorf("lock usage row: %w", err)
	}
	if err := loadPlans(ctx, tx, &state); err != nil {
		return err
	}

	if err := fn(&state); err != nil {
		return err
	}

	const update = `UPDATE tenant_usage SET
		builds_this_hour = $2, hour_window_start = $3,
		builds_today = $4, day_window_start = $5,
		builds_this_month = $6, month_window_start = $7,
		concurrent_builds = $8, updated_at = NOW()
		WHERE tenant_id = $1`
	u := state.Usage
	if _, err := tx.Exec(ctx, update, tenantID,
		u.BuildsThisHour, u.HourWindowStart,
		u.BuildsToday, u.DayWindowStart,
		u.BuildsThisMonth, u.MonthWindowStart,
		u.ConcurrentBuilds,
	); err != nil {
		return fmt.Errorf("update usage: %w", err)
	}
	return tx.Commit(ctx)
}

// GetTenantState reads a tenant's plan and usage without locking.
func (r *Repository) GetTenantState(ctx context.Context, tenantID string) (domain.TenantQuotaState, error) {
	state := domain.TenantQuotaState{TenantID: tenantID}
	const query = `SELECT builds_this_hour, hour_window_start, builds_today, day_window_start,
		builds_this_month, month_window_start, concurrent_builds
		FROM tenant_usage WHERE tenant_id = $1`
	if err := scanUsage(r.pool.QueryRow(ctx, query, tenantID), &state.Usage); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return state, err
	}
	if err := loadPlans(ctx, r.pool, &state); err != nil {
		return state, err
	}
	return state, nil
}

func scanUsage(row pgx.Row, u *domain.UsageCounters) error {
	return row.Scan(
		&u.BuildsThisHour, &u.HourWindowStart,
		&u.BuildsToday, &u.DayWindowStart,
		&u.BuildsThisMonth, &u.MonthWindowStart,
		&u.ConcurrentBuilds,
	)
}

func loadPlans(ctx context.Context, q querier, state *domain.TenantQuotaState) error {
	const subQuery = `SELECT tenant_id, plan_id, plan_override_id, status, current_period_end
		FROM subscriptions WHERE tenant_id = $1`
	var sub domain.Subscription
	err := q.QueryRow(ctx, subQuery, state.TenantID).Scan(&sub.TenantID, &sub.PlanID, &sub.PlanOverrideID, &sub.Status, &sub.CurrentPeriodEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	state.Subscription = &sub

	plan, err := getPlan(ctx, q, sub.PlanID)
	if err != nil {
		return fmt.Errorf("load plan %s: %w", sub.PlanID, err)
	}
	state.Plan = plan
	if sub.PlanOverrideID != nil {
		override, err := getPlan(ctx, q, *sub.PlanOverrideID)
		if err != nil {
			return fmt.Errorf("load plan override %s: %w", *sub.PlanOverrideID, err)
		}
		state.Override = override
	}
	return nil
}

func getPlan(ctx context.Context, q querier, planID string) (*domain.Plan, error) {
	const query = `SELECT id, name, max_concurrent_builds, max_build_duration_seconds, max_build_context_bytes,
		max_builds_per_hour, max_builds_per_day, max_builds_per_month,
		cpu_millicores, memory_bytes, disk_bytes, max_services,
		max_log_bytes, max_artifact_bytes, log_retention_days
		FROM plans WHERE id = $1`
	var (
		p               domain.Plan
		durationSeconds int
	)
	l := &p.Limits
	if err := q.QueryRow(ctx, query, planID).Scan(
		&p.ID, &p.Name, &l.MaxConcurrentBuilds, &durationSeconds, &l.MaxBuildContextBytes,
		&l.MaxBuildsPerHour, &l.MaxBuildsPerDay, &l.MaxBuildsPerMonth,
		&l.CPUMillicores, &l.MemoryBytes, &l.DiskBytes, &l.MaxServices,
		&l.MaxLogBytes, &l.MaxArtifactBytes, &l.LogRetentionDays,
	); err != nil {
		return nil, err
	}
	l.MaxBuildDuration = time.Duration(durationSeconds) * time.Second
	return &p, nil
}

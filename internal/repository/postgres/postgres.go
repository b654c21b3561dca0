package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/imageforge/internal/domain"
	"github.com/splax/imageforge/internal/quota"
	"github.com/splax/imageforge/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.BuildRepository = (*Repository)(nil)
	_ quota.Store                = (*Repository)(nil)
)

// CreateBuild inserts a build record.
func (r *Repository) CreateBuild(ctx context.Context, build *domain.Build) error {
	services, err := json.Marshal(servicesOrEmpty(build.Services))
	if err != nil {
		return fmt.Errorf("encode services: %w", err)
	}
	const query = `INSERT INTO builds (id, tenant_id, source, status, stage, error, services, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = r.pool.Exec(ctx, query, build.ID, build.TenantID, build.Source, build.Status, build.Stage, build.Error, services, build.StartedAt, build.CompletedAt)
	return err
}

// UpdateBuild persists the mutable fields of a build.
func (r *Repository) UpdateBuild(ctx context.Context, build *domain.Build) error {
	services, err := json.Marshal(servicesOrEmpty(build.Services))
	if err != nil {
		return fmt.Errorf("encode services: %w", err)
	}
	const query = `UPDATE builds
		SET status = $2, stage = $3, error = $4, services = $5, completed_at = $6, updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, build.ID, build.Status, build.Stage, build.Error, services, build.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetBuild fetches a build by identifier.
func (r *Repository) GetBuild(ctx context.Context, buildID string) (*domain.Build, error) {
	const query = `SELECT id, tenant_id, source, status, stage, error, services, started_at, completed_at
		FROM builds WHERE id = $1`
	build, err := scanBuild(r.pool.QueryRow(ctx, query, buildID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return build, nil
}

// ListBuildsByTenant returns the most recent builds for a tenant.
func (r *Repository) ListBuildsByTenant(ctx context.Context, tenantID string, limit int) ([]domain.Build, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, tenant_id, source, status, stage, error, services, started_at, completed_at
		FROM builds WHERE tenant_id = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	builds := make([]domain.Build, 0)
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, *build)
	}
	return builds, rows.Err()
}

func scanBuild(row pgx.Row) (*domain.Build, error) {
	var (
		b        domain.Build
		services []byte
	)
	if err := row.Scan(&b.ID, &b.TenantID, &b.Source, &b.Status, &b.Stage, &b.Error, &services, &b.StartedAt, &b.CompletedAt); err != nil {
		return nil, err
	}
	if len(services) > 0 {
		if err := json.Unmarshal(services, &b.Services); err != nil {
			return nil, fmt.Errorf("decode services for build %s: %w", b.ID, err)
		}
	}
	return &b, nil
}

func servicesOrEmpty(services []domain.BuildService) []domain.BuildService {
	if services == nil {
		return []domain.BuildService{}
	}
	return services
}

package repository

import (
	"context"

	"github.com/splax/imageforge/internal/domain"
)

// BuildRepository stores build history.
type BuildRepository interface {
	CreateBuild(ctx context.Context, build *domain.Build) error
	UpdateBuild(ctx context.Context, build *domain.Build) error
	GetBuild(ctx context.Context, buildID string) (*domain.Build, error)
	ListBuildsByTenant(ctx context.Context, tenantID string, limit int) ([]domain.Build, error)
}

// Package memory holds in-process repositories for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/splax/imageforge/internal/domain"
	"github.com/splax/imageforge/internal/repository"
)

// BuildRepository keeps builds in a map.
type BuildRepository struct {
	mu     sync.RWMutex
	builds map[string]domain.Build
}

// NewBuildRepository returns an empty repository.
func NewBuildRepository() *BuildRepository {
	return &BuildRepository{builds: make(map[string]domain.Build)}
}

var _ repository.BuildRepository = (*BuildRepository)(nil)

func (r *BuildRepository) CreateBuild(_ context.Context, build *domain.Build) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builds[build.ID] = clone(*build)
	return nil
}

func (r *BuildRepository) UpdateBuild(_ context.Context, build *domain.Build) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.builds[build.ID]; !ok {
		return repository.ErrNotFound
	}
	r.builds[build.ID] = clone(*build)
	return nil
}

func (r *BuildRepository) GetBuild(_ context.Context, buildID string) (*domain.Build, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	build, ok := r.builds[buildID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := clone(build)
	return &out, nil
}

func (r *BuildRepository) ListBuildsByTenant(_ context.Context, tenantID string, limit int) ([]domain.Build, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	builds := make([]domain.Build, 0)
	for _, build := range r.builds {
		if build.TenantID == tenantID {
			builds = append(builds, clone(build))
		}
	}
	sort.Slice(builds, func(i, j int) bool {
		return builds[i].StartedAt.After(builds[j].StartedAt)
	})
	if limit > 0 && len(builds) > limit {
		builds = builds[:limit]
	}
	return builds, nil
}

func clone(b domain.Build) domain.Build {
	b.Services = append([]domain.BuildService(nil), b.Services...)
	if b.CompletedAt != nil {
		completed := *b.CompletedAt
		b.CompletedAt = &completed
	}
	return b
}

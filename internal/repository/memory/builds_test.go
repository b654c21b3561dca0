package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/imageforge/internal/domain"
	"github.com/splax/imageforge/internal/repository"
)

func TestBuildRepositoryRoundTrip(t *testing.T) {
	repo := NewBuildRepository()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.CreateBuild(ctx, &domain.Build{ID: id, TenantID: "t1", Status: domain.BuildQueued, StartedAt: base.Add(time.Duration(i) * time.Minute)}))
	}
	require.NoError(t, repo.CreateBuild(ctx, &domain.Build{ID: "other", TenantID: "t2", StartedAt: base}))

	builds, err := repo.ListBuildsByTenant(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, builds, 2)
	assert.Equal(t, "c", builds[0].ID)
	assert.Equal(t, "b", builds[1].ID)

	build, err := repo.GetBuild(ctx, "a")
	require.NoError(t, err)
	build.Status = domain.BuildSucceeded
	build.Services = []domain.BuildService{{Name: "web"}}
	require.NoError(t, repo.UpdateBuild(ctx, build))

	build.Services[0].Name = "mutated"
	stored, err := repo.GetBuild(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.BuildSucceeded, stored.Status)
	assert.Equal(t, "web", stored.Services[0].Name)

	_, err = repo.GetBuild(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.ErrorIs(t, repo.UpdateBuild(ctx, &domain.Build{ID: "missing"}), repository.ErrNotFound)
}

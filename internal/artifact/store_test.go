package artifact

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/imageforge/internal/domain"
)

func newTestStore(backend Backend) *Store {
	return NewStore(backend, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func sampleArtifact(buildID string, created time.Time) domain.BuildArtifact {
	return domain.BuildArtifact{
		TenantID: "acme",
		BuildID:  buildID,
		ImageTag: "registry.local/acme/web:" + buildID,
		Images: []domain.ServiceImage{
			{Service: "web", Path: ".", Framework: "nextjs", ImageTag: "registry.local/acme/web:" + buildID},
		},
		Files:     []domain.GeneratedFile{{Path: "Dockerfile", Action: "created"}},
		CreatedAt: created,
	}
}

func TestPutGetRoundTripUsesNamespacedKey(t *testing.T) {
	backend := NewMemoryBackend()
	store := newTestStore(backend)
	ctx := context.Background()
	created := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Put(ctx, sampleArtifact("b1", created)))

	meta, err := backend.StatObject(ctx, "builds/acme/b1/manifest")
	require.NoError(t, err)
	assert.Equal(t, "acme", meta["tenant-id"])
	assert.Equal(t, "b1", meta["build-id"])
	assert.Equal(t, "registry.local/acme/web:b1", meta["image-tag"])
	assert.Equal(t, "2026-05-01T12:00:00Z", meta["created-at"])

	got, err := store.Get(ctx, "acme", "b1")
	require.NoError(t, err)
	assert.True(t, created.Equal(got.CreatedAt))
	got.CreatedAt = created
	assert.Equal(t, sampleArtifact("b1", created), got)
}

func TestGetMissingIsNotFound(t *testing.T) {
	_, err := newTestStore(NewMemoryBackend()).Get(context.Background(), "acme", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSkipsCorruptObjects(t *testing.T) {
	backend := NewMemoryBackend()
	store := newTestStore(backend)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Put(ctx, sampleArtifact("old", base)))
	require.NoError(t, store.Put(ctx, sampleArtifact("new", base.Add(time.Hour))))
	require.NoError(t, backend.PutObject(ctx, "builds/acme/broken/manifest", []byte("{not json"), map[string]string{
		"tenant-id": "acme", "build-id": "broken", "created-at": base.Format(time.RFC3339Nano),
	}))
	require.NoError(t, backend.PutObject(ctx, "builds/acme/nometa/manifest", []byte("{}"), nil))
	require.NoError(t, backend.PutObject(ctx, "builds/acme/new/logs.txt", []byte("log"), nil))
	require.NoError(t, store.Put(ctx, domain.BuildArtifact{TenantID: "other", BuildID: "x", CreatedAt: base}))

	artifacts, err := store.List(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	assert.Equal(t, "new", artifacts[0].BuildID)
	assert.Equal(t, "old", artifacts[1].BuildID)
}

type failingBackend struct {
	*MemoryBackend
	err error
}

func (f failingBackend) PutObject(context.Context, string, []byte, map[string]string) error {
	return f.err
}

func (f failingBackend) ListObjects(context.Context, string) ([]string, error) {
	return nil, f.err
}

func TestBackendFailuresAreStorageErrors(t *testing.T) {
	cause := errors.New("connection reset")
	store := newTestStore(failingBackend{MemoryBackend: NewMemoryBackend(), err: cause})

	err := store.Put(context.Background(), sampleArtifact("b1", time.Now()))
	var storageErr *StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "put", storageErr.Op)
	assert.Equal(t, "builds/acme/b1/manifest", storageErr.Key)
	assert.ErrorIs(t, err, cause)

	_, err = store.List(context.Background(), "acme")
	assert.ErrorIs(t, err, cause)
}

func TestDelete(t *testing.T) {
	store := newTestStore(NewMemoryBackend())
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, sampleArtifact("b1", time.Now())))

	require.NoError(t, store.Delete(ctx, "acme", "b1"))
	_, err := store.Get(ctx, "acme", "b1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "acme", "b1"), ErrNotFound)
}

func TestRejectsPathLikeIdentifiers(t *testing.T) {
	store := newTestStore(NewMemoryBackend())
	err := store.Put(context.Background(), domain.BuildArtifact{TenantID: "../etc", BuildID: "b1"})
	var storageErr *StorageError
	assert.ErrorAs(t, err, &storageErr)
}

package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/imageforge/internal/artifact"
	"github.com/splax/imageforge/internal/docker"
	"github.com/splax/imageforge/internal/domain"
	"github.com/splax/imageforge/internal/git"
	"github.com/splax/imageforge/internal/quota"
	"github.com/splax/imageforge/internal/repository/memory"
	"github.com/splax/imageforge/internal/workspace"
)

type fakeImages struct {
	mu      sync.Mutex
	builds  []docker.BuildRequest
	pushed  []string
	failDir map[string]error
	block   bool
	started chan struct{}
}

func (f *fakeImages) Ping(context.Context) error { return nil }

func (f *fakeImages) Build(ctx context.Context, req docker.BuildRequest) (*docker.BuildStream, error) {
	f.mu.Lock()
	f.builds = append(f.builds, req)
	err := f.failDir[filepath.Base(req.Dir)]
	block := f.block
	f.mu.Unlock()

	if block {
		close(f.started)
		<-ctx.Done()
		return nil, &docker.BuildFailedError{Tag: req.Tag, Err: ctx.Err()}
	}
	if err != nil {
		return nil, err
	}
	body := `{"stream":"Step 1/2 : FROM scratch\n"}` + "\n" +
		`{"stream":"Step 2/2 : COPY . .\n"}` + "\n" +
		`{"aux":{"ID":"sha256:` + filepath.Base(req.Dir) + `"}}` + "\n"
	return docker.NewBuildStream(req.Tag, io.NopCloser(strings.NewReader(body))), nil
}

func (f *fakeImages) Push(_ context.Context, tag string, onOutput func(string)) error {
	f.mu.Lock()
	f.pushed = append(f.pushed, tag)
	f.mu.Unlock()
	onOutput("pushed " + tag)
	return nil
}

type recordingLogs struct {
	mu       sync.Mutex
	lines    map[string][]string
	finished map[string]bool
}

func newRecordingLogs() *recordingLogs {
	return &recordingLogs{lines: make(map[string][]string), finished: make(map[string]bool)}
}

func (r *recordingLogs) Broadcast(buildID string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[buildID] = append(r.lines[buildID], string(payload))
}

func (r *recordingLogs) Finish(buildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[buildID] = true
}

type harness struct {
	svc       *Service
	images    *fakeImages
	quota     *quota.MemoryStore
	gate      *quota.Gatekeeper
	builds    *memory.BuildRepository
	artifacts *artifact.Store
	logs      *recordingLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		images:    &fakeImages{failDir: map[string]error{}, started: make(chan struct{})},
		quota:     quota.NewMemoryStore(),
		builds:    memory.NewBuildRepository(),
		artifacts: artifact.NewStore(artifact.NewMemoryBackend(), logger),
		logs:      newRecordingLogs(),
	}
	h.gate = quota.NewGatekeeper(h.quota, logger)
	h.svc = New(Dependencies{
		Builds:    h.builds,
		Quota:     h.gate,
		Images:    h.images,
		Artifacts: h.artifacts,
		Logs:      h.logs,
		Workspace: ws,
		Logger:    logger,
	}, Config{Registry: "registry.local:5000/", Namespace: "forge"})

	seq := 0
	h.svc.newID = func() string {
		seq++
		return fmt.Sprintf("0000000%d-aaaa-bbbb-cccc-dddddddddddd", seq)
	}
	return h
}

func monorepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	write(t, dir, "web/package.json", `{"dependencies":{"next":"14"}}`)
	write(t, dir, "api/go.mod", "module example.com/api\n\nrequire github.com/gin-gonic/gin v1.10.0\n")
	return dir
}

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func service(t *testing.T, b *domain.Build, name string) domain.BuildService {
	t.Helper()
	for _, svc := range b.Services {
		if svc.Name == name {
			return svc
		}
	}
	t.Fatalf("service %s not in build", name)
	return domain.BuildService{}
}

func TestStartBuildsAndPushesEveryApplication(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	accepted, err := h.svc.Start(ctx, Request{TenantID: "acme", SourcePath: monorepo(t)})
	require.NoError(t, err)
	assert.Equal(t, domain.BuildQueued, accepted.Build.Status)
	assert.Len(t, accepted.Build.Services, 2)
	assert.Equal(t, quota.FreeTier(), accepted.Quota)
	h.svc.Wait()

	b, err := h.svc.Get(ctx, "acme", accepted.Build.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildSucceeded, b.Status)
	assert.Equal(t, stageDone, b.Stage)
	require.NotNil(t, b.CompletedAt)
	assert.Equal(t, "registry.local:5000/forge/acme-api:00000001aaaa", service(t, b, "api").ImageTag)
	assert.Equal(t, domain.BuildSucceeded, service(t, b, "web").Status)

	h.images.mu.Lock()
	require.Len(t, h.images.builds, 2)
	for _, req := range h.images.builds {
		assert.Equal(t, quota.FreeTier().MemoryBytes, req.MemoryBytes)
		assert.Equal(t, quota.FreeTier().CPUMillicores, req.CPUMillicores)
		assert.Equal(t, "acme", req.Labels["org.imageforge.tenant"])
	}
	assert.Len(t, h.images.pushed, 2)
	h.images.mu.Unlock()

	stored, err := h.svc.Artifact(ctx, "acme", b.ID)
	require.NoError(t, err)
	require.Len(t, stored.Images, 2)
	assert.Equal(t, "sha256:api", stored.Images[0].ImageID)
	assert.NotEmpty(t, stored.Files)
	for _, f := range stored.Files {
		if f.Path == "api/Dockerfile" {
			assert.Len(t, f.SHA256, 64)
		}
	}

	_, usage, err := h.svc.Quota(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, usage.ConcurrentBuilds)
	assert.Equal(t, 1, usage.BuildsThisHour)

	h.logs.mu.Lock()
	defer h.logs.mu.Unlock()
	assert.True(t, h.logs.finished[b.ID])
	lines := h.logs.lines[b.ID]
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[len(lines)-1], `"final":true`)
	assert.Contains(t, strings.Join(lines, "\n"), "Step 2/2 : COPY . .")
}

func TestFailedApplicationDoesNotAbortSiblings(t *testing.T) {
	h := newHarness(t)
	h.images.failDir["web"] = &docker.BuildFailedError{Tag: "web", Message: "npm ci exited with 1"}

	accepted, err := h.svc.Start(context.Background(), Request{TenantID: "acme", SourcePath: monorepo(t)})
	require.NoError(t, err)
	h.svc.Wait()

	b, err := h.svc.Get(context.Background(), "acme", accepted.Build.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildFailed, b.Status)
	assert.Contains(t, b.Error, "1 of 2 applications failed: web")
	assert.Equal(t, domain.BuildSucceeded, service(t, b, "api").Status)
	assert.Contains(t, service(t, b, "web").Error, "npm ci exited with 1")

	stored, err := h.svc.Artifact(context.Background(), "acme", b.ID)
	require.NoError(t, err)
	require.Len(t, stored.Images, 1)
	assert.Equal(t, "api", stored.Images[0].Service)
}

func TestEngineUnavailableSkipsRemainingApplications(t *testing.T) {
	h := newHarness(t)
	h.images.failDir["api"] = fmt.Errorf("dial: %w", docker.ErrEngineUnavailable)

	accepted, err := h.svc.Start(context.Background(), Request{TenantID: "acme", SourcePath: monorepo(t)})
	require.NoError(t, err)
	h.svc.Wait()

	b, err := h.svc.Get(context.Background(), "acme", accepted.Build.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildFailed, b.Status)
	assert.Equal(t, serviceSkipped, service(t, b, "web").Status)

	h.images.mu.Lock()
	assert.Len(t, h.images.builds, 1)
	h.images.mu.Unlock()

	_, err = h.svc.Artifact(context.Background(), "acme", b.ID)
	assert.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestQuotaRejectionStartsNothing(t *testing.T) {
	h := newHarness(t)
	h.quota.SetSubscription("acme", nil, nil, &domain.Plan{ID: "tight", Limits: domain.BuildQuota{MaxServices: 1}})

	_, err := h.svc.Start(context.Background(), Request{TenantID: "acme", SourcePath: monorepo(t)})
	require.ErrorIs(t, err, quota.ErrRejected)
	var rejected *quota.RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, quota.LimitServices, rejected.Limit)

	builds, err := h.svc.List(context.Background(), "acme", 10)
	require.NoError(t, err)
	assert.Empty(t, builds)
	assert.Empty(t, h.images.builds)

	_, usage, err := h.svc.Quota(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, usage.BuildsThisHour)
}

func TestUndetectableCheckoutIsNotAdmitted(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	write(t, dir, "notes.txt", "nothing to build")

	_, err := h.svc.Start(context.Background(), Request{TenantID: "acme", SourcePath: dir})
	require.Error(t, err)

	_, usage, err := h.svc.Quota(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, usage.BuildsThisHour)
}

func TestStartRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Start(context.Background(), Request{RepoURL: "https://example.com/r.git"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.svc.Start(context.Background(), Request{TenantID: "acme"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCancelAbortsRunningBuild(t *testing.T) {
	h := newHarness(t)
	h.images.block = true
	ctx := context.Background()

	accepted, err := h.svc.Start(ctx, Request{TenantID: "acme", SourcePath: monorepo(t)})
	require.NoError(t, err)
	id := accepted.Build.ID

	select {
	case <-h.images.started:
	case <-time.After(5 * time.Second):
		t.Fatal("build never reached the engine")
	}
	assert.ErrorIs(t, h.svc.Cancel(ctx, "other", id), ErrNotFound)
	require.NoError(t, h.svc.Cancel(ctx, "acme", id))
	h.svc.Wait()

	b, err := h.svc.Get(ctx, "acme", id)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildCancelled, b.Status)
	assert.Equal(t, serviceSkipped, service(t, b, "web").Status)
	assert.ErrorIs(t, h.svc.Cancel(ctx, "acme", id), ErrNotRunning)

	_, usage, err := h.svc.Quota(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0, usage.ConcurrentBuilds)
}

func TestGetHidesOtherTenants(t *testing.T) {
	h := newHarness(t)
	accepted, err := h.svc.Start(context.Background(), Request{TenantID: "acme", SourcePath: monorepo(t)})
	require.NoError(t, err)
	h.svc.Wait()

	_, err = h.svc.Get(context.Background(), "globex", accepted.Build.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.svc.Get(context.Background(), "acme", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartClonesIntoWorkspace(t *testing.T) {
	h := newHarness(t)
	var cloned string
	h.svc.deps.Clone = func(_ context.Context, repoURL, dest string, opts git.CloneOptions) (string, error) {
		cloned = dest
		assert.Equal(t, "https://example.com/acme/api.git", repoURL)
		assert.Equal(t, "main", opts.Ref)
		write(t, dest, "go.mod", "module example.com/api\n")
		return "abc123", nil
	}

	accepted, err := h.svc.Start(context.Background(), Request{TenantID: "acme", RepoURL: "https://example.com/acme/api.git", Ref: "main"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/acme/api.git#main", accepted.Build.Source)
	h.svc.Wait()

	b, err := h.svc.Get(context.Background(), "acme", accepted.Build.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildSucceeded, b.Status)
	require.NotEmpty(t, cloned)
	assert.NoDirExists(t, cloned)
}

func TestShutdownCancelsRunningBuilds(t *testing.T) {
	h := newHarness(t)
	h.images.block = true

	accepted, err := h.svc.Start(context.Background(), Request{TenantID: "acme", SourcePath: monorepo(t)})
	require.NoError(t, err)
	<-h.images.started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(ctx))

	b, err := h.svc.Get(context.Background(), "acme", accepted.Build.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildCancelled, b.Status)
}

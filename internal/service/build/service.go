// Package build runs the checkout-to-image pipeline for tenants.
package build

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/splax/imageforge/internal/detect"
	"github.com/splax/imageforge/internal/docker"
	"github.com/splax/imageforge/internal/domain"
	"github.com/splax/imageforge/internal/generate"
	"github.com/splax/imageforge/internal/git"
	"github.com/splax/imageforge/internal/quota"
	"github.com/splax/imageforge/internal/repository"
	"github.com/splax/imageforge/pkg/events"
)

var (
	// ErrNotFound indicates the build does not exist for the tenant.
	ErrNotFound = errors.New("build: not found")
	// ErrNotRunning indicates the build already finished.
	ErrNotRunning = errors.New("build: not running")
	// ErrInvalidRequest indicates a malformed build request.
	ErrInvalidRequest = errors.New("build: invalid request")
)

const (
	stageQueued   = "queued"
	stageGenerate = "generate"
	stageBuild    = "build"
	stagePush     = "push"
	stageArtifact = "artifact"
	stageDone     = "done"

	serviceSkipped = "skipped"
	servicePending = "pending"

	persistTimeout = 10 * time.Second
	eventTimeout   = 5 * time.Second
)

// ImageBuilder builds and publishes container images.
type ImageBuilder interface {
	Ping(ctx context.Context) error
	Build(ctx context.Context, req docker.BuildRequest) (*docker.BuildStream, error)
	Push(ctx context.Context, tag string, onOutput func(string)) error
}

// Admission gates builds on tenant quotas.
type Admission interface {
	Admit(ctx context.Context, tenantID string, contextBytes int64, serviceCount int) (domain.BuildQuota, error)
	Release(ctx context.Context, tenantID string) error
	Usage(ctx context.Context, tenantID string) (domain.BuildQuota, domain.UsageCounters, error)
}

// ArtifactStore persists build manifests.
type ArtifactStore interface {
	Put(ctx context.Context, artifact domain.BuildArtifact) error
	Get(ctx context.Context, tenantID, buildID string) (domain.BuildArtifact, error)
	List(ctx context.Context, tenantID string) ([]domain.BuildArtifact, error)
	Delete(ctx context.Context, tenantID, buildID string) error
}

// LogPublisher fans build output out to live subscribers.
type LogPublisher interface {
	Broadcast(buildID string, payload []byte)
	Finish(buildID string)
}

// Workspace allocates per-build directories.
type Workspace interface {
	Prepare(buildID string) (string, error)
	Cleanup(buildID string) error
}

// CloneFunc fetches a repository into dest and returns the checked-out commit.
type CloneFunc func(ctx context.Context, repoURL, dest string, opts git.CloneOptions) (string, error)

// Config tunes image naming and checkout.
type Config struct {
	// Registry prefixes every image reference, e.g. "registry.local:5000".
	Registry string
	// Namespace is the repository path under the registry.
	Namespace  string
	GitTimeout time.Duration
}

// Dependencies are the collaborators a Service drives.
type Dependencies struct {
	Builds    repository.BuildRepository
	Quota     Admission
	Images    ImageBuilder
	Artifacts ArtifactStore
	Logs      LogPublisher
	Events    events.Sink
	Workspace Workspace
	Clone     CloneFunc
	Metrics   *Metrics
	Logger    *slog.Logger
}

// Request starts a build from a repository or, for local use, an existing directory.
type Request struct {
	TenantID   string `json:"-"`
	RepoURL    string `json:"repo_url"`
	Ref        string `json:"ref,omitempty"`
	Token      string `json:"token,omitempty"`
	SourcePath string `json:"-"`
}

func (r Request) validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return fmt.Errorf("%w: tenant id required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.RepoURL) == "" && strings.TrimSpace(r.SourcePath) == "" {
		return fmt.Errorf("%w: repo_url required", ErrInvalidRequest)
	}
	return nil
}

func (r Request) source() string {
	if r.SourcePath != "" {
		return r.SourcePath
	}
	if r.Ref != "" {
		return r.RepoURL + "#" + r.Ref
	}
	return r.RepoURL
}

// Accepted is returned once a build passed admission.
type Accepted struct {
	Build domain.Build      `json:"build"`
	Quota domain.BuildQuota `json:"quota"`
}

// Service coordinates detection, generation, admission, image builds and artifact storage.
type Service struct {
	deps   Dependencies
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	mu      sync.Mutex
	running map[string]*run
	wg      sync.WaitGroup
}

type run struct {
	tenantID  string
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// New creates a build service.
func New(deps Dependencies, cfg Config) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = events.Discard{}
	}
	if deps.Clone == nil {
		deps.Clone = git.Clone
	}
	if cfg.GitTimeout <= 0 {
		cfg.GitTimeout = time.Minute
	}
	return &Service{
		deps:    deps,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
		running: make(map[string]*run),
	}
}

// Health verifies the container engine is reachable.
func (s *Service) Health(ctx context.Context) error {
	return s.deps.Images.Ping(ctx)
}

// Start prepares the checkout, detects applications and asks for admission.
// Admitted builds continue in the background.
func (s *Service) Start(ctx context.Context, req Request) (Accepted, error) {
	if err := req.validate(); err != nil {
		return Accepted{}, err
	}
	buildID := s.newID()
	log := s.logger.With("tenant_id", req.TenantID, "build_id", buildID)

	checkout, owned, err := s.checkout(ctx, buildID, req)
	if err != nil {
		return Accepted{}, fmt.Errorf("prepare checkout for build %s: %w", buildID, err)
	}
	discard := func() {
		if owned {
			if err := s.deps.Workspace.Cleanup(buildID); err != nil {
				log.Warn("workspace cleanup failed", "error", err)
			}
		}
	}

	size, err := docker.ContextSize(checkout)
	if err != nil {
		discard()
		return Accepted{}, fmt.Errorf("measure checkout for build %s: %w", buildID, err)
	}
	structure, err := detect.Detect(checkout)
	if err != nil {
		discard()
		s.deps.Metrics.rejected("detection")
		return Accepted{}, fmt.Errorf("detect build %s for tenant %s: %w", buildID, req.TenantID, err)
	}
	q, err := s.deps.Quota.Admit(ctx, req.TenantID, size, len(structure.Applications))
	if err != nil {
		discard()
		reason := "quota"
		var rejected *quota.RejectedError
		if errors.As(err, &rejected) {
			reason = string(rejected.Limit)
		}
		s.deps.Metrics.rejected(reason)
		return Accepted{}, fmt.Errorf("admit build %s for tenant %s: %w", buildID, req.TenantID, err)
	}

	build := &domain.Build{
		ID:        buildID,
		TenantID:  req.TenantID,
		Source:    req.source(),
		Status:    domain.BuildQueued,
		Stage:     stageQueued,
		StartedAt: s.now().UTC(),
		Services: lo.Map(structure.Applications, func(app detect.Application, _ int) domain.BuildService {
			return domain.BuildService{
				Name:      generate.NormalizeServiceName(app.Path),
				Path:      app.Path,
				Framework: app.Framework,
				Status:    servicePending,
			}
		}),
	}
	if err := s.deps.Builds.CreateBuild(ctx, build); err != nil {
		discard()
		s.release(req.TenantID, log)
		return Accepted{}, fmt.Errorf("record build %s: %w", buildID, err)
	}
	log.Info("build admitted", "applications", len(structure.Applications), "context_bytes", size, "monorepo", structure.IsMonorepo)

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if q.MaxBuildDuration > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), q.MaxBuildDuration)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}
	r := &run{tenantID: req.TenantID, cancel: cancel}
	s.mu.Lock()
	s.running[buildID] = r
	s.mu.Unlock()

	accepted := Accepted{Build: cloneBuild(*build), Quota: q}
	s.wg.Add(1)
	go s.execute(runCtx, r, build, checkout, owned, structure, q)
	return accepted, nil
}

func (s *Service) checkout(ctx context.Context, buildID string, req Request) (string, bool, error) {
	if req.SourcePath != "" {
		abs, err := filepath.Abs(req.SourcePath)
		if err != nil {
			return "", false, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return "", false, err
		}
		if !info.IsDir() {
			return "", false, fmt.Errorf("%s is not a directory", req.SourcePath)
		}
		return abs, false, nil
	}
	dir, err := s.deps.Workspace.Prepare(buildID)
	if err != nil {
		return "", false, err
	}
	cloneCtx, cancel := context.WithTimeout(ctx, s.cfg.GitTimeout)
	defer cancel()
	commit, err := s.deps.Clone(cloneCtx, req.RepoURL, dir, git.CloneOptions{Ref: req.Ref, Token: req.Token})
	if err != nil {
		_ = s.deps.Workspace.Cleanup(buildID)
		return "", false, err
	}
	s.logger.Info("repository cloned", "tenant_id", req.TenantID, "build_id", buildID, "commit", commit)
	return dir, true, nil
}

func (s *Service) execute(ctx context.Context, r *run, build *domain.Build, checkout string, owned bool, structure detect.ProjectStructure, q domain.BuildQuota) {
	defer s.wg.Done()
	defer r.cancel()

	log := s.logger.With("tenant_id", build.TenantID, "build_id", build.ID)
	logs := newLogAggregator(build.ID, q.MaxLogBytes, func(payload []byte) {
		if s.deps.Logs != nil {
			s.deps.Logs.Broadcast(build.ID, payload)
		}
	})
	defer func() {
		s.release(build.TenantID, log)
		if owned {
			if err := s.deps.Workspace.Cleanup(build.ID); err != nil {
				log.Warn("workspace cleanup failed", "error", err)
			}
		}
		s.mu.Lock()
		delete(s.running, build.ID)
		s.mu.Unlock()
		if s.deps.Logs != nil {
			s.deps.Logs.Finish(build.ID)
		}
	}()

	s.emit(build, stageQueued, events.LevelInfo, "", "build queued")
	build.Status = domain.BuildRunning
	s.setStage(build, stageGenerate, log)
	logs.Scope("", stageGenerate)

	gen := generate.New(checkout, generate.Options{ImagePrefix: build.TenantID})
	result, err := gen.GenerateAll(structure)
	for _, f := range result.Files {
		logs.Add(fmt.Sprintf("%s %s", f.Action, f.Path))
	}
	if err != nil {
		log.Warn("project files not generated", "error", err)
		logs.Add("project files: " + err.Error())
	}
	files := lo.Map(result.Files, func(f generate.File, _ int) domain.GeneratedFile {
		return domain.GeneratedFile{Path: f.Path, Action: string(f.Action), SHA256: digest(f.Content)}
	})

	var (
		images  []domain.ServiceImage
		aborted error
	)
	for i, app := range structure.Applications {
		svc := &build.Services[i]
		if genErr, failed := result.Failed[app.Path]; failed {
			svc.Status = domain.BuildFailed
			svc.Error = genErr.Error()
			log.Warn("generation failed", "path", app.Path, "error", genErr)
			s.emit(build, stageGenerate, events.LevelError, svc.Name, genErr.Error())
			continue
		}
		if aborted == nil {
			aborted = ctx.Err()
		}
		if aborted != nil {
			svc.Status = serviceSkipped
			svc.Error = aborted.Error()
			continue
		}
		image, err := s.buildService(ctx, logs, build, svc, filepath.Join(checkout, filepath.FromSlash(app.Path)), q, log)
		if err != nil {
			svc.Status = domain.BuildFailed
			svc.Error = err.Error()
			log.Error("image build failed", "path", app.Path, "error", err, "tail", logs.Tail(10))
			s.emit(build, stageBuild, events.LevelError, svc.Name, err.Error())
			if errors.Is(err, docker.ErrEngineUnavailable) {
				aborted = err
			}
			continue
		}
		svc.Status = domain.BuildSucceeded
		svc.ImageTag = image.ImageTag
		images = append(images, image)
	}

	build.Status, build.Error = s.outcome(ctx, r, build, q)
	if len(images) > 0 {
		s.setStage(build, stageArtifact, log)
		artifact := domain.BuildArtifact{
			TenantID:  build.TenantID,
			BuildID:   build.ID,
			ImageTag:  images[0].ImageTag,
			Images:    images,
			Files:     files,
			CreatedAt: s.now().UTC(),
		}
		putCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := s.deps.Artifacts.Put(putCtx, artifact)
		cancel()
		if err != nil {
			log.Error("artifact not stored", "error", err)
			build.Status = domain.BuildFailed
			build.Error = fmt.Sprintf("persist artifact for build %s: %v", build.ID, err)
		}
	}

	completed := s.now().UTC()
	build.CompletedAt = &completed
	s.setStage(build, stageDone, log)
	s.deps.Metrics.finished(build.Status, completed.Sub(build.StartedAt))

	level := events.LevelInfo
	if build.Status != domain.BuildSucceeded {
		level = events.LevelError
	}
	summary := "build " + build.Status
	if build.Error != "" {
		summary += ": " + build.Error
	}
	s.emit(build, stageDone, level, "", summary)
	logs.Final(summary)
	log.Info("build finished", "status", build.Status, "images", len(images), "duration", completed.Sub(build.StartedAt))
}

func (s *Service) buildService(ctx context.Context, logs *logAggregator, build *domain.Build, svc *domain.BuildService, dir string, q domain.BuildQuota, log *slog.Logger) (domain.ServiceImage, error) {
	tag := s.imageTag(build.TenantID, svc.Name, build.ID)
	svc.ImageTag = tag
	s.setStage(build, stageBuild, log)
	logs.Scope(svc.Name, stageBuild)
	s.emit(build, stageBuild, events.LevelInfo, svc.Name, "building "+tag)

	stream, err := s.deps.Images.Build(ctx, docker.BuildRequest{
		Dir:           dir,
		Tag:           tag,
		MemoryBytes:   q.MemoryBytes,
		CPUMillicores: q.CPUMillicores,
		Labels: map[string]string{
			"org.imageforge.tenant": build.TenantID,
			"org.imageforge.build":  build.ID,
			"org.imageforge.path":   svc.Path,
		},
	})
	if err != nil {
		return domain.ServiceImage{}, fmt.Errorf("build %s: %w", svc.Path, err)
	}
	defer stream.Close()
	if err := stream.Drain(logs.Add); err != nil {
		logs.Flush()
		return domain.ServiceImage{}, fmt.Errorf("build %s: %w", svc.Path, err)
	}
	logs.Flush()

	s.setStage(build, stagePush, log)
	logs.Scope(svc.Name, stagePush)
	if err := s.deps.Images.Push(ctx, tag, logs.Add); err != nil {
		logs.Flush()
		return domain.ServiceImage{}, fmt.Errorf("push %s: %w", svc.Path, err)
	}
	logs.Flush()
	return domain.ServiceImage{
		Service:   svc.Name,
		Path:      svc.Path,
		Framework: svc.Framework,
		ImageTag:  tag,
		ImageID:   stream.ImageID(),
	}, nil
}

func (s *Service) outcome(ctx context.Context, r *run, build *domain.Build, q domain.BuildQuota) (string, string) {
	switch {
	case r.cancelled.Load():
		return domain.BuildCancelled, "cancelled by request"
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.BuildFailed, fmt.Sprintf("build exceeded maximum duration of %s", q.MaxBuildDuration)
	}
	failed := lo.Filter(build.Services, func(svc domain.BuildService, _ int) bool {
		return svc.Status != domain.BuildSucceeded
	})
	if len(failed) == 0 {
		return domain.BuildSucceeded, ""
	}
	names := lo.Map(failed, func(svc domain.BuildService, _ int) string { return svc.Path })
	return domain.BuildFailed, fmt.Sprintf("%d of %d applications failed: %s", len(failed), len(build.Services), strings.Join(names, ", "))
}

// imageTag is {registry}/{namespace}/{tenant}-{service}:{build}.
func (s *Service) imageTag(tenantID, service, buildID string) string {
	repo := generate.NormalizeServiceName(tenantID) + "-" + service
	if ns := strings.Trim(s.cfg.Namespace, "/"); ns != "" {
		repo = ns + "/" + repo
	}
	if reg := strings.TrimRight(s.cfg.Registry, "/"); reg != "" {
		repo = reg + "/" + repo
	}
	tag := strings.ReplaceAll(buildID, "-", "")
	if len(tag) > 12 {
		tag = tag[:12]
	}
	return repo + ":" + tag
}

func (s *Service) setStage(build *domain.Build, stage string, log *slog.Logger) {
	build.Stage = stage
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.deps.Builds.UpdateBuild(ctx, build); err != nil {
		log.Warn("build state not persisted", "stage", stage, "error", err)
	}
}

func (s *Service) release(tenantID string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.deps.Quota.Release(ctx, tenantID); err != nil {
		log.Error("quota slot not released", "error", err)
	}
}

func (s *Service) emit(build *domain.Build, stage, level, service, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	err := s.deps.Events.Emit(ctx, events.Event{
		TenantID: build.TenantID,
		BuildID:  build.ID,
		Stage:    stage,
		Level:    level,
		Service:  service,
		Message:  message,
	})
	if err != nil {
		s.logger.Debug("build event not delivered", "build_id", build.ID, "stage", stage, "error", err)
	}
}

// Get returns a tenant's build.
func (s *Service) Get(ctx context.Context, tenantID, buildID string) (*domain.Build, error) {
	build, err := s.deps.Builds.GetBuild(ctx, buildID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load build %s: %w", buildID, err)
	}
	if build.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return build, nil
}

// List returns a tenant's most recent builds.
func (s *Service) List(ctx context.Context, tenantID string, limit int) ([]domain.Build, error) {
	builds, err := s.deps.Builds.ListBuildsByTenant(ctx, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list builds for tenant %s: %w", tenantID, err)
	}
	return builds, nil
}

// Cancel aborts a running build. The in-flight engine call is cancelled.
func (s *Service) Cancel(ctx context.Context, tenantID, buildID string) error {
	s.mu.Lock()
	r, ok := s.running[buildID]
	s.mu.Unlock()
	if ok && r.tenantID == tenantID {
		r.cancelled.Store(true)
		r.cancel()
		s.logger.Info("build cancellation requested", "tenant_id", tenantID, "build_id", buildID)
		return nil
	}
	if _, err := s.Get(ctx, tenantID, buildID); err != nil {
		return err
	}
	return ErrNotRunning
}

// Artifact returns the stored manifest of a finished build.
func (s *Service) Artifact(ctx context.Context, tenantID, buildID string) (domain.BuildArtifact, error) {
	return s.deps.Artifacts.Get(ctx, tenantID, buildID)
}

// ListArtifacts lists a tenant's stored manifests.
func (s *Service) ListArtifacts(ctx context.Context, tenantID string) ([]domain.BuildArtifact, error) {
	return s.deps.Artifacts.List(ctx, tenantID)
}

// DeleteArtifact removes a build's manifest.
func (s *Service) DeleteArtifact(ctx context.Context, tenantID, buildID string) error {
	return s.deps.Artifacts.Delete(ctx, tenantID, buildID)
}

// Quota reports the tenant's resolved limits and current usage.
func (s *Service) Quota(ctx context.Context, tenantID string) (domain.BuildQuota, domain.UsageCounters, error) {
	return s.deps.Quota.Usage(ctx, tenantID)
}

// Shutdown cancels running builds and waits for them to finish or ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, r := range s.running {
		r.cancelled.Store(true)
		r.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every background build has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

func digest(content string) string {
	if content == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func cloneBuild(b domain.Build) domain.Build {
	b.Services = append([]domain.BuildService(nil), b.Services...)
	return b
}

package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/splax/imageforge/internal/domain"
)

// ErrNotFound indicates no manifest exists for the tenant and build.
var ErrNotFound = errors.New("artifact: not found")

// ErrObjectNotFound is returned by backends for missing keys.
var ErrObjectNotFound = errors.New("artifact: object not found")

// StorageError wraps a failed object storage call.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("artifact %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Object metadata keys. Backends must return them lower-cased.
const (
	metaTenantID  = "tenant-id"
	metaBuildID   = "build-id"
	metaImageTag  = "image-tag"
	metaCreatedAt = "created-at"
)

// Backend is a bucket-scoped object store.
type Backend interface {
	PutObject(ctx context.Context, key string, data []byte, metadata map[string]string) error
	GetObject(ctx context.Context, key string) ([]byte, map[string]string, error)
	StatObject(ctx context.Context, key string) (map[string]string, error)
	ListObjects(ctx context.Context, prefix string) ([]string, error)
	RemoveObject(ctx context.Context, key string) error
}

// Store persists build manifests.
type Store struct {
	backend Backend
	logger  *slog.Logger
}

// NewStore constructs a Store over backend.
func NewStore(backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, logger: logger}
}

// Key is the object key of a build's manifest.
func Key(tenantID, buildID string) string {
	return "builds/" + tenantID + "/" + buildID + "/manifest"
}

func validateIDs(tenantID, buildID string) error {
	for _, id := range []string{tenantID, buildID} {
		if strings.TrimSpace(id) == "" || strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
			return fmt.Errorf("invalid identifier %q", id)
		}
	}
	return nil
}

// manifestBody is the JSON document stored as the object payload.
type manifestBody struct {
	Images []domain.ServiceImage  `json:"images"`
	Files  []domain.GeneratedFile `json:"files"`
}

// Put writes the manifest for a build, replacing any earlier one.
func (s *Store) Put(ctx context.Context, a domain.BuildArtifact) error {
	if err := validateIDs(a.TenantID, a.BuildID); err != nil {
		return &StorageError{Op: "put", Key: Key(a.TenantID, a.BuildID), Err: err}
	}
	key := Key(a.TenantID, a.BuildID)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	body, err := json.Marshal(manifestBody{Images: a.Images, Files: a.Files})
	if err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	meta := map[string]string{
		metaTenantID:  a.TenantID,
		metaBuildID:   a.BuildID,
		metaImageTag:  a.ImageTag,
		metaCreatedAt: a.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if err := s.backend.PutObject(ctx, key, body, meta); err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	return nil
}

// Get reads a build's manifest.
func (s *Store) Get(ctx context.Context, tenantID, buildID string) (domain.BuildArtifact, error) {
	if err := validateIDs(tenantID, buildID); err != nil {
		return domain.BuildArtifact{}, &StorageError{Op: "get", Key: Key(tenantID, buildID), Err: err}
	}
	return s.read(ctx, Key(tenantID, buildID))
}

func (s *Store) read(ctx context.Context, key string) (domain.BuildArtifact, error) {
	data, meta, err := s.backend.GetObject(ctx, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return domain.BuildArtifact{}, ErrNotFound
		}
		return domain.BuildArtifact{}, &StorageError{Op: "get", Key: key, Err: err}
	}
	a, err := decode(data, meta)
	if err != nil {
		return domain.BuildArtifact{}, &StorageError{Op: "decode", Key: key, Err: err}
	}
	return a, nil
}

func decode(data []byte, meta map[string]string) (domain.BuildArtifact, error) {
	a := domain.BuildArtifact{
		TenantID: meta[metaTenantID],
		BuildID:  meta[metaBuildID],
		ImageTag: meta[metaImageTag],
	}
	if a.TenantID == "" || a.BuildID == "" {
		return a, errors.New("missing tenant or build metadata")
	}
	created, err := time.Parse(time.RFC3339Nano, meta[metaCreatedAt])
	if err != nil {
		return a, fmt.Errorf("parse created-at: %w", err)
	}
	a.CreatedAt = created
	var body manifestBody
	if err := json.Unmarshal(data, &body); err != nil {
		return a, fmt.Errorf("parse manifest: %w", err)
	}
	a.Images = body.Images
	a.Files = body.Files
	return a, nil
}

// List returns every readable manifest of a tenant, newest first. Objects
// that cannot be read are logged and skipped.
func (s *Store) List(ctx context.Context, tenantID string) ([]domain.BuildArtifact, error) {
	if err := validateIDs(tenantID, "list"); err != nil {
		return nil, &StorageError{Op: "list", Key: "builds/" + tenantID + "/", Err: err}
	}
	prefix := "builds/" + tenantID + "/"
	keys, err := s.backend.ListObjects(ctx, prefix)
	if err != nil {
		return nil, &StorageError{Op: "list", Key: prefix, Err: err}
	}
	artifacts := make([]domain.BuildArtifact, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, "/manifest") {
			continue
		}
		a, err := s.read(ctx, key)
		if err != nil {
			s.logger.Warn("skipping unreadable artifact", "tenant_id", tenantID, "key", key, "error", err)
			continue
		}
		artifacts = append(artifacts, a)
	}
	sort.SliceStable(artifacts, func(i, j int) bool {
		return artifacts[i].CreatedAt.After(artifacts[j].CreatedAt)
	})
	return artifacts, nil
}

// Delete removes a build's manifest.
func (s *Store) Delete(ctx context.Context, tenantID, buildID string) error {
	key := Key(tenantID, buildID)
	if err := validateIDs(tenantID, buildID); err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	if _, err := s.backend.StatObject(ctx, key); err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return ErrNotFound
		}
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	if err := s.backend.RemoveObject(ctx, key); err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

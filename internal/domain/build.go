package domain

import "time"

// Build statuses.
const (
	BuildQueued    = "queued"
	BuildRunning   = "running"
	BuildSucceeded = "succeeded"
	BuildFailed    = "failed"
	BuildCancelled = "cancelled"
)

// Build tracks one pipeline run for a tenant.
type Build struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	Source      string         `json:"source"`
	Status      string         `json:"status"`
	Stage       string         `json:"stage"`
	Error       string         `json:"error,omitempty"`
	Services    []BuildService `json:"services"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Finished reports whether the build reached a terminal status.
func (b Build) Finished() bool {
	switch b.Status {
	case BuildSucceeded, BuildFailed, BuildCancelled:
		return true
	}
	return false
}

// BuildService is the per-application outcome of a build.
type BuildService struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Framework string `json:"framework"`
	ImageTag  string `json:"image_tag,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

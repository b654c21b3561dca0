package domain

import "time"

// BuildArtifact is the stored manifest of one completed build.
type BuildArtifact struct {
	TenantID  string          `json:"tenant_id"`
	BuildID   string          `json:"build_id"`
	ImageTag  string          `json:"image_tag"`
	Images    []ServiceImage  `json:"images"`
	Files     []GeneratedFile `json:"files"`
	CreatedAt time.Time       `json:"created_at"`
}

// ServiceImage is the image produced for one application of a build.
type ServiceImage struct {
	Service   string `json:"service"`
	Path      string `json:"path"`
	Framework string `json:"framework"`
	ImageTag  string `json:"image_tag"`
	ImageID   string `json:"image_id,omitempty"`
}

// GeneratedFile records a file the generator wrote or inspected.
type GeneratedFile struct {
	Path   string `json:"path"`
	Action string `json:"action"`
	SHA256 string `json:"sha256,omitempty"`
}

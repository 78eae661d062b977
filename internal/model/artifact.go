package model

import (
	"strings"
	"time"
)

// ArtifactMetadata describes one file an execution left behind in the
// session workspace.
type ArtifactMetadata struct {
	Path      string    `json:"path"` // workspace-relative
	SizeBytes int64     `json:"size_bytes"`
	MimeType  string    `json:"mime_type"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Checksum  string    `json:"checksum,omitempty"`
}

// IsHidden reports whether a workspace-relative path should be excluded from
// artifact scanning (spec §3: "Hidden files (leading dot) excluded").
func IsHidden(relPath string) bool {
	parts := strings.Split(relPath, "/")
	for _, p := range parts {
		if strings.HasPrefix(p, ".") && p != "" {
			return true
		}
	}
	return false
}

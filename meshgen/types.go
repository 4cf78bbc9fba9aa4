// Package meshgen provides the provider abstraction for external 3D
// mesh generation services. Every provider is wrapped behind the Client
// interface; transport and provider-reported errors never leak past
// this package except as a translated types.Error.
package meshgen

import (
	"context"

	"github.com/jackg825/dream-forge-web-sub003/types"
)

// TaskState is the normalized state of an outstanding provider task.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskProcessing TaskState = "processing"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
)

// SubmitRequest describes one mesh or texture generation submission.
// URL-based image submission is preferred over raw bytes: it avoids a
// download/re-upload round trip against the provider upload endpoints.
type SubmitRequest struct {
	ImageURLs []string // pre-hosted image URLs, one per angle view
	Images    [][]byte // raw bytes fallback for providers without URL intake
	MimeType  string
	Options   types.MeshOptions
	Texture   bool // texture an existing mesh instead of generating one
	MeshURL   string
}

// TaskStatus is one poll result for a provider task.
type TaskStatus struct {
	State    TaskState
	Progress int // 0-100, best effort
	Error    string
}

// DownloadLink is one downloadable artifact for a completed task.
type DownloadLink struct {
	URL    string
	Format string
}

// Capability is the static descriptor every provider publishes.
type Capability struct {
	Formats   []string
	MultiView bool
	PBR       bool
}

// SupportsFormat reports whether the provider can emit the format.
func (c Capability) SupportsFormat(format string) bool {
	for _, f := range c.Formats {
		if f == format {
			return true
		}
	}
	return false
}

// Client is the single capability contract all five provider
// implementations satisfy. Implementations perform network calls only
// and never mutate the pipeline record.
type Client interface {
	Name() string
	Capabilities() Capability
	Submit(ctx context.Context, req *SubmitRequest) (string, error)
	PollStatus(ctx context.Context, taskID string) (*TaskStatus, error)
	FetchDownloadLinks(ctx context.Context, taskID, preferredFormat string) ([]DownloadLink, error)
	FetchBytes(ctx context.Context, url string) ([]byte, error)
}

// FormatPreference is the canonical download order used when a caller
// has no explicit preference.
var FormatPreference = []string{"glb", "obj", "stl", "fbx", "usdz"}

// BestLink picks the most preferred link, honoring preferredFormat
// first and falling back to the canonical order.
func BestLink(links []DownloadLink, preferredFormat string) (DownloadLink, bool) {
	if len(links) == 0 {
		return DownloadLink{}, false
	}
	if preferredFormat != "" {
		for _, l := range links {
			if l.Format == preferredFormat {
				return l, true
			}
		}
	}
	for _, f := range FormatPreference {
		for _, l := range links {
			if l.Format == f {
				return l, true
			}
		}
	}
	return links[0], true
}

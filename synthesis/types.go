// Package synthesis provides the multi-angle image synthesis
// capability: turning one reference photograph into the four canonical
// mesh input views, with per-image color palette extraction and
// frequency-ranked palette aggregation.
package synthesis

import (
	"context"

	"github.com/jackg825/dream-forge-web-sub003/types"
)

// AngleResult is one synthesized view.
type AngleResult struct {
	ImageBytes []byte
	MimeType   string
	Palette    []types.PaletteColor
}

// AllAnglesResult bundles the four views plus their aggregated palette.
type AllAnglesResult struct {
	Angles     map[types.Angle]*AngleResult
	Aggregated *types.AggregatedPalette
}

// ProgressFunc receives completion notifications while the four views
// generate in parallel.
type ProgressFunc func(angle types.Angle, completed, total int)

// Synthesizer is the image synthesis capability consumed by the
// pipeline. Implementations must be retryable per angle without
// regenerating the others.
type Synthesizer interface {
	GenerateAngleView(ctx context.Context, reference []byte, mimeType string, angle types.Angle, hint string) (*AngleResult, error)
	GenerateAllAngles(ctx context.Context, reference []byte, mimeType string, onProgress ProgressFunc) (*AllAnglesResult, error)
	// CreditCost is the per-run cost of the image stage; it varies by
	// the configured synthesis model tier.
	CreditCost() int64
}

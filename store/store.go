// Package store persists pipeline run documents. All mutations are
// field-scoped; stage transitions are optimistic compare-and-set on
// status so that two overlapping stage starts cannot both claim the
// same transition.
package store

import (
	"context"

	"github.com/jackg825/dream-forge-web-sub003/types"
)

// StagePrecondition describes the statuses from which a stage may be
// claimed. RetryStep, when set, additionally admits a failed run whose
// errorStep matches (retry re-enters the same generating state it
// failed from).
type StagePrecondition struct {
	Statuses  []types.Status
	RetryStep types.Step
}

// Admits reports whether the precondition accepts the run's current
// state.
func (p StagePrecondition) Admits(run *types.PipelineRun) bool {
	for _, s := range p.Statuses {
		if run.Status == s {
			return true
		}
	}
	return p.RetryStep != "" && run.Status == types.StatusFailed && run.ErrorStep == p.RetryStep
}

// PreviewField addresses one promotable preview artifact: a canonical
// angle name, or PreviewFieldMesh for the whole mesh artifact.
type PreviewField string

const PreviewFieldMesh PreviewField = "mesh"

// Angle returns the angle addressed by the field, if any.
func (f PreviewField) Angle() (types.Angle, bool) {
	a := types.Angle(f)
	return a, types.ValidAngle(a)
}

// Valid reports whether f addresses a known preview field.
func (f PreviewField) Valid() bool {
	if f == PreviewFieldMesh {
		return true
	}
	_, ok := f.Angle()
	return ok
}

// Store is the durable pipeline record contract.
//
// Every method returns types.Error codes: not-found for unknown
// pipelines, failed-precondition for lost CAS races or missing preview
// fields, resource-exhausted for the regeneration cap.
type Store interface {
	Create(ctx context.Context, run *types.PipelineRun) error
	Get(ctx context.Context, id string) (*types.PipelineRun, error)

	// ClaimStage atomically moves a run matching pre into the in-flight
	// status to, clearing errorStep and errorMessage. It returns the
	// document as it was before the claim, so a caller can roll back.
	ClaimStage(ctx context.Context, id string, pre StagePrecondition, to types.Status) (*types.PipelineRun, error)

	// ReleaseStage undoes a claim after a debit failure, restoring the
	// prior status and error fields. No other field changes.
	ReleaseStage(ctx context.Context, id string, back types.Status, errorStep types.Step, errorMessage string) error

	// SetStageCharged records the exact amount debited for a stage.
	// Persisted before any external submission so a crash between debit
	// and submit still leaves enough information to refund.
	SetStageCharged(ctx context.Context, id string, step types.Step, amount int64) error

	// SetProviderTask records the outstanding external task.
	SetProviderTask(ctx context.Context, id, provider, taskID string, opts types.MeshOptions) error

	// MarkFailed transitions to failed with the given errorStep and
	// message. zeroCharge also resets the stage's creditsCharged entry
	// (used when the debit was refunded).
	MarkFailed(ctx context.Context, id string, step types.Step, message string, zeroCharge bool) error

	// SetMeshImages stores all four synthesized views, the aggregated
	// palette, and the new status in one update.
	SetMeshImages(ctx context.Context, id string, images map[types.Angle]types.ProcessedImage, agg *types.AggregatedPalette, newStatus types.Status) error

	// ReplaceMeshImage swaps a single angle view and increments
	// regenerationsUsed by one, guarded by the cap and by status
	// images-ready.
	ReplaceMeshImage(ctx context.Context, id string, angle types.Angle, img types.ProcessedImage, agg *types.AggregatedPalette, maxRegenerations int) error

	// SetMeshResult persists the mesh artifact and advances status.
	// The advance is compare-and-set from the in-flight status so two
	// polls observing the same completion cannot both finalize.
	SetMeshResult(ctx context.Context, id, url, path, format string, report *types.PrintabilityReport, from, to types.Status) error

	// SetTextureResult persists the textured model and advances status,
	// compare-and-set from the in-flight status like SetMeshResult.
	SetTextureResult(ctx context.Context, id, url, path, format string, from, to types.Status) error

	// ResetToStep rolls status back and, unless keepResults, cascades
	// clearing of every downstream artifact and its creditsCharged
	// entries.
	ResetToStep(ctx context.Context, id string, target types.Status, keepResults bool) error

	// Preview overlay. Production fields are never touched except by
	// PromotePreview, which copies preview into production and deletes
	// the preview field in the same update.
	SetPreviewMeshImage(ctx context.Context, id string, angle types.Angle, img types.ProcessedImage) error
	SetPreviewMeshTask(ctx context.Context, id, provider, taskID string) error
	SetPreviewMeshArtifact(ctx context.Context, id, url, path, format string) error
	PromotePreview(ctx context.Context, id string, field PreviewField) error

	// RejectPreview discards preview state. Rejecting a field that
	// holds no preview is a no-op success; only a missing pipeline
	// errors.
	RejectPreview(ctx context.Context, id string, field PreviewField, all bool) error

	AppendAdminAction(ctx context.Context, id string, action types.AdminAction) error

	// CountByStatus is best-effort collection counting.
	CountByStatus(ctx context.Context, status types.Status) (int64, error)
}

func errNotFound(id string) *types.Error {
	return types.NewErrorf(types.ErrNotFound, "pipeline %s not found", id)
}

func errLostRace(id string) *types.Error {
	return types.NewErrorf(types.ErrFailedPrecondition, "pipeline %s was modified concurrently or is not in an eligible status", id)
}

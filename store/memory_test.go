package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackg825/dream-forge-web-sub003/types"
)

func newRun(t *testing.T, s *MemoryStore, status types.Status) *types.PipelineRun {
	t.Helper()
	run := &types.PipelineRun{
		ID:      "p-" + string(status),
		OwnerID: "user-1",
		Status:  status,
		InputImages: []types.ImageRef{
			{URL: "https://cdn.example.com/in.png", StoragePath: "inputs/in.png"},
		},
	}
	require.NoError(t, s.Create(context.Background(), run))
	return run
}

func TestCreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	run := newRun(t, s, types.StatusDraft)

	got, err := s.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, types.StatusDraft, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	err = s.Create(context.Background(), run)
	assert.Equal(t, types.ErrInvalidArgument, types.GetErrorCode(err))

	_, err = s.Get(context.Background(), "missing")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestClaimStage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := newRun(t, s, types.StatusDraft)

	pre := StagePrecondition{Statuses: []types.Status{types.StatusDraft}, RetryStep: types.StepImages}
	prior, err := s.ClaimStage(ctx, run.ID, pre, types.StatusGeneratingImages)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDraft, prior.Status)

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusGeneratingImages, got.Status)

	// second claim loses the race
	_, err = s.ClaimStage(ctx, run.ID, pre, types.StatusGeneratingImages)
	assert.Equal(t, types.ErrFailedPrecondition, types.GetErrorCode(err))
}

func TestClaimStageRetryFromMatchingErrorStep(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := newRun(t, s, types.StatusFailed)
	require.NoError(t, s.MarkFailed(ctx, run.ID, types.StepMesh, "provider exploded", false))

	// retry for a different step is refused
	_, err := s.ClaimStage(ctx, run.ID,
		StagePrecondition{Statuses: []types.Status{types.StatusMeshReady}, RetryStep: types.StepTexture},
		types.StatusGeneratingTexture)
	assert.Equal(t, types.ErrFailedPrecondition, types.GetErrorCode(err))

	// retry for the failed step re-enters generating-mesh and clears the error
	prior, err := s.ClaimStage(ctx, run.ID,
		StagePrecondition{Statuses: []types.Status{types.StatusImagesReady}, RetryStep: types.StepMesh},
		types.StatusGeneratingMesh)
	require.NoError(t, err)
	assert.Equal(t, types.StepMesh, prior.ErrorStep)

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusGeneratingMesh, got.Status)
	assert.Empty(t, got.ErrorStep)
	assert.Empty(t, got.ErrorMessage)
}

func TestReleaseStageRestoresPriorState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := newRun(t, s, types.StatusImagesReady)

	prior, err := s.ClaimStage(ctx, run.ID,
		StagePrecondition{Statuses: []types.Status{types.StatusImagesReady}}, types.StatusGeneratingMesh)
	require.NoError(t, err)

	require.NoError(t, s.ReleaseStage(ctx, run.ID, prior.Status, prior.ErrorStep, prior.ErrorMessage))

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusImagesReady, got.Status)
}

func TestReplaceMeshImageCap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := newRun(t, s, types.StatusImagesReady)

	img := types.ProcessedImage{URL: "u", Provenance: types.ProvenanceRegenerated, GeneratedAt: time.Now()}
	agg := &types.AggregatedPalette{}

	require.NoError(t, s.ReplaceMeshImage(ctx, run.ID, types.AngleFront, img, agg, 2))
	require.NoError(t, s.ReplaceMeshImage(ctx, run.ID, types.AngleBack, img, agg, 2))

	err := s.ReplaceMeshImage(ctx, run.ID, types.AngleLeft, img, agg, 2)
	assert.Equal(t, types.ErrResourceExhausted, types.GetErrorCode(err))

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RegenerationsUsed)
	assert.NotContains(t, got.MeshImages, types.AngleLeft)
}

func TestReplaceMeshImageRequiresImagesReady(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := newRun(t, s, types.StatusMeshReady)

	err := s.ReplaceMeshImage(ctx, run.ID, types.AngleFront, types.ProcessedImage{}, nil, 3)
	assert.Equal(t, types.ErrFailedPrecondition, types.GetErrorCode(err))
}

func TestResetToImagesReadyCascade(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := newRun(t, s, types.StatusCompleted)

	images := map[types.Angle]types.ProcessedImage{
		types.AngleFront: {URL: "f"}, types.AngleBack: {URL: "b"},
		types.AngleLeft: {URL: "l"}, types.AngleRight: {URL: "r"},
	}
	require.NoError(t, s.SetMeshImages(ctx, run.ID, images, &types.AggregatedPalette{}, types.StatusCompleted))
	require.NoError(t, s.SetStageCharged(ctx, run.ID, types.StepImages, 2))
	require.NoError(t, s.SetStageCharged(ctx, run.ID, types.StepMesh, 5))
	require.NoError(t, s.SetStageCharged(ctx, run.ID, types.StepTexture, 10))
	require.NoError(t, s.SetProviderTask(ctx, run.ID, "meshy", "task-1", types.MeshOptions{Format: "glb"}))
	require.NoError(t, s.SetMeshResult(ctx, run.ID, "https://m", "meshes/m.glb", "glb", nil, types.StatusCompleted, types.StatusCompleted))
	require.NoError(t, s.SetTextureResult(ctx, run.ID, "https://t", "meshes/t.glb", "glb", types.StatusCompleted, types.StatusCompleted))

	require.NoError(t, s.ResetToStep(ctx, run.ID, types.StatusImagesReady, false))

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusImagesReady, got.Status)
	assert.Len(t, got.MeshImages, 4)
	assert.EqualValues(t, 2, got.CreditsCharged.Views)
	assert.Zero(t, got.CreditsCharged.Mesh)
	assert.Zero(t, got.CreditsCharged.Texture)
	assert.Empty(t, got.ProviderTaskID)
	assert.Empty(t, got.MeshURL)
	assert.Empty(t, got.TexturedModelURL)
}

func TestSetMeshResultLostRace(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := newRun(t, s, types.StatusGeneratingMesh)

	require.NoError(t, s.SetMeshResult(ctx, run.ID, "https://m", "meshes/m.glb", "glb", nil,
		types.StatusGeneratingMesh, types.StatusMeshReady))

	// the losing writer sees the status already advanced
	err := s.SetMeshResult(ctx, run.ID, "https://m2", "meshes/m2.glb", "glb", nil,
		types.StatusGeneratingMesh, types.StatusMeshReady)
	assert.Equal(t, types.ErrFailedPrecondition, types.GetErrorCode(err))

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://m", got.MeshURL)

	err = s.SetTextureResult(ctx, run.ID, "https://t", "meshes/t.glb", "glb",
		types.StatusGeneratingTexture, types.StatusCompleted)
	assert.Equal(t, types.ErrFailedPrecondition, types.GetErrorCode(err))
}

func TestResetKeepResults(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := newRun(t, s, types.StatusMeshReady)
	require.NoError(t, s.SetMeshResult(ctx, run.ID, "https://m", "meshes/m.glb", "glb", nil, types.StatusMeshReady, types.StatusMeshReady))
	require.NoError(t, s.SetStageCharged(ctx, run.ID, types.StepMesh, 6))

	require.NoError(t, s.ResetToStep(ctx, run.ID, types.StatusImagesReady, true))

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusImagesReady, got.Status)
	assert.Equal(t, "https://m", got.MeshURL)
	assert.EqualValues(t, 6, got.CreditsCharged.Mesh)
}

func TestResetRefusedWhileInFlight(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := newRun(t, s, types.StatusGeneratingMesh)

	err := s.ResetToStep(ctx, run.ID, types.StatusDraft, false)
	assert.Equal(t, types.ErrFailedPrecondition, types.GetErrorCode(err))
}

func TestPromotePreviewAngle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := newRun(t, s, types.StatusImagesReady)

	img := types.ProcessedImage{URL: "preview-front", Provenance: types.ProvenanceAdminPreview}
	require.NoError(t, s.SetPreviewMeshImage(ctx, run.ID, types.AngleFront, img))

	require.NoError(t, s.PromotePreview(ctx, run.ID, PreviewField("front")))

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "preview-front", got.MeshImages[types.AngleFront].URL)
	assert.NotContains(t, got.AdminPreview.MeshImages, types.AngleFront)

	// promoting again fails, the preview field is gone
	err = s.PromotePreview(ctx, run.ID, PreviewField("front"))
	assert.Equal(t, types.ErrFailedPrecondition, types.GetErrorCode(err))
}

func TestPromotePreviewMesh(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := newRun(t, s, types.StatusMeshReady)

	require.NoError(t, s.SetPreviewMeshTask(ctx, run.ID, "tripo", "task-9"))
	require.NoError(t, s.SetPreviewMeshArtifact(ctx, run.ID, "https://p", "preview/m.glb", "glb"))

	require.NoError(t, s.PromotePreview(ctx, run.ID, PreviewFieldMesh))

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://p", got.MeshURL)
	assert.Equal(t, "tripo", got.Provider)
	assert.Equal(t, "task-9", got.ProviderTaskID)
	assert.Empty(t, got.AdminPreview.MeshURL)
}

func TestPromotePreviewMissing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := newRun(t, s, types.StatusImagesReady)

	err := s.PromotePreview(ctx, run.ID, PreviewFieldMesh)
	assert.Equal(t, types.ErrFailedPrecondition, types.GetErrorCode(err))
}

func TestRejectPreview(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := newRun(t, s, types.StatusImagesReady)

	require.NoError(t, s.SetPreviewMeshImage(ctx, run.ID, types.AngleBack, types.ProcessedImage{URL: "p"}))
	require.NoError(t, s.SetPreviewMeshArtifact(ctx, run.ID, "https://p", "preview/m.glb", "glb"))

	require.NoError(t, s.RejectPreview(ctx, run.ID, PreviewField("back"), false))
	require.NoError(t, s.RejectPreview(ctx, run.ID, PreviewFieldMesh, false))

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.NotContains(t, got.AdminPreview.MeshImages, types.AngleBack)
	assert.Empty(t, got.AdminPreview.MeshURL)

	// rejecting an already-absent field is a no-op
	require.NoError(t, s.RejectPreview(ctx, run.ID, PreviewField("back"), false))
	require.NoError(t, s.RejectPreview(ctx, run.ID, PreviewFieldMesh, false))

	// reject-all is tolerant of an already-empty overlay
	require.NoError(t, s.RejectPreview(ctx, run.ID, "", true))
	got, err = s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, got.AdminPreview)

	err = s.RejectPreview(ctx, "nope", PreviewField("back"), false)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestRejectPreviewNoOverlay(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := newRun(t, s, types.StatusImagesReady)

	require.NoError(t, s.RejectPreview(ctx, run.ID, PreviewField("front"), false))
	require.NoError(t, s.RejectPreview(ctx, run.ID, PreviewFieldMesh, false))
}

func TestAppendAdminAction(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := newRun(t, s, types.StatusImagesReady)

	require.NoError(t, s.AppendAdminAction(ctx, run.ID, types.AdminAction{
		AdminID:   "op-1",
		Action:    types.AdminActionRegeneratePreview,
		Timestamp: time.Now().UTC(),
	}))
	require.NoError(t, s.AppendAdminAction(ctx, run.ID, types.AdminAction{
		AdminID:   "op-1",
		Action:    types.AdminActionConfirm,
		Timestamp: time.Now().UTC(),
	}))

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got.AdminActions, 2)
	assert.Equal(t, types.AdminActionRegeneratePreview, got.AdminActions[0].Action)
	assert.Equal(t, types.AdminActionConfirm, got.AdminActions[1].Action)
}

func TestCountByStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	newRun(t, s, types.StatusDraft)
	newRun(t, s, types.StatusImagesReady)

	n, err := s.CountByStatus(ctx, types.StatusDraft)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	run := newRun(t, s, types.StatusImagesReady)
	require.NoError(t, s.SetMeshImages(ctx, run.ID, map[types.Angle]types.ProcessedImage{
		types.AngleFront: {URL: "f"},
	}, nil, types.StatusImagesReady))

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	got.MeshImages[types.AngleFront] = types.ProcessedImage{URL: "mutated"}

	again, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "f", again.MeshImages[types.AngleFront].URL)
}

package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackg825/dream-forge-web-sub003/meshgen"
	"github.com/jackg825/dream-forge-web-sub003/types"
)

func TestResetToImagesReadyZeroesChargesKeepsViews(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run := e.toMeshReady(t, "u1", meshgen.ProviderMeshy, 0)

	updated, err := e.svc.ResetToStep(ctx, "u1", run.ID, types.StatusImagesReady, false)
	require.NoError(t, err)

	assert.Equal(t, types.StatusImagesReady, updated.Status)
	assert.True(t, updated.HasAllAngles(), "angle views survive the reset")
	assert.Zero(t, updated.CreditsCharged.Mesh)
	assert.Zero(t, updated.CreditsCharged.Texture)
	assert.NotZero(t, updated.CreditsCharged.Views)
	assert.Empty(t, updated.ProviderTaskID)
	assert.Empty(t, updated.Provider)
	assert.Empty(t, updated.MeshURL)

	// re-running the mesh stage charges again from scratch
	e.grant(t, "u1", meshgen.MeshCost[meshgen.ProviderTripo])
	again, err := e.svc.StartMeshGeneration(ctx, "u1", run.ID, meshgen.ProviderTripo, types.MeshOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 6, again.CreditsCharged.Mesh)
}

func TestResetToDraftClearsEverything(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run := e.toMeshReady(t, "u1", meshgen.ProviderMeshy, 0)

	updated, err := e.svc.ResetToStep(ctx, "u1", run.ID, types.StatusDraft, false)
	require.NoError(t, err)

	assert.Equal(t, types.StatusDraft, updated.Status)
	assert.Empty(t, updated.MeshImages)
	assert.Nil(t, updated.AggregatedColorPalette)
	assert.Zero(t, updated.RegenerationsUsed)
	assert.Equal(t, types.CreditsCharged{}, updated.CreditsCharged)
	assert.NotEmpty(t, updated.InputImages, "inputs are never cleared")
}

func TestResetKeepResultsPreservesArtifacts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run := e.toMeshReady(t, "u1", meshgen.ProviderMeshy, 0)

	updated, err := e.svc.ResetToStep(ctx, "u1", run.ID, types.StatusImagesReady, true)
	require.NoError(t, err)

	assert.Equal(t, types.StatusImagesReady, updated.Status)
	assert.NotEmpty(t, updated.MeshURL)
	assert.EqualValues(t, 5, updated.CreditsCharged.Mesh)
}

func TestResetRefusedInFlight(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run := e.toImagesReady(t, "u1", 10)
	_, err := e.svc.StartMeshGeneration(ctx, "u1", run.ID, meshgen.ProviderMeshy, types.MeshOptions{})
	require.NoError(t, err)

	_, err = e.svc.ResetToStep(ctx, "u1", run.ID, types.StatusDraft, false)
	assert.Equal(t, types.ErrFailedPrecondition, types.GetErrorCode(err))
}

func TestResetTargetValidation(t *testing.T) {
	e := newEnv(t)
	run := e.toImagesReady(t, "u1", 0)

	_, err := e.svc.ResetToStep(context.Background(), "u1", run.ID, types.StatusCompleted, false)
	assert.Equal(t, types.ErrInvalidArgument, types.GetErrorCode(err))

	_, err = e.svc.ResetToStep(context.Background(), "u1", run.ID, types.StatusGeneratingMesh, false)
	assert.Equal(t, types.ErrInvalidArgument, types.GetErrorCode(err))
}

package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackg825/dream-forge-web-sub003/meshgen"
	"github.com/jackg825/dream-forge-web-sub003/store"
	"github.com/jackg825/dream-forge-web-sub003/types"
)

func TestCreateValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.Create(ctx, "", []types.ImageRef{{URL: "x"}})
	assert.Equal(t, types.ErrUnauthenticated, types.GetErrorCode(err))

	_, err = e.svc.Create(ctx, "u1", nil)
	assert.Equal(t, types.ErrInvalidArgument, types.GetErrorCode(err))
}

func TestGetEnforcesOwnership(t *testing.T) {
	e := newEnv(t)
	run := e.create(t, "u1")

	_, err := e.svc.Get(context.Background(), "intruder", run.ID)
	assert.Equal(t, types.ErrPermissionDenied, types.GetErrorCode(err))

	_, err = e.svc.Get(context.Background(), "u1", "missing")
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestStartImageGeneration(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.grant(t, "u1", 10)
	run := e.create(t, "u1")

	var progress int
	updated, err := e.svc.StartImageGeneration(ctx, "u1", run.ID, func(_ types.Angle, _, _ int) {
		progress++
	})
	require.NoError(t, err)

	assert.Equal(t, types.StatusImagesReady, updated.Status)
	assert.True(t, updated.HasAllAngles())
	assert.Equal(t, 4, progress)
	assert.EqualValues(t, 2, updated.CreditsCharged.Views)
	assert.EqualValues(t, 8, e.balance(t, "u1"))
	require.NotNil(t, updated.AggregatedColorPalette)
	assert.NotEmpty(t, updated.AggregatedColorPalette.DominantColors)
	for _, angle := range types.CanonicalAngles {
		img := updated.MeshImages[angle]
		assert.Equal(t, types.ProvenanceSynthesized, img.Provenance)
		assert.NotEmpty(t, img.URL)
	}
}

func TestStartImageGenerationInsufficientCredits(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.grant(t, "u1", 1)
	run := e.create(t, "u1")

	_, err := e.svc.StartImageGeneration(ctx, "u1", run.ID, nil)
	assert.Equal(t, types.ErrResourceExhausted, types.GetErrorCode(err))

	// no state change, no charge
	got, err := e.svc.Get(ctx, "u1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDraft, got.Status)
	assert.Zero(t, got.CreditsCharged.Views)
	assert.EqualValues(t, 1, e.balance(t, "u1"))
}

func TestStartImageGenerationSynthFailureRefunds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.grant(t, "u1", 10)
	e.synth.allErr = types.NewError(types.ErrInternal, "model overloaded").WithRetryable(true)
	run := e.create(t, "u1")

	_, err := e.svc.StartImageGeneration(ctx, "u1", run.ID, nil)
	require.Error(t, err)

	got, err := e.svc.Get(ctx, "u1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, types.StepImages, got.ErrorStep)
	assert.Zero(t, got.CreditsCharged.Views)
	assert.EqualValues(t, 10, e.balance(t, "u1"), "refund restores the balance")

	rows, err := e.ledger.Transactions(ctx, "u1", 10)
	require.NoError(t, err)
	var debits, refunds int
	for _, row := range rows {
		switch row.Type {
		case string(types.TransactionDebit):
			debits++
		case string(types.TransactionRefund):
			refunds++
		}
	}
	assert.Equal(t, 1, debits)
	assert.Equal(t, 1, refunds)
}

func TestRetryAfterImageFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.grant(t, "u1", 10)
	e.synth.allErr = errors.New("transient")
	run := e.create(t, "u1")

	_, err := e.svc.StartImageGeneration(ctx, "u1", run.ID, nil)
	require.Error(t, err)

	e.synth.allErr = nil
	updated, err := e.svc.StartImageGeneration(ctx, "u1", run.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StatusImagesReady, updated.Status)
	assert.Empty(t, updated.ErrorStep)
	assert.EqualValues(t, 8, e.balance(t, "u1"), "only the successful attempt is charged")
}

func TestIllegalTransitions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run := e.toImagesReady(t, "u1", 100)

	// images cannot restart from images-ready
	_, err := e.svc.StartImageGeneration(ctx, "u1", run.ID, nil)
	assert.Equal(t, types.ErrFailedPrecondition, types.GetErrorCode(err))

	// texture requires a mesh
	_, err = e.svc.StartTextureGeneration(ctx, "u1", run.ID)
	assert.Equal(t, types.ErrFailedPrecondition, types.GetErrorCode(err))

	// polling without an in-flight task
	_, err = e.svc.PollMeshStatus(ctx, "u1", run.ID)
	assert.Equal(t, types.ErrFailedPrecondition, types.GetErrorCode(err))

	// mesh from draft
	draft := e.create(t, "u1")
	_, err = e.svc.StartMeshGeneration(ctx, "u1", draft.ID, meshgen.ProviderMeshy, types.MeshOptions{})
	assert.Equal(t, types.ErrFailedPrecondition, types.GetErrorCode(err))
}

func TestStartMeshGeneration(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run := e.toImagesReady(t, "u1", 10)

	updated, err := e.svc.StartMeshGeneration(ctx, "u1", run.ID, meshgen.ProviderMeshy, types.MeshOptions{Format: "glb", EnablePBR: true})
	require.NoError(t, err)

	assert.Equal(t, types.StatusGeneratingMesh, updated.Status)
	assert.Equal(t, meshgen.ProviderMeshy, updated.Provider)
	assert.NotEmpty(t, updated.ProviderTaskID)
	assert.EqualValues(t, 5, updated.CreditsCharged.Mesh)
	assert.EqualValues(t, 5, e.balance(t, "u1"))

	submitted := e.clients[meshgen.ProviderMeshy].submitted
	require.Len(t, submitted, 1)
	assert.Len(t, submitted[0].ImageURLs, 4, "all four views in canonical order")
	assert.True(t, submitted[0].Options.EnablePBR)
}

func TestStartMeshGenerationUnknownProvider(t *testing.T) {
	e := newEnv(t)
	run := e.toImagesReady(t, "u1", 10)

	_, err := e.svc.StartMeshGeneration(context.Background(), "u1", run.ID, "sculptor-9000", types.MeshOptions{})
	assert.Equal(t, types.ErrInvalidArgument, types.GetErrorCode(err))
	assert.EqualValues(t, 10, e.balance(t, "u1"), "validation happens before any debit")
}

func TestStartMeshGenerationUnsupportedFormat(t *testing.T) {
	e := newEnv(t)
	run := e.toImagesReady(t, "u1", 10)
	e.clients[meshgen.ProviderMeshy].caps.Formats = []string{"glb"}

	_, err := e.svc.StartMeshGeneration(context.Background(), "u1", run.ID, meshgen.ProviderMeshy, types.MeshOptions{Format: "usdz"})
	assert.Equal(t, types.ErrInvalidArgument, types.GetErrorCode(err))
}

func TestMeshSubmitFailureIsNetZero(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run := e.toImagesReady(t, "u1", 10)
	before := e.balance(t, "u1")
	e.clients[meshgen.ProviderMeshy].submitErr = types.NewError(types.ErrInternal, "provider 502").WithRetryable(true)

	_, err := e.svc.StartMeshGeneration(ctx, "u1", run.ID, meshgen.ProviderMeshy, types.MeshOptions{})
	require.Error(t, err)

	assert.Equal(t, before, e.balance(t, "u1"), "debit and refund cancel out")
	got, err := e.svc.Get(ctx, "u1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Equal(t, types.StepMesh, got.ErrorStep)
	assert.Zero(t, got.CreditsCharged.Mesh)

	// retry succeeds once the provider recovers
	e.clients[meshgen.ProviderMeshy].submitErr = nil
	updated, err := e.svc.StartMeshGeneration(ctx, "u1", run.ID, meshgen.ProviderMeshy, types.MeshOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusGeneratingMesh, updated.Status)
}

func TestRetryRequiresMatchingErrorStep(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run := e.toImagesReady(t, "u1", 20)
	e.clients[meshgen.ProviderMeshy].submitErr = errors.New("boom")

	_, err := e.svc.StartMeshGeneration(ctx, "u1", run.ID, meshgen.ProviderMeshy, types.MeshOptions{})
	require.Error(t, err)

	// failed at mesh: the image stage may not restart
	_, err = e.svc.StartImageGeneration(ctx, "u1", run.ID, nil)
	assert.Equal(t, types.ErrFailedPrecondition, types.GetErrorCode(err))
}

func TestPollMeshProgress(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run := e.toImagesReady(t, "u1", 10)
	_, err := e.svc.StartMeshGeneration(ctx, "u1", run.ID, meshgen.ProviderMeshy, types.MeshOptions{})
	require.NoError(t, err)

	e.clients[meshgen.ProviderMeshy].statuses = []*meshgen.TaskStatus{
		{State: meshgen.TaskProcessing, Progress: 40},
	}
	result, err := e.svc.PollMeshStatus(ctx, "u1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, meshgen.TaskProcessing, result.State)
	assert.Equal(t, 40, result.Progress)
	assert.Equal(t, types.StatusGeneratingMesh, result.Run.Status)
}

func TestPollMeshCompletionStoresArtifact(t *testing.T) {
	e := newEnv(t)
	run := e.toMeshReady(t, "u1", meshgen.ProviderMeshy, 0)

	assert.NotEmpty(t, run.MeshURL)
	assert.Equal(t, "glb", run.MeshFormat)
	assert.Contains(t, run.MeshPath, "pipelines/u1/"+run.ID)
	assert.EqualValues(t, 5, run.CreditsCharged.Mesh, "polling never re-debits")

	var ub int64
	rows, err := e.ledger.Transactions(context.Background(), "u1", 10)
	require.NoError(t, err)
	for _, row := range rows {
		if row.Type == string(types.TransactionDebit) {
			ub++
		}
	}
	assert.EqualValues(t, 2, ub, "one debit per paid stage")
}

func TestPollMeshProviderFailureNoRefund(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run := e.toImagesReady(t, "u1", 10)
	_, err := e.svc.StartMeshGeneration(ctx, "u1", run.ID, meshgen.ProviderMeshy, types.MeshOptions{})
	require.NoError(t, err)
	after := e.balance(t, "u1")

	e.clients[meshgen.ProviderMeshy].statuses = []*meshgen.TaskStatus{
		{State: meshgen.TaskFailed, Error: "generation diverged"},
	}
	result, err := e.svc.PollMeshStatus(ctx, "u1", run.ID)
	require.NoError(t, err)

	assert.Equal(t, types.StatusFailed, result.Run.Status)
	assert.Equal(t, types.StepMesh, result.Run.ErrorStep)
	assert.Equal(t, "generation diverged", result.Run.ErrorMessage)
	assert.EqualValues(t, 5, result.Run.CreditsCharged.Mesh, "charge stands, the submission was delivered")
	assert.Equal(t, after, e.balance(t, "u1"))
}

func TestMeshArtifactInspection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run := e.toImagesReady(t, "u1", 10)
	_, err := e.svc.StartMeshGeneration(ctx, "u1", run.ID, meshgen.ProviderMeshy, types.MeshOptions{Format: "stl"})
	require.NoError(t, err)

	// malformed stl: report is skipped, artifact still stored
	e.clients[meshgen.ProviderMeshy].queueCompletion("stl", []byte("not-a-real-stl-payload"))
	result, err := e.svc.PollMeshStatus(ctx, "u1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusMeshReady, result.Run.Status)
	assert.Nil(t, result.Run.PrintReport)
}

func TestPollRecoversStageStrandedBeforeSubmit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run := e.toImagesReady(t, "u1", meshgen.MeshCost[meshgen.ProviderMeshy])

	// the claim and the debit landed, then the process died before the
	// provider submission could record a task id
	pre := store.StagePrecondition{Statuses: []types.Status{types.StatusImagesReady}}
	_, err := e.store.ClaimStage(ctx, run.ID, pre, types.StatusGeneratingMesh)
	require.NoError(t, err)
	require.NoError(t, e.ledger.Debit(ctx, "u1", 5, run.ID, "mesh generation via meshy"))
	require.NoError(t, e.store.SetStageCharged(ctx, run.ID, types.StepMesh, 5))

	result, err := e.svc.PollMeshStatus(ctx, "u1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, meshgen.TaskFailed, result.State)
	assert.Equal(t, types.StatusFailed, result.Run.Status)
	assert.Equal(t, types.StepMesh, result.Run.ErrorStep)
	assert.Zero(t, result.Run.CreditsCharged.Mesh)
	assert.EqualValues(t, 5, e.balance(t, "u1"), "the stranded debit is refunded")

	// the ordinary retry path re-opens
	again, err := e.svc.StartMeshGeneration(ctx, "u1", run.ID, meshgen.ProviderMeshy, types.MeshOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusGeneratingMesh, again.Status)
}

func TestFinalizeMeshCountsOneGeneration(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run := e.toImagesReady(t, "u1", meshgen.MeshCost[meshgen.ProviderMeshy])
	run, err := e.svc.StartMeshGeneration(ctx, "u1", run.ID, meshgen.ProviderMeshy, types.MeshOptions{Format: "glb"})
	require.NoError(t, err)

	client := e.clients[meshgen.ProviderMeshy]
	client.queueCompletion("glb", []byte("glb-bytes"))

	require.NoError(t, e.svc.finalizeTask(ctx, run, client, types.StepMesh))
	// a second poll observing the same completion loses the status
	// advance and must not count another generation
	require.NoError(t, e.svc.finalizeTask(ctx, run, client, types.StepMesh))

	got, err := e.store.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusMeshReady, got.Status)

	account, err := e.ledger.Account(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, account.LifetimeGenerations)
}

func TestTextureFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run := e.toMeshReady(t, "u1", meshgen.ProviderMeshy, meshgen.TextureCost)

	updated, err := e.svc.StartTextureGeneration(ctx, "u1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusGeneratingTexture, updated.Status)
	assert.EqualValues(t, 10, updated.CreditsCharged.Texture)
	assert.EqualValues(t, 0, e.balance(t, "u1"))

	// retexture references the original provider task
	submitted := e.clients[meshgen.ProviderMeshy].submitted
	req := submitted[len(submitted)-1]
	assert.True(t, req.Texture)
	assert.Equal(t, run.ProviderTaskID, req.MeshURL)

	e.clients[meshgen.ProviderMeshy].queueCompletion("glb", []byte("textured-bytes"))
	result, err := e.svc.PollTextureStatus(ctx, "u1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, result.Run.Status)
	assert.NotEmpty(t, result.Run.TexturedModelURL)
	assert.Equal(t, "glb", result.Run.TexturedModelFormat)
}

func TestTextureRejectedForNonTexturingProvider(t *testing.T) {
	e := newEnv(t)
	run := e.toMeshReady(t, "u1", meshgen.ProviderTrellis, meshgen.TextureCost)

	_, err := e.svc.StartTextureGeneration(context.Background(), "u1", run.ID)
	assert.Equal(t, types.ErrInvalidArgument, types.GetErrorCode(err))
	assert.EqualValues(t, meshgen.TextureCost, e.balance(t, "u1"), "no debit for a rejected request")
}

func TestConcurrentMeshStartSingleDebit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run := e.toImagesReady(t, "u1", 20)

	_, firstErr := e.svc.StartMeshGeneration(ctx, "u1", run.ID, meshgen.ProviderMeshy, types.MeshOptions{})
	_, secondErr := e.svc.StartMeshGeneration(ctx, "u1", run.ID, meshgen.ProviderMeshy, types.MeshOptions{})

	require.NoError(t, firstErr)
	assert.Equal(t, types.ErrFailedPrecondition, types.GetErrorCode(secondErr))
	assert.EqualValues(t, 15, e.balance(t, "u1"), "exactly one mesh debit")
	assert.Len(t, e.clients[meshgen.ProviderMeshy].submitted, 1)
}

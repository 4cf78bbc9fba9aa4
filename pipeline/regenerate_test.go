package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackg825/dream-forge-web-sub003/types"
)

func TestRegenerateAngle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run := e.toImagesReady(t, "u1", 0)
	before := e.balance(t, "u1")

	updated, err := e.svc.RegenerateAngle(ctx, "u1", run.ID, types.AngleLeft, "more saturation")
	require.NoError(t, err)

	assert.Equal(t, 1, updated.RegenerationsUsed)
	assert.Equal(t, types.ProvenanceRegenerated, updated.MeshImages[types.AngleLeft].Provenance)
	assert.Equal(t, types.ProvenanceSynthesized, updated.MeshImages[types.AngleFront].Provenance)
	assert.Equal(t, before, e.balance(t, "u1"), "regeneration is free")
	assert.Equal(t, "more saturation", e.synth.hints[len(e.synth.hints)-1])

	// palette recomputed over all four current views
	require.NotNil(t, updated.AggregatedColorPalette)
	assert.NotEmpty(t, updated.AggregatedColorPalette.Unified)
}

func TestRegenerateAngleValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run := e.toImagesReady(t, "u1", 0)

	_, err := e.svc.RegenerateAngle(ctx, "u1", run.ID, "above", "")
	assert.Equal(t, types.ErrInvalidArgument, types.GetErrorCode(err))

	draft := e.create(t, "u1")
	_, err = e.svc.RegenerateAngle(ctx, "u1", draft.ID, types.AngleFront, "")
	assert.Equal(t, types.ErrFailedPrecondition, types.GetErrorCode(err))
}

func TestRegenerationCap(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run := e.toImagesReady(t, "u1", 0)

	for i := 0; i < 3; i++ {
		_, err := e.svc.RegenerateAngle(ctx, "u1", run.ID, types.AngleFront, "")
		require.NoError(t, err, "attempt %d within the cap", i+1)
	}

	_, err := e.svc.RegenerateAngle(ctx, "u1", run.ID, types.AngleFront, "")
	assert.Equal(t, types.ErrResourceExhausted, types.GetErrorCode(err))

	got, err := e.svc.Get(ctx, "u1", run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RegenerationsUsed, "cap attempt does not increment")
	assert.True(t, got.HasAllAngles())
}

func TestRegenerationCounterSurvivesDifferentAngles(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	run := e.toImagesReady(t, "u1", 0)

	for _, angle := range []types.Angle{types.AngleFront, types.AngleBack, types.AngleRight} {
		_, err := e.svc.RegenerateAngle(ctx, "u1", run.ID, angle, "")
		require.NoError(t, err)
	}
	_, err := e.svc.RegenerateAngle(ctx, "u1", run.ID, types.AngleLeft, "")
	assert.Equal(t, types.ErrResourceExhausted, types.GetErrorCode(err))
}

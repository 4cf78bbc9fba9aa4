// Package pipeline implements the generation state machine: four-angle
// image synthesis, provider mesh generation, optional texturing, free
// capped regeneration, reset-to-step rollback and the operator preview
// overlay. All progress is polling-driven; nothing runs in the
// background.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jackg825/dream-forge-web-sub003/internal/cache"
	"github.com/jackg825/dream-forge-web-sub003/internal/pool"
	"github.com/jackg825/dream-forge-web-sub003/internal/tlsutil"
	"github.com/jackg825/dream-forge-web-sub003/ledger"
	"github.com/jackg825/dream-forge-web-sub003/meshgen"
	"github.com/jackg825/dream-forge-web-sub003/storage"
	"github.com/jackg825/dream-forge-web-sub003/store"
	"github.com/jackg825/dream-forge-web-sub003/synthesis"
	"github.com/jackg825/dream-forge-web-sub003/types"
)

// ClientSource resolves provider identifiers to clients. Satisfied by
// *meshgen.Registry.
type ClientSource interface {
	Get(id string) (meshgen.Client, error)
}

// Config carries the pipeline policy knobs.
type Config struct {
	// MaxRegenerations caps free single-angle redos per pipeline.
	MaxRegenerations int `yaml:"max_regenerations" json:"max_regenerations"`
	// PreferredFormat is the download format requested from providers
	// when the caller did not pick one.
	PreferredFormat string `yaml:"preferred_format" json:"preferred_format"`
}

// DefaultConfig matches the product defaults.
func DefaultConfig() Config {
	return Config{MaxRegenerations: 3, PreferredFormat: "glb"}
}

// Deps wires the service. Poll is optional; Fetch defaults to an HTTP
// download and exists so tests can feed reference bytes directly.
type Deps struct {
	Store   store.Store
	Ledger  ledger.Ledger
	Clients ClientSource
	Synth   synthesis.Synthesizer
	Blobs   storage.BlobStore
	Poll    *cache.PollCache
	Logger  *zap.Logger
	Config  Config
	Fetch   func(ctx context.Context, url string) ([]byte, error)
}

// Service is the pipeline orchestrator.
type Service struct {
	store   store.Store
	ledger  ledger.Ledger
	clients ClientSource
	synth   synthesis.Synthesizer
	blobs   storage.BlobStore
	poll    *cache.PollCache
	logger  *zap.Logger
	cfg     Config
	fetch   func(ctx context.Context, url string) ([]byte, error)
}

func NewService(deps Deps) *Service {
	cfg := deps.Config
	if cfg.MaxRegenerations <= 0 {
		cfg.MaxRegenerations = DefaultConfig().MaxRegenerations
	}
	if cfg.PreferredFormat == "" {
		cfg.PreferredFormat = DefaultConfig().PreferredFormat
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fetch := deps.Fetch
	if fetch == nil {
		fetch = httpFetch
	}
	return &Service{
		store:   deps.Store,
		ledger:  deps.Ledger,
		clients: deps.Clients,
		synth:   deps.Synth,
		blobs:   deps.Blobs,
		poll:    deps.Poll,
		logger:  logger.With(zap.String("component", "pipeline")),
		cfg:     cfg,
		fetch:   fetch,
	}
}

// httpFetch downloads reference image bytes.
func httpFetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "build reference request").WithCause(err)
	}
	resp, err := tlsutil.SecureHTTPClient(2 * time.Minute).Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "download reference image").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, types.NewErrorf(types.ErrInternal, "reference image fetch returned %d", resp.StatusCode).WithRetryable(resp.StatusCode >= 500)
	}
	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)
	if _, err := io.Copy(buf, io.LimitReader(resp.Body, 32<<20)); err != nil {
		return nil, types.NewError(types.ErrInternal, "read reference image").WithCause(err).WithRetryable(true)
	}
	data := make([]byte, buf.Len())
	copy(data, buf.Bytes())
	return data, nil
}

// Create registers a new draft pipeline for the owner's input images.
func (s *Service) Create(ctx context.Context, ownerID string, inputs []types.ImageRef) (*types.PipelineRun, error) {
	if ownerID == "" {
		return nil, types.NewError(types.ErrUnauthenticated, "missing user identity")
	}
	if len(inputs) == 0 {
		return nil, types.NewError(types.ErrInvalidArgument, "at least one input image is required")
	}
	run := &types.PipelineRun{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Status:      types.StatusDraft,
		InputImages: inputs,
	}
	if err := s.store.Create(ctx, run); err != nil {
		return nil, err
	}
	s.logger.Info("pipeline created",
		zap.String("pipeline_id", run.ID),
		zap.String("owner_id", ownerID),
		zap.Int("input_images", len(inputs)))
	return run, nil
}

// Get loads a pipeline the caller owns.
func (s *Service) Get(ctx context.Context, userID, id string) (*types.PipelineRun, error) {
	return s.owned(ctx, userID, id)
}

// owned loads the run and enforces ownership.
func (s *Service) owned(ctx context.Context, userID, id string) (*types.PipelineRun, error) {
	if userID == "" {
		return nil, types.NewError(types.ErrUnauthenticated, "missing user identity")
	}
	run, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.OwnerID != userID {
		return nil, types.NewErrorf(types.ErrPermissionDenied, "pipeline %s belongs to another user", id)
	}
	return run, nil
}

// beginPaidStage runs the fixed paid-transition prologue: claim the
// status edge, debit the exact cost, persist the charge. On a debit
// failure the claim is rolled back and nothing is recorded.
func (s *Service) beginPaidStage(ctx context.Context, run *types.PipelineRun, pre store.StagePrecondition, inFlight types.Status, step types.Step, cost int64, reason string) error {
	prior, err := s.store.ClaimStage(ctx, run.ID, pre, inFlight)
	if err != nil {
		return err
	}
	if err := s.ledger.Debit(ctx, run.OwnerID, cost, run.ID, reason); err != nil {
		if relErr := s.store.ReleaseStage(ctx, run.ID, prior.Status, prior.ErrorStep, prior.ErrorMessage); relErr != nil {
			s.logger.Error("failed to release stage after debit failure",
				zap.String("pipeline_id", run.ID), zap.Error(relErr))
		}
		return err
	}
	if err := s.store.SetStageCharged(ctx, run.ID, step, cost); err != nil {
		// The debit exists but the charge did not persist. Refund and
		// surface the storage failure.
		s.refund(ctx, run.OwnerID, cost, run.ID, "storage failure recording charge")
		if relErr := s.store.ReleaseStage(ctx, run.ID, prior.Status, prior.ErrorStep, prior.ErrorMessage); relErr != nil {
			s.logger.Error("failed to release stage after charge persist failure",
				zap.String("pipeline_id", run.ID), zap.Error(relErr))
		}
		return err
	}
	return nil
}

// failPaidStage refunds the exact debit and transitions to failed with
// the stage recorded as errorStep.
func (s *Service) failPaidStage(ctx context.Context, run *types.PipelineRun, step types.Step, cost int64, cause error) {
	s.refund(ctx, run.OwnerID, cost, run.ID, fmt.Sprintf("%s stage failed before completion", step))
	if err := s.store.MarkFailed(ctx, run.ID, step, cause.Error(), true); err != nil {
		s.logger.Error("failed to mark pipeline failed",
			zap.String("pipeline_id", run.ID), zap.Error(err))
	}
	s.logger.Warn("paid stage failed, debit refunded",
		zap.String("pipeline_id", run.ID),
		zap.String("step", string(step)),
		zap.Int64("refunded", cost),
		zap.Error(cause))
}

func (s *Service) refund(ctx context.Context, userID string, amount int64, pipelineID, reason string) {
	if err := s.ledger.Refund(ctx, userID, amount, pipelineID, reason); err != nil {
		// Refund failures are loud: money is on the line and there is
		// no caller who can retry for us.
		s.logger.Error("refund failed",
			zap.String("user_id", userID),
			zap.String("pipeline_id", pipelineID),
			zap.Int64("amount", amount),
			zap.Error(err))
	}
}

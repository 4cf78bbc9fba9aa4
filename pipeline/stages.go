package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jackg825/dream-forge-web-sub003/meshcheck"
	"github.com/jackg825/dream-forge-web-sub003/meshgen"
	"github.com/jackg825/dream-forge-web-sub003/storage"
	"github.com/jackg825/dream-forge-web-sub003/store"
	"github.com/jackg825/dream-forge-web-sub003/synthesis"
	"github.com/jackg825/dream-forge-web-sub003/types"
)

// PollResult reports one poll observation together with the run as it
// stands after the poll was applied.
type PollResult struct {
	Run      *types.PipelineRun
	State    meshgen.TaskState
	Progress int
}

// StartImageGeneration runs the paid image stage: debit, synthesize
// all four angle views, upload them, aggregate the palettes, and land
// in images-ready. The stage is synchronous; generating-images is only
// visible to concurrent readers while the call runs.
func (s *Service) StartImageGeneration(ctx context.Context, userID, id string, onProgress synthesis.ProgressFunc) (*types.PipelineRun, error) {
	run, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if len(run.InputImages) == 0 {
		return nil, types.NewError(types.ErrFailedPrecondition, "pipeline has no input images")
	}

	cost := s.synth.CreditCost()
	pre := store.StagePrecondition{
		Statuses:  []types.Status{types.StatusDraft},
		RetryStep: types.StepImages,
	}
	if err := s.beginPaidStage(ctx, run, pre, types.StatusGeneratingImages, types.StepImages, cost, "four-angle image synthesis"); err != nil {
		return nil, err
	}

	reference, err := s.fetch(ctx, run.InputImages[0].URL)
	if err != nil {
		s.failPaidStage(ctx, run, types.StepImages, cost, err)
		return nil, err
	}

	result, err := s.synth.GenerateAllAngles(ctx, reference, http.DetectContentType(reference), onProgress)
	if err != nil {
		s.failPaidStage(ctx, run, types.StepImages, cost, err)
		return nil, err
	}

	images := make(map[types.Angle]types.ProcessedImage, len(types.CanonicalAngles))
	for _, angle := range types.CanonicalAngles {
		res := result.Angles[angle]
		if res == nil {
			err := types.NewErrorf(types.ErrInternal, "synthesis returned no %s view", angle)
			s.failPaidStage(ctx, run, types.StepImages, cost, err)
			return nil, err
		}
		path := storage.ArtifactPath(run.OwnerID, run.ID, storage.AngleArtifact(angle))
		url, err := s.blobs.PutBuffer(ctx, res.ImageBytes, path, res.MimeType)
		if err != nil {
			s.failPaidStage(ctx, run, types.StepImages, cost, err)
			return nil, err
		}
		images[angle] = types.ProcessedImage{
			URL:         url,
			StoragePath: path,
			Provenance:  types.ProvenanceSynthesized,
			GeneratedAt: time.Now().UTC(),
			Palette:     res.Palette,
		}
	}

	if err := s.store.SetMeshImages(ctx, run.ID, images, result.Aggregated, types.StatusImagesReady); err != nil {
		s.failPaidStage(ctx, run, types.StepImages, cost, err)
		return nil, err
	}

	s.logger.Info("angle views generated",
		zap.String("pipeline_id", run.ID),
		zap.Int64("credits", cost))
	return s.store.Get(ctx, run.ID)
}

// RegenerateAngle redoes one angle view for free, subject to the cap.
// Only legal while images-ready.
func (s *Service) RegenerateAngle(ctx context.Context, userID, id string, angle types.Angle, hint string) (*types.PipelineRun, error) {
	if !types.ValidAngle(angle) {
		return nil, types.NewErrorf(types.ErrInvalidArgument, "unknown angle %q", angle)
	}
	run, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if run.Status != types.StatusImagesReady {
		return nil, types.NewErrorf(types.ErrFailedPrecondition,
			"regeneration requires images-ready, pipeline is %s", run.Status)
	}
	if run.RegenerationsUsed >= s.cfg.MaxRegenerations {
		return nil, types.NewErrorf(types.ErrResourceExhausted,
			"regeneration limit of %d reached", s.cfg.MaxRegenerations)
	}

	reference, err := s.fetch(ctx, run.InputImages[0].URL)
	if err != nil {
		return nil, err
	}
	res, err := s.synth.GenerateAngleView(ctx, reference, http.DetectContentType(reference), angle, hint)
	if err != nil {
		return nil, err
	}

	path := storage.ArtifactPath(run.OwnerID, run.ID, storage.AngleArtifact(angle))
	url, err := s.blobs.PutBuffer(ctx, res.ImageBytes, path, res.MimeType)
	if err != nil {
		return nil, err
	}
	img := types.ProcessedImage{
		URL:         url,
		StoragePath: path,
		Provenance:  types.ProvenanceRegenerated,
		GeneratedAt: time.Now().UTC(),
		Palette:     res.Palette,
	}

	// Aggregate over the three untouched views plus the new one.
	palettes := make([][]types.PaletteColor, 0, len(types.CanonicalAngles))
	for _, a := range types.CanonicalAngles {
		if a == angle {
			palettes = append(palettes, res.Palette)
			continue
		}
		if existing, ok := run.MeshImages[a]; ok {
			palettes = append(palettes, existing.Palette)
		}
	}
	agg := synthesis.AggregatePalettes(palettes...)

	if err := s.store.ReplaceMeshImage(ctx, run.ID, angle, img, agg, s.cfg.MaxRegenerations); err != nil {
		return nil, err
	}
	s.logger.Info("angle view regenerated",
		zap.String("pipeline_id", run.ID),
		zap.String("angle", string(angle)))
	return s.store.Get(ctx, run.ID)
}

// StartMeshGeneration debits the provider's mesh cost and submits the
// four angle views as an external generation task.
func (s *Service) StartMeshGeneration(ctx context.Context, userID, id, provider string, opts types.MeshOptions) (*types.PipelineRun, error) {
	run, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	client, err := s.clients.Get(provider)
	if err != nil {
		return nil, err
	}
	if !run.HasAllAngles() {
		return nil, types.NewError(types.ErrFailedPrecondition, "all four angle views are required before mesh generation")
	}
	if opts.Format != "" && !client.Capabilities().SupportsFormat(opts.Format) {
		return nil, types.NewErrorf(types.ErrInvalidArgument,
			"provider %s does not emit %q", provider, opts.Format)
	}

	cost := meshgen.MeshCost[provider]
	pre := store.StagePrecondition{
		Statuses:  []types.Status{types.StatusImagesReady},
		RetryStep: types.StepMesh,
	}
	if err := s.beginPaidStage(ctx, run, pre, types.StatusGeneratingMesh, types.StepMesh, cost,
		fmt.Sprintf("mesh generation via %s", provider)); err != nil {
		return nil, err
	}

	taskID, err := client.Submit(ctx, &meshgen.SubmitRequest{
		ImageURLs: s.angleURLs(run),
		MimeType:  "image/png",
		Options:   opts,
	})
	if err != nil {
		s.failPaidStage(ctx, run, types.StepMesh, cost, err)
		return nil, err
	}

	if err := s.store.SetProviderTask(ctx, run.ID, provider, taskID, opts); err != nil {
		s.failPaidStage(ctx, run, types.StepMesh, cost, err)
		return nil, err
	}
	s.poll.Invalidate(ctx, provider, taskID)

	s.logger.Info("mesh task submitted",
		zap.String("pipeline_id", run.ID),
		zap.String("provider", provider),
		zap.String("task_id", taskID),
		zap.Int64("credits", cost))
	return s.store.Get(ctx, run.ID)
}

// PollMeshStatus checks the outstanding mesh task. A completed task is
// finalized inline: artifact downloaded, inspected, stored, status
// advanced, lifetime counter bumped. Provider-side failure transitions
// to failed without a refund; the stage was delivered to the provider.
func (s *Service) PollMeshStatus(ctx context.Context, userID, id string) (*PollResult, error) {
	run, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if run.Status != types.StatusGeneratingMesh {
		return nil, types.NewErrorf(types.ErrFailedPrecondition,
			"no mesh task in flight, pipeline is %s", run.Status)
	}
	return s.pollTask(ctx, run, types.StepMesh)
}

// StartTextureGeneration debits the flat texture cost and submits a
// retexture task against the stored mesh.
func (s *Service) StartTextureGeneration(ctx context.Context, userID, id string) (*types.PipelineRun, error) {
	run, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if run.MeshURL == "" || run.Provider == "" {
		return nil, types.NewError(types.ErrFailedPrecondition, "texture generation requires a completed mesh")
	}
	client, err := s.clients.Get(run.Provider)
	if err != nil {
		return nil, err
	}
	// PBR-less providers have no retexture endpoint.
	if !client.Capabilities().PBR {
		return nil, types.NewErrorf(types.ErrInvalidArgument,
			"provider %s does not support texturing", run.Provider)
	}

	pre := store.StagePrecondition{
		Statuses:  []types.Status{types.StatusMeshReady},
		RetryStep: types.StepTexture,
	}
	if err := s.beginPaidStage(ctx, run, pre, types.StatusGeneratingTexture, types.StepTexture, meshgen.TextureCost,
		fmt.Sprintf("texture generation via %s", run.Provider)); err != nil {
		return nil, err
	}

	taskID, err := client.Submit(ctx, &meshgen.SubmitRequest{
		Texture: true,
		MeshURL: s.textureSource(run),
		Options: run.ProviderOptions,
	})
	if err != nil {
		s.failPaidStage(ctx, run, types.StepTexture, meshgen.TextureCost, err)
		return nil, err
	}

	if err := s.store.SetProviderTask(ctx, run.ID, run.Provider, taskID, run.ProviderOptions); err != nil {
		s.failPaidStage(ctx, run, types.StepTexture, meshgen.TextureCost, err)
		return nil, err
	}
	s.poll.Invalidate(ctx, run.Provider, taskID)

	s.logger.Info("texture task submitted",
		zap.String("pipeline_id", run.ID),
		zap.String("provider", run.Provider),
		zap.String("task_id", taskID),
		zap.Int64("credits", meshgen.TextureCost))
	return s.store.Get(ctx, run.ID)
}

// PollTextureStatus checks the outstanding texture task.
func (s *Service) PollTextureStatus(ctx context.Context, userID, id string) (*PollResult, error) {
	run, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if run.Status != types.StatusGeneratingTexture {
		return nil, types.NewErrorf(types.ErrFailedPrecondition,
			"no texture task in flight, pipeline is %s", run.Status)
	}
	return s.pollTask(ctx, run, types.StepTexture)
}

// ResetToStep rolls the pipeline back to an earlier checkpoint.
func (s *Service) ResetToStep(ctx context.Context, userID, id string, target types.Status, keepResults bool) (*types.PipelineRun, error) {
	if err := validResetTarget(target); err != nil {
		return nil, err
	}
	run, err := s.owned(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if run.Status.InFlight() {
		return nil, types.NewErrorf(types.ErrFailedPrecondition,
			"cannot reset while %s is in flight", run.Status)
	}
	if err := s.store.ResetToStep(ctx, run.ID, target, keepResults); err != nil {
		return nil, err
	}
	s.logger.Info("pipeline reset",
		zap.String("pipeline_id", run.ID),
		zap.String("target", string(target)),
		zap.Bool("keep_results", keepResults))
	return s.store.Get(ctx, run.ID)
}

func validResetTarget(target types.Status) error {
	switch target {
	case types.StatusDraft, types.StatusImagesReady, types.StatusMeshReady:
		return nil
	}
	return types.NewErrorf(types.ErrInvalidArgument, "invalid reset target %q", target)
}

// pollTask polls the provider once and applies the observation. The
// poll cache absorbs bursts; terminal observations always mutate the
// run before returning.
func (s *Service) pollTask(ctx context.Context, run *types.PipelineRun, step types.Step) (*PollResult, error) {
	if run.ProviderTaskID == "" {
		// A crash between the debit and the provider submission leaves
		// the claim held with nothing to poll. Refund the recorded
		// charge and fail the stage so the normal retry path re-opens.
		if charged := run.CreditsCharged.ForStep(step); charged > 0 {
			s.refund(ctx, run.OwnerID, charged, run.ID,
				fmt.Sprintf("%s stage interrupted before provider submission", step))
		}
		if err := s.store.MarkFailed(ctx, run.ID, step, "interrupted before provider submission", true); err != nil {
			return nil, err
		}
		s.logger.Warn("recovered stage stranded without a provider task",
			zap.String("pipeline_id", run.ID),
			zap.String("step", string(step)))
		updated, err := s.store.Get(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		return &PollResult{Run: updated, State: meshgen.TaskFailed}, nil
	}
	client, err := s.clients.Get(run.Provider)
	if err != nil {
		return nil, err
	}

	status, cached := s.poll.GetTaskStatus(ctx, run.Provider, run.ProviderTaskID)
	if !cached {
		status, err = client.PollStatus(ctx, run.ProviderTaskID)
		if err != nil {
			return nil, err
		}
		s.poll.PutTaskStatus(ctx, run.Provider, run.ProviderTaskID, status)
	}

	switch status.State {
	case meshgen.TaskFailed:
		msg := status.Error
		if msg == "" {
			msg = fmt.Sprintf("provider %s reported the task failed", run.Provider)
		}
		if err := s.store.MarkFailed(ctx, run.ID, step, msg, false); err != nil {
			return nil, err
		}
	case meshgen.TaskCompleted:
		if err := s.finalizeTask(ctx, run, client, step); err != nil {
			return nil, err
		}
	}

	updated, err := s.store.Get(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	return &PollResult{Run: updated, State: status.State, Progress: status.Progress}, nil
}

// finalizeTask downloads the completed artifact and advances status.
// Errors here leave the run in its generating state so the next poll
// can retry the download.
func (s *Service) finalizeTask(ctx context.Context, run *types.PipelineRun, client meshgen.Client, step types.Step) error {
	preferred := run.ProviderOptions.Format
	if preferred == "" {
		preferred = s.cfg.PreferredFormat
	}
	links, err := client.FetchDownloadLinks(ctx, run.ProviderTaskID, preferred)
	if err != nil {
		return err
	}
	link, ok := meshgen.BestLink(links, preferred)
	if !ok {
		return types.NewErrorf(types.ErrInternal, "provider %s returned no downloadable artifacts", run.Provider)
	}
	data, err := client.FetchBytes(ctx, link.URL)
	if err != nil {
		return err
	}

	switch step {
	case types.StepMesh:
		var report *types.PrintabilityReport
		if meshcheck.Supported(link.Format) {
			report, err = meshcheck.Analyze(data)
			if err != nil {
				s.logger.Warn("mesh inspection failed",
					zap.String("pipeline_id", run.ID), zap.Error(err))
				report = nil
			}
		}
		path := storage.ArtifactPath(run.OwnerID, run.ID, "model."+link.Format)
		url, err := s.blobs.PutBuffer(ctx, data, path, artifactMime(link.Format))
		if err != nil {
			return err
		}
		err = s.store.SetMeshResult(ctx, run.ID, url, path, link.Format, report,
			types.StatusGeneratingMesh, types.StatusMeshReady)
		if err != nil {
			// A concurrent poll finalized first; its advance already
			// counted the generation.
			if types.GetErrorCode(err) == types.ErrFailedPrecondition {
				return nil
			}
			return err
		}
		if err := s.ledger.IncrementGenerations(ctx, run.OwnerID); err != nil {
			s.logger.Error("failed to bump generation counter",
				zap.String("user_id", run.OwnerID), zap.Error(err))
		}
		s.logger.Info("mesh artifact stored",
			zap.String("pipeline_id", run.ID),
			zap.String("format", link.Format))
	case types.StepTexture:
		path := storage.ArtifactPath(run.OwnerID, run.ID, "textured."+link.Format)
		url, err := s.blobs.PutBuffer(ctx, data, path, artifactMime(link.Format))
		if err != nil {
			return err
		}
		err = s.store.SetTextureResult(ctx, run.ID, url, path, link.Format,
			types.StatusGeneratingTexture, types.StatusCompleted)
		if err != nil {
			if types.GetErrorCode(err) == types.ErrFailedPrecondition {
				return nil
			}
			return err
		}
		s.logger.Info("textured model stored",
			zap.String("pipeline_id", run.ID),
			zap.String("format", link.Format))
	}
	return nil
}

// angleURLs returns the stored view URLs in canonical order.
func (s *Service) angleURLs(run *types.PipelineRun) []string {
	urls := make([]string, 0, len(types.CanonicalAngles))
	for _, angle := range types.CanonicalAngles {
		if img, ok := run.MeshImages[angle]; ok {
			urls = append(urls, img.URL)
		}
	}
	return urls
}

// textureSource picks the reference a retexture task operates on.
// Providers that key retexture off the original task accept the task
// id; the mesh URL covers the rest.
func (s *Service) textureSource(run *types.PipelineRun) string {
	switch run.Provider {
	case meshgen.ProviderMeshy, meshgen.ProviderTripo:
		return run.ProviderTaskID
	}
	return run.MeshURL
}

func artifactMime(format string) string {
	switch format {
	case "glb":
		return "model/gltf-binary"
	case "obj":
		return "model/obj"
	case "stl":
		return "model/stl"
	case "fbx":
		return "application/octet-stream"
	case "usdz":
		return "model/vnd.usdz+zip"
	}
	return "application/octet-stream"
}

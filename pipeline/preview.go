package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jackg825/dream-forge-web-sub003/meshgen"
	"github.com/jackg825/dream-forge-web-sub003/storage"
	"github.com/jackg825/dream-forge-web-sub003/store"
	"github.com/jackg825/dream-forge-web-sub003/types"
)

// Operator preview overlay. Everything here is free, writes only to
// adminPreview fields, never touches status, and appends an audit
// entry per action.

// RegeneratePreviewAngle synthesizes one angle view into the preview
// overlay. Production meshImages are untouched until Confirm.
func (s *Service) RegeneratePreviewAngle(ctx context.Context, adminID, id string, angle types.Angle, hint string) (*types.PipelineRun, error) {
	if !types.ValidAngle(angle) {
		return nil, types.NewErrorf(types.ErrInvalidArgument, "unknown angle %q", angle)
	}
	run, err := s.adminLoad(ctx, adminID, id)
	if err != nil {
		return nil, err
	}
	if len(run.InputImages) == 0 {
		return nil, types.NewError(types.ErrFailedPrecondition, "pipeline has no input images")
	}

	reference, err := s.fetch(ctx, run.InputImages[0].URL)
	if err != nil {
		return nil, err
	}
	res, err := s.synth.GenerateAngleView(ctx, reference, http.DetectContentType(reference), angle, hint)
	if err != nil {
		return nil, err
	}

	path := storage.PreviewArtifactPath(run.OwnerID, run.ID, storage.AngleArtifact(angle))
	url, err := s.blobs.PutBuffer(ctx, res.ImageBytes, path, res.MimeType)
	if err != nil {
		return nil, err
	}
	img := types.ProcessedImage{
		URL:         url,
		StoragePath: path,
		Provenance:  types.ProvenanceAdminPreview,
		GeneratedAt: time.Now().UTC(),
		Palette:     res.Palette,
	}
	if err := s.store.SetPreviewMeshImage(ctx, run.ID, angle, img); err != nil {
		return nil, err
	}

	s.audit(ctx, run, types.AdminAction{
		AdminID:       adminID,
		Action:        types.AdminActionRegeneratePreview,
		TargetField:   "meshImages." + string(angle),
		PreviousValue: previousAngleURL(run, angle),
	})
	return s.store.Get(ctx, run.ID)
}

// RestartPreviewMesh submits a fresh mesh task, possibly under a
// different provider, recording it in the preview overlay only.
func (s *Service) RestartPreviewMesh(ctx context.Context, adminID, id, provider string, opts types.MeshOptions) (*types.PipelineRun, error) {
	run, err := s.adminLoad(ctx, adminID, id)
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

	taskID, err := client.Submit(ctx, &meshgen.SubmitRequest{
		ImageURLs: s.angleURLs(run),
		MimeType:  "image/png",
		Options:   opts,
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.SetPreviewMeshTask(ctx, run.ID, provider, taskID); err != nil {
		return nil, err
	}
	s.poll.Invalidate(ctx, provider, taskID)

	s.audit(ctx, run, types.AdminAction{
		AdminID:       adminID,
		Action:        types.AdminActionRestartMesh,
		TargetField:   "meshUrl",
		PreviousValue: previousMeshValue(run),
	})
	s.logger.Info("preview mesh task submitted",
		zap.String("pipeline_id", run.ID),
		zap.String("provider", provider),
		zap.String("task_id", taskID),
		zap.String("admin_id", adminID))
	return s.store.Get(ctx, run.ID)
}

// PollPreviewMesh checks the preview mesh task and stores its artifact
// in the preview overlay when complete.
func (s *Service) PollPreviewMesh(ctx context.Context, adminID, id string) (*PollResult, error) {
	run, err := s.adminLoad(ctx, adminID, id)
	if err != nil {
		return nil, err
	}
	preview := run.AdminPreview
	if preview == nil || preview.ProviderTaskID == "" {
		return nil, types.NewError(types.ErrFailedPrecondition, "no preview mesh task in flight")
	}
	client, err := s.clients.Get(preview.Provider)
	if err != nil {
		return nil, err
	}

	status, cached := s.poll.GetTaskStatus(ctx, preview.Provider, preview.ProviderTaskID)
	if !cached {
		status, err = client.PollStatus(ctx, preview.ProviderTaskID)
		if err != nil {
			return nil, err
		}
		s.poll.PutTaskStatus(ctx, preview.Provider, preview.ProviderTaskID, status)
	}

	if status.State == meshgen.TaskCompleted && preview.MeshURL == "" {
		if err := s.finalizePreviewMesh(ctx, run, client, preview); err != nil {
			return nil, err
		}
	}

	updated, err := s.store.Get(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	return &PollResult{Run: updated, State: status.State, Progress: status.Progress}, nil
}

func (s *Service) finalizePreviewMesh(ctx context.Context, run *types.PipelineRun, client meshgen.Client, preview *types.AdminPreview) error {
	preferred := s.cfg.PreferredFormat
	links, err := client.FetchDownloadLinks(ctx, preview.ProviderTaskID, preferred)
	if err != nil {
		return err
	}
	link, ok := meshgen.BestLink(links, preferred)
	if !ok {
		return types.NewErrorf(types.ErrInternal, "provider %s returned no downloadable artifacts", preview.Provider)
	}
	data, err := client.FetchBytes(ctx, link.URL)
	if err != nil {
		return err
	}
	path := storage.PreviewArtifactPath(run.OwnerID, run.ID, "model."+link.Format)
	url, err := s.blobs.PutBuffer(ctx, data, path, artifactMime(link.Format))
	if err != nil {
		return err
	}
	return s.store.SetPreviewMeshArtifact(ctx, run.ID, url, path, link.Format)
}

// ConfirmPreview promotes one preview field into production and
// removes it, atomically.
func (s *Service) ConfirmPreview(ctx context.Context, adminID, id string, field store.PreviewField) (*types.PipelineRun, error) {
	if !field.Valid() {
		return nil, types.NewErrorf(types.ErrInvalidArgument, "unknown preview field %q", field)
	}
	run, err := s.adminLoad(ctx, adminID, id)
	if err != nil {
		return nil, err
	}

	previous := previousProductionValue(run, field)
	if err := s.store.PromotePreview(ctx, run.ID, field); err != nil {
		return nil, err
	}
	s.audit(ctx, run, types.AdminAction{
		AdminID:       adminID,
		Action:        types.AdminActionConfirm,
		TargetField:   string(field),
		PreviousValue: previous,
	})
	s.logger.Info("preview confirmed",
		zap.String("pipeline_id", run.ID),
		zap.String("field", string(field)),
		zap.String("admin_id", adminID))
	return s.store.Get(ctx, run.ID)
}

// RejectPreview discards one preview field, or the whole overlay when
// all is set.
func (s *Service) RejectPreview(ctx context.Context, adminID, id string, field store.PreviewField, all bool) (*types.PipelineRun, error) {
	if !all && !field.Valid() {
		return nil, types.NewErrorf(types.ErrInvalidArgument, "unknown preview field %q", field)
	}
	run, err := s.adminLoad(ctx, adminID, id)
	if err != nil {
		return nil, err
	}

	target := string(field)
	if all {
		target = "*"
	}
	if err := s.store.RejectPreview(ctx, run.ID, field, all); err != nil {
		return nil, err
	}
	s.audit(ctx, run, types.AdminAction{
		AdminID:     adminID,
		Action:      types.AdminActionReject,
		TargetField: target,
	})
	return s.store.Get(ctx, run.ID)
}

// AdminResetToStep is the operator variant of ResetToStep: no
// ownership requirement, and the rollback lands in the audit trail.
func (s *Service) AdminResetToStep(ctx context.Context, adminID, id string, target types.Status, keepResults bool) (*types.PipelineRun, error) {
	if err := validResetTarget(target); err != nil {
		return nil, err
	}
	run, err := s.adminLoad(ctx, adminID, id)
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
	s.audit(ctx, run, types.AdminAction{
		AdminID:       adminID,
		Action:        types.AdminActionReset,
		TargetField:   "status",
		PreviousValue: string(run.Status),
	})
	return s.store.Get(ctx, run.ID)
}

// adminLoad loads a run for an operator without the ownership check.
func (s *Service) adminLoad(ctx context.Context, adminID, id string) (*types.PipelineRun, error) {
	if adminID == "" {
		return nil, types.NewError(types.ErrUnauthenticated, "missing operator identity")
	}
	return s.store.Get(ctx, id)
}

func (s *Service) audit(ctx context.Context, run *types.PipelineRun, action types.AdminAction) {
	action.Timestamp = time.Now().UTC()
	if err := s.store.AppendAdminAction(ctx, run.ID, action); err != nil {
		s.logger.Error("failed to append audit entry",
			zap.String("pipeline_id", run.ID),
			zap.String("action", string(action.Action)),
			zap.Error(err))
	}
}

func previousAngleURL(run *types.PipelineRun, angle types.Angle) string {
	if run.AdminPreview != nil {
		if img, ok := run.AdminPreview.MeshImages[angle]; ok {
			return img.URL
		}
	}
	if img, ok := run.MeshImages[angle]; ok {
		return img.URL
	}
	return ""
}

func previousMeshValue(run *types.PipelineRun) string {
	if run.AdminPreview != nil && run.AdminPreview.ProviderTaskID != "" {
		return fmt.Sprintf("%s/%s", run.AdminPreview.Provider, run.AdminPreview.ProviderTaskID)
	}
	if run.ProviderTaskID != "" {
		return fmt.Sprintf("%s/%s", run.Provider, run.ProviderTaskID)
	}
	return ""
}

func previousProductionValue(run *types.PipelineRun, field store.PreviewField) string {
	if angle, ok := field.Angle(); ok {
		if img, exists := run.MeshImages[angle]; exists {
			return img.URL
		}
		return ""
	}
	return run.MeshURL
}

package store

import (
	"context"
	"sync"
	"time"

	"github.com/jackg825/dream-forge-web-sub003/types"
)

// MemoryStore is an in-process Store with the same guard semantics as
// MongoStore. Used by tests and by local development without a
// database.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string]*types.PipelineRun
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*types.PipelineRun)}
}

func (s *MemoryStore) Create(_ context.Context, run *types.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return types.NewErrorf(types.ErrInvalidArgument, "pipeline %s already exists", run.ID)
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	s.runs[run.ID] = cloneRun(run)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*types.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, errNotFound(id)
	}
	return cloneRun(run), nil
}

func (s *MemoryStore) ClaimStage(_ context.Context, id string, pre StagePrecondition, to types.Status) (*types.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, errNotFound(id)
	}
	if !pre.Admits(run) {
		return nil, errLostRace(id)
	}
	prior := cloneRun(run)
	run.Status = to
	run.ErrorStep = ""
	run.ErrorMessage = ""
	run.UpdatedAt = time.Now().UTC()
	return prior, nil
}

func (s *MemoryStore) ReleaseStage(_ context.Context, id string, back types.Status, errorStep types.Step, errorMessage string) error {
	return s.mutate(id, func(run *types.PipelineRun) error {
		run.Status = back
		run.ErrorStep = errorStep
		run.ErrorMessage = errorMessage
		return nil
	})
}

func (s *MemoryStore) SetStageCharged(_ context.Context, id string, step types.Step, amount int64) error {
	return s.mutate(id, func(run *types.PipelineRun) error {
		setCharge(&run.CreditsCharged, step, amount)
		return nil
	})
}

func (s *MemoryStore) SetProviderTask(_ context.Context, id, provider, taskID string, opts types.MeshOptions) error {
	return s.mutate(id, func(run *types.PipelineRun) error {
		run.Provider = provider
		run.ProviderTaskID = taskID
		run.ProviderOptions = opts
		return nil
	})
}

func (s *MemoryStore) MarkFailed(_ context.Context, id string, step types.Step, message string, zeroCharge bool) error {
	return s.mutate(id, func(run *types.PipelineRun) error {
		run.Status = types.StatusFailed
		run.ErrorStep = step
		run.ErrorMessage = message
		if zeroCharge {
			setCharge(&run.CreditsCharged, step, 0)
		}
		return nil
	})
}

func (s *MemoryStore) SetMeshImages(_ context.Context, id string, images map[types.Angle]types.ProcessedImage, agg *types.AggregatedPalette, newStatus types.Status) error {
	return s.mutate(id, func(run *types.PipelineRun) error {
		run.MeshImages = cloneImages(images)
		run.AggregatedColorPalette = agg
		run.Status = newStatus
		return nil
	})
}

func (s *MemoryStore) ReplaceMeshImage(_ context.Context, id string, angle types.Angle, img types.ProcessedImage, agg *types.AggregatedPalette, maxRegenerations int) error {
	return s.mutate(id, func(run *types.PipelineRun) error {
		if run.RegenerationsUsed >= maxRegenerations {
			return types.NewErrorf(types.ErrResourceExhausted, "regeneration limit of %d reached", maxRegenerations)
		}
		if run.Status != types.StatusImagesReady {
			return errLostRace(id)
		}
		if run.MeshImages == nil {
			run.MeshImages = make(map[types.Angle]types.ProcessedImage)
		}
		run.MeshImages[angle] = img
		run.AggregatedColorPalette = agg
		run.RegenerationsUsed++
		return nil
	})
}

func (s *MemoryStore) SetMeshResult(_ context.Context, id, url, path, format string, report *types.PrintabilityReport, from, to types.Status) error {
	return s.mutate(id, func(run *types.PipelineRun) error {
		if run.Status != from {
			return errLostRace(id)
		}
		run.MeshURL = url
		run.MeshPath = path
		run.MeshFormat = format
		if report != nil {
			run.PrintReport = report
		}
		run.Status = to
		return nil
	})
}

func (s *MemoryStore) SetTextureResult(_ context.Context, id, url, path, format string, from, to types.Status) error {
	return s.mutate(id, func(run *types.PipelineRun) error {
		if run.Status != from {
			return errLostRace(id)
		}
		run.TexturedModelURL = url
		run.TexturedModelPath = path
		run.TexturedModelFormat = format
		run.Status = to
		return nil
	})
}

func (s *MemoryStore) ResetToStep(_ context.Context, id string, target types.Status, keepResults bool) error {
	return s.mutate(id, func(run *types.PipelineRun) error {
		if run.Status.InFlight() {
			return errLostRace(id)
		}
		run.Status = target
		run.ErrorStep = ""
		run.ErrorMessage = ""
		if keepResults {
			return nil
		}
		switch target {
		case types.StatusDraft:
			run.MeshImages = nil
			run.AggregatedColorPalette = nil
			run.RegenerationsUsed = 0
			run.CreditsCharged.Views = 0
			fallthrough
		case types.StatusImagesReady:
			run.Provider = ""
			run.ProviderTaskID = ""
			run.ProviderOptions = types.MeshOptions{}
			run.MeshURL = ""
			run.MeshPath = ""
			run.MeshFormat = ""
			run.PrintReport = nil
			run.CreditsCharged.Mesh = 0
			fallthrough
		case types.StatusMeshReady:
			run.TexturedModelURL = ""
			run.TexturedModelPath = ""
			run.TexturedModelFormat = ""
			run.CreditsCharged.Texture = 0
		}
		return nil
	})
}

func (s *MemoryStore) SetPreviewMeshImage(_ context.Context, id string, angle types.Angle, img types.ProcessedImage) error {
	return s.mutate(id, func(run *types.PipelineRun) error {
		p := ensurePreview(run)
		if p.MeshImages == nil {
			p.MeshImages = make(map[types.Angle]types.ProcessedImage)
		}
		p.MeshImages[angle] = img
		return nil
	})
}

func (s *MemoryStore) SetPreviewMeshTask(_ context.Context, id, provider, taskID string) error {
	return s.mutate(id, func(run *types.PipelineRun) error {
		p := ensurePreview(run)
		p.Provider = provider
		p.ProviderTaskID = taskID
		return nil
	})
}

func (s *MemoryStore) SetPreviewMeshArtifact(_ context.Context, id, url, path, format string) error {
	return s.mutate(id, func(run *types.PipelineRun) error {
		p := ensurePreview(run)
		p.MeshURL = url
		p.MeshPath = path
		p.MeshFormat = format
		return nil
	})
}

func (s *MemoryStore) PromotePreview(_ context.Context, id string, field PreviewField) error {
	return s.mutate(id, func(run *types.PipelineRun) error {
		p := run.AdminPreview
		if angle, ok := field.Angle(); ok {
			if p == nil {
				return noPreview(field)
			}
			img, ok := p.MeshImages[angle]
			if !ok {
				return noPreview(field)
			}
			if run.MeshImages == nil {
				run.MeshImages = make(map[types.Angle]types.ProcessedImage)
			}
			run.MeshImages[angle] = img
			delete(p.MeshImages, angle)
			return nil
		}
		if p == nil || p.MeshURL == "" {
			return noPreview(field)
		}
		run.MeshURL = p.MeshURL
		run.MeshPath = p.MeshPath
		run.MeshFormat = p.MeshFormat
		run.Provider = p.Provider
		run.ProviderTaskID = p.ProviderTaskID
		p.MeshURL, p.MeshPath, p.MeshFormat = "", "", ""
		p.Provider, p.ProviderTaskID = "", ""
		return nil
	})
}

func (s *MemoryStore) RejectPreview(_ context.Context, id string, field PreviewField, all bool) error {
	return s.mutate(id, func(run *types.PipelineRun) error {
		if all {
			run.AdminPreview = nil
			return nil
		}
		p := run.AdminPreview
		if p == nil {
			return nil
		}
		if angle, ok := field.Angle(); ok {
			delete(p.MeshImages, angle)
			return nil
		}
		p.MeshURL, p.MeshPath, p.MeshFormat = "", "", ""
		p.Provider, p.ProviderTaskID = "", ""
		return nil
	})
}

func (s *MemoryStore) AppendAdminAction(_ context.Context, id string, action types.AdminAction) error {
	return s.mutate(id, func(run *types.PipelineRun) error {
		run.AdminActions = append(run.AdminActions, action)
		return nil
	})
}

func (s *MemoryStore) CountByStatus(_ context.Context, status types.Status) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, run := range s.runs {
		if run.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) mutate(id string, fn func(run *types.PipelineRun) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return errNotFound(id)
	}
	if err := fn(run); err != nil {
		return err
	}
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func ensurePreview(run *types.PipelineRun) *types.AdminPreview {
	if run.AdminPreview == nil {
		run.AdminPreview = &types.AdminPreview{}
	}
	return run.AdminPreview
}

func noPreview(field PreviewField) error {
	return types.NewErrorf(types.ErrFailedPrecondition, "no preview exists for field %q", field)
}

func setCharge(c *types.CreditsCharged, step types.Step, amount int64) {
	switch step {
	case types.StepImages:
		c.Views = amount
	case types.StepMesh:
		c.Mesh = amount
	case types.StepTexture:
		c.Texture = amount
	}
}

func cloneRun(run *types.PipelineRun) *types.PipelineRun {
	out := *run
	out.InputImages = append([]types.ImageRef(nil), run.InputImages...)
	out.MeshImages = cloneImages(run.MeshImages)
	out.AdminActions = append([]types.AdminAction(nil), run.AdminActions...)
	if run.AggregatedColorPalette != nil {
		agg := *run.AggregatedColorPalette
		agg.Unified = append([]types.PaletteColor(nil), run.AggregatedColorPalette.Unified...)
		agg.DominantColors = append([]string(nil), run.AggregatedColorPalette.DominantColors...)
		out.AggregatedColorPalette = &agg
	}
	if run.PrintReport != nil {
		report := *run.PrintReport
		report.Issues = append([]string(nil), run.PrintReport.Issues...)
		report.Recommendations = append([]string(nil), run.PrintReport.Recommendations...)
		out.PrintReport = &report
	}
	if run.AdminPreview != nil {
		p := *run.AdminPreview
		p.MeshImages = cloneImages(run.AdminPreview.MeshImages)
		out.AdminPreview = &p
	}
	return &out
}

func cloneImages(in map[types.Angle]types.ProcessedImage) map[types.Angle]types.ProcessedImage {
	if in == nil {
		return nil
	}
	out := make(map[types.Angle]types.ProcessedImage, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ Store = (*MemoryStore)(nil)

package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/jackg825/dream-forge-web-sub003/api"
	"github.com/jackg825/dream-forge-web-sub003/internal/ctxkeys"
	"github.com/jackg825/dream-forge-web-sub003/pipeline"
	"github.com/jackg825/dream-forge-web-sub003/types"
)

// PipelineHandler exposes the generation pipeline over HTTP. Every
// route reads the authenticated user from the request context and the
// pipeline id from the path, so ownership checks happen in the service
// layer on every call.
type PipelineHandler struct {
	svc    *pipeline.Service
	logger *zap.Logger
}

// NewPipelineHandler creates a pipeline handler.
func NewPipelineHandler(svc *pipeline.Service, logger *zap.Logger) *PipelineHandler {
	return &PipelineHandler{svc: svc, logger: logger}
}

// requireUser extracts the authenticated user id or writes a 401.
func requireUser(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (string, bool) {
	userID, ok := ctxkeys.UserID(r.Context())
	if !ok {
		WriteError(w, types.NewError(types.ErrUnauthenticated, "authentication required"), logger)
		return "", false
	}
	return userID, true
}

// HandleCreate creates a new pipeline in draft from uploaded photos.
func (h *PipelineHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r, h.logger)
	if !ok {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.CreatePipelineRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if len(req.InputImages) == 0 {
		WriteError(w, types.NewError(types.ErrInvalidArgument, "at least one input image is required"), h.logger)
		return
	}

	inputs := make([]types.ImageRef, 0, len(req.InputImages))
	for _, img := range req.InputImages {
		if img.URL == "" {
			WriteError(w, types.NewError(types.ErrInvalidArgument, "input image url must not be empty"), h.logger)
			return
		}
		inputs = append(inputs, types.ImageRef{URL: img.URL, StoragePath: img.StoragePath})
	}

	run, err := h.svc.Create(r.Context(), userID, inputs)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("pipeline created",
		zap.String("pipeline_id", run.ID),
		zap.String("user_id", userID),
		zap.Int("input_images", len(inputs)))
	WriteJSON(w, http.StatusCreated, run)
}

// HandleGet returns the full pipeline document. This is the polling
// surface clients refresh while a stage runs.
func (h *PipelineHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r, h.logger)
	if !ok {
		return
	}

	run, err := h.svc.Get(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, run)
}

// HandleGenerateImages runs the paid image stage synchronously and
// responds with the pipeline in images-ready.
func (h *PipelineHandler) HandleGenerateImages(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r, h.logger)
	if !ok {
		return
	}

	run, err := h.svc.StartImageGeneration(r.Context(), userID, r.PathValue("id"), nil)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, run)
}

// HandleRegenerateAngle redoes one angle view for free, up to the
// per-pipeline cap.
func (h *PipelineHandler) HandleRegenerateAngle(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r, h.logger)
	if !ok {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.RegenerateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	angle := types.Angle(req.Angle)
	if !types.ValidAngle(angle) {
		WriteError(w, types.NewError(types.ErrInvalidArgument, "angle must be one of front, back, left, right"), h.logger)
		return
	}

	run, err := h.svc.RegenerateAngle(r.Context(), userID, r.PathValue("id"), angle, req.Hint)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, run)
}

// HandleGenerateMesh submits the mesh task to the chosen provider.
func (h *PipelineHandler) HandleGenerateMesh(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r, h.logger)
	if !ok {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.MeshRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.Provider == "" {
		WriteError(w, types.NewError(types.ErrInvalidArgument, "provider is required"), h.logger)
		return
	}

	opts := types.MeshOptions{
		Format:            req.Format,
		EnablePBR:         req.EnablePBR,
		TextureResolution: req.TextureResolution,
	}
	run, err := h.svc.StartMeshGeneration(r.Context(), userID, r.PathValue("id"), req.Provider, opts)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, run)
}

// HandlePollMesh advances the in-flight mesh task by one poll.
func (h *PipelineHandler) HandlePollMesh(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r, h.logger)
	if !ok {
		return
	}

	res, err := h.svc.PollMeshStatus(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, pollResponse(res))
}

// HandleGenerateTexture submits the optional texture pass.
func (h *PipelineHandler) HandleGenerateTexture(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r, h.logger)
	if !ok {
		return
	}

	run, err := h.svc.StartTextureGeneration(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, run)
}

// HandlePollTexture advances the in-flight texture task by one poll.
func (h *PipelineHandler) HandlePollTexture(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r, h.logger)
	if !ok {
		return
	}

	res, err := h.svc.PollTextureStatus(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, pollResponse(res))
}

// HandleReset rolls the pipeline back to an earlier step, refunding
// or preserving downstream work according to the request.
func (h *PipelineHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r, h.logger)
	if !ok {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ResetRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	target, err := parseResetTarget(req.Target)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	run, svcErr := h.svc.ResetToStep(r.Context(), userID, r.PathValue("id"), target, req.KeepResults)
	if svcErr != nil {
		WriteServiceError(w, svcErr, h.logger)
		return
	}
	WriteSuccess(w, run)
}

// parseResetTarget restricts reset to the three stable statuses.
func parseResetTarget(target string) (types.Status, *types.Error) {
	switch types.Status(target) {
	case types.StatusDraft, types.StatusImagesReady, types.StatusMeshReady:
		return types.Status(target), nil
	}
	return "", types.NewError(types.ErrInvalidArgument, "target must be one of draft, images-ready, mesh-ready")
}

func pollResponse(res *pipeline.PollResult) api.PollResponse {
	return api.PollResponse{
		Pipeline: res.Run,
		State:    string(res.State),
		Progress: res.Progress,
	}
}

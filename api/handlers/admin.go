package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/jackg825/dream-forge-web-sub003/api"
	"github.com/jackg825/dream-forge-web-sub003/internal/ctxkeys"
	"github.com/jackg825/dream-forge-web-sub003/ledger"
	"github.com/jackg825/dream-forge-web-sub003/pipeline"
	"github.com/jackg825/dream-forge-web-sub003/store"
	"github.com/jackg825/dream-forge-web-sub003/types"
)

// AdminHandler exposes the operator surface: the preview overlay,
// cross-user resets and credit grants. Every mutation is audited by
// the service layer with the acting operator's id.
type AdminHandler struct {
	svc    *pipeline.Service
	ledger ledger.Ledger
	logger *zap.Logger
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(svc *pipeline.Service, l ledger.Ledger, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{svc: svc, ledger: l, logger: logger}
}

// requireAdmin extracts the operator id or writes a 403.
func requireAdmin(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (string, bool) {
	adminID, ok := ctxkeys.AdminID(r.Context())
	if !ok {
		WriteError(w, types.NewError(types.ErrPermissionDenied, "operator access required"), logger)
		return "", false
	}
	return adminID, true
}

// HandlePreviewRegenerate regenerates one angle into the preview
// overlay. Free and invisible to the owner's production views.
func (h *AdminHandler) HandlePreviewRegenerate(w http.ResponseWriter, r *http.Request) {
	adminID, ok := requireAdmin(w, r, h.logger)
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

	run, err := h.svc.RegeneratePreviewAngle(r.Context(), adminID, r.PathValue("id"), angle, req.Hint)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, run)
}

// HandlePreviewMesh restarts mesh generation into the preview overlay.
func (h *AdminHandler) HandlePreviewMesh(w http.ResponseWriter, r *http.Request) {
	adminID, ok := requireAdmin(w, r, h.logger)
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
	run, err := h.svc.RestartPreviewMesh(r.Context(), adminID, r.PathValue("id"), req.Provider, opts)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, run)
}

// HandlePreviewMeshStatus advances the in-flight preview mesh task.
func (h *AdminHandler) HandlePreviewMeshStatus(w http.ResponseWriter, r *http.Request) {
	adminID, ok := requireAdmin(w, r, h.logger)
	if !ok {
		return
	}

	res, err := h.svc.PollPreviewMesh(r.Context(), adminID, r.PathValue("id"))
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, pollResponse(res))
}

// HandlePreviewConfirm promotes one preview field into production.
func (h *AdminHandler) HandlePreviewConfirm(w http.ResponseWriter, r *http.Request) {
	adminID, ok := requireAdmin(w, r, h.logger)
	if !ok {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ConfirmPreviewRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	field := store.PreviewField(req.Field)
	if !field.Valid() {
		WriteError(w, types.NewError(types.ErrInvalidArgument, "field must be one of front, back, left, right, mesh"), h.logger)
		return
	}

	run, err := h.svc.ConfirmPreview(r.Context(), adminID, r.PathValue("id"), field)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, run)
}

// HandlePreviewReject discards preview fields.
func (h *AdminHandler) HandlePreviewReject(w http.ResponseWriter, r *http.Request) {
	adminID, ok := requireAdmin(w, r, h.logger)
	if !ok {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.RejectPreviewRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	field := store.PreviewField(req.Field)
	if !req.All {
		if !field.Valid() {
			WriteError(w, types.NewError(types.ErrInvalidArgument, "field must be one of front, back, left, right, mesh"), h.logger)
			return
		}
	}

	run, err := h.svc.RejectPreview(r.Context(), adminID, r.PathValue("id"), field, req.All)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, run)
}

// HandleAdminReset resets any user's pipeline, with the operator
// recorded in the audit trail.
func (h *AdminHandler) HandleAdminReset(w http.ResponseWriter, r *http.Request) {
	adminID, ok := requireAdmin(w, r, h.logger)
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
	target, parseErr := parseResetTarget(req.Target)
	if parseErr != nil {
		WriteError(w, parseErr, h.logger)
		return
	}

	run, err := h.svc.AdminResetToStep(r.Context(), adminID, r.PathValue("id"), target, req.KeepResults)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	WriteSuccess(w, run)
}

// HandleGrant adds credits to any user account.
func (h *AdminHandler) HandleGrant(w http.ResponseWriter, r *http.Request) {
	adminID, ok := requireAdmin(w, r, h.logger)
	if !ok {
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.GrantRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.UserID == "" {
		WriteError(w, types.NewError(types.ErrInvalidArgument, "user_id is required"), h.logger)
		return
	}
	if req.Amount <= 0 {
		WriteError(w, types.NewError(types.ErrInvalidArgument, "amount must be positive"), h.logger)
		return
	}
	txType := types.TransactionType(req.Type)
	if txType != types.TransactionCredit && txType != types.TransactionBonus {
		WriteError(w, types.NewError(types.ErrInvalidArgument, "type must be credit or bonus"), h.logger)
		return
	}

	if err := h.ledger.Grant(r.Context(), req.UserID, req.Amount, txType, req.Reason, adminID); err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}

	account, err := h.ledger.Account(r.Context(), req.UserID)
	if err != nil {
		WriteServiceError(w, err, h.logger)
		return
	}
	h.logger.Info("credits granted",
		zap.String("admin_id", adminID),
		zap.String("user_id", req.UserID),
		zap.Int64("amount", req.Amount),
		zap.String("type", req.Type))
	WriteSuccess(w, api.CreditAccountResponse{
		Balance:             account.Balance,
		LifetimeGenerations: account.LifetimeGenerations,
	})
}

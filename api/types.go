package api

import (
	"github.com/jackg825/dream-forge-web-sub003/types"
)

// CreatePipelineRequest starts a new generation pipeline in draft.
type CreatePipelineRequest struct {
	// Source photos. At least one is required.
	InputImages []ImageInput `json:"input_images"`
}

// ImageInput references one already-uploaded source photo.
type ImageInput struct {
	URL         string `json:"url"`
	StoragePath string `json:"storage_path,omitempty"`
}

// RegenerateRequest redoes one canonical angle view.
type RegenerateRequest struct {
	// Angle is one of front, back, left, right.
	Angle string `json:"angle"`
	// Hint optionally steers the synthesis for this angle.
	Hint string `json:"hint,omitempty"`
}

// MeshRequest starts mesh generation on one provider.
type MeshRequest struct {
	// Provider is one of meshy, tripo, rodin, trellis, hunyuan.
	Provider string `json:"provider"`
	// Format is the preferred output format (glb, obj, stl, fbx, usdz).
	Format string `json:"format,omitempty"`
	// EnablePBR requests physically based rendering maps where supported.
	EnablePBR bool `json:"enable_pbr,omitempty"`
	// TextureResolution in pixels, provider dependent.
	TextureResolution int `json:"texture_resolution,omitempty"`
}

// ResetRequest rolls a pipeline back to an earlier step.
type ResetRequest struct {
	// Target is one of draft, images-ready, mesh-ready.
	Target string `json:"target"`
	// KeepResults preserves downstream artifacts instead of clearing them.
	KeepResults bool `json:"keep_results,omitempty"`
}

// PollResponse reports provider task progress for an in-flight stage.
type PollResponse struct {
	Pipeline *types.PipelineRun `json:"pipeline"`
	State    string             `json:"state"`
	Progress int                `json:"progress"`
}

// CreditAccountResponse is the user's credit standing.
type CreditAccountResponse struct {
	Balance             int64 `json:"balance"`
	LifetimeGenerations int64 `json:"lifetime_generations"`
}

// TransactionListResponse lists recent ledger rows, newest first.
type TransactionListResponse struct {
	Transactions []TransactionEntry `json:"transactions"`
}

// TransactionEntry is one immutable ledger row.
type TransactionEntry struct {
	ID         string `json:"id"`
	Amount     int64  `json:"amount"`
	Type       string `json:"type"`
	PipelineID string `json:"pipeline_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// ConfirmPreviewRequest promotes one operator preview field into
// production.
type ConfirmPreviewRequest struct {
	// Field is one of front, back, left, right, or mesh.
	Field string `json:"field"`
}

// RejectPreviewRequest discards preview fields without touching
// production.
type RejectPreviewRequest struct {
	Field string `json:"field,omitempty"`
	// All discards the entire overlay.
	All bool `json:"all,omitempty"`
}

// GrantRequest adds credits to a user account.
type GrantRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
	// Type is credit or bonus.
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

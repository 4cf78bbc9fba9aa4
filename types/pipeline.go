package types

import "time"

// Status is the lifecycle state of a pipeline run. Transitions follow
// the fixed forward edges draft → generating-images → images-ready →
// generating-mesh → mesh-ready → generating-texture → completed, with
// failed reachable from any paid stage.
type Status string

const (
	StatusDraft             Status = "draft"
	StatusGeneratingImages  Status = "generating-images"
	StatusImagesReady       Status = "images-ready"
	StatusGeneratingMesh    Status = "generating-mesh"
	StatusMeshReady         Status = "mesh-ready"
	StatusGeneratingTexture Status = "generating-texture"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
)

// InFlight reports whether the status represents an active external task.
func (s Status) InFlight() bool {
	switch s {
	case StatusGeneratingImages, StatusGeneratingMesh, StatusGeneratingTexture:
		return true
	}
	return false
}

// Step names one discrete paid stage of a run. Used both as the
// errorStep tag on failures and as the creditsCharged ledger key.
type Step string

const (
	StepImages  Step = "images"
	StepMesh    Step = "mesh"
	StepTexture Step = "texture"
)

// Angle is one of the four canonical mesh input views.
type Angle string

const (
	AngleFront Angle = "front"
	AngleBack  Angle = "back"
	AngleLeft  Angle = "left"
	AngleRight Angle = "right"
)

// CanonicalAngles lists all four angles in generation order.
var CanonicalAngles = []Angle{AngleFront, AngleBack, AngleLeft, AngleRight}

// ValidAngle reports whether a is one of the four canonical angles.
func ValidAngle(a Angle) bool {
	switch a {
	case AngleFront, AngleBack, AngleLeft, AngleRight:
		return true
	}
	return false
}

// ImageRef is one source image reference. Input images are set once at
// creation and never mutated.
type ImageRef struct {
	URL         string `bson:"url" json:"url"`
	StoragePath string `bson:"storagePath" json:"storagePath"`
}

// PaletteColor is one extracted color with its pixel frequency.
type PaletteColor struct {
	Hex       string `bson:"hex" json:"hex"`
	Frequency int    `bson:"frequency" json:"frequency"`
}

// AggregatedPalette is the frequency-ranked union of all per-angle
// palettes. DominantColors is always a prefix of Unified by descending
// frequency.
type AggregatedPalette struct {
	Unified        []PaletteColor `bson:"unified" json:"unified"`
	DominantColors []string       `bson:"dominantColors" json:"dominantColors"`
}

// ProcessedImage is one synthesized angle view stored in the blob store.
type ProcessedImage struct {
	URL         string         `bson:"url" json:"url"`
	StoragePath string         `bson:"storagePath" json:"storagePath"`
	Provenance  string         `bson:"provenance" json:"provenance"`
	GeneratedAt time.Time      `bson:"generatedAt" json:"generatedAt"`
	Palette     []PaletteColor `bson:"palette,omitempty" json:"palette,omitempty"`
}

// Provenance tags recorded on ProcessedImage entries.
const (
	ProvenanceSynthesized  = "synthesized"
	ProvenanceRegenerated  = "regenerated"
	ProvenanceAdminPreview = "admin-preview"
)

// CreditsCharged tracks how much was actually debited per stage, used
// to compute exact refunds. An entry is nonzero only after a successful
// debit and is zeroed when the stage's results are cleared by a reset.
type CreditsCharged struct {
	Views   int64 `bson:"views" json:"views"`
	Mesh    int64 `bson:"mesh" json:"mesh"`
	Texture int64 `bson:"texture" json:"texture"`
}

// ForStep returns the charged amount for one step.
func (c CreditsCharged) ForStep(step Step) int64 {
	switch step {
	case StepImages:
		return c.Views
	case StepMesh:
		return c.Mesh
	case StepTexture:
		return c.Texture
	}
	return 0
}

// MeshOptions carries provider-specific generation options.
type MeshOptions struct {
	Format            string `bson:"format,omitempty" json:"format,omitempty"`
	EnablePBR         bool   `bson:"enablePbr,omitempty" json:"enablePbr,omitempty"`
	TextureResolution int    `bson:"textureResolution,omitempty" json:"textureResolution,omitempty"`
}

// AdminPreview is the operator overlay. Its fields never participate in
// the status state machine; Confirm is the only path by which they
// reach production fields.
type AdminPreview struct {
	MeshImages     map[Angle]ProcessedImage `bson:"meshImages,omitempty" json:"meshImages,omitempty"`
	MeshURL        string                   `bson:"meshUrl,omitempty" json:"meshUrl,omitempty"`
	MeshPath       string                   `bson:"meshPath,omitempty" json:"meshPath,omitempty"`
	MeshFormat     string                   `bson:"meshFormat,omitempty" json:"meshFormat,omitempty"`
	Provider       string                   `bson:"provider,omitempty" json:"provider,omitempty"`
	ProviderTaskID string                   `bson:"providerTaskId,omitempty" json:"providerTaskId,omitempty"`
}

// Empty reports whether the overlay holds no preview artifacts.
func (p *AdminPreview) Empty() bool {
	return p == nil || (len(p.MeshImages) == 0 && p.MeshURL == "" && p.ProviderTaskID == "")
}

// AdminActionType identifies one operator action kind in the audit trail.
type AdminActionType string

const (
	AdminActionRegeneratePreview AdminActionType = "regenerate-preview"
	AdminActionRestartMesh       AdminActionType = "restart-mesh-preview"
	AdminActionConfirm           AdminActionType = "confirm-preview"
	AdminActionReject            AdminActionType = "reject-preview"
	AdminActionReset             AdminActionType = "reset-to-step"
)

// AdminAction is one append-only audit entry.
type AdminAction struct {
	AdminID       string          `bson:"adminId" json:"adminId"`
	Action        AdminActionType `bson:"action" json:"action"`
	TargetField   string          `bson:"targetField,omitempty" json:"targetField,omitempty"`
	PreviousValue string          `bson:"previousValue,omitempty" json:"previousValue,omitempty"`
	Timestamp     time.Time       `bson:"timestamp" json:"timestamp"`
}

// PipelineRun is the durable representation of one end-to-end
// generation job plus its operator-preview overlay.
type PipelineRun struct {
	ID      string `bson:"_id" json:"id"`
	OwnerID string `bson:"ownerId" json:"ownerId"`

	Status       Status `bson:"status" json:"status"`
	ErrorStep    Step   `bson:"errorStep,omitempty" json:"errorStep,omitempty"`
	ErrorMessage string `bson:"errorMessage,omitempty" json:"errorMessage,omitempty"`

	InputImages []ImageRef               `bson:"inputImages" json:"inputImages"`
	MeshImages  map[Angle]ProcessedImage `bson:"meshImages,omitempty" json:"meshImages,omitempty"`

	AggregatedColorPalette *AggregatedPalette `bson:"aggregatedColorPalette,omitempty" json:"aggregatedColorPalette,omitempty"`
	RegenerationsUsed      int                `bson:"regenerationsUsed" json:"regenerationsUsed"`

	Provider        string      `bson:"provider,omitempty" json:"provider,omitempty"`
	ProviderTaskID  string      `bson:"providerTaskId,omitempty" json:"providerTaskId,omitempty"`
	ProviderOptions MeshOptions `bson:"providerOptions,omitempty" json:"providerOptions,omitempty"`

	MeshURL    string `bson:"meshUrl,omitempty" json:"meshUrl,omitempty"`
	MeshPath   string `bson:"meshPath,omitempty" json:"meshPath,omitempty"`
	MeshFormat string `bson:"meshFormat,omitempty" json:"meshFormat,omitempty"`

	TexturedModelURL    string `bson:"texturedModelUrl,omitempty" json:"texturedModelUrl,omitempty"`
	TexturedModelPath   string `bson:"texturedModelPath,omitempty" json:"texturedModelPath,omitempty"`
	TexturedModelFormat string `bson:"texturedModelFormat,omitempty" json:"texturedModelFormat,omitempty"`

	PrintReport *PrintabilityReport `bson:"printReport,omitempty" json:"printReport,omitempty"`

	CreditsCharged CreditsCharged `bson:"creditsCharged" json:"creditsCharged"`

	AdminPreview *AdminPreview `bson:"adminPreview,omitempty" json:"adminPreview,omitempty"`
	AdminActions []AdminAction `bson:"adminActions,omitempty" json:"adminActions,omitempty"`

	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// HasAllAngles reports whether all four canonical angle images exist.
func (p *PipelineRun) HasAllAngles() bool {
	if len(p.MeshImages) < len(CanonicalAngles) {
		return false
	}
	for _, a := range CanonicalAngles {
		if _, ok := p.MeshImages[a]; !ok {
			return false
		}
	}
	return true
}

package synthesis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jackg825/dream-forge-web-sub003/internal/tlsutil"
	"github.com/jackg825/dream-forge-web-sub003/types"
)

// Config configures the Gemini-backed synthesizer.
type Config struct {
	APIKey  string        `json:"api_key" yaml:"api_key"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// modelTierCost maps synthesis model tiers to the image-stage credit
// cost. Unknown models fall back to the flash tier.
var modelTierCost = map[string]int64{
	"gemini-2.5-flash-image":     2,
	"gemini-3-pro-image-preview": 4,
}

// GeminiSynthesizer implements Synthesizer using Gemini's native
// multimodal image generation.
type GeminiSynthesizer struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewGeminiSynthesizer creates a new Gemini synthesizer.
func NewGeminiSynthesizer(cfg Config, logger *zap.Logger) *GeminiSynthesizer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash-image"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiSynthesizer{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(timeout),
		logger: logger.With(zap.String("component", "synthesizer")),
	}
}

// CreditCost returns the image-stage cost for the configured tier.
func (s *GeminiSynthesizer) CreditCost() int64 {
	if cost, ok := modelTierCost[s.cfg.Model]; ok {
		return cost
	}
	return modelTierCost["gemini-2.5-flash-image"]
}

// anglePrompts describe each canonical view to the model. The hint, if
// present, is appended verbatim.
var anglePrompts = map[types.Angle]string{
	types.AngleFront: "Render this exact object viewed straight from the front, centered, neutral studio lighting, plain white background, no shadows.",
	types.AngleBack:  "Render this exact object viewed straight from the back, centered, neutral studio lighting, plain white background, no shadows.",
	types.AngleLeft:  "Render this exact object viewed from its left side, centered, neutral studio lighting, plain white background, no shadows.",
	types.AngleRight: "Render this exact object viewed from its right side, centered, neutral studio lighting, plain white background, no shadows.",
}

type geminiInline struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string        `json:"text,omitempty"`
	InlineData *geminiInline `json:"inlineData,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig *struct {
		ResponseModalities []string `json:"responseModalities,omitempty"`
	} `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text       string `json:"text,omitempty"`
				InlineData *struct {
					MimeType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"inlineData,omitempty"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// GenerateAngleView synthesizes a single canonical view. Deterministic
// enough to be retried per angle without touching the others.
func (s *GeminiSynthesizer) GenerateAngleView(ctx context.Context, reference []byte, mimeType string, angle types.Angle, hint string) (*AngleResult, error) {
	if !types.ValidAngle(angle) {
		return nil, types.NewErrorf(types.ErrInvalidArgument, "unknown angle %q", angle)
	}

	prompt := anglePrompts[angle]
	if hint != "" {
		prompt += " " + hint
	}

	body := geminiRequest{
		Contents: []geminiContent{{
			Parts: []geminiPart{
				{InlineData: &geminiInline{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(reference)}},
				{Text: prompt},
			},
			Role: "user",
		}},
		GenerationConfig: &struct {
			ResponseModalities []string `json:"responseModalities,omitempty"`
		}{ResponseModalities: []string{"IMAGE"}},
	}

	payload, _ := json.Marshal(body)
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		strings.TrimRight(s.cfg.BaseURL, "/"), s.cfg.Model, s.cfg.APIKey)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to create request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrInternal, "synthesis request failed").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, types.NewErrorf(types.ErrInternal, "synthesis error: status=%d body=%s", resp.StatusCode, string(errBody)).
			WithHTTPStatus(resp.StatusCode).
			WithRetryable(retryable)
	}

	var gResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&gResp); err != nil {
		return nil, types.NewError(types.ErrInternal, "failed to decode synthesis response").WithCause(err)
	}

	for _, candidate := range gResp.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.InlineData == nil {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, types.NewError(types.ErrInternal, "invalid image payload").WithCause(err)
			}
			palette, err := ExtractPalette(data)
			if err != nil {
				// Palette extraction is best effort; a view without a
				// palette is still usable.
				s.logger.Warn("palette extraction failed", zap.String("angle", string(angle)), zap.Error(err))
			}
			return &AngleResult{ImageBytes: data, MimeType: part.InlineData.MimeType, Palette: palette}, nil
		}
	}
	return nil, types.NewError(types.ErrInternal, "synthesis returned no image")
}

// GenerateAllAngles synthesizes the four canonical views in parallel
// and aggregates their palettes.
func (s *GeminiSynthesizer) GenerateAllAngles(ctx context.Context, reference []byte, mimeType string, onProgress ProgressFunc) (*AllAnglesResult, error) {
	var (
		mu        sync.Mutex
		completed int
		results   = make(map[types.Angle]*AngleResult, len(types.CanonicalAngles))
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, angle := range types.CanonicalAngles {
		g.Go(func() error {
			res, err := s.GenerateAngleView(gctx, reference, mimeType, angle, "")
			if err != nil {
				return err
			}
			mu.Lock()
			results[angle] = res
			completed++
			done := completed
			mu.Unlock()
			if onProgress != nil {
				onProgress(angle, done, len(types.CanonicalAngles))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	palettes := make([][]types.PaletteColor, 0, len(results))
	for _, angle := range types.CanonicalAngles {
		palettes = append(palettes, results[angle].Palette)
	}
	return &AllAnglesResult{
		Angles:     results,
		Aggregated: AggregatePalettes(palettes...),
	}, nil
}

package meshgen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/jackg825/dream-forge-web-sub003/internal/tlsutil"
	"github.com/jackg825/dream-forge-web-sub003/types"
)

// TrellisClient wraps a hosted TRELLIS deployment. TRELLIS has no
// texture-only endpoint; texturing requests are rejected before any
// network call.
type TrellisClient struct {
	cfg      ClientConfig
	submit   *http.Client
	status   *http.Client
	download *http.Client
	logger   *zap.Logger
}

// NewTrellisClient creates a new TRELLIS client.
func NewTrellisClient(cfg ClientConfig, logger *zap.Logger) *TrellisClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.trellis3d.dev/v1"
	}
	submitTO := cfg.Timeout
	if submitTO == 0 {
		submitTO = submitTimeout
	}
	return &TrellisClient{
		cfg:      cfg,
		submit:   tlsutil.SecureHTTPClient(submitTO),
		status:   tlsutil.SecureHTTPClient(statusTimeout),
		download: tlsutil.SecureHTTPClient(downloadTimeout),
		logger:   logger.With(zap.String("provider", ProviderTrellis)),
	}
}

func (c *TrellisClient) Name() string { return ProviderTrellis }

// Capabilities reports the static TRELLIS capability descriptor.
func (c *TrellisClient) Capabilities() Capability {
	return Capability{
		Formats:   []string{"glb", "obj"},
		MultiView: true,
		PBR:       false,
	}
}

type trellisGeneration struct {
	ID       string  `json:"id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	Error    string  `json:"error,omitempty"`
	Assets   []struct {
		URL    string `json:"url"`
		Format string `json:"format"`
	} `json:"assets,omitempty"`
}

type trellisSubmitRequest struct {
	ImageURLs   []string `json:"image_urls,omitempty"`
	ImagesB64   []string `json:"images_base64,omitempty"`
	OutputModes []string `json:"output_modes,omitempty"`
}

// Submit creates one TRELLIS generation.
func (c *TrellisClient) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	if req.Texture {
		return "", types.NewError(types.ErrInvalidArgument, "trellis does not support texture-only tasks").
			WithProvider(ProviderTrellis)
	}

	body := trellisSubmitRequest{OutputModes: []string{"glb"}}
	switch {
	case len(req.ImageURLs) > 0:
		body.ImageURLs = req.ImageURLs
	case len(req.Images) > 0:
		for _, img := range req.Images {
			body.ImagesB64 = append(body.ImagesB64, base64.StdEncoding.EncodeToString(img))
		}
	default:
		return "", types.NewError(types.ErrInvalidArgument, "no input images").WithProvider(ProviderTrellis)
	}

	payload, _ := json.Marshal(body)
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/generations"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", transportError(err, ProviderTrellis)
	}
	httpReq.Header.Set("X-Api-Key", c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.submit.Do(httpReq)
	if err != nil {
		return "", transportError(err, ProviderTrellis)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return "", mapHTTPError(resp.StatusCode, string(errBody), ProviderTrellis)
	}

	var gen trellisGeneration
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return "", transportError(err, ProviderTrellis)
	}
	c.logger.Debug("trellis generation submitted", zap.String("task_id", gen.ID))
	return gen.ID, nil
}

// PollStatus fetches and normalizes one generation status.
func (c *TrellisClient) PollStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	gen, err := c.fetchGeneration(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch gen.Status {
	case "queued":
		return &TaskStatus{State: TaskPending}, nil
	case "generating":
		return &TaskStatus{State: TaskProcessing, Progress: int(gen.Progress * 100)}, nil
	case "complete":
		return &TaskStatus{State: TaskCompleted, Progress: 100}, nil
	case "error":
		return &TaskStatus{State: TaskFailed, Error: gen.Error}, nil
	default:
		return &TaskStatus{State: TaskProcessing}, nil
	}
}

// FetchDownloadLinks lists assets of a completed generation.
func (c *TrellisClient) FetchDownloadLinks(ctx context.Context, taskID, preferredFormat string) ([]DownloadLink, error) {
	gen, err := c.fetchGeneration(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(gen.Assets) == 0 {
		return nil, types.NewError(types.ErrNotFound, "no model files for task").WithProvider(ProviderTrellis)
	}
	links := make([]DownloadLink, 0, len(gen.Assets))
	for _, a := range gen.Assets {
		links = append(links, DownloadLink{URL: a.URL, Format: a.Format})
	}
	return links, nil
}

// FetchBytes downloads one artifact.
func (c *TrellisClient) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, transportError(err, ProviderTrellis)
	}
	httpReq.Header.Set("X-Api-Key", c.cfg.APIKey)
	resp, err := c.download.Do(httpReq)
	if err != nil {
		return nil, transportError(err, ProviderTrellis)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, mapHTTPError(resp.StatusCode, "model download failed", ProviderTrellis)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err, ProviderTrellis)
	}
	return data, nil
}

func (c *TrellisClient) fetchGeneration(ctx context.Context, taskID string) (*trellisGeneration, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/generations/" + taskID
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, transportError(err, ProviderTrellis)
	}
	httpReq.Header.Set("X-Api-Key", c.cfg.APIKey)

	resp, err := c.status.Do(httpReq)
	if err != nil {
		return nil, transportError(err, ProviderTrellis)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, mapHTTPError(resp.StatusCode, string(errBody), ProviderTrellis)
	}

	var gen trellisGeneration
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return nil, transportError(err, ProviderTrellis)
	}
	return &gen, nil
}

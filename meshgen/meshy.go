package meshgen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/jackg825/dream-forge-web-sub003/internal/tlsutil"
	"github.com/jackg825/dream-forge-web-sub003/types"
)

// MeshyClient wraps the Meshy multi-image-to-3D API.
type MeshyClient struct {
	cfg      ClientConfig
	submit   *http.Client
	status   *http.Client
	download *http.Client
	logger   *zap.Logger
}

// NewMeshyClient creates a new Meshy client.
func NewMeshyClient(cfg ClientConfig, logger *zap.Logger) *MeshyClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.meshy.ai/openapi/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "meshy-5"
	}
	submitTO := cfg.Timeout
	if submitTO == 0 {
		submitTO = submitTimeout
	}
	return &MeshyClient{
		cfg:      cfg,
		submit:   tlsutil.SecureHTTPClient(submitTO),
		status:   tlsutil.SecureHTTPClient(statusTimeout),
		download: tlsutil.SecureHTTPClient(downloadTimeout),
		logger:   logger.With(zap.String("provider", ProviderMeshy)),
	}
}

func (c *MeshyClient) Name() string { return ProviderMeshy }

// Capabilities reports the static Meshy capability descriptor.
func (c *MeshyClient) Capabilities() Capability {
	return Capability{
		Formats:   []string{"glb", "fbx", "obj", "usdz", "stl"},
		MultiView: true,
		PBR:       true,
	}
}

type meshySubmitRequest struct {
	ImageURLs []string `json:"image_urls,omitempty"`
	ImageURL  string   `json:"image_url,omitempty"`
	AIModel   string   `json:"ai_model,omitempty"`
	EnablePBR bool     `json:"enable_pbr,omitempty"`
	InputTask string   `json:"input_task_id,omitempty"`
}

type meshySubmitResponse struct {
	Result string `json:"result"`
}

type meshyTask struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Progress  int               `json:"progress"`
	ModelURLs map[string]string `json:"model_urls"`
	TaskError struct {
		Message string `json:"message"`
	} `json:"task_error"`
}

// Submit creates a Meshy multi-image-to-3d (or retexture) task.
func (c *MeshyClient) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	endpoint := "/multi-image-to-3d"
	body := meshySubmitRequest{AIModel: c.cfg.Model, EnablePBR: req.Options.EnablePBR}
	switch {
	case req.Texture:
		endpoint = "/retexture"
		body.InputTask = req.MeshURL
	case len(req.ImageURLs) > 0:
		body.ImageURLs = req.ImageURLs
	case len(req.Images) > 0:
		// Meshy accepts data URIs when no hosted URL exists.
		for _, img := range req.Images {
			body.ImageURLs = append(body.ImageURLs,
				fmt.Sprintf("data:%s;base64,%s", req.MimeType, base64.StdEncoding.EncodeToString(img)))
		}
	default:
		return "", types.NewError(types.ErrInvalidArgument, "no input images").WithProvider(ProviderMeshy)
	}

	payload, _ := json.Marshal(body)
	url := strings.TrimRight(c.cfg.BaseURL, "/") + endpoint
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", transportError(err, ProviderMeshy)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.submit.Do(httpReq)
	if err != nil {
		return "", transportError(err, ProviderMeshy)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return "", mapHTTPError(resp.StatusCode, string(errBody), ProviderMeshy)
	}

	var sResp meshySubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sResp); err != nil {
		return "", transportError(err, ProviderMeshy)
	}
	c.logger.Debug("meshy task submitted", zap.String("task_id", sResp.Result))
	return sResp.Result, nil
}

// PollStatus fetches and normalizes one Meshy task status.
func (c *MeshyClient) PollStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	task, err := c.fetchTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	switch task.Status {
	case "PENDING":
		return &TaskStatus{State: TaskPending, Progress: task.Progress}, nil
	case "IN_PROGRESS":
		return &TaskStatus{State: TaskProcessing, Progress: task.Progress}, nil
	case "SUCCEEDED":
		return &TaskStatus{State: TaskCompleted, Progress: 100}, nil
	case "FAILED", "CANCELED", "EXPIRED":
		return &TaskStatus{State: TaskFailed, Error: task.TaskError.Message}, nil
	default:
		return &TaskStatus{State: TaskProcessing, Progress: task.Progress}, nil
	}
}

// FetchDownloadLinks lists the model files of a completed task.
func (c *MeshyClient) FetchDownloadLinks(ctx context.Context, taskID, preferredFormat string) ([]DownloadLink, error) {
	task, err := c.fetchTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(task.ModelURLs) == 0 {
		return nil, types.NewError(types.ErrNotFound, "no model files for task").WithProvider(ProviderMeshy)
	}

	var links []DownloadLink
	if preferredFormat != "" {
		if url, ok := task.ModelURLs[preferredFormat]; ok && url != "" {
			links = append(links, DownloadLink{URL: url, Format: preferredFormat})
		}
	}
	for _, f := range FormatPreference {
		if f == preferredFormat {
			continue
		}
		if url, ok := task.ModelURLs[f]; ok && url != "" {
			links = append(links, DownloadLink{URL: url, Format: f})
		}
	}
	return links, nil
}

// FetchBytes downloads one artifact.
func (c *MeshyClient) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, transportError(err, ProviderMeshy)
	}
	resp, err := c.download.Do(httpReq)
	if err != nil {
		return nil, transportError(err, ProviderMeshy)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, mapHTTPError(resp.StatusCode, "model download failed", ProviderMeshy)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err, ProviderMeshy)
	}
	return data, nil
}

func (c *MeshyClient) fetchTask(ctx context.Context, taskID string) (*meshyTask, error) {
	url := fmt.Sprintf("%s/multi-image-to-3d/%s", strings.TrimRight(c.cfg.BaseURL, "/"), taskID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, transportError(err, ProviderMeshy)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.status.Do(httpReq)
	if err != nil {
		return nil, transportError(err, ProviderMeshy)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, mapHTTPError(resp.StatusCode, string(errBody), ProviderMeshy)
	}

	var task meshyTask
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, transportError(err, ProviderMeshy)
	}
	return &task, nil
}

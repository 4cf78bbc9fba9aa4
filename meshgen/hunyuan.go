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

// HunyuanClient wraps the Tencent Hunyuan3D open API.
type HunyuanClient struct {
	cfg      ClientConfig
	submit   *http.Client
	status   *http.Client
	download *http.Client
	logger   *zap.Logger
}

// NewHunyuanClient creates a new Hunyuan3D client.
func NewHunyuanClient(cfg ClientConfig, logger *zap.Logger) *HunyuanClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://hunyuan.tencentcloudapi.com/3d/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "hunyuan3d-2"
	}
	submitTO := cfg.Timeout
	if submitTO == 0 {
		submitTO = submitTimeout
	}
	return &HunyuanClient{
		cfg:      cfg,
		submit:   tlsutil.SecureHTTPClient(submitTO),
		status:   tlsutil.SecureHTTPClient(statusTimeout),
		download: tlsutil.SecureHTTPClient(downloadTimeout),
		logger:   logger.With(zap.String("provider", ProviderHunyuan)),
	}
}

func (c *HunyuanClient) Name() string { return ProviderHunyuan }

// Capabilities reports the static Hunyuan capability descriptor.
// Hunyuan takes a single reference view per task.
func (c *HunyuanClient) Capabilities() Capability {
	return Capability{
		Formats:   []string{"glb", "obj", "stl"},
		MultiView: false,
		PBR:       true,
	}
}

type hunyuanSubmitRequest struct {
	Model       string `json:"model"`
	ImageURL    string `json:"image_url,omitempty"`
	ImageBase64 string `json:"image_base64,omitempty"`
	ResultFmt   string `json:"result_format,omitempty"`
	EnablePBR   bool   `json:"enable_pbr,omitempty"`
	TextureOnly bool   `json:"texture_only,omitempty"`
	MeshURL     string `json:"mesh_url,omitempty"`
}

type hunyuanJob struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	ErrorMsg string `json:"error_msg,omitempty"`
	Files    []struct {
		URL  string `json:"url"`
		Type string `json:"type"`
	} `json:"result_files,omitempty"`
}

// Submit creates one Hunyuan3D job. Multi-view input degrades to the
// front view because the API accepts a single reference image.
func (c *HunyuanClient) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	body := hunyuanSubmitRequest{
		Model:     c.cfg.Model,
		ResultFmt: req.Options.Format,
		EnablePBR: req.Options.EnablePBR,
	}
	switch {
	case req.Texture:
		body.TextureOnly = true
		body.MeshURL = req.MeshURL
	case len(req.ImageURLs) > 0:
		body.ImageURL = req.ImageURLs[0]
	case len(req.Images) > 0:
		body.ImageBase64 = base64.StdEncoding.EncodeToString(req.Images[0])
	default:
		return "", types.NewError(types.ErrInvalidArgument, "no input images").WithProvider(ProviderHunyuan)
	}

	var job hunyuanJob
	if err := c.do(ctx, c.submit, http.MethodPost, "/jobs", body, &job); err != nil {
		return "", err
	}
	c.logger.Debug("hunyuan job submitted", zap.String("task_id", job.JobID))
	return job.JobID, nil
}

// PollStatus fetches and normalizes one job status.
func (c *HunyuanClient) PollStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	var job hunyuanJob
	if err := c.do(ctx, c.status, http.MethodGet, "/jobs/"+taskID, nil, &job); err != nil {
		return nil, err
	}
	switch job.Status {
	case "WAIT":
		return &TaskStatus{State: TaskPending, Progress: job.Progress}, nil
	case "RUN":
		return &TaskStatus{State: TaskProcessing, Progress: job.Progress}, nil
	case "DONE":
		return &TaskStatus{State: TaskCompleted, Progress: 100}, nil
	case "FAIL":
		return &TaskStatus{State: TaskFailed, Error: job.ErrorMsg}, nil
	default:
		return &TaskStatus{State: TaskProcessing, Progress: job.Progress}, nil
	}
}

// FetchDownloadLinks lists result files of a completed job.
func (c *HunyuanClient) FetchDownloadLinks(ctx context.Context, taskID, preferredFormat string) ([]DownloadLink, error) {
	var job hunyuanJob
	if err := c.do(ctx, c.status, http.MethodGet, "/jobs/"+taskID, nil, &job); err != nil {
		return nil, err
	}
	if len(job.Files) == 0 {
		return nil, types.NewError(types.ErrNotFound, "no model files for task").WithProvider(ProviderHunyuan)
	}
	links := make([]DownloadLink, 0, len(job.Files))
	for _, f := range job.Files {
		links = append(links, DownloadLink{URL: f.URL, Format: strings.ToLower(f.Type)})
	}
	return links, nil
}

// FetchBytes downloads one artifact.
func (c *HunyuanClient) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, transportError(err, ProviderHunyuan)
	}
	resp, err := c.download.Do(httpReq)
	if err != nil {
		return nil, transportError(err, ProviderHunyuan)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, mapHTTPError(resp.StatusCode, "model download failed", ProviderHunyuan)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err, ProviderHunyuan)
	}
	return data, nil
}

func (c *HunyuanClient) do(ctx context.Context, client *http.Client, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return transportError(err, ProviderHunyuan)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return transportError(err, ProviderHunyuan)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return mapHTTPError(resp.StatusCode, string(errBody), ProviderHunyuan)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return transportError(err, ProviderHunyuan)
	}
	return nil
}

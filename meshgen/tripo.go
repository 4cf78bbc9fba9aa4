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

// TripoClient wraps the Tripo3D task API. Tripo wraps every response
// in a {code, data} envelope; a nonzero code is a provider error even
// on HTTP 200.
type TripoClient struct {
	cfg      ClientConfig
	submit   *http.Client
	status   *http.Client
	download *http.Client
	logger   *zap.Logger
}

// NewTripoClient creates a new Tripo3D client.
func NewTripoClient(cfg ClientConfig, logger *zap.Logger) *TripoClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.tripo3d.ai/v2/openapi"
	}
	if cfg.Model == "" {
		cfg.Model = "v2.5-20250123"
	}
	submitTO := cfg.Timeout
	if submitTO == 0 {
		submitTO = submitTimeout
	}
	return &TripoClient{
		cfg:      cfg,
		submit:   tlsutil.SecureHTTPClient(submitTO),
		status:   tlsutil.SecureHTTPClient(statusTimeout),
		download: tlsutil.SecureHTTPClient(downloadTimeout),
		logger:   logger.With(zap.String("provider", ProviderTripo)),
	}
}

func (c *TripoClient) Name() string { return ProviderTripo }

// Capabilities reports the static Tripo capability descriptor.
func (c *TripoClient) Capabilities() Capability {
	return Capability{
		Formats:   []string{"glb", "fbx", "obj", "stl"},
		MultiView: true,
		PBR:       true,
	}
}

type tripoFile struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
	Data string `json:"data,omitempty"`
}

type tripoTaskRequest struct {
	Type         string      `json:"type"`
	Files        []tripoFile `json:"files,omitempty"`
	File         *tripoFile  `json:"file,omitempty"`
	ModelVersion string      `json:"model_version,omitempty"`
	Pbr          bool        `json:"pbr,omitempty"`
	OriginalTask string      `json:"original_model_task_id,omitempty"`
}

type tripoEnvelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		TaskID   string `json:"task_id"`
		Status   string `json:"status"`
		Progress int    `json:"progress"`
		Output   struct {
			Model    string `json:"model"`
			PbrModel string `json:"pbr_model"`
		} `json:"output"`
		Result struct {
			Model struct {
				Type string `json:"type"`
				URL  string `json:"url"`
			} `json:"model"`
		} `json:"result"`
	} `json:"data"`
}

// Submit creates a Tripo multiview (or texture) task.
func (c *TripoClient) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	body := tripoTaskRequest{ModelVersion: c.cfg.Model, Pbr: req.Options.EnablePBR}
	switch {
	case req.Texture:
		body.Type = "texture_model"
		body.OriginalTask = req.MeshURL
	case len(req.ImageURLs) > 1:
		body.Type = "multiview_to_model"
		for _, u := range req.ImageURLs {
			body.Files = append(body.Files, tripoFile{Type: "jpg", URL: u})
		}
	case len(req.ImageURLs) == 1:
		body.Type = "image_to_model"
		body.File = &tripoFile{Type: "jpg", URL: req.ImageURLs[0]}
	case len(req.Images) > 0:
		body.Type = "image_to_model"
		body.File = &tripoFile{Type: "jpg", Data: base64.StdEncoding.EncodeToString(req.Images[0])}
	default:
		return "", types.NewError(types.ErrInvalidArgument, "no input images").WithProvider(ProviderTripo)
	}

	env, err := c.do(ctx, c.submit, http.MethodPost, "/task", body)
	if err != nil {
		return "", err
	}
	c.logger.Debug("tripo task submitted", zap.String("task_id", env.Data.TaskID))
	return env.Data.TaskID, nil
}

// PollStatus fetches and normalizes one Tripo task status.
func (c *TripoClient) PollStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	env, err := c.do(ctx, c.status, http.MethodGet, "/task/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	switch env.Data.Status {
	case "queued":
		return &TaskStatus{State: TaskPending, Progress: env.Data.Progress}, nil
	case "running":
		return &TaskStatus{State: TaskProcessing, Progress: env.Data.Progress}, nil
	case "success":
		return &TaskStatus{State: TaskCompleted, Progress: 100}, nil
	case "failed", "cancelled", "banned", "expired":
		return &TaskStatus{State: TaskFailed, Error: "tripo task " + env.Data.Status}, nil
	default:
		return &TaskStatus{State: TaskProcessing, Progress: env.Data.Progress}, nil
	}
}

// FetchDownloadLinks lists model files of a completed Tripo task.
// Tripo exposes a single glb URL (pbr variant when textured).
func (c *TripoClient) FetchDownloadLinks(ctx context.Context, taskID, preferredFormat string) ([]DownloadLink, error) {
	env, err := c.do(ctx, c.status, http.MethodGet, "/task/"+taskID, nil)
	if err != nil {
		return nil, err
	}

	var links []DownloadLink
	if env.Data.Output.PbrModel != "" {
		links = append(links, DownloadLink{URL: env.Data.Output.PbrModel, Format: "glb"})
	}
	if env.Data.Output.Model != "" {
		links = append(links, DownloadLink{URL: env.Data.Output.Model, Format: "glb"})
	}
	if env.Data.Result.Model.URL != "" {
		format := env.Data.Result.Model.Type
		if format == "" {
			format = "glb"
		}
		links = append(links, DownloadLink{URL: env.Data.Result.Model.URL, Format: format})
	}
	if len(links) == 0 {
		return nil, types.NewError(types.ErrNotFound, "no model files for task").WithProvider(ProviderTripo)
	}
	return links, nil
}

// FetchBytes downloads one artifact.
func (c *TripoClient) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, transportError(err, ProviderTripo)
	}
	resp, err := c.download.Do(httpReq)
	if err != nil {
		return nil, transportError(err, ProviderTripo)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, mapHTTPError(resp.StatusCode, "model download failed", ProviderTripo)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err, ProviderTripo)
	}
	return data, nil
}

func (c *TripoClient) do(ctx context.Context, client *http.Client, method, path string, body any) (*tripoEnvelope, error) {
	var reader io.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, transportError(err, ProviderTripo)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportError(err, ProviderTripo)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return nil, mapHTTPError(resp.StatusCode, string(errBody), ProviderTripo)
	}

	var env tripoEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, transportError(err, ProviderTripo)
	}
	if env.Code != 0 {
		return nil, taskFailed(fmt.Sprintf("tripo error code=%d message=%s", env.Code, env.Message), ProviderTripo)
	}
	return &env, nil
}

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

// RodinClient wraps the Hyper3D Rodin API. Rodin separates status and
// download into dedicated POST endpoints keyed by a subscription key.
type RodinClient struct {
	cfg      ClientConfig
	submit   *http.Client
	status   *http.Client
	download *http.Client
	logger   *zap.Logger
}

// NewRodinClient creates a new Rodin client.
func NewRodinClient(cfg ClientConfig, logger *zap.Logger) *RodinClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://hyperhuman.deemos.com/api/v2"
	}
	if cfg.Model == "" {
		cfg.Model = "Rodin2.0"
	}
	submitTO := cfg.Timeout
	if submitTO == 0 {
		submitTO = submitTimeout
	}
	return &RodinClient{
		cfg:      cfg,
		submit:   tlsutil.SecureHTTPClient(submitTO),
		status:   tlsutil.SecureHTTPClient(statusTimeout),
		download: tlsutil.SecureHTTPClient(downloadTimeout),
		logger:   logger.With(zap.String("provider", ProviderRodin)),
	}
}

func (c *RodinClient) Name() string { return ProviderRodin }

// Capabilities reports the static Rodin capability descriptor.
func (c *RodinClient) Capabilities() Capability {
	return Capability{
		Formats:   []string{"glb", "obj", "fbx", "usdz", "stl"},
		MultiView: true,
		PBR:       true,
	}
}

type rodinSubmitRequest struct {
	Images    []string `json:"images,omitempty"`
	ImageURLs []string `json:"image_urls,omitempty"`
	Tier      string   `json:"tier,omitempty"`
	Format    string   `json:"geometry_file_format,omitempty"`
	Material  string   `json:"material,omitempty"`
	MeshURL   string   `json:"mesh_url,omitempty"`
	TaskType  string   `json:"task_type,omitempty"`
}

type rodinSubmitResponse struct {
	UUID  string `json:"uuid"`
	Error string `json:"error"`
}

type rodinStatusResponse struct {
	Jobs []struct {
		UUID   string `json:"uuid"`
		Status string `json:"status"`
	} `json:"jobs"`
	Error string `json:"error"`
}

type rodinDownloadResponse struct {
	List []struct {
		URL  string `json:"url"`
		Name string `json:"name"`
	} `json:"list"`
	Error string `json:"error"`
}

// Submit creates a Rodin generation task.
func (c *RodinClient) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	body := rodinSubmitRequest{Tier: c.cfg.Model, Format: req.Options.Format}
	if req.Options.EnablePBR {
		body.Material = "PBR"
	}
	switch {
	case req.Texture:
		body.TaskType = "texture"
		body.MeshURL = req.MeshURL
	case len(req.ImageURLs) > 0:
		body.ImageURLs = req.ImageURLs
	case len(req.Images) > 0:
		for _, img := range req.Images {
			body.Images = append(body.Images, base64.StdEncoding.EncodeToString(img))
		}
	default:
		return "", types.NewError(types.ErrInvalidArgument, "no input images").WithProvider(ProviderRodin)
	}

	var out rodinSubmitResponse
	if err := c.post(ctx, c.submit, "/rodin", body, &out); err != nil {
		return "", err
	}
	if out.Error != "" {
		return "", taskFailed("rodin: "+out.Error, ProviderRodin)
	}
	c.logger.Debug("rodin task submitted", zap.String("task_id", out.UUID))
	return out.UUID, nil
}

// PollStatus fetches and normalizes one Rodin task status. A task is
// complete only when every job reports Done.
func (c *RodinClient) PollStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	var out rodinStatusResponse
	if err := c.post(ctx, c.status, "/status", map[string]string{"subscription_key": taskID}, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return &TaskStatus{State: TaskFailed, Error: out.Error}, nil
	}
	if len(out.Jobs) == 0 {
		return &TaskStatus{State: TaskPending}, nil
	}

	done := 0
	for _, job := range out.Jobs {
		switch job.Status {
		case "Failed":
			return &TaskStatus{State: TaskFailed, Error: "rodin job failed"}, nil
		case "Done":
			done++
		}
	}
	if done == len(out.Jobs) {
		return &TaskStatus{State: TaskCompleted, Progress: 100}, nil
	}
	return &TaskStatus{State: TaskProcessing, Progress: done * 100 / len(out.Jobs)}, nil
}

// FetchDownloadLinks lists model files of a completed Rodin task.
func (c *RodinClient) FetchDownloadLinks(ctx context.Context, taskID, preferredFormat string) ([]DownloadLink, error) {
	var out rodinDownloadResponse
	if err := c.post(ctx, c.status, "/download", map[string]string{"task_uuid": taskID}, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, taskFailed("rodin: "+out.Error, ProviderRodin)
	}

	var links []DownloadLink
	for _, f := range out.List {
		idx := strings.LastIndex(f.Name, ".")
		if idx < 0 {
			continue
		}
		links = append(links, DownloadLink{URL: f.URL, Format: strings.ToLower(f.Name[idx+1:])})
	}
	if len(links) == 0 {
		return nil, types.NewError(types.ErrNotFound, "no model files for task").WithProvider(ProviderRodin)
	}
	return links, nil
}

// FetchBytes downloads one artifact.
func (c *RodinClient) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, transportError(err, ProviderRodin)
	}
	resp, err := c.download.Do(httpReq)
	if err != nil {
		return nil, transportError(err, ProviderRodin)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, mapHTTPError(resp.StatusCode, "model download failed", ProviderRodin)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(err, ProviderRodin)
	}
	return data, nil
}

func (c *RodinClient) post(ctx context.Context, client *http.Client, path string, body, out any) error {
	payload, _ := json.Marshal(body)
	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return transportError(err, ProviderRodin)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return transportError(err, ProviderRodin)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		return mapHTTPError(resp.StatusCode, string(errBody), ProviderRodin)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return transportError(err, ProviderRodin)
	}
	return nil
}

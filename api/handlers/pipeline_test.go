package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/jackg825/dream-forge-web-sub003/internal/ctxkeys"
	"github.com/jackg825/dream-forge-web-sub003/ledger"
	"github.com/jackg825/dream-forge-web-sub003/meshgen"
	"github.com/jackg825/dream-forge-web-sub003/pipeline"
	"github.com/jackg825/dream-forge-web-sub003/storage"
	"github.com/jackg825/dream-forge-web-sub003/store"
	"github.com/jackg825/dream-forge-web-sub003/synthesis"
	"github.com/jackg825/dream-forge-web-sub003/types"
)

// stubSynth returns one stable image per angle at a fixed cost.
type stubSynth struct {
	cost int64
}

func (s *stubSynth) GenerateAngleView(_ context.Context, _ []byte, _ string, angle types.Angle, _ string) (*synthesis.AngleResult, error) {
	return &synthesis.AngleResult{
		ImageBytes: []byte("png-" + string(angle)),
		MimeType:   "image/png",
		Palette:    []types.PaletteColor{{Hex: "#ff0000", Frequency: 100}},
	}, nil
}

func (s *stubSynth) GenerateAllAngles(ctx context.Context, reference []byte, mimeType string, onProgress synthesis.ProgressFunc) (*synthesis.AllAnglesResult, error) {
	result := &synthesis.AllAnglesResult{Angles: map[types.Angle]*synthesis.AngleResult{}}
	palettes := make([][]types.PaletteColor, 0, 4)
	for i, angle := range types.CanonicalAngles {
		res, err := s.GenerateAngleView(ctx, reference, mimeType, angle, "")
		if err != nil {
			return nil, err
		}
		result.Angles[angle] = res
		palettes = append(palettes, res.Palette)
		if onProgress != nil {
			onProgress(angle, i+1, len(types.CanonicalAngles))
		}
	}
	result.Aggregated = synthesis.AggregatePalettes(palettes...)
	return result, nil
}

func (s *stubSynth) CreditCost() int64 { return s.cost }

// stubClient answers provider calls from scripted state.
type stubClient struct {
	name     string
	nextTask int
	statuses []*meshgen.TaskStatus
	links    []meshgen.DownloadLink
	files    map[string][]byte
}

func newStubClient(name string) *stubClient {
	return &stubClient{name: name, files: map[string][]byte{}}
}

func (c *stubClient) Name() string { return c.name }

func (c *stubClient) Capabilities() meshgen.Capability {
	return meshgen.Capability{Formats: []string{"glb", "obj", "stl"}, MultiView: true, PBR: true}
}

func (c *stubClient) Submit(_ context.Context, _ *meshgen.SubmitRequest) (string, error) {
	c.nextTask++
	return fmt.Sprintf("%s-task-%d", c.name, c.nextTask), nil
}

func (c *stubClient) PollStatus(_ context.Context, _ string) (*meshgen.TaskStatus, error) {
	if len(c.statuses) == 0 {
		return &meshgen.TaskStatus{State: meshgen.TaskPending}, nil
	}
	status := c.statuses[0]
	if len(c.statuses) > 1 {
		c.statuses = c.statuses[1:]
	}
	return status, nil
}

func (c *stubClient) FetchDownloadLinks(_ context.Context, _, _ string) ([]meshgen.DownloadLink, error) {
	return c.links, nil
}

func (c *stubClient) FetchBytes(_ context.Context, url string) ([]byte, error) {
	data, ok := c.files[url]
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "no file at %s", url)
	}
	return data, nil
}

func (c *stubClient) queueCompletion(format string, data []byte) {
	c.statuses = append(c.statuses, &meshgen.TaskStatus{State: meshgen.TaskCompleted, Progress: 100})
	url := fmt.Sprintf("https://%s.example.com/artifact.%s", c.name, format)
	c.links = []meshgen.DownloadLink{{URL: url, Format: format}}
	c.files[url] = data
}

type stubClients map[string]*stubClient

func (s stubClients) Get(id string) (meshgen.Client, error) {
	if !meshgen.KnownProvider(id) {
		return nil, types.NewErrorf(types.ErrInvalidArgument, "unknown provider %q", id)
	}
	client, ok := s[id]
	if !ok {
		return nil, types.NewErrorf(types.ErrFailedPrecondition, "provider %q is not configured", id)
	}
	return client, nil
}

// handlerEnv serves the real route table against in-memory backends.
type handlerEnv struct {
	mux     *http.ServeMux
	svc     *pipeline.Service
	ledger  *ledger.GormLedger
	clients stubClients
	synth   *stubSynth
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, ledger.InitSchema(db))

	e := &handlerEnv{
		ledger: ledger.NewGormLedger(db, zap.NewNop()),
		synth:  &stubSynth{cost: 2},
		clients: stubClients{
			meshgen.ProviderMeshy: newStubClient(meshgen.ProviderMeshy),
			meshgen.ProviderTripo: newStubClient(meshgen.ProviderTripo),
		},
	}
	e.svc = pipeline.NewService(pipeline.Deps{
		Store:   store.NewMemoryStore(),
		Ledger:  e.ledger,
		Clients: e.clients,
		Synth:   e.synth,
		Blobs:   storage.NewMemoryStore(),
		Logger:  zap.NewNop(),
		Config:  pipeline.Config{MaxRegenerations: 3, PreferredFormat: "glb"},
		Fetch: func(_ context.Context, _ string) ([]byte, error) {
			return []byte("reference-image"), nil
		},
	})

	logger := zap.NewNop()
	ph := NewPipelineHandler(e.svc, logger)
	ch := NewCreditsHandler(e.ledger, logger)
	ah := NewAdminHandler(e.svc, e.ledger, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/pipelines", ph.HandleCreate)
	mux.HandleFunc("GET /api/v1/pipelines/{id}", ph.HandleGet)
	mux.HandleFunc("POST /api/v1/pipelines/{id}/images", ph.HandleGenerateImages)
	mux.HandleFunc("POST /api/v1/pipelines/{id}/images/regenerate", ph.HandleRegenerateAngle)
	mux.HandleFunc("POST /api/v1/pipelines/{id}/mesh", ph.HandleGenerateMesh)
	mux.HandleFunc("GET /api/v1/pipelines/{id}/mesh/status", ph.HandlePollMesh)
	mux.HandleFunc("POST /api/v1/pipelines/{id}/texture", ph.HandleGenerateTexture)
	mux.HandleFunc("GET /api/v1/pipelines/{id}/texture/status", ph.HandlePollTexture)
	mux.HandleFunc("POST /api/v1/pipelines/{id}/reset", ph.HandleReset)
	mux.HandleFunc("GET /api/v1/credits", ch.HandleAccount)
	mux.HandleFunc("GET /api/v1/credits/transactions", ch.HandleTransactions)
	mux.HandleFunc("POST /api/v1/admin/pipelines/{id}/preview/images/regenerate", ah.HandlePreviewRegenerate)
	mux.HandleFunc("POST /api/v1/admin/pipelines/{id}/preview/mesh", ah.HandlePreviewMesh)
	mux.HandleFunc("GET /api/v1/admin/pipelines/{id}/preview/mesh/status", ah.HandlePreviewMeshStatus)
	mux.HandleFunc("POST /api/v1/admin/pipelines/{id}/preview/confirm", ah.HandlePreviewConfirm)
	mux.HandleFunc("POST /api/v1/admin/pipelines/{id}/preview/reject", ah.HandlePreviewReject)
	mux.HandleFunc("POST /api/v1/admin/pipelines/{id}/reset", ah.HandleAdminReset)
	mux.HandleFunc("POST /api/v1/admin/credits/grant", ah.HandleGrant)
	e.mux = mux
	return e
}

// envelope mirrors Response with raw data for per-test decoding.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ErrorInfo      `json:"error"`
}

type identity struct {
	userID  string
	adminID string
}

func asUser(id string) identity  { return identity{userID: id} }
func asAdmin(id string) identity { return identity{userID: id, adminID: id} }

// do performs a request against the route table with the given
// identity injected the way the auth middleware would.
func (e *handlerEnv) do(t *testing.T, who identity, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	r := httptest.NewRequest(method, path, reader)
	if body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	ctx := r.Context()
	if who.userID != "" {
		ctx = ctxkeys.WithUserID(ctx, who.userID)
	}
	if who.adminID != "" {
		ctx = ctxkeys.WithAdminID(ctx, who.adminID)
	}
	r = r.WithContext(ctx)

	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w, env
}

func (e *handlerEnv) decodeRun(t *testing.T, env envelope) *types.PipelineRun {
	t.Helper()
	var run types.PipelineRun
	require.NoError(t, json.Unmarshal(env.Data, &run))
	return &run
}

func (e *handlerEnv) grant(t *testing.T, userID string, amount int64) {
	t.Helper()
	require.NoError(t, e.ledger.Grant(context.Background(), userID, amount, types.TransactionCredit, "test funding", ""))
}

func (e *handlerEnv) createPipeline(t *testing.T, userID string) *types.PipelineRun {
	t.Helper()
	w, env := e.do(t, asUser(userID), http.MethodPost, "/api/v1/pipelines", map[string]any{
		"input_images": []map[string]string{{"url": "https://cdn.example.com/input.png"}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return e.decodeRun(t, env)
}

func (e *handlerEnv) toImagesReady(t *testing.T, userID string, extraCredits int64) *types.PipelineRun {
	t.Helper()
	e.grant(t, userID, e.synth.cost+extraCredits)
	run := e.createPipeline(t, userID)
	w, env := e.do(t, asUser(userID), http.MethodPost, "/api/v1/pipelines/"+run.ID+"/images", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	run = e.decodeRun(t, env)
	require.Equal(t, types.StatusImagesReady, run.Status)
	return run
}

func TestHandleCreate(t *testing.T) {
	e := newHandlerEnv(t)

	run := e.createPipeline(t, "user-1")
	assert.Equal(t, types.StatusDraft, run.Status)
	assert.Equal(t, "user-1", run.OwnerID)
	assert.Len(t, run.InputImages, 1)
}

func TestHandleCreate_NoInputImages(t *testing.T) {
	e := newHandlerEnv(t)

	w, env := e.do(t, asUser("user-1"), http.MethodPost, "/api/v1/pipelines", map[string]any{
		"input_images": []map[string]string{},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(types.ErrInvalidArgument), env.Error.Code)
}

func TestHandleCreate_Unauthenticated(t *testing.T) {
	e := newHandlerEnv(t)

	w, env := e.do(t, identity{}, http.MethodPost, "/api/v1/pipelines", map[string]any{
		"input_images": []map[string]string{{"url": "https://cdn.example.com/input.png"}},
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(types.ErrUnauthenticated), env.Error.Code)
}

func TestHandleCreate_RequiresJSONContentType(t *testing.T) {
	e := newHandlerEnv(t)

	r := httptest.NewRequest(http.MethodPost, "/api/v1/pipelines", bytes.NewReader([]byte("{}")))
	r.Header.Set("Content-Type", "text/plain")
	r = r.WithContext(ctxkeys.WithUserID(r.Context(), "user-1"))
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "Content-Type")
}

func TestHandleGet_OwnerOnly(t *testing.T) {
	e := newHandlerEnv(t)
	run := e.createPipeline(t, "user-1")

	w, env := e.do(t, asUser("user-1"), http.MethodGet, "/api/v1/pipelines/"+run.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, run.ID, e.decodeRun(t, env).ID)

	// Another user is rejected outright.
	w, env = e.do(t, asUser("user-2"), http.MethodGet, "/api/v1/pipelines/"+run.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(types.ErrPermissionDenied), env.Error.Code)
}

func TestHandleGenerateImages(t *testing.T) {
	e := newHandlerEnv(t)
	run := e.toImagesReady(t, "user-1", 0)

	assert.Len(t, run.MeshImages, 4)
	assert.Equal(t, e.synth.cost, run.CreditsCharged.Views)

	balance, err := e.ledger.Balance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestHandleGenerateImages_InsufficientCredits(t *testing.T) {
	e := newHandlerEnv(t)
	run := e.createPipeline(t, "user-1")

	w, env := e.do(t, asUser("user-1"), http.MethodPost, "/api/v1/pipelines/"+run.ID+"/images", nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(types.ErrResourceExhausted), env.Error.Code)
}

func TestHandleRegenerateAngle(t *testing.T) {
	e := newHandlerEnv(t)
	run := e.toImagesReady(t, "user-1", 0)

	w, env := e.do(t, asUser("user-1"), http.MethodPost, "/api/v1/pipelines/"+run.ID+"/images/regenerate", map[string]any{
		"angle": "front",
		"hint":  "less noise",
	})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := e.decodeRun(t, env)
	assert.Equal(t, 1, updated.RegenerationsUsed)
}

func TestHandleRegenerateAngle_InvalidAngle(t *testing.T) {
	e := newHandlerEnv(t)
	run := e.toImagesReady(t, "user-1", 0)

	w, env := e.do(t, asUser("user-1"), http.MethodPost, "/api/v1/pipelines/"+run.ID+"/images/regenerate", map[string]any{
		"angle": "top",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(types.ErrInvalidArgument), env.Error.Code)
}

func TestHandleGenerateMesh_MissingProvider(t *testing.T) {
	e := newHandlerEnv(t)
	run := e.toImagesReady(t, "user-1", 0)

	w, env := e.do(t, asUser("user-1"), http.MethodPost, "/api/v1/pipelines/"+run.ID+"/mesh", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(types.ErrInvalidArgument), env.Error.Code)
}

func TestHandleGenerateMesh_UnconfiguredProvider(t *testing.T) {
	e := newHandlerEnv(t)
	run := e.toImagesReady(t, "user-1", meshgen.MeshCost[meshgen.ProviderRodin])

	w, env := e.do(t, asUser("user-1"), http.MethodPost, "/api/v1/pipelines/"+run.ID+"/mesh", map[string]any{
		"provider": meshgen.ProviderRodin,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(types.ErrFailedPrecondition), env.Error.Code)
}

func TestHandleGenerateMeshAndPoll(t *testing.T) {
	e := newHandlerEnv(t)
	run := e.toImagesReady(t, "user-1", meshgen.MeshCost[meshgen.ProviderMeshy])

	w, env := e.do(t, asUser("user-1"), http.MethodPost, "/api/v1/pipelines/"+run.ID+"/mesh", map[string]any{
		"provider": meshgen.ProviderMeshy,
		"format":   "glb",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, types.StatusGeneratingMesh, e.decodeRun(t, env).Status)

	// First poll: still pending.
	w, env = e.do(t, asUser("user-1"), http.MethodGet, "/api/v1/pipelines/"+run.ID+"/mesh/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var poll struct {
		Pipeline *types.PipelineRun `json:"pipeline"`
		State    string             `json:"state"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &poll))
	assert.Equal(t, string(meshgen.TaskPending), poll.State)

	// Completion on the provider side lands the mesh.
	e.clients[meshgen.ProviderMeshy].queueCompletion("glb", []byte("glb-bytes"))
	w, env = e.do(t, asUser("user-1"), http.MethodGet, "/api/v1/pipelines/"+run.ID+"/mesh/status", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, &poll))
	assert.Equal(t, types.StatusMeshReady, poll.Pipeline.Status)
	assert.NotEmpty(t, poll.Pipeline.MeshURL)
}

func TestHandleReset(t *testing.T) {
	e := newHandlerEnv(t)
	run := e.toImagesReady(t, "user-1", 0)

	w, env := e.do(t, asUser("user-1"), http.MethodPost, "/api/v1/pipelines/"+run.ID+"/reset", map[string]any{
		"target": "draft",
	})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, types.StatusDraft, e.decodeRun(t, env).Status)
}

func TestHandleReset_InvalidTarget(t *testing.T) {
	e := newHandlerEnv(t)
	run := e.toImagesReady(t, "user-1", 0)

	w, env := e.do(t, asUser("user-1"), http.MethodPost, "/api/v1/pipelines/"+run.ID+"/reset", map[string]any{
		"target": "generating-mesh",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(types.ErrInvalidArgument), env.Error.Code)
}

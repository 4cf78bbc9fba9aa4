package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/jackg825/dream-forge-web-sub003/ledger"
	"github.com/jackg825/dream-forge-web-sub003/meshgen"
	"github.com/jackg825/dream-forge-web-sub003/storage"
	"github.com/jackg825/dream-forge-web-sub003/store"
	"github.com/jackg825/dream-forge-web-sub003/synthesis"
	"github.com/jackg825/dream-forge-web-sub003/types"
)

// fakeSynth is a deterministic Synthesizer: one solid palette per
// angle, stable bytes, configurable failures.
type fakeSynth struct {
	cost     int64
	angleErr map[types.Angle]error
	allErr   error
	calls    []types.Angle
	hints    []string
}

func newFakeSynth(cost int64) *fakeSynth {
	return &fakeSynth{cost: cost, angleErr: map[types.Angle]error{}}
}

var fakePalettes = map[types.Angle][]types.PaletteColor{
	types.AngleFront: {{Hex: "#ff0000", Frequency: 90}, {Hex: "#00ff00", Frequency: 10}},
	types.AngleBack:  {{Hex: "#ff0000", Frequency: 70}, {Hex: "#0000ff", Frequency: 30}},
	types.AngleLeft:  {{Hex: "#00ff00", Frequency: 60}, {Hex: "#ff0000", Frequency: 40}},
	types.AngleRight: {{Hex: "#0000ff", Frequency: 80}, {Hex: "#ffffff", Frequency: 20}},
}

func (f *fakeSynth) GenerateAngleView(_ context.Context, _ []byte, _ string, angle types.Angle, hint string) (*synthesis.AngleResult, error) {
	f.calls = append(f.calls, angle)
	f.hints = append(f.hints, hint)
	if err := f.angleErr[angle]; err != nil {
		return nil, err
	}
	return &synthesis.AngleResult{
		ImageBytes: []byte("png-" + string(angle)),
		MimeType:   "image/png",
		Palette:    fakePalettes[angle],
	}, nil
}

func (f *fakeSynth) GenerateAllAngles(ctx context.Context, reference []byte, mimeType string, onProgress synthesis.ProgressFunc) (*synthesis.AllAnglesResult, error) {
	if f.allErr != nil {
		return nil, f.allErr
	}
	result := &synthesis.AllAnglesResult{Angles: map[types.Angle]*synthesis.AngleResult{}}
	palettes := make([][]types.PaletteColor, 0, 4)
	for i, angle := range types.CanonicalAngles {
		res, err := f.GenerateAngleView(ctx, reference, mimeType, angle, "")
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

func (f *fakeSynth) CreditCost() int64 { return f.cost }

// fakeClient is a scripted provider client.
type fakeClient struct {
	name      string
	caps      meshgen.Capability
	submitErr error
	nextTask  int
	statuses  []*meshgen.TaskStatus
	links     []meshgen.DownloadLink
	linksErr  error
	files     map[string][]byte
	submitted []*meshgen.SubmitRequest
	polls     int
}

func newFakeClient(name string) *fakeClient {
	return &fakeClient{
		name:  name,
		caps:  meshgen.Capability{Formats: []string{"glb", "obj", "stl"}, MultiView: true, PBR: true},
		files: map[string][]byte{},
	}
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Capabilities() meshgen.Capability { return f.caps }

func (f *fakeClient) Submit(_ context.Context, req *meshgen.SubmitRequest) (string, error) {
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.nextTask++
	return fmt.Sprintf("%s-task-%d", f.name, f.nextTask), nil
}

func (f *fakeClient) PollStatus(_ context.Context, _ string) (*meshgen.TaskStatus, error) {
	f.polls++
	if len(f.statuses) == 0 {
		return &meshgen.TaskStatus{State: meshgen.TaskPending}, nil
	}
	status := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return status, nil
}

func (f *fakeClient) FetchDownloadLinks(_ context.Context, _, _ string) ([]meshgen.DownloadLink, error) {
	if f.linksErr != nil {
		return nil, f.linksErr
	}
	return f.links, nil
}

func (f *fakeClient) FetchBytes(_ context.Context, url string) ([]byte, error) {
	data, ok := f.files[url]
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "no file at %s", url)
	}
	return data, nil
}

// queueCompletion scripts a completed task serving data as format.
func (f *fakeClient) queueCompletion(format string, data []byte) {
	f.statuses = append(f.statuses, &meshgen.TaskStatus{State: meshgen.TaskCompleted, Progress: 100})
	url := fmt.Sprintf("https://%s.example.com/artifact.%s", f.name, format)
	f.links = []meshgen.DownloadLink{{URL: url, Format: format}}
	f.files[url] = data
}

// fakeClients is a ClientSource over a fixed map, mirroring registry
// error semantics.
type fakeClients map[string]*fakeClient

func (f fakeClients) Get(id string) (meshgen.Client, error) {
	if !meshgen.KnownProvider(id) {
		return nil, types.NewErrorf(types.ErrInvalidArgument, "unknown provider %q", id)
	}
	client, ok := f[id]
	if !ok {
		return nil, types.NewErrorf(types.ErrFailedPrecondition, "provider %q is not configured", id)
	}
	return client, nil
}

// env bundles a service with its collaborators for assertions.
type env struct {
	svc     *Service
	store   *store.MemoryStore
	ledger  *ledger.GormLedger
	blobs   *storage.MemoryStore
	synth   *fakeSynth
	clients fakeClients
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, ledger.InitSchema(db))

	e := &env{
		store:  store.NewMemoryStore(),
		ledger: ledger.NewGormLedger(db, zap.NewNop()),
		blobs:  storage.NewMemoryStore(),
		synth:  newFakeSynth(2),
		clients: fakeClients{
			meshgen.ProviderMeshy:   newFakeClient(meshgen.ProviderMeshy),
			meshgen.ProviderTripo:   newFakeClient(meshgen.ProviderTripo),
			meshgen.ProviderTrellis: newFakeClient(meshgen.ProviderTrellis),
		},
	}
	e.clients[meshgen.ProviderTrellis].caps.PBR = false

	e.svc = NewService(Deps{
		Store:   e.store,
		Ledger:  e.ledger,
		Clients: e.clients,
		Synth:   e.synth,
		Blobs:   e.blobs,
		Logger:  zap.NewNop(),
		Config:  Config{MaxRegenerations: 3, PreferredFormat: "glb"},
		Fetch: func(_ context.Context, _ string) ([]byte, error) {
			return []byte("reference-image"), nil
		},
	})
	return e
}

func (e *env) grant(t *testing.T, userID string, amount int64) {
	t.Helper()
	require.NoError(t, e.ledger.Grant(context.Background(), userID, amount, types.TransactionCredit, "test funding", ""))
}

func (e *env) balance(t *testing.T, userID string) int64 {
	t.Helper()
	balance, err := e.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return balance
}

func (e *env) create(t *testing.T, userID string) *types.PipelineRun {
	t.Helper()
	run, err := e.svc.Create(context.Background(), userID, []types.ImageRef{
		{URL: "https://cdn.example.com/input.png", StoragePath: "inputs/input.png"},
	})
	require.NoError(t, err)
	return run
}

// toImagesReady funds the user and runs the image stage.
func (e *env) toImagesReady(t *testing.T, userID string, extraCredits int64) *types.PipelineRun {
	t.Helper()
	e.grant(t, userID, e.synth.cost+extraCredits)
	run := e.create(t, userID)
	run, err := e.svc.StartImageGeneration(context.Background(), userID, run.ID, nil)
	require.NoError(t, err)
	require.Equal(t, types.StatusImagesReady, run.Status)
	return run
}

// toMeshReady continues through a completed mesh task on the provider.
func (e *env) toMeshReady(t *testing.T, userID string, provider string, extraCredits int64) *types.PipelineRun {
	t.Helper()
	run := e.toImagesReady(t, userID, meshgen.MeshCost[provider]+extraCredits)
	ctx := context.Background()

	run, err := e.svc.StartMeshGeneration(ctx, userID, run.ID, provider, types.MeshOptions{Format: "glb"})
	require.NoError(t, err)
	require.Equal(t, types.StatusGeneratingMesh, run.Status)

	e.clients[provider].queueCompletion("glb", []byte("glb-bytes"))
	result, err := e.svc.PollMeshStatus(ctx, userID, run.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusMeshReady, result.Run.Status)
	return result.Run
}

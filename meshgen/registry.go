package meshgen

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/jackg825/dream-forge-web-sub003/types"
)

// Registry lazily constructs and caches one Client per provider
// identifier. Construction reads deployment configuration and must not
// repeat per call; the map is guarded by a mutex because the registry
// is shared across request handlers.
type Registry struct {
	cfg     Config
	logger  *zap.Logger
	mu      sync.Mutex
	clients map[string]Client
}

// NewRegistry creates a registry over the given provider configuration.
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]Client),
	}
}

// Get returns the cached client for id, constructing it on first use.
// Unknown identifiers fail with invalid-argument; a known provider
// without credentials fails with failed-precondition.
func (r *Registry) Get(id string) (Client, error) {
	if !KnownProvider(id) {
		return nil, types.NewErrorf(types.ErrInvalidArgument, "unknown provider %q", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[id]; ok {
		return c, nil
	}

	cfg, _ := r.cfg.ForProvider(id)
	if cfg.APIKey == "" {
		return nil, types.NewErrorf(types.ErrFailedPrecondition, "provider %q is not configured: missing api key", id)
	}

	var client Client
	switch id {
	case ProviderMeshy:
		client = NewMeshyClient(cfg, r.logger)
	case ProviderTripo:
		client = NewTripoClient(cfg, r.logger)
	case ProviderRodin:
		client = NewRodinClient(cfg, r.logger)
	case ProviderTrellis:
		client = NewTrellisClient(cfg, r.logger)
	case ProviderHunyuan:
		client = NewHunyuanClient(cfg, r.logger)
	}

	r.clients[id] = client
	r.logger.Info("provider client constructed", zap.String("provider", id))
	return client, nil
}

// List returns the sorted names of all constructed clients.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClearInstances drops every cached client. Test isolation only.
func (r *Registry) ClearInstances() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients = make(map[string]Client)
}

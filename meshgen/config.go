package meshgen

import "time"

// Provider identifiers accepted by the registry.
const (
	ProviderMeshy   = "meshy"
	ProviderTripo   = "tripo"
	ProviderRodin   = "rodin"
	ProviderTrellis = "trellis"
	ProviderHunyuan = "hunyuan"
)

// KnownProviders lists every valid provider identifier.
var KnownProviders = []string{ProviderMeshy, ProviderTripo, ProviderRodin, ProviderTrellis, ProviderHunyuan}

// KnownProvider reports whether id names a supported provider.
func KnownProvider(id string) bool {
	for _, p := range KnownProviders {
		if p == id {
			return true
		}
	}
	return false
}

// MeshCost is the per-provider credit cost of the mesh stage.
var MeshCost = map[string]int64{
	ProviderMeshy:   5,
	ProviderTripo:   6,
	ProviderRodin:   8,
	ProviderTrellis: 5,
	ProviderHunyuan: 6,
}

// TextureCost is the flat credit cost of the texture stage.
const TextureCost int64 = 10

// Per-call timeout classes. Submissions may include file upload and
// get the long window; status checks stay short; large model downloads
// get the longest.
const (
	statusTimeout   = 30 * time.Second
	submitTimeout   = 120 * time.Second
	downloadTimeout = 120 * time.Second
)

// ClientConfig is the shared configuration for one provider client.
type ClientConfig struct {
	APIKey  string        `json:"api_key" yaml:"api_key"`
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Model   string        `json:"model,omitempty" yaml:"model,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Config holds the per-provider client configurations.
type Config struct {
	Meshy   ClientConfig `json:"meshy" yaml:"meshy"`
	Tripo   ClientConfig `json:"tripo" yaml:"tripo"`
	Rodin   ClientConfig `json:"rodin" yaml:"rodin"`
	Trellis ClientConfig `json:"trellis" yaml:"trellis"`
	Hunyuan ClientConfig `json:"hunyuan" yaml:"hunyuan"`
}

// ForProvider returns the configuration for one provider identifier.
func (c Config) ForProvider(id string) (ClientConfig, bool) {
	switch id {
	case ProviderMeshy:
		return c.Meshy, true
	case ProviderTripo:
		return c.Tripo, true
	case ProviderRodin:
		return c.Rodin, true
	case ProviderTrellis:
		return c.Trellis, true
	case ProviderHunyuan:
		return c.Hunyuan, true
	}
	return ClientConfig{}, false
}

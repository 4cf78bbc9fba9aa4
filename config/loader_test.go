package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 100, cfg.Server.RateLimitRPS)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	assert.Equal(t, "dreamforge", cfg.Mongo.Database)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)

	assert.Equal(t, "dreamforge-artifacts", cfg.Storage.Bucket)

	assert.Equal(t, 3, cfg.Pipeline.MaxRegenerations)
	assert.Equal(t, "glb", cfg.Pipeline.PreferredFormat)
	assert.Equal(t, 15*time.Second, cfg.Pipeline.PollCacheTTL)

	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "glb", cfg.Pipeline.PreferredFormat)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s

mongo:
  uri: "mongodb://db.example.com:27017"
  database: "forge_test"

providers:
  meshy:
    api_key: "meshy-key"
    base_url: "https://api.meshy.ai"
  tripo:
    api_key: "tripo-key"

pipeline:
  max_regenerations: 5
  preferred_format: "obj"

redis:
  addr: "redis.example.com:6379"
  password: "secret"
  db: 1

log:
  level: "debug"
  format: "console"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, "mongodb://db.example.com:27017", cfg.Mongo.URI)
	assert.Equal(t, "forge_test", cfg.Mongo.Database)

	assert.Equal(t, "meshy-key", cfg.Providers.Meshy.APIKey)
	assert.Equal(t, "https://api.meshy.ai", cfg.Providers.Meshy.BaseURL)
	assert.Equal(t, "tripo-key", cfg.Providers.Tripo.APIKey)

	assert.Equal(t, 5, cfg.Pipeline.MaxRegenerations)
	assert.Equal(t, "obj", cfg.Pipeline.PreferredFormat)

	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("DREAMFORGE_SERVER_HTTP_PORT", "7777")
	t.Setenv("DREAMFORGE_MONGO_URI", "mongodb://env-mongo:27017")
	t.Setenv("DREAMFORGE_PIPELINE_MAX_REGENERATIONS", "2")
	t.Setenv("DREAMFORGE_PIPELINE_PREFERRED_FORMAT", "stl")
	t.Setenv("DREAMFORGE_REDIS_ADDR", "env-redis:6379")
	t.Setenv("DREAMFORGE_LOG_LEVEL", "warn")
	t.Setenv("DREAMFORGE_TELEMETRY_SAMPLE_RATE", "0.5")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, "mongodb://env-mongo:27017", cfg.Mongo.URI)
	assert.Equal(t, 2, cfg.Pipeline.MaxRegenerations)
	assert.Equal(t, "stl", cfg.Pipeline.PreferredFormat)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 0.5, cfg.Telemetry.SampleRate)
}

// Provider client config has yaml tags but no env tags; the loader
// derives the key from the yaml tag.
func TestLoader_EnvReachesNestedProviderConfig(t *testing.T) {
	os.Setenv("DREAMFORGE_PROVIDERS_MESHY_API_KEY", "env-meshy-key")
	os.Setenv("DREAMFORGE_STORAGE_BUCKET", "env-bucket")
	defer func() {
		os.Unsetenv("DREAMFORGE_PROVIDERS_MESHY_API_KEY")
		os.Unsetenv("DREAMFORGE_STORAGE_BUCKET")
	}()

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "env-meshy-key", cfg.Providers.Meshy.APIKey)
	assert.Equal(t, "env-bucket", cfg.Storage.Bucket)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8888
mongo:
  uri: "mongodb://yaml-mongo:27017"
  database: "yaml_db"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	os.Setenv("DREAMFORGE_SERVER_HTTP_PORT", "9999")
	os.Setenv("DREAMFORGE_MONGO_URI", "mongodb://env-mongo:27017")
	defer func() {
		os.Unsetenv("DREAMFORGE_SERVER_HTTP_PORT")
		os.Unsetenv("DREAMFORGE_MONGO_URI")
	}()

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "mongodb://env-mongo:27017", cfg.Mongo.URI)
	// yaml value survives where no env override exists
	assert.Equal(t, "yaml_db", cfg.Mongo.Database)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	os.Setenv("MYAPP_SERVER_HTTP_PORT", "6666")
	defer os.Unsetenv("MYAPP_SERVER_HTTP_PORT")

	cfg, err := NewLoader().
		WithEnvPrefix("MYAPP").
		Load()
	require.NoError(t, err)

	assert.Equal(t, 6666, cfg.Server.HTTPPort)
}

func TestLoader_WithValidator(t *testing.T) {
	validator := func(cfg *Config) error {
		if cfg.Server.HTTPPort < 1024 {
			return assert.AnError
		}
		return nil
	}

	os.Setenv("DREAMFORGE_SERVER_HTTP_PORT", "80")
	defer os.Unsetenv("DREAMFORGE_SERVER_HTTP_PORT")

	_, err := NewLoader().
		WithValidator(validator).
		Load()
	assert.Error(t, err)
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath("/non/existent/path/config.yaml").
		Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	invalidYAML := `
server:
  http_port: [invalid
  this is not valid yaml
`
	err := os.WriteFile(configPath, []byte(invalidYAML), 0644)
	require.NoError(t, err)

	_, err = NewLoader().
		WithConfigPath(configPath).
		Load()
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid HTTP port (negative)",
			modify: func(c *Config) {
				c.Server.HTTPPort = -1
			},
			wantErr: true,
		},
		{
			name: "invalid HTTP port (too large)",
			modify: func(c *Config) {
				c.Server.HTTPPort = 70000
			},
			wantErr: true,
		},
		{
			name: "unknown log level",
			modify: func(c *Config) {
				c.Log.Level = "verbose"
			},
			wantErr: true,
		},
		{
			name: "unknown database driver",
			modify: func(c *Config) {
				c.Database.Driver = "oracle"
			},
			wantErr: true,
		},
		{
			name: "negative regeneration cap",
			modify: func(c *Config) {
				c.Pipeline.MaxRegenerations = -1
			},
			wantErr: true,
		},
		{
			name: "unknown preferred format",
			modify: func(c *Config) {
				c.Pipeline.PreferredFormat = "step"
			},
			wantErr: true,
		},
		{
			name: "telemetry enabled without endpoint",
			modify: func(c *Config) {
				c.Telemetry.Enabled = true
				c.Telemetry.OTLPEndpoint = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "postgres DSN",
			config: DatabaseConfig{
				Driver:   "postgres",
				Host:     "localhost",
				Port:     5432,
				User:     "user",
				Password: "pass",
				Name:     "dbname",
				SSLMode:  "disable",
			},
			expected: "host=localhost port=5432 user=user password=pass dbname=dbname sslmode=disable",
		},
		{
			name: "mysql DSN",
			config: DatabaseConfig{
				Driver:   "mysql",
				Host:     "localhost",
				Port:     3306,
				User:     "user",
				Password: "pass",
				Name:     "dbname",
			},
			expected: "user:pass@tcp(localhost:3306)/dbname?parseTime=true",
		},
		{
			name: "sqlite DSN",
			config: DatabaseConfig{
				Driver: "sqlite",
				Name:   "/path/to/db.sqlite",
			},
			expected: "/path/to/db.sqlite",
		},
		{
			name: "unknown driver",
			config: DatabaseConfig{
				Driver: "unknown",
			},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

func TestMustLoad_Success(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
server:
  http_port: 8080
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		cfg := MustLoad(configPath)
		assert.Equal(t, 8080, cfg.Server.HTTPPort)
	})
}

func TestMustLoad_InvalidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	err := os.WriteFile(configPath, []byte("invalid: [yaml"), 0644)
	require.NoError(t, err)

	assert.Panics(t, func() {
		MustLoad(configPath)
	})
}

func TestLoadFromEnv_Function(t *testing.T) {
	os.Setenv("DREAMFORGE_MONGO_DATABASE", "env_only_db")
	defer os.Unsetenv("DREAMFORGE_MONGO_DATABASE")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "env_only_db", cfg.Mongo.Database)
}

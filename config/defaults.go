// Default values for every DreamForge configuration section.
package config

import (
	"time"

	"github.com/jackg825/dream-forge-web-sub003/internal/cache"
	"github.com/jackg825/dream-forge-web-sub003/meshgen"
	"github.com/jackg825/dream-forge-web-sub003/storage"
	"github.com/jackg825/dream-forge-web-sub003/synthesis"
)

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Mongo:     DefaultMongoConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     cache.DefaultConfig(),
		Storage:   DefaultStorageConfig(),
		Providers: meshgen.Config{},
		Synthesis: DefaultSynthesisConfig(),
		Pipeline:  DefaultPipelineConfig(),
		Auth:      DefaultAuthConfig(),
	}
}

// DefaultServerConfig returns the default listener settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultLogConfig returns the default logger settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns telemetry disabled by default.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "dreamforge",
		SampleRate:   0.1,
	}
}

// DefaultMongoConfig returns the default pipeline store settings.
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:      "mongodb://localhost:27017",
		Database: "dreamforge",
		Timeout:  10 * time.Second,
	}
}

// DefaultDatabaseConfig returns the default credit ledger settings.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "dreamforge",
		Password:        "",
		Name:            "dreamforge",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultStorageConfig returns the default artifact store settings.
func DefaultStorageConfig() storage.Config {
	return storage.Config{
		Endpoint: "localhost:9000",
		Bucket:   "dreamforge-artifacts",
		UseSSL:   false,
	}
}

// DefaultSynthesisConfig returns the default image synthesis settings.
func DefaultSynthesisConfig() synthesis.Config {
	return synthesis.Config{
		Model:   "gemini-2.5-flash-image",
		Timeout: 2 * time.Minute,
	}
}

// DefaultPipelineConfig returns the default orchestration tunables.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MaxRegenerations: 3,
		PreferredFormat:  "glb",
		PollCacheTTL:     15 * time.Second,
	}
}

// DefaultAuthConfig returns the default JWT settings.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Issuer:   "dreamforge",
		TokenTTL: 24 * time.Hour,
	}
}

package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// AppConfig is the root configuration, parsed from the environment with
// github.com/caarlos0/env. Each concern lives in its own file:
//   - database.go: Postgres, Redis and cache TTLs
//   - http.go: API server
//   - services.go: service modes, workers and the reaper
//   - pipeline.go: external tools, AI provider and artifact storage
//   - observability.go: metrics
type AppConfig struct {
	// Env is "development" or "production". Development relaxes secret requirements.
	Env string `env:"APP_ENV" envDefault:"production"`

	// LogLevel accepts debug, info, warn or error.
	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"info"`

	// SecretsEncryptionKey seals webhook secrets at rest (64 hex chars or a passphrase).
	SecretsEncryptionKey string `env:"SECRETS_ENCRYPTION_KEY"`

	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`
	Cache    CacheConfig

	HTTP HTTPConfig

	// Services lists the service modes this process runs.
	Services string `env:"SERVICES" envDefault:"http,pipeline-runner,webhook-runner,reaper"`

	PipelineRunner PipelineRunnerConfig
	WebhookRunner  WebhookRunnerConfig
	Reaper         ReaperConfig

	Tools     ToolsConfig     `envPrefix:"TOOLS_"`
	Providers ProvidersConfig `envPrefix:"OPENAI_"`
	Artifacts ArtifactConfig  `envPrefix:"ARTIFACT_"`

	Observability ObservabilityConfig
}

// Sanitize clamps loaded values into their supported ranges.
func (c *AppConfig) Sanitize() {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	c.Postgres.Sanitize()
	c.HTTP.Sanitize()
	c.PipelineRunner.Sanitize()
	c.WebhookRunner.Sanitize()
	c.Reaper.Sanitize()
	c.Tools.Sanitize()
	c.Providers.Sanitize()
	c.Artifacts.Sanitize()
	c.Observability.Sanitize()
}

// IsDev reports whether the process runs in development mode.
func (c *AppConfig) IsDev() bool {
	return c.Env == "development" || c.Env == "dev"
}

// Validate rejects configurations the process cannot start with.
func (c *AppConfig) Validate() error {
	services, err := c.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("invalid service configuration: %w", err)
	}
	if len(services) == 0 {
		return errors.New("no services enabled")
	}
	if !c.IsDev() && strings.TrimSpace(c.SecretsEncryptionKey) == "" {
		return errors.New("SECRETS_ENCRYPTION_KEY is required outside development")
	}
	if _, err := c.Artifacts.Key(); err != nil {
		return err
	}
	return nil
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// Enabled reports whether mode is listed in Services. A malformed list enables nothing.
func (c *AppConfig) Enabled(mode ServiceMode) bool {
	services, err := c.GetEnabledServices()
	return err == nil && services[mode]
}

// DeriveKey turns a configured secret into a 32-byte AES key. A 64-character
// hex string is decoded as-is; anything else is hashed with SHA-256.
// name is the environment variable reported when raw is blank.
func DeriveKey(name, raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%s is required", name)
	}
	if decoded, err := hex.DecodeString(raw); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	sum := sha256.Sum256([]byte(raw))
	return sum[:], nil
}

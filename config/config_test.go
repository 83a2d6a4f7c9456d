package config

import (
	"bytes"
	"encoding/hex"
	"log/slog"
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:  "single service - http",
			input: "http",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP: true,
			},
		},
		{
			name:  "single service - pipeline-runner",
			input: "pipeline-runner",
			expected: map[ServiceMode]bool{
				ServiceModePipelineRunner: true,
			},
		},
		{
			name:  "all services",
			input: "http,pipeline-runner,webhook-runner,reaper",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:           true,
				ServiceModePipelineRunner: true,
				ServiceModeWebhookRunner:  true,
				ServiceModeReaper:         true,
			},
		},
		{
			name:  "services with spaces",
			input: " http , webhook-runner ",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:          true,
				ServiceModeWebhookRunner: true,
			},
		},
		{
			name:  "duplicate services",
			input: "http,http,reaper",
			expected: map[ServiceMode]bool{
				ServiceModeHTTP:   true,
				ServiceModeReaper: true,
			},
		},
		{
			name:        "empty string",
			input:       "",
			expectError: true,
		},
		{
			name:        "only commas",
			input:       ",,",
			expectError: true,
		},
		{
			name:        "invalid service name",
			input:       "http,rules-engine",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseServices(tt.input)

			if tt.expectError {
				if err == nil {
					t.Errorf("expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}

			if len(result) != len(tt.expected) {
				t.Errorf("expected %d services, got %d", len(tt.expected), len(result))
				return
			}

			for service, expected := range tt.expected {
				if result[service] != expected {
					t.Errorf("expected service %s to be %v, got %v", service, expected, result[service])
				}
			}
		})
	}
}

func TestConfig_ServiceEnabledMethods(t *testing.T) {
	tests := []struct {
		name     string
		services string
		http     bool
		pipeline bool
		webhook  bool
		reaper   bool
	}{
		{name: "http only", services: "http", http: true},
		{name: "workers", services: "pipeline-runner,webhook-runner", pipeline: true, webhook: true},
		{name: "reaper only", services: "reaper", reaper: true},
		{name: "invalid disables everything", services: "invalid-service"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := AppConfig{Services: tt.services}

			got := map[ServiceMode]bool{
				ServiceModeHTTP:           cfg.Enabled(ServiceModeHTTP),
				ServiceModePipelineRunner: cfg.Enabled(ServiceModePipelineRunner),
				ServiceModeWebhookRunner:  cfg.Enabled(ServiceModeWebhookRunner),
				ServiceModeReaper:         cfg.Enabled(ServiceModeReaper),
			}
			want := map[ServiceMode]bool{
				ServiceModeHTTP:           tt.http,
				ServiceModePipelineRunner: tt.pipeline,
				ServiceModeWebhookRunner:  tt.webhook,
				ServiceModeReaper:         tt.reaper,
			}
			for mode, w := range want {
				if got[mode] != w {
					t.Errorf("Enabled(%s): expected %v", mode, w)
				}
			}
		})
	}
}

func TestAppConfig_Validate(t *testing.T) {
	base := AppConfig{
		Env:                  "production",
		Services:             "http",
		SecretsEncryptionKey: "webhook-secret-key",
		Artifacts:            ArtifactConfig{EncryptionKey: "artifact-key"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	noSecrets := base
	noSecrets.SecretsEncryptionKey = ""
	if err := noSecrets.Validate(); err == nil {
		t.Errorf("expected SECRETS_ENCRYPTION_KEY to be required in production")
	}
	noSecrets.Env = "development"
	if err := noSecrets.Validate(); err != nil {
		t.Errorf("expected development to allow a missing secrets key, got %v", err)
	}

	noArtifactKey := base
	noArtifactKey.Artifacts.EncryptionKey = " "
	if err := noArtifactKey.Validate(); err == nil {
		t.Errorf("expected ARTIFACT_ENCRYPTION_KEY to be required")
	}

	badServices := base
	badServices.Services = "http,rules-engine"
	if err := badServices.Validate(); err == nil {
		t.Errorf("expected an unknown service mode to be rejected")
	}
}

func TestValidServiceModes(t *testing.T) {
	modes := ValidServiceModes()
	expected := []ServiceMode{
		ServiceModeHTTP,
		ServiceModePipelineRunner,
		ServiceModeWebhookRunner,
		ServiceModeReaper,
	}

	if len(modes) != len(expected) {
		t.Fatalf("expected %d service modes, got %d", len(expected), len(modes))
	}

	for i, mode := range modes {
		if mode != expected[i] {
			t.Errorf("expected service mode %s at index %d, got %s", expected[i], i, mode)
		}
	}
}

func TestAppConfig_ParseEnvDefaults(t *testing.T) {
	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.Reaper.Schedule != DefaultReaperSchedule {
		t.Errorf("expected default reaper schedule, got %q", cfg.Reaper.Schedule)
	}
	if cfg.Reaper.Retention() != 7*24*time.Hour {
		t.Errorf("expected 7 day retention, got %v", cfg.Reaper.Retention())
	}
	if cfg.PipelineRunner.Concurrency != 2 {
		t.Errorf("expected pipeline concurrency 2, got %d", cfg.PipelineRunner.Concurrency)
	}
	if cfg.Artifacts.Backend != ArtifactBackendLocal {
		t.Errorf("expected local artifact backend, got %q", cfg.Artifacts.Backend)
	}
	if cfg.IsDev() {
		t.Errorf("expected production by default")
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("expected info log level, got %v", cfg.LogLevel)
	}
	if cfg.Providers.TranscribeModel != "whisper-1" || cfg.Providers.ChatModel != "gpt-4" {
		t.Errorf("unexpected provider models: %+v", cfg.Providers)
	}
}

func TestAppConfig_ParsePrefixedEnv(t *testing.T) {
	t.Setenv("TOOLS_YTDLP", "/opt/bin/yt-dlp")
	t.Setenv("TOOLS_MAX_SCREENSHOTS", "4")
	t.Setenv("OPENAI_API_KEY", " sk-test ")
	t.Setenv("OPENAI_BASE_URL", "http://llm.local/")
	t.Setenv("ARTIFACT_BACKEND", "S3")
	t.Setenv("ARTIFACT_S3_PREFIX", "sopline")
	t.Setenv("CLEANUP_DAYS", "3")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("APP_ENV", " Development ")

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.Tools.YtDlp != "/opt/bin/yt-dlp" || cfg.Tools.MaxScreenshots != 4 {
		t.Errorf("unexpected tools config: %+v", cfg.Tools)
	}
	if cfg.Providers.APIKey != "sk-test" || cfg.Providers.BaseURL != "http://llm.local" {
		t.Errorf("unexpected providers config: %+v", cfg.Providers)
	}
	if cfg.Artifacts.Backend != ArtifactBackendS3 || cfg.Artifacts.S3Prefix != "sopline/" {
		t.Errorf("unexpected artifact config: %+v", cfg.Artifacts)
	}
	if cfg.LogLevel != slog.LevelDebug || !cfg.IsDev() {
		t.Errorf("unexpected env/log level: %q %v", cfg.Env, cfg.LogLevel)
	}
	if cfg.Reaper.CleanupDays != 3 {
		t.Errorf("expected cleanup days 3, got %d", cfg.Reaper.CleanupDays)
	}
}

func TestReaperConfig_Sanitize(t *testing.T) {
	cfg := ReaperConfig{Schedule: "every tuesday", CleanupDays: 0, TaskMaxAge: time.Minute, BatchSize: 50000}
	cfg.Sanitize()

	if cfg.Schedule != DefaultReaperSchedule {
		t.Errorf("expected invalid schedule to fall back, got %q", cfg.Schedule)
	}
	if cfg.CleanupDays != 1 {
		t.Errorf("expected cleanup days clamped to 1, got %d", cfg.CleanupDays)
	}
	if cfg.TaskMaxAge != time.Hour {
		t.Errorf("expected task max age clamped to 1h, got %v", cfg.TaskMaxAge)
	}
	if cfg.BatchSize != 1000 {
		t.Errorf("expected batch size clamped to 1000, got %d", cfg.BatchSize)
	}

	cfg = ReaperConfig{Schedule: " */15 * * * * ", CleanupDays: 7, TaskMaxAge: time.Hour, BatchSize: 10}
	cfg.Sanitize()
	if cfg.Schedule != "*/15 * * * *" {
		t.Errorf("expected valid schedule to be kept, got %q", cfg.Schedule)
	}
}

func TestToolsConfig_Timeouts(t *testing.T) {
	t.Setenv("TOOLS_FFMPEG_TIMEOUT", "45m")
	t.Setenv("TOOLS_RENDER_TIMEOUT", "1s")

	var cfg AppConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.Sanitize()

	if cfg.Tools.ProbeTimeout != 2*time.Minute || cfg.Tools.DownloadTimeout != time.Hour {
		t.Errorf("unexpected default timeouts: %+v", cfg.Tools)
	}
	if cfg.Tools.FFmpegTimeout != 45*time.Minute {
		t.Errorf("expected ffmpeg timeout 45m, got %v", cfg.Tools.FFmpegTimeout)
	}
	if cfg.Tools.RenderTimeout != 10*time.Second {
		t.Errorf("expected render timeout raised to 10s, got %v", cfg.Tools.RenderTimeout)
	}

	tools := ToolsConfig{}
	tools.Sanitize()
	if tools.FFmpegTimeout != 30*time.Minute || tools.RenderTimeout != 5*time.Minute {
		t.Errorf("expected unset timeouts to take defaults: %+v", tools)
	}
}

func TestWebhookRunnerConfig_SanitizeKeepsTimeoutInsideLease(t *testing.T) {
	cfg := WebhookRunnerConfig{Concurrency: 0, JobLease: 10 * time.Second, Timeout: time.Minute}
	cfg.Sanitize()

	if cfg.Concurrency != 1 {
		t.Errorf("expected concurrency clamped to 1, got %d", cfg.Concurrency)
	}
	if cfg.Timeout != 5*time.Second {
		t.Errorf("expected timeout of half the lease, got %v", cfg.Timeout)
	}
}

func TestArtifactConfig_Key(t *testing.T) {
	raw := bytes.Repeat([]byte{0xab}, 32)

	key, err := ArtifactConfig{EncryptionKey: hex.EncodeToString(raw)}.Key()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(key, raw) {
		t.Errorf("expected hex key to be decoded")
	}

	key, err = ArtifactConfig{EncryptionKey: "correct horse battery staple"}.Key()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("expected a 32-byte derived key, got %d bytes", len(key))
	}

	if _, err := (ArtifactConfig{}).Key(); err == nil {
		t.Errorf("expected an error for an empty key")
	}

	a, _ := DeriveKey("X", " passphrase ")
	b, _ := DeriveKey("X", "passphrase")
	if !bytes.Equal(a, b) {
		t.Errorf("expected surrounding whitespace to be ignored")
	}
}

func TestObservabilityMetricsConfig_Sanitize(t *testing.T) {
	cfg := ObservabilityMetricsConfig{
		Enabled:       true,
		StatsdAddress: " ",
	}

	cfg.Sanitize()

	if cfg.Enabled {
		t.Fatalf("expected enabled to be false when address is empty")
	}

	cfg = ObservabilityMetricsConfig{
		Enabled:       true,
		StatsdAddress: " statsd:1234 ",
		Prefix:        "sopline.",
	}

	cfg.Sanitize()

	if !cfg.IsEnabled() {
		t.Fatalf("expected metrics to remain enabled")
	}
	if cfg.StatsdAddress != "statsd:1234" {
		t.Fatalf("expected address to be trimmed, got %q", cfg.StatsdAddress)
	}
	if cfg.Prefix != "sopline" {
		t.Fatalf("expected prefix dots to be trimmed, got %q", cfg.Prefix)
	}
}

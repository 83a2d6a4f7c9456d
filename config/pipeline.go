package config

import (
	"strings"
	"time"
)

// ToolsConfig locates the external programs the pipeline shells out to.
type ToolsConfig struct {
	YtDlp    string `env:"YTDLP"    envDefault:"yt-dlp"`
	FFmpeg   string `env:"FFMPEG"   envDefault:"ffmpeg"`
	FFprobe  string `env:"FFPROBE"  envDefault:"ffprobe"`
	Chromium string `env:"CHROMIUM" envDefault:"chromium"`

	// CookiesPath is an optional Netscape cookie file handed to yt-dlp.
	CookiesPath string `env:"YTDLP_COOKIES"`

	// WorkDir holds per-run working directories (downloads, audio, raw frames).
	WorkDir string `env:"WORK_DIR" envDefault:"./data/work"`

	// ScreenshotInterval and MaxScreenshots derive the number of frames per video.
	ScreenshotInterval time.Duration `env:"SCREENSHOT_INTERVAL" envDefault:"30s"`
	MaxScreenshots     int           `env:"MAX_SCREENSHOTS"     envDefault:"10"`

	// Per-call limits for external tools. A call that runs past its limit is killed.
	ProbeTimeout    time.Duration `env:"PROBE_TIMEOUT"    envDefault:"2m"`
	DownloadTimeout time.Duration `env:"DOWNLOAD_TIMEOUT" envDefault:"1h"`
	FFmpegTimeout   time.Duration `env:"FFMPEG_TIMEOUT"   envDefault:"30m"`
	RenderTimeout   time.Duration `env:"RENDER_TIMEOUT"   envDefault:"5m"`
}

// Sanitize applies guardrails to tool configuration values.
func (t *ToolsConfig) Sanitize() {
	t.CookiesPath = strings.TrimSpace(t.CookiesPath)
	if t.ScreenshotInterval < time.Second {
		t.ScreenshotInterval = 30 * time.Second
	}
	if t.MaxScreenshots < 1 {
		t.MaxScreenshots = 1
	}
	t.ProbeTimeout = atLeast(t.ProbeTimeout, 5*time.Second, 2*time.Minute)
	t.DownloadTimeout = atLeast(t.DownloadTimeout, time.Minute, time.Hour)
	t.FFmpegTimeout = atLeast(t.FFmpegTimeout, 10*time.Second, 30*time.Minute)
	t.RenderTimeout = atLeast(t.RenderTimeout, 10*time.Second, 5*time.Minute)
}

// atLeast returns def when d is unset and floor when d is below it.
func atLeast(d, floor, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return max(d, floor)
}

// ProvidersConfig configures the transcription and generation API.
type ProvidersConfig struct {
	APIKey          string        `env:"API_KEY"`
	BaseURL         string        `env:"BASE_URL"         envDefault:"https://api.openai.com"`
	TranscribeModel string        `env:"TRANSCRIBE_MODEL" envDefault:"whisper-1"`
	ChatModel       string        `env:"CHAT_MODEL"       envDefault:"gpt-4"`
	Timeout         time.Duration `env:"TIMEOUT"          envDefault:"180s"`
}

// Sanitize applies guardrails to provider configuration values.
func (p *ProvidersConfig) Sanitize() {
	p.APIKey = strings.TrimSpace(p.APIKey)
	p.BaseURL = strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
	if p.Timeout <= 0 {
		p.Timeout = 180 * time.Second
	}
}

// Artifact storage backends.
const (
	ArtifactBackendLocal = "local"
	ArtifactBackendS3    = "s3"
)

// ArtifactConfig configures encrypted artifact storage.
type ArtifactConfig struct {
	Backend string `env:"BACKEND" envDefault:"local"`

	// Dir is the root of the local backend.
	Dir string `env:"DIR" envDefault:"./data/artifacts"`

	// TempDir receives short-lived decrypted copies.
	TempDir string `env:"TEMP_DIR"`

	// EncryptionKey is 64 hex characters (32 bytes) or any string, which is hashed with SHA-256.
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
	S3Bucket    string `env:"S3_BUCKET"     envDefault:"sopline"`
	S3Region    string `env:"S3_REGION"`
	S3UseSSL    bool   `env:"S3_USE_SSL"    envDefault:"true"`
	S3Prefix    string `env:"S3_PREFIX"`
}

// Sanitize applies guardrails to artifact configuration values.
func (a *ArtifactConfig) Sanitize() {
	a.Backend = strings.ToLower(strings.TrimSpace(a.Backend))
	if a.Backend != ArtifactBackendS3 {
		a.Backend = ArtifactBackendLocal
	}
	if a.S3Prefix != "" && !strings.HasSuffix(a.S3Prefix, "/") {
		a.S3Prefix += "/"
	}
}

// Key derives the 32-byte AES key used to seal artifacts.
func (a ArtifactConfig) Key() ([]byte, error) {
	return DeriveKey("ARTIFACT_ENCRYPTION_KEY", a.EncryptionKey)
}

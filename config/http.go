package config

import "strings"

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// BaseURL prefixes the resultUrl of completed jobs in webhook payloads.
	BaseURL string `env:"HTTP_BASE_URL" envDefault:"http://localhost:8080"`

	// MaxUploadBytes caps a multipart video upload (default 2 GiB, floor 1 MiB).
	MaxUploadBytes int64 `env:"HTTP_MAX_UPLOAD_BYTES" envDefault:"2147483648"`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	h.Addr = strings.TrimSpace(h.Addr)
	if h.Addr == "" {
		h.Addr = ":8080"
	}
	h.BaseURL = strings.TrimRight(strings.TrimSpace(h.BaseURL), "/")
	h.MaxUploadBytes = max(h.MaxUploadBytes, 1<<20)
}

package artifact

import (
	"fmt"
	"path"
	"strings"

	apperrors "github.com/target/sopline/internal/errors"
)

// Key prefixes of the storage layout.
const (
	PrefixExports     = "exports"
	PrefixScreenshots = "screenshots"
	PrefixUploads     = "uploads"
)

// ExportKey is the key of a job export; ext is "pdf", "md", or "jpg".
func ExportKey(jobID, ext string) string {
	return path.Join(PrefixExports, jobID+"."+ext)
}

// ScreenshotKey is the key of the n-th (1-based) screenshot of a job.
func ScreenshotKey(jobID string, n int) string {
	return path.Join(PrefixScreenshots, jobID, fmt.Sprintf("%03d.jpg", n))
}

// UploadKey is the key of an uploaded source video.
func UploadKey(id, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		ext = "bin"
	}
	return path.Join(PrefixUploads, id+"."+ext)
}

// IsUploadKey reports whether key names a stored upload.
func IsUploadKey(key string) bool {
	return strings.HasPrefix(key, PrefixUploads+"/")
}

// ValidateKey rejects keys that could escape the store root.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return apperrors.Validationf("invalid artifact key %q", key)
	}
	if path.Clean(key) != key {
		return apperrors.Validationf("invalid artifact key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." || part == "" {
			return apperrors.Validationf("invalid artifact key %q", key)
		}
	}
	return nil
}

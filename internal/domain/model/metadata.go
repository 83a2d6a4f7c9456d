package model

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Well-known metadata keys written by pipeline stages.
const (
	MetaTitle            = "title"
	MetaDuration         = "duration"
	MetaThumbnail        = "thumbnail"
	MetaDownloadProgress = "downloadProgress"
	MetaFormat           = "format"
	MetaResolution       = "resolution"
	MetaSize             = "size"
	// MetaAudioPath marks that audio extraction finished. It names a work-dir file that
	// CLEANUP removes, so it is never a download target.
	MetaAudioPath        = "audioPath"
	MetaScreenshots      = "screenshots"
	MetaTranscript       = "transcript"
	MetaDocument         = "document"
	MetaTemplate         = "template"
	MetaPDFPath          = "pdfPath"
	MetaMarkdownPath     = "markdownPath"
	MetaImagePath        = "imagePath"
	MetaStage            = "stage"
)

// Metadata is the open key/value bag attached to a job.
type Metadata map[string]any

// ParseMetadata decodes raw JSON metadata; empty input yields an empty bag.
func ParseMetadata(raw json.RawMessage) (Metadata, error) {
	m := Metadata{}
	if len(raw) == 0 || string(raw) == "null" {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

// Merge returns the shallow union of m and patch; keys in patch win, keys absent from patch are kept.
// The receiver is not modified.
func (m Metadata) Merge(patch Metadata) Metadata {
	out := make(Metadata, len(m)+len(patch))
	maps.Copy(out, m)
	maps.Copy(out, patch)
	return out
}

// String returns the string value at key, or "".
func (m Metadata) String(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Strings returns the string list at key. JSON-decoded lists arrive as []any.
func (m Metadata) Strings(key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// ArtifactKeys lists every artifact key referenced by the bag.
func (m Metadata) ArtifactKeys() []string {
	var keys []string
	for _, k := range []string{MetaPDFPath, MetaMarkdownPath, MetaImagePath} {
		if v := m.String(k); v != "" {
			keys = append(keys, v)
		}
	}
	return append(keys, m.Strings(MetaScreenshots)...)
}

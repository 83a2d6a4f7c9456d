package generation

import (
	"strings"

	apperrors "github.com/target/sopline/internal/errors"
)

const (
	minTranscriptLen = 10
	minDocumentLen   = 100
)

// ValidateTranscript rejects empty or implausibly short transcripts.
func ValidateTranscript(transcript string) error {
	t := strings.TrimSpace(transcript)
	if t == "" {
		return apperrors.EmptyOutputf("Transcription is empty")
	}
	if len(t) < minTranscriptLen {
		return apperrors.CorruptOutputf("Transcription is too short")
	}
	return nil
}

// ValidateDocument checks length and that every template heading is present.
func ValidateDocument(doc string, tmpl Template) error {
	d := strings.TrimSpace(doc)
	if d == "" {
		return apperrors.EmptyOutputf("Generated document is empty")
	}
	if len(d) < minDocumentLen {
		return apperrors.CorruptOutputf("Generated document is too short")
	}
	if missing := tmpl.MissingSections(d); len(missing) > 0 {
		return apperrors.CorruptOutputf("Generated document is missing sections: %s", strings.Join(missing, ", "))
	}
	return nil
}

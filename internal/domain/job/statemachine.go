// Package job holds the lifecycle rules of a video job, independent of storage.
package job

import (
	"fmt"

	"github.com/target/sopline/internal/domain/model"
)

// edges lists every legal status change. FAILED -> PENDING is the only backward edge.
// PROCESSING -> PROCESSING lets a redelivered task restart a run interrupted by a crash.
var edges = map[model.JobStatus][]model.JobStatus{
	model.JobStatusPending:    {model.JobStatusProcessing, model.JobStatusFailed},
	model.JobStatusProcessing: {model.JobStatusProcessing, model.JobStatusCompleted, model.JobStatusFailed},
	model.JobStatusFailed:     {model.JobStatusPending},
	model.JobStatusCompleted:  nil,
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to model.JobStatus) bool {
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	From model.JobStatus
	To   model.JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal job transition %s -> %s", e.From, e.To)
}

// CheckTransition returns a *TransitionError when the edge is not allowed.
func CheckTransition(from, to model.JobStatus) error {
	if !to.Valid() || !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// AllowedFrom lists the statuses a job may be in before moving to the target status.
// The repository uses it to guard the UPDATE so concurrent callers cannot skip an edge.
func AllowedFrom(to model.JobStatus) []model.JobStatus {
	var out []model.JobStatus
	for _, from := range []model.JobStatus{
		model.JobStatusPending, model.JobStatusProcessing, model.JobStatusCompleted, model.JobStatusFailed,
	} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Stage names one discrete pipeline step.
type Stage string

const (
	StageFetch              Stage = "FETCH"
	StageProbe              Stage = "PROBE"
	StageExtractAudio       Stage = "EXTRACT_AUDIO"
	StageExtractScreenshots Stage = "EXTRACT_SCREENSHOTS"
	StageTranscribe         Stage = "TRANSCRIBE"
	StageGenerate           Stage = "GENERATE"
	StageExport             Stage = "EXPORT"
	StageCleanup            Stage = "CLEANUP"
)

// Stages returns the fixed stage order for a source kind. FILE jobs skip FETCH.
// CLEANUP is not listed; it always runs after the others.
func Stages(kind model.SourceKind) []Stage {
	stages := []Stage{
		StageProbe, StageExtractAudio, StageExtractScreenshots, StageTranscribe, StageGenerate, StageExport,
	}
	if kind == model.SourceKindRemote {
		return append([]Stage{StageFetch}, stages...)
	}
	return stages
}

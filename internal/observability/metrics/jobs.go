// Package metrics emits the pipeline's StatsD metrics with a consistent tag set.
package metrics

import (
	"time"

	obserrors "github.com/target/sopline/internal/observability/errors"
	"github.com/target/sopline/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// TaskMetric captures details about a queue task lifecycle event for metric emission.
type TaskMetric struct {
	TaskType   string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits standardised task lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in TaskMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"task_type":  in.TaskType,
		"transition": in.Transition,
		"result":     in.Result,
	}
	addErrorClass(tags, in.Result, in.Err)

	sink.Count("task.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("task.duration", in.Duration, CloneTags(tags))
	}
}

// StageMetric describes one finished pipeline stage.
type StageMetric struct {
	Stage      string
	SourceKind string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitStage emits a counter and a timing for a pipeline stage.
func EmitStage(sink statsd.Sink, in StageMetric) {
	if sink == nil {
		return
	}
	tags := map[string]string{
		"stage":       in.Stage,
		"source_kind": in.SourceKind,
		"result":      in.Result,
	}
	addErrorClass(tags, in.Result, in.Err)

	sink.Count("pipeline.stage", 1, tags)
	if in.Duration > 0 {
		sink.Timing("pipeline.stage.duration", in.Duration, CloneTags(tags))
	}
}

func addErrorClass(tags map[string]string, result string, err error) {
	if err == nil || result != ResultError {
		return
	}
	if class := obserrors.Classify(err); class != "" {
		tags["error_class"] = class
	}
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/target/sopline/internal/errors"
)

type recordedMetric struct {
	kind  string
	name  string
	tags  map[string]string
	value any
}

type recordingSink struct {
	mu      sync.Mutex
	metrics []recordedMetric
}

func (r *recordingSink) Count(name string, value int64, tags map[string]string) {
	r.add("count", name, value, tags)
}

func (r *recordingSink) Gauge(name string, value float64, tags map[string]string) {
	r.add("gauge", name, value, tags)
}

func (r *recordingSink) Timing(name string, value time.Duration, tags map[string]string) {
	r.add("timing", name, value, tags)
}

func (r *recordingSink) add(kind, name string, value any, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, recordedMetric{kind: kind, name: name, tags: tags, value: value})
}

func TestEmitStage(t *testing.T) {
	sink := &recordingSink{}
	EmitStage(sink, StageMetric{
		Stage:      "PROBE",
		SourceKind: "FILE",
		Result:     ResultError,
		Duration:   2 * time.Second,
		Err:        apperrors.Transformf("Failed to probe video"),
	})

	require.Len(t, sink.metrics, 2)
	assert.Equal(t, "pipeline.stage", sink.metrics[0].name)
	assert.Equal(t, "transform", sink.metrics[0].tags["error_class"])
	assert.Equal(t, "PROBE", sink.metrics[0].tags["stage"])
	assert.Equal(t, "timing", sink.metrics[1].kind)
	assert.Equal(t, 2*time.Second, sink.metrics[1].value)
}

func TestEmitJobLifecycleSkipsErrorClassOnSuccess(t *testing.T) {
	sink := &recordingSink{}
	EmitJobLifecycle(sink, TaskMetric{
		TaskType:   "process_video",
		Transition: "complete",
		Result:     ResultSuccess,
		Err:        apperrors.Transientf("ignored"),
	})
	require.Len(t, sink.metrics, 1)
	assert.Equal(t, "task.transition", sink.metrics[0].name)
	assert.NotContains(t, sink.metrics[0].tags, "error_class")

	EmitJobLifecycle(nil, TaskMetric{})
}

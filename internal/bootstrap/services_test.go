package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/sopline/config"
	"github.com/target/sopline/internal/domain/model"
)

func TestErrorChannelCapacity(t *testing.T) {
	tests := []struct {
		name  string
		modes []config.ServiceMode
		want  int
	}{
		{
			name: "no services enabled",
			want: 0,
		},
		{
			name:  "http only",
			modes: []config.ServiceMode{config.ServiceModeHTTP},
			want:  1,
		},
		{
			name:  "http and pipeline runner",
			modes: []config.ServiceMode{config.ServiceModeHTTP, config.ServiceModePipelineRunner},
			want:  2,
		},
		{
			name:  "webhook runner and reaper",
			modes: []config.ServiceMode{config.ServiceModeWebhookRunner, config.ServiceModeReaper},
			want:  2,
		},
		{
			name: "all services enabled",
			modes: []config.ServiceMode{
				config.ServiceModeHTTP,
				config.ServiceModePipelineRunner,
				config.ServiceModeWebhookRunner,
				config.ServiceModeReaper,
			},
			want: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enabled := make(map[config.ServiceMode]bool, len(tt.modes))
			for _, mode := range tt.modes {
				enabled[mode] = true
			}

			if got := errorChannelCapacity(enabled); got != tt.want {
				t.Fatalf("errorChannelCapacity(%v) = %d, want %d", tt.modes, got, tt.want)
			}
		})
	}
}

func TestErrorChannelBufferSize(t *testing.T) {
	tests := []struct {
		name  string
		modes []config.ServiceMode
		want  int
	}{
		{
			name: "no services enabled",
			want: 1,
		},
		{
			name:  "http only",
			modes: []config.ServiceMode{config.ServiceModeHTTP},
			want:  2,
		},
		{
			name: "all services enabled",
			modes: []config.ServiceMode{
				config.ServiceModeHTTP,
				config.ServiceModePipelineRunner,
				config.ServiceModeWebhookRunner,
				config.ServiceModeReaper,
			},
			want: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enabled := make(map[config.ServiceMode]bool, len(tt.modes))
			for _, mode := range tt.modes {
				enabled[mode] = true
			}

			if got := errorChannelBufferSize(enabled); got != tt.want {
				t.Fatalf("errorChannelBufferSize(%v) = %d, want %d", tt.modes, got, tt.want)
			}
		})
	}
}

func TestGetEnabledServicesKeepsDeclarationOrder(t *testing.T) {
	cfg := &config.AppConfig{Services: "reaper, http,webhook-runner"}

	got := GetEnabledServices(cfg)

	want := []string{"http", "webhook-runner", "reaper"}
	if len(got) != len(want) {
		t.Fatalf("GetEnabledServices() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("GetEnabledServices() = %v, want %v", got, want)
		}
	}

	if err := ValidateServiceConfig(&config.AppConfig{Services: "rules-engine"}); err == nil {
		t.Fatal("expected an error for an unknown service mode")
	}
}

func TestJobRunnerLabel(t *testing.T) {
	tests := map[model.TaskType]string{
		model.TaskTypeProcessVideo:   "pipeline",
		model.TaskTypeDeliverWebhook: "webhook",
		"":                           "task",
		"send_digest":                "send digest",
	}
	for taskType, want := range tests {
		if got := jobRunnerLabel(taskType); got != want {
			t.Errorf("jobRunnerLabel(%q) = %q, want %q", taskType, got, want)
		}
	}
}

type orderedDrainer struct {
	workerDone <-chan struct{}
	calls      int
	afterStop  bool
	block      bool
}

func (d *orderedDrainer) DrainNotifications(ctx context.Context) error {
	d.calls++
	select {
	case <-d.workerDone:
		d.afterStop = true
	default:
	}
	if d.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func TestGracefulStop_DrainsNotificationsWithoutHTTPServer(t *testing.T) {
	workerDone := make(chan struct{})
	close(workerDone)
	drainer := &orderedDrainer{workerDone: workerDone}

	err := gracefulStop(shutdownConfig{
		notifications: drainer,
		logger:        discardLogger(),
		backgrounds: []backgroundServiceHandle{{
			mode: config.ServiceModePipelineRunner,
			name: "pipeline runner",
			done: workerDone,
		}},
	})

	require.NoError(t, err)
	assert.Equal(t, 1, drainer.calls)
	assert.True(t, drainer.afterStop, "drain must run after the runner stopped")
}

func TestGracefulStop_DrainIsBounded(t *testing.T) {
	drainer := &orderedDrainer{block: true}
	start := time.Now()

	err := gracefulStop(shutdownConfig{
		notifications: drainer,
		logger:        discardLogger(),
		drainTimeout:  20 * time.Millisecond,
	})

	require.NoError(t, err)
	assert.Equal(t, 1, drainer.calls)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestGracefulStop_NoDrainer(t *testing.T) {
	require.NoError(t, gracefulStop(shutdownConfig{logger: discardLogger()}))
}

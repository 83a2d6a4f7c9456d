package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/sopline/internal/domain/model"
)

type stubWaiter struct {
	calls chan model.TaskType
	err   error
}

func (s *stubWaiter) WaitForNotification(ctx context.Context, taskType model.TaskType) error {
	select {
	case s.calls <- taskType:
	default:
	}
	if s.err != nil {
		return s.err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return nil
}

func TestNewNotifierRequiresWaiter(t *testing.T) {
	notifier, err := NewNotifier(NotifierOptions{})
	require.ErrorIs(t, err, ErrWaiterRequired)
	assert.Nil(t, notifier)
}

func TestNotifier_SubscribeReceivesNotifications(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan model.TaskType, 4)}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)
	defer notifier.StopAll()

	unsub, ch := notifier.Subscribe(model.TaskTypeProcessVideo)
	defer unsub()

	select {
	case got := <-waiter.calls:
		assert.Equal(t, model.TaskTypeProcessVideo, got)
	case <-time.After(time.Second):
		t.Fatal("expected waiter to be invoked")
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected notification to be delivered")
	}
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan model.TaskType, 4)}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	unsub, ch := notifier.Subscribe(model.TaskTypeDeliverWebhook)
	unsub()
	unsub()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("channel was not closed")
	}
}

func TestNotifier_StopAllClosesSubscribers(t *testing.T) {
	waiter := &stubWaiter{calls: make(chan model.TaskType, 4)}
	notifier, err := NewNotifier(NotifierOptions{Waiter: waiter})
	require.NoError(t, err)

	_, a := notifier.Subscribe(model.TaskTypeProcessVideo)
	_, b := notifier.Subscribe(model.TaskTypeDeliverWebhook)
	notifier.StopAll()

	for _, ch := range []<-chan struct{}{a, b} {
		select {
		case _, ok := <-ch:
			for ok {
				_, ok = <-ch
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber channel was not closed")
		}
	}
}

func TestLeasePolicy(t *testing.T) {
	_, err := NewLeasePolicy(0)
	require.ErrorIs(t, err, ErrInvalidDefaultLease)

	p, err := NewLeasePolicy(5 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 300, p.Seconds(0))
	assert.Equal(t, 90, p.Seconds(90*time.Second))
	assert.Equal(t, 1, p.Seconds(200*time.Millisecond))
	assert.Equal(t, 1, p.Seconds(-time.Second))

	assert.Equal(t, 150*time.Second, HeartbeatInterval(5*time.Minute))
	assert.Equal(t, time.Second, HeartbeatInterval(time.Second))
}

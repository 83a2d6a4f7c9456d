// Package queue holds the wake-up and lease rules of the Postgres task queue.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/target/sopline/internal/domain/model"
)

// ErrWaiterRequired indicates a notifier cannot be constructed without a waiter.
var ErrWaiterRequired = errors.New("notifier waiter is required")

// Waiter blocks until the store signals that a task of the given type was added.
type Waiter interface {
	WaitForNotification(ctx context.Context, taskType model.TaskType) error
}

// Notifier fans a single LISTEN loop per task type out to any number of idle workers.
type Notifier interface {
	Subscribe(taskType model.TaskType) (func(), <-chan struct{})
	StopAll()
}

// NotifierOptions configure the default notifier.
type NotifierOptions struct {
	Waiter Waiter
	// WaitWindow bounds a single wait so idle workers also wake periodically and pick up
	// tasks whose scheduled_at has passed without a notification (delayed retries).
	WaitWindow time.Duration
	Backoff    time.Duration
}

// DefaultNotifier is the default implementation of Notifier.
type DefaultNotifier struct {
	waiter     Waiter
	waitWindow time.Duration
	backoff    time.Duration

	mu        sync.Mutex
	subs      map[model.TaskType]map[chan struct{}]struct{}
	listeners map[model.TaskType]context.CancelFunc
}

// NewNotifier constructs the default notifier.
func NewNotifier(opts NotifierOptions) (*DefaultNotifier, error) {
	if opts.Waiter == nil {
		return nil, ErrWaiterRequired
	}

	waitWindow := opts.WaitWindow
	if waitWindow <= 0 {
		waitWindow = 30 * time.Second
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}

	return &DefaultNotifier{
		waiter:     opts.Waiter,
		waitWindow: waitWindow,
		backoff:    backoff,
		subs:       make(map[model.TaskType]map[chan struct{}]struct{}),
		listeners:  make(map[model.TaskType]context.CancelFunc),
	}, nil
}

// Subscribe registers an idle worker. The returned func unsubscribes and closes the channel.
func (n *DefaultNotifier) Subscribe(taskType model.TaskType) (func(), <-chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[taskType]; !ok {
		ctx, cancel := context.WithCancel(context.Background())
		n.listeners[taskType] = cancel
		go n.listenLoop(ctx, taskType)
	}

	ch := make(chan struct{}, 1)
	if n.subs[taskType] == nil {
		n.subs[taskType] = make(map[chan struct{}]struct{})
	}
	n.subs[taskType][ch] = struct{}{}

	var once sync.Once
	unsub := func() {
		once.Do(func() { n.unsubscribe(taskType, ch) })
	}
	return unsub, ch
}

func (n *DefaultNotifier) unsubscribe(taskType model.TaskType, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subscribers := n.subs[taskType]
	if _, ok := subscribers[ch]; !ok {
		return
	}
	delete(subscribers, ch)
	drainAndClose(ch)
	if len(subscribers) > 0 {
		return
	}
	if cancel, ok := n.listeners[taskType]; ok {
		cancel()
		delete(n.listeners, taskType)
	}
	delete(n.subs, taskType)
}

// StopAll cancels every listen loop and closes every subscriber channel.
func (n *DefaultNotifier) StopAll() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for taskType, cancel := range n.listeners {
		cancel()
		delete(n.listeners, taskType)
	}
	for taskType, subscribers := range n.subs {
		for ch := range subscribers {
			drainAndClose(ch)
		}
		delete(n.subs, taskType)
	}
}

func (n *DefaultNotifier) listenLoop(ctx context.Context, taskType model.TaskType) {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, n.waitWindow)
		err := n.waiter.WaitForNotification(waitCtx, taskType)
		cancel()

		// Broadcast on timeout too: delayed retries become due without a NOTIFY.
		n.broadcast(taskType)

		if err != nil && !errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			timer := time.NewTimer(n.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

func (n *DefaultNotifier) broadcast(taskType model.TaskType) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for ch := range n.subs[taskType] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// drainAndClose removes any buffered signal so receivers observe the close immediately.
func drainAndClose(ch chan struct{}) {
	for {
		select {
		case <-ch:
		default:
			close(ch)
			return
		}
	}
}

var _ Notifier = (*DefaultNotifier)(nil)

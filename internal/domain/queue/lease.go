package queue

import (
	"errors"
	"time"
)

// ErrInvalidDefaultLease indicates the configured default lease duration is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// LeasePolicy turns requested lease durations into the whole seconds stored on a task.
type LeasePolicy struct {
	defaultLease time.Duration
}

// NewLeasePolicy constructs a LeasePolicy with the provided default lease duration.
func NewLeasePolicy(defaultLease time.Duration) (*LeasePolicy, error) {
	if defaultLease <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	return &LeasePolicy{defaultLease: defaultLease}, nil
}

// Default returns the configured default lease duration.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultLease
}

// Seconds resolves a request: zero uses the default, sub-second or negative values clamp to one second.
func (p *LeasePolicy) Seconds(request time.Duration) int {
	if request == 0 {
		request = p.Default()
	}
	secs := int(request / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// HeartbeatInterval is how often a worker should extend a lease of the given length.
func HeartbeatInterval(lease time.Duration) time.Duration {
	iv := lease / 2
	if iv < time.Second {
		return time.Second
	}
	return iv
}

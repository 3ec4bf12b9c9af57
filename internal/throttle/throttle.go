// Package throttle limits the number of concurrent requests to a registry host
package throttle

import (
	"context"
	"errors"
)

// ErrNotAcquired is returned when releasing a throttle that was not acquired
var ErrNotAcquired = errors.New("release without an acquire")

// Throttle is a counting semaphore, a nil throttle never blocks
type Throttle struct {
	ch chan struct{}
}

// New returns a throttle allowing count concurrent holders
func New(count int) *Throttle {
	if count < 1 {
		count = 1
	}
	return &Throttle{ch: make(chan struct{}, count)}
}

// Acquire blocks until the throttle is available or the context is done
func (t *Throttle) Acquire(ctx context.Context) error {
	if t == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case t.ch <- struct{}{}:
		return nil
	}
}

// Release returns a previously acquired slot
func (t *Throttle) Release(ctx context.Context) error {
	if t == nil {
		return nil
	}
	select {
	case <-t.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}

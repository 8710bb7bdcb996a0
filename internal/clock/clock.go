// Package clock abstracts wall-clock time so schedulers, workers and lock
// stores can be driven deterministically in tests.
package clock

import (
	"context"
	"time"
)

// Clock abstracts time-related functions for easier testing.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Wait blocks for d on clk or until ctx is done. It returns ctx.Err() when
// the context ended first.
func Wait(ctx context.Context, clk Clock, d time.Duration) error {
	if clk == nil {
		clk = Real{}
	}
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}

// Ensure returns clk when non-nil, otherwise the real clock.
func Ensure(clk Clock) Clock {
	if clk == nil {
		return Real{}
	}
	return clk
}

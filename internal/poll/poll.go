// Package poll implements a bounded wait that repeatedly evaluates a
// readiness check until it succeeds, fails hard, or a deadline passes.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultMaxSoftFailures is the number of consecutive unexpected check
// errors tolerated before the wait is aborted.
const DefaultMaxSoftFailures = 2

// ErrTimeout matches any *TimeoutError via errors.Is.
var ErrTimeout = errors.New("poll timed out")

// TimeoutError is returned when the check did not succeed before the
// configured timeout elapsed.
type TimeoutError struct {
	Timeout  time.Duration
	Elapsed  time.Duration
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("poll timed out after %s (%d attempts, timeout %s)", e.Elapsed, e.Attempts, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Clock abstracts time so waits can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type kind int

const (
	kindNotReady kind = iota
	kindSuccess
	kindSoft
	kindFail
)

// Outcome is the result of a single check invocation.
type Outcome[T any] struct {
	kind  kind
	value T
	err   error
}

// Success ends the wait and returns v.
func Success[T any](v T) Outcome[T] { return Outcome[T]{kind: kindSuccess, value: v} }

// NotReady asks for another attempt after the interval.
func NotReady[T any]() Outcome[T] { return Outcome[T]{kind: kindNotReady} }

// Soft reports an unexpected check error. It counts as NotReady until
// more than MaxSoftFailures occur in a row.
func Soft[T any](err error) Outcome[T] { return Outcome[T]{kind: kindSoft, err: err} }

// Fail aborts the wait immediately with err.
func Fail[T any](err error) Outcome[T] { return Outcome[T]{kind: kindFail, err: err} }

// Check is evaluated once per attempt.
type Check[T any] func(ctx context.Context) Outcome[T]

// Options controls the cadence and bounds of a wait.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	// MaxSoftFailures is the number of consecutive Soft outcomes treated
	// as NotReady; the next one is promoted to a hard failure. Zero means
	// DefaultMaxSoftFailures, negative means none.
	MaxSoftFailures int
	Clock           Clock
}

// Until invokes check immediately and then every opts.Interval until it
// reports success or a hard failure, or until opts.Timeout has elapsed.
func Until[T any](ctx context.Context, check Check[T], opts Options) (T, error) {
	var zero T
	clock := opts.Clock
	if clock == nil {
		clock = RealClock{}
	}
	maxSoft := opts.MaxSoftFailures
	switch {
	case maxSoft == 0:
		maxSoft = DefaultMaxSoftFailures
	case maxSoft < 0:
		maxSoft = 0
	}
	start := clock.Now()
	soft := 0
	for attempt := 1; ; attempt++ {
		out := check(ctx)
		switch out.kind {
		case kindSuccess:
			return out.value, nil
		case kindFail:
			return zero, out.err
		case kindSoft:
			soft++
			if soft > maxSoft {
				return zero, fmt.Errorf("check failed %d times in a row: %w", soft, out.err)
			}
		default:
			soft = 0
		}

		elapsed := clock.Now().Sub(start)
		if elapsed >= opts.Timeout {
			return zero, &TimeoutError{Timeout: opts.Timeout, Elapsed: elapsed, Attempts: attempt}
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-clock.After(opts.Interval):
		}
	}
}

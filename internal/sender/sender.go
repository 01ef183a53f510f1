// Package sender delivers jobs to processing endpoints, optionally
// retrying transient failures on a fixed cadence.
package sender

import (
	"context"
	"fmt"
	"time"

	"digest-dispatcher/internal/poll"
)

// Policy bounds a retrying delivery.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
}

// DefaultPolicy is used for freshly provisioned endpoints.
var DefaultPolicy = Policy{MaxAttempts: 3, Interval: 5 * time.Second}

// Failure records one unsuccessful attempt.
type Failure struct {
	Attempt int
	URL     string
	Err     error
}

// Result describes how a delivery went. Err is nil on success.
type Result struct {
	Attempts int
	Failures []Failure
	Err      error
}

// DeliveryError is returned once every attempt has failed.
type DeliveryError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Sender wraps a Client with single-shot and retrying delivery.
type Sender struct {
	client Client
	clock  poll.Clock
}

// New returns a Sender. A nil clock means wall time.
func New(client Client, clock poll.Clock) *Sender {
	if clock == nil {
		clock = poll.RealClock{}
	}
	return &Sender{client: client, clock: clock}
}

// Send makes exactly one delivery attempt.
func (s *Sender) Send(ctx context.Context, url string, payload, out any) error {
	if err := s.client.PostJSON(ctx, url, payload, out); err != nil {
		return &DeliveryError{URL: url, Attempts: 1, Err: err}
	}
	return nil
}

// TrySend attempts delivery up to policy.MaxAttempts times, sleeping
// policy.Interval between attempts. Every failure is treated alike.
func (s *Sender) TrySend(ctx context.Context, url string, payload, out any, policy Policy) Result {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	var res Result
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		err := s.client.PostJSON(ctx, url, payload, out)
		if err == nil {
			return res
		}
		res.Failures = append(res.Failures, Failure{Attempt: attempt, URL: url, Err: err})
		if attempt >= policy.MaxAttempts {
			res.Err = &DeliveryError{URL: url, Attempts: attempt, Err: err}
			return res
		}
		select {
		case <-ctx.Done():
			res.Err = &DeliveryError{URL: url, Attempts: attempt, Err: ctx.Err()}
			return res
		case <-s.clock.After(policy.Interval):
		}
	}
}

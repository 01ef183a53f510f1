// Package queue moves job and result messages through a message queue.
package queue

import "context"

// Message is one received queue item. AckToken is opaque to callers and
// is handed back to Acknowledge.
type Message struct {
	Body     string
	AckToken string
}

// Transport is a named-queue message service. queueID is a queue URL for
// SQS and a list name for Redis.
type Transport interface {
	Receive(ctx context.Context, queueID string) ([]Message, error)
	Acknowledge(ctx context.Context, queueID, ackToken string) error
	Publish(ctx context.Context, queueID, body string) error
	// Release hands a received, unacknowledged message back to the queue
	// so it is delivered again.
	Release(ctx context.Context, queueID, ackToken string) error
}

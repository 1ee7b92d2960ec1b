// Package channel carries cleanup tasks from the listener to the processor.
//
// Delivery is at-least-once. Tasks sharing an ordering key are handed out in
// submission order and never to two consumers at the same time.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/austindbirch/housekeeper/internal/housekeeper"
)

var (
	ErrClosed           = errors.New("task channel closed")
	ErrAlreadyResponded = errors.New("delivery already acked or nacked")
)

// Submitter makes a batch of tasks durable. Either every task is accepted or none is.
type Submitter interface {
	Submit(ctx context.Context, tasks ...housekeeper.Task) error
}

// Delivery is one task handed to a consumer. Exactly one of Ack or Nack must be called.
type Delivery interface {
	// Task decodes the delivered task. A decode failure is permanent.
	Task() (housekeeper.Task, error)
	Ack() error
	// Nack returns the task to the channel with its attempt count incremented,
	// to be redelivered no earlier than delay from now.
	Nack(delay time.Duration) error
}

// Releaser is implemented by deliveries that can be handed back untried.
// Release does not count an attempt and makes the task available right away.
type Releaser interface {
	Release() error
}

// Toucher is implemented by deliveries whose lease expires unless refreshed
type Toucher interface {
	Touch()
}

type Channel interface {
	Submitter
	// NextBatch blocks until at least one delivery is available or ctx is done.
	NextBatch(ctx context.Context, max int) ([]Delivery, error)
	Close() error
}

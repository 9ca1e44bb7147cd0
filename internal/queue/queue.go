// Package queue carries task descriptors from producers to workers with
// at-least-once delivery. Consumers take one message at a time and must ack or
// nack it; an unacknowledged message is redelivered after the visibility timeout.
package queue

import (
	"context"
	"time"

	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
)

var (
	ErrClosed          = errors.New("queue closed")
	ErrDeliveryExpired = errors.New("delivery visibility timeout elapsed")
)

// Queue is the work queue a producer publishes to and workers consume from.
type Queue interface {
	Publish(ctx context.Context, task *model.Task) error
	// Consume blocks until a message is available or ctx is done. A worker
	// holds at most one delivery at a time.
	Consume(ctx context.Context) (Delivery, error)
	Close() error
}

// Delivery is a single delivery attempt of a queued task.
type Delivery interface {
	Data() []byte
	// Attempt is 1 on first delivery and increments on each redelivery.
	Attempt() int
	Ack(ctx context.Context) error
	// Nack returns the message to the queue when requeue is set, otherwise the
	// message is dropped and never delivered again.
	Nack(ctx context.Context, requeue bool) error
}

// Options are shared by the queue implementations.
type Options struct {
	// VisibilityTimeout is how long a delivered message stays invisible before
	// it is redelivered to another consumer.
	VisibilityTimeout time.Duration
	// RequeueDelay holds back a nacked message so a lease holder can finish.
	RequeueDelay time.Duration
	// PollInterval bounds how long a waiting consumer sleeps between checks.
	PollInterval time.Duration
}

const (
	DefaultVisibilityTimeout = 5 * time.Minute
	DefaultRequeueDelay      = time.Second
	DefaultPollInterval      = 250 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = DefaultVisibilityTimeout
	}

	if o.RequeueDelay < 0 {
		o.RequeueDelay = 0
	}

	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}

	return o
}

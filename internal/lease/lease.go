// Package lease provides time-bounded, per-device exclusivity tokens.
package lease

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
)

var ErrInvalidTTL = errors.New("lease ttl must be positive")

// Leaser grants at most one valid lease per device at any instant.
type Leaser interface {
	// Acquire waits at most the configured acquire wait for the device lease and
	// returns model.ErrLeaseContention when another holder keeps it.
	Acquire(ctx context.Context, deviceID, holder string, ttl time.Duration) (*model.Lease, error)
	// Release drops the lease if it is still held by the same token. Releasing
	// an expired or stolen lease is not an error.
	Release(ctx context.Context, lease *model.Lease) error
	// Holder returns the current holder of the device lease, if any.
	Holder(ctx context.Context, deviceID string) (string, bool, error)
}

// Options bound the wait in Acquire.
type Options struct {
	AcquireWait   time.Duration
	RetryInterval time.Duration
}

const (
	DefaultAcquireWait   = 2 * time.Second
	DefaultRetryInterval = 100 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.AcquireWait < 0 {
		o.AcquireWait = 0
	}

	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}

	return o
}

// tryFunc makes one acquisition attempt, returning nil without error when the lease is taken.
type tryFunc func(ctx context.Context) (*model.Lease, error)

// acquireWithin retries try until it succeeds, the wait elapses or ctx is done.
func acquireWithin(ctx context.Context, opts Options, deviceID string, try tryFunc) (*model.Lease, error) {
	deadline := time.Now().Add(opts.AcquireWait)

	for {
		l, err := try(ctx)
		if err != nil {
			return nil, err
		}

		if l != nil {
			return l, nil
		}

		if !time.Now().Add(opts.RetryInterval).Before(deadline) {
			return nil, errors.Wrap(model.ErrLeaseContention, "device "+deviceID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.RetryInterval):
		}
	}
}

// newToken encodes the holder so Holder can report it from the stored token alone.
func newToken(holder string) string {
	return holder + "/" + uuid.NewString()
}

func holderFromToken(token string) string {
	idx := strings.LastIndex(token, "/")
	if idx < 0 {
		return token
	}

	return token[:idx]
}

func validate(deviceID, holder string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}

	if deviceID == "" || holder == "" {
		return errors.New("lease requires a device id and holder")
	}

	return nil
}

package lease

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/metal-toolbox/oltprov/internal/model"
	"github.com/pkg/errors"
)

const keyPrefix = model.AppName + ":lease:"

// releaseScript deletes the key only when it still carries the caller's token,
// so a worker whose lease expired cannot drop a lease reacquired by another.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Leaser shared by every worker process connected to the same redis.
type Redis struct {
	client redis.UniversalClient
	opts   Options
}

func NewRedis(client redis.UniversalClient, opts Options) *Redis {
	return &Redis{client: client, opts: opts.withDefaults()}
}

func (r *Redis) Acquire(ctx context.Context, deviceID, holder string, ttl time.Duration) (*model.Lease, error) {
	if err := validate(deviceID, holder, ttl); err != nil {
		return nil, err
	}

	return acquireWithin(ctx, r.opts, deviceID, func(ctx context.Context) (*model.Lease, error) {
		token := newToken(holder)
		now := time.Now()

		ok, err := r.client.SetNX(ctx, keyPrefix+deviceID, token, ttl).Result()
		if err != nil {
			return nil, errors.Wrap(err, "redis lease acquire")
		}

		if !ok {
			return nil, nil
		}

		return &model.Lease{
			DeviceID:   deviceID,
			Holder:     holder,
			Token:      token,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}, nil
	})
}

func (r *Redis) Release(ctx context.Context, l *model.Lease) error {
	if l == nil {
		return nil
	}

	if err := releaseScript.Run(ctx, r.client, []string{keyPrefix + l.DeviceID}, l.Token).Err(); err != nil {
		return errors.Wrap(err, "redis lease release")
	}

	return nil
}

func (r *Redis) Holder(ctx context.Context, deviceID string) (string, bool, error) {
	token, err := r.client.Get(ctx, keyPrefix+deviceID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}

	if err != nil {
		return "", false, errors.Wrap(err, "redis lease lookup")
	}

	return holderFromToken(token), true, nil
}

// Ping is used by the health registry.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

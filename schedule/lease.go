package schedule

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/teranos/cadence/errors"
)

// Lease is an optional claim step taken before a due job runs. A single
// scheduler instance needs none; two instances polling one store do.
type Lease interface {
	// Acquire reports whether this instance now holds key for ttl
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release gives key back if this instance still holds it
	Release(ctx context.Context, key string) error
}

// NoopLease always grants the claim
type NoopLease struct{}

func (NoopLease) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (NoopLease) Release(context.Context, string) error                        { return nil }

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// RedisLease claims jobs with SET NX so concurrent schedulers never run the
// same schedule twice within ttl.
type RedisLease struct {
	client *redis.Client
	prefix string
	token  string
}

// RedisLeaseOptions configures NewRedisLease
type RedisLeaseOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisLease connects to Redis and verifies the connection
func NewRedisLease(ctx context.Context, opts RedisLeaseOptions) (*RedisLease, error) {
	if opts.Addr == "" {
		return nil, errors.NewInvalidRequestError("redis address is required for the lease")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WithHint(
			errors.Wrapf(err, "connect to lease redis at %s", opts.Addr),
			"unset scheduler.lease.redis_addr to run without a lease")
	}
	return NewRedisLeaseWithClient(client), nil
}

// NewRedisLeaseWithClient wraps an existing client
func NewRedisLeaseWithClient(client *redis.Client) *RedisLease {
	return &RedisLease{
		client: client,
		prefix: "cadence:lease:",
		token:  uuid.NewString(),
	}
}

// Acquire claims key for ttl
func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+key, l.token, ttl).Result()
	if err != nil {
		return false, errors.NewInfrastructureError(err, "lease acquire "+key)
	}
	return ok, nil
}

// Release drops the claim if it is still ours
func (l *RedisLease) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, l.token).Err(); err != nil {
		return errors.NewInfrastructureError(err, "lease release "+key)
	}
	return nil
}

// Close closes the Redis client
func (l *RedisLease) Close() error {
	return l.client.Close()
}

// Package leader provides redis-lease based leader election.
package leader

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// release deletes the key only while this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// extend refreshes the TTL only while this holder still owns the key.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

// Lease is a time-bounded exclusive token on a shared key. The value
// identifies the holder so release and extend cannot touch a lease
// that has since moved to another instance.
type Lease struct {
	client redis.Cmdable
	key    string
	value  string
	ttl    time.Duration
}

// NewLease returns an unacquired lease on key with the given duration.
func NewLease(client redis.Cmdable, key string, ttl time.Duration) *Lease {
	return &Lease{
		client: client,
		key:    key,
		value:  uuid.NewString(),
		ttl:    ttl,
	}
}

// Acquire attempts to take the lease. It returns false if another
// holder owns it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
}

// Extend refreshes the lease duration. It returns false if the lease
// is no longer held by this instance.
func (l *Lease) Extend(ctx context.Context) (bool, error) {
	res, err := extendScript.Run(ctx, l.client, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Release gives the lease up if this instance still holds it.
func (l *Lease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Err()
}

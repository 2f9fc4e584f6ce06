package mailbox

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// claimScript atomically claims one slot if the ring's current
// occupancy is below ringSize, mirroring the teacher's token-bucket
// Lua pattern but for slot occupancy rather than a refilling rate.
//
// KEYS[1] = ring key
// ARGV[1] = ring size
var claimScript = redis.NewScript(`
local key = KEYS[1]
local ring_size = tonumber(ARGV[1])
local occupied = tonumber(redis.call("GET", key) or "0")
if occupied >= ring_size then
    return 0
end
redis.call("INCR", key)
redis.call("EXPIRE", key, 300)
return 1
`)

// RedisCounter shares one mailbox's ring occupancy across every replica
// pointed at the same Redis key, so appends in flight on one replica
// count against the ring capacity seen by every other replica.
type RedisCounter struct {
	client   *redis.Client
	key      string
	ringSize int
}

// NewRedisCounter builds a counter backed by client, keyed by key, with
// capacity ringSize.
func NewRedisCounter(client *redis.Client, key string, ringSize int) *RedisCounter {
	return &RedisCounter{client: client, key: key, ringSize: ringSize}
}

func (c *RedisCounter) TryClaim(ctx context.Context) (bool, error) {
	res, err := claimScript.Run(ctx, c.client, []string{c.key}, c.ringSize).Result()
	if err != nil {
		return false, fmt.Errorf("mailbox: redis claim: %w", err)
	}
	claimed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("mailbox: unexpected redis claim response %T", res)
	}
	return claimed == 1, nil
}

func (c *RedisCounter) Release(ctx context.Context) error {
	n, err := c.client.Decr(ctx, c.key).Result()
	if err != nil {
		return fmt.Errorf("mailbox: redis release: %w", err)
	}
	if n < 0 {
		// clamp against a release racing a key expiry
		_ = c.client.Set(ctx, c.key, 0, 0).Err()
	}
	return nil
}

var _ SlotCounter = (*RedisCounter)(nil)

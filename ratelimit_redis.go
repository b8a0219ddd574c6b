package main

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// admitScript runs the whole leak-and-fill step server-side so that the
// read and the write happen as one atomic operation per key. It mirrors
// leakAndFill exactly, truncating arithmetic included.
var admitScript = redis.NewScript(`
local last = tonumber(redis.call('GET', KEYS[1]))
local size = tonumber(redis.call('GET', KEYS[2])) or 0
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local leak_rate = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

if not last then last = now end
local elapsed = now - last
if elapsed < 0 then elapsed = 0 end
size = size - math.floor(elapsed * leak_rate)
if size < 0 then size = 0 end

if size < capacity then
	size = size + 1
	redis.call('SET', KEYS[1], now, 'EX', ttl)
	redis.call('SET', KEYS[2], size, 'EX', ttl)
	return 1
end
return 0
`)

// redisBucketStore keeps bucket state in a shared redis instance, two scalar
// entries per key. Idle state expires once the bucket would have fully
// drained anyway.
type redisBucketStore struct {
	rdb    *redis.Client
	prefix string
}

func newRedisBucketStore(rdb *redis.Client) *redisBucketStore {
	return &redisBucketStore{rdb: rdb, prefix: "ratelimit:"}
}

func (s *redisBucketStore) Admit(ctx context.Context, key string, now time.Time, capacity int, leakRate float64) (bool, error) {
	lastKey := s.prefix + key + ":last_updated"
	sizeKey := s.prefix + key + ":bucket_size"

	// A full bucket drains in capacity/leakRate seconds; the extra minute
	// keeps state alive across small clock differences between callers.
	ttl := int64(math.Ceil(float64(capacity)/leakRate)) + 60

	res, err := admitScript.Run(ctx, s.rdb,
		[]string{lastKey, sizeKey},
		strconv.FormatFloat(unixSeconds(now), 'f', -1, 64),
		capacity,
		strconv.FormatFloat(leakRate, 'f', -1, 64),
		ttl,
	).Int()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return res == 1, nil
}

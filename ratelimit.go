package main

import (
	"context"
	"sync"
	"time"
)

// bucketState is the per-key leaky-bucket state persisted in the counter
// store: the moment of the last admission decision and the current water
// level. Invariant: 0 <= Size <= capacity.
type bucketState struct {
	LastUpdated float64 // unix seconds
	Size        int64
}

// BucketStore executes the admission read-modify-write for one key as a
// single atomic operation. Two concurrent callers for the same key must
// observe a linearized view of the state; callers for different keys never
// contend.
type BucketStore interface {
	Admit(ctx context.Context, key string, now time.Time, capacity int, leakRate float64) (bool, error)
}

// RateLimiter is a per-key leaky-bucket admission gate. Each admitted
// request raises the key's water level by one; the level drains at leakRate
// units per second. A request is admitted while the level is below capacity.
type RateLimiter struct {
	store    BucketStore
	capacity int
	leakRate float64
}

func NewRateLimiter(store BucketStore, capacity int, leakRate float64) *RateLimiter {
	return &RateLimiter{store: store, capacity: capacity, leakRate: leakRate}
}

// Allow reports whether one request from key is admitted now. The only side
// effect is the update of the key's bucket state on admission; a rejected
// request leaves the state untouched.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return rl.store.Admit(ctx, key, time.Now(), rl.capacity, rl.leakRate)
}

// leakAndFill applies one admission step to st. The leak is computed with
// truncating arithmetic: floor(elapsed * leakRate). On admission the updated
// state carries now as its last-updated instant; on rejection the state is
// returned unchanged, so sustained overload cannot stall the leak clock.
func leakAndFill(st bucketState, now time.Time, capacity int, leakRate float64) (bucketState, bool) {
	nowSec := unixSeconds(now)

	elapsed := nowSec - st.LastUpdated
	if elapsed < 0 {
		elapsed = 0
	}
	leaked := int64(elapsed * leakRate)
	st.Size -= leaked
	if st.Size < 0 {
		st.Size = 0
	}

	if st.Size < int64(capacity) {
		st.Size++
		st.LastUpdated = nowSec
		return st, true
	}
	return st, false
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// memoryBucketStore keeps bucket state in-process. Used for tests and for
// single-instance deployments without a shared store; the mutex gives the
// same linearized view per key that the redis store gets from its script.
type memoryBucketStore struct {
	mu      sync.Mutex
	buckets map[string]bucketState
}

func newMemoryBucketStore() *memoryBucketStore {
	return &memoryBucketStore{buckets: make(map[string]bucketState)}
}

func (m *memoryBucketStore) Admit(_ context.Context, key string, now time.Time, capacity int, leakRate float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.buckets[key]
	if !ok {
		st = bucketState{LastUpdated: unixSeconds(now)}
	}
	st, admitted := leakAndFill(st, now, capacity, leakRate)
	if admitted {
		m.buckets[key] = st
	}
	return admitted, nil
}

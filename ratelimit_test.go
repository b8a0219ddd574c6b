package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testCapacity = 10
	testLeakRate = 1.0
)

func TestLeakyBucketAdmitsBurstUpToCapacity(t *testing.T) {
	t.Parallel()

	store := newMemoryBucketStore()
	base := time.Now()

	for i := 0; i < testCapacity; i++ {
		now := base.Add(time.Duration(i) * 50 * time.Millisecond)
		admitted, err := store.Admit(context.Background(), "10.0.0.1", now, testCapacity, testLeakRate)
		require.NoError(t, err)
		require.True(t, admitted, "request %d of a fresh burst should be admitted", i+1)
	}

	admitted, err := store.Admit(context.Background(), "10.0.0.1", base.Add(490*time.Millisecond), testCapacity, testLeakRate)
	require.NoError(t, err)
	require.False(t, admitted, "request %d should be rejected", testCapacity+1)
}

func TestLeakyBucketDrainsWhileIdle(t *testing.T) {
	t.Parallel()

	store := newMemoryBucketStore()
	base := time.Now()

	for i := 0; i < testCapacity; i++ {
		_, err := store.Admit(context.Background(), "k", base, testCapacity, testLeakRate)
		require.NoError(t, err)
	}
	admitted, err := store.Admit(context.Background(), "k", base, testCapacity, testLeakRate)
	require.NoError(t, err)
	require.False(t, admitted)

	// capacity/leakRate seconds with no traffic fully drains the bucket.
	admitted, err = store.Admit(context.Background(), "k", base.Add(10*time.Second), testCapacity, testLeakRate)
	require.NoError(t, err)
	require.True(t, admitted, "bucket should be empty after draining interval")
}

func TestLeakyBucketRejectionDoesNotShiftLeakClock(t *testing.T) {
	t.Parallel()

	store := newMemoryBucketStore()
	base := time.Now()

	// Fill a capacity-2 bucket; last admission is at base.
	for i := 0; i < 2; i++ {
		admitted, err := store.Admit(context.Background(), "k", base, 2, testLeakRate)
		require.NoError(t, err)
		require.True(t, admitted)
	}

	// Hammer rejections inside the first second. If any of them moved
	// lastUpdated, the later leak computation would stall.
	for i := 1; i <= 9; i++ {
		admitted, err := store.Admit(context.Background(), "k", base.Add(time.Duration(i)*100*time.Millisecond), 2, testLeakRate)
		require.NoError(t, err)
		require.False(t, admitted)
	}

	// 1.2s after the last admission one unit has leaked.
	admitted, err := store.Admit(context.Background(), "k", base.Add(1200*time.Millisecond), 2, testLeakRate)
	require.NoError(t, err)
	require.True(t, admitted, "leak accounting stalled under sustained overload")
}

func TestLeakyBucketKeysDoNotContend(t *testing.T) {
	t.Parallel()

	store := newMemoryBucketStore()
	base := time.Now()

	for i := 0; i <= testCapacity; i++ {
		_, err := store.Admit(context.Background(), "a", base, testCapacity, testLeakRate)
		require.NoError(t, err)
	}

	admitted, err := store.Admit(context.Background(), "b", base, testCapacity, testLeakRate)
	require.NoError(t, err)
	require.True(t, admitted, "an exhausted key must not affect other keys")
}

func TestLeakyBucketConcurrentAdmissionsNeverOvershoot(t *testing.T) {
	t.Parallel()

	store := newMemoryBucketStore()
	now := time.Now()

	const callers = 50
	var wg sync.WaitGroup
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admitted, err := store.Admit(context.Background(), "shared", now, testCapacity, testLeakRate)
			require.NoError(t, err)
			results <- admitted
		}()
	}
	wg.Wait()
	close(results)

	admittedCount := 0
	for admitted := range results {
		if admitted {
			admittedCount++
		}
	}
	require.Equal(t, testCapacity, admittedCount, "admitted count across concurrent callers must equal capacity")
}

func TestLeakAndFillTruncatesConsistently(t *testing.T) {
	t.Parallel()

	base := time.Now()
	st := bucketState{LastUpdated: unixSeconds(base), Size: 5}

	// 0.9s at 1 unit/s leaks nothing: the computation truncates.
	got, admitted := leakAndFill(st, base.Add(900*time.Millisecond), testCapacity, testLeakRate)
	require.True(t, admitted)
	require.Equal(t, int64(6), got.Size)

	// 2.5s leaks exactly 2 units.
	st = bucketState{LastUpdated: unixSeconds(base), Size: 5}
	got, admitted = leakAndFill(st, base.Add(2500*time.Millisecond), testCapacity, testLeakRate)
	require.True(t, admitted)
	require.Equal(t, int64(4), got.Size)
}

func TestLeakAndFillClampsAtZero(t *testing.T) {
	t.Parallel()

	base := time.Now()
	st := bucketState{LastUpdated: unixSeconds(base), Size: 3}

	got, admitted := leakAndFill(st, base.Add(time.Minute), testCapacity, testLeakRate)
	require.True(t, admitted)
	require.Equal(t, int64(1), got.Size, "level drains to zero, never below, before the new unit")
}

func TestRateLimiterAllowUsesStore(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(newMemoryBucketStore(), 1, testLeakRate)

	admitted, err := rl.Allow(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, admitted)

	admitted, err = rl.Allow(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, admitted)
}

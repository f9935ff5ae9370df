// Package storagetest is a conformance suite for windowquota.Store
// implementations. Every backend runs the same call sequences and must return
// the same usage values.
package storagetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/windowquota/pkg/windowquota"
)

// Factory returns the store under test. It is called once per subtest.
type Factory func(t *testing.T) windowquota.Store

var keySeq atomic.Int64

// Key returns a key unique to the running test that is safe for every backend.
func Key(t *testing.T) string {
	t.Helper()
	name := strings.NewReplacer("/", "-", " ", "_", "#", "_").Replace(t.Name())
	return fmt.Sprintf("%s-%d-%d", name, time.Now().UnixNano(), keySeq.Add(1))
}

type step struct {
	delta  int
	window time.Duration
	limit  *int
	want   int
}

func runSteps(t *testing.T, store windowquota.Store, key string, steps []step) {
	t.Helper()
	ctx := context.Background()
	for i, s := range steps {
		got, err := store.Increment(ctx, &windowquota.IncrementRequest{
			Key: key, Delta: s.delta, Window: s.window, Limit: s.limit,
		})
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, s.want, got, "step %d", i)
	}
}

func read(t *testing.T, store windowquota.Store, key string, window time.Duration) int {
	t.Helper()
	got, err := store.Increment(context.Background(), &windowquota.IncrementRequest{
		Key: key, Delta: 0, Window: window,
	})
	require.NoError(t, err)
	return got
}

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Sequence", func(t *testing.T) { testSequence(t, newStore(t)) })
	t.Run("PureRead", func(t *testing.T) { testPureRead(t, newStore(t)) })
	t.Run("LimitStopsWrites", func(t *testing.T) { testLimitStopsWrites(t, newStore(t)) })
	t.Run("ZeroLimit", func(t *testing.T) { testZeroLimit(t, newStore(t)) })
	t.Run("Burst", func(t *testing.T) { testBurst(t, newStore(t)) })
	t.Run("LimitPerCall", func(t *testing.T) { testLimitPerCall(t, newStore(t)) })
	t.Run("ResetAfterExpiry", func(t *testing.T) { testResetAfterExpiry(t, newStore(t)) })
	t.Run("WindowNotExtended", func(t *testing.T) { testWindowNotExtended(t, newStore(t)) })
	t.Run("LimitAfterExpiry", func(t *testing.T) { testLimitAfterExpiry(t, newStore(t)) })
	t.Run("KeyIndependence", func(t *testing.T) { testKeyIndependence(t, newStore(t)) })
	t.Run("Validation", func(t *testing.T) { testValidation(t, newStore(t)) })
	t.Run("Concurrent", func(t *testing.T) { testConcurrent(t, newStore(t)) })
	t.Run("ConcurrentWithLimit", func(t *testing.T) { testConcurrentWithLimit(t, newStore(t)) })
}

func testSequence(t *testing.T, store windowquota.Store) {
	w := time.Minute
	runSteps(t, store, Key(t), []step{
		{delta: 1, window: w, want: 1},
		{delta: 1, window: w, want: 2},
		{delta: 1, window: w, limit: windowquota.Limit(2), want: 3},
		{delta: 1, window: w, limit: windowquota.Limit(2), want: 3},
		{delta: 0, window: w, want: 2},
		{delta: 3, window: w, limit: windowquota.Limit(10), want: 5},
	})
}

func testPureRead(t *testing.T, store windowquota.Store) {
	key := Key(t)
	w := time.Minute

	assert.Equal(t, 0, read(t, store, key, w))
	assert.Equal(t, 0, read(t, store, key, w))

	runSteps(t, store, key, []step{{delta: 4, window: w, want: 4}})
	assert.Equal(t, 4, read(t, store, key, w))
	assert.Equal(t, 4, read(t, store, key, w))
}

func testLimitStopsWrites(t *testing.T, store windowquota.Store) {
	key := Key(t)
	w := time.Minute
	limit := windowquota.Limit(3)

	runSteps(t, store, key, []step{
		{delta: 1, window: w, limit: limit, want: 1},
		{delta: 1, window: w, limit: limit, want: 2},
		{delta: 1, window: w, limit: limit, want: 3},
		{delta: 1, window: w, limit: limit, want: 4},
		{delta: 1, window: w, limit: limit, want: 4},
		{delta: 2, window: w, limit: limit, want: 5},
	})
	assert.Equal(t, 3, read(t, store, key, w))
}

func testZeroLimit(t *testing.T, store windowquota.Store) {
	key := Key(t)
	w := time.Minute

	runSteps(t, store, key, []step{
		{delta: 5, window: w, limit: windowquota.Limit(0), want: 5},
		{delta: 1, window: w, limit: windowquota.Limit(0), want: 1},
	})
	assert.Equal(t, 0, read(t, store, key, w))
}

func testBurst(t *testing.T, store windowquota.Store) {
	key := Key(t)
	w := time.Minute
	limit := windowquota.Limit(2)

	runSteps(t, store, key, []step{
		{delta: 5, window: w, limit: limit, want: 5},
		{delta: 1, window: w, limit: limit, want: 6},
	})
	assert.Equal(t, 5, read(t, store, key, w))
}

func testLimitPerCall(t *testing.T, store windowquota.Store) {
	key := Key(t)
	w := time.Minute

	runSteps(t, store, key, []step{
		{delta: 3, window: w, limit: windowquota.Limit(10), want: 3},
		{delta: 1, window: w, limit: windowquota.Limit(2), want: 4},
		{delta: 1, window: w, limit: windowquota.Limit(10), want: 4},
		{delta: 1, window: w, want: 5},
	})
}

func testResetAfterExpiry(t *testing.T, store windowquota.Store) {
	key := Key(t)
	w := 200 * time.Millisecond

	runSteps(t, store, key, []step{{delta: 5, window: w, want: 5}})
	time.Sleep(300 * time.Millisecond)
	runSteps(t, store, key, []step{{delta: 1, window: w, want: 1}})
}

func testWindowNotExtended(t *testing.T, store windowquota.Store) {
	key := Key(t)
	w := 500 * time.Millisecond

	runSteps(t, store, key, []step{{delta: 1, window: w, want: 1}})
	time.Sleep(250 * time.Millisecond)
	runSteps(t, store, key, []step{{delta: 1, window: w, want: 2}})
	time.Sleep(350 * time.Millisecond)
	runSteps(t, store, key, []step{{delta: 1, window: w, want: 1}})
}

func testLimitAfterExpiry(t *testing.T, store windowquota.Store) {
	key := Key(t)
	w := 200 * time.Millisecond
	limit := windowquota.Limit(1)

	runSteps(t, store, key, []step{
		{delta: 1, window: w, limit: limit, want: 1},
		{delta: 1, window: w, limit: limit, want: 2},
	})
	time.Sleep(300 * time.Millisecond)
	runSteps(t, store, key, []step{
		{delta: 1, window: w, limit: limit, want: 1},
		{delta: 1, window: w, limit: limit, want: 2},
	})
}

func testKeyIndependence(t *testing.T, store windowquota.Store) {
	a, b := Key(t), Key(t)
	w := time.Minute

	runSteps(t, store, a, []step{
		{delta: 2, window: w, want: 2},
		{delta: 2, window: w, want: 4},
	})
	runSteps(t, store, b, []step{{delta: 1, window: w, limit: windowquota.Limit(1), want: 1}})
	runSteps(t, store, a, []step{{delta: 1, window: w, limit: windowquota.Limit(1), want: 5}})

	assert.Equal(t, 4, read(t, store, a, w))
	assert.Equal(t, 1, read(t, store, b, w))
}

func testValidation(t *testing.T, store windowquota.Store) {
	ctx := context.Background()
	key := Key(t)

	tests := []struct {
		name string
		req  *windowquota.IncrementRequest
		want error
	}{
		{"empty key", &windowquota.IncrementRequest{Delta: 1, Window: time.Second}, windowquota.ErrInvalidKey},
		{"negative delta", &windowquota.IncrementRequest{Key: key, Delta: -1, Window: time.Second}, windowquota.ErrInvalidAmount},
		{"zero window", &windowquota.IncrementRequest{Key: key, Delta: 1}, windowquota.ErrInvalidWindow},
		{"sub-millisecond window", &windowquota.IncrementRequest{Key: key, Delta: 1, Window: time.Microsecond}, windowquota.ErrInvalidWindow},
		{"negative limit", &windowquota.IncrementRequest{Key: key, Delta: 1, Window: time.Second, Limit: windowquota.Limit(-1)}, windowquota.ErrInvalidLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Increment(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Equal(t, 0, read(t, store, key, time.Minute))
}

func testConcurrent(t *testing.T, store windowquota.Store) {
	key := Key(t)
	w := time.Minute
	const workers = 20

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			_, err := store.Increment(context.Background(), &windowquota.IncrementRequest{
				Key: key, Delta: 1, Window: w,
			})
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, workers, read(t, store, key, w))
}

func testConcurrentWithLimit(t *testing.T, store windowquota.Store) {
	key := Key(t)
	w := time.Minute
	const workers, limit = 25, 10

	results := make([]int, workers)
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			usage, err := store.Increment(context.Background(), &windowquota.IncrementRequest{
				Key: key, Delta: 1, Window: w, Limit: windowquota.Limit(limit),
			})
			results[i] = usage
			return err
		})
	}
	require.NoError(t, g.Wait())

	sort.Ints(results)
	for i := 0; i < limit; i++ {
		assert.Equal(t, i+1, results[i])
	}
	for _, usage := range results[limit:] {
		assert.Equal(t, limit+1, usage)
	}
	assert.Equal(t, limit, read(t, store, key, w))
}

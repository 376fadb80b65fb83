package ratelimit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pactstake/settlement/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func stores(t *testing.T) map[string]Store {
	sq, err := NewSQLiteStore(filepath.Join(t.TempDir(), "rl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{"memory": NewMemoryStore(), "sqlite": sq}
}

func TestLimiter_SlidingWindow(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
			l := New(store, map[string]Rule{"vote": {Max: 3, Window: time.Minute}}, Rule{Max: 60, Window: time.Minute},
				WithClock(clock.Now), WithPurgeEvery(0))
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				require.NoError(t, l.Allow(ctx, "user-1", "vote"))
				clock.Advance(10 * time.Second)
			}

			err := l.Allow(ctx, "user-1", "vote")
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrRateLimited))

			var rl *apperr.RateLimitedError
			require.True(t, errors.As(err, &rl))
			// Oldest hit at 0s, now at 30s, window 60s.
			assert.Equal(t, 30*time.Second, rl.RetryAfter)
			assert.Equal(t, 30, rl.RetryAfterSeconds())

			// Other identities and actions are independent.
			assert.NoError(t, l.Allow(ctx, "user-2", "vote"))
			assert.NoError(t, l.Allow(ctx, "user-1", "join"))

			// Once the first attempt slides out a new one is allowed.
			clock.Advance(31 * time.Second)
			assert.NoError(t, l.Allow(ctx, "user-1", "vote"))
		})
	}
}

func TestLimiter_DeniedAttemptsAreNotRecorded(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(NewMemoryStore(), nil, Rule{Max: 1, Window: time.Minute}, WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "ip", "default"))
	for i := 0; i < 5; i++ {
		clock.Advance(5 * time.Second)
		assert.Error(t, l.Allow(ctx, "ip", "default"))
	}
	clock.Advance(31 * time.Second)
	assert.NoError(t, l.Allow(ctx, "ip", "default"))
}

func TestLimiter_RuleFor(t *testing.T) {
	fallback := Rule{Max: 60, Window: time.Minute}
	l := New(NewMemoryStore(), map[string]Rule{"auth": {Max: 5, Window: time.Minute}}, fallback)

	assert.Equal(t, 5, l.RuleFor("auth").Max)
	assert.Equal(t, fallback, l.RuleFor("unknown"))
}

func TestStores_PurgeBefore(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			rule := Rule{Max: 10, Window: time.Hour}

			for i := 0; i < 3; i++ {
				_, err := store.Hit(ctx, "a", base.Add(time.Duration(i)*time.Minute), rule)
				require.NoError(t, err)
			}
			_, err := store.Hit(ctx, "b", base.Add(10*time.Minute), rule)
			require.NoError(t, err)

			removed, err := store.PurgeBefore(ctx, base.Add(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, int64(2), removed)

			removed, err = store.PurgeBefore(ctx, base.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(2), removed)
		})
	}
}

func TestLimiter_LazyPurge(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	l := New(store, nil, Rule{Max: 100, Window: time.Minute}, WithClock(clock.Now), WithPurgeEvery(2))
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, "old", "default"))
	clock.Advance(10 * time.Minute)
	require.NoError(t, l.Allow(ctx, "new", "default"))

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.NotContains(t, store.hits, key("old", "default"))
	assert.Contains(t, store.hits, key("new", "default"))
}

func TestLimiter_PurgeKeepsLongWindows(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
			rules := map[string]Rule{"dispute": {Max: 5, Window: time.Hour}}
			l := New(store, rules, Rule{Max: 60, Window: time.Minute}, WithClock(clock.Now), WithPurgeEvery(1))
			ctx := context.Background()
			assert.Equal(t, time.Hour, l.Retention())

			for i := 0; i < 5; i++ {
				require.NoError(t, l.Allow(ctx, "alice", "dispute"))
			}
			require.Error(t, l.Allow(ctx, "alice", "dispute"))

			clock.Advance(6 * time.Minute)
			removed, err := l.Purge(ctx)
			require.NoError(t, err)
			assert.Zero(t, removed)

			var rl *apperr.RateLimitedError
			require.ErrorAs(t, l.Allow(ctx, "alice", "dispute"), &rl)
			assert.Equal(t, 54*time.Minute, rl.RetryAfter)

			clock.Advance(55 * time.Minute)
			removed, err = l.Purge(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(5), removed)
			assert.NoError(t, l.Allow(ctx, "alice", "dispute"))
		})
	}
}

func TestMemoryStore_ZeroMaxDenies(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d, err := NewMemoryStore().Hit(context.Background(), "k", now, Rule{Max: 0, Window: time.Minute})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, now, d.Oldest)
}

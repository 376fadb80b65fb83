// Package ratelimit implements a sliding-window limiter keyed by (identifier, action).
package ratelimit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pactstake/settlement/internal/apperr"
	"go.uber.org/zap"
)

// Rule allows Max attempts per Window.
type Rule struct {
	Max    int
	Window time.Duration
}

// Decision is the outcome of recording one attempt.
type Decision struct {
	Allowed bool
	// Oldest is the earliest attempt still inside the window. Set when denied.
	Oldest time.Time
}

// Store keeps attempt timestamps per key.
type Store interface {
	// Hit drops the key's attempts at or before now-window, counts the rest and
	// records now only when the count is under rule.Max.
	Hit(ctx context.Context, key string, now time.Time, rule Rule) (Decision, error)
	// PurgeBefore drops every attempt at or before cutoff across all keys.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// StaleAfter is the minimum age beyond which attempts are removed by housekeeping.
// Attempts are kept for at least the longest configured window.
const StaleAfter = 5 * time.Minute

const defaultPurgeEvery = 100

// Limiter applies per-action rules against a Store.
type Limiter struct {
	store      Store
	rules      map[string]Rule
	fallback   Rule
	retention  time.Duration
	now        func() time.Time
	purgeEvery uint64
	calls      atomic.Uint64
	log        *zap.SugaredLogger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithPurgeEvery runs the stale-entry purge once every n calls. Zero disables it.
func WithPurgeEvery(n uint64) Option {
	return func(l *Limiter) { l.purgeEvery = n }
}

// WithLogger attaches a logger for purge failures.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(l *Limiter) { l.log = log }
}

// New creates a limiter. Actions missing from rules use fallback.
func New(store Store, rules map[string]Rule, fallback Rule, opts ...Option) *Limiter {
	l := &Limiter{
		store:      store,
		rules:      rules,
		fallback:   fallback,
		now:        time.Now,
		purgeEvery: defaultPurgeEvery,
		log:        zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.retention = StaleAfter
	if fallback.Window > l.retention {
		l.retention = fallback.Window
	}
	for _, r := range rules {
		if r.Window > l.retention {
			l.retention = r.Window
		}
	}
	return l
}

// Retention is how long attempts survive housekeeping.
func (l *Limiter) Retention() time.Duration {
	return l.retention
}

// RuleFor returns the rule applied to action.
func (l *Limiter) RuleFor(action string) Rule {
	if r, ok := l.rules[action]; ok {
		return r
	}
	return l.fallback
}

// Allow records an attempt for (identifier, action) or returns a
// *apperr.RateLimitedError carrying the time until the oldest attempt expires.
func (l *Limiter) Allow(ctx context.Context, identifier, action string) error {
	now := l.now()
	rule := l.RuleFor(action)

	d, err := l.store.Hit(ctx, key(identifier, action), now, rule)
	if err != nil {
		return fmt.Errorf("rate limit check failed: %w", err)
	}

	if l.purgeEvery > 0 && l.calls.Add(1)%l.purgeEvery == 0 {
		if _, err := l.store.PurgeBefore(ctx, now.Add(-l.retention)); err != nil {
			l.log.Warnw("rate limit purge failed", "error", err)
		}
	}

	if !d.Allowed {
		retry := d.Oldest.Add(rule.Window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return &apperr.RateLimitedError{Action: action, RetryAfter: retry}
	}
	return nil
}

// Purge removes attempts that no rule can still count.
func (l *Limiter) Purge(ctx context.Context) (int64, error) {
	return l.store.PurgeBefore(ctx, l.now().Add(-l.retention))
}

func key(identifier, action string) string {
	return action + ":" + identifier
}

// Package ratelimit gates requests before any expensive work happens.
// It only ever answers allow/deny; it never delays a request.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"demeter.dev/internal/obs"
)

// ErrRateLimited indicates the caller exceeded its quota for the tier.
var ErrRateLimited = errors.New("ratelimit: too many requests")

// Tier identifies an independent quota class.
type Tier string

const (
	// TierLogin guards credential guessing on the login route.
	TierLogin Tier = "login"
	// TierAuthenticated covers general traffic keyed by subject id.
	TierAuthenticated Tier = "authenticated"
	// TierPublic covers unauthenticated traffic keyed by client IP.
	TierPublic Tier = "public"
)

// Quota is N requests per window. Burst equals N: a full window's worth may
// arrive at once, the N+1th within the window is rejected.
type Quota struct {
	Requests int
	Window   time.Duration
}

// Config holds one quota per tier.
type Config struct {
	Login         Quota
	Authenticated Quota
	Public        Quota
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		Login:         Quota{Requests: 5, Window: 15 * time.Minute},
		Authenticated: Quota{Requests: 60, Window: time.Minute},
		Public:        Quota{Requests: 30, Window: time.Minute},
	}
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter tracks token buckets keyed by (tier, subject-or-IP). Critical
// sections are short: one map lookup plus one reservation per call.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket

	stop chan struct{}
	once sync.Once
}

// New constructs a Limiter and starts the idle-bucket sweeper.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Allow consumes one token for the key in the given tier. On rejection it
// returns ErrRateLimited together with a retry hint.
func (l *Limiter) Allow(tier Tier, key string) (time.Duration, error) {
	if key == "" {
		key = "unknown"
	}
	q := l.quotaFor(tier)
	if q.Requests <= 0 {
		return 0, nil
	}

	l.mu.Lock()
	id := string(tier) + "|" + key
	b, ok := l.buckets[id]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Every(q.Window/time.Duration(q.Requests)), q.Requests)}
		l.buckets[id] = b
	}
	b.seen = time.Now()
	res := b.lim.Reserve()
	l.mu.Unlock()

	if !res.OK() {
		obs.CountRateLimited(string(tier))
		return q.Window, ErrRateLimited
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		obs.CountRateLimited(string(tier))
		return delay, ErrRateLimited
	}
	return 0, nil
}

// Close stops the sweeper goroutine.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) quotaFor(tier Tier) Quota {
	switch tier {
	case TierLogin:
		return l.cfg.Login
	case TierAuthenticated:
		return l.cfg.Authenticated
	default:
		return l.cfg.Public
	}
}

// sweep drops buckets idle longer than the largest configured window so the
// map does not grow without bound.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ttl := l.maxWindow() + 5*time.Minute
			cutoff := time.Now().Add(-ttl)
			l.mu.Lock()
			for k, b := range l.buckets {
				if b.seen.Before(cutoff) {
					delete(l.buckets, k)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *Limiter) maxWindow() time.Duration {
	max := l.cfg.Login.Window
	if l.cfg.Authenticated.Window > max {
		max = l.cfg.Authenticated.Window
	}
	if l.cfg.Public.Window > max {
		max = l.cfg.Public.Window
	}
	return max
}

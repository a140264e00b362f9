// Package ratelimit provides token-bucket admission control keyed by identity
// and by source address. Buckets are x/time/rate limiters; a reservation that
// cannot be satisfied immediately is cancelled and its delay returned as the
// advisory retry-after, so no token is double-spent across concurrent callers.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/talos-labs/talos-gateway/internal/domain"
)

// Config holds refill rate and burst capacity for one key class.
type Config struct {
	RefillPerSecond float64
	Burst           int
}

func (c Config) Validate() error {
	if c.RefillPerSecond <= 0 {
		return domain.NewError(domain.KindValidation, "refill rate must be positive")
	}
	if c.Burst < 1 {
		return domain.NewError(domain.KindValidation, "burst must be >= 1")
	}
	return nil
}

// Decision is the outcome of one admission check. RetryAfter is meaningful
// only when Allowed is false and is derived from current bucket state.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter admits requests per key. Safe for concurrent use.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func New(cfg Config) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Limiter{cfg: cfg, buckets: make(map[string]*rate.Limiter)}, nil
}

// Admit spends one token from the key's bucket at time now. A denied call
// reports how long the caller should wait before the next token becomes
// available; denial never consumes the token.
func (l *Limiter) Admit(key string, now time.Time) Decision {
	bucket := l.bucket(key)
	reservation := bucket.ReserveN(now, 1)
	if !reservation.OK() {
		// Burst smaller than the request; unreachable with n=1 but kept as
		// the fail-closed branch.
		return Decision{Allowed: false, RetryAfter: time.Second}
	}
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return Decision{Allowed: false, RetryAfter: delay}
	}
	return Decision{Allowed: true}
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(l.cfg.RefillPerSecond), l.cfg.Burst)
		l.buckets[key] = bucket
	}
	return bucket
}

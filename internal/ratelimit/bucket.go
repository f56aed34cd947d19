package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"tidal-guard/internal/common/logging"
)

// waitPadding is added to every computed token wait so a sleeper wakes just
// after the token has accrued rather than just before.
const waitPadding = 50 * time.Millisecond

// BucketStats is a point-in-time view of a TokenBucket.
type BucketStats struct {
	Category      Category      `json:"category"`
	RatePerHour   float64       `json:"rate_per_hour"`
	Capacity      float64       `json:"capacity"`
	Tokens        float64       `json:"tokens"`
	Unlimited     bool          `json:"unlimited"`
	EstimatedWait time.Duration `json:"estimated_wait"`
}

// TokenBucket enforces an hourly request budget. Capacity equals the hourly
// rate and tokens refill continuously, computed lazily from elapsed time on
// each access. A rate of zero or less means unlimited.
type TokenBucket struct {
	mu sync.Mutex

	category    Category
	ratePerHour float64
	capacity    float64
	tokens      float64
	lastRefill  time.Time
	ceiling     float64

	now    func() time.Time
	logger logging.Logger
}

// NewTokenBucket creates a bucket for category holding ratePerHour tokens at
// most. It starts half-full unless WithInitialTokens says otherwise.
func NewTokenBucket(category Category, ratePerHour float64, opts ...Option) *TokenBucket {
	o := buildOptions(opts)

	b := &TokenBucket{
		category: category,
		ceiling:  o.rateCeiling,
		now:      o.now,
		logger:   o.logger.WithFields(logging.String("category", string(category))),
	}

	rate, clamped := b.effectiveRate(ratePerHour)
	if clamped {
		b.logger.Warn("requested rate above ceiling, clamping",
			logging.Float64("requested", ratePerHour),
			logging.Float64("ceiling", b.ceiling))
	}

	b.ratePerHour = rate
	b.capacity = rate
	b.tokens = rate / 2
	if o.initialTokens != nil {
		b.tokens = clamp(*o.initialTokens, 0, b.capacity)
	}
	b.lastRefill = b.now()

	return b
}

// WaitForToken blocks until a token is available and consumes it. The bucket
// lock is not held while sleeping; concurrent waiters race for each refilled
// token and losers simply wait again.
func (b *TokenBucket) WaitForToken(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		b.mu.Lock()
		if b.unlimitedLocked() {
			b.mu.Unlock()
			return nil
		}
		b.refillLocked(b.now())
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := b.waitForLocked(b.tokens)
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TryConsumeToken takes a token if one is available. It never blocks and
// leaves the token count untouched when it returns false.
func (b *TokenBucket) TryConsumeToken() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unlimitedLocked() {
		return true
	}
	b.refillLocked(b.now())
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// GetEstimatedWaitTime reports how long WaitForToken would sleep right now
// without changing any state.
func (b *TokenBucket) GetEstimatedWaitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.estimatedWaitLocked()
}

// CurrentTokens refills the bucket and reports the available tokens.
func (b *TokenBucket) CurrentTokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.now())
	return b.tokens
}

// Capacity returns the maximum number of tokens the bucket holds.
func (b *TokenBucket) Capacity() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// RatePerHour returns the effective rate, zero when unlimited.
func (b *TokenBucket) RatePerHour() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ratePerHour
}

// UpdateSettings applies a new hourly rate and returns the rate actually in
// effect. Live load is preserved: between two limited rates the token count
// scales by newRate/oldRate; leaving unlimited starts at half the new
// capacity; entering unlimited fills the bucket.
func (b *TokenBucket) UpdateSettings(newRatePerHour float64) float64 {
	b.mu.Lock()
	rate, clamped := b.effectiveRate(newRatePerHour)
	now := b.now()
	b.refillLocked(now)

	oldRate := b.ratePerHour
	oldTokens := b.tokens

	switch {
	case rate == oldRate:
	case rate == 0:
		b.tokens = b.capacity
	case oldRate == 0:
		b.capacity = rate
		b.tokens = rate / 2
	default:
		b.capacity = rate
		b.tokens = clamp(oldTokens*rate/oldRate, 0, rate)
	}
	b.ratePerHour = rate
	b.lastRefill = now
	newTokens := b.tokens
	b.mu.Unlock()

	if clamped {
		b.logger.Warn("requested rate above ceiling, clamping",
			logging.Float64("requested", newRatePerHour),
			logging.Float64("ceiling", b.ceiling))
	}
	if rate != oldRate {
		b.logger.Info("token bucket rate updated",
			logging.Float64("old_rate", oldRate),
			logging.Float64("new_rate", rate),
			logging.Float64("old_tokens", oldTokens),
			logging.Float64("new_tokens", newTokens))
	}

	return rate
}

// Stats returns a snapshot of the bucket.
func (b *TokenBucket) Stats() BucketStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(b.now())
	return BucketStats{
		Category:      b.category,
		RatePerHour:   b.ratePerHour,
		Capacity:      b.capacity,
		Tokens:        b.tokens,
		Unlimited:     b.unlimitedLocked(),
		EstimatedWait: b.estimatedWaitLocked(),
	}
}

func (b *TokenBucket) setRateCeiling(ceiling float64) {
	b.mu.Lock()
	b.ceiling = ceiling
	b.mu.Unlock()
}

func (b *TokenBucket) unlimitedLocked() bool {
	return b.ratePerHour <= 0
}

// refillLocked credits tokens for the time since the last refill. A clock
// that moved backwards credits nothing.
func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	if !b.unlimitedLocked() {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed.Hours()*b.ratePerHour)
	}
	b.lastRefill = now
}

func (b *TokenBucket) estimatedWaitLocked() time.Duration {
	if b.unlimitedLocked() {
		return 0
	}

	tokens := b.tokens
	if elapsed := b.now().Sub(b.lastRefill); elapsed > 0 {
		tokens = math.Min(b.capacity, tokens+elapsed.Hours()*b.ratePerHour)
	}
	if tokens >= 1 {
		return 0
	}
	return b.waitForLocked(tokens)
}

func (b *TokenBucket) waitForLocked(tokens float64) time.Duration {
	perSecond := b.ratePerHour / 3600
	seconds := (1 - tokens) / perSecond
	return time.Duration(seconds*float64(time.Second)) + waitPadding
}

func (b *TokenBucket) effectiveRate(requested float64) (rate float64, clamped bool) {
	if requested <= 0 || math.IsNaN(requested) {
		return 0, false
	}
	if b.ceiling > 0 && requested > b.ceiling {
		return b.ceiling, true
	}
	return requested, false
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

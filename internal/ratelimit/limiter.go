package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	apperrors "tidal-guard/internal/common/errors"
	"tidal-guard/internal/common/logging"
)

// CategoryStats groups the bucket and gate views of one category.
type CategoryStats struct {
	Bucket BucketStats `json:"bucket"`
	Gate   GateStats   `json:"gate"`
}

// Stats is the limiter-wide snapshot.
type Stats struct {
	TotalRequests      int64                      `json:"total_requests"`
	ThrottledRequests  int64                      `json:"throttled_requests"`
	ThrottlePercentage float64                    `json:"throttle_percentage"`
	Categories         map[Category]CategoryStats `json:"categories"`
}

type entry struct {
	bucket *TokenBucket
	gate   *ConcurrencyGate
}

// Limiter combines a TokenBucket and a ConcurrencyGate per category behind a
// single WaitForSlot call.
type Limiter struct {
	mu       sync.RWMutex
	cfg      Config
	entries  map[Category]*entry
	disposed bool

	opts   []Option
	now    func() time.Time
	logger logging.Logger

	total     atomic.Int64
	throttled atomic.Int64
}

// NewLimiter builds a bucket and a gate for every configured category.
func NewLimiter(cfg Config, opts ...Option) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	o := buildOptions(opts)

	l := &Limiter{
		cfg:     cfg,
		entries: make(map[Category]*entry, len(cfg.Categories)),
		opts:    opts,
		now:     o.now,
		logger:  o.logger.WithFields(logging.String("component", "rate_limiter")),
	}
	for cat, limits := range cfg.Categories {
		l.entries[cat] = l.newEntry(cat, limits)
	}
	return l, nil
}

func (l *Limiter) newBucket(cat Category, rate float64) *TokenBucket {
	opts := append([]Option{}, l.opts...)
	opts = append(opts, WithRateCeiling(l.cfg.RateCeiling))
	return NewTokenBucket(cat, rate, opts...)
}

func (l *Limiter) newEntry(cat Category, limits CategoryLimits) *entry {
	return &entry{
		bucket: l.newBucket(cat, limits.RequestsPerHour),
		gate:   NewConcurrencyGate(cat, limits.MaxConcurrent, l.logger),
	}
}

func (l *Limiter) lookup(cat Category) (*entry, Config, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.disposed {
		return nil, Config{}, ErrDisposed
	}
	e, ok := l.entries[cat]
	if !ok {
		return nil, Config{}, unknownCategory(cat)
	}
	return e, l.cfg, nil
}

// WaitForSlot acquires a concurrency slot and then a token for category.
// Failing to get a slot within the slot timeout is an overload error. Failing
// to get a token within the token timeout is logged and tolerated since the
// slot already throttles the caller. The slot is released if ctx ends while
// waiting for the token.
func (l *Limiter) WaitForSlot(ctx context.Context, cat Category) (*Slot, error) {
	e, cfg, err := l.lookup(cat)
	if err != nil {
		return nil, err
	}
	l.total.Add(1)

	logger := l.logger.WithContext(ctx).WithFields(logging.String("category", string(cat)))
	start := l.now()

	slotCtx, cancel := context.WithTimeout(ctx, cfg.SlotTimeout)
	slot, slotWaited, err := e.gate.Acquire(slotCtx)
	cancel()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			waited := l.now().Sub(start)
			logger.Warn("no concurrency slot available, system overloaded",
				logging.Duration("waited", waited),
				logging.Duration("timeout", cfg.SlotTimeout))
			return nil, apperrors.OverloadError(string(cat), cfg.SlotTimeout).
				WithContext("waited", waited.String())
		}
		return nil, err
	}

	tokenWaited := e.bucket.GetEstimatedWaitTime() > 0

	tokenCtx, cancel := context.WithTimeout(ctx, cfg.TokenTimeout)
	err = e.bucket.WaitForToken(tokenCtx)
	cancel()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			slot.Release()
			return nil, ctxErr
		}
		logger.Warn("token wait timed out, proceeding on concurrency slot",
			logging.Duration("timeout", cfg.TokenTimeout))
	}

	if slotWaited || tokenWaited {
		l.throttled.Add(1)
		logger.Info("request throttled",
			logging.Duration("waited", l.now().Sub(start)),
			logging.Bool("waited_for_slot", slotWaited),
			logging.Bool("waited_for_token", tokenWaited))
	}

	return slot, nil
}

// Release returns a slot for category without a Slot handle.
func (l *Limiter) Release(cat Category) error {
	e, _, err := l.lookup(cat)
	if err != nil {
		return err
	}
	return e.gate.Release()
}

// TryConsumeToken takes a token for category without blocking. Unknown
// categories are never admitted.
func (l *Limiter) TryConsumeToken(cat Category) bool {
	e, _, err := l.lookup(cat)
	if err != nil {
		return false
	}
	return e.bucket.TryConsumeToken()
}

// GetEstimatedWaitTime reports the current token wait for category.
func (l *Limiter) GetEstimatedWaitTime(cat Category) time.Duration {
	e, _, err := l.lookup(cat)
	if err != nil {
		return 0
	}
	return e.bucket.GetEstimatedWaitTime()
}

// Bucket exposes the token bucket of category.
func (l *Limiter) Bucket(cat Category) (*TokenBucket, error) {
	e, _, err := l.lookup(cat)
	if err != nil {
		return nil, err
	}
	return e.bucket, nil
}

// Reinitialize resizes the gate of category and replaces its bucket with a
// fresh one at ratePerHour. In-flight holders keep their slots.
func (l *Limiter) Reinitialize(cat Category, maxConcurrent int, ratePerHour float64) error {
	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return ErrDisposed
	}
	e, ok := l.entries[cat]
	if !ok {
		l.mu.Unlock()
		return unknownCategory(cat)
	}
	if err := e.gate.Reinitialize(maxConcurrent); err != nil {
		l.mu.Unlock()
		return err
	}
	l.entries[cat] = &entry{bucket: l.newBucket(cat, ratePerHour), gate: e.gate}
	l.cfg.Categories[cat] = CategoryLimits{RequestsPerHour: ratePerHour, MaxConcurrent: maxConcurrent}
	l.mu.Unlock()

	l.logger.Info("category reinitialized",
		logging.String("category", string(cat)),
		logging.Int("max_concurrent", maxConcurrent),
		logging.Float64("requests_per_hour", ratePerHour))
	return nil
}

// UpdateSettings rescales every bucket and resizes gates whose bound changed.
// Categories missing from the current configuration are added.
func (l *Limiter) UpdateSettings(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return ErrDisposed
	}

	for cat, limits := range cfg.Categories {
		e, ok := l.entries[cat]
		if !ok {
			l.entries[cat] = l.newEntry(cat, limits)
			continue
		}
		e.bucket.setRateCeiling(cfg.RateCeiling)
		e.bucket.UpdateSettings(limits.RequestsPerHour)
		if e.gate.Max() != int64(limits.MaxConcurrent) {
			if err := e.gate.Reinitialize(limits.MaxConcurrent); err != nil {
				return err
			}
		}
	}

	for cat, limits := range l.cfg.Categories {
		if _, ok := cfg.Categories[cat]; !ok {
			cfg.Categories[cat] = limits
		}
	}
	l.cfg = cfg
	return nil
}

// Categories returns the configured categories in name order.
func (l *Limiter) Categories() []Category {
	l.mu.RLock()
	defer l.mu.RUnlock()

	cats := make([]Category, 0, len(l.entries))
	for cat := range l.entries {
		cats = append(cats, cat)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}

// Stats returns the aggregate counters and per-category snapshots.
func (l *Limiter) Stats() Stats {
	l.mu.RLock()
	entries := make(map[Category]*entry, len(l.entries))
	for cat, e := range l.entries {
		entries[cat] = e
	}
	l.mu.RUnlock()

	total := l.total.Load()
	throttled := l.throttled.Load()

	stats := Stats{
		TotalRequests:     total,
		ThrottledRequests: throttled,
		Categories:        make(map[Category]CategoryStats, len(entries)),
	}
	if total > 0 {
		stats.ThrottlePercentage = float64(throttled) / float64(total) * 100
	}
	for cat, e := range entries {
		stats.Categories[cat] = CategoryStats{
			Bucket: e.bucket.Stats(),
			Gate:   e.gate.Stats(),
		}
	}
	return stats
}

// Dispose releases every gate. Blocked callers return ErrDisposed.
func (l *Limiter) Dispose() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.disposed {
		return
	}
	l.disposed = true
	for _, e := range l.entries {
		e.gate.Dispose()
	}
	l.logger.Info("rate limiter disposed")
}

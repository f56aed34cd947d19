// Package guard runs outbound calls through the limiter, the circuit breaker
// of their category and the retry policy, in that order.
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"tidal-guard/internal/circuitbreaker"
	"tidal-guard/internal/common/logging"
	"tidal-guard/internal/config"
	"tidal-guard/internal/ratelimit"
	"tidal-guard/internal/retry"
)

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger logging.Logger) Option {
	return func(g *Guard) {
		g.logger = logging.OrNop(logger)
	}
}

// WithIDGenerator replaces the uuid operation id generator.
func WithIDGenerator(fn func() string) Option {
	return func(g *Guard) {
		if fn != nil {
			g.newID = fn
		}
	}
}

// WithClock replaces time.Now for duration logging.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// Guard composes the limiter, one circuit breaker per category and the
// retry policy.
type Guard struct {
	mu       sync.Mutex
	limiter  *ratelimit.Limiter
	breakers *circuitbreaker.Manager
	policy   *retry.Policy

	logger logging.Logger
	newID  func() string
	now    func() time.Time
}

// New wires the given components. A breaker is created up front for every
// limiter category.
func New(limiter *ratelimit.Limiter, breakers *circuitbreaker.Manager, policy *retry.Policy, opts ...Option) *Guard {
	g := &Guard{
		limiter:  limiter,
		breakers: breakers,
		policy:   policy,
		logger:   logging.NewNopLogger(),
		newID:    uuid.NewString,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	for _, cat := range limiter.Categories() {
		breakers.GetOrCreate(string(cat))
	}
	return g
}

// NewFromSettings builds every component from a settings snapshot.
func NewFromSettings(settings config.Settings, logger logging.Logger, opts ...Option) (*Guard, error) {
	logger = logging.OrNop(logger)

	limiter, err := ratelimit.NewLimiter(settings.RateLimits(), ratelimit.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	breakers := circuitbreaker.NewManager(settings.BreakerSettings(), logger)
	policy := retry.New(settings.RetryConfig(), retry.WithLogger(logger))

	return New(limiter, breakers, policy, append([]Option{WithLogger(logger)}, opts...)...), nil
}

// Limiter returns the rate limiter.
func (g *Guard) Limiter() *ratelimit.Limiter { return g.limiter }

// Breakers returns the circuit breaker registry.
func (g *Guard) Breakers() *circuitbreaker.Manager { return g.breakers }

// Policy returns the retry policy.
func (g *Guard) Policy() *retry.Policy { return g.policy }

// Breaker returns the circuit breaker guarding category.
func (g *Guard) Breaker(cat ratelimit.Category) *circuitbreaker.CircuitBreaker {
	return g.breakers.GetOrCreate(string(cat))
}

// Do waits for a slot in category, then runs op through the category's
// breaker with retries. The slot is released on every exit path.
//
// An open breaker rejects the call with *circuitbreaker.OpenError before any
// slot or token is taken. The error op finally returns is passed through
// unchanged.
func (g *Guard) Do(ctx context.Context, cat ratelimit.Category, name string, op func(context.Context) error) error {
	if _, err := g.limiter.Bucket(cat); err != nil {
		return err
	}

	ctx = logging.ContextWithOperationID(ctx, g.newID())
	ctx = logging.ContextWithCategory(ctx, string(cat))
	logger := g.logger.WithContext(ctx).WithFields(logging.String("operation", name))

	breaker := g.Breaker(cat)
	if breaker.IsOpen() {
		openErr := &circuitbreaker.OpenError{Name: breaker.Name(), ResetAt: breaker.ResetTime()}
		logger.Debug("Skipping call, circuit open", logging.String("resume", openErr.ResumeMessage()))
		return openErr
	}

	start := g.now()
	slot, err := g.limiter.WaitForSlot(ctx, cat)
	if err != nil {
		logger.Warn("Failed to acquire slot",
			logging.Duration("waited", g.now().Sub(start)),
			logging.Err(err))
		return err
	}
	defer slot.Release()

	err = breaker.Execute(ctx, func(ctx context.Context) error {
		return g.policy.Execute(ctx, name, op)
	})

	elapsed := g.now().Sub(start)
	switch {
	case err == nil:
		logger.Debug("Operation completed", logging.Duration("duration", elapsed))
	default:
		if openErr, ok := circuitbreaker.AsOpenError(err); ok {
			logger.Warn("Operation rejected, circuit open", logging.String("resume", openErr.ResumeMessage()))
		} else {
			logger.Error("Operation failed", err, logging.Duration("duration", elapsed))
		}
	}
	return err
}

// Run is the value-returning form of Do.
func Run[T any](ctx context.Context, g *Guard, cat ratelimit.Category, name string, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := g.Do(ctx, cat, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}

// Paused reports whether category's breaker is open and when it resumes.
func (g *Guard) Paused(cat ratelimit.Category) (bool, time.Time) {
	breaker, ok := g.breakers.Get(string(cat))
	if !ok || !breaker.IsOpen() {
		return false, time.Time{}
	}
	return true, breaker.ResetTime()
}

// ResumeMessage returns "resumes at 15:04:05" while category is paused and
// "" otherwise.
func (g *Guard) ResumeMessage(cat ratelimit.Category) string {
	paused, resetAt := g.Paused(cat)
	if !paused {
		return ""
	}
	return (&circuitbreaker.OpenError{Name: string(cat), ResetAt: resetAt}).ResumeMessage()
}

// ShouldSkipSession reports whether category is failing badly enough that a
// batch should stop issuing work.
func (g *Guard) ShouldSkipSession(cat ratelimit.Category) bool {
	breaker, ok := g.breakers.Get(string(cat))
	if !ok {
		return false
	}
	return breaker.Severity() == circuitbreaker.SeverityHigh
}

// UpdateSettings applies a new snapshot to the limiter, the breakers and the
// retry policy. Concurrent updates are applied one at a time.
func (g *Guard) UpdateSettings(settings config.Settings) error {
	settings = settings.Normalize()

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.limiter.UpdateSettings(settings.RateLimits()); err != nil {
		return err
	}
	g.breakers.UpdateSettings(settings.BreakerSettings())
	g.policy.UpdateConfig(settings.RetryConfig())

	g.logger.Info("Guard settings updated",
		logging.Float64("search_requests_per_hour", settings.SearchRequestsPerHour),
		logging.Float64("download_requests_per_hour", settings.DownloadRequestsPerHour),
		logging.Int("search_max_concurrent", settings.SearchMaxConcurrent),
		logging.Int("download_max_concurrent", settings.DownloadMaxConcurrent),
		logging.Int("failure_threshold", settings.FailureThreshold),
		logging.Duration("break_duration", settings.BreakDuration),
	)
	return nil
}

// Dispose releases the limiter's gates.
func (g *Guard) Dispose() {
	g.limiter.Dispose()
}

// Package retry re-runs operations that fail with recoverable errors, backing
// off exponentially between attempts.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"tidal-guard/internal/circuitbreaker"
	"tidal-guard/internal/common/logging"
)

// DefaultJitterFactor spreads each delay uniformly over ±20%.
const DefaultJitterFactor = 0.2

// Config holds configuration for retry operations with exponential backoff.
type Config struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration

	// MaxDelay caps exponential growth; zero means uncapped
	MaxDelay time.Duration

	// BackoffFactor is the multiplier for exponential backoff (e.g., 2.0 doubles delay)
	BackoffFactor float64

	// Jitter enables uniform randomisation of each delay by JitterFactor
	Jitter       bool
	JitterFactor float64

	// Retryable decides which errors are retried. Nil means circuitbreaker.IsTransient.
	Retryable func(error) bool
}

// DefaultConfig returns the stock retry configuration.
//
// Default settings:
//   - MaxRetries: 3 (four attempts in total)
//   - InitialDelay: 1 second
//   - MaxDelay: 30 seconds
//   - BackoffFactor: 2.0
//   - Jitter: ±20%
//   - Retryable: transient errors only
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
		JitterFactor:  DefaultJitterFactor,
		Retryable:     circuitbreaker.IsTransient,
	}
}

func (c Config) normalized() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 1
	}
	if c.JitterFactor <= 0 || c.JitterFactor >= 1 {
		c.JitterFactor = DefaultJitterFactor
	}
	if c.Retryable == nil {
		c.Retryable = circuitbreaker.IsTransient
	}
	return c
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures a Policy.
type Option func(*Policy)

// WithSleep replaces the timer based sleep.
func WithSleep(sleep SleepFunc) Option {
	return func(p *Policy) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithLogger sets the structured logging sink.
func WithLogger(logger logging.Logger) Option {
	return func(p *Policy) {
		p.logger = logging.OrNop(logger)
	}
}

// WithRandom replaces the [0,1) source used for jitter.
func WithRandom(float func() float64) Option {
	return func(p *Policy) {
		if float != nil {
			p.random = float
		}
	}
}

// Policy executes operations with exponential backoff. Its configuration can
// be replaced while operations are running; each Execute uses the snapshot
// taken when it started.
type Policy struct {
	mu     sync.RWMutex
	cfg    Config
	sleep  SleepFunc
	random func() float64
	logger logging.Logger
}

// New creates a retry policy.
func New(cfg Config, opts ...Option) *Policy {
	p := &Policy{
		cfg:    cfg.normalized(),
		sleep:  sleepContext,
		random: rand.Float64,
		logger: logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the current configuration.
func (p *Policy) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// UpdateConfig replaces the configuration for later Execute calls.
func (p *Policy) UpdateConfig(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.normalized()
	p.mu.Unlock()
}

// Execute runs op until it succeeds, fails with a non-retryable error or
// exhausts MaxRetries. The last error from op is returned unwrapped. If ctx
// ends, op's error is returned without another attempt; if it ends during a
// backoff sleep the context error is returned wrapped with name.
func (p *Policy) Execute(ctx context.Context, name string, op func(context.Context) error) error {
	cfg := p.Config()
	logger := p.logger.WithContext(ctx).WithFields(logging.String("operation", name))
	delay := cfg.InitialDelay

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("operation succeeded after retry", logging.Int("attempt", attempt))
			}
			return nil
		}

		if ctx.Err() != nil {
			return err
		}
		if attempt > cfg.MaxRetries {
			if cfg.MaxRetries > 0 {
				logger.Warn("retries exhausted",
					logging.Int("attempts", attempt),
					logging.Err(err))
			}
			return err
		}
		if !cfg.Retryable(err) {
			return err
		}

		wait := p.jitter(delay, cfg)
		logger.Warn("operation failed, retrying",
			logging.Int("attempt", attempt),
			logging.Int("max_retries", cfg.MaxRetries),
			logging.Duration("delay", wait),
			logging.Err(err))

		if sleepErr := p.sleep(ctx, wait); sleepErr != nil {
			return fmt.Errorf("retry %s cancelled: %w", name, sleepErr)
		}

		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, p *Policy, name string, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := p.Execute(ctx, name, func(ctx context.Context) error {
		var err error
		result, err = op(ctx)
		return err
	})
	return result, err
}

func (p *Policy) jitter(d time.Duration, cfg Config) time.Duration {
	if !cfg.Jitter || d <= 0 {
		return d
	}
	spread := (p.random()*2 - 1) * cfg.JitterFactor
	return time.Duration(float64(d) * (1 + spread))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package ratelimit

import (
	"time"

	"tidal-guard/internal/common/logging"
)

// DefaultRateCeiling caps any configured hourly rate.
const DefaultRateCeiling = 10000.0

type options struct {
	now           func() time.Time
	rateCeiling   float64
	logger        logging.Logger
	initialTokens *float64
}

// Option configures a TokenBucket or a Limiter. Options given to a Limiter
// apply to every bucket it builds.
type Option func(*options)

// WithClock replaces time.Now as the source of refill timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRateCeiling sets the highest accepted requests-per-hour value. Zero or
// less disables the ceiling.
func WithRateCeiling(max float64) Option {
	return func(o *options) {
		o.rateCeiling = max
	}
}

// WithLogger sets the structured logging sink.
func WithLogger(logger logging.Logger) Option {
	return func(o *options) {
		o.logger = logging.OrNop(logger)
	}
}

// WithInitialTokens overrides the half-full starting level of a bucket.
func WithInitialTokens(n float64) Option {
	return func(o *options) {
		o.initialTokens = &n
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:         time.Now,
		rateCeiling: DefaultRateCeiling,
		logger:      logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

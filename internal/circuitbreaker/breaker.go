// Package circuitbreaker isolates callers from a failing dependency. A
// breaker trips when failures inside a sliding window reach a threshold, or
// on a single transient failure, and rejects calls until its break duration
// has passed or enough successes have been recorded while open.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"tidal-guard/internal/common/logging"
	"tidal-guard/internal/common/utils"
)

// State represents the current state of the circuit breaker
type State int

const (
	// StateClosed means the circuit breaker is closed and allowing requests through
	StateClosed State = iota
	// StateOpen means the circuit breaker is open and rejecting requests
	StateOpen
	// StateHalfOpen means the breaker is open but has recorded at least one success
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// maxRecentFailures bounds the failure timestamp ring.
const maxRecentFailures = 256

// Settings is an immutable snapshot of breaker tuning.
type Settings struct {
	// FailureThreshold failures inside FailureWindow trip the breaker
	FailureThreshold int
	// BreakDuration is how long a tripped breaker rejects calls
	BreakDuration time.Duration
	// FailureWindow is the sliding window failures are counted in
	FailureWindow time.Duration
	// SuccessesToClose consecutive successes while open close the breaker early
	SuccessesToClose int
	Weights          SeverityWeights
}

// DefaultSettings returns the stock breaker tuning.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		BreakDuration:    5 * time.Minute,
		FailureWindow:    5 * time.Minute,
		SuccessesToClose: 3,
		Weights:          DefaultSeverityWeights(),
	}
}

func (s Settings) normalized() Settings {
	d := DefaultSettings()
	if s.FailureThreshold < 1 {
		s.FailureThreshold = d.FailureThreshold
	}
	if s.BreakDuration <= 0 {
		s.BreakDuration = d.BreakDuration
	}
	if s.FailureWindow <= 0 {
		s.FailureWindow = d.FailureWindow
	}
	if s.SuccessesToClose < 1 {
		s.SuccessesToClose = d.SuccessesToClose
	}
	if s.Weights == (SeverityWeights{}) {
		s.Weights = d.Weights
	}
	return s
}

// Stats returns statistics about the circuit breaker
type Stats struct {
	Name                 string        `json:"name"`
	State                string        `json:"state"`
	IsOpen               bool          `json:"is_open"`
	ResetAt              *time.Time    `json:"reset_at,omitempty"`
	ReopenIn             time.Duration `json:"reopen_in"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	RecentFailures       int           `json:"recent_failures"`
	FailureThreshold     int           `json:"failure_threshold"`
	TotalOps             int64         `json:"total_ops"`
	SuccessOps           int64         `json:"success_ops"`
	FailOps              int64         `json:"fail_ops"`
	TripCount            int           `json:"trip_count"`
	LastTripReason       string        `json:"last_trip_reason,omitempty"`
	LastFailure          *time.Time    `json:"last_failure,omitempty"`
	SeverityScore        float64       `json:"severity_score"`
	Severity             string        `json:"severity"`
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// WithLogger sets the structured logging sink.
func WithLogger(logger logging.Logger) Option {
	return func(cb *CircuitBreaker) {
		cb.logger = logging.OrNop(logger)
	}
}

// WithClassifier replaces IsTransient for deciding immediate trips.
func WithClassifier(fn func(error) bool) Option {
	return func(cb *CircuitBreaker) {
		if fn != nil {
			cb.isTransient = fn
		}
	}
}

type transition struct {
	from, to State
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name        string
	settings    atomic.Pointer[Settings]
	now         func() time.Time
	isTransient func(error) bool
	logger      logging.Logger

	mu                   sync.Mutex
	open                 bool
	resetAt              time.Time
	consecutiveSuccesses int
	recentFailures       []time.Time
	totalOps             int64
	successOps           int64
	failOps              int64
	tripCount            int
	lastTripReason       string
	lastFailure          time.Time
	score                float64
	severity             Severity

	// Hooks for monitoring and logging
	onStateChange func(name string, from, to State)
}

// New creates a new circuit breaker with the given name and settings
func New(name string, settings Settings, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:        name,
		now:         time.Now,
		isTransient: IsTransient,
		logger:      logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.logger = cb.logger.WithFields(logging.String("circuit_breaker", name))

	s := settings.normalized()
	cb.settings.Store(&s)
	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Settings returns the current settings snapshot.
func (cb *CircuitBreaker) Settings() Settings {
	return *cb.settings.Load()
}

// UpdateSettings swaps in a new settings snapshot. Callers already inside
// Execute keep the snapshot they started with.
func (cb *CircuitBreaker) UpdateSettings(settings Settings) {
	s := settings.normalized()
	cb.settings.Store(&s)

	cb.mu.Lock()
	cb.pruneLocked(cb.now(), s)
	cb.rescoreLocked(cb.now(), s)
	cb.mu.Unlock()

	cb.logger.Info("circuit breaker settings updated",
		logging.Int("failure_threshold", s.FailureThreshold),
		logging.Duration("break_duration", s.BreakDuration),
		logging.Duration("failure_window", s.FailureWindow))
}

// OnStateChange sets a callback that's called whenever the circuit breaker changes state
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn unless the breaker is open, in which case an *OpenError is
// returned without calling it. fn's error is recorded and returned as is.
// Cancellations are returned but never recorded.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if open, resetAt := cb.checkOpen(); open {
		return &OpenError{Name: cb.name, ResetAt: resetAt}
	}

	err := fn(ctx)
	if err != nil {
		cb.RecordFailure(err)
		return err
	}

	cb.RecordSuccess()
	return nil
}

// ExecuteValue is Execute for operations that produce a value.
func ExecuteValue[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

func (cb *CircuitBreaker) checkOpen() (bool, time.Time) {
	cb.mu.Lock()
	tr := cb.refreshLocked(cb.now(), cb.Settings())
	open, resetAt := cb.open, cb.resetAt
	hook := cb.onStateChange
	cb.mu.Unlock()

	cb.notify(hook, tr)
	return open, resetAt
}

// IsOpen reports whether calls are currently rejected. An expired break
// closes the breaker here.
func (cb *CircuitBreaker) IsOpen() bool {
	open, _ := cb.checkOpen()
	return open
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	tr := cb.refreshLocked(cb.now(), cb.Settings())
	state := cb.stateLocked()
	hook := cb.onStateChange
	cb.mu.Unlock()

	cb.notify(hook, tr)
	return state
}

// GetReopenTime returns how long the breaker stays open, zero when closed.
func (cb *CircuitBreaker) GetReopenTime() time.Duration {
	cb.mu.Lock()
	now := cb.now()
	tr := cb.refreshLocked(now, cb.Settings())
	var remaining time.Duration
	if cb.open {
		remaining = utils.Remaining(now, cb.resetAt)
	}
	hook := cb.onStateChange
	cb.mu.Unlock()

	cb.notify(hook, tr)
	return remaining
}

// ResetTime returns when an open breaker closes, or the zero time.
func (cb *CircuitBreaker) ResetTime() time.Time {
	open, resetAt := cb.checkOpen()
	if !open {
		return time.Time{}
	}
	return resetAt
}

// Severity returns the current advisory severity.
func (cb *CircuitBreaker) Severity() Severity {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.rescoreLocked(cb.now(), cb.Settings())
	return cb.severity
}

// RecordSuccess counts a successful call. Enough consecutive successes while
// open close the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	settings := cb.Settings()

	cb.mu.Lock()
	now := cb.now()
	tr := cb.refreshLocked(now, settings)
	cb.totalOps++
	cb.successOps++
	cb.consecutiveSuccesses++
	if cb.open && cb.consecutiveSuccesses >= settings.SuccessesToClose {
		tr = cb.closeLocked(now)
	}
	cb.rescoreLocked(now, settings)
	hook := cb.onStateChange
	cb.mu.Unlock()

	cb.notify(hook, tr)
}

// RecordFailure counts a failed call and trips the breaker when the window
// threshold is reached or the failure is transient. Cancellations are
// ignored.
func (cb *CircuitBreaker) RecordFailure(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	settings := cb.Settings()
	transient := err != nil && cb.isTransient(err)

	cb.mu.Lock()
	now := cb.now()
	tr := cb.refreshLocked(now, settings)
	cb.totalOps++
	cb.failOps++
	cb.consecutiveSuccesses = 0
	cb.lastFailure = now
	if len(cb.recentFailures) >= maxRecentFailures {
		cb.recentFailures = append(cb.recentFailures[:0], cb.recentFailures[1:]...)
	}
	cb.recentFailures = append(cb.recentFailures, now)
	cb.pruneLocked(now, settings)

	tripped := false
	reason := ""
	if !cb.open {
		switch {
		case transient:
			reason = "transient failure"
		case len(cb.recentFailures) >= settings.FailureThreshold:
			reason = "failure threshold reached"
		}
		if reason != "" {
			tr = cb.tripLocked(now, settings, reason)
			tripped = true
		}
	}
	cb.rescoreLocked(now, settings)
	recent := len(cb.recentFailures)
	resetAt := cb.resetAt
	hook := cb.onStateChange
	cb.mu.Unlock()

	cb.notify(hook, tr)
	if tripped {
		cb.logger.Warn("circuit breaker tripped",
			logging.String("reason", reason),
			logging.Int("recent_failures", recent),
			logging.Time("reset_at", resetAt),
			logging.Err(err))
	}
}

// Trip opens the breaker for a full break duration. An already open breaker
// is re-armed.
func (cb *CircuitBreaker) Trip(reason string) {
	settings := cb.Settings()

	cb.mu.Lock()
	now := cb.now()
	cb.refreshLocked(now, settings)
	tr := cb.tripLocked(now, settings, reason)
	cb.rescoreLocked(now, settings)
	resetAt := cb.resetAt
	hook := cb.onStateChange
	cb.mu.Unlock()

	cb.notify(hook, tr)
	cb.logger.Warn("circuit breaker tripped manually",
		logging.String("reason", reason),
		logging.Time("reset_at", resetAt))
}

// Reset closes the breaker and clears its history.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.stateLocked()
	cb.open = false
	cb.resetAt = time.Time{}
	cb.consecutiveSuccesses = 0
	cb.recentFailures = nil
	cb.totalOps, cb.successOps, cb.failOps = 0, 0, 0
	cb.tripCount = 0
	cb.lastTripReason = ""
	cb.lastFailure = time.Time{}
	cb.score, cb.severity = 0, SeverityLow
	hook := cb.onStateChange
	cb.mu.Unlock()

	cb.notify(hook, &transition{from: from, to: StateClosed})
}

// Stats returns the current statistics
func (cb *CircuitBreaker) Stats() Stats {
	settings := cb.Settings()

	cb.mu.Lock()
	now := cb.now()
	tr := cb.refreshLocked(now, settings)
	cb.rescoreLocked(now, settings)

	stats := Stats{
		Name:                 cb.name,
		State:                cb.stateLocked().String(),
		IsOpen:               cb.open,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		RecentFailures:       len(cb.recentFailures),
		FailureThreshold:     settings.FailureThreshold,
		TotalOps:             cb.totalOps,
		SuccessOps:           cb.successOps,
		FailOps:              cb.failOps,
		TripCount:            cb.tripCount,
		LastTripReason:       cb.lastTripReason,
		SeverityScore:        cb.score,
		Severity:             cb.severity.String(),
	}
	if cb.open {
		resetAt := cb.resetAt
		stats.ResetAt = &resetAt
		stats.ReopenIn = utils.Remaining(now, resetAt)
	}
	if !cb.lastFailure.IsZero() {
		lastFailure := cb.lastFailure
		stats.LastFailure = &lastFailure
	}
	hook := cb.onStateChange
	cb.mu.Unlock()

	cb.notify(hook, tr)
	return stats
}

func (cb *CircuitBreaker) stateLocked() State {
	switch {
	case !cb.open:
		return StateClosed
	case cb.consecutiveSuccesses > 0:
		return StateHalfOpen
	default:
		return StateOpen
	}
}

// refreshLocked prunes the window and closes an expired break.
func (cb *CircuitBreaker) refreshLocked(now time.Time, s Settings) *transition {
	cb.pruneLocked(now, s)
	if cb.open && !now.Before(cb.resetAt) {
		tr := cb.closeLocked(now)
		cb.rescoreLocked(now, s)
		return tr
	}
	return nil
}

func (cb *CircuitBreaker) pruneLocked(now time.Time, s Settings) {
	cutoff := now.Add(-s.FailureWindow)
	i := 0
	for i < len(cb.recentFailures) && !cb.recentFailures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		cb.recentFailures = append(cb.recentFailures[:0], cb.recentFailures[i:]...)
	}
}

func (cb *CircuitBreaker) tripLocked(now time.Time, s Settings, reason string) *transition {
	from := cb.stateLocked()
	cb.open = true
	cb.resetAt = now.Add(s.BreakDuration)
	cb.consecutiveSuccesses = 0
	cb.tripCount++
	cb.lastTripReason = reason
	return &transition{from: from, to: StateOpen}
}

// closeLocked closes the breaker. The failure window starts empty so a
// closed breaker needs fresh failures to trip again.
func (cb *CircuitBreaker) closeLocked(now time.Time) *transition {
	from := cb.stateLocked()
	cb.open = false
	cb.resetAt = time.Time{}
	cb.consecutiveSuccesses = 0
	cb.recentFailures = cb.recentFailures[:0]
	return &transition{from: from, to: StateClosed}
}

func (cb *CircuitBreaker) rescoreLocked(now time.Time, s Settings) {
	cb.score, cb.severity = ScoreSeverity(SeverityInput{
		TripCount:         cb.tripCount,
		RecentFailures:    len(cb.recentFailures),
		FailureThreshold:  s.FailureThreshold,
		FailuresPerSecond: cb.failuresPerSecondLocked(now),
		TotalOps:          cb.totalOps,
		SuccessOps:        cb.successOps,
	}, s.Weights)
}

// failuresPerSecondLocked measures density over the span from the oldest
// failure still in the window to now, never shorter than one second.
func (cb *CircuitBreaker) failuresPerSecondLocked(now time.Time) float64 {
	if len(cb.recentFailures) == 0 {
		return 0
	}
	span := max(now.Sub(cb.recentFailures[0]), time.Second)
	return float64(len(cb.recentFailures)) / span.Seconds()
}

func (cb *CircuitBreaker) notify(hook func(name string, from, to State), tr *transition) {
	if tr == nil || tr.from == tr.to {
		return
	}
	if tr.to == StateClosed {
		cb.logger.Info("circuit breaker closed", logging.String("from_state", tr.from.String()))
	}
	if hook != nil {
		hook(cb.name, tr.from, tr.to)
	}
}

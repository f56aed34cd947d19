package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"tidal-guard/internal/common/logging"
	"tidal-guard/internal/common/utils"
	"tidal-guard/internal/guard"
	"tidal-guard/internal/region"
)

// StatsReporter periodically logs aggregate limiter and breaker stats.
type StatsReporter struct {
	guard     *guard.Guard
	countries *region.CountryManager
	logger    logging.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewStatsReporter creates a reporter; Start schedules it.
func NewStatsReporter(g *guard.Guard, countries *region.CountryManager, logger logging.Logger) *StatsReporter {
	logger = logging.OrNop(logger).WithFields(logging.String("component", "stats_reporter"))
	cl := cronLogger{logger: logger}

	return &StatsReporter{
		guard:     g,
		countries: countries,
		logger:    logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// Start schedules Report on schedule, a standard cron spec or a descriptor
// such as "@every 1m". An empty schedule disables reporting.
func (r *StatsReporter) Start(schedule string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if schedule == "" {
		r.logger.Info("Stats schedule not configured, reporter disabled")
		return nil
	}
	if r.running {
		return nil
	}

	if _, err := r.cron.AddFunc(schedule, r.Report); err != nil {
		return fmt.Errorf("invalid stats schedule %q: %w", schedule, err)
	}
	r.cron.Start()
	r.running = true

	r.logger.Info("Stats reporter started", logging.String("schedule", schedule))
	return nil
}

// Stop stops scheduling. The returned context is done once a running report
// has finished.
func (r *StatsReporter) Stop() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.running = false
	return r.cron.Stop()
}

// Report logs one snapshot.
func (r *StatsReporter) Report() {
	stats := r.guard.Limiter().Stats()
	open := r.guard.Breakers().OpenBreakers()

	fields := []logging.Field{
		logging.Int64("total_requests", stats.TotalRequests),
		logging.Int64("throttled_requests", stats.ThrottledRequests),
		logging.Float64("throttle_percentage", stats.ThrottlePercentage),
		logging.Any("open_breakers", open),
		logging.String("country_code", r.countries.CountryCode()),
	}
	for cat, cs := range stats.Categories {
		prefix := string(cat) + "_"
		fields = append(fields,
			logging.Float64(prefix+"tokens", cs.Bucket.Tokens),
			logging.String(prefix+"estimated_wait", utils.FormatDuration(cs.Bucket.EstimatedWait)),
			logging.Int64(prefix+"active_slots", cs.Gate.Active),
		)
	}
	r.logger.Info("Guard stats", fields...)

	for _, cat := range r.guard.Limiter().Categories() {
		if msg := r.guard.ResumeMessage(cat); msg != "" {
			r.logger.Warn("Category paused",
				logging.String("category", string(cat)),
				logging.String("resume", msg),
				logging.Bool("skip_session", r.guard.ShouldSkipSession(cat)),
			)
		}
	}
}

// cronLogger adapts logging.Logger to cron.Logger.
type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, err, kvFields(keysAndValues)...)
}

func kvFields(kv []interface{}) []logging.Field {
	fields := make([]logging.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		fields = append(fields, logging.Any(key, kv[i+1]))
	}
	return fields
}

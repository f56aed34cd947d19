package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tidal-guard/internal/app"
	"tidal-guard/internal/circuitbreaker"
	apperrors "tidal-guard/internal/common/errors"
	"tidal-guard/internal/common/logging"
	"tidal-guard/internal/common/utils"
	"tidal-guard/internal/config"
	"tidal-guard/internal/guard"
	"tidal-guard/internal/ratelimit"
)

type simulateOptions struct {
	workers       int
	ops           int
	failureRate   float64
	fatalRate     float64
	latency       time.Duration
	category      string
	retryDelay    time.Duration
	breakDuration time.Duration
	seed          int64
}

func newSimulateCmd(root *rootOptions) *cobra.Command {
	opts := simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive a synthetic flaky dependency through the guard and print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			cat, err := ratelimit.ParseCategory(opts.category)
			if err != nil {
				return err
			}

			cfg, _, err := app.LoadConfig(app.RunOptions{ConfigFile: root.configFile, LogLevel: root.logLevel})
			if err != nil {
				return err
			}
			if root.logLevel == "" {
				cfg.LogLevel = "error"
			}
			logger, closeLog, err := logging.New(cfg.LogOptions())
			if err != nil {
				return err
			}
			defer func() { _ = closeLog() }()

			g, err := guard.NewFromSettings(opts.settings(cfg.Settings), logger)
			if err != nil {
				return err
			}
			defer g.Dispose()

			dep := newFlakyDependency(opts.seed, opts.failureRate, opts.fatalRate, opts.latency)
			summary, err := runSimulation(cmd.Context(), g, cat, opts, dep)
			if summary != nil {
				summary.print(cmd.OutOrStdout(), g)
			}
			return err
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.workers, "workers", 4, "concurrent workers")
	f.IntVar(&opts.ops, "ops", 100, "operations to run")
	f.Float64Var(&opts.failureRate, "failure-rate", 0.2, "probability of a transient failure per call")
	f.Float64Var(&opts.fatalRate, "fatal-rate", 0.02, "probability of a non-retryable failure per call")
	f.DurationVar(&opts.latency, "latency", 20*time.Millisecond, "simulated call latency")
	f.StringVar(&opts.category, "category", string(ratelimit.CategoryDownload), "traffic class: search or download")
	f.DurationVar(&opts.retryDelay, "retry-delay", 10*time.Millisecond, "initial retry delay used by the simulation")
	f.DurationVar(&opts.breakDuration, "break-duration", 2*time.Second, "circuit break duration used by the simulation")
	f.Int64Var(&opts.seed, "seed", 1, "random seed for the synthetic dependency")

	return cmd
}

func (o simulateOptions) validate() error {
	switch {
	case o.workers < 1:
		return apperrors.ValidationError("--workers must be at least 1")
	case o.ops < 1:
		return apperrors.ValidationError("--ops must be at least 1")
	case o.failureRate < 0 || o.fatalRate < 0 || o.failureRate+o.fatalRate > 1:
		return apperrors.ValidationError("--failure-rate and --fatal-rate must be in [0, 1] and sum to at most 1")
	}
	return nil
}

// settings shortens the timing knobs so a run finishes in seconds.
func (o simulateOptions) settings(s config.Settings) config.Settings {
	s.RetryInitialDelay = o.retryDelay
	s.RetryMaxDelay = o.retryDelay * 8
	s.BreakDuration = o.breakDuration
	return s
}

// flakyDependency stands in for the streaming service.
type flakyDependency struct {
	mu          sync.Mutex
	rng         *rand.Rand
	failureRate float64
	fatalRate   float64
	latency     time.Duration
	calls       int
}

func newFlakyDependency(seed int64, failureRate, fatalRate float64, latency time.Duration) *flakyDependency {
	return &flakyDependency{
		rng:         rand.New(rand.NewSource(seed)),
		failureRate: failureRate,
		fatalRate:   fatalRate,
		latency:     latency,
	}
}

func (d *flakyDependency) call(ctx context.Context) error {
	d.mu.Lock()
	roll := d.rng.Float64()
	d.calls++
	d.mu.Unlock()

	if d.latency > 0 {
		timer := time.NewTimer(d.latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	switch {
	case roll < d.failureRate:
		return apperrors.ConnectionError("upstream reset the connection", syscall.ECONNRESET)
	case roll < d.failureRate+d.fatalRate:
		return apperrors.FatalError("track not available in region", nil)
	default:
		return nil
	}
}

func (d *flakyDependency) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// outcome labels for the summary table.
const (
	outcomeOK          = "ok"
	outcomeCircuitOpen = "circuit_open"
	outcomeOverloaded  = "overloaded"
	outcomeTransient   = "transient"
	outcomeFatal       = "fatal"
	outcomeCancelled   = "cancelled"
	outcomeOther       = "other"
)

type simulationSummary struct {
	RunID    string
	Category ratelimit.Category
	Ops      int
	Calls    int
	Elapsed  time.Duration
	Outcomes map[string]int
}

func classifyOutcome(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, apperrors.ErrCircuitOpen):
		return outcomeCircuitOpen
	case errors.Is(err, apperrors.ErrOverloaded):
		return outcomeOverloaded
	case errors.Is(err, context.Canceled), errors.Is(err, apperrors.ErrCancelled):
		return outcomeCancelled
	case apperrors.IsType(err, apperrors.ErrTypeFatal):
		return outcomeFatal
	case circuitbreaker.IsTransient(err):
		return outcomeTransient
	default:
		return outcomeOther
	}
}

// runSimulation issues opts.ops calls through g from opts.workers workers.
// A cancelled ctx still yields the partial summary alongside ctx.Err().
func runSimulation(ctx context.Context, g *guard.Guard, cat ratelimit.Category, opts simulateOptions, dep *flakyDependency) (*simulationSummary, error) {
	summary := &simulationSummary{
		RunID:    uuid.NewString(),
		Category: cat,
		Ops:      opts.ops,
		Outcomes: make(map[string]int),
	}

	var mu sync.Mutex
	start := time.Now()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(opts.workers)
	for i := 0; i < opts.ops; i++ {
		name := fmt.Sprintf("simulated call %d", i+1)
		eg.Go(func() error {
			outcome := classifyOutcome(g.Do(egCtx, cat, name, dep.call))
			mu.Lock()
			summary.Outcomes[outcome]++
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	summary.Elapsed = time.Since(start)
	summary.Calls = dep.Calls()
	return summary, ctx.Err()
}

func (s *simulationSummary) print(w io.Writer, g *guard.Guard) {
	fmt.Fprintf(w, "run %s: %d operations on %s in %s (%d upstream calls)\n\n",
		s.RunID, s.Ops, s.Category, utils.FormatDuration(s.Elapsed), s.Calls)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "OUTCOME\tCOUNT")
	outcomes := make([]string, 0, len(s.Outcomes))
	for o := range s.Outcomes {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		fmt.Fprintf(tw, "%s\t%d\n", o, s.Outcomes[o])
	}
	_ = tw.Flush()

	stats := g.Limiter().Stats()
	fmt.Fprintf(w, "\nlimiter: %d requests, %d throttled (%.1f%%)\n",
		stats.TotalRequests, stats.ThrottledRequests, stats.ThrottlePercentage)

	b := g.Breaker(s.Category).Stats()
	fmt.Fprintf(w, "breaker %s: state=%s trips=%d failures=%d/%d severity=%s\n",
		b.Name, b.State, b.TripCount, b.FailOps, b.TotalOps, b.Severity)
	if msg := g.ResumeMessage(s.Category); msg != "" {
		fmt.Fprintf(w, "%s paused, %s\n", s.Category, msg)
	}
}

package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rsmolarz/marketctl/internal/observ"
)

// JobFunc is one periodic background job's body.
type JobFunc func(ctx context.Context)

type job struct {
	name         string
	baseInterval time.Duration
	fn           JobFunc
	cancel       context.CancelFunc
}

// JobRunner drives the orchestrator's cron-like periodic jobs (spec.md
// §4.G "Background periodic jobs"): rebalance, telemetry rollup,
// quarantine check, regime rotation, uncertainty update, regime-
// transition watch, and the daily/weekly digest. Every job's interval is
// rescaled each cycle by the current cadence multiplier, floored to one
// minute (spec.md "All cadences are multiplied by cadence_multiplier,
// floored to 1 minute").
type JobRunner struct {
	mu                sync.Mutex
	jobs              []*job
	cadenceMultiplier func() float64
	logger            *zap.Logger
}

func NewJobRunner(logger *zap.Logger, cadenceMultiplier func() float64) *JobRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cadenceMultiplier == nil {
		cadenceMultiplier = func() float64 { return 1.0 }
	}
	return &JobRunner{logger: logger, cadenceMultiplier: cadenceMultiplier}
}

// Register adds a named job with its base (unscaled) interval. Register
// before Start; jobs added afterward are not picked up.
func (r *JobRunner) Register(name string, baseInterval time.Duration, fn JobFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, &job{name: name, baseInterval: baseInterval, fn: fn})
}

// Start launches one goroutine per registered job.
func (r *JobRunner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		jobCtx, cancel := context.WithCancel(ctx)
		j.cancel = cancel
		go r.loop(jobCtx, j)
	}
}

// Stop cancels every job's loop.
func (r *JobRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.cancel != nil {
			j.cancel()
		}
	}
}

func (r *JobRunner) loop(ctx context.Context, j *job) {
	for {
		wait := r.scaledInterval(j.baseInterval)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		r.runOnce(ctx, j)
	}
}

func (r *JobRunner) scaledInterval(base time.Duration) time.Duration {
	mult := r.cadenceMultiplier()
	if mult <= 0 {
		mult = 1.0
	}
	d := time.Duration(float64(base) * mult)
	if d < time.Minute {
		d = time.Minute
	}
	return d
}

func (r *JobRunner) runOnce(ctx context.Context, j *job) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("background job panicked", zap.String("job", j.name), zap.Any("panic", rec))
			observ.IncCounter("scheduler_job_panics_total", map[string]string{"job": j.name})
		}
	}()
	start := time.Now()
	j.fn(ctx)
	observ.RecordDuration("scheduler_job_duration", time.Since(start), map[string]string{"job": j.name})
}

// Standard job cadences (spec.md §4.G table), used by the composition
// root to register the control plane's periodic jobs.
const (
	RebalanceCadence         = 15 * time.Minute
	TelemetryRollupCadence   = 5 * time.Minute
	QuarantineCheckCadence   = 5 * time.Minute
	RegimeRotationCadence    = 15 * time.Minute
	UncertaintyUpdateCadence = 5 * time.Minute
	RegimeTransitionWatchCadence = 5 * time.Minute
	DailyDigestCadence       = 24 * time.Hour
	WeeklyMemoCadence        = 7 * 24 * time.Hour
)

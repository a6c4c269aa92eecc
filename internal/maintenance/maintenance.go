// Package maintenance runs the periodic housekeeping jobs: purging resolved
// one-shot entries past their retention and rebuilding the calendar index
// so writes from other processes become visible.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/livinlefevreloca/herald/internal/clock"
)

// Config holds the job schedules. Schedules use standard five field cron
// syntax or descriptors such as "@daily" and "@every 5m". An empty schedule
// disables the job.
type Config struct {
	PurgeSchedule   string        `toml:"purge_schedule" yaml:"purge_schedule" env:"HERALD_MAINTENANCE_PURGE_SCHEDULE"`
	Retention       time.Duration `toml:"retention" yaml:"retention" env:"HERALD_MAINTENANCE_RETENTION"`
	RebuildSchedule string        `toml:"rebuild_schedule" yaml:"rebuild_schedule" env:"HERALD_MAINTENANCE_REBUILD_SCHEDULE"`
	JobTimeout      time.Duration `toml:"job_timeout" yaml:"job_timeout" env:"HERALD_MAINTENANCE_JOB_TIMEOUT"`
	Timezone        string        `toml:"timezone" yaml:"timezone" env:"HERALD_MAINTENANCE_TIMEZONE"`
}

// DefaultConfig returns the maintenance defaults
func DefaultConfig() Config {
	return Config{
		PurgeSchedule:   "30 3 * * *",
		Retention:       30 * 24 * time.Hour,
		RebuildSchedule: "@every 5m",
		JobTimeout:      time.Minute,
	}
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the schedules parse and the durations are usable.
func (c Config) Validate() error {
	if c.PurgeSchedule != "" {
		if _, err := parser.Parse(c.PurgeSchedule); err != nil {
			return fmt.Errorf("PurgeSchedule %q: %w", c.PurgeSchedule, err)
		}
		if c.Retention <= 0 {
			return fmt.Errorf("Retention must be positive, got %v", c.Retention)
		}
	}
	if c.RebuildSchedule != "" {
		if _, err := parser.Parse(c.RebuildSchedule); err != nil {
			return fmt.Errorf("RebuildSchedule %q: %w", c.RebuildSchedule, err)
		}
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("JobTimeout must be positive, got %v", c.JobTimeout)
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("Timezone %q: %w", c.Timezone, err)
		}
	}
	return nil
}

// Purger deletes resolved entries last changed before a cutoff.
type Purger interface {
	PurgeResolved(ctx context.Context, before time.Time) (int, error)
}

// Rebuilder recomputes a derived view from storage.
type Rebuilder interface {
	Rebuild(ctx context.Context) error
}

// Runner owns the cron instance driving the jobs.
type Runner struct {
	cfg     Config
	purger  Purger
	index   Rebuilder
	clock   clock.Clock
	logger  zerolog.Logger
	baseCtx context.Context

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	purged  int
	lastErr error
}

// New creates a Runner. Either job dependency may be nil, which disables
// that job.
func New(cfg Config, purger Purger, index Rebuilder, clk clock.Clock, logger zerolog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid maintenance config: %w", err)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Runner{
		cfg:    cfg,
		purger: purger,
		index:  index,
		clock:  clk,
		logger: logger.With().Str("component", "maintenance").Logger(),
	}, nil
}

// Start registers the enabled jobs and starts the cron loop. Jobs that are
// still running when their next firing comes up are skipped.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}

	loc := time.Local
	if r.cfg.Timezone != "" {
		loc, _ = time.LoadLocation(r.cfg.Timezone)
	}

	log := cronLogger{r.logger}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)

	jobCtx, cancel := context.WithCancel(ctx)
	r.baseCtx = jobCtx

	if r.purger != nil && r.cfg.PurgeSchedule != "" {
		if _, err := c.AddFunc(r.cfg.PurgeSchedule, func() { r.run("purge", r.Purge) }); err != nil {
			cancel()
			return fmt.Errorf("schedule purge: %w", err)
		}
	}
	if r.index != nil && r.cfg.RebuildSchedule != "" {
		if _, err := c.AddFunc(r.cfg.RebuildSchedule, func() { r.run("rebuild", r.Rebuild) }); err != nil {
			cancel()
			return fmt.Errorf("schedule rebuild: %w", err)
		}
	}

	r.cron = c
	r.cancel = cancel
	c.Start()

	r.logger.Info().
		Str("purge", r.cfg.PurgeSchedule).
		Str("rebuild", r.cfg.RebuildSchedule).
		Str("tz", loc.String()).
		Int("jobs", len(c.Entries())).
		Msg("maintenance started")
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	c, cancel := r.cron, r.cancel
	r.cron, r.cancel = nil, nil
	r.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	r.logger.Info().Msg("maintenance stopped")
}

// Purge removes resolved entries older than the retention and returns how
// many were deleted.
func (r *Runner) Purge(ctx context.Context) error {
	if r.purger == nil {
		return nil
	}
	cutoff := r.clock.Now().Add(-r.cfg.Retention)
	n, err := r.purger.PurgeResolved(ctx, cutoff)

	r.mu.Lock()
	r.purged += n
	r.mu.Unlock()

	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Info().Int("purged", n).Time("cutoff", cutoff).Msg("purged resolved entries")
	}
	return nil
}

// Rebuild refreshes the calendar index from storage.
func (r *Runner) Rebuild(ctx context.Context) error {
	if r.index == nil {
		return nil
	}
	return r.index.Rebuild(ctx)
}

// Purged returns the total number of entries purged since start.
func (r *Runner) Purged() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.purged
}

// LastError returns the error of the most recent failed job, if any.
func (r *Runner) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

func (r *Runner) run(name string, job func(context.Context) error) {
	r.mu.Lock()
	base := r.baseCtx
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, r.cfg.JobTimeout)
	defer cancel()

	start := r.clock.Now()
	err := job(ctx)

	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()

	if err != nil {
		r.logger.Error().Err(err).Str("job", name).Msg("maintenance job failed")
		return
	}
	r.logger.Debug().Str("job", name).Dur("duration", r.clock.Now().Sub(start)).Msg("maintenance job done")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

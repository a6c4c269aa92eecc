// Package dispatcher turns due schedule entries into publisher calls.
//
// Each tick lists the due entries, claims each one with a versioned write
// (the lease), calls the publisher once and writes the outcome back using
// the claimed version. The lease is what keeps two dispatchers, or a tick
// and a user edit, from publishing the same occurrence twice.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/livinlefevreloca/herald/internal/clock"
	"github.com/livinlefevreloca/herald/internal/publish"
	"github.com/livinlefevreloca/herald/internal/recurrence"
	"github.com/livinlefevreloca/herald/internal/schedule"
	"github.com/livinlefevreloca/herald/internal/store"
)

// Store is the part of the Schedule Store the dispatcher writes through.
type Store interface {
	ListDue(ctx context.Context, notAfter time.Time) ([]schedule.Entry, error)
	Get(ctx context.Context, id string) (schedule.Entry, error)
	Claim(ctx context.Context, id string, expectedVersion int64, owner string, leaseUntil time.Time) (schedule.Entry, error)
	Mutate(ctx context.Context, id string, expectedVersion int64, fn store.MutateFunc) (schedule.Entry, error)
	RecordAttempt(ctx context.Context, a schedule.Attempt) error
}

// Notifier receives transitions and operational alerts. It must not block.
type Notifier interface {
	Notify(t store.Transition)
	Alert(reason string)
}

type nopNotifier struct{}

func (nopNotifier) Notify(store.Transition) {}
func (nopNotifier) Alert(string)            {}

// Stats are cumulative counters since the dispatcher was created.
type Stats struct {
	InstanceID        string    `json:"instanceId"`
	Ticks             int64     `json:"ticks"`
	Claimed           int64     `json:"claimed"`
	Published         int64     `json:"published"`
	Retried           int64     `json:"retried"`
	Failed            int64     `json:"failed"`
	Conflicts         int64     `json:"conflicts"`
	PersistenceErrors int64     `json:"persistenceErrors"`
	Unresolved        int       `json:"unresolved"`
	LastTick          time.Time `json:"lastTick,omitzero"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l.With().Str("component", "dispatcher").Logger() }
}

// WithNotifier receives every terminal and backoff transition.
func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) {
		if n != nil {
			d.notifier = n
		}
	}
}

// Dispatcher is the periodic publish driver.
type Dispatcher struct {
	store     Store
	publisher publish.Publisher
	clock     clock.Clock
	logger    zerolog.Logger
	notifier  Notifier

	mu       sync.RWMutex
	config   Config
	limiter  *rate.Limiter
	interval chan time.Duration

	// tickMu makes the dispatcher a single logical actor: ticks never overlap.
	tickMu sync.Mutex
	// unresolved holds outcomes whose write failed on a persistence error,
	// keyed by entry id. Only touched while holding tickMu.
	unresolved map[string]*outcome
	// persistenceStreak counts consecutive ticks that hit a persistence
	// failure; tickFailed marks the current one.
	persistenceStreak  int
	tickFailed         bool
	lastPersistenceErr error

	ticks             atomic.Int64
	claimed           atomic.Int64
	published         atomic.Int64
	retried           atomic.Int64
	failed            atomic.Int64
	conflicts         atomic.Int64
	persistenceErrors atomic.Int64
	unresolvedCount   atomic.Int64
	lastTick          atomic.Int64
}

// New creates a dispatcher with a validated config.
func New(cfg Config, st Store, pub publish.Publisher, opts ...Option) (*Dispatcher, error) {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatcher config: %w", err)
	}

	d := &Dispatcher{
		store:      st,
		publisher:  pub,
		clock:      clock.Real{},
		logger:     zerolog.Nop(),
		notifier:   nopNotifier{},
		config:     cfg,
		limiter:    rate.NewLimiter(limitOf(cfg), cfg.PublishBurst),
		interval:   make(chan time.Duration, 1),
		unresolved: make(map[string]*outcome),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Config returns the active configuration.
func (d *Dispatcher) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// ApplyConfig swaps the retry, lease, rate and tick settings at runtime. The
// instance id is fixed for the life of the dispatcher.
func (d *Dispatcher) ApplyConfig(cfg Config) error {
	d.mu.Lock()
	cfg.InstanceID = d.config.InstanceID
	if err := cfg.Validate(); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("invalid dispatcher config: %w", err)
	}
	changedInterval := cfg.TickInterval != d.config.TickInterval
	d.config = cfg
	d.limiter.SetLimit(limitOf(cfg))
	d.limiter.SetBurst(cfg.PublishBurst)
	d.mu.Unlock()

	if changedInterval {
		select {
		case <-d.interval:
		default:
		}
		d.interval <- cfg.TickInterval
	}

	d.logger.Info().
		Dur("tick_interval", cfg.TickInterval).
		Dur("backoff_base", cfg.BackoffBase).
		Int("max_attempts", cfg.MaxAttempts).
		Float64("publish_rate", cfg.PublishRatePerSec).
		Msg("dispatcher config applied")
	return nil
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		InstanceID:        d.Config().InstanceID,
		Ticks:             d.ticks.Load(),
		Claimed:           d.claimed.Load(),
		Published:         d.published.Load(),
		Retried:           d.retried.Load(),
		Failed:            d.failed.Load(),
		Conflicts:         d.conflicts.Load(),
		PersistenceErrors: d.persistenceErrors.Load(),
		Unresolved:        int(d.unresolvedCount.Load()),
	}
	if ns := d.lastTick.Load(); ns != 0 {
		s.LastTick = time.Unix(0, ns)
	}
	return s
}

// Run ticks until ctx is cancelled. Tick errors are logged; the next tick
// tries again.
func (d *Dispatcher) Run(ctx context.Context) error {
	cfg := d.Config()
	d.logger.Info().
		Str("instance_id", cfg.InstanceID).
		Dur("tick_interval", cfg.TickInterval).
		Msg("dispatcher started")

	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	d.tickLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("dispatcher stopped")
			return nil
		case interval := <-d.interval:
			ticker.Reset(interval)
		case <-ticker.C:
			d.tickLogged(ctx)
		}
	}
}

func (d *Dispatcher) tickLogged(ctx context.Context) {
	if err := d.Tick(ctx); err != nil && ctx.Err() == nil {
		d.logger.Error().Err(err).Msg("dispatcher tick failed")
	}
}

// Tick performs one dispatch cycle:
//  1. retry writing outcomes left over from persistence failures
//  2. list due entries
//  3. claim, publish and resolve each of them in anchor order
func (d *Dispatcher) Tick(ctx context.Context) error {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	cfg := d.Config()
	now := d.clock.Now()
	d.ticks.Add(1)
	d.lastTick.Store(now.UnixNano())
	d.tickFailed = false
	defer d.endTick(cfg)

	d.retryUnresolved(ctx, cfg)

	due, err := d.store.ListDue(ctx, now)
	if err != nil {
		if schedule.IsPersistence(err) {
			d.persistenceFailed(err)
		}
		return fmt.Errorf("list due entries: %w", err)
	}

	if len(due) > 0 {
		d.logger.Debug().Int("due", len(due)).Time("now", now).Msg("dispatching due entries")
	}

	for _, e := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, pending := d.unresolved[e.ID]; pending {
			// The previous outcome for this occurrence is not written yet.
			continue
		}
		d.dispatch(ctx, cfg, e)
	}
	return nil
}

// outcome is the result of one publisher call, kept until it is written.
type outcome struct {
	entryID        string
	articleRef     string
	claimedVersion int64
	occurrence     time.Time
	attempt        int
	result         schedule.Outcome
	err            error
	at             time.Time
}

func (d *Dispatcher) dispatch(ctx context.Context, cfg Config, e schedule.Entry) {
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}

	now := d.clock.Now()
	claimed, err := d.store.Claim(ctx, e.ID, e.Version, cfg.InstanceID, now.Add(cfg.LeaseTimeout))
	if err != nil {
		switch {
		case schedule.IsConflict(err), schedule.IsNotFound(err):
			// Someone else got there first; reconsidered next tick if still due.
			d.conflicts.Add(1)
			d.logger.Debug().Err(err).Str("entry_id", e.ID).Msg("claim lost")
		case schedule.IsPersistence(err):
			d.persistenceFailed(err)
		default:
			d.logger.Error().Err(err).Str("entry_id", e.ID).Msg("claim failed")
		}
		return
	}
	d.claimed.Add(1)

	started := time.Now()
	pctx, cancel := context.WithTimeout(ctx, cfg.PublishTimeout)
	perr := d.publisher.Publish(pctx, claimed.ArticleRef)
	cancel()
	elapsed := time.Since(started)

	o := &outcome{
		entryID:        claimed.ID,
		articleRef:     claimed.ArticleRef,
		claimedVersion: claimed.Version,
		occurrence:     claimed.AnchorTime,
		attempt:        claimed.AttemptCount + 1,
		err:            perr,
		at:             d.clock.Now(),
	}
	switch {
	case perr == nil:
		o.result = schedule.OutcomePublished
	case publish.IsPermanent(perr) || o.attempt >= cfg.MaxAttempts:
		o.result = schedule.OutcomeFailed
	default:
		o.result = schedule.OutcomeRetry
	}

	// Outcome writes must land even when shutdown cancelled ctx mid-publish,
	// or the occurrence would wait for the lease to expire and fire again.
	wctx := context.WithoutCancel(ctx)
	d.recordAttempt(wctx, cfg, o, elapsed)
	d.resolve(wctx, cfg, o)
}

func (d *Dispatcher) recordAttempt(ctx context.Context, cfg Config, o *outcome, elapsed time.Duration) {
	a := schedule.Attempt{
		EntryID:     o.entryID,
		ArticleRef:  o.articleRef,
		Occurrence:  o.occurrence,
		Number:      o.attempt,
		Owner:       cfg.InstanceID,
		Outcome:     o.result,
		AttemptedAt: o.at,
		Duration:    elapsed,
	}
	if o.err != nil {
		a.Error = o.err.Error()
	}
	if err := d.store.RecordAttempt(ctx, a); err != nil {
		d.logger.Warn().Err(err).Str("entry_id", o.entryID).Msg("failed to record publish attempt")
	}
}

// resolve writes o using the claimed version. A conflict means the entry
// changed under the lease: a cancel is honoured by recording bookkeeping
// only, a deleted entry drops the outcome, anything else is retried with
// the fresh version up to MaxConflictRetries times.
func (d *Dispatcher) resolve(ctx context.Context, cfg Config, o *outcome) {
	version := o.claimedVersion
	for try := 0; try <= cfg.MaxConflictRetries; try++ {
		var before schedule.Entry
		updated, err := d.store.Mutate(ctx, o.entryID, version, func(e *schedule.Entry, now time.Time) error {
			before = *e
			return d.apply(e, o, cfg)
		})
		if err == nil {
			d.forget(o.entryID)
			d.resolved(before, updated, o, cfg)
			return
		}

		switch {
		case schedule.IsPersistence(err):
			d.keep(o)
			d.persistenceFailed(err)
			return
		case schedule.IsNotFound(err):
			d.forget(o.entryID)
			d.logger.Warn().Str("entry_id", o.entryID).Msg("entry removed while publishing; outcome dropped")
			return
		case errSuperseded(err):
			d.forget(o.entryID)
			d.logger.Warn().
				Str("entry_id", o.entryID).
				Time("occurrence", o.occurrence).
				Msg("occurrence was taken over by another dispatcher; outcome dropped")
			return
		case !schedule.IsConflict(err):
			d.forget(o.entryID)
			d.logger.Error().Err(err).Str("entry_id", o.entryID).Msg("outcome rejected")
			return
		}

		d.conflicts.Add(1)
		fresh, gerr := d.store.Get(ctx, o.entryID)
		if gerr != nil {
			if schedule.IsNotFound(gerr) {
				d.forget(o.entryID)
				d.logger.Warn().Str("entry_id", o.entryID).Msg("entry removed while publishing; outcome dropped")
				return
			}
			d.keep(o)
			d.persistenceFailed(gerr)
			return
		}
		version = fresh.Version
	}

	d.forget(o.entryID)
	d.logger.Error().
		Str("entry_id", o.entryID).
		Int("retries", cfg.MaxConflictRetries).
		Msg("gave up writing publish outcome after repeated conflicts")
}

type supersededError struct{}

func (supersededError) Error() string { return "occurrence superseded" }

func errSuperseded(err error) bool {
	_, ok := err.(supersededError)
	return ok
}

// apply folds the outcome into the entry and releases the lease.
func (d *Dispatcher) apply(e *schedule.Entry, o *outcome, cfg Config) error {
	if e.Status == schedule.StatusCancelled {
		// Cancelled while in flight: keep the record of what happened.
		e.LeaseOwner = ""
		e.LeaseUntil = time.Time{}
		e.AttemptCount = o.attempt
		e.LastAttemptAt = o.at
		if o.err != nil {
			e.LastError = o.err.Error()
		} else {
			e.LastPublishedAt = o.at
		}
		return nil
	}

	// Anything but our own live lease on the same pending occurrence means
	// another dispatcher took the occurrence over after our lease expired.
	if e.Status != schedule.StatusPending || e.LeaseOwner != cfg.InstanceID || !e.AnchorTime.Equal(o.occurrence) {
		return supersededError{}
	}

	e.LeaseOwner = ""
	e.LeaseUntil = time.Time{}
	e.LastAttemptAt = o.at

	switch o.result {
	case schedule.OutcomePublished:
		e.LastPublishedAt = o.at
		e.LastError = ""
		advance(e, schedule.StatusPublished, o.at)
	case schedule.OutcomeRetry:
		e.AttemptCount = o.attempt
		e.LastError = o.err.Error()
		e.NotBefore = o.at.Add(cfg.Backoff(o.attempt))
	case schedule.OutcomeFailed:
		e.AttemptCount = o.attempt
		e.LastError = o.err.Error()
		advance(e, schedule.StatusFailed, o.at)
	}
	return nil
}

// advance resolves the current occurrence. Recurring entries move straight
// on to their next occurrence after now, skipping any that were missed.
func advance(e *schedule.Entry, status schedule.Status, now time.Time) {
	e.ResolvedThrough = e.AnchorTime
	e.NotBefore = time.Time{}

	if e.RepeatRule.Recurring() {
		after := now
		if e.AnchorTime.After(after) {
			after = e.AnchorTime
		}
		if next, ok := recurrence.Next(*e, after); ok {
			e.AnchorTime = next
			e.Status = schedule.StatusPending
			e.AttemptCount = 0
			return
		}
	}
	e.Status = status
}

// resolved updates counters and tells operators about the transition.
func (d *Dispatcher) resolved(before, after schedule.Entry, o *outcome, cfg Config) {
	log := d.logger.With().
		Str("entry_id", o.entryID).
		Str("article_ref", o.articleRef).
		Time("occurrence", o.occurrence).
		Int("attempt", o.attempt).
		Logger()

	if before.Status == schedule.StatusCancelled {
		log.Info().Str("outcome", string(o.result)).Msg("outcome recorded on cancelled entry")
		return
	}

	t := store.Transition{Entry: after, OldStatus: schedule.StatusPending, Occurrence: o.occurrence}
	switch o.result {
	case schedule.OutcomePublished:
		d.published.Add(1)
		t.NewStatus = schedule.StatusPublished
		t.Reason = "published"
		log.Info().Time("next", after.AnchorTime).Msg("article published")

	case schedule.OutcomeRetry:
		d.retried.Add(1)
		t.NewStatus = schedule.StatusPending
		t.Reason = fmt.Sprintf("attempt %d of %d failed, retrying after %s: %v",
			o.attempt, cfg.MaxAttempts, after.NotBefore.Sub(o.at), o.err)
		log.Warn().Err(o.err).Time("not_before", after.NotBefore).Msg("publish failed, backing off")

	case schedule.OutcomeFailed:
		d.failed.Add(1)
		t.NewStatus = schedule.StatusFailed
		t.Reason = o.err.Error()
		log.Error().Err(o.err).Msg("publish failed")
	}
	d.notifier.Notify(t)
}

// retryUnresolved writes outcomes left over from earlier persistence
// failures. The lease is normally still ours, so the occurrence is not
// published again.
func (d *Dispatcher) retryUnresolved(ctx context.Context, cfg Config) {
	if len(d.unresolved) == 0 {
		return
	}
	pending := make([]*outcome, 0, len(d.unresolved))
	for _, o := range d.unresolved {
		pending = append(pending, o)
	}
	for _, o := range pending {
		if ctx.Err() != nil {
			return
		}
		d.resolve(context.WithoutCancel(ctx), cfg, o)
	}
}

func (d *Dispatcher) keep(o *outcome) {
	d.unresolved[o.entryID] = o
	d.unresolvedCount.Store(int64(len(d.unresolved)))
}

func (d *Dispatcher) forget(id string) {
	delete(d.unresolved, id)
	d.unresolvedCount.Store(int64(len(d.unresolved)))
}

// persistenceFailed counts a storage failure. Entries stay pending; a
// storage outage is not a publish failure.
func (d *Dispatcher) persistenceFailed(err error) {
	d.persistenceErrors.Add(1)
	d.tickFailed = true
	d.lastPersistenceErr = err
	d.logger.Error().Err(err).Msg("persistence failure during dispatch")
}

// endTick alerts operators once per streak of failing ticks.
func (d *Dispatcher) endTick(cfg Config) {
	if !d.tickFailed {
		d.persistenceStreak = 0
		return
	}
	d.persistenceStreak++
	if d.persistenceStreak == cfg.PersistenceAlertThreshold {
		d.notifier.Alert(fmt.Sprintf("dispatcher %s: persistence failing for %d consecutive ticks, last error: %v",
			cfg.InstanceID, d.persistenceStreak, d.lastPersistenceErr))
	}
}

func limitOf(cfg Config) rate.Limit {
	if cfg.PublishRatePerSec <= 0 {
		return rate.Inf
	}
	return rate.Limit(cfg.PublishRatePerSec)
}

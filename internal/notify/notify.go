// Package notify delivers status transition notices to operators.
//
// Producers hand notifications to a Bus, which never blocks: when the
// queue is full the notification is dropped and counted. A single worker
// drains the queue and fans each notification out to every configured
// Sink. Delivery failures are logged and otherwise ignored.
package notify

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/livinlefevreloca/herald/internal/clock"
	"github.com/livinlefevreloca/herald/internal/inbox"
	"github.com/livinlefevreloca/herald/internal/schedule"
	"github.com/livinlefevreloca/herald/internal/store"
)

// Kind distinguishes status changes from operational alerts.
type Kind string

const (
	KindTransition Kind = "transition"
	KindAlert      Kind = "alert"
)

// Notification is one operator-facing notice.
type Notification struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	EntryID    string          `json:"entryId,omitempty"`
	ArticleRef string          `json:"articleRef,omitempty"`
	OldStatus  schedule.Status `json:"oldStatus,omitempty"`
	NewStatus  schedule.Status `json:"newStatus,omitempty"`
	Reason     string          `json:"reason"`
	Occurrence time.Time       `json:"occurrence,omitzero"`
	At         time.Time       `json:"at"`
}

// Subject is a one-line summary used by sinks that need a title.
func (n Notification) Subject() string {
	if n.Kind == KindAlert {
		return "herald alert: " + n.Reason
	}
	return fmt.Sprintf("herald: article %s %s", n.ArticleRef, n.NewStatus)
}

// Text renders the notification for human readers.
func (n Notification) Text() string {
	if n.Kind == KindAlert {
		return fmt.Sprintf("[herald] ALERT %s (at %s)", n.Reason, n.At.Format(time.RFC3339))
	}
	text := fmt.Sprintf("[herald] article %s: %s -> %s", n.ArticleRef, n.OldStatus, n.NewStatus)
	if !n.Occurrence.IsZero() {
		text += " for " + n.Occurrence.Format(time.RFC3339)
	}
	if n.Reason != "" {
		text += " (" + n.Reason + ")"
	}
	return text
}

// Sink delivers notifications somewhere.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// Stats counts what the bus did with the notifications it was handed.
type Stats struct {
	Queued    int64 `json:"queued"`
	Dropped   int64 `json:"dropped"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

// Bus is a non-blocking fanout of notifications to sinks. It implements
// store.Notifier.
type Bus struct {
	inbox   *inbox.Inbox[Notification]
	sinks   []Sink
	clock   clock.Clock
	logger  zerolog.Logger
	timeout time.Duration

	delivered atomic.Int64
	failed    atomic.Int64

	started  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

// DefaultBuffer is the queue size used when Config.Buffer is not positive.
const DefaultBuffer = 256

// NewBus creates a bus with the given queue size and sinks. Start must be
// called for anything to be delivered.
func NewBus(buffer int, clk clock.Clock, logger zerolog.Logger, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if clk == nil {
		clk = clock.Real{}
	}
	logger = logger.With().Str("component", "notify").Logger()
	return &Bus{
		inbox:   inbox.New[Notification](buffer, 0, logger),
		sinks:   sinks,
		clock:   clk,
		logger:  logger,
		timeout: 15 * time.Second,
		done:    make(chan struct{}),
	}
}

// Notify converts a store transition into a notification and queues it.
func (b *Bus) Notify(t store.Transition) {
	b.Publish(Notification{
		Kind:       KindTransition,
		EntryID:    t.Entry.ID,
		ArticleRef: t.Entry.ArticleRef,
		OldStatus:  t.OldStatus,
		NewStatus:  t.NewStatus,
		Reason:     t.Reason,
		Occurrence: t.Occurrence,
	})
}

// Alert queues an operational alert that is not tied to an entry.
func (b *Bus) Alert(reason string) {
	b.Publish(Notification{Kind: KindAlert, Reason: reason})
}

// Publish queues n, filling in its ID and time. It reports false when the
// notification was dropped.
func (b *Bus) Publish(n Notification) bool {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.At.IsZero() {
		n.At = b.clock.Now()
	}
	if n.Kind == "" {
		n.Kind = KindTransition
	}

	if !b.inbox.TrySend(n) {
		b.logger.Warn().
			Str("notification_id", n.ID).
			Str("entry_id", n.EntryID).
			Msg("notification dropped")
		return false
	}
	return true
}

// Start launches the delivery worker. Deliveries use ctx, so cancelling it
// aborts in-progress sends; Stop is still needed to end the worker.
func (b *Bus) Start(ctx context.Context) {
	if b.started.CompareAndSwap(false, true) {
		go b.run(ctx)
	}
}

// Stop closes the queue, waits for queued notifications to be delivered and
// returns. Notifications published after Stop are dropped.
func (b *Bus) Stop() {
	b.stopOnce.Do(b.inbox.Close)
	if b.started.Load() {
		<-b.done
	}
}

// Stats returns delivery counters.
func (b *Bus) Stats() Stats {
	s := b.inbox.GetStats()
	return Stats{
		Queued:    s.TotalSent,
		Dropped:   s.DroppedCount,
		Delivered: b.delivered.Load(),
		Failed:    b.failed.Load(),
	}
}

func (b *Bus) run(ctx context.Context) {
	defer close(b.done)
	for {
		n, ok := b.inbox.Receive()
		if !ok {
			return
		}
		b.deliver(ctx, n)
	}
}

func (b *Bus) deliver(ctx context.Context, n Notification) {
	for _, sink := range b.sinks {
		sctx, cancel := context.WithTimeout(ctx, b.timeout)
		err := sink.Deliver(sctx, n)
		cancel()

		if err != nil {
			b.failed.Add(1)
			b.logger.Error().
				Err(err).
				Str("sink", sink.Name()).
				Str("notification_id", n.ID).
				Msg("notification delivery failed")
			continue
		}
		b.delivered.Add(1)
	}
}

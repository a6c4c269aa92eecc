package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
	tele "gopkg.in/telebot.v4"

	"github.com/livinlefevreloca/herald/internal/clock"
	"github.com/livinlefevreloca/herald/internal/schedule"
	"github.com/livinlefevreloca/herald/internal/store"
)

var t0 = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

type captureSink struct {
	mu    sync.Mutex
	got   []Notification
	err   error
	block chan struct{}
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Deliver(_ context.Context, n Notification) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return s.err
}

func (s *captureSink) notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.got...)
}

func TestBusDeliversTransitions(t *testing.T) {
	sink := &captureSink{}
	bus := NewBus(8, clock.NewFake(t0), zerolog.Nop(), sink)
	bus.Start(context.Background())

	entry := schedule.Entry{ID: "e1", ArticleRef: "a1"}
	bus.Notify(store.Transition{
		Entry:      entry,
		OldStatus:  schedule.StatusPending,
		NewStatus:  schedule.StatusPublished,
		Reason:     "published",
		Occurrence: t0,
	})
	bus.Alert("persistence failing")
	bus.Stop()

	got := sink.notifications()
	require.Len(t, got, 2)

	assert.Equal(t, KindTransition, got[0].Kind)
	assert.Equal(t, "e1", got[0].EntryID)
	assert.Equal(t, "a1", got[0].ArticleRef)
	assert.Equal(t, schedule.StatusPending, got[0].OldStatus)
	assert.Equal(t, schedule.StatusPublished, got[0].NewStatus)
	assert.Equal(t, t0, got[0].At)
	assert.NotEmpty(t, got[0].ID)

	assert.Equal(t, KindAlert, got[1].Kind)
	assert.NotEqual(t, got[0].ID, got[1].ID)

	stats := bus.Stats()
	assert.Equal(t, int64(2), stats.Queued)
	assert.Equal(t, int64(2), stats.Delivered)
	assert.Zero(t, stats.Dropped)
}

func TestBusNeverBlocksAndCountsDrops(t *testing.T) {
	sink := &captureSink{block: make(chan struct{})}
	bus := NewBus(2, clock.NewFake(t0), zerolog.Nop(), sink)
	bus.Start(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			bus.Publish(Notification{Reason: "burst"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow sink")
	}

	stats := bus.Stats()
	assert.Equal(t, int64(50), stats.Queued+stats.Dropped)
	assert.Positive(t, stats.Dropped)

	close(sink.block)
	bus.Stop()
	assert.Equal(t, stats.Queued, int64(len(sink.notifications())))
}

func TestBusCountsSinkFailures(t *testing.T) {
	failing := &captureSink{err: errors.New("smtp down")}
	ok := &captureSink{}
	bus := NewBus(4, nil, zerolog.Nop(), failing, ok)
	bus.Start(context.Background())

	bus.Publish(Notification{Reason: "x"})
	bus.Stop()

	stats := bus.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Delivered)
	assert.Len(t, ok.notifications(), 1)
}

func TestBusDropsAfterStop(t *testing.T) {
	bus := NewBus(4, nil, zerolog.Nop())
	bus.Stop()
	assert.False(t, bus.Publish(Notification{Reason: "late"}))
	assert.Equal(t, int64(1), bus.Stats().Dropped)
}

func TestNotificationText(t *testing.T) {
	n := Notification{
		Kind:       KindTransition,
		ArticleRef: "a1",
		OldStatus:  schedule.StatusPending,
		NewStatus:  schedule.StatusFailed,
		Reason:     "permanent: 404",
		Occurrence: t0,
	}
	assert.Equal(t, "[herald] article a1: pending -> failed for 2025-03-10T08:00:00Z (permanent: 404)", n.Text())
	assert.Equal(t, "herald: article a1 failed", n.Subject())

	alert := Notification{Kind: KindAlert, Reason: "store unreachable", At: t0}
	assert.Equal(t, "herald alert: store unreachable", alert.Subject())
	assert.Contains(t, alert.Text(), "ALERT store unreachable")
}

func TestEmailSink(t *testing.T) {
	_, err := NewEmailSink(EmailConfig{Host: "smtp.example.com"})
	require.Error(t, err)

	sink, err := NewEmailSink(EmailConfig{
		Host:     "smtp.example.com",
		Port:     587,
		Username: "bot@example.com",
		To:       []string{"ops@example.com", "editor@example.com"},
	})
	require.NoError(t, err)

	var sent []*gomail.Message
	sink.send = func(m ...*gomail.Message) error {
		sent = append(sent, m...)
		return nil
	}

	n := Notification{Kind: KindTransition, ArticleRef: "a1", NewStatus: schedule.StatusPublished}
	require.NoError(t, sink.Deliver(context.Background(), n))
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"bot@example.com"}, sent[0].GetHeader("From"))
	assert.Equal(t, []string{"ops@example.com", "editor@example.com"}, sent[0].GetHeader("To"))
	assert.Equal(t, []string{n.Subject()}, sent[0].GetHeader("Subject"))

	sink.send = func(...*gomail.Message) error { return errors.New("dial tcp: refused") }
	assert.ErrorContains(t, sink.Deliver(context.Background(), n), "send email")
}

type fakeMessenger struct {
	to   tele.Recipient
	what interface{}
	err  error
}

func (f *fakeMessenger) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.to = to
	f.what = what
	return &tele.Message{}, f.err
}

func TestTelegramSink(t *testing.T) {
	_, err := NewTelegramSink(TelegramConfig{Token: " "})
	require.Error(t, err)
	_, err = NewTelegramSink(TelegramConfig{Token: "123:abc"})
	require.Error(t, err)

	fake := &fakeMessenger{}
	sink := &TelegramSink{bot: fake, chat: &tele.Chat{ID: 42}}

	n := Notification{Kind: KindAlert, Reason: "down", At: t0}
	require.NoError(t, sink.Deliver(context.Background(), n))
	assert.Equal(t, "42", fake.to.Recipient())
	assert.Equal(t, n.Text(), fake.what)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sink.Deliver(ctx, n), context.Canceled)
}

func TestNewSinks(t *testing.T) {
	sinks, err := NewSinks(DefaultConfig(), zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, sinks, 1)
	assert.Equal(t, "log", sinks[0].Name())

	cfg := DefaultConfig()
	cfg.Email = EmailConfig{Enabled: true, Host: "smtp.example.com", Port: 25, To: []string{"ops@example.com"}}
	cfg.Telegram = TelegramConfig{Enabled: true, Token: "123:abc", ChatID: 42}
	sinks, err = NewSinks(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, sinks, 3)
	assert.Equal(t, "email", sinks[1].Name())
	assert.Equal(t, "telegram", sinks[2].Name())
}

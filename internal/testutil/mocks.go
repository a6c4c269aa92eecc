// Package testutil holds fakes shared by package tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/livinlefevreloca/herald/internal/articles"
	"github.com/livinlefevreloca/herald/internal/store"
)

// MockPublisher records publish calls and returns scripted results per
// article reference.
type MockPublisher struct {
	mu      sync.Mutex
	results map[string][]error
	calls   []string
	delay   time.Duration
	block   chan struct{}
}

func NewMockPublisher() *MockPublisher {
	return &MockPublisher{results: make(map[string][]error)}
}

// FailNext queues errors returned by the next calls for ref, in order.
// Calls beyond the queue succeed.
func (m *MockPublisher) FailNext(ref string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[ref] = append(m.results[ref], errs...)
}

func (m *MockPublisher) SetDelay(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = delay
}

// Block makes every call wait until the returned function is called or the
// call's context ends.
func (m *MockPublisher) Block() (release func()) {
	ch := make(chan struct{})
	m.mu.Lock()
	m.block = ch
	m.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (m *MockPublisher) Publish(ctx context.Context, articleRef string) error {
	m.mu.Lock()
	m.calls = append(m.calls, articleRef)
	delay, block := m.delay, m.block
	var err error
	if queue := m.results[articleRef]; len(queue) > 0 {
		err = queue[0]
		m.results[articleRef] = queue[1:]
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (m *MockPublisher) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, len(m.calls))
	copy(result, m.calls)
	return result
}

func (m *MockPublisher) CountCalls(ref string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == ref {
			n++
		}
	}
	return n
}

// MockArticles is an in-memory Article Storage.
type MockArticles struct {
	mu       sync.Mutex
	articles map[string]articles.Article
	err      error
	lookups  int
}

func NewMockArticles(refs ...string) *MockArticles {
	m := &MockArticles{articles: make(map[string]articles.Article)}
	for _, ref := range refs {
		m.articles[ref] = articles.Article{Ref: ref, Title: "Article " + ref}
	}
	return m
}

func (m *MockArticles) Add(a articles.Article) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.articles[a.Ref] = a
}

// SetError makes every lookup fail with err until cleared with nil.
func (m *MockArticles) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockArticles) GetArticle(ctx context.Context, ref string) (articles.Article, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.err != nil {
		return articles.Article{}, m.err
	}
	a, ok := m.articles[ref]
	if !ok {
		return articles.Article{}, articles.ErrNotFound
	}
	return a, nil
}

func (m *MockArticles) Lookups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookups
}

// RecordingNotifier captures transitions and alerts.
type RecordingNotifier struct {
	mu          sync.Mutex
	transitions []store.Transition
	alerts      []string
}

func NewRecordingNotifier() *RecordingNotifier {
	return &RecordingNotifier{}
}

func (r *RecordingNotifier) Notify(t store.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *RecordingNotifier) Alert(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, reason)
}

func (r *RecordingNotifier) Transitions() []store.Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]store.Transition, len(r.transitions))
	copy(result, r.transitions)
	return result
}

func (r *RecordingNotifier) Alerts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]string, len(r.alerts))
	copy(result, r.alerts)
	return result
}

// TestLogger captures zerolog output for assertions
type TestLogger struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]interface{}
}

func NewTestLogger() *TestLogger {
	return &TestLogger{}
}

func (l *TestLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

// Logger returns a debug level zerolog.Logger writing to this TestLogger
func (l *TestLogger) Logger() zerolog.Logger {
	return zerolog.New(l).Level(zerolog.DebugLevel)
}

func (l *TestLogger) GetEntries() []LogEntry {
	l.mu.Lock()
	raw := l.buf.String()
	l.mu.Unlock()

	var entries []LogEntry
	for _, line := range strings.Split(raw, "\n") {
		if line == "" {
			continue
		}
		fields := map[string]interface{}{}
		if err := json.Unmarshal([]byte(line), &fields); err != nil {
			continue
		}
		level, _ := fields[zerolog.LevelFieldName].(string)
		msg, _ := fields[zerolog.MessageFieldName].(string)
		delete(fields, zerolog.LevelFieldName)
		delete(fields, zerolog.MessageFieldName)
		entries = append(entries, LogEntry{Level: level, Message: msg, Fields: fields})
	}
	return entries
}

func (l *TestLogger) GetEntriesByLevel(level string) []LogEntry {
	result := make([]LogEntry, 0)
	for _, entry := range l.GetEntries() {
		if entry.Level == level {
			result = append(result, entry)
		}
	}
	return result
}

func (l *TestLogger) HasError() bool {
	return len(l.GetEntriesByLevel("error")) > 0
}

func (l *TestLogger) HasWarning() bool {
	return len(l.GetEntriesByLevel("warn")) > 0
}

// WaitFor waits for a condition to be true with timeout
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msgAndArgs ...interface{}) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return true
		}
		<-ticker.C
		if time.Now().After(deadline) {
			t.Errorf("timeout waiting for condition: %v", msgAndArgs)
			return false
		}
	}
}

// TestingT is a minimal interface for testing
type TestingT interface {
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

package bridge_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-wsbridge/pkg/publisher"
	"github.com/illmade-knight/go-wsbridge/pkg/subscriber"
	"github.com/illmade-knight/go-wsbridge/pkg/types"
)

// eventLog records handle lifecycle events across attempts, in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
	times  map[string]time.Time
}

func newEventLog() *eventLog {
	return &eventLog{times: map[string]time.Time{}}
}

func (l *eventLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := fmt.Sprintf(format, args...)
	l.events = append(l.events, e)
	l.times[e] = time.Now()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) at(e string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.times[e]
}

// step is one scripted Receive result.
type step struct {
	payload string
	err     error
}

func frame(payload string) step { return step{payload: payload} }
func failure(err error) step   { return step{err: err} }

// fakeSubscriber replays its steps, then blocks until ctx is done.
type fakeSubscriber struct {
	id     int
	log    *eventLog
	mu     sync.Mutex
	steps  []step
	seq    uint64
	closed int
}

func (f *fakeSubscriber) Receive(ctx context.Context) (types.InboundMessage, error) {
	f.mu.Lock()
	if f.closed > 0 {
		f.mu.Unlock()
		return types.InboundMessage{}, types.ErrConnectionLost
	}
	if len(f.steps) == 0 {
		f.mu.Unlock()
		<-ctx.Done()
		return types.InboundMessage{}, ctx.Err()
	}
	st := f.steps[0]
	f.steps = f.steps[1:]
	defer f.mu.Unlock()
	if st.err != nil {
		return types.InboundMessage{}, st.err
	}
	f.seq++
	return types.InboundMessage{Seq: f.seq, Payload: []byte(st.payload), ReceivedAt: time.Now()}, nil
}

func (f *fakeSubscriber) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	if f.log != nil && f.closed == 1 {
		f.log.add("close-sub#%d", f.id)
	}
	return nil
}

func (f *fakeSubscriber) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakePublisher records what it publishes. errs are returned for successive
// publishes before any succeed; block makes Publish wait for ctx.
type fakePublisher struct {
	id      int
	log     *eventLog
	sink    *recordSink
	mu      sync.Mutex
	errs    []error
	block   bool
	records []types.OutboundRecord
	closed  int
}

func (f *fakePublisher) Publish(ctx context.Context, rec types.OutboundRecord) (types.Acknowledgment, error) {
	f.mu.Lock()
	if f.block {
		f.mu.Unlock()
		<-ctx.Done()
		return types.Acknowledgment{}, ctx.Err()
	}
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return types.Acknowledgment{}, err
	}
	f.records = append(f.records, rec)
	if f.sink != nil {
		f.sink.add(rec)
	}
	return types.Acknowledgment{Topic: rec.Topic, Partition: 0, Offset: int64(len(f.records) - 1)}, nil
}

func (f *fakePublisher) Close(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	if f.log != nil && f.closed == 1 {
		f.log.add("close-pub#%d", f.id)
	}
	return nil
}

func (f *fakePublisher) published() []types.OutboundRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.OutboundRecord(nil), f.records...)
}

func (f *fakePublisher) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// recordSink collects records across publishers.
type recordSink struct {
	mu      sync.Mutex
	records []types.OutboundRecord
}

func (s *recordSink) add(rec types.OutboundRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *recordSink) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.records))
	for _, r := range s.records {
		keys = append(keys, r.Key)
	}
	return keys
}

func (s *recordSink) all() []types.OutboundRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.OutboundRecord(nil), s.records...)
}

// attemptOpeners hands out one scripted subscriber and publisher per attempt.
// Extra attempts get a subscriber that blocks until shutdown.
type attemptOpeners struct {
	log      *eventLog
	sink     *recordSink
	subs     []*fakeSubscriber
	pubs     []*fakePublisher
	pubErrs  []error
	subErrs  []error
	mu       sync.Mutex
	pubCalls int
	subCalls int
}

func (a *attemptOpeners) openPublisher(_ context.Context) (publisher.Publisher, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pubCalls++
	n := a.pubCalls
	if n <= len(a.pubErrs) && a.pubErrs[n-1] != nil {
		return nil, a.pubErrs[n-1]
	}
	for len(a.pubs) < n {
		a.pubs = append(a.pubs, &fakePublisher{})
	}
	p := a.pubs[n-1]
	p.id, p.log, p.sink = n, a.log, a.sink
	a.log.add("open-pub#%d", n)
	return p, nil
}

func (a *attemptOpeners) openSubscriber(_ context.Context) (subscriber.Subscriber, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subCalls++
	n := a.subCalls
	if n <= len(a.subErrs) && a.subErrs[n-1] != nil {
		return nil, a.subErrs[n-1]
	}
	for len(a.subs) < n {
		a.subs = append(a.subs, &fakeSubscriber{})
	}
	s := a.subs[n-1]
	s.id, s.log = n, a.log
	a.log.add("open-sub#%d", n)
	return s, nil
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// logEntries parses every JSON log line written to logs.
func logEntries(t *testing.T, logs *syncBuffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(logs.String(), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line is not JSON: %q", line)
		}
		entries = append(entries, entry)
	}
	return entries
}

// logField returns the first value of field found in the JSON log lines.
func logField(t *testing.T, logs *syncBuffer, field string) any {
	t.Helper()
	for _, entry := range logEntries(t, logs) {
		if v, ok := entry[field]; ok {
			return v
		}
	}
	return nil
}

// logValues returns every value of field, in log order.
func logValues(t *testing.T, logs *syncBuffer, field string) []any {
	t.Helper()
	var values []any
	for _, entry := range logEntries(t, logs) {
		if v, ok := entry[field]; ok {
			values = append(values, v)
		}
	}
	return values
}

// countingBackOff returns 1ms, 2ms, 3ms, ... and restarts the count on Reset.
type countingBackOff struct {
	mu     sync.Mutex
	n      int
	resets int
}

func (b *countingBackOff) NextBackOff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.n++
	return time.Duration(b.n) * time.Millisecond
}

func (b *countingBackOff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.n = 0
	b.resets++
}

func (b *countingBackOff) resetCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resets
}

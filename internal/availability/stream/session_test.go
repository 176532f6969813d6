package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"domainhunter/internal/availability/metrics"
	"domainhunter/internal/availability/models"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeRun struct {
	total   int
	stopped atomic.Int32
}

func (r *fakeRun) ID() string { return "run-1" }
func (r *fakeRun) Total() int { return r.total }
func (r *fakeRun) Stop()      { r.stopped.Add(1) }

type frame struct {
	name    string
	payload any
}

type recordingSink struct {
	mu     sync.Mutex
	frames []frame
	failAt int
}

func (s *recordingSink) WriteEvent(name string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.frames)+1 >= s.failAt {
		return errors.New("broken pipe")
	}
	s.frames = append(s.frames, frame{name, payload})
	return nil
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.name
	}
	return out
}

type recordingPersister struct {
	mu      sync.Mutex
	batches [][]models.Result
	active  atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
	err     error
}

func (p *recordingPersister) SetMany(ctx context.Context, results []models.Result) (int, error) {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	if n > p.peak.Load() {
		p.peak.Store(n)
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, append([]models.Result(nil), results...))
	return len(results), p.err
}

func (p *recordingPersister) rows() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.batches {
		n += len(b)
	}
	return n
}

func resultEvent(i int, source models.Source) models.Event {
	return models.Event{Type: models.EventResult, Result: &models.Result{
		Domain: fmt.Sprintf("d%d.com", i), Status: models.StatusTaken, Confidence: 1, Source: source,
	}}
}

// =============================================================================
// Session Test Suite
// =============================================================================

type SessionSuite struct {
	suite.Suite
	run       *fakeRun
	sink      *recordingSink
	persister *recordingPersister
	events    chan models.Event
}

func TestSessionSuite(t *testing.T) {
	suite.Run(t, new(SessionSuite))
}

func (s *SessionSuite) SetupTest() {
	s.run = &fakeRun{total: 3}
	s.sink = &recordingSink{}
	s.persister = &recordingPersister{}
	s.events = make(chan models.Event, 512)
}

func (s *SessionSuite) session(opts ...Option) *Session {
	base := []Option{
		WithPersister(s.persister),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
	}
	sess, err := NewSession(s.run, s.events, s.sink, append(base, opts...)...)
	s.Require().NoError(err)
	return sess
}

func (s *SessionSuite) TestNewSessionValidation() {
	_, err := NewSession(nil, s.events, s.sink)
	s.Error(err)
	_, err = NewSession(s.run, nil, s.sink)
	s.Error(err)
	_, err = NewSession(s.run, s.events, nil)
	s.Error(err)
}

func (s *SessionSuite) TestFramesInOrder() {
	s.events <- models.Event{Type: models.EventProgress, Progress: &models.Progress{Total: 3}}
	s.events <- resultEvent(1, models.SourceProtocol)
	s.events <- resultEvent(2, models.SourceCache)
	s.events <- models.Event{Type: models.EventProgress, Progress: &models.Progress{Total: 3, Checked: 2}}
	s.events <- models.Event{Type: models.EventDone}

	s.Require().NoError(s.session().Serve(context.Background()))

	s.Equal([]string{"start", "progress", "result", "result", "progress", "done"}, s.sink.names())
	s.Equal(map[string]int{"total": 3}, s.sink.frames[0].payload)
	s.Zero(s.run.stopped.Load())
}

func (s *SessionSuite) TestFinalFlushOnDone() {
	s.events <- resultEvent(1, models.SourceProtocol)
	s.events <- resultEvent(2, models.SourceCache)
	s.events <- resultEvent(3, models.SourceProtocol)
	s.events <- models.Event{Type: models.EventDone}

	s.Require().NoError(s.session().Serve(context.Background()))

	s.Require().Len(s.persister.batches, 1)
	s.Len(s.persister.batches[0], 2, "cache hits are not written back")
}

func (s *SessionSuite) TestFinalFlushOnError() {
	s.events <- resultEvent(1, models.SourceProtocol)
	s.events <- models.Event{Type: models.EventError, Err: "internal error: boom"}

	s.Require().NoError(s.session().Serve(context.Background()))

	s.Equal("error", s.sink.names()[2])
	s.Equal(1, s.persister.rows())
}

func (s *SessionSuite) TestBatchesOfFifty() {
	for i := range 120 {
		s.events <- resultEvent(i, models.SourceProtocol)
	}
	s.events <- models.Event{Type: models.EventDone}

	s.Require().NoError(s.session().Serve(context.Background()))

	s.Equal(120, s.persister.rows())
	for _, b := range s.persister.batches[:len(s.persister.batches)-1] {
		s.GreaterOrEqual(len(b), DefaultBatchSize)
	}
}

func (s *SessionSuite) TestOneFlushAtATime() {
	s.persister.delay = 20 * time.Millisecond
	for i := range 400 {
		s.events <- resultEvent(i, models.SourceProtocol)
	}
	s.events <- models.Event{Type: models.EventDone}

	s.Require().NoError(s.session(WithBatchSize(10)).Serve(context.Background()))

	s.Equal(int32(1), s.persister.peak.Load())
	s.Equal(400, s.persister.rows())
}

func (s *SessionSuite) TestFlushErrorDoesNotFailStream() {
	s.persister.err = errors.New("db down")
	s.events <- resultEvent(1, models.SourceProtocol)
	s.events <- models.Event{Type: models.EventDone}

	s.NoError(s.session().Serve(context.Background()))
	s.Equal("done", s.sink.names()[2])
}

func (s *SessionSuite) TestDisconnectStopsRun() {
	ctx, cancel := context.WithCancel(context.Background())
	s.events <- resultEvent(1, models.SourceProtocol)

	errc := make(chan error, 1)
	go func() { errc <- s.session().Serve(ctx) }()

	s.Eventually(func() bool { return len(s.sink.names()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()

	s.ErrorIs(<-errc, context.Canceled)
	s.Equal(int32(1), s.run.stopped.Load())
	s.Equal(1, s.persister.rows(), "buffered results survive the disconnect")
}

func (s *SessionSuite) TestSinkFailureStopsRun() {
	s.sink.failAt = 3
	s.events <- resultEvent(1, models.SourceProtocol)
	s.events <- resultEvent(2, models.SourceProtocol)
	s.events <- models.Event{Type: models.EventDone}

	s.Error(s.session().Serve(context.Background()))
	s.Equal(int32(1), s.run.stopped.Load())
}

func (s *SessionSuite) TestClosedStreamEndsServe() {
	s.events <- resultEvent(1, models.SourceProtocol)
	close(s.events)

	s.NoError(s.session().Serve(context.Background()))
	s.Equal(1, s.persister.rows())
}

func (s *SessionSuite) TestWithoutPersister() {
	s.events <- resultEvent(1, models.SourceProtocol)
	s.events <- models.Event{Type: models.EventDone}

	sess, err := NewSession(s.run, s.events, s.sink)
	s.Require().NoError(err)
	s.NoError(sess.Serve(context.Background()))
	s.Empty(s.persister.batches)
}

// =============================================================================
// SSE framing
// =============================================================================

func TestSSEWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	if err != nil {
		t.Fatalf("NewSSEWriter: %v", err)
	}

	if err := w.WriteEvent("start", map[string]int{"total": 2}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteEvent("done", struct{}{}); err != nil {
		t.Fatal(err)
	}

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}
	want := "event: start\ndata: {\"total\":2}\n\nevent: done\ndata: {}\n\n"
	if body := rec.Body.String(); body != want {
		t.Fatalf("body = %q, want %q", body, want)
	}
	if !rec.Flushed {
		t.Fatal("frames were not flushed")
	}
}

func TestSSEWriterKeepsMultilineValuesOnOneDataLine(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewSSEWriter(rec)
	if err != nil {
		t.Fatalf("NewSSEWriter: %v", err)
	}

	res := models.Result{Domain: "x.com", Status: models.StatusUnknown, Error: "line one\nline two\r\n"}
	if err := w.WriteEvent("result", res); err != nil {
		t.Fatal(err)
	}

	body := rec.Body.String()
	if !strings.HasSuffix(body, "\n\n") || strings.Count(body, "\n") != 3 {
		t.Fatalf("frame split across lines: %q", body)
	}
	if !strings.Contains(body, `"error":"line one\nline two\r\n"`) {
		t.Fatalf("newlines not escaped in data: %q", body)
	}
}

type noFlushWriter struct{ header http.Header }

func (w *noFlushWriter) Header() http.Header         { return w.header }
func (w *noFlushWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *noFlushWriter) WriteHeader(int)             {}

func TestSSEWriterRequiresFlusher(t *testing.T) {
	if _, err := NewSSEWriter(&noFlushWriter{header: http.Header{}}); err == nil {
		t.Fatal("expected error for non-flushing writer")
	}
}

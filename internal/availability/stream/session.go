// Package stream turns a check run's event stream into a transport stream and
// persists definitive protocol results in batches as they arrive.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"domainhunter/internal/availability/metrics"
	"domainhunter/internal/availability/models"
)

const (
	DefaultBatchSize    = 50
	defaultFlushTimeout = 10 * time.Second

	eventStart = "start"
)

// Sink receives framed events.
type Sink interface {
	WriteEvent(name string, payload any) error
}

// Persister stores a batch of results; it skips the ones that are not definitive.
type Persister interface {
	SetMany(ctx context.Context, results []models.Result) (int, error)
}

// Run is the side of a check run the session controls.
type Run interface {
	ID() string
	Total() int
	Stop()
}

// Session forwards one run to one client.
type Session struct {
	run          Run
	events       <-chan models.Event
	sink         Sink
	persister    Persister
	batchSize    int
	flushTimeout time.Duration
	logger       *slog.Logger
	metrics      *metrics.Metrics

	mu       sync.Mutex
	batch    []models.Result
	flushing bool
	flushes  sync.WaitGroup
}

type Option func(*Session)

// WithPersister enables batched persistence of protocol results.
func WithPersister(p Persister) Option {
	return func(s *Session) { s.persister = p }
}

func WithBatchSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithFlushTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.flushTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

func NewSession(run Run, events <-chan models.Event, sink Sink, opts ...Option) (*Session, error) {
	if run == nil {
		return nil, fmt.Errorf("run is required")
	}
	if events == nil {
		return nil, fmt.Errorf("event stream is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	s := &Session{
		run:          run,
		events:       events,
		sink:         sink,
		batchSize:    DefaultBatchSize,
		flushTimeout: defaultFlushTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Serve writes a start frame and then every event until the run ends, the sink
// fails or ctx is done. The last two stop the run. Buffered results are
// persisted before Serve returns.
func (s *Session) Serve(ctx context.Context) error {
	defer s.flushRemaining(ctx)

	if err := s.sink.WriteEvent(eventStart, map[string]int{"total": s.run.Total()}); err != nil {
		s.run.Stop()
		return fmt.Errorf("write start frame: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "client disconnected", "run_id", s.run.ID())
			s.run.Stop()
			return ctx.Err()
		case ev, ok := <-s.events:
			if !ok {
				return nil
			}
			if err := s.sink.WriteEvent(string(ev.Type), ev.Payload()); err != nil {
				s.logger.WarnContext(ctx, "stream write failed", "run_id", s.run.ID(), "error", err)
				s.run.Stop()
				return err
			}
			switch ev.Type {
			case models.EventResult:
				s.buffer(ctx, *ev.Result)
			case models.EventDone, models.EventError:
				return nil
			}
		}
	}
}

func (s *Session) buffer(ctx context.Context, res models.Result) {
	if s.persister == nil || res.Source != models.SourceProtocol {
		return
	}

	s.mu.Lock()
	s.batch = append(s.batch, res)
	full := len(s.batch) >= s.batchSize
	start := full && !s.flushing
	if start {
		s.flushing = true
		s.flushes.Add(1)
	}
	s.mu.Unlock()

	if start {
		go s.flushLoop(ctx)
	}
}

// flushLoop drains full batches until fewer than batchSize results remain. Only
// one loop runs at a time; requests made while it runs are picked up by it.
func (s *Session) flushLoop(ctx context.Context) {
	defer s.flushes.Done()
	for {
		s.mu.Lock()
		if len(s.batch) < s.batchSize {
			s.flushing = false
			s.mu.Unlock()
			return
		}
		chunk := s.batch
		s.batch = nil
		s.mu.Unlock()

		s.persist(ctx, chunk)
	}
}

func (s *Session) flushRemaining(ctx context.Context) {
	if s.persister == nil {
		return
	}
	s.flushes.Wait()

	s.mu.Lock()
	chunk := s.batch
	s.batch = nil
	s.mu.Unlock()

	if len(chunk) > 0 {
		s.persist(ctx, chunk)
	}
}

// persist is detached from client cancellation and bounded by flushTimeout.
func (s *Session) persist(ctx context.Context, chunk []models.Result) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.flushTimeout)
	defer cancel()

	n, err := s.persister.SetMany(ctx, chunk)
	s.metrics.RecordBatchFlush(n, err)
	if err != nil {
		s.logger.WarnContext(ctx, "batch persist failed", "run_id", s.run.ID(), "size", len(chunk), "error", err)
		return
	}
	s.logger.DebugContext(ctx, "batch persisted", "run_id", s.run.ID(), "rows", n)
}

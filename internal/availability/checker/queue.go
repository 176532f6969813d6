package checker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"domainhunter/internal/availability/metrics"
	"domainhunter/internal/availability/models"
)

// Queue runs one batch of domain checks with bounded concurrency and publishes
// its progress as an ordered event stream.
//
// Lifecycle: idle -> running -> done, or stopped from any state. After Stop
// returns no progress, done or error event is published. Results of checks
// already in flight may still arrive.
type Queue struct {
	id       string
	domains  []string
	opts     Options
	checker  Checker
	cache    Cache
	enhancer Enhancer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	// sized for the worst case so publishing never blocks a worker
	events chan models.Event
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	mu          sync.Mutex
	stopped     bool
	cancel      context.CancelFunc
	progress    models.Progress
	lastEmit    time.Time
	lastChecked int
}

func newQueue(domains []string, opts Options, e *Engine) *Queue {
	domains = models.NormalizeDomains(domains)
	return &Queue{
		id:       uuid.NewString(),
		domains:  domains,
		opts:     opts.withDefaults(),
		checker:  e.checker,
		cache:    e.cache,
		enhancer: e.enhancer,
		logger:   e.logger,
		metrics:  e.metrics,
		now:      e.now,
		events:   make(chan models.Event, 2*len(domains)+2),
		done:     make(chan struct{}),
		progress: models.Progress{Total: len(domains)},
	}
}

// ID identifies the run in logs.
func (q *Queue) ID() string { return q.id }

// Total is the number of distinct domains scheduled.
func (q *Queue) Total() int { return len(q.domains) }

// Options returns the effective options after defaults were applied.
func (q *Queue) Options() Options { return q.opts }

// Events is the run's single ordered stream. It is closed after done, error or
// the drain that follows Stop.
func (q *Queue) Events() <-chan models.Event { return q.events }

// Done is closed once every dispatched check has returned.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Progress returns a snapshot of the counters.
func (q *Queue) Progress() models.Progress {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.progress
}

// Start publishes the initial progress snapshot and begins dispatch. Calls after
// the first are no-ops.
func (q *Queue) Start(ctx context.Context) {
	q.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)

		q.mu.Lock()
		q.cancel = cancel
		stopped := q.stopped
		if !stopped {
			q.publishProgress(q.now())
		}
		q.mu.Unlock()

		if stopped {
			cancel()
			close(q.events)
			close(q.done)
			return
		}

		q.logger.InfoContext(ctx, "check run started",
			"run_id", q.id,
			"total", len(q.domains),
			"concurrency", q.opts.Concurrency,
			"mode", q.opts.Mode,
		)
		go q.run(runCtx)
	})
}

// Stop halts dispatch and cancels in-flight lookups. It is idempotent.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		cancel := q.cancel
		q.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		q.logger.Info("check run stopped", "run_id", q.id)
	})
}

func (q *Queue) run(ctx context.Context) {
	var wg sync.WaitGroup
	defer func() {
		fault := recover()
		wg.Wait()
		q.finish(ctx, fault)
		close(q.events)
		close(q.done)
		q.mu.Lock()
		q.cancel()
		q.mu.Unlock()
	}()
	q.dispatch(ctx, &wg)
}

// dispatch admits at most Concurrency checks at a time. It only blocks waiting
// for a free slot, never on a check itself.
func (q *Queue) dispatch(ctx context.Context, wg *sync.WaitGroup) {
	slots := make(chan struct{}, q.opts.Concurrency)
	for _, domain := range q.domains {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		if ctx.Err() != nil {
			return
		}

		wg.Add(1)
		go func() {
			defer func() {
				<-slots
				wg.Done()
			}()
			q.deliver(q.checkOne(ctx, domain))
		}()
	}
}

func (q *Queue) checkOne(ctx context.Context, domain string) (res models.Result) {
	start := q.now()
	defer func() {
		if r := recover(); r != nil {
			q.logger.ErrorContext(ctx, "domain check panicked", "run_id", q.id, "domain", domain, "panic", r)
			res = models.Result{
				Domain: domain,
				Status: models.StatusUnknown,
				Source: models.SourceProtocol,
				Error:  fmt.Sprintf("internal error: %v", r),
			}
		}
	}()

	if q.cache != nil && q.opts.UseCache {
		if entry := q.cache.Get(ctx, domain); entry != nil {
			hit := entry.Result()
			hit.ResponseTimeMs = q.now().Sub(start).Milliseconds()
			return hit
		}
	}

	res = q.lookup(ctx, domain)

	if q.opts.Mode == models.ModeEnhanced && q.enhancer != nil {
		res = q.enhancer.Enhance(ctx, res)
	}
	if res.CheckedAt.IsZero() {
		res.CheckedAt = q.now()
	}

	// A lookup cut short by Stop says nothing about the domain.
	if q.cache != nil && ctx.Err() == nil {
		q.cache.Remember(res)
	}
	return res
}

func (q *Queue) lookup(ctx context.Context, domain string) models.Result {
	q.metrics.IncInFlight()
	defer q.metrics.DecInFlight()
	return q.checker.Check(ctx, domain, q.opts.Timeout)
}

// deliver publishes a result, then a progress snapshot when the throttle allows.
func (q *Queue) deliver(res models.Result) {
	q.metrics.IncrementCheck(string(res.Status), string(res.Source))

	q.mu.Lock()
	defer q.mu.Unlock()

	q.events <- models.Event{Type: models.EventResult, Result: &res}
	q.progress.Record(res.Status)
	if q.stopped {
		return
	}

	now := q.now()
	if q.progress.Checked == q.progress.Total ||
		now.Sub(q.lastEmit) >= q.opts.ProgressInterval ||
		q.progress.Checked-q.lastChecked >= q.opts.ProgressEvery {
		q.publishProgress(now)
	}
}

func (q *Queue) finish(ctx context.Context, fault any) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// A cancelled parent context ends the run the same way Stop does.
	if ctx.Err() != nil {
		q.stopped = true
	}

	switch {
	case q.stopped:
		q.metrics.RecordRun("stopped")
	case fault != nil:
		q.logger.ErrorContext(ctx, "check run failed", "run_id", q.id, "panic", fault)
		q.events <- models.Event{Type: models.EventError, Err: fmt.Sprintf("internal error: %v", fault)}
		q.metrics.RecordRun("error")
	default:
		q.events <- models.Event{Type: models.EventDone}
		q.metrics.RecordRun("done")
		q.logger.InfoContext(ctx, "check run done",
			"run_id", q.id,
			"total", q.progress.Total,
			"available", q.progress.Available,
			"taken", q.progress.Taken,
			"unknown", q.progress.Unknown,
		)
	}
}

// publishProgress must be called with q.mu held.
func (q *Queue) publishProgress(now time.Time) {
	snapshot := q.progress
	q.events <- models.Event{Type: models.EventProgress, Progress: &snapshot}
	q.lastEmit = now
	q.lastChecked = snapshot.Checked
}

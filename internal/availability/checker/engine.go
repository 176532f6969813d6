// Package checker schedules availability checks for batches of domains and
// streams their outcomes as events.
package checker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"domainhunter/internal/availability/metrics"
	"domainhunter/internal/availability/models"
)

// Checker performs one protocol lookup and classifies it. Implementations fold
// every failure into an unknown result.
type Checker interface {
	Check(ctx context.Context, domain string, timeout time.Duration) models.Result
}

// Cache is the read side of the tiered cache plus a memory-only write.
type Cache interface {
	Get(ctx context.Context, domain string) *models.Entry
	Remember(result models.Result)
}

// Enhancer refines a protocol result in enhanced mode, e.g. with registrar data.
type Enhancer interface {
	Enhance(ctx context.Context, result models.Result) models.Result
}

// RunOptions are the caller-facing knobs of a run.
type RunOptions struct {
	Concurrency int
	Mode        models.Mode
}

// Engine builds queues that share one checker, cache and set of defaults.
type Engine struct {
	checker  Checker
	cache    Cache
	enhancer Enhancer
	defaults Options
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

type Option func(*Engine)

func WithCache(c Cache) Option {
	return func(e *Engine) { e.cache = c }
}

func WithEnhancer(en Enhancer) Option {
	return func(e *Engine) { e.enhancer = en }
}

// WithDefaults sets the options every run starts from.
func WithDefaults(o Options) Option {
	return func(e *Engine) { e.defaults = o }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(checker Checker, opts ...Option) (*Engine, error) {
	if checker == nil {
		return nil, fmt.Errorf("checker is required")
	}
	e := &Engine{
		checker:  checker,
		defaults: DefaultOptions(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Queue prepares a run over domains without starting it.
func (e *Engine) Queue(domains []string, opts Options) *Queue {
	return newQueue(domains, opts, e)
}

// RunCheck clamps the caller's options onto the engine defaults, then starts
// and returns the run. Zero concurrency keeps the engine default.
func (e *Engine) RunCheck(ctx context.Context, domains []string, ro RunOptions) *Queue {
	opts := e.defaults
	if ro.Concurrency != 0 {
		opts.Concurrency = ClampConcurrency(ro.Concurrency)
	}
	if ro.Mode != "" {
		opts.Mode = ro.Mode
	}
	q := e.Queue(domains, opts)
	q.Start(ctx)
	return q
}

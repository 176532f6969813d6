// Package handler exposes check runs and cache maintenance over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"domainhunter/internal/availability/checker"
	"domainhunter/internal/availability/metrics"
	"domainhunter/internal/availability/models"
	"domainhunter/internal/availability/stream"
	dErrors "domainhunter/pkg/domain-errors"
	"domainhunter/pkg/platform/httputil"
	"domainhunter/pkg/requestcontext"
)

const healthPingTimeout = 2 * time.Second

// Engine starts check runs.
type Engine interface {
	RunCheck(ctx context.Context, domains []string, opts checker.RunOptions) *checker.Queue
}

// Cache is the maintenance and persistence surface of the tiered cache.
type Cache interface {
	SetMany(ctx context.Context, results []models.Result) (int, error)
	PurgeExpired(ctx context.Context) (int64, error)
	Clear(ctx context.Context) error
	Ping(ctx context.Context) error
	Persistent() bool
}

// Bootstrap reports the state of the endpoint directory.
type Bootstrap interface {
	Snapshot() (int, time.Time)
}

// StreamGauge tracks open event streams.
type StreamGauge interface {
	StreamOpened()
	StreamClosed()
}

// Handler serves the availability API.
type Handler struct {
	engine    Engine
	cache     Cache
	bootstrap Bootstrap
	logger    *slog.Logger
	metrics   *metrics.Metrics
	streams   StreamGauge
	started   time.Time
}

type Option func(*Handler)

func WithStreamGauge(g StreamGauge) Option {
	return func(h *Handler) { h.streams = g }
}

// New creates the availability handler.
func New(engine Engine, cache Cache, bootstrap Bootstrap, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Handler {
	h := &Handler{
		engine:    engine,
		cache:     cache,
		bootstrap: bootstrap,
		logger:    logger,
		metrics:   m,
		started:   time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register registers the availability routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api", func(api chi.Router) {
		api.Post("/check", h.handleCheck)
		api.Get("/health", h.handleHealth)
		api.Delete("/cache", h.handleClearCache)
		api.Post("/cache/purge", h.handlePurgeCache)
	})
}

// handleCheck streams a check run as server-sent events until it finishes or
// the client goes away.
func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[CheckRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	sse, err := stream.NewSSEWriter(w)
	if err != nil {
		h.logger.ErrorContext(ctx, "streaming unsupported", "request_id", requestID, "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "streaming unsupported"))
		return
	}

	run := h.engine.RunCheck(ctx, req.Domains, req.runOptions())
	ctx = requestcontext.WithRunID(ctx, run.ID())

	// Every subscriber can hold the whole run, so neither is ever dropped.
	fanout := checker.NewBroadcaster(2*run.Total()+2, h.logger)
	events := fanout.Subscribe()
	summary := fanout.Subscribe()
	go fanout.Run(run.Events())
	go h.logSummary(ctx, requestID, run, summary)

	if h.streams != nil {
		h.streams.StreamOpened()
		defer h.streams.StreamClosed()
	}

	session, err := stream.NewSession(run, events, sse,
		stream.WithPersister(h.cache),
		stream.WithLogger(h.logger),
		stream.WithMetrics(h.metrics),
	)
	if err != nil {
		run.Stop()
		h.logger.ErrorContext(ctx, "failed to open session",
			"request_id", requestID,
			"run_id", requestcontext.RunID(ctx),
			"error", err,
		)
		return
	}
	if err := session.Serve(ctx); err != nil {
		h.logger.DebugContext(ctx, "check stream ended early",
			"request_id", requestID,
			"run_id", requestcontext.RunID(ctx),
			"error", err,
		)
	}
}

// logSummary drains its own copy of the event stream and logs one line for
// the run once it closes.
func (h *Handler) logSummary(ctx context.Context, requestID string, run *checker.Queue, events <-chan models.Event) {
	start := time.Now()
	var last models.Progress
	outcome := "stopped"
	for ev := range events {
		switch ev.Type {
		case models.EventProgress:
			last = *ev.Progress
		case models.EventDone:
			outcome = "done"
		case models.EventError:
			outcome = "error"
		}
	}
	<-run.Done()
	h.logger.InfoContext(context.WithoutCancel(ctx), "check run summary",
		"request_id", requestID,
		"run_id", requestcontext.RunID(ctx),
		"outcome", outcome,
		"total", run.Total(),
		"checked", last.Checked,
		"available", last.Available,
		"taken", last.Taken,
		"unknown", last.Unknown,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// handleHealth reports cache reachability and bootstrap freshness. A failing
// persistent tier makes the service unavailable.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := requestcontext.Now(ctx)

	pingCtx, cancel := context.WithTimeout(ctx, healthPingTimeout)
	defer cancel()
	start := time.Now()
	pingErr := h.cache.Ping(pingCtx)

	resp := HealthResponse{
		Status:        "ok",
		Timestamp:     now.UTC(),
		UptimeSeconds: max(0, int64(now.Sub(h.started).Seconds())),
		Checks: HealthChecks{
			Cache: CacheHealth{
				Status:     "ok",
				Persistent: h.cache.Persistent(),
				LatencyMs:  time.Since(start).Milliseconds(),
			},
		},
	}
	if h.bootstrap != nil {
		size, refreshedAt := h.bootstrap.Snapshot()
		resp.Checks.Bootstrap.TLDs = size
		if !refreshedAt.IsZero() {
			at := refreshedAt.UTC()
			resp.Checks.Bootstrap.RefreshedAt = &at
		}
	}

	status := http.StatusOK
	if pingErr != nil {
		h.logger.WarnContext(ctx, "health check failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", pingErr,
		)
		resp.Status = "unavailable"
		resp.Checks.Cache.Status = "error"
		resp.Checks.Cache.Error = pingErr.Error()
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, resp)
}

func (h *Handler) handleClearCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	if err := h.cache.Clear(ctx); err != nil {
		h.logger.ErrorContext(ctx, "failed to clear cache", "request_id", requestID, "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "cache could not be cleared"))
		return
	}
	h.logger.InfoContext(ctx, "cache cleared", "request_id", requestID)
	httputil.WriteJSON(w, http.StatusOK, ClearResponse{Cleared: true})
}

func (h *Handler) handlePurgeCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	n, err := h.cache.PurgeExpired(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to purge cache", "request_id", requestID, "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeUnavailable, "expired entries could not be purged"))
		return
	}
	h.logger.InfoContext(ctx, "expired cache entries purged", "request_id", requestID, "count", n)
	httputil.WriteJSON(w, http.StatusOK, PurgeResponse{Purged: n})
}

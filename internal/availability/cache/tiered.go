// Package cache implements the two-tier availability cache: a bounded
// in-process LRU in front of an optional persistent store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"domainhunter/internal/availability/metrics"
	"domainhunter/internal/availability/models"
	"domainhunter/pkg/platform/sentinel"
)

// Store is the persistent tier. Get returns sentinel.ErrNotFound on a miss and
// may return entries that have already expired; Tiered owns the expiry check.
type Store interface {
	Get(ctx context.Context, domain string) (*models.Entry, error)
	Upsert(ctx context.Context, entry models.Entry) error
	UpsertMany(ctx context.Context, entries []models.Entry) error
	Delete(ctx context.Context, domain string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteAll(ctx context.Context) error
	Ping(ctx context.Context) error
}

const (
	tierMemory     = "memory"
	tierPersistent = "persistent"
)

// Tiered serves lookups from memory first, then the persistent store, promoting
// persistent hits into memory. Expired entries are never returned.
type Tiered struct {
	memory   *LRU
	store    Store
	policy   Policy
	negative bool
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Tiered)

func WithPolicy(p Policy) Option {
	return func(t *Tiered) { t.policy = p }
}

// WithNegativeCache keeps unknown results in memory for Policy.UnknownTTL.
func WithNegativeCache(enabled bool) Option {
	return func(t *Tiered) { t.negative = enabled }
}

func WithMemoryCapacity(n int) Option {
	return func(t *Tiered) { t.memory = NewLRU(n) }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tiered) { t.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tiered) { t.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tiered) { t.metrics = m }
}

// New builds a tiered cache. A nil store yields a memory-only cache.
func New(store Store, opts ...Option) *Tiered {
	t := &Tiered{
		memory: NewLRU(DefaultMemoryCapacity),
		store:  store,
		policy: DefaultPolicy(),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Get returns the unexpired entry for domain or nil. Persistent read failures
// are logged and reported as a miss.
func (t *Tiered) Get(ctx context.Context, domain string) *models.Entry {
	key := models.NormalizeDomain(domain)
	if key == "" {
		return nil
	}
	now := t.now()

	if e, ok := t.memory.Get(key); ok {
		if !e.Expired(now) {
			t.metrics.RecordCacheLookup(tierMemory, "hit")
			return &e
		}
		t.memory.Remove(key)
	}
	t.metrics.RecordCacheLookup(tierMemory, "miss")

	if t.store == nil {
		return nil
	}

	e, err := t.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			t.metrics.RecordCacheLookup(tierPersistent, "miss")
		} else {
			t.metrics.RecordCacheLookup(tierPersistent, "error")
			t.logger.WarnContext(ctx, "persistent cache read failed", "domain", key, "error", err)
		}
		return nil
	}
	if e.Expired(now) {
		t.metrics.RecordCacheLookup(tierPersistent, "miss")
		if err := t.store.Delete(ctx, key); err != nil {
			t.logger.DebugContext(ctx, "expired cache row not deleted", "domain", key, "error", err)
		}
		return nil
	}

	t.metrics.RecordCacheLookup(tierPersistent, "hit")
	t.memory.Add(key, *e)
	return e
}

// Set records a check outcome. Definitive statuses go to both tiers; unknown
// goes to memory only, and only when negative caching is enabled. Persistent
// write failures are logged, never returned.
func (t *Tiered) Set(ctx context.Context, domain string, status models.Status, source models.Source, data json.RawMessage) {
	entry, ok := t.remember(domain, status, source, data, time.Time{})
	if !ok || !status.Definitive() || t.store == nil {
		return
	}
	if err := t.store.Upsert(ctx, entry); err != nil {
		t.logger.WarnContext(ctx, "persistent cache write failed", "domain", entry.Domain, "error", err)
	}
}

// Remember writes a result to the memory tier only. The persistent tier is
// filled in batches through SetMany.
func (t *Tiered) Remember(result models.Result) {
	t.remember(result.Domain, result.Status, result.Source, result.RawPayload, result.CheckedAt)
}

// SetMany persists the definitive results in one store call and refreshes the
// memory tier for them. Expiry runs from each result's CheckedAt, so a late
// flush never extends a TTL; results already past it are dropped. It returns
// the number of rows handed to the store.
func (t *Tiered) SetMany(ctx context.Context, results []models.Result) (int, error) {
	entries := make([]models.Entry, 0, len(results))
	for _, r := range results {
		if !r.Status.Definitive() {
			continue
		}
		if e, ok := t.remember(r.Domain, r.Status, r.Source, r.RawPayload, r.CheckedAt); ok {
			entries = append(entries, e)
		}
	}
	if len(entries) == 0 || t.store == nil {
		return 0, nil
	}
	if err := t.store.UpsertMany(ctx, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// PurgeExpired drops expired entries from both tiers and returns the number of
// persistent rows removed.
func (t *Tiered) PurgeExpired(ctx context.Context) (int64, error) {
	now := t.now()
	t.memory.RemoveExpired(now)
	if t.store == nil {
		return 0, nil
	}
	return t.store.DeleteExpired(ctx, now)
}

// Clear empties both tiers.
func (t *Tiered) Clear(ctx context.Context) error {
	t.memory.Purge()
	if t.store == nil {
		return nil
	}
	return t.store.DeleteAll(ctx)
}

// Ping checks the persistent tier. A memory-only cache is always healthy.
func (t *Tiered) Ping(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	return t.store.Ping(ctx)
}

// Persistent reports whether a persistent tier is configured.
func (t *Tiered) Persistent() bool {
	return t.store != nil
}

// remember writes the memory tier. A zero checkedAt means now.
func (t *Tiered) remember(domain string, status models.Status, source models.Source, data json.RawMessage, checkedAt time.Time) (models.Entry, bool) {
	key := models.NormalizeDomain(domain)
	if key == "" {
		return models.Entry{}, false
	}
	if !status.Definitive() && !t.negative {
		return models.Entry{}, false
	}
	now := t.now()
	if checkedAt.IsZero() || checkedAt.After(now) {
		checkedAt = now
	}
	entry := models.Entry{
		Domain:    key,
		Status:    status,
		Source:    source,
		CheckedAt: checkedAt,
		ExpiresAt: checkedAt.Add(t.policy.TTL(status)),
		Data:      data,
	}
	if entry.Expired(now) {
		return models.Entry{}, false
	}
	t.memory.Add(key, entry)
	return entry, true
}

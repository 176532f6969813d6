package rdap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"domainhunter/internal/availability/metrics"
)

const (
	DefaultBootstrapURL     = "https://data.iana.org/rdap/dns.json"
	DefaultFallbackURL      = "https://rdap.org/domain/"
	DefaultRefreshInterval  = 24 * time.Hour
	DefaultBootstrapTimeout = 5 * time.Second

	// retryAfterFailure bounds how often an unreachable directory is retried.
	retryAfterFailure = 5 * time.Minute
	maxBootstrapBytes = 4 << 20
)

// defaultOverrides are registries whose RDAP base is known and stable.
var defaultOverrides = map[string]string{
	"com": "https://rdap.verisign.com/com/v1/domain/",
	"net": "https://rdap.verisign.com/net/v1/domain/",
	"org": "https://rdap.publicinterestregistry.org/rdap/domain/",
	"io":  "https://rdap.nic.io/domain/",
	"co":  "https://rdap.nic.co/domain/",
	"me":  "https://rdap.nic.me/domain/",
}

// Resolver maps a TLD to the RDAP base URL serving it. It owns the bootstrap
// map; one instance is shared by every check in the process.
type Resolver struct {
	httpClient       *http.Client
	bootstrapURL     string
	fallbackURL      string
	refreshInterval  time.Duration
	bootstrapTimeout time.Duration
	overrides        map[string]string
	logger           *slog.Logger
	metrics          *metrics.Metrics
	now              func() time.Time

	mu          sync.RWMutex
	tldMap      map[string]string
	refreshedAt time.Time
	nextRefresh time.Time

	group singleflight.Group
}

type ResolverOption func(*Resolver)

func WithBootstrapURL(u string) ResolverOption {
	return func(r *Resolver) {
		if u != "" {
			r.bootstrapURL = u
		}
	}
}

func WithFallbackURL(u string) ResolverOption {
	return func(r *Resolver) {
		if u != "" {
			r.fallbackURL = u
		}
	}
}

func WithRefreshInterval(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.refreshInterval = d
		}
	}
}

func WithBootstrapTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.bootstrapTimeout = d
		}
	}
}

// WithOverrides adds or replaces static TLD → base URL entries.
func WithOverrides(overrides map[string]string) ResolverOption {
	return func(r *Resolver) {
		for tld, u := range overrides {
			r.overrides[strings.ToLower(tld)] = normalizeBaseURL(u)
		}
	}
}

func WithResolverHTTPClient(c *http.Client) ResolverOption {
	return func(r *Resolver) { r.httpClient = c }
}

func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

func WithResolverMetrics(m *metrics.Metrics) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// NewResolver builds a resolver with the default override table.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		httpClient:       &http.Client{},
		bootstrapURL:     DefaultBootstrapURL,
		fallbackURL:      DefaultFallbackURL,
		refreshInterval:  DefaultRefreshInterval,
		bootstrapTimeout: DefaultBootstrapTimeout,
		overrides:        make(map[string]string, len(defaultOverrides)),
		logger:           slog.Default(),
		now:              time.Now,
	}
	for tld, u := range defaultOverrides {
		r.overrides[tld] = u
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns a base URL such that base+domain is an RDAP domain lookup.
// It never fails: directory problems degrade to stale data or the fallback.
func (r *Resolver) Resolve(ctx context.Context, tld string) string {
	tld = strings.ToLower(strings.TrimSpace(tld))
	if u, ok := r.overrides[tld]; ok {
		return u
	}

	if r.stale() {
		r.refreshShared(ctx)
	}

	r.mu.RLock()
	u, ok := r.tldMap[tld]
	r.mu.RUnlock()
	if ok {
		return u
	}
	return r.fallbackURL
}

// Refresh forces a directory fetch. Unlike Resolve it reports the failure,
// which callers use for startup logging only.
func (r *Resolver) Refresh(ctx context.Context) error {
	_, err, _ := r.group.Do("bootstrap", func() (any, error) {
		return nil, r.refresh(ctx)
	})
	return err
}

// Snapshot reports the bootstrap map size and when it was last replaced.
func (r *Resolver) Snapshot() (int, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tldMap), r.refreshedAt
}

func (r *Resolver) stale() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tldMap == nil || !r.now().Before(r.nextRefresh)
}

// refreshShared coalesces concurrent refreshes. A caller whose context ends
// first stops waiting and resolves from whatever map is current.
func (r *Resolver) refreshShared(ctx context.Context) {
	ch := r.group.DoChan("bootstrap", func() (any, error) {
		if !r.stale() {
			return nil, nil
		}
		return nil, r.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ch:
	case <-ctx.Done():
	}
}

func (r *Resolver) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.bootstrapTimeout)
	defer cancel()

	m, err := r.fetchBootstrap(ctx)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		if r.tldMap == nil {
			r.tldMap = map[string]string{}
		}
		r.nextRefresh = now.Add(min(retryAfterFailure, r.refreshInterval))
		r.metrics.RecordBootstrapRefresh(false)
		r.logger.Warn("rdap bootstrap refresh failed, using cached endpoints",
			"url", r.bootstrapURL,
			"cached_tlds", len(r.tldMap),
			"error", err,
		)
		return err
	}

	r.tldMap = m
	r.refreshedAt = now
	r.nextRefresh = now.Add(r.refreshInterval)
	r.metrics.RecordBootstrapRefresh(true)
	r.logger.Info("rdap bootstrap refreshed", "tlds", len(m))
	return nil
}

// bootstrapDocument is the IANA service list: each service is
// [[tld, ...], [baseURL, ...]].
type bootstrapDocument struct {
	Services [][][]string `json:"services"`
}

func (r *Resolver) fetchBootstrap(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.bootstrapURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build bootstrap request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch bootstrap: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch bootstrap: status %d", resp.StatusCode)
	}

	var doc bootstrapDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBootstrapBytes)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode bootstrap: %w", err)
	}
	return parseServices(doc), nil
}

func parseServices(doc bootstrapDocument) map[string]string {
	m := make(map[string]string)
	for _, svc := range doc.Services {
		if len(svc) < 2 || len(svc[1]) == 0 {
			continue
		}
		base := normalizeBaseURL(svc[1][0])
		for _, tld := range svc[0] {
			m[strings.ToLower(tld)] = base
		}
	}
	return m
}

// normalizeBaseURL ensures the URL ends in "/" and that its path addresses
// the domain collection. Only the path is inspected; a host such as
// "rdap.my.domain" does not count.
func normalizeBaseURL(u string) string {
	if !strings.HasSuffix(u, "/") {
		u += "/"
	}
	parsed, err := url.Parse(u)
	if err != nil || !strings.Contains(parsed.Path, "domain/") {
		u += "domain/"
	}
	return u
}

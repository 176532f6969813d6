package checker

//go:generate mockgen -source=engine.go -destination=mocks/mocks.go -package=mocks Checker,Cache,Enhancer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"domainhunter/internal/availability/checker/mocks"
	"domainhunter/internal/availability/metrics"
	"domainhunter/internal/availability/models"
)

// =============================================================================
// Fakes
// =============================================================================

// stubChecker answers from a table; unknown names are available.
type stubChecker struct {
	mu      sync.Mutex
	calls   map[string]int
	results map[string]models.Result
}

func newStubChecker(results ...models.Result) *stubChecker {
	c := &stubChecker{calls: map[string]int{}, results: map[string]models.Result{}}
	for _, r := range results {
		c.results[r.Domain] = r
	}
	return c
}

func (c *stubChecker) Check(_ context.Context, domain string, _ time.Duration) models.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[domain]++
	if r, ok := c.results[domain]; ok {
		return r
	}
	return models.Result{Domain: domain, Status: models.StatusAvailable, Confidence: 1, Source: models.SourceProtocol}
}

func (c *stubChecker) callCount(domain string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[domain]
}

// gaugeChecker tracks how many lookups overlap.
type gaugeChecker struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (c *gaugeChecker) Check(ctx context.Context, domain string, _ time.Duration) models.Result {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-time.After(c.delay):
	case <-ctx.Done():
	}
	return models.Result{Domain: domain, Status: models.StatusTaken, Confidence: 1, Source: models.SourceProtocol}
}

// blockingChecker holds every lookup until its context ends.
type blockingChecker struct {
	started chan string
}

func (c *blockingChecker) Check(ctx context.Context, domain string, _ time.Duration) models.Result {
	c.started <- domain
	<-ctx.Done()
	return models.Result{Domain: domain, Status: models.StatusUnknown, Source: models.SourceProtocol, Error: "Timeout"}
}

type panicChecker struct{}

func (panicChecker) Check(context.Context, string, time.Duration) models.Result {
	panic("boom")
}

func collect(t *testing.T, q *Queue) []models.Event {
	t.Helper()
	var events []models.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-q.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("run did not finish; %d events so far", len(events))
		}
	}
}

func countType(events []models.Event, typ models.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func lastProgress(events []models.Event) *models.Progress {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == models.EventProgress {
			return events[i].Progress
		}
	}
	return nil
}

// =============================================================================
// Queue Test Suite
// =============================================================================

type QueueSuite struct {
	suite.Suite
	ctrl   *gomock.Controller
	logger *slog.Logger
}

func TestQueueSuite(t *testing.T) {
	suite.Run(t, new(QueueSuite))
}

func (s *QueueSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *QueueSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *QueueSuite) engine(c Checker, opts ...Option) *Engine {
	base := []Option{WithLogger(s.logger), WithMetrics(metrics.New(prometheus.NewRegistry()))}
	e, err := NewEngine(c, append(base, opts...)...)
	s.Require().NoError(err)
	return e
}

func (s *QueueSuite) TestNewEngineRequiresChecker() {
	_, err := NewEngine(nil)
	s.Error(err)
	s.Contains(err.Error(), "checker is required")
}

func (s *QueueSuite) TestExampleScenario() {
	checker := newStubChecker(
		models.Result{Domain: "example.com", Status: models.StatusTaken, Confidence: 1, Source: models.SourceProtocol},
		models.Result{Domain: "nx-domain-xyz123.com", Status: models.StatusAvailable, Confidence: 1, Source: models.SourceProtocol},
	)
	q := s.engine(checker).RunCheck(context.Background(),
		[]string{"Example.COM", "example.com", "nx-domain-xyz123.com"},
		RunOptions{Concurrency: 2},
	)
	events := collect(s.T(), q)

	s.Require().NotEmpty(events)
	s.Equal(models.EventProgress, events[0].Type)
	s.Equal(models.Progress{Total: 2}, *events[0].Progress)

	results := map[string]models.Result{}
	for _, ev := range events {
		if ev.Type == models.EventResult {
			results[ev.Result.Domain] = *ev.Result
		}
	}
	s.Len(results, 2)
	s.Equal(models.StatusTaken, results["example.com"].Status)
	s.Equal(1, results["example.com"].Confidence)
	s.Equal(models.SourceProtocol, results["example.com"].Source)
	s.Equal(models.StatusAvailable, results["nx-domain-xyz123.com"].Status)

	s.Equal(models.Progress{Total: 2, Checked: 2, Available: 1, Taken: 1}, *lastProgress(events))
	s.Equal(models.EventDone, events[len(events)-1].Type)
	s.Equal(1, countType(events, models.EventDone))
	s.Equal(1, checker.callCount("example.com"), "duplicates are checked once")
}

func (s *QueueSuite) TestEveryDomainReportedOnce() {
	domains := make([]string, 0, 300)
	for i := range 300 {
		domains = append(domains, fmt.Sprintf("d%03d.com", i))
	}
	domains = append(domains, "D001.COM", " d002.com ")

	q := s.engine(newStubChecker()).Queue(domains, Options{Concurrency: 17})
	s.Equal(300, q.Total())
	q.Start(context.Background())
	events := collect(s.T(), q)

	seen := map[string]int{}
	resultsSoFar := 0
	prevChecked := -1
	for _, ev := range events {
		switch ev.Type {
		case models.EventResult:
			seen[ev.Result.Domain]++
			resultsSoFar++
		case models.EventProgress:
			s.Equal(300, ev.Progress.Total)
			s.Equal(resultsSoFar, ev.Progress.Checked, "progress follows the results it counts")
			s.GreaterOrEqual(ev.Progress.Checked, prevChecked)
			prevChecked = ev.Progress.Checked
		}
	}
	s.Len(seen, 300)
	for d, n := range seen {
		s.Equal(1, n, d)
	}
	s.Equal(300, lastProgress(events).Checked)
	s.Equal(models.EventDone, events[len(events)-1].Type)
}

func (s *QueueSuite) TestCacheHitSkipsProtocol() {
	checker := mocks.NewMockChecker(s.ctrl)
	cache := mocks.NewMockCache(s.ctrl)
	now := time.Now()

	cache.EXPECT().Get(gomock.Any(), "cached.com").Return(&models.Entry{
		Domain: "cached.com", Status: models.StatusTaken, ExpiresAt: now.Add(time.Hour),
	})
	cache.EXPECT().Get(gomock.Any(), "fresh.com").Return(nil)

	fresh := models.Result{Domain: "fresh.com", Status: models.StatusAvailable, Confidence: 1, Source: models.SourceProtocol}
	checker.EXPECT().Check(gomock.Any(), "fresh.com", DefaultTimeout).Return(fresh).Times(1)
	remembered := fresh
	remembered.CheckedAt = now
	cache.EXPECT().Remember(remembered)

	q := s.engine(checker, WithCache(cache), WithClock(func() time.Time { return now })).Queue([]string{"cached.com", "fresh.com"}, DefaultOptions())
	q.Start(context.Background())
	events := collect(s.T(), q)

	for _, ev := range events {
		if ev.Type == models.EventResult && ev.Result.Domain == "cached.com" {
			s.Equal(models.SourceCache, ev.Result.Source)
			s.Equal(1, ev.Result.Confidence)
			s.Equal(models.StatusTaken, ev.Result.Status)
		}
	}
}

func (s *QueueSuite) TestCacheBypassStillRemembers() {
	checker := mocks.NewMockChecker(s.ctrl)
	cache := mocks.NewMockCache(s.ctrl)
	res := models.Result{Domain: "a.com", Status: models.StatusTaken, Confidence: 1, Source: models.SourceProtocol}

	checker.EXPECT().Check(gomock.Any(), "a.com", gomock.Any()).Return(res)
	cache.EXPECT().Remember(gomock.Any())

	opts := DefaultOptions()
	opts.UseCache = false
	q := s.engine(checker, WithCache(cache)).Queue([]string{"a.com"}, opts)
	q.Start(context.Background())
	collect(s.T(), q)
}

func (s *QueueSuite) TestResultsCarryCheckTime() {
	checker := mocks.NewMockChecker(s.ctrl)
	cache := mocks.NewMockCache(s.ctrl)
	checkedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	res := models.Result{Domain: "a.com", Status: models.StatusTaken, Confidence: 1, Source: models.SourceProtocol}

	cache.EXPECT().Get(gomock.Any(), "a.com").Return(nil)
	checker.EXPECT().Check(gomock.Any(), "a.com", gomock.Any()).Return(res)
	cache.EXPECT().Remember(gomock.Any()).Do(func(got models.Result) {
		s.Equal(checkedAt, got.CheckedAt)
	})

	q := s.engine(checker, WithCache(cache), WithClock(func() time.Time { return checkedAt })).
		Queue([]string{"a.com"}, DefaultOptions())
	q.Start(context.Background())
	for _, ev := range collect(s.T(), q) {
		if ev.Type == models.EventResult {
			s.Equal(checkedAt, ev.Result.CheckedAt, "the streamed result keeps the check time for batch persistence")
		}
	}
}

func (s *QueueSuite) TestConcurrencyBound() {
	checker := &gaugeChecker{delay: 5 * time.Millisecond}
	domains := make([]string, 120)
	for i := range domains {
		domains[i] = fmt.Sprintf("c%d.com", i)
	}

	q := s.engine(checker).Queue(domains, Options{Concurrency: 7})
	q.Start(context.Background())
	events := collect(s.T(), q)

	s.LessOrEqual(checker.peak.Load(), int32(7))
	s.Greater(checker.peak.Load(), int32(1), "checks overlap")
	s.Equal(120, countType(events, models.EventResult))
}

func (s *QueueSuite) TestStopSuppressesProgressAndDone() {
	checker := &blockingChecker{started: make(chan string, 10)}
	cache := mocks.NewMockCache(s.ctrl)
	cache.EXPECT().Get(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	// cancelled lookups are never remembered
	cache.EXPECT().Remember(gomock.Any()).Times(0)

	domains := []string{"a.com", "b.com", "c.com", "d.com", "e.com"}
	q := s.engine(checker, WithCache(cache)).Queue(domains, Options{Concurrency: 3})
	q.Start(context.Background())

	first := <-q.Events()
	s.Equal(models.EventProgress, first.Type)

	for range 3 {
		<-checker.started
	}
	q.Stop()
	q.Stop()

	after := collect(s.T(), q)
	s.Zero(countType(after, models.EventProgress))
	s.Zero(countType(after, models.EventDone))
	s.LessOrEqual(countType(after, models.EventResult), 3, "nothing dispatched after stop")
	for _, ev := range after {
		s.Equal("Timeout", ev.Result.Error)
	}
}

func (s *QueueSuite) TestStopBeforeStart() {
	q := s.engine(newStubChecker()).Queue([]string{"a.com"}, DefaultOptions())
	q.Stop()
	q.Start(context.Background())

	s.Empty(collect(s.T(), q))
	<-q.Done()
}

func (s *QueueSuite) TestParentCancelEndsWithoutDone() {
	checker := &blockingChecker{started: make(chan string, 10)}
	ctx, cancel := context.WithCancel(context.Background())

	q := s.engine(checker).Queue([]string{"a.com", "b.com"}, Options{Concurrency: 1})
	q.Start(ctx)
	<-checker.started
	cancel()

	events := collect(s.T(), q)
	s.Zero(countType(events, models.EventDone))
}

func (s *QueueSuite) TestStartIsIdempotent() {
	q := s.engine(newStubChecker()).Queue([]string{"a.com"}, DefaultOptions())
	q.Start(context.Background())
	q.Start(context.Background())

	events := collect(s.T(), q)
	s.Equal(1, countType(events, models.EventDone))
	s.Equal(1, countType(events, models.EventResult))
}

func (s *QueueSuite) TestCheckPanicBecomesUnknown() {
	q := s.engine(panicChecker{}).Queue([]string{"a.com"}, DefaultOptions())
	q.Start(context.Background())
	events := collect(s.T(), q)

	s.Require().Equal(1, countType(events, models.EventResult))
	for _, ev := range events {
		if ev.Type == models.EventResult {
			s.Equal(models.StatusUnknown, ev.Result.Status)
			s.Equal(0, ev.Result.Confidence)
			s.Contains(ev.Result.Error, "internal error")
		}
	}
	s.Equal(models.EventDone, events[len(events)-1].Type)
}

func (s *QueueSuite) TestProgressThrottle() {
	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	domains := make([]string, 100)
	for i := range domains {
		domains[i] = fmt.Sprintf("p%d.com", i)
	}

	e := s.engine(newStubChecker(), WithClock(func() time.Time { return fixed }))
	q := e.Queue(domains, Options{Concurrency: 1, ProgressEvery: 25, ProgressInterval: time.Hour})
	q.Start(context.Background())
	events := collect(s.T(), q)

	var checked []int
	for _, ev := range events {
		if ev.Type == models.EventProgress {
			checked = append(checked, ev.Progress.Checked)
		}
	}
	s.Equal([]int{0, 25, 50, 75, 100}, checked)
}

func (s *QueueSuite) TestProgressIntervalElapsed() {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(200 * time.Millisecond)
		return now
	}

	e := s.engine(newStubChecker(), WithClock(clock))
	q := e.Queue([]string{"a.com", "b.com", "c.com"}, Options{Concurrency: 1, ProgressEvery: 1000})
	q.Start(context.Background())
	events := collect(s.T(), q)

	s.Equal(4, countType(events, models.EventProgress), "every result arrives after the interval")
}

func (s *QueueSuite) TestEnhancedMode() {
	enhancer := mocks.NewMockEnhancer(s.ctrl)
	base := models.Result{Domain: "a.com", Status: models.StatusAvailable, Confidence: 1, Source: models.SourceProtocol}
	enhanced := base
	enhanced.RawPayload = []byte(`{"price":"9.99"}`)
	enhancer.EXPECT().Enhance(gomock.Any(), base).Return(enhanced).Times(1)

	e := s.engine(newStubChecker(base), WithEnhancer(enhancer))

	s.Run("protocol-only skips the enhancer", func() {
		collect(s.T(), e.RunCheck(context.Background(), []string{"a.com"}, RunOptions{Mode: models.ModeProtocolOnly}))
	})
	s.Run("enhanced calls it", func() {
		events := collect(s.T(), e.RunCheck(context.Background(), []string{"a.com"}, RunOptions{Mode: models.ModeEnhanced}))
		for _, ev := range events {
			if ev.Type == models.EventResult {
				s.JSONEq(`{"price":"9.99"}`, string(ev.Result.RawPayload))
			}
		}
	})
}

func (s *QueueSuite) TestRunCheckClampsConcurrency() {
	e := s.engine(newStubChecker())
	cases := map[int]int{0: DefaultConcurrency, -4: MinConcurrency, 500: MaxConcurrency, 12: 12}
	for in, want := range cases {
		q := e.RunCheck(context.Background(), []string{"a.com"}, RunOptions{Concurrency: in})
		s.Equal(want, q.Options().Concurrency, "concurrency %d", in)
		collect(s.T(), q)
	}
}

func (s *QueueSuite) TestRunCheckKeepsConfiguredDefault() {
	defaults := DefaultOptions()
	defaults.Concurrency = 8
	e := s.engine(newStubChecker(), WithDefaults(defaults))

	q := e.RunCheck(context.Background(), []string{"a.com"}, RunOptions{})
	s.Equal(8, q.Options().Concurrency)
	collect(s.T(), q)
}

func (s *QueueSuite) TestEmptyRun() {
	q := s.engine(newStubChecker()).Queue(nil, DefaultOptions())
	q.Start(context.Background())
	events := collect(s.T(), q)

	s.Require().Len(events, 2)
	s.Equal(models.Progress{}, *events[0].Progress)
	s.Equal(models.EventDone, events[1].Type)
}

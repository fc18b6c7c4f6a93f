package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/browser"
	"github.com/JakeFAU/scrape-scheduler/internal/extract"
	"github.com/JakeFAU/scrape-scheduler/internal/policy/breaker"
	"github.com/JakeFAU/scrape-scheduler/internal/policy/ratelimit"
	"github.com/JakeFAU/scrape-scheduler/internal/policy/retry"
	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

type stubBrowser struct{}

func (stubBrowser) Render(_ context.Context, req browser.RenderRequest) (*browser.Page, error) {
	return &browser.Page{URL: req.URL, StatusCode: 200, HTML: []byte("<html></html>")}, nil
}
func (stubBrowser) Ping(context.Context) error    { return nil }
func (stubBrowser) Cleanup(context.Context) error { return nil }
func (stubBrowser) Close() error                  { return nil }

type extractFunc func(ctx context.Context, req extract.Request) (extract.Result, error)

func (f extractFunc) Extract(ctx context.Context, req extract.Request) (extract.Result, error) {
	return f(ctx, req)
}

func succeed(context.Context, extract.Request) (extract.Result, error) {
	return extract.Result{Pages: 1, Records: []extract.Record{{URL: "x"}}, Bytes: 13}, nil
}

type recordingSink struct {
	mu      sync.Mutex
	results []scrape.TaskResult
}

func (s *recordingSink) Deliver(_ context.Context, res scrape.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
	return nil
}

func (s *recordingSink) forTask(id string) []scrape.TaskResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []scrape.TaskResult
	for _, r := range s.results {
		if r.TaskID == id {
			out = append(out, r)
		}
	}
	return out
}

type harness struct {
	sched   *Scheduler
	sink    *recordingSink
	limiter *ratelimit.Limiter
}

type harnessOption func(*Config, *Deps)

func withProxies(p ProxyProvider) harnessOption {
	return func(_ *Config, d *Deps) { d.Proxies = p }
}

func withLimiter(l RateLimiter) harnessOption {
	return func(_ *Config, d *Deps) { d.Limiter = l }
}

// newTightLimiter admits one request per window for every domain.
func newTightLimiter(t *testing.T, window time.Duration) *ratelimit.Limiter {
	t.Helper()
	l, err := ratelimit.New(ratelimit.Config{
		Default: ratelimit.Rule{Limit: 1, Window: window},
	}, ratelimit.NewMemoryStore(nil), zap.NewNop())
	require.NoError(t, err)
	return l
}

func newHarness(t *testing.T, cfg Config, ext extract.Extractor, opts ...harnessOption) *harness {
	t.Helper()
	if cfg.Retry == (retry.Config{}) {
		cfg.Retry = retry.Config{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	}
	if cfg.Breaker == (breaker.Config{}) {
		cfg.Breaker = breaker.Config{FailureThreshold: 1000, RecoveryTimeout: time.Minute}
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	browsers, err := browser.NewManager(browser.Config{PoolSize: 20}, func(context.Context) (browser.Browser, error) {
		return stubBrowser{}, nil
	}, zap.NewNop())
	require.NoError(t, err)

	limiter, err := ratelimit.New(ratelimit.Config{
		Default: ratelimit.Rule{Limit: 100000, Window: time.Minute},
	}, ratelimit.NewMemoryStore(nil), zap.NewNop())
	require.NoError(t, err)

	sink := &recordingSink{}
	deps := Deps{
		Limiter:   limiter,
		Browsers:  browsers,
		Extractor: ext,
		Sink:      sink,
		Logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	s, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Cleanup(context.Background()) })
	return &harness{sched: s, sink: sink, limiter: limiter}
}

func (h *harness) waitStatus(t *testing.T, id string, want scrape.Status) scrape.Task {
	t.Helper()
	var last scrape.Task
	require.Eventually(t, func() bool {
		task, ok := h.sched.Task(id)
		last = task
		return ok && task.Status == want && !task.RetryPending
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return last
}

func cfgFor(url string) scrape.TaskConfig {
	return scrape.TaskConfig{URL: url}
}

func intPtr(v int) *int { return &v }

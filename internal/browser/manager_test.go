package browser

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBrowser struct {
	mu         sync.Mutex
	pingErr    error
	cleanupErr error
	memory     uint64
	renders    []RenderRequest
	cleanups   int
	closed     bool
}

func (b *fakeBrowser) Render(_ context.Context, req RenderRequest) (*Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.renders = append(b.renders, req)
	return &Page{URL: req.URL, StatusCode: 200, HTML: []byte("<html></html>")}, nil
}

func (b *fakeBrowser) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pingErr
}

func (b *fakeBrowser) Cleanup(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanups++
	return b.cleanupErr
}

func (b *fakeBrowser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBrowser) MemoryUsage(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.memory, nil
}

func (b *fakeBrowser) setPingErr(err error) {
	b.mu.Lock()
	b.pingErr = err
	b.mu.Unlock()
}

func (b *fakeBrowser) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type fakeFactory struct {
	mu       sync.Mutex
	browsers []*fakeBrowser
	launches atomic.Int32
}

func (f *fakeFactory) New(context.Context) (Browser, error) {
	f.launches.Add(1)
	b := &fakeBrowser{}
	f.mu.Lock()
	f.browsers = append(f.browsers, b)
	f.mu.Unlock()
	return b, nil
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeFactory) {
	t.Helper()
	factory := &fakeFactory{}
	m, err := NewManager(cfg, factory.New, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Cleanup(context.Background()) })
	return m, factory
}

func TestGetBrowserMergesOptions(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{
		PoolSize: 2,
		Defaults: Options{
			UserAgent: "default-agent",
			Headers:   map[string]string{"Accept-Language": "en-US"},
		},
	})

	h, err := m.GetBrowser(context.Background(), Options{
		Proxy:   "http://proxy.local:8080",
		Headers: map[string]string{"X-Trace": "1"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, h.ID)
	require.Equal(t, "default-agent", h.Options.UserAgent)
	require.Equal(t, "http://proxy.local:8080", h.Options.Proxy)
	require.Equal(t, map[string]string{"Accept-Language": "en-US", "X-Trace": "1"}, h.Options.Headers)
	require.Equal(t, Viewport{Width: 1920, Height: 1080}, h.Options.Viewport)
	require.Equal(t, 30*time.Second, h.Options.AcquireTimeout)
	require.Equal(t, 1, m.Active())

	page, err := h.Render(context.Background(), "https://example.com")
	require.NoError(t, err)
	require.Equal(t, 200, page.StatusCode)
	fb := h.Browser.(*fakeBrowser)
	require.Equal(t, "http://proxy.local:8080", fb.renders[0].Proxy)
}

func TestReleaseBrowserReturnsToPool(t *testing.T) {
	t.Parallel()

	m, factory := newTestManager(t, Config{PoolSize: 1})
	ctx := context.Background()

	h, err := m.GetBrowser(ctx, Options{})
	require.NoError(t, err)
	require.True(t, m.ReleaseBrowser(ctx, h.ID))
	require.False(t, m.ReleaseBrowser(ctx, h.ID))
	require.Equal(t, 0, m.Active())
	require.Equal(t, 1, h.Browser.(*fakeBrowser).cleanups)

	h2, err := m.GetBrowser(ctx, Options{})
	require.NoError(t, err)
	require.Same(t, h.Browser, h2.Browser)
	require.Equal(t, int32(1), factory.launches.Load())
}

func TestReleaseBrowserDiscardsWhenCleanupFails(t *testing.T) {
	t.Parallel()

	m, factory := newTestManager(t, Config{PoolSize: 1})
	ctx := context.Background()

	h, err := m.GetBrowser(ctx, Options{})
	require.NoError(t, err)
	fb := h.Browser.(*fakeBrowser)
	fb.cleanupErr = errors.New("tab stuck")

	require.True(t, m.ReleaseBrowser(ctx, h.ID))
	require.True(t, fb.isClosed())

	_, err = m.GetBrowser(ctx, Options{})
	require.NoError(t, err)
	require.Equal(t, int32(2), factory.launches.Load())
}

func TestGetBrowserTimesOutWhenPoolFull(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{PoolSize: 1})
	_, err := m.GetBrowser(context.Background(), Options{})
	require.NoError(t, err)

	_, err = m.GetBrowser(context.Background(), Options{AcquireTimeout: 20 * time.Millisecond})
	require.Error(t, err)
	require.Contains(t, err.Error(), "timed out")
}

func TestCheckHealthDiscardsUnhealthyHandles(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{PoolSize: 2})
	ctx := context.Background()

	healthy, err := m.GetBrowser(ctx, Options{})
	require.NoError(t, err)
	sick, err := m.GetBrowser(ctx, Options{})
	require.NoError(t, err)
	sick.Browser.(*fakeBrowser).setPingErr(errors.New("unresponsive"))

	require.Equal(t, 1, m.checkHealth())
	require.Equal(t, 1, m.Active())
	require.True(t, sick.Browser.(*fakeBrowser).isClosed())
	require.False(t, m.ReleaseBrowser(ctx, sick.ID))
	require.True(t, m.ReleaseBrowser(ctx, healthy.ID))
}

func TestCheckHealthEnforcesMemoryLimit(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{PoolSize: 1, MemoryLimitMB: 1})
	h, err := m.GetBrowser(context.Background(), Options{})
	require.NoError(t, err)
	fb := h.Browser.(*fakeBrowser)
	fb.mu.Lock()
	fb.memory = 2 * 1024 * 1024
	fb.mu.Unlock()

	require.Equal(t, 1, m.checkHealth())
	require.Equal(t, 0, m.Active())
}

func TestHealthLoopRuns(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{PoolSize: 1, HealthCheckInterval: 5 * time.Millisecond})
	h, err := m.GetBrowser(context.Background(), Options{})
	require.NoError(t, err)
	h.Browser.(*fakeBrowser).setPingErr(errors.New("crashed"))

	require.Eventually(t, func() bool { return m.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCleanupReleasesEverythingAndIsIdempotent(t *testing.T) {
	t.Parallel()

	m, factory := newTestManager(t, Config{PoolSize: 3, HealthCheckInterval: time.Hour})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := m.GetBrowser(ctx, Options{})
		require.NoError(t, err)
	}
	factory.mu.Lock()
	factory.browsers[1].cleanupErr = errors.New("context leak")
	factory.mu.Unlock()

	err := m.Cleanup(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "context leak")
	require.Equal(t, 0, m.Active())

	factory.mu.Lock()
	for _, b := range factory.browsers {
		require.True(t, b.isClosed())
	}
	factory.mu.Unlock()

	require.Equal(t, err, m.Cleanup(ctx))
	_, err = m.GetBrowser(ctx, Options{})
	require.ErrorIs(t, err, ErrManagerClosed)
}

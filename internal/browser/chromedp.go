package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// ChromedpConfig controls how Chrome is launched.
type ChromedpConfig struct {
	ExecPath          string        `mapstructure:"exec_path"`
	Headless          bool          `mapstructure:"headless"`
	NoSandbox         bool          `mapstructure:"no_sandbox"`
	UserAgent         string        `mapstructure:"user_agent"`
	Viewport          Viewport      `mapstructure:"viewport"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	LaunchTimeout     time.Duration `mapstructure:"launch_timeout"`
}

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultLaunchTimeout     = 30 * time.Second
)

// ChromedpBrowser is a Browser backed by one Chrome process driven over CDP.
// Every Render runs in its own browser context so cookies and the proxy setting do
// not leak between tasks that share the process.
type ChromedpBrowser struct {
	cfg           ChromedpConfig
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu      sync.Mutex
	nextTab int
	tabs    map[int]context.CancelFunc
}

// NewChromedpFactory returns a Factory that launches ChromedpBrowsers.
func NewChromedpFactory(cfg ChromedpConfig) Factory {
	return func(ctx context.Context) (Browser, error) {
		return LaunchChromedp(ctx, cfg)
	}
}

// LaunchChromedp starts Chrome and waits for the first target to attach.
func LaunchChromedp(ctx context.Context, cfg ChromedpConfig) (*ChromedpBrowser, error) {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = defaultLaunchTimeout
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	launchCtx, cancel := context.WithTimeout(ctx, cfg.LaunchTimeout)
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- chromedp.Run(browserCtx)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
	case <-launchCtx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("launch chrome: %w", launchCtx.Err())
	}

	return &ChromedpBrowser{
		cfg:           cfg,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		tabs:          make(map[int]context.CancelFunc),
	}, nil
}

func allocatorOptions(cfg ChromedpConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.Viewport.Width > 0 && cfg.Viewport.Height > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.Viewport.Width, cfg.Viewport.Height))
	}
	return opts
}

// Render opens a tab in a fresh browser context, routes it through req.Proxy and
// returns the rendered document.
func (b *ChromedpBrowser) Render(ctx context.Context, req RenderRequest) (*Page, error) {
	tabCtx, done := b.openTab(req.Proxy)
	defer done()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = b.cfg.NavigationTimeout
	}
	tabCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	start := time.Now()
	var html, finalURL string
	actions := []chromedp.Action{
		networkSetupAction(req),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("render %s: %w", req.URL, ctxErr)
		}
		return nil, fmt.Errorf("render %s: %w", req.URL, err)
	}

	status, headers, pageURL := meta.snapshotWithFallbacks(req.URL, finalURL)
	return &Page{
		URL:        pageURL,
		StatusCode: status,
		Headers:    headers,
		HTML:       []byte(html),
		Duration:   time.Since(start),
	}, nil
}

func (b *ChromedpBrowser) openTab(proxy string) (context.Context, func()) {
	var opts []chromedp.ContextOption
	if proxy != "" {
		opts = append(opts, chromedp.WithNewBrowserContext(
			func(p *target.CreateBrowserContextParams) *target.CreateBrowserContextParams {
				return p.WithProxyServer(proxy)
			},
		))
	} else {
		opts = append(opts, chromedp.WithNewBrowserContext())
	}
	tabCtx, cancel := chromedp.NewContext(b.browserCtx, opts...)

	b.mu.Lock()
	key := b.nextTab
	b.nextTab++
	b.tabs[key] = cancel
	b.mu.Unlock()

	return tabCtx, func() {
		b.mu.Lock()
		delete(b.tabs, key)
		b.mu.Unlock()
		cancel()
	}
}

// Ping asks the browser for its version over the browser-level session.
func (b *ChromedpBrowser) Ping(ctx context.Context) error {
	c := chromedp.FromContext(b.browserCtx)
	if c == nil || c.Browser == nil {
		return errors.New("browser not started")
	}
	if err := b.browserCtx.Err(); err != nil {
		return fmt.Errorf("browser context: %w", err)
	}
	if _, _, _, _, _, err := cdpbrowser.GetVersion().Do(cdp.WithExecutor(ctx, c.Browser)); err != nil {
		return fmt.Errorf("get version: %w", err)
	}
	return nil
}

// Cleanup closes every tab still open on this browser, disposing their contexts.
func (b *ChromedpBrowser) Cleanup(context.Context) error {
	b.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(b.tabs))
	for key, cancel := range b.tabs {
		cancels = append(cancels, cancel)
		delete(b.tabs, key)
	}
	b.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return b.browserCtx.Err()
}

// Close terminates Chrome.
func (b *ChromedpBrowser) Close() error {
	_ = b.Cleanup(context.Background())
	b.browserCancel()
	b.allocCancel()
	return nil
}

// MemoryUsage sums the resident memory of the Chrome process tree.
func (b *ChromedpBrowser) MemoryUsage(ctx context.Context) (uint64, error) {
	c := chromedp.FromContext(b.browserCtx)
	if c == nil || c.Browser == nil {
		return 0, errors.New("browser not started")
	}
	proc := c.Browser.Process()
	if proc == nil {
		return 0, errors.New("browser process unknown")
	}
	return processTreeRSS(ctx, int32(proc.Pid))
}

func networkSetupAction(req RenderRequest) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if req.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(req.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if req.Viewport.Width > 0 && req.Viewport.Height > 0 {
			err := emulation.SetDeviceMetricsOverride(int64(req.Viewport.Width), int64(req.Viewport.Height), 1, false).Do(ctx)
			if err != nil {
				return fmt.Errorf("set viewport: %w", err)
			}
		}
		if len(req.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(req.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// forwardCancel calls cancel when parent is done. Once the returned stop func has
// run, cancel is guaranteed not to be called on parent's behalf.
func forwardCancel(parent context.Context, cancel context.CancelFunc) (stop func() bool) {
	return context.AfterFunc(parent, cancel)
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}

func toNetworkHeaders(h map[string]string) network.Headers {
	headers := network.Headers{}
	for key, value := range h {
		headers[key] = value
	}
	return headers
}

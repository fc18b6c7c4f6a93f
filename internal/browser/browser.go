// Package browser hands out pooled headless browser handles to task executions and
// keeps them healthy.
package browser

import (
	"context"
	"net/http"
	"time"
)

// Viewport is the emulated window size.
type Viewport struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

// RenderRequest describes one navigation.
type RenderRequest struct {
	URL       string
	Proxy     string
	UserAgent string
	Headers   map[string]string
	Viewport  Viewport
	Timeout   time.Duration
}

// Page is the rendered document.
type Page struct {
	URL        string
	StatusCode int
	Headers    http.Header
	HTML       []byte
	Duration   time.Duration
}

// Browser is a pooled browser instance.
type Browser interface {
	// Render opens an isolated browsing context, navigates and returns the DOM.
	Render(ctx context.Context, req RenderRequest) (*Page, error)
	// Ping is a lightweight liveness probe.
	Ping(ctx context.Context) error
	// Cleanup closes any browsing contexts left open by Render.
	Cleanup(ctx context.Context) error
	// Close terminates the browser.
	Close() error
}

// MemoryReporter is implemented by browsers that can report resident memory.
type MemoryReporter interface {
	MemoryUsage(ctx context.Context) (uint64, error)
}

// Factory launches a new Browser.
type Factory func(ctx context.Context) (Browser, error)

// Options are per-checkout settings merged over the manager defaults.
type Options struct {
	UserAgent         string            `mapstructure:"user_agent"`
	Proxy             string            `mapstructure:"-"`
	Headers           map[string]string `mapstructure:"-"`
	Viewport          Viewport          `mapstructure:"viewport"`
	AcquireTimeout    time.Duration     `mapstructure:"acquire_timeout"`
	NavigationTimeout time.Duration     `mapstructure:"navigation_timeout"`
}

func (o Options) merge(defaults Options) Options {
	out := defaults
	if o.UserAgent != "" {
		out.UserAgent = o.UserAgent
	}
	if o.Proxy != "" {
		out.Proxy = o.Proxy
	}
	if len(o.Headers) > 0 || len(defaults.Headers) > 0 {
		out.Headers = make(map[string]string, len(defaults.Headers)+len(o.Headers))
		for k, v := range defaults.Headers {
			out.Headers[k] = v
		}
		for k, v := range o.Headers {
			out.Headers[k] = v
		}
	}
	if o.Viewport.Width > 0 && o.Viewport.Height > 0 {
		out.Viewport = o.Viewport
	}
	if o.AcquireTimeout > 0 {
		out.AcquireTimeout = o.AcquireTimeout
	}
	if o.NavigationTimeout > 0 {
		out.NavigationTimeout = o.NavigationTimeout
	}
	return out
}

// Handle is a checked-out browser bound to one task execution.
type Handle struct {
	ID         string
	Browser    Browser
	Options    Options
	AcquiredAt time.Time

	touch func()
}

// Render navigates to url using the handle's merged options.
func (h *Handle) Render(ctx context.Context, url string) (*Page, error) {
	h.markActive()
	defer h.markActive()
	return h.Browser.Render(ctx, RenderRequest{
		URL:       url,
		Proxy:     h.Options.Proxy,
		UserAgent: h.Options.UserAgent,
		Headers:   h.Options.Headers,
		Viewport:  h.Options.Viewport,
		Timeout:   h.Options.NavigationTimeout,
	})
}

func (h *Handle) markActive() {
	if h.touch != nil {
		h.touch()
	}
}

package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/gocolly/colly/v2"
)

// Prober checks that a proxy can reach the outside world.
type Prober interface {
	Probe(ctx context.Context, proxyURL string) error
}

// CollyProberConfig controls the health probe request.
type CollyProberConfig struct {
	HealthURL string        `mapstructure:"health_url"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// CollyProber probes a proxy with a single GET issued through it.
type CollyProber struct {
	cfg CollyProberConfig
}

// NewCollyProber builds a prober.
func NewCollyProber(cfg CollyProberConfig) (*CollyProber, error) {
	if cfg.HealthURL == "" {
		return nil, fmt.Errorf("health url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &CollyProber{cfg: cfg}, nil
}

// Probe returns nil when HealthURL answers 2xx through proxyURL.
func (p *CollyProber) Probe(ctx context.Context, proxyURL string) error {
	// Each probe gets its own collector: SetProxy mutates the HTTP backend, which
	// clones share.
	collector := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	collector.SetRequestTimeout(p.cfg.Timeout)
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	if err := collector.SetProxy(proxyURL); err != nil {
		return fmt.Errorf("set proxy: %w", err)
	}

	var (
		status  int
		respErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
	})
	collector.OnError(func(r *colly.Response, err error) {
		respErr = err
		if r != nil {
			status = r.StatusCode
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(p.cfg.HealthURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("proxy probe canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("proxy probe visit failed: %w", err)
		}
		if respErr != nil {
			return fmt.Errorf("proxy probe failed (status %d): %w", status, respErr)
		}
		if status < 200 || status > 299 {
			return fmt.Errorf("proxy probe returned status %d", status)
		}
		return nil
	}
}

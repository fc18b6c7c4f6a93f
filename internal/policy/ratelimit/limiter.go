// Package ratelimit enforces per-domain fixed-window request quotas against a
// shared counter store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-scheduler/internal/metrics"
)

// Rule is the quota for one domain.
type Rule struct {
	Limit           int           `mapstructure:"limit"`
	Window          time.Duration `mapstructure:"window"`
	BurstMultiplier float64       `mapstructure:"burst_multiplier"`
}

// BurstLimit is the number of requests a window admits.
func (r Rule) BurstLimit() int64 {
	return int64(math.Floor(float64(r.Limit) * (1 + r.BurstMultiplier)))
}

// Config holds the default rule, per-domain overrides and the backoff cap.
type Config struct {
	Default    Rule            `mapstructure:"default"`
	Domains    map[string]Rule `mapstructure:"domains"`
	MaxBackoff time.Duration   `mapstructure:"max_backoff"`
}

// DefaultConfig mirrors the values used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Default: Rule{
			Limit:           1000,
			Window:          time.Minute,
			BurstMultiplier: 0.05,
		},
		MaxBackoff: 300 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Default.Limit <= 0 {
		c.Default.Limit = def.Default.Limit
	}
	if c.Default.Window <= 0 {
		c.Default.Window = def.Default.Window
	}
	if c.Default.BurstMultiplier < 0 {
		c.Default.BurstMultiplier = 0
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	domains := make(map[string]Rule, len(c.Domains))
	for domain, rule := range c.Domains {
		if rule.Limit <= 0 {
			rule.Limit = c.Default.Limit
		}
		if rule.Window <= 0 {
			rule.Window = c.Default.Window
		}
		if rule.BurstMultiplier < 0 {
			rule.BurstMultiplier = 0
		}
		domains[SanitizeDomain(domain)] = rule
	}
	c.Domains = domains
	return c
}

// Store keeps window counters. Increment must be atomic per key: it starts a new
// window when the previous one has expired and never counts past limit.
type Store interface {
	Increment(ctx context.Context, key string, limit int64, window time.Duration) (Counter, error)
	Reset(ctx context.Context, key string) error
}

// Counter is the state of a window after an Increment.
type Counter struct {
	Count   int64
	ResetAt time.Time
	Allowed bool
}

// Decision is the outcome of a Check.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
	ResetAt    time.Time
	Degraded   bool
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source used for RetryAfter.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// Limiter checks requests against per-domain quotas.
type Limiter struct {
	cfg    Config
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// New builds a Limiter on top of store.
func New(cfg Config, store Store, logger *zap.Logger, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("rate limit store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		cfg:    cfg.withDefaults(),
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Check counts one request for domain (and clientID when set).
// Store failures let the request through with Degraded set; only caller
// cancellation is returned as an error.
func (l *Limiter) Check(ctx context.Context, domain, clientID string) (Decision, error) {
	domain = SanitizeDomain(domain)
	rule := l.rule(domain)
	limit := rule.BurstLimit()
	key := Key(domain, clientID)

	counter, err := l.store.Increment(ctx, key, limit, rule.Window)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Decision{}, fmt.Errorf("rate limit check: %w", err)
		}
		l.logger.Warn("Rate limit store unavailable, allowing request",
			zap.String("domain", domain),
			zap.String("key", key),
			zap.Error(err),
		)
		metrics.IncRateLimitDegraded()
		return Decision{Allowed: true, Degraded: true}, nil
	}

	remaining := limit - counter.Count
	if remaining < 0 {
		remaining = 0
	}
	decision := Decision{
		Allowed:   counter.Allowed,
		Remaining: remaining,
		ResetAt:   counter.ResetAt,
	}
	if !counter.Allowed {
		decision.RetryAfter = l.retryAfter(counter.ResetAt)
		metrics.IncRateLimitRejection(domain)
		l.logger.Debug("Rate limit exceeded",
			zap.String("domain", domain),
			zap.String("key", key),
			zap.Duration("retry_after", decision.RetryAfter),
		)
	}
	return decision, nil
}

// Reset clears the counter for domain and clientID.
func (l *Limiter) Reset(ctx context.Context, domain, clientID string) error {
	if err := l.store.Reset(ctx, Key(SanitizeDomain(domain), clientID)); err != nil {
		return fmt.Errorf("reset rate limit: %w", err)
	}
	return nil
}

func (l *Limiter) retryAfter(resetAt time.Time) time.Duration {
	wait := resetAt.Sub(l.now())
	if wait > l.cfg.MaxBackoff {
		wait = l.cfg.MaxBackoff
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func (l *Limiter) rule(domain string) Rule {
	if rule, ok := l.cfg.Domains[domain]; ok {
		return rule
	}
	return l.cfg.Default
}

// Key builds the counter key for a domain and optional client.
func Key(domain, clientID string) string {
	key := "ratelimit:" + domain
	if clientID != "" {
		key += ":client:" + clientID
	}
	return key
}

// SanitizeDomain lower-cases domain and replaces anything outside [a-z0-9.-].
func SanitizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return "unknown"
	}
	var b strings.Builder
	b.Grow(len(domain))
	for _, r := range domain {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

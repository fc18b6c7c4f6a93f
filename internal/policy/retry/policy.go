// Package retry holds the exponential backoff policy shared by every component that
// retries work.
package retry

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

// Config parameterizes the backoff curve.
type Config struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	// Jitter is the fractional spread applied around each delay, e.g. 0.1 for +/-10%.
	Jitter float64 `mapstructure:"jitter"`
}

// DefaultConfig returns the stock retry curve.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		Jitter:       0.1,
	}
}

// ExponentialPolicy computes jittered exponential delays.
type ExponentialPolicy struct {
	cfg Config
}

// NewExponentialPolicy builds a policy, filling unset fields from DefaultConfig.
// A zero Jitter is kept as-is so callers can ask for deterministic delays.
func NewExponentialPolicy(cfg Config) *ExponentialPolicy {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}
	return &ExponentialPolicy{cfg: cfg}
}

// MaxAttempts returns the default attempt budget.
func (p *ExponentialPolicy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// ShouldRetry decides whether another attempt is allowed after attempt failed with err.
// maxAttempts overrides the policy budget when positive.
func (p *ExponentialPolicy) ShouldRetry(err error, attempt, maxAttempts int) bool {
	if err == nil {
		return false
	}
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.MaxAttempts
	}
	if attempt >= maxAttempts {
		return false
	}
	return scrape.IsTransient(err)
}

// Backoff returns the wait before the attempt following attempt (1-based).
func (p *ExponentialPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.cfg.InitialDelay) * math.Pow(p.cfg.Multiplier, float64(attempt-1))
	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}
	if p.cfg.Jitter > 0 {
		spread := delay * p.cfg.Jitter
		delay = delay - spread + float64(randomJitter(time.Duration(2*spread)))
	}
	if delay > float64(p.cfg.MaxDelay) {
		delay = float64(p.cfg.MaxDelay)
	}
	return time.Duration(delay)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

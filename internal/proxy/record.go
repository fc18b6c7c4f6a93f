package proxy

import (
	"time"

	"github.com/JakeFAU/scrape-scheduler/internal/policy/breaker"
)

// Record tracks one upstream proxy. Fields are guarded by the registry lock; the
// breaker has its own.
type Record struct {
	URL   string
	label string

	successes     int64
	failures      int64
	lastUsed      time.Time
	addedAt       time.Time
	quarantinedAt time.Time
	breaker       *breaker.Breaker
}

// Score is successes/(successes+failures), 1 for a proxy with no traffic yet.
func (r *Record) Score() float64 {
	total := r.successes + r.failures
	if total == 0 {
		return 1
	}
	score := float64(r.successes) / float64(total)
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}

func (r *Record) quarantined() bool {
	return !r.quarantinedAt.IsZero()
}

func (r *Record) eligible(threshold float64) bool {
	return !r.quarantined() && r.breaker.State() != breaker.Open && r.Score() >= threshold
}

// Status is an exported snapshot of a Record.
type Status struct {
	Proxy       string    `json:"proxy"`
	Score       float64   `json:"score"`
	Successes   int64     `json:"successes"`
	Failures    int64     `json:"failures"`
	Breaker     string    `json:"breaker"`
	LastUsed    time.Time `json:"last_used,omitempty"`
	Quarantined bool      `json:"quarantined"`
}

func (r *Record) status() Status {
	return Status{
		Proxy:       r.label,
		Score:       r.Score(),
		Successes:   r.successes,
		Failures:    r.failures,
		Breaker:     r.breaker.State().String(),
		LastUsed:    r.lastUsed,
		Quarantined: r.quarantined(),
	}
}

// better orders candidates: higher score, then least recently used, then URL.
func better(a, b *Record) bool {
	as, bs := a.Score(), b.Score()
	if as != bs {
		return as > bs
	}
	if !a.lastUsed.Equal(b.lastUsed) {
		return a.lastUsed.Before(b.lastUsed)
	}
	return a.URL < b.URL
}

package proxy

import (
	"context"
	"sync"
)

// Source supplies candidate proxy URLs.
type Source interface {
	Fetch(ctx context.Context, n int) ([]string, error)
}

// StaticSource serves a fixed list round-robin.
type StaticSource struct {
	mu     sync.Mutex
	urls   []string
	cursor int
}

// NewStaticSource copies urls into a new source.
func NewStaticSource(urls []string) *StaticSource {
	return &StaticSource{urls: append([]string(nil), urls...)}
}

// Fetch returns up to n URLs, continuing where the previous call stopped.
func (s *StaticSource) Fetch(_ context.Context, n int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || len(s.urls) == 0 {
		return nil, nil
	}
	if n > len(s.urls) {
		n = len(s.urls)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, s.urls[s.cursor])
		s.cursor = (s.cursor + 1) % len(s.urls)
	}
	return out, nil
}

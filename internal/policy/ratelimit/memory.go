package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int64
	resetAt time.Time
}

// MemoryStore keeps fixed windows in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*window
	pruneAt time.Time
}

// NewMemoryStore builds an empty store. A nil clock uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, windows: make(map[string]*window)}
}

// Increment counts one request in key's current window.
func (s *MemoryStore) Increment(ctx context.Context, key string, limit int64, win time.Duration) (Counter, error) {
	if err := ctx.Err(); err != nil {
		return Counter{}, err
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !now.Before(s.pruneAt) {
		s.pruneLocked(now)
		s.pruneAt = now.Add(win)
	}
	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(win)}
		s.windows[key] = w
	}
	if w.count >= limit {
		return Counter{Count: w.count, ResetAt: w.resetAt, Allowed: false}, nil
	}
	w.count++
	return Counter{Count: w.count, ResetAt: w.resetAt, Allowed: true}, nil
}

// pruneLocked drops every expired window so idle keys do not accumulate.
func (s *MemoryStore) pruneLocked(now time.Time) {
	for key, w := range s.windows {
		if !now.Before(w.resetAt) {
			delete(s.windows, key)
		}
	}
}

// Reset drops key's window.
func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.windows, key)
	s.mu.Unlock()
	return nil
}

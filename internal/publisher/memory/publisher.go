// Package memory contains an in-memory result publisher for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// DefaultLimit is how many messages New keeps.
const DefaultLimit = 1000

// Publisher stores the most recent published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	limit    int
	messages []PublishedMessage
	total    int
	err      error
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher that keeps the last DefaultLimit messages.
func New() *Publisher {
	return NewWithLimit(DefaultLimit)
}

// NewWithLimit returns a Publisher that keeps the last limit messages.
func NewWithLimit(limit int) *Publisher {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Publisher{limit: limit}
}

// Publish records the message and returns a pseudo ID, or the injected error.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.total++
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	if over := len(p.messages) - p.limit; over > 0 {
		p.messages = append(p.messages[:0:0], p.messages[over:]...)
	}
	return fmt.Sprintf("memory-%d", p.total), nil
}

// FailWith makes every later Publish return err. Pass nil to recover.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Messages returns a copy of the retained publishes, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Total is the number of successful publishes, including evicted ones.
func (p *Publisher) Total() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.total
}

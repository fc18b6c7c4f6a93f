// Package uuid mints the ids attached to browser handles, pool resources and results.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces time-ordered UUIDv7 strings.
type Generator struct{}

// New returns a Generator.
func New() *Generator { return &Generator{} }

// NewID returns a fresh UUIDv7.
func (*Generator) NewID() (string, error) {
	v7, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("new uuid v7: %w", err)
	}
	return v7.String(), nil
}

// MustNewID is NewID with a random v4 fallback.
func (g *Generator) MustNewID() string {
	if id, err := g.NewID(); err == nil {
		return id
	}
	return uuid.NewString()
}

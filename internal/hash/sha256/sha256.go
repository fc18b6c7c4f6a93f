// Package sha256 fingerprints rendered pages so unchanged snapshots can be spotted.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher is the extract.Hasher backed by crypto/sha256.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher { return &Hasher{} }

// Hash returns the lowercase hex digest of data. It never fails.
func (*Hasher) Hash(data []byte) (string, error) {
	digest := sha256.Sum256(data)
	return hex.EncodeToString(digest[:]), nil
}

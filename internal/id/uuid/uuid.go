// Package uuid generates the tokens that name per-request workspace files and
// tag requests in logs.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates random UUID strings.
type Generator struct{}

// New creates a new Generator.
func New() Generator {
	return Generator{}
}

// NewID returns a random (v4) UUID string. Random rather than time-ordered
// IDs keep workspace file names unguessable.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid4: %w", err)
	}
	return id.String(), nil
}

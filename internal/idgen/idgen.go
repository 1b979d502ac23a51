// Package idgen generates recorder instance ids. Ids are used as key
// segments, so the alphabet avoids separators and wildcards.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// RecorderPrefix marks ids of recording processes.
const RecorderPrefix = "rec-"

const (
	alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	length   = 8
)

// NewRecorderID returns a fresh id such as "rec-3k9x0a1b".
func NewRecorderID() (string, error) {
	return WithPrefix(RecorderPrefix)
}

// WithPrefix returns prefix followed by random lowercase alphanumerics.
func WithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(alphabet, length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

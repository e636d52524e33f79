// Package token issues the opaque identifiers priorq hands out: per-handoff
// message tokens, generated message IDs, and subscription IDs.
//
// Identifiers are ULIDs drawn from a monotone entropy source, so each Source
// produces values that are time-sortable, unique within the process, and
// backed by crypto/rand entropy — a stale consumer cannot guess the token of
// a re-dispensed message.
package token

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Source generates ULID strings from a shared monotone entropy reader.
// The mutex ensures monotonicity across concurrent calls. The zero value is
// not usable; construct with NewSource.
type Source struct {
	mu      sync.Mutex
	entropy io.Reader
}

// NewSource creates a Source seeded from crypto/rand.
func NewSource() *Source {
	return &Source{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// New generates a fresh ULID string.
func (s *Source) New() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), s.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNew is like New but panics on error. Entropy failures from crypto/rand
// are not recoverable at this layer.
func (s *Source) MustNew() string {
	id, err := s.New()
	if err != nil {
		panic(fmt.Sprintf("token: generate ULID: %v", err))
	}
	return id
}

// Validate returns an error if s is not a well-formed ULID string.
func Validate(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

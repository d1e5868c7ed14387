// Package identifier holds the rotation-eligible advertising identifiers.
package identifier

import (
	"errors"
	"math/rand/v2"
	"slices"
)

// ErrEmptySet is returned when a Set is built without identifiers.
var ErrEmptySet = errors.New("identifier set is empty")

// Set is an ordered set of identifiers with one active member.
// It is not safe for concurrent use; the owner serializes access.
type Set struct {
	ids     []string
	current string
	rng     *rand.Rand
}

// NewSet builds a Set from ids, dropping empty strings and duplicates
// while keeping first-seen order. rng may be nil.
func NewSet(ids []string, rng *rand.Rand) (*Set, error) {
	uniq := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || slices.Contains(uniq, id) {
			continue
		}
		uniq = append(uniq, id)
	}
	if len(uniq) == 0 {
		return nil, ErrEmptySet
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // not a security boundary
	}
	return &Set{ids: uniq, rng: rng}, nil
}

// Len returns the number of identifiers.
func (s *Set) Len() int { return len(s.ids) }

// IDs returns a copy of the identifiers.
func (s *Set) IDs() []string { return slices.Clone(s.ids) }

// Current returns the active identifier, or false before the first Rotate.
func (s *Set) Current() (string, bool) {
	return s.current, s.current != ""
}

// SetCurrent activates id if it belongs to the set.
func (s *Set) SetCurrent(id string) bool {
	if !slices.Contains(s.ids, id) {
		return false
	}
	s.current = id
	return true
}

// Rotate picks a new active identifier uniformly at random. With two or
// more entries the current one is excluded by rejection sampling.
func (s *Set) Rotate() string {
	next := s.ids[s.rng.IntN(len(s.ids))]
	for len(s.ids) > 1 && next == s.current {
		next = s.ids[s.rng.IntN(len(s.ids))]
	}
	s.current = next
	return next
}

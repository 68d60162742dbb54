package vault

import (
	"bytes"
	"fmt"
	"sort"

	"LevVault/internal/commitment"
)

// pendingStore holds opened-but-unresolved positions keyed by commitment
// hash. A commitment is consumed exactly once: take removes it atomically
// with the lookup.
type pendingStore struct {
	byHash map[commitment.Hash]*Position
}

func newPendingStore() *pendingStore {
	return &pendingStore{byHash: make(map[commitment.Hash]*Position)}
}

func (s *pendingStore) put(p *Position) error {
	if _, ok := s.byHash[p.SecretHash]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCommitment, p.SecretHash)
	}
	s.byHash[p.SecretHash] = p
	return nil
}

func (s *pendingStore) has(h commitment.Hash) bool {
	_, ok := s.byHash[h]
	return ok
}

// peek returns the pending position without consuming it.
func (s *pendingStore) peek(h commitment.Hash) (*Position, error) {
	p, ok := s.byHash[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommitment, h)
	}
	return p, nil
}

// take consumes the commitment: it returns the position and removes the
// entry so a second reveal of the same secret fails.
func (s *pendingStore) take(h commitment.Hash) (*Position, error) {
	p, err := s.peek(h)
	if err != nil {
		return nil, err
	}
	delete(s.byHash, h)
	return p, nil
}

func (s *pendingStore) len() int { return len(s.byHash) }

// all returns pending positions sorted by commitment hash bytes for
// deterministic iteration.
func (s *pendingStore) all() []*Position {
	out := make([]*Position, 0, len(s.byHash))
	for _, p := range s.byHash {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].SecretHash[:], out[j].SecretHash[:]) < 0
	})
	return out
}

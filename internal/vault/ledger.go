package vault

import (
	"bytes"
	"fmt"
	"sort"
)

// ledger is the per-owner book of resolved positions. Position ids are a
// per-owner sequence: the first resolved position of an owner gets id 1.
type ledger struct {
	byOwner map[Address]map[uint64]*Position
	lastID  map[Address]uint64
}

func newLedger() *ledger {
	return &ledger{
		byOwner: make(map[Address]map[uint64]*Position),
		lastID:  make(map[Address]uint64),
	}
}

// nextID returns the id the owner's next resolved position will receive.
func (l *ledger) nextID(owner Address) uint64 {
	return l.lastID[owner] + 1
}

// insert assigns the next per-owner id to p and books it.
func (l *ledger) insert(p *Position) {
	book, ok := l.byOwner[p.Owner]
	if !ok {
		book = make(map[uint64]*Position)
		l.byOwner[p.Owner] = book
	}
	id := l.lastID[p.Owner] + 1
	p.ID = id
	l.lastID[p.Owner] = id
	book[id] = p
}

func (l *ledger) get(owner Address, id uint64) (*Position, error) {
	p, ok := l.byOwner[owner][id]
	if !ok {
		return nil, fmt.Errorf("%w: owner %s id %d", ErrPositionNotFound, owner, id)
	}
	return p, nil
}

func (l *ledger) remove(owner Address, id uint64) error {
	book, ok := l.byOwner[owner]
	if !ok {
		return fmt.Errorf("%w: owner %s id %d", ErrPositionNotFound, owner, id)
	}
	if _, ok := book[id]; !ok {
		return fmt.Errorf("%w: owner %s id %d", ErrPositionNotFound, owner, id)
	}
	delete(book, id)
	if len(book) == 0 {
		delete(l.byOwner, owner)
	}
	return nil
}

// list returns the owner's open positions sorted by id.
func (l *ledger) list(owner Address) []*Position {
	book := l.byOwner[owner]
	out := make([]*Position, 0, len(book))
	for _, p := range book {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// count returns the number of open positions across all owners.
func (l *ledger) count() int {
	n := 0
	for _, book := range l.byOwner {
		n += len(book)
	}
	return n
}

// last returns the highest id ever assigned to the owner, zero if none.
func (l *ledger) last(owner Address) uint64 {
	return l.lastID[owner]
}

// all returns every open position ordered by (owner bytes, id) for
// deterministic iteration.
func (l *ledger) all() []*Position {
	owners := make([]Address, 0, len(l.byOwner))
	for o := range l.byOwner {
		owners = append(owners, o)
	}
	sort.Slice(owners, func(i, j int) bool {
		return bytes.Compare(owners[i][:], owners[j][:]) < 0
	})

	var out []*Position
	for _, o := range owners {
		out = append(out, l.list(o)...)
	}
	return out
}

// lastIDs returns a copy of the per-owner id counters, including owners
// whose books are currently empty.
func (l *ledger) lastIDs() map[Address]uint64 {
	out := make(map[Address]uint64, len(l.lastID))
	for o, id := range l.lastID {
		out[o] = id
	}
	return out
}

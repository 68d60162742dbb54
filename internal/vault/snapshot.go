package vault

import "fmt"

// Snapshot is the JSON-serializable image of the whole vault state.
type Snapshot struct {
	Initialized bool    `json:"initialized"`
	Admin       Address `json:"admin"`
	Liquidity   int64   `json:"liquidity"`

	Markets []Market           `json:"markets"`
	Pending []Position         `json:"pending"`
	Open    []Position         `json:"open"`
	LastIDs map[Address]uint64 `json:"last_ids"`
}

// Snapshot captures the current state as a deep copy.
func (v *Vault) Snapshot() Snapshot {
	return Snapshot{
		Initialized: v.initialized,
		Admin:       v.admin,
		Liquidity:   v.liquidity,
		Markets:     v.markets.all(),
		Pending:     v.PendingPositions(),
		Open:        v.AllPositions(),
		LastIDs:     v.book.lastIDs(),
	}
}

// AllPositions returns every open position across all owners, ordered by
// (owner, id).
func (v *Vault) AllPositions() []Position {
	ps := v.book.all()
	out := make([]Position, 0, len(ps))
	for _, p := range ps {
		out = append(out, *p)
	}
	return out
}

// Restore replaces the vault state with the snapshot contents. Counters in
// the snapshot are taken as-is; no settlement arithmetic reruns.
func (v *Vault) Restore(s Snapshot) error {
	fresh := New()
	fresh.initialized = s.Initialized
	fresh.admin = s.Admin
	fresh.liquidity = s.Liquidity

	for _, m := range s.Markets {
		if _, dup := fresh.markets.markets[m.ID]; dup {
			return fmt.Errorf("restore: %w: id %d", ErrDuplicateMarket, m.ID)
		}
		cp := m
		fresh.markets.markets[m.ID] = &cp
	}
	for i := range s.Pending {
		cp := s.Pending[i]
		if err := fresh.pending.put(&cp); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}
	for i := range s.Open {
		cp := s.Open[i]
		book, ok := fresh.book.byOwner[cp.Owner]
		if !ok {
			book = make(map[uint64]*Position)
			fresh.book.byOwner[cp.Owner] = book
		}
		if _, dup := book[cp.ID]; dup {
			return fmt.Errorf("restore: duplicate position owner %s id %d", cp.Owner, cp.ID)
		}
		book[cp.ID] = &cp
	}
	for o, id := range s.LastIDs {
		fresh.book.lastID[o] = id
	}

	*v = *fresh
	return nil
}

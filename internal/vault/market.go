package vault

import (
	"fmt"
	"sort"

	"LevVault/internal/fixedpoint"
)

// Market holds per-market risk parameters and aggregate exposure counters.
// Identity and risk parameters are immutable after AddMarket; only the
// exposure counters move.
type Market struct {
	ID uint64 `json:"id"`

	TotalLongs  int64 `json:"total_longs"`  // open long notional
	TotalShorts int64 `json:"total_shorts"` // open short notional

	MaxTotalLongs  int64 `json:"max_total_longs"`
	MaxTotalShorts int64 `json:"max_total_shorts"`

	MaxLeverage int64 `json:"max_leverage"` // plain integer multiplier

	// Rates are fixedpoint.Scale-denominated.
	OpenFeeRate           int64 `json:"open_fee_rate"`
	BaseSpreadRate        int64 `json:"base_spread_rate"`
	BorrowBaseRatePerHour int64 `json:"borrow_base_rate_per_hour"`
}

func validateMarket(m Market) error {
	if m.MaxLeverage <= 0 {
		return fmt.Errorf("%w: max_leverage must be > 0, got %d", ErrInvalidArgument, m.MaxLeverage)
	}
	if m.MaxTotalLongs < 0 || m.MaxTotalShorts < 0 {
		return fmt.Errorf("%w: exposure caps must be >= 0", ErrInvalidArgument)
	}
	if m.OpenFeeRate < 0 || m.BaseSpreadRate < 0 || m.BorrowBaseRatePerHour < 0 {
		return fmt.Errorf("%w: rates must be >= 0", ErrInvalidArgument)
	}
	if m.BaseSpreadRate >= fixedpoint.Scale {
		return fmt.Errorf("%w: base_spread_rate must be < scale", ErrInvalidArgument)
	}
	return nil
}

// registry is the market table keyed by id.
type registry struct {
	markets map[uint64]*Market
}

func newRegistry() *registry {
	return &registry{markets: make(map[uint64]*Market)}
}

func (r *registry) add(m Market) error {
	if err := validateMarket(m); err != nil {
		return err
	}
	if _, ok := r.markets[m.ID]; ok {
		return fmt.Errorf("%w: id %d", ErrDuplicateMarket, m.ID)
	}
	m.TotalLongs = 0
	m.TotalShorts = 0
	r.markets[m.ID] = &m
	return nil
}

func (r *registry) get(id uint64) (*Market, error) {
	m, ok := r.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrMarketNotFound, id)
	}
	return m, nil
}

// canReserve checks the post-increment exposure against the cap without
// mutating anything. Callers run it in the validation phase of an open so
// the later reserve cannot fail mid-transaction.
func (r *registry) canReserve(id uint64, t PosType, notional int64) error {
	m, err := r.get(id)
	if err != nil {
		return err
	}
	side, cap := m.TotalLongs, m.MaxTotalLongs
	if t == Short {
		side, cap = m.TotalShorts, m.MaxTotalShorts
	}
	next, err := fixedpoint.Add(side, notional)
	if err != nil {
		return err
	}
	if next > cap {
		return fmt.Errorf("%w: market %d %s %d + %d > %d",
			ErrExposureCapExceeded, id, t, side, notional, cap)
	}
	return nil
}

// reserve increments the side counter. Must be preceded by canReserve in the
// same call.
func (r *registry) reserve(id uint64, t PosType, notional int64) error {
	if err := r.canReserve(id, t, notional); err != nil {
		return err
	}
	m := r.markets[id]
	if t == Short {
		m.TotalShorts += notional
	} else {
		m.TotalLongs += notional
	}
	return nil
}

// release decrements the side counter, floored at zero. A well-formed call
// sequence never underflows; the floor is there so a release can never make
// the counters lie negative.
func (r *registry) release(id uint64, t PosType, notional int64) {
	m, ok := r.markets[id]
	if !ok {
		return
	}
	if t == Short {
		m.TotalShorts -= notional
		if m.TotalShorts < 0 {
			m.TotalShorts = 0
		}
		return
	}
	m.TotalLongs -= notional
	if m.TotalLongs < 0 {
		m.TotalLongs = 0
	}
}

// all returns markets sorted by id for deterministic iteration.
func (r *registry) all() []Market {
	ids := make([]uint64, 0, len(r.markets))
	for id := range r.markets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Market, 0, len(ids))
	for _, id := range ids {
		out = append(out, *r.markets[id])
	}
	return out
}

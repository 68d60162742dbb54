// Package vault implements the leveraged-trading vault core: the market
// registry, the commit-reveal open flow, the position ledger, and the
// settlement arithmetic. The package is purely in-memory and single-caller;
// the engine in internal/core serializes access to it.
package vault

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"LevVault/internal/commitment"
	"LevVault/internal/fixedpoint"
)

// DefaultLiquidationThresholdRate is the liquidation equity floor applied to
// every position: 5% of notional, Scale-denominated.
const DefaultLiquidationThresholdRate int64 = 50_000_000

// Vault is the aggregate state machine. Methods are not safe for concurrent
// use; every mutation either fully applies or leaves the state untouched.
type Vault struct {
	admin       Address
	liquidity   int64
	initialized bool

	markets *registry
	pending *pendingStore
	book    *ledger
}

func New() *Vault {
	return &Vault{
		markets: newRegistry(),
		pending: newPendingStore(),
		book:    newLedger(),
	}
}

// Initialize sets the admin and seeds the vault liquidity. It can run once.
func (v *Vault) Initialize(admin Address, liquidity int64) error {
	if v.initialized {
		return ErrAlreadyInitialized
	}
	if admin.IsZero() {
		return fmt.Errorf("%w: admin must be non-zero", ErrInvalidArgument)
	}
	if liquidity < 0 {
		return fmt.Errorf("%w: liquidity must be >= 0, got %d", ErrInvalidArgument, liquidity)
	}
	v.admin = admin
	v.liquidity = liquidity
	v.initialized = true
	return nil
}

// AddMarket registers a new market. Admin only.
func (v *Vault) AddMarket(caller Address, m Market) error {
	if !v.initialized {
		return ErrNotInitialized
	}
	if caller != v.admin {
		return fmt.Errorf("%w: caller %s is not admin", ErrUnauthorized, caller)
	}
	return v.markets.add(m)
}

// ConstructPosition builds a position candidate from the market's risk
// parameters without touching vault state. The entry price is the market
// price pushed against the trader by the base spread.
func (v *Vault) ConstructPosition(collateral int64, marketID uint64, marketPrice int64, t PosType, leverage int64, owner Address, secretHash commitment.Hash) (Position, error) {
	var p Position
	if !v.initialized {
		return p, ErrNotInitialized
	}
	m, err := v.markets.get(marketID)
	if err != nil {
		return p, err
	}
	if collateral <= 0 {
		return p, fmt.Errorf("%w: collateral must be > 0, got %d", ErrInvalidArgument, collateral)
	}
	if marketPrice <= 0 {
		return p, fmt.Errorf("%w: market price must be > 0, got %d", ErrInvalidArgument, marketPrice)
	}
	if t != Long && t != Short {
		return p, fmt.Errorf("%w: pos_type %d", ErrInvalidArgument, t)
	}
	if owner.IsZero() {
		return p, fmt.Errorf("%w: owner must be non-zero", ErrInvalidArgument)
	}
	if leverage < 1 || leverage > m.MaxLeverage {
		return p, fmt.Errorf("%w: leverage %d outside [1, %d]", ErrInvalidLeverage, leverage, m.MaxLeverage)
	}

	openFee, err := fixedpoint.MulScale(collateral, m.OpenFeeRate)
	if err != nil {
		return p, err
	}

	// Longs enter above market, shorts below.
	spreadNum := fixedpoint.Scale + m.BaseSpreadRate
	if t == Short {
		spreadNum = fixedpoint.Scale - m.BaseSpreadRate
	}
	openPrice, err := fixedpoint.MulDiv(marketPrice, spreadNum, fixedpoint.Scale)
	if err != nil {
		return p, err
	}
	if openPrice <= 0 {
		return p, fmt.Errorf("%w: spread-adjusted open price %d", ErrInvalidArgument, openPrice)
	}

	p = Position{
		MarketID:                 marketID,
		Type:                     t,
		Owner:                    owner,
		InitialCollateral:        collateral,
		OpenFee:                  openFee,
		OpenPrice:                openPrice,
		MarkPrice:                marketPrice,
		Leverage:                 leverage,
		LiquidationThresholdRate: DefaultLiquidationThresholdRate,
		BorrowBaseRatePerHour:    m.BorrowBaseRatePerHour,
		SecretHash:               secretHash,
	}
	return p, nil
}

// OpenPosition constructs and commits a position behind its commitment hash.
// The full notional is reserved from vault liquidity and counted against the
// market's exposure cap; nothing mutates until every check has passed.
func (v *Vault) OpenPosition(collateral int64, marketID uint64, marketPrice int64, t PosType, leverage int64, owner Address, secretHash commitment.Hash) (Position, error) {
	p, err := v.ConstructPosition(collateral, marketID, marketPrice, t, leverage, owner, secretHash)
	if err != nil {
		return Position{}, err
	}
	if v.pending.has(secretHash) {
		return Position{}, fmt.Errorf("%w: %s", ErrDuplicateCommitment, secretHash)
	}
	notional, err := p.Notional()
	if err != nil {
		return Position{}, err
	}
	if notional > v.liquidity {
		return Position{}, fmt.Errorf("%w: notional %d > liquidity %d",
			ErrInsufficientLiquidity, notional, v.liquidity)
	}
	if err := v.markets.canReserve(marketID, t, notional); err != nil {
		return Position{}, err
	}

	if err := v.markets.reserve(marketID, t, notional); err != nil {
		return Position{}, err
	}
	v.liquidity -= notional
	stored := p
	if err := v.pending.put(&stored); err != nil {
		// unreachable after the has() check above; undo to stay consistent
		v.markets.release(marketID, t, notional)
		v.liquidity += notional
		return Position{}, err
	}
	return p, nil
}

// ResolveOpenPosition reveals the secret behind a pending commitment and
// books the position in the owner's ledger. Each commitment resolves exactly
// once. now is the open timestamp in unix micros.
func (v *Vault) ResolveOpenPosition(secret commitment.Secret, now int64) (Position, error) {
	if !v.initialized {
		return Position{}, ErrNotInitialized
	}
	h := commitment.HashSecret(secret)
	p, err := v.pending.take(h)
	if err != nil {
		return Position{}, err
	}
	p.OpenedAt = now
	v.book.insert(p)
	return *p, nil
}

// ClosePosition settles a position at closePrice and removes it. The owner
// can always close; any other caller may close only a liquidatable position.
func (v *Vault) ClosePosition(caller, owner Address, id uint64, closePrice, now int64) (Evaluation, error) {
	var ev Evaluation
	if !v.initialized {
		return ev, ErrNotInitialized
	}
	p, err := v.book.get(owner, id)
	if err != nil {
		return ev, err
	}
	ev, err = Evaluate(p, closePrice, now)
	if err != nil {
		return ev, err
	}
	if caller != owner && !ev.Liquidatable {
		return ev, fmt.Errorf("%w: caller %s cannot close healthy position of %s",
			ErrUnauthorized, caller, owner)
	}

	// Release the notional reservation, then settle the PnL against the
	// vault. A profit larger than the released notional would drain funds
	// the vault never held, which is an integrity fault.
	liquidity, err := fixedpoint.Add(v.liquidity, ev.Notional)
	if err != nil {
		return ev, err
	}
	if ev.PnL > 0 {
		if ev.PnL > ev.Notional {
			return ev, fmt.Errorf("%w: profit %d exceeds notional %d",
				ErrInsolvency, ev.PnL, ev.Notional)
		}
		liquidity -= ev.PnL
	} else if ev.PnL < 0 {
		loss := -ev.PnL
		if loss > p.InitialCollateral {
			loss = p.InitialCollateral
		}
		liquidity, err = fixedpoint.Add(liquidity, loss)
		if err != nil {
			return ev, err
		}
	}

	if err := v.book.remove(owner, id); err != nil {
		return ev, err
	}
	v.markets.release(p.MarketID, p.Type, ev.Notional)
	v.liquidity = liquidity
	return ev, nil
}

// EvaluatePosition computes the settlement view of an open position without
// closing it.
func (v *Vault) EvaluatePosition(owner Address, id uint64, closePrice, now int64) (Evaluation, error) {
	if !v.initialized {
		return Evaluation{}, ErrNotInitialized
	}
	p, err := v.book.get(owner, id)
	if err != nil {
		return Evaluation{}, err
	}
	return Evaluate(p, closePrice, now)
}

// Read accessors. All return copies; callers cannot mutate vault state
// through them.

func (v *Vault) Initialized() bool { return v.initialized }

func (v *Vault) Admin() Address { return v.admin }

func (v *Vault) Liquidity() int64 { return v.liquidity }

func (v *Vault) Market(id uint64) (Market, error) {
	m, err := v.markets.get(id)
	if err != nil {
		return Market{}, err
	}
	return *m, nil
}

func (v *Vault) Markets() []Market { return v.markets.all() }

func (v *Vault) Positions(owner Address) []Position {
	ps := v.book.list(owner)
	out := make([]Position, 0, len(ps))
	for _, p := range ps {
		out = append(out, *p)
	}
	return out
}

func (v *Vault) Position(owner Address, id uint64) (Position, error) {
	p, err := v.book.get(owner, id)
	if err != nil {
		return Position{}, err
	}
	return *p, nil
}

func (v *Vault) LastPosID(owner Address) uint64 { return v.book.last(owner) }

func (v *Vault) PendingCount() int { return v.pending.len() }

func (v *Vault) OpenCount() int { return v.book.count() }

func (v *Vault) PendingPositions() []Position {
	ps := v.pending.all()
	out := make([]Position, 0, len(ps))
	for _, p := range ps {
		out = append(out, *p)
	}
	return out
}

// DigestBytes returns a canonical byte serialization of the entire vault
// state. Two vaults with equal state produce equal bytes regardless of the
// call order that produced them.
func (v *Vault) DigestBytes() []byte {
	var buf bytes.Buffer
	var tmp [8]byte

	putU64 := func(x uint64) {
		binary.LittleEndian.PutUint64(tmp[:], x)
		buf.Write(tmp[:])
	}
	putI64 := func(x int64) { putU64(uint64(x)) }

	if v.initialized {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.Write(v.admin[:])
	putI64(v.liquidity)

	markets := v.markets.all()
	putU64(uint64(len(markets)))
	for _, m := range markets {
		putU64(m.ID)
		putI64(m.TotalLongs)
		putI64(m.TotalShorts)
		putI64(m.MaxTotalLongs)
		putI64(m.MaxTotalShorts)
		putI64(m.MaxLeverage)
		putI64(m.OpenFeeRate)
		putI64(m.BaseSpreadRate)
		putI64(m.BorrowBaseRatePerHour)
	}

	pending := v.pending.all()
	putU64(uint64(len(pending)))
	for _, p := range pending {
		buf.Write(p.CanonicalBytes())
	}

	open := v.book.all()
	putU64(uint64(len(open)))
	for _, p := range open {
		buf.Write(p.CanonicalBytes())
	}

	lastIDs := v.book.lastIDs()
	owners := make([]Address, 0, len(lastIDs))
	for o := range lastIDs {
		owners = append(owners, o)
	}
	sort.Slice(owners, func(i, j int) bool {
		return bytes.Compare(owners[i][:], owners[j][:]) < 0
	})
	putU64(uint64(len(owners)))
	for _, o := range owners {
		buf.Write(o[:])
		putU64(lastIDs[o])
	}

	return buf.Bytes()
}

package vault

import (
	"encoding/binary"
	"fmt"

	"LevVault/internal/commitment"
	"LevVault/internal/fixedpoint"
)

// PosType is the direction of a position.
type PosType uint8

const (
	Long  PosType = 0
	Short PosType = 1
)

func (t PosType) String() string {
	switch t {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return fmt.Sprintf("postype(%d)", uint8(t))
	}
}

// ParsePosType parses "long" or "short".
func ParsePosType(s string) (PosType, error) {
	switch s {
	case "long":
		return Long, nil
	case "short":
		return Short, nil
	default:
		return 0, fmt.Errorf("%w: pos_type %q", ErrInvalidArgument, s)
	}
}

func (t PosType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *PosType) UnmarshalText(b []byte) error {
	parsed, err := ParsePosType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Position is a constructed trade. Between open and resolve it lives in the
// pending store keyed by its commitment hash; after resolve it lives in the
// ledger keyed by (owner, id).
type Position struct {
	ID        uint64  `json:"id"` // per-owner sequence, assigned at resolve
	MarketID  uint64  `json:"market_id"`
	Type      PosType `json:"pos_type"`
	Owner     Address `json:"owner"`

	InitialCollateral int64 `json:"initial_collateral"`
	OpenFee           int64 `json:"open_fee"`
	OpenPrice         int64 `json:"open_price"` // spread-adjusted entry
	MarkPrice         int64 `json:"mark_price"` // raw market price at construct
	Leverage          int64 `json:"leverage"`

	LiquidationThresholdRate int64 `json:"liquidation_threshold_rate"`
	BorrowBaseRatePerHour    int64 `json:"borrow_base_rate_per_hour"`

	SecretHash commitment.Hash `json:"secret_hash"`

	OpenedAt int64 `json:"opened_at"` // unix micros, set at resolve
}

// Notional returns collateral*leverage, checked.
func (p *Position) Notional() (int64, error) {
	return fixedpoint.Mul(p.InitialCollateral, p.Leverage)
}

// SideSign is +1 for longs and -1 for shorts.
func (p *Position) SideSign() int64 {
	if p.Type == Short {
		return -1
	}
	return 1
}

// CanonicalBytes serializes the position into a fixed-width little-endian
// layout. The encoding feeds the state digest, so field order is frozen.
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 8*10+1+32+32)
	var tmp [8]byte

	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}
	putI64 := func(v int64) { putU64(uint64(v)) }

	putU64(p.ID)
	putU64(p.MarketID)
	buf = append(buf, byte(p.Type))
	buf = append(buf, p.Owner[:]...)
	putI64(p.InitialCollateral)
	putI64(p.OpenFee)
	putI64(p.OpenPrice)
	putI64(p.MarkPrice)
	putI64(p.Leverage)
	putI64(p.LiquidationThresholdRate)
	putI64(p.BorrowBaseRatePerHour)
	buf = append(buf, p.SecretHash[:]...)
	putI64(p.OpenedAt)
	return buf
}

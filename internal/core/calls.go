package core

import (
	"time"

	"LevVault/internal/commitment"
	"LevVault/internal/vault"
)

// CallType discriminator for call payloads
type CallType int32

const (
	CallTypeUnknown CallType = iota
	CallTypeInitialize
	CallTypeAddMarket
	CallTypeOpenPosition
	CallTypeResolveOpenPosition
	CallTypeClosePosition
)

func (ct CallType) String() string {
	switch ct {
	case CallTypeInitialize:
		return "Initialize"
	case CallTypeAddMarket:
		return "AddMarket"
	case CallTypeOpenPosition:
		return "OpenPosition"
	case CallTypeResolveOpenPosition:
		return "ResolveOpenPosition"
	case CallTypeClosePosition:
		return "ClosePosition"
	default:
		return "Unknown"
	}
}

// Call is the interface all mutating call payloads implement.
type Call interface {
	// CallType returns the discriminator
	CallType() CallType

	// Caller returns the identity the call executes as
	Caller() vault.Address

	// Timestamp returns the versioned input timestamp of the call
	Timestamp() time.Time
}

// Initialize sets the vault admin and seed liquidity.
type Initialize struct {
	From      vault.Address `json:"from"`
	Admin     vault.Address `json:"admin"`
	Liquidity int64         `json:"liquidity"`
	At        int64         `json:"at"` // unix micros
}

func (c *Initialize) CallType() CallType    { return CallTypeInitialize }
func (c *Initialize) Caller() vault.Address { return c.From }
func (c *Initialize) Timestamp() time.Time  { return time.UnixMicro(c.At) }

// AddMarket registers a market. Admin only.
type AddMarket struct {
	From   vault.Address `json:"from"`
	Market vault.Market  `json:"market"`
	At     int64         `json:"at"`
}

func (c *AddMarket) CallType() CallType    { return CallTypeAddMarket }
func (c *AddMarket) Caller() vault.Address { return c.From }
func (c *AddMarket) Timestamp() time.Time  { return time.UnixMicro(c.At) }

// OpenPosition commits a constructed position behind its secret hash.
type OpenPosition struct {
	From        vault.Address   `json:"from"`
	Collateral  int64           `json:"collateral"`
	MarketID    uint64          `json:"market_id"`
	MarketPrice int64           `json:"market_price"`
	PosType     vault.PosType   `json:"pos_type"`
	Leverage    int64           `json:"leverage"`
	Owner       vault.Address   `json:"owner"`
	SecretHash  commitment.Hash `json:"secret_hash"`
	At          int64           `json:"at"`
}

func (c *OpenPosition) CallType() CallType    { return CallTypeOpenPosition }
func (c *OpenPosition) Caller() vault.Address { return c.From }
func (c *OpenPosition) Timestamp() time.Time  { return time.UnixMicro(c.At) }

// ResolveOpenPosition reveals the secret of a pending commitment and books
// the position. At becomes the position's open timestamp.
type ResolveOpenPosition struct {
	From   vault.Address     `json:"from"`
	Secret commitment.Secret `json:"secret"`
	At     int64             `json:"at"`
}

func (c *ResolveOpenPosition) CallType() CallType    { return CallTypeResolveOpenPosition }
func (c *ResolveOpenPosition) Caller() vault.Address { return c.From }
func (c *ResolveOpenPosition) Timestamp() time.Time  { return time.UnixMicro(c.At) }

// ClosePosition settles a position at ClosePrice. Non-owners can only close
// liquidatable positions.
type ClosePosition struct {
	From       vault.Address `json:"from"`
	Owner      vault.Address `json:"owner"`
	PositionID uint64        `json:"position_id"`
	ClosePrice int64         `json:"close_price"`
	At         int64         `json:"at"`
}

func (c *ClosePosition) CallType() CallType    { return CallTypeClosePosition }
func (c *ClosePosition) Caller() vault.Address { return c.From }
func (c *ClosePosition) Timestamp() time.Time  { return time.UnixMicro(c.At) }

package vault

import (
	"encoding/hex"
	"fmt"
)

// Address is the opaque comparable identity of a caller or position owner.
// Equality is byte equality; the vault never interprets the contents.
type Address [32]byte

// AddressFromHex parses a 0x-prefixed or bare hex string. Shorter inputs are
// left-padded with zeroes, matching how field-element addresses print.
func AddressFromHex(s string) (Address, error) {
	var a Address
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("address: %w", err)
	}
	if len(raw) > 32 {
		return a, fmt.Errorf("address: want at most 32 bytes, got %d", len(raw))
	}
	copy(a[32-len(raw):], raw)
	return a, nil
}

func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }

// IsZero reports whether the address is the all-zero identity.
func (a Address) IsZero() bool { return a == Address{} }

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := AddressFromHex(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

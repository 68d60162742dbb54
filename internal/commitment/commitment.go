// Package commitment derives position commitments from secrets.
// A commitment is the Keccak-256 hash of a 32-byte secret; the vault stores
// only the hash until the owner reveals the preimage.
package commitment

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Secret is the 32-byte preimage known only to the position opener.
type Secret [32]byte

// Hash is the published commitment derived from a Secret.
type Hash [32]byte

// HashSecret computes the commitment for a secret.
func HashSecret(s Secret) Hash {
	var h Hash
	d := sha3.NewLegacyKeccak256()
	d.Write(s[:])
	copy(h[:], d.Sum(nil))
	return h
}

func (h Hash) String() string { return "0x" + hex.EncodeToString(h[:]) }

// MarshalText implements encoding.TextMarshaler so hashes survive JSON
// snapshots as hex strings.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	raw, err := decode32(string(b))
	if err != nil {
		return fmt.Errorf("commitment hash: %w", err)
	}
	copy(h[:], raw)
	return nil
}

func (s Secret) String() string { return "0x" + hex.EncodeToString(s[:]) }

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Secret) UnmarshalText(b []byte) error {
	raw, err := decode32(string(b))
	if err != nil {
		return fmt.Errorf("commitment secret: %w", err)
	}
	copy(s[:], raw)
	return nil
}

// SecretFromHex parses a 0x-prefixed or bare hex string into a Secret.
func SecretFromHex(s string) (Secret, error) {
	var out Secret
	raw, err := decode32(s)
	if err != nil {
		return out, fmt.Errorf("commitment secret: %w", err)
	}
	copy(out[:], raw)
	return out, nil
}

// HashFromHex parses a 0x-prefixed or bare hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	var out Hash
	raw, err := decode32(s)
	if err != nil {
		return out, fmt.Errorf("commitment hash: %w", err)
	}
	copy(out[:], raw)
	return out, nil
}

func decode32(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("want 32 bytes, got %d", len(raw))
	}
	return raw, nil
}

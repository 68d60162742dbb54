package commitment

import (
	"testing"
)

func TestHashSecretDeterministic(t *testing.T) {
	var s Secret
	copy(s[:], []byte("position-secret-000000000000001"))

	h1 := HashSecret(s)
	h2 := HashSecret(s)
	if h1 != h2 {
		t.Fatalf("same secret produced different hashes: %s vs %s", h1, h2)
	}
}

func TestHashSecretDistinct(t *testing.T) {
	var a, b Secret
	a[0] = 1
	b[0] = 2
	if HashSecret(a) == HashSecret(b) {
		t.Fatal("distinct secrets produced the same commitment")
	}
}

func TestKeccakVector(t *testing.T) {
	// Keccak-256 of 32 zero bytes.
	var s Secret
	const want = "0x290decd9548b62a8d60345a988386fc84ba6bc95484008f6362f93160ef3e563"
	if got := HashSecret(s).String(); got != want {
		t.Errorf("HashSecret(zero) = %s, want %s", got, want)
	}
}

func TestHexRoundTrip(t *testing.T) {
	var s Secret
	for i := range s {
		s[i] = byte(i)
	}

	parsed, err := SecretFromHex(s.String())
	if err != nil {
		t.Fatalf("SecretFromHex: %v", err)
	}
	if parsed != s {
		t.Errorf("round trip mismatch: %s vs %s", parsed, s)
	}

	h := HashSecret(s)
	parsedHash, err := HashFromHex(h.String())
	if err != nil {
		t.Fatalf("HashFromHex: %v", err)
	}
	if parsedHash != h {
		t.Errorf("hash round trip mismatch: %s vs %s", parsedHash, h)
	}
}

func TestHexRejectsBadInput(t *testing.T) {
	if _, err := SecretFromHex("0xdeadbeef"); err == nil {
		t.Error("short input: want error")
	}
	if _, err := HashFromHex("not-hex"); err == nil {
		t.Error("non-hex input: want error")
	}
}

func TestTextMarshaling(t *testing.T) {
	var s Secret
	s[31] = 0xff

	data, err := s.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}

	var back Secret
	if err := back.UnmarshalText(data); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if back != s {
		t.Errorf("text round trip mismatch")
	}
}

package ledger

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Hash is a Keccak-256 digest.
type Hash [32]byte

// Hex returns the 0x-prefixed hex form.
func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Hash) String() string { return h.Hex() }

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool { return h == Hash{} }

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash parses a 0x-prefixed or bare 64 character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("invalid hash %q: want %d bytes, got %d", s, len(h), len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

func keccak(parts ...[]byte) Hash {
	d := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		d.Write(p)
	}
	var h Hash
	copy(h[:], d.Sum(nil))
	return h
}

// IdentityHash is the Keccak-256 digest of the trimmed, lowercased identity.
func IdentityHash(identity string) Hash {
	return keccak([]byte(strings.ToLower(strings.TrimSpace(identity))))
}

// DeterministicNonce derives the transfer nonce for a sender and call sign.
// Re-submitting the same request yields the same nonce, so the ledger sees a
// duplicate instead of executing twice.
func DeterministicNonce(sender, callSign string) Hash {
	return keccak(
		[]byte("mailpay-nonce:"),
		[]byte(strings.ToLower(strings.TrimSpace(sender))),
		[]byte{0},
		[]byte(strings.ToLower(strings.TrimSpace(callSign))),
	)
}

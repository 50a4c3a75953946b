// codec.go - Fixed-width identity encoding for the ledger contract key space.
//
// The contract addresses accounts by 32-byte identifiers. Human-readable
// identifiers are truncated to that width and zero-padded on the right.

package identity

// Width is the fixed byte width of a contract identity.
const Width = 32

// Fixed is a contract-key-space identity: a 32-byte, right-zero-padded value.
type Fixed [Width]byte

// Normalize truncates an identifier's byte encoding to the fixed width and
// decodes it back to text. It is pure, deterministic, and idempotent.
//
// Multi-byte characters may be split at the 32-byte boundary, so the result
// is not guaranteed to be valid UTF-8, and two long identifiers sharing a
// 32-byte prefix collide silently. This mirrors the contract's own key
// truncation rather than guarding against it.
func Normalize(id string) string {
	b := []byte(id)
	if len(b) <= Width {
		return id
	}
	return string(b[:Width])
}

// ToFixedBytes zero-pads the identifier on the right to the fixed width,
// truncating first if it is longer.
func ToFixedBytes(id string) Fixed {
	var f Fixed
	copy(f[:], id)
	return f
}

// Text decodes a fixed identity back to its textual form, trimming the
// right zero padding.
func (f Fixed) Text() string {
	end := len(f)
	for end > 0 && f[end-1] == 0 {
		end--
	}
	return string(f[:end])
}

// IsZero reports whether the identity is all zero bytes.
func (f Fixed) IsZero() bool {
	return f == Fixed{}
}

// json.go - Wire encoding for fixed identities.
//
// Fixed identities key several contract state maps; encoding them as hex
// text lets encoding/json use them directly as JSON object keys.

package identity

import (
	"encoding/hex"
	"fmt"
)

// MarshalText implements encoding.TextMarshaler as lowercase hex.
func (f Fixed) MarshalText() ([]byte, error) {
	out := make([]byte, hex.EncodedLen(len(f)))
	hex.Encode(out, f[:])
	return out, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Fixed) UnmarshalText(data []byte) error {
	if hex.DecodedLen(len(data)) != Width {
		return fmt.Errorf("invalid fixed identity length: %d", len(data))
	}
	_, err := hex.Decode(f[:], data)
	return err
}

// hash.go - MiMC hashing of identities and PINs.
//
// Every contract circuit takes fixed-width hashed arguments; the hash keeps
// raw PINs off the wire and out of public state.

package identity

import (
	mimcNative "github.com/consensys/gnark-crypto/ecc/bw6-761/fr/mimc"
)

// Hash computes the MiMC hash of the input bytes.
func Hash(data []byte) []byte {
	h := mimcNative.NewMiMC()
	h.Write(data)
	return h.Sum(nil)
}

// HashPIN derives the fixed-width PIN hash the contract circuits expect,
// binding the PIN to the owning identity so equal PINs on different
// accounts do not collide.
func HashPIN(id, pin string) Fixed {
	h := mimcNative.NewMiMC()
	fixed := ToFixedBytes(id)
	h.Write(fixed[:])
	h.Write([]byte(pin))
	var out Fixed
	copy(out[:], h.Sum(nil))
	return out
}

// OwnerHash derives the public owner hash for an identity.
func OwnerHash(id string) []byte {
	fixed := ToFixedBytes(id)
	return Hash(fixed[:])
}

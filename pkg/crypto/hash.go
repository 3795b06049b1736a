// Package crypto provides the hashing and signature primitives used for
// nest state hashes and withdraw caller attribution.
package crypto

import (
	"github.com/Klingon-tech/timelocknest/pkg/types"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// Keccak256 computes the legacy (pre-NIST) Keccak-256 hash used by EVM chains.
func Keccak256(data ...[]byte) types.Hash {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out types.Hash
	h.Sum(out[:0])
	return out
}

// AddressFromPubKey derives an address from a 65-byte uncompressed public key.
// Address = Keccak256(pubkey[1:])[12:], the EVM account convention, so owner
// addresses match the ones the wallet layer already shows.
func AddressFromPubKey(uncompressed []byte) types.Address {
	var addr types.Address
	if len(uncompressed) != 65 {
		return addr
	}
	h := Keccak256(uncompressed[1:])
	copy(addr[:], h[types.HashSize-types.AddressSize:])
	return addr
}

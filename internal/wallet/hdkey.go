package wallet

import (
	"fmt"

	"github.com/Klingon-tech/timelocknest/pkg/crypto"
	"github.com/Klingon-tech/timelocknest/pkg/types"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/tyler-smith/go-bip32"
)

// Owner keys use the Ethereum BIP-44 path m/44'/60'/account'/0/index so a
// mnemonic yields the same addresses as common EVM wallets.
const (
	PurposeBIP44 = bip32.FirstHardenedChild + 44
	CoinTypeETH  = bip32.FirstHardenedChild + 60

	// ChangeExternal is the only chain used for owner keys.
	ChangeExternal = 0
)

// HDKey is a BIP-32 extended key.
type HDKey struct {
	key *bip32.Key
}

// NewMasterKey creates the master key for a 64-byte seed.
func NewMasterKey(seed []byte) (*HDKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	return &HDKey{key: master}, nil
}

// DeriveChild derives one level. Add bip32.FirstHardenedChild to index for
// hardened derivation.
func (k *HDKey) DeriveChild(index uint32) (*HDKey, error) {
	child, err := k.key.NewChildKey(index)
	if err != nil {
		return nil, fmt.Errorf("derive child %d: %w", index, err)
	}
	return &HDKey{key: child}, nil
}

// DerivePath derives along indices in order.
func (k *HDKey) DerivePath(indices ...uint32) (*HDKey, error) {
	cur := k
	for _, idx := range indices {
		next, err := cur.DeriveChild(idx)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// DeriveOwner derives the owner key at m/44'/60'/account'/0/index.
func (k *HDKey) DeriveOwner(account, index uint32) (*HDKey, error) {
	return k.DerivePath(PurposeBIP44, CoinTypeETH, bip32.FirstHardenedChild+account, ChangeExternal, index)
}

// OwnerPath renders the derivation path of DeriveOwner.
func OwnerPath(account, index uint32) string {
	return fmt.Sprintf("m/44'/60'/%d'/0/%d", account, index)
}

// PrivateKeyBytes returns the 32-byte private key, or nil for a public key.
func (k *HDKey) PrivateKeyBytes() []byte {
	if !k.key.IsPrivate {
		return nil
	}
	raw := k.key.Key
	if len(raw) == 33 && raw[0] == 0 {
		return raw[1:]
	}
	return raw
}

// PublicKeyBytes returns the 33-byte compressed public key.
func (k *HDKey) PublicKeyBytes() []byte {
	return k.key.PublicKey().Key
}

// Signer returns the signing key for withdraw authorizations.
func (k *HDKey) Signer() (*crypto.PrivateKey, error) {
	priv := k.PrivateKeyBytes()
	if priv == nil {
		return nil, fmt.Errorf("public key cannot sign")
	}
	return crypto.PrivateKeyFromBytes(priv)
}

// Address returns the EVM address of the key. It works for public-only
// keys by decompressing the public key.
func (k *HDKey) Address() (types.Address, error) {
	pub, err := secp256k1.ParsePubKey(k.PublicKeyBytes())
	if err != nil {
		return types.Address{}, fmt.Errorf("parse public key: %w", err)
	}
	return crypto.AddressFromPubKey(pub.SerializeUncompressed()), nil
}

// IsPrivate reports whether the key can sign.
func (k *HDKey) IsPrivate() bool {
	return k.key.IsPrivate
}

// Depth returns the derivation depth (0 for master).
func (k *HDKey) Depth() uint8 {
	return k.key.Depth
}

// Neuter returns a public-only copy.
func (k *HDKey) Neuter() *HDKey {
	return &HDKey{key: k.key.PublicKey()}
}

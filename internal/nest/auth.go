package nest

import (
	"encoding/binary"

	"github.com/Klingon-tech/timelocknest/pkg/crypto"
	"github.com/Klingon-tech/timelocknest/pkg/types"
)

// withdrawDomain separates withdraw digests from any other signed message.
const withdrawDomain = "timelocknest/withdraw/v1"

// WithdrawDigest is the hash an owner signs to withdraw from nest id.
func WithdrawDigest(id uint64) types.Hash {
	var idb [8]byte
	binary.BigEndian.PutUint64(idb[:], id)
	return crypto.Keccak256([]byte(withdrawDomain), idb[:])
}

// SignWithdraw signs the withdraw digest for nest id.
func SignWithdraw(key *crypto.PrivateKey, id uint64) ([]byte, error) {
	d := WithdrawDigest(id)
	return key.Sign(d[:])
}

// RecoverCaller returns the address that signed the withdraw digest of id.
func RecoverCaller(id uint64, sig []byte) (types.Address, error) {
	d := WithdrawDigest(id)
	return crypto.RecoverAddress(d[:], sig)
}

package wallet

import (
	"github.com/Klingon-tech/timelocknest/pkg/crypto"
	"github.com/Klingon-tech/timelocknest/pkg/types"
)

// Account is an unlocked owner key.
type Account struct {
	Index   uint32
	Name    string
	Path    string
	Address types.Address
	Key     *crypto.PrivateKey
}

// Lock wipes the private key.
func (a *Account) Lock() {
	if a.Key != nil {
		a.Key.Zero()
		a.Key = nil
	}
}

package nest

import (
	"testing"

	"github.com/Klingon-tech/timelocknest/internal/storage"
	"github.com/Klingon-tech/timelocknest/pkg/types"
)

func addr(b byte) types.Address {
	var a types.Address
	a[0] = 0xAA
	a[19] = b
	return a
}

func newTestStore(t *testing.T) (*Store, storage.DB) {
	t.Helper()
	db := storage.NewMemory()
	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s, db
}

func mustCreate(t *testing.T, s *Store, owners []types.Address, unlock, required uint64) uint64 {
	t.Helper()
	id, err := s.Create(owners, unlock, required, 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func assertInvariants(t *testing.T, n *Nest) {
	t.Helper()
	if err := n.checkInvariants(); err != nil {
		t.Fatalf("nest %d: %v", n.ID, err)
	}
}

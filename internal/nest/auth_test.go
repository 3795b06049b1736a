package nest

import (
	"testing"

	"github.com/Klingon-tech/timelocknest/pkg/crypto"
)

func TestWithdrawDigest_PerNest(t *testing.T) {
	if WithdrawDigest(1) == WithdrawDigest(2) {
		t.Error("digests for different nests must differ")
	}
	if WithdrawDigest(1) != WithdrawDigest(1) {
		t.Error("digest is not deterministic")
	}
}

func TestSignWithdraw_RecoverCaller(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	sig, err := SignWithdraw(key, 9)
	if err != nil {
		t.Fatal(err)
	}

	got, err := RecoverCaller(9, sig)
	if err != nil {
		t.Fatalf("RecoverCaller: %v", err)
	}
	if got != key.Address() {
		t.Errorf("recovered %s, want %s", got, key.Address())
	}

	// A signature for nest 9 does not authorize nest 10.
	other, err := RecoverCaller(10, sig)
	if err == nil && other == key.Address() {
		t.Error("signature replayed onto another nest")
	}
}

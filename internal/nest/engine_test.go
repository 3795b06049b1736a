package nest

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Klingon-tech/timelocknest/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, *Store, *Bus) {
	t.Helper()
	s, _ := newTestStore(t)
	bus := NewBus()
	return NewEngine(s, bus), s, bus
}

// Two owners, quorum of two, unlocking ten seconds after T.
func TestConfirm_Scenario(t *testing.T) {
	const T = 1_700_000_000
	e, s, _ := newTestEngine(t)
	A, B := addr(1), addr(2)
	id := mustCreate(t, s, []types.Address{A, B}, T+10, 2)

	if _, err := e.Confirm(id, A, T); !errors.Is(err, ErrUnlockTimeNotReached) {
		t.Fatalf("confirm before unlock: expected ErrUnlockTimeNotReached, got %v", err)
	}

	res, err := e.Confirm(id, A, T+12)
	if err != nil {
		t.Fatalf("confirm A: %v", err)
	}
	if res.Confirmations != 1 || res.Withdrawn {
		t.Fatalf("after A: %+v, want 1/false", res)
	}

	res, err = e.Confirm(id, B, T+12)
	if err != nil {
		t.Fatalf("confirm B: %v", err)
	}
	if res.Confirmations != 2 || !res.Withdrawn {
		t.Fatalf("after B: %+v, want 2/true", res)
	}

	if _, err := e.Confirm(id, A, T+20); !errors.Is(err, ErrAlreadyWithdrawn) {
		t.Fatalf("confirm after withdraw: expected ErrAlreadyWithdrawn, got %v", err)
	}

	n, _ := s.Get(id)
	assertInvariants(t, n)
}

func TestConfirm_BeforeUnlockLeavesRecordUnchanged(t *testing.T) {
	e, s, _ := newTestEngine(t)
	id := mustCreate(t, s, []types.Address{addr(1)}, 100, 1)
	before, _ := s.Raw(id)

	for _, now := range []uint64{0, 1, 50, 99} {
		if _, err := e.Confirm(id, addr(1), now); !errors.Is(err, ErrUnlockTimeNotReached) {
			t.Fatalf("now=%d: expected ErrUnlockTimeNotReached, got %v", now, err)
		}
	}

	after, _ := s.Raw(id)
	if !bytes.Equal(before, after) {
		t.Error("record changed by rejected confirmations")
	}
}

func TestConfirm_UnlockBoundaryInclusive(t *testing.T) {
	e, s, _ := newTestEngine(t)
	id := mustCreate(t, s, []types.Address{addr(1), addr(2)}, 100, 2)
	if _, err := e.Confirm(id, addr(1), 100); err != nil {
		t.Fatalf("confirm at unlock time: %v", err)
	}
}

func TestConfirm_DuplicateCountsOnce(t *testing.T) {
	e, s, _ := newTestEngine(t)
	id := mustCreate(t, s, []types.Address{addr(1), addr(2)}, 0, 2)

	if _, err := e.Confirm(id, addr(1), 1); err != nil {
		t.Fatal(err)
	}
	before, _ := s.Raw(id)
	if _, err := e.Confirm(id, addr(1), 2); !errors.Is(err, ErrAlreadyConfirmed) {
		t.Fatalf("expected ErrAlreadyConfirmed, got %v", err)
	}
	after, _ := s.Raw(id)
	if !bytes.Equal(before, after) {
		t.Error("duplicate confirmation changed the record")
	}

	n, _ := s.Get(id)
	if n.Confirmations != 1 || n.Withdrawn {
		t.Errorf("after duplicate: confirmations=%d withdrawn=%v", n.Confirmations, n.Withdrawn)
	}
}

func TestConfirm_NotAnOwner(t *testing.T) {
	e, s, _ := newTestEngine(t)
	id := mustCreate(t, s, []types.Address{addr(1)}, 0, 1)
	if _, err := e.Confirm(id, addr(9), 10); !errors.Is(err, ErrNotAnOwner) {
		t.Fatalf("expected ErrNotAnOwner, got %v", err)
	}
}

func TestConfirm_NotFound(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if _, err := e.Confirm(7, addr(1), 10); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// Checks run in order: withdrawn before ownership before time before duplicate.
func TestConfirm_CheckOrder(t *testing.T) {
	e, s, _ := newTestEngine(t)

	done := mustCreate(t, s, []types.Address{addr(1)}, 0, 1)
	if _, err := e.Confirm(done, addr(1), 5); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Confirm(done, addr(9), 0); !errors.Is(err, ErrAlreadyWithdrawn) {
		t.Errorf("withdrawn nest, stranger, early: got %v", err)
	}

	locked := mustCreate(t, s, []types.Address{addr(2), addr(3)}, 100, 2)
	if _, err := e.Confirm(locked, addr(9), 0); !errors.Is(err, ErrNotAnOwner) {
		t.Errorf("stranger before unlock: got %v", err)
	}
}

func TestConfirm_WithdrawnIsAbsorbing(t *testing.T) {
	e, s, _ := newTestEngine(t)
	owners := []types.Address{addr(1), addr(2), addr(3)}
	id := mustCreate(t, s, owners, 0, 1)

	res, err := e.Confirm(id, addr(1), 1)
	if err != nil || !res.Withdrawn || res.Confirmations != 1 {
		t.Fatalf("quorum of one: %+v, %v", res, err)
	}
	final, _ := s.Raw(id)

	for _, o := range owners {
		if _, err := e.Confirm(id, o, 1000); !errors.Is(err, ErrAlreadyWithdrawn) {
			t.Errorf("owner %s: expected ErrAlreadyWithdrawn, got %v", o, err)
		}
	}
	after, _ := s.Raw(id)
	if !bytes.Equal(final, after) {
		t.Error("withdrawn record was modified")
	}
}

func TestConfirm_Events(t *testing.T) {
	e, s, bus := newTestEngine(t)
	id := mustCreate(t, s, []types.Address{addr(1), addr(2)}, 0, 2)

	var got []Event
	bus.Subscribe(func(ev Event) { got = append(got, ev) })

	_, _ = e.Confirm(id, addr(1), 1)
	_, _ = e.Confirm(id, addr(1), 1) // rejected, no event
	_, _ = e.Confirm(id, addr(2), 1)

	if len(got) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(got), got)
	}
	if got[0].Kind != EventUserInNest || got[0].User == nil || *got[0].User != addr(1) {
		t.Errorf("first event = %+v", got[0])
	}
	if got[1].Kind != EventNestWithdrawn || got[1].NestID != id {
		t.Errorf("second event = %+v", got[1])
	}
}

func TestConfirm_RacingOwnersFinalizeOnce(t *testing.T) {
	e, s, bus := newTestEngine(t)
	const owners = 16
	list := make([]types.Address, owners)
	for i := range list {
		list[i] = addr(byte(i + 1))
	}
	const required = 5
	id := mustCreate(t, s, list, 0, required)

	var withdrawnEvents int32
	bus.Subscribe(func(ev Event) {
		if ev.Kind == EventNestWithdrawn {
			atomic.AddInt32(&withdrawnEvents, 1)
		}
	})

	var wg sync.WaitGroup
	var finalized, accepted, rejected int32
	for _, o := range list {
		wg.Add(1)
		go func(o types.Address) {
			defer wg.Done()
			res, err := e.Confirm(id, o, 1)
			switch {
			case err == nil:
				atomic.AddInt32(&accepted, 1)
				if res.Withdrawn {
					atomic.AddInt32(&finalized, 1)
				}
			case errors.Is(err, ErrAlreadyWithdrawn):
				atomic.AddInt32(&rejected, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(o)
	}
	wg.Wait()

	if finalized != 1 {
		t.Errorf("finalized %d times, want 1", finalized)
	}
	if withdrawnEvents != 1 {
		t.Errorf("%d NestWithdrawn events, want 1", withdrawnEvents)
	}
	if accepted != required {
		t.Errorf("accepted %d confirmations, want %d", accepted, required)
	}
	if accepted+rejected != owners {
		t.Errorf("accepted+rejected = %d, want %d", accepted+rejected, owners)
	}

	n, _ := s.Get(id)
	assertInvariants(t, n)
	if n.Confirmations != required || !n.Withdrawn {
		t.Errorf("final: confirmations=%d withdrawn=%v", n.Confirmations, n.Withdrawn)
	}
}

func TestConfirm_RacingDuplicatesCountOnce(t *testing.T) {
	e, s, _ := newTestEngine(t)
	id := mustCreate(t, s, []types.Address{addr(1), addr(2)}, 0, 2)

	var wg sync.WaitGroup
	var ok int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Confirm(id, addr(1), 1); err == nil {
				atomic.AddInt32(&ok, 1)
			} else if !errors.Is(err, ErrAlreadyConfirmed) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 {
		t.Errorf("%d successful confirmations by one owner, want 1", ok)
	}
	n, _ := s.Get(id)
	assertInvariants(t, n)
	if n.Confirmations != 1 {
		t.Errorf("confirmations = %d, want 1", n.Confirmations)
	}
}

func TestConfirm_IndependentNestsInParallel(t *testing.T) {
	e, s, _ := newTestEngine(t)
	const nests = 32
	ids := make([]uint64, nests)
	for i := range ids {
		ids[i] = mustCreate(t, s, []types.Address{addr(1), addr(2)}, 0, 2)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for _, o := range []types.Address{addr(1), addr(2)} {
			wg.Add(1)
			go func(id uint64, o types.Address) {
				defer wg.Done()
				if _, err := e.Confirm(id, o, 1); err != nil {
					t.Errorf("nest %d: %v", id, err)
				}
			}(id, o)
		}
	}
	wg.Wait()

	for _, id := range ids {
		n, _ := s.Get(id)
		assertInvariants(t, n)
		if !n.Withdrawn {
			t.Errorf("nest %d not withdrawn", id)
		}
	}
}

func TestEngine_GetInfoAndState(t *testing.T) {
	e, s, _ := newTestEngine(t)
	id := mustCreate(t, s, []types.Address{addr(1), addr(2)}, 100, 2)

	info, err := e.GetInfo(id, 50)
	if err != nil {
		t.Fatal(err)
	}
	if info.ID != id || info.Required != 2 || info.UnlockTime != 100 || info.State != StateLocked {
		t.Errorf("info = %+v", info)
	}

	if st, _ := e.State(id, 150); st != StateUnlockable {
		t.Errorf("state at 150 = %s", st)
	}
	if _, err := e.GetInfo(99, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

package nest

import (
	"bytes"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Klingon-tech/timelocknest/internal/storage"
	"github.com/Klingon-tech/timelocknest/pkg/types"
)

func TestStore_CreateGet(t *testing.T) {
	s, _ := newTestStore(t)
	owners := []types.Address{addr(1), addr(2)}

	id := mustCreate(t, s, owners, 1000, 2)
	if id != 1 {
		t.Fatalf("first id = %d, want 1", id)
	}

	n, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(n.Owners) != 2 || n.Owners[0] != addr(1) || n.Owners[1] != addr(2) {
		t.Errorf("owners = %v", n.Owners)
	}
	if n.UnlockTime != 1000 || n.Required != 2 {
		t.Errorf("unlock=%d required=%d", n.UnlockTime, n.Required)
	}
	if n.Confirmations != 0 || len(n.ConfirmedBy) != 0 || n.Withdrawn {
		t.Errorf("new nest not pristine: %+v", n)
	}
	assertInvariants(t, n)
}

func TestStore_IDsMonotonic(t *testing.T) {
	s, _ := newTestStore(t)
	var last uint64
	for i := 0; i < 5; i++ {
		id := mustCreate(t, s, []types.Address{addr(byte(i + 1))}, 0, 1)
		if id <= last {
			t.Fatalf("id %d not greater than %d", id, last)
		}
		last = id
	}
	if s.Count() != 5 {
		t.Errorf("Count = %d, want 5", s.Count())
	}
}

func TestStore_CreateInvalid(t *testing.T) {
	s, db := newTestStore(t)
	if _, err := s.Create(nil, 10, 1, 0); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters, got %v", err)
	}
	if has, _ := db.Has(keyNextID); has {
		t.Error("failed create must not advance the counter")
	}
}

func TestStore_GetNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Get(42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Apply(42, func(*Nest) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Apply: expected ErrNotFound, got %v", err)
	}
}

func TestStore_ApplyErrorWritesNothing(t *testing.T) {
	s, _ := newTestStore(t)
	id := mustCreate(t, s, []types.Address{addr(1)}, 0, 1)
	before, _ := s.Raw(id)

	boom := errors.New("boom")
	_, err := s.Apply(id, func(n *Nest) error {
		n.Confirmations = 99
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	after, _ := s.Raw(id)
	if !bytes.Equal(before, after) {
		t.Errorf("record changed after failed apply:\n%s\n%s", before, after)
	}
}

func TestStore_ApplyRejectsInvariantBreak(t *testing.T) {
	s, _ := newTestStore(t)
	id := mustCreate(t, s, []types.Address{addr(1)}, 0, 1)

	_, err := s.Apply(id, func(n *Nest) error {
		n.Confirmations++ // without adding a confirmer
		return nil
	})
	if err == nil {
		t.Fatal("expected invariant violation")
	}
	n, _ := s.Get(id)
	if n.Confirmations != 0 {
		t.Errorf("confirmations = %d after rejected apply", n.Confirmations)
	}
}

func TestStore_ForEach(t *testing.T) {
	s, _ := newTestStore(t)
	const total = 40
	for i := 1; i <= total; i++ {
		mustCreate(t, s, []types.Address{addr(byte(i))}, 0, 1)
	}
	var ids []uint64
	if err := s.ForEach(func(n *Nest) error {
		ids = append(ids, n.ID)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(ids) != total {
		t.Fatalf("ForEach visited %d nests, want %d", len(ids), total)
	}
	for i, id := range ids {
		if id != uint64(i+1) {
			t.Fatalf("ids = %v, want ascending from 1", ids)
		}
	}
}

func TestStore_CreateExtraFailure(t *testing.T) {
	db, err := storage.NewPebble(t.TempDir())
	if err != nil {
		t.Fatalf("NewPebble: %v", err)
	}
	defer db.Close()
	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	boom := errors.New("boom")
	_, err = s.create([]types.Address{addr(1)}, 0, 1, 0, func(b storage.Batch, id uint64) error {
		if err := b.Put([]byte("extra"), []byte{1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("create = %v, want boom", err)
	}
	if _, err := s.Get(1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(1) after failed create = %v, want ErrNotFound", err)
	}
	if ok, _ := db.Has([]byte("extra")); ok {
		t.Error("extra write from the failed create is visible")
	}
	if s.Count() != 0 {
		t.Errorf("Count = %d, want 0", s.Count())
	}

	id := mustCreate(t, s, []types.Address{addr(1)}, 0, 1)
	if id != 1 {
		t.Errorf("next id = %d, want 1", id)
	}
}

func TestStore_ConcurrentCreate(t *testing.T) {
	s, _ := newTestStore(t)
	const n = 50
	var wg sync.WaitGroup
	ids := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.Create([]types.Address{addr(byte(i + 1))}, 0, 1, 0)
			if err != nil {
				t.Errorf("Create: %v", err)
				return
			}
			ids <- id
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("id %d allocated twice", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Errorf("got %d ids, want %d", len(seen), n)
	}
}

func TestStore_BadgerReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nests")

	db, err := storage.NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	s, err := NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	id := mustCreate(t, s, []types.Address{addr(1), addr(2)}, 0, 2)
	e := NewEngine(s, nil)
	if _, err := e.Confirm(id, addr(1), 10); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db, err = storage.NewBadger(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	s, err = NewStore(db)
	if err != nil {
		t.Fatal(err)
	}

	n, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if n.Confirmations != 1 || !n.HasConfirmed(addr(1)) {
		t.Errorf("confirmation lost across reopen: %+v", n)
	}
	if next := mustCreate(t, s, []types.Address{addr(3)}, 0, 1); next != id+1 {
		t.Errorf("id after reopen = %d, want %d", next, id+1)
	}
}

func TestNewStore_CorruptCounter(t *testing.T) {
	db := storage.NewMemory()
	_ = db.Put(keyNextID, []byte{1, 2, 3})
	if _, err := NewStore(db); err == nil {
		t.Fatal("expected error for corrupt counter")
	}
}

package storage

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// testDB runs the shared test suite against a DB implementation.
func testDB(t *testing.T, db DB) {
	t.Helper()

	t.Run("PutAndGet", func(t *testing.T) {
		if err := db.Put([]byte("key1"), []byte("value1")); err != nil {
			t.Fatalf("Put() error: %v", err)
		}
		val, err := db.Get([]byte("key1"))
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if !bytes.Equal(val, []byte("value1")) {
			t.Errorf("Get() = %q, want %q", val, "value1")
		}
	})

	t.Run("GetNonexistent", func(t *testing.T) {
		_, err := db.Get([]byte("nonexistent"))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() missing key error = %v, want ErrNotFound", err)
		}
	})

	t.Run("Has", func(t *testing.T) {
		db.Put([]byte("exists"), []byte("yes"))

		ok, err := db.Has([]byte("exists"))
		if err != nil {
			t.Fatalf("Has() error: %v", err)
		}
		if !ok {
			t.Error("Has() = false for existing key")
		}

		ok, err = db.Has([]byte("missing"))
		if err != nil {
			t.Fatalf("Has() error: %v", err)
		}
		if ok {
			t.Error("Has() = true for missing key")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		db.Put([]byte("ow"), []byte("first"))
		db.Put([]byte("ow"), []byte("second"))

		val, err := db.Get([]byte("ow"))
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if !bytes.Equal(val, []byte("second")) {
			t.Errorf("Get() after overwrite = %q, want %q", val, "second")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		db.Put([]byte("del"), []byte("value"))
		if err := db.Delete([]byte("del")); err != nil {
			t.Fatalf("Delete() error: %v", err)
		}
		if ok, _ := db.Has([]byte("del")); ok {
			t.Error("key should be gone after Delete()")
		}
		// Deleting a nonexistent key should not error.
		if err := db.Delete([]byte("never-existed")); err != nil {
			t.Errorf("Delete() nonexistent key error: %v", err)
		}
	})

	t.Run("ReturnedValueIsCopy", func(t *testing.T) {
		db.Put([]byte("copy"), []byte("abc"))
		val, _ := db.Get([]byte("copy"))
		val[0] = 'X'
		again, _ := db.Get([]byte("copy"))
		if !bytes.Equal(again, []byte("abc")) {
			t.Errorf("stored value mutated through Get() result: %q", again)
		}
	})

	t.Run("EmptyValue", func(t *testing.T) {
		if err := db.Put([]byte("empty"), []byte{}); err != nil {
			t.Fatalf("Put() empty value error: %v", err)
		}
		val, err := db.Get([]byte("empty"))
		if err != nil {
			t.Fatalf("Get() empty value error: %v", err)
		}
		if len(val) != 0 {
			t.Errorf("expected empty value, got %d bytes", len(val))
		}
	})

	t.Run("ForEach", func(t *testing.T) {
		db.Put([]byte("prefix/a"), []byte("1"))
		db.Put([]byte("prefix/b"), []byte("2"))
		db.Put([]byte("prefix/c"), []byte("3"))
		db.Put([]byte("other/x"), []byte("4"))

		var count int
		err := db.ForEach([]byte("prefix/"), func(key, value []byte) error {
			count++
			return nil
		})
		if err != nil {
			t.Fatalf("ForEach() error: %v", err)
		}
		if count != 3 {
			t.Errorf("ForEach(prefix/) count = %d, want 3", count)
		}
	})

	t.Run("ForEachStopEarly", func(t *testing.T) {
		stop := errors.New("stop")
		var count int
		err := db.ForEach([]byte("prefix/"), func(key, value []byte) error {
			count++
			return stop
		})
		if !errors.Is(err, stop) {
			t.Fatalf("ForEach() error = %v, want stop", err)
		}
		if count != 1 {
			t.Errorf("ForEach() called fn %d times, want 1", count)
		}
	})

	t.Run("ForEachKeyOrder", func(t *testing.T) {
		for i := 31; i >= 0; i-- {
			db.Put([]byte(fmt.Sprintf("order/%02d", i)), []byte{byte(i)})
		}
		var keys []string
		err := db.ForEach([]byte("order/"), func(key, _ []byte) error {
			keys = append(keys, string(key))
			return nil
		})
		if err != nil {
			t.Fatalf("ForEach() error: %v", err)
		}
		if len(keys) != 32 {
			t.Fatalf("ForEach(order/) count = %d, want 32", len(keys))
		}
		for i, k := range keys {
			if want := fmt.Sprintf("order/%02d", i); k != want {
				t.Fatalf("key[%d] = %q, want %q", i, k, want)
			}
		}
	})

	t.Run("BatchDiscard", func(t *testing.T) {
		b := NewBatch(db)
		b.Put([]byte("discard/a"), []byte("1"))
		b.Discard()
		b.Discard()
		if ok, _ := db.Has([]byte("discard/a")); ok {
			t.Error("discarded batch write is visible")
		}
	})

	t.Run("BatchCommit", func(t *testing.T) {
		db.Put([]byte("batch/old"), []byte("x"))

		b := NewBatch(db)
		b.Put([]byte("batch/a"), []byte("1"))
		b.Put([]byte("batch/b"), []byte("2"))
		b.Delete([]byte("batch/old"))

		// Nothing is visible before Commit.
		if ok, _ := db.Has([]byte("batch/a")); ok {
			t.Fatal("batch write visible before Commit()")
		}
		if err := b.Commit(); err != nil {
			t.Fatalf("Commit() error: %v", err)
		}

		for _, k := range []string{"batch/a", "batch/b"} {
			if ok, _ := db.Has([]byte(k)); !ok {
				t.Errorf("%s missing after Commit()", k)
			}
		}
		if ok, _ := db.Has([]byte("batch/old")); ok {
			t.Error("batch/old should be deleted after Commit()")
		}
		// Discard after Commit is a no-op.
		b.Discard()
		if ok, _ := db.Has([]byte("batch/a")); !ok {
			t.Error("batch/a missing after Discard() following Commit()")
		}
	})
}

func TestMemoryDB(t *testing.T) {
	db := NewMemory()
	defer db.Close()
	testDB(t, db)
}

func TestBadgerDB(t *testing.T) {
	db, err := NewBadger(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	defer db.Close()
	testDB(t, db)
}

func TestPebbleDB(t *testing.T) {
	db, err := NewPebble(t.TempDir())
	if err != nil {
		t.Fatalf("NewPebble() error: %v", err)
	}
	defer db.Close()
	testDB(t, db)
}

func TestFallbackBatch(t *testing.T) {
	// PrefixDB over a wrapper without NewBatch exercises the fallback path.
	db := struct{ DB }{NewMemory()}
	b := NewBatch(db)
	if _, ok := b.(*fallbackBatch); !ok {
		t.Fatalf("NewBatch() = %T, want *fallbackBatch", b)
	}
	b.Put([]byte("k"), []byte("v"))
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}
	if ok, _ := db.Has([]byte("k")); !ok {
		t.Error("fallback batch write missing")
	}
}

func TestBadgerDB_Persistence(t *testing.T) {
	dir := t.TempDir()

	db1, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger() error: %v", err)
	}
	db1.Put([]byte("persist"), []byte("data"))
	db1.Close()

	db2, err := NewBadger(dir)
	if err != nil {
		t.Fatalf("NewBadger() reopen error: %v", err)
	}
	defer db2.Close()

	val, err := db2.Get([]byte("persist"))
	if err != nil {
		t.Fatalf("Get() after reopen error: %v", err)
	}
	if !bytes.Equal(val, []byte("data")) {
		t.Errorf("persisted value = %q, want %q", val, "data")
	}
}

func TestMemoryDB_ConcurrentWrites(t *testing.T) {
	db := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := []byte(fmt.Sprintf("c/%02d", i))
			db.Put(key, []byte("v"))
			db.Get(key)
		}(i)
	}
	wg.Wait()

	var count int
	db.ForEach([]byte("c/"), func(_, _ []byte) error {
		count++
		return nil
	})
	if count != 32 {
		t.Errorf("count = %d, want 32", count)
	}
}

func TestOpen(t *testing.T) {
	for _, backend := range []string{BackendBadger, BackendPebble, BackendMemory} {
		db, err := Open(backend, t.TempDir())
		if err != nil {
			t.Fatalf("Open(%q) error: %v", backend, err)
		}
		db.Close()
	}
	if _, err := Open("leveldb", t.TempDir()); err == nil {
		t.Error("Open() with unknown backend should fail")
	}
}

func TestPrefixUpperBound(t *testing.T) {
	tests := []struct {
		in   []byte
		want []byte
	}{
		{[]byte("n/"), []byte("n0")},
		{[]byte{0x01, 0xFF}, []byte{0x02}},
		{[]byte{0xFF, 0xFF}, nil},
		{nil, nil},
	}
	for _, tt := range tests {
		got := prefixUpperBound(tt.in)
		if !bytes.Equal(got, tt.want) {
			t.Errorf("prefixUpperBound(%x) = %x, want %x", tt.in, got, tt.want)
		}
	}
}

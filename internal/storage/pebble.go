package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleDB implements DB using Pebble. Every write is synced.
type PebbleDB struct {
	db *pebble.DB
}

// NewPebble opens (or creates) a Pebble database at the given path.
func NewPebble(path string) (*PebbleDB, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(32 << 20), // 32 MB cache
		MemTableSize: 16 << 20,                  // 16 MB memtable
	}
	defer opts.Cache.Unref()

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &PebbleDB{db: db}, nil
}

// Get retrieves a value by key. Returns ErrNotFound if the key does not exist.
func (p *PebbleDB) Get(key []byte) ([]byte, error) {
	value, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()

	// The value is only valid until closer.Close().
	return clone(value), nil
}

// Put stores a key-value pair.
func (p *PebbleDB) Put(key, value []byte) error {
	if err := p.db.Set(key, value, pebble.Sync); err != nil {
		return fmt.Errorf("pebble put: %w", err)
	}
	return nil
}

// Delete removes a key.
func (p *PebbleDB) Delete(key []byte) error {
	if err := p.db.Delete(key, pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete: %w", err)
	}
	return nil
}

// Has checks if a key exists.
func (p *PebbleDB) Has(key []byte) (bool, error) {
	_, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pebble has: %w", err)
	}
	closer.Close()
	return true, nil
}

// ForEach iterates over all keys with the given prefix in key order.
func (p *PebbleDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if err := fn(clone(iter.Key()), clone(value)); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Close closes the database.
func (p *PebbleDB) Close() error {
	return p.db.Close()
}

// NewBatch creates a Pebble batch committed with Sync.
func (p *PebbleDB) NewBatch() Batch {
	return &pebbleBatch{batch: p.db.NewBatch()}
}

type pebbleBatch struct {
	batch  *pebble.Batch
	closed bool
}

func (pb *pebbleBatch) Put(key, value []byte) error {
	return pb.batch.Set(key, value, nil)
}

func (pb *pebbleBatch) Delete(key []byte) error {
	return pb.batch.Delete(key, nil)
}

func (pb *pebbleBatch) Commit() error {
	defer pb.Discard()
	if err := pb.batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble batch commit: %w", err)
	}
	return nil
}

func (pb *pebbleBatch) Discard() {
	if pb.closed {
		return
	}
	pb.closed = true
	pb.batch.Close()
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil when no such bound exists (empty or all-0xFF prefix).
func prefixUpperBound(prefix []byte) []byte {
	end := clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

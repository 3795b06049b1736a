package nest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	klog "github.com/Klingon-tech/timelocknest/internal/log"
	"github.com/Klingon-tech/timelocknest/internal/storage"
	"github.com/Klingon-tech/timelocknest/pkg/types"
)

var (
	prefixNest = []byte("n/")      // n/<id(8)> -> Nest JSON
	prefixUser = []byte("u/")      // u/<address(20)> -> id(8)
	keyNextID  = []byte("m/nextid") // next id to allocate
)

// lockShards is the size of the per-id lock table.
const lockShards = 64

// Store persists nest records. Mutations of a single id are serialized
// through a sharded lock table; different ids proceed in parallel.
type Store struct {
	db    storage.DB
	locks [lockShards]sync.Mutex

	idMu   sync.Mutex
	nextID uint64
}

// NewStore opens a nest store on db, loading the id counter.
func NewStore(db storage.DB) (*Store, error) {
	s := &Store{db: db, nextID: 1}
	data, err := db.Get(keyNextID)
	switch {
	case err == nil:
		if len(data) != 8 {
			return nil, fmt.Errorf("nest store: corrupt id counter (%d bytes)", len(data))
		}
		s.nextID = binary.BigEndian.Uint64(data)
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, fmt.Errorf("nest store: load id counter: %w", err)
	}
	return s, nil
}

// Create validates the parameters, allocates a fresh id and stores a new
// nest with no confirmations.
func (s *Store) Create(owners []types.Address, unlockTime, required, createdAt uint64) (uint64, error) {
	n, err := s.create(owners, unlockTime, required, createdAt, nil)
	if err != nil {
		return 0, err
	}
	return n.ID, nil
}

// create writes the record, the bumped counter and whatever extra writes
// the caller adds in a single batch.
func (s *Store) create(owners []types.Address, unlockTime, required, createdAt uint64, extra func(b storage.Batch, id uint64) error) (*Nest, error) {
	if err := ValidateParams(owners, required); err != nil {
		return nil, err
	}

	s.idMu.Lock()
	defer s.idMu.Unlock()

	n := &Nest{
		ID:          s.nextID,
		Owners:      append([]types.Address(nil), owners...),
		UnlockTime:  unlockTime,
		Required:    required,
		ConfirmedBy: []types.Address{},
		CreatedAt:   createdAt,
	}
	data, err := encode(n)
	if err != nil {
		return nil, fmt.Errorf("nest store: marshal: %w", err)
	}

	b := storage.NewBatch(s.db)
	defer b.Discard()
	if err := b.Put(nestKey(n.ID), data); err != nil {
		return nil, fmt.Errorf("nest store: %w", err)
	}
	if err := b.Put(keyNextID, idBytes(n.ID+1)); err != nil {
		return nil, fmt.Errorf("nest store: %w", err)
	}
	if extra != nil {
		if err := extra(b, n.ID); err != nil {
			return nil, err
		}
	}
	if err := b.Commit(); err != nil {
		return nil, fmt.Errorf("nest store: commit: %w", err)
	}

	s.nextID++
	klog.Storage.Debug().Uint64("nest_id", n.ID).Int("owners", len(owners)).Msg("nest stored")
	return n, nil
}

// Get returns a copy of the nest with the given id.
func (s *Store) Get(id uint64) (*Nest, error) {
	data, err := s.db.Get(nestKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("nest store: get %d: %w", id, err)
	}
	n, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("nest store: decode %d: %w", id, err)
	}
	return n, nil
}

// Apply reads the nest, runs mutate on a copy and writes it back while
// holding the id's lock. If mutate fails nothing is written. The stored
// record after the write is returned.
func (s *Store) Apply(id uint64, mutate func(n *Nest) error) (*Nest, error) {
	mu := &s.locks[id%lockShards]
	mu.Lock()
	defer mu.Unlock()

	n, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if err := mutate(n); err != nil {
		return nil, err
	}
	if err := n.checkInvariants(); err != nil {
		return nil, fmt.Errorf("nest %d: invariant violated: %w", id, err)
	}

	data, err := encode(n)
	if err != nil {
		return nil, fmt.Errorf("nest store: marshal: %w", err)
	}
	if err := s.db.Put(nestKey(id), data); err != nil {
		return nil, fmt.Errorf("nest store: put %d: %w", id, err)
	}
	return n.Clone(), nil
}

// ForEach calls fn for every stored nest in id order.
// Return a non-nil error from fn to stop iteration early.
func (s *Store) ForEach(fn func(*Nest) error) error {
	return s.db.ForEach(prefixNest, func(key, value []byte) error {
		if len(key) != len(prefixNest)+8 {
			return nil // Malformed key, skip.
		}
		n, err := decode(value)
		if err != nil {
			klog.Storage.Warn().Err(err).Hex("key", key).Msg("skipping corrupt nest record")
			return nil
		}
		return fn(n)
	})
}

// Count returns the number of nests created so far.
func (s *Store) Count() uint64 {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return s.nextID - 1
}

// Raw returns the stored encoding of a nest.
func (s *Store) Raw(id uint64) ([]byte, error) {
	data, err := s.db.Get(nestKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return data, err
}

func nestKey(id uint64) []byte {
	key := make([]byte, len(prefixNest)+8)
	copy(key, prefixNest)
	binary.BigEndian.PutUint64(key[len(prefixNest):], id)
	return key
}

func userKey(addr types.Address) []byte {
	key := make([]byte, len(prefixUser)+types.AddressSize)
	copy(key, prefixUser)
	copy(key[len(prefixUser):], addr[:])
	return key
}

func idBytes(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

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

// Registry maps each address to at most one active nest. An entry pointing
// at a withdrawn nest is kept for lookups and may be rebound.
type Registry struct {
	mu    sync.Mutex
	store *Store
}

// NewRegistry creates a registry on top of store.
func NewRegistry(store *Store) *Registry {
	return &Registry{store: store}
}

// Lookup returns the nest bound to addr.
func (r *Registry) Lookup(addr types.Address) (uint64, bool, error) {
	data, err := r.store.db.Get(userKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("registry: lookup %s: %w", addr, err)
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("registry: corrupt entry for %s", addr)
	}
	return binary.BigEndian.Uint64(data), true, nil
}

// Bind points addr at nest id. addr must be one of the nest owners. It
// fails with ErrAlreadyBound when addr is bound to a different nest that
// has not been withdrawn.
func (r *Registry) Bind(addr types.Address, id uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.store.Get(id)
	if err != nil {
		return err
	}
	if !n.IsOwner(addr) {
		return fmt.Errorf("%w: %s is not an owner of nest %d", ErrInvalidParameters, addr, id)
	}
	if err := r.checkFree(addr, id); err != nil {
		return err
	}
	if err := r.store.db.Put(userKey(addr), idBytes(id)); err != nil {
		return fmt.Errorf("registry: bind %s: %w", addr, err)
	}
	klog.Registry.Debug().Str("address", addr.String()).Uint64("nest_id", id).Msg("address bound")
	return nil
}

// BindNew creates a nest and binds every owner to it. All owners are checked
// before anything is written, and the record, counter and bindings are
// committed together, so a conflict leaves no trace.
func (r *Registry) BindNew(owners []types.Address, unlockTime, required, createdAt uint64) (*Nest, error) {
	if err := ValidateParams(owners, required); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, o := range owners {
		if err := r.checkFree(o, 0); err != nil {
			return nil, err
		}
	}

	n, err := r.store.create(owners, unlockTime, required, createdAt, func(b storage.Batch, id uint64) error {
		for _, o := range owners {
			if err := b.Put(userKey(o), idBytes(id)); err != nil {
				return fmt.Errorf("registry: bind %s: %w", o, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	klog.Registry.Debug().Uint64("nest_id", n.ID).Int("owners", len(owners)).Msg("owners bound")
	return n, nil
}

// checkFree fails if addr is bound to an active nest other than id.
func (r *Registry) checkFree(addr types.Address, id uint64) error {
	cur, ok, err := r.Lookup(addr)
	if err != nil {
		return err
	}
	if !ok || cur == id {
		return nil
	}
	n, err := r.store.Get(cur)
	if errors.Is(err, ErrNotFound) {
		return nil // Dangling entry.
	}
	if err != nil {
		return err
	}
	if !n.Withdrawn {
		return fmt.Errorf("%w: %s is in nest %d", ErrAlreadyBound, addr, cur)
	}
	return nil
}

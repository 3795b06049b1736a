package nest

import (
	"fmt"

	klog "github.com/Klingon-tech/timelocknest/internal/log"
	"github.com/Klingon-tech/timelocknest/pkg/types"
)

// Engine applies confirmations to nests. It is the only writer of existing
// nest records.
type Engine struct {
	store *Store
	bus   *Bus
}

// NewEngine creates an engine writing to store and publishing to bus.
// bus may be nil.
func NewEngine(store *Store, bus *Bus) *Engine {
	return &Engine{store: store, bus: bus}
}

// Confirm records caller's confirmation of nest id at unix time now. The
// call that brings the count to the quorum also finalizes the nest.
//
// Checks run in a fixed order: existence, withdrawn, ownership, unlock
// time, duplicate. Any failure leaves the record untouched.
func (e *Engine) Confirm(id uint64, caller types.Address, now uint64) (Result, error) {
	n, err := e.store.Apply(id, func(n *Nest) error {
		if n.Withdrawn {
			return fmt.Errorf("%w: nest %d", ErrAlreadyWithdrawn, id)
		}
		if !n.IsOwner(caller) {
			return fmt.Errorf("%w: %s in nest %d", ErrNotAnOwner, caller, id)
		}
		if now < n.UnlockTime {
			return fmt.Errorf("%w: now %d, unlocks at %d", ErrUnlockTimeNotReached, now, n.UnlockTime)
		}
		if n.HasConfirmed(caller) {
			return fmt.Errorf("%w: %s in nest %d", ErrAlreadyConfirmed, caller, id)
		}

		n.ConfirmedBy = append(n.ConfirmedBy, caller)
		n.Confirmations++
		if n.Confirmations >= n.Required {
			n.Withdrawn = true
		}
		return nil
	})
	if err != nil {
		klog.Nest.Debug().Uint64("nest_id", id).Str("caller", caller.String()).Err(err).Msg("confirmation rejected")
		return Result{}, err
	}

	logger := klog.WithNest(id)
	if n.Withdrawn {
		logger.Info().
			Str("caller", caller.String()).
			Uint64("confirmations", n.Confirmations).
			Msg("nest withdrawn")
		e.publish(withdrawnEvent(id))
	} else {
		logger.Info().
			Str("caller", caller.String()).
			Uint64("confirmations", n.Confirmations).
			Uint64("required", n.Required).
			Msg("confirmation accepted")
		e.publish(userEvent(id, caller))
	}

	return Result{Confirmations: n.Confirmations, Withdrawn: n.Withdrawn}, nil
}

// GetInfo returns the read view of nest id, with its state evaluated at now.
func (e *Engine) GetInfo(id uint64, now uint64) (Info, error) {
	n, err := e.store.Get(id)
	if err != nil {
		return Info{}, err
	}
	return n.Info(now), nil
}

// State returns the lifecycle state of nest id at now.
func (e *Engine) State(id uint64, now uint64) (State, error) {
	n, err := e.store.Get(id)
	if err != nil {
		return 0, err
	}
	return n.StateAt(now), nil
}

func (e *Engine) publish(ev Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// Package nest implements time-locked confirmation nests: a fixed set of
// owners that may jointly unlock a deposit once a deadline has passed and a
// quorum of distinct owners has confirmed.
package nest

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/timelocknest/pkg/crypto"
	"github.com/Klingon-tech/timelocknest/pkg/types"
)

// MaxOwners caps the owner set of a single nest.
const MaxOwners = 64

// Errors returned by the nest state machine.
var (
	ErrInvalidParameters    = errors.New("invalid parameters")
	ErrNotFound             = errors.New("nest not found")
	ErrAlreadyBound         = errors.New("address already bound to an active nest")
	ErrNotAnOwner           = errors.New("caller is not an owner")
	ErrUnlockTimeNotReached = errors.New("unlock time not reached")
	ErrAlreadyConfirmed     = errors.New("caller already confirmed")
	ErrAlreadyWithdrawn     = errors.New("nest already withdrawn")
)

// Nest is the persisted record. ConfirmedBy keeps confirmation order and is
// never exposed through Info.
type Nest struct {
	ID            uint64          `json:"id"`
	Owners        []types.Address `json:"owners"`
	UnlockTime    uint64          `json:"unlock_time"`
	Required      uint64          `json:"required"`
	Confirmations uint64          `json:"confirmations"`
	ConfirmedBy   []types.Address `json:"confirmed_by"`
	Withdrawn     bool            `json:"withdrawn"`
	CreatedAt     uint64          `json:"created_at"`
}

// IsOwner reports whether addr is one of the nest owners.
func (n *Nest) IsOwner(addr types.Address) bool {
	return contains(n.Owners, addr)
}

// HasConfirmed reports whether addr already confirmed.
func (n *Nest) HasConfirmed(addr types.Address) bool {
	return contains(n.ConfirmedBy, addr)
}

// StateAt returns the lifecycle state of the nest at unix time now.
func (n *Nest) StateAt(now uint64) State {
	switch {
	case n.Withdrawn:
		return StateFinalized
	case now < n.UnlockTime:
		return StateLocked
	default:
		return StateUnlockable
	}
}

// Info returns the external read view of the nest.
func (n *Nest) Info(now uint64) Info {
	return Info{
		ID:            n.ID,
		Owners:        append([]types.Address(nil), n.Owners...),
		UnlockTime:    n.UnlockTime,
		Withdrawn:     n.Withdrawn,
		Required:      n.Required,
		Confirmations: n.Confirmations,
		CreatedAt:     n.CreatedAt,
		State:         n.StateAt(now),
		StateHash:     n.StateHash(),
	}
}

// StateHash is the BLAKE3 hash of the nest's canonical encoding.
func (n *Nest) StateHash() types.Hash {
	data, err := encode(n)
	if err != nil {
		return types.Hash{}
	}
	return crypto.Hash(data)
}

// Clone returns a deep copy.
func (n *Nest) Clone() *Nest {
	c := *n
	c.Owners = append([]types.Address(nil), n.Owners...)
	c.ConfirmedBy = append([]types.Address{}, n.ConfirmedBy...)
	return &c
}

// checkInvariants verifies the record-level invariants after a mutation.
func (n *Nest) checkInvariants() error {
	if n.Confirmations != uint64(len(n.ConfirmedBy)) {
		return fmt.Errorf("confirmations %d != confirmers %d", n.Confirmations, len(n.ConfirmedBy))
	}
	seen := make(map[types.Address]struct{}, len(n.ConfirmedBy))
	for _, c := range n.ConfirmedBy {
		if !n.IsOwner(c) {
			return fmt.Errorf("confirmer %s is not an owner", c)
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("confirmer %s counted twice", c)
		}
		seen[c] = struct{}{}
	}
	if n.Withdrawn && n.Confirmations < n.Required {
		return fmt.Errorf("withdrawn with %d/%d confirmations", n.Confirmations, n.Required)
	}
	return nil
}

// Info is the read-only view returned to callers.
type Info struct {
	ID            uint64          `json:"nest_id"`
	Owners        []types.Address `json:"owners"`
	UnlockTime    uint64          `json:"unlock_time"`
	Withdrawn     bool            `json:"withdrawn"`
	Required      uint64          `json:"required"`
	Confirmations uint64          `json:"confirmations"`
	CreatedAt     uint64          `json:"created_at"`
	State         State           `json:"state"`
	StateHash     types.Hash      `json:"state_hash"`
}

// State is the derived lifecycle state of a nest.
type State uint8

const (
	StateLocked State = iota
	StateUnlockable
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateUnlockable:
		return "unlockable"
	case StateFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "locked":
		*s = StateLocked
	case "unlockable":
		*s = StateUnlockable
	case "finalized":
		*s = StateFinalized
	default:
		return fmt.Errorf("unknown nest state %q", b)
	}
	return nil
}

// Result is returned by a successful confirmation.
type Result struct {
	Confirmations uint64 `json:"confirmations"`
	Withdrawn     bool   `json:"withdrawn"`
}

// ValidateParams checks creation input.
func ValidateParams(owners []types.Address, required uint64) error {
	if len(owners) == 0 {
		return fmt.Errorf("%w: no owners", ErrInvalidParameters)
	}
	if len(owners) > MaxOwners {
		return fmt.Errorf("%w: %d owners exceeds max %d", ErrInvalidParameters, len(owners), MaxOwners)
	}
	seen := make(map[types.Address]struct{}, len(owners))
	for i, o := range owners {
		if o.IsZero() {
			return fmt.Errorf("%w: owner %d is the zero address", ErrInvalidParameters, i)
		}
		if _, dup := seen[o]; dup {
			return fmt.Errorf("%w: duplicate owner %s", ErrInvalidParameters, o)
		}
		seen[o] = struct{}{}
	}
	if required < 1 || required > uint64(len(owners)) {
		return fmt.Errorf("%w: required %d not in [1, %d]", ErrInvalidParameters, required, len(owners))
	}
	return nil
}

func encode(n *Nest) ([]byte, error) {
	return json.Marshal(n)
}

func decode(data []byte) (*Nest, error) {
	var n Nest
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	if n.ConfirmedBy == nil {
		n.ConfirmedBy = []types.Address{}
	}
	return &n, nil
}

func contains(list []types.Address, addr types.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}

package nest

import (
	"context"
	"fmt"
	"time"

	klog "github.com/Klingon-tech/timelocknest/internal/log"
	"github.com/Klingon-tech/timelocknest/internal/oracle"
	"github.com/Klingon-tech/timelocknest/internal/storage"
	"github.com/Klingon-tech/timelocknest/pkg/types"
)

// BalanceOracle answers encrypted-balance presence queries.
type BalanceOracle interface {
	HasBalance(ctx context.Context, owner types.Address, tokenID uint64) (bool, error)
	HasBalanceByAddress(ctx context.Context, owner, token types.Address) (bool, error)
}

// Coordinator is the entry point for nest operations. It owns the store,
// registry, engine and event bus built on a single database.
type Coordinator struct {
	store    *Store
	registry *Registry
	engine   *Engine
	bus      *Bus
	oracle   BalanceOracle
	clock    func() time.Time
}

// NewCoordinator builds a coordinator on db. oracle may be nil, in which
// case balance queries fail with oracle.ErrOracleUnavailable.
func NewCoordinator(db storage.DB, bo BalanceOracle) (*Coordinator, error) {
	store, err := NewStore(db)
	if err != nil {
		return nil, err
	}
	bus := NewBus()
	return &Coordinator{
		store:    store,
		registry: NewRegistry(store),
		engine:   NewEngine(store, bus),
		bus:      bus,
		oracle:   bo,
		clock:    time.Now,
	}, nil
}

// SetClock replaces the time source used by Withdraw and state labels.
func (c *Coordinator) SetClock(clock func() time.Time) {
	c.clock = clock
}

// Bus returns the event bus.
func (c *Coordinator) Bus() *Bus {
	return c.bus
}

func (c *Coordinator) now() uint64 {
	t := c.clock().Unix()
	if t < 0 {
		return 0
	}
	return uint64(t)
}

// CreateNest creates a nest and binds every owner to it.
func (c *Coordinator) CreateNest(owners []types.Address, unlockTime, required uint64) (uint64, error) {
	n, err := c.registry.BindNew(owners, unlockTime, required, c.now())
	if err != nil {
		return 0, err
	}

	logger := klog.WithNest(n.ID)
	logger.Info().
		Int("owners", len(n.Owners)).
		Uint64("unlock_time", n.UnlockTime).
		Uint64("required", n.Required).
		Msg("nest created")

	c.bus.Publish(createdEvent(n))
	for _, o := range n.Owners {
		c.bus.Publish(userEvent(n.ID, o))
	}
	return n.ID, nil
}

// GetInfoNest returns the read view of nest id.
func (c *Coordinator) GetInfoNest(id uint64) (Info, error) {
	return c.engine.GetInfo(id, c.now())
}

// GetUserNest returns the nest bound to addr, if any.
func (c *Coordinator) GetUserNest(addr types.Address) (uint64, bool, error) {
	return c.registry.Lookup(addr)
}

// Withdraw confirms nest id on behalf of caller at the current time.
func (c *Coordinator) Withdraw(id uint64, caller types.Address) (Result, error) {
	return c.engine.Confirm(id, caller, c.now())
}

// ListNests returns every nest in id order.
func (c *Coordinator) ListNests() ([]Info, error) {
	now := c.now()
	infos := []Info{}
	err := c.store.ForEach(func(n *Nest) error {
		infos = append(infos, n.Info(now))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list nests: %w", err)
	}
	return infos, nil
}

// Count returns the number of nests created.
func (c *Coordinator) Count() uint64 {
	return c.store.Count()
}

// RecentEvents returns up to n of the latest events.
func (c *Coordinator) RecentEvents(n int) []Event {
	return c.bus.Recent(n)
}

// HasEncryptedBalance reports whether owner holds an encrypted balance for tokenID.
func (c *Coordinator) HasEncryptedBalance(ctx context.Context, owner types.Address, tokenID uint64) (bool, error) {
	if c.oracle == nil {
		return false, fmt.Errorf("%w: no oracle", oracle.ErrOracleUnavailable)
	}
	return c.oracle.HasBalance(ctx, owner, tokenID)
}

// HasEncryptedBalanceByAddress reports whether owner holds an encrypted
// balance for the asset at token.
func (c *Coordinator) HasEncryptedBalanceByAddress(ctx context.Context, owner, token types.Address) (bool, error) {
	if c.oracle == nil {
		return false, fmt.Errorf("%w: no oracle", oracle.ErrOracleUnavailable)
	}
	return c.oracle.HasBalanceByAddress(ctx, owner, token)
}

// OracleSource names the configured balance oracle, or "none".
func (c *Coordinator) OracleSource() string {
	if named, ok := c.oracle.(interface{ Source() string }); ok {
		return named.Source()
	}
	return oracle.ModeNone
}

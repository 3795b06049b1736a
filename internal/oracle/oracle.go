// Package oracle answers "does this owner hold an encrypted balance for this
// asset" queries against the external encrypted-balance subsystem.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	klog "github.com/Klingon-tech/timelocknest/internal/log"
	"github.com/Klingon-tech/timelocknest/pkg/types"
)

// ErrOracleUnavailable is returned whenever a query could not be answered.
// It is never used to mean "no balance".
var ErrOracleUnavailable = errors.New("oracle unavailable")

// Source modes.
const (
	ModeNone   = "none"
	ModeStatic = "static"
	ModeRPC    = "rpc"
)

// DefaultTimeout bounds a single query when none is configured.
const DefaultTimeout = 5 * time.Second

// Source is a backend able to answer balance-presence queries.
type Source interface {
	Name() string
	HasBalance(ctx context.Context, owner types.Address, tokenID uint64) (bool, error)
	HasBalanceByAddress(ctx context.Context, owner, token types.Address) (bool, error)
}

// Adapter wraps a Source, bounds each query with a timeout, and folds every
// failure into ErrOracleUnavailable.
type Adapter struct {
	src     Source
	timeout time.Duration
}

// NewAdapter creates an adapter over src.
func NewAdapter(src Source, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Adapter{src: src, timeout: timeout}
}

// Source returns the name of the underlying source.
func (a *Adapter) Source() string {
	if a == nil || a.src == nil {
		return ModeNone
	}
	return a.src.Name()
}

// HasBalance reports whether owner holds an encrypted balance for tokenID.
func (a *Adapter) HasBalance(ctx context.Context, owner types.Address, tokenID uint64) (bool, error) {
	if a == nil || a.src == nil {
		return false, fmt.Errorf("%w: no source configured", ErrOracleUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	ok, err := a.src.HasBalance(ctx, owner, tokenID)
	if err != nil {
		return false, a.fail(err, owner)
	}
	return ok, nil
}

// HasBalanceByAddress reports whether owner holds an encrypted balance for
// the asset at token. The zero token address is rejected as malformed.
func (a *Adapter) HasBalanceByAddress(ctx context.Context, owner, token types.Address) (bool, error) {
	if a == nil || a.src == nil {
		return false, fmt.Errorf("%w: no source configured", ErrOracleUnavailable)
	}
	if token.IsZero() {
		return false, fmt.Errorf("%w: malformed token address", ErrOracleUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	ok, err := a.src.HasBalanceByAddress(ctx, owner, token)
	if err != nil {
		return false, a.fail(err, owner)
	}
	return ok, nil
}

func (a *Adapter) fail(err error, owner types.Address) error {
	klog.Oracle.Warn().
		Str("source", a.src.Name()).
		Str("owner", owner.String()).
		Err(err).
		Msg("balance query failed")
	if errors.Is(err, ErrOracleUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
}

// New builds an adapter for the given mode. endpoint is only used by
// ModeRPC and balances only by ModeStatic.
func New(mode, endpoint string, timeout time.Duration, balances []string) (*Adapter, error) {
	if len(balances) > 0 && mode != ModeStatic {
		return nil, fmt.Errorf("static balances require oracle mode %q", ModeStatic)
	}
	switch mode {
	case "", ModeNone:
		return NewAdapter(NoneSource{}, timeout), nil
	case ModeStatic:
		src := NewStaticSource()
		if err := src.Load(balances); err != nil {
			return nil, err
		}
		klog.Oracle.Info().Int("entries", len(balances)).Msg("static balance table loaded")
		return NewAdapter(src, timeout), nil
	case ModeRPC:
		if endpoint == "" {
			return nil, fmt.Errorf("oracle mode %q requires an endpoint", mode)
		}
		return NewAdapter(NewRPCSource(endpoint, timeout), timeout), nil
	default:
		return nil, fmt.Errorf("unknown oracle mode %q", mode)
	}
}

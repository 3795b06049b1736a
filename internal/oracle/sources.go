package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Klingon-tech/timelocknest/internal/rpcclient"
	"github.com/Klingon-tech/timelocknest/pkg/types"
)

// NoneSource answers every query with ErrOracleUnavailable.
type NoneSource struct{}

func (NoneSource) Name() string { return ModeNone }

func (NoneSource) HasBalance(context.Context, types.Address, uint64) (bool, error) {
	return false, errors.New("no oracle configured")
}

func (NoneSource) HasBalanceByAddress(context.Context, types.Address, types.Address) (bool, error) {
	return false, errors.New("no oracle configured")
}

type idKey struct {
	owner   types.Address
	tokenID uint64
}

type addrKey struct {
	owner types.Address
	token types.Address
}

// StaticSource is an in-memory balance table.
type StaticSource struct {
	mu    sync.RWMutex
	ids   map[idKey]bool
	addrs map[addrKey]bool
}

// NewStaticSource creates an empty static source.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		ids:   make(map[idKey]bool),
		addrs: make(map[addrKey]bool),
	}
}

func (s *StaticSource) Name() string { return ModeStatic }

// Set records whether owner holds tokenID.
func (s *StaticSource) Set(owner types.Address, tokenID uint64, has bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[idKey{owner, tokenID}] = has
}

// SetByAddress records whether owner holds the asset at token.
func (s *StaticSource) SetByAddress(owner, token types.Address, has bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrs[addrKey{owner, token}] = has
}

// Load records a balance for every entry. An entry is "<owner>:<token>",
// where token is a decimal token id or a 0x-prefixed token address.
func (s *StaticSource) Load(entries []string) error {
	for _, e := range entries {
		ownerStr, tokenStr, ok := strings.Cut(strings.TrimSpace(e), ":")
		if !ok {
			return fmt.Errorf("static balance %q: want <owner>:<token>", e)
		}
		owner, err := types.ParseAddress(ownerStr)
		if err != nil {
			return fmt.Errorf("static balance %q: owner: %w", e, err)
		}
		if strings.HasPrefix(tokenStr, "0x") || strings.HasPrefix(tokenStr, "0X") {
			token, err := types.ParseAddress(tokenStr)
			if err != nil {
				return fmt.Errorf("static balance %q: token: %w", e, err)
			}
			if token.IsZero() {
				return fmt.Errorf("static balance %q: zero token address", e)
			}
			s.SetByAddress(owner, token, true)
			continue
		}
		id, err := strconv.ParseUint(tokenStr, 10, 64)
		if err != nil {
			return fmt.Errorf("static balance %q: token id: %w", e, err)
		}
		s.Set(owner, id, true)
	}
	return nil
}

func (s *StaticSource) HasBalance(_ context.Context, owner types.Address, tokenID uint64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ids[idKey{owner, tokenID}], nil
}

func (s *StaticSource) HasBalanceByAddress(_ context.Context, owner, token types.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addrs[addrKey{owner, token}], nil
}

// RPC methods served by the encrypted-balance indexer.
const (
	MethodHasBalance          = "eerc_hasBalance"
	MethodHasBalanceByAddress = "eerc_hasBalanceByAddress"
)

// RPCSource queries an external JSON-RPC encrypted-balance indexer.
type RPCSource struct {
	client *rpcclient.Client
}

// NewRPCSource creates a source posting to endpoint.
func NewRPCSource(endpoint string, timeout time.Duration) *RPCSource {
	return &RPCSource{client: rpcclient.NewWithTimeout(endpoint, timeout)}
}

func (s *RPCSource) Name() string { return ModeRPC }

type hasBalanceParams struct {
	Owner   types.Address `json:"owner"`
	TokenID uint64        `json:"token_id"`
}

type hasBalanceByAddressParams struct {
	Owner types.Address `json:"owner"`
	Token types.Address `json:"token"`
}

func (s *RPCSource) HasBalance(ctx context.Context, owner types.Address, tokenID uint64) (bool, error) {
	var has *bool
	if err := s.client.CallContext(ctx, MethodHasBalance, hasBalanceParams{Owner: owner, TokenID: tokenID}, &has); err != nil {
		return false, err
	}
	return deref(has)
}

func (s *RPCSource) HasBalanceByAddress(ctx context.Context, owner, token types.Address) (bool, error) {
	var has *bool
	if err := s.client.CallContext(ctx, MethodHasBalanceByAddress, hasBalanceByAddressParams{Owner: owner, Token: token}, &has); err != nil {
		return false, err
	}
	return deref(has)
}

// A missing result is a malformed reply, not a zero balance.
func deref(has *bool) (bool, error) {
	if has == nil {
		return false, errors.New("empty result")
	}
	return *has, nil
}

package rpc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Klingon-tech/timelocknest/config"
	"github.com/Klingon-tech/timelocknest/internal/nest"
	"github.com/Klingon-tech/timelocknest/internal/oracle"
	"github.com/Klingon-tech/timelocknest/pkg/crypto"
)

// ── Nest endpoints ──────────────────────────────────────────────────────

func (s *Server) handleNestCreate(req *Request) (interface{}, *Error) {
	var params NestCreateParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	id, err := s.coord.CreateNest(params.Owners, params.UnlockTime, params.Required)
	if err != nil {
		return nil, nestError(err)
	}
	return &NestCreateResult{NestID: id}, nil
}

func (s *Server) handleNestGetInfo(req *Request) (interface{}, *Error) {
	var params NestIDParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	info, err := s.coord.GetInfoNest(params.NestID)
	if err != nil {
		return nil, nestError(err)
	}
	return &info, nil
}

func (s *Server) handleNestGetUserNest(req *Request) (interface{}, *Error) {
	var params AddressParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Address.IsZero() {
		return nil, &Error{Code: CodeInvalidParams, Message: "address is required"}
	}
	id, found, err := s.coord.GetUserNest(params.Address)
	if err != nil {
		return nil, nestError(err)
	}
	return &UserNestResult{Address: params.Address, NestID: id, Found: found}, nil
}

func (s *Server) handleNestWithdraw(req *Request) (interface{}, *Error) {
	var params NestWithdrawParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	sig, err := decodeSignature(params.Signature)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
	}
	caller, err := nest.RecoverCaller(params.NestID, sig)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid signature: %v", err)}
	}
	if params.Caller != nil && *params.Caller != caller {
		return nil, nestError(fmt.Errorf("%w: signed by %s, not %s", nest.ErrNotAnOwner, caller, *params.Caller))
	}

	res, err := s.coord.Withdraw(params.NestID, caller)
	if err != nil {
		return nil, nestError(err)
	}
	return &WithdrawResult{
		NestID:        params.NestID,
		Caller:        caller,
		Confirmations: res.Confirmations,
		Withdrawn:     res.Withdrawn,
	}, nil
}

func (s *Server) handleNestList(_ *Request) (interface{}, *Error) {
	infos, err := s.coord.ListNests()
	if err != nil {
		return nil, nestError(err)
	}
	return infos, nil
}

func (s *Server) handleNestEvents(req *Request) (interface{}, *Error) {
	var params EventsParam
	if len(req.Params) > 0 && string(req.Params) != "null" {
		if err := parseParams(req, &params); err != nil {
			return nil, err
		}
	}
	if params.Limit < 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "limit must not be negative"}
	}
	events := s.coord.RecentEvents(params.Limit)
	if events == nil {
		events = []nest.Event{}
	}
	return events, nil
}

// ── Balance endpoints ───────────────────────────────────────────────────

func (s *Server) handleBalanceHasEncrypted(ctx context.Context, req *Request) (interface{}, *Error) {
	var params HasEncryptedParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, oracleCallTimeout)
	defer cancel()
	has, err := s.coord.HasEncryptedBalance(ctx, params.Owner, params.TokenID)
	if err != nil {
		return nil, nestError(err)
	}
	return &HasBalanceResult{HasBalance: has, Source: s.coord.OracleSource()}, nil
}

func (s *Server) handleBalanceHasEncryptedByAddress(ctx context.Context, req *Request) (interface{}, *Error) {
	var params HasEncryptedByAddressParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, oracleCallTimeout)
	defer cancel()
	has, err := s.coord.HasEncryptedBalanceByAddress(ctx, params.Owner, params.Token)
	if err != nil {
		return nil, nestError(err)
	}
	return &HasBalanceResult{HasBalance: has, Source: s.coord.OracleSource()}, nil
}

// ── Node and network endpoints ──────────────────────────────────────────

func (s *Server) handleNodeGetInfo(_ *Request) (interface{}, *Error) {
	res := &NodeInfoResult{
		Version: config.Version,
		Network: s.network,
		Addrs:   []string{},
		Nests:   s.coord.Count(),
		Oracle:  s.coord.OracleSource(),
	}
	if s.p2pNode != nil {
		res.PeerID = s.p2pNode.ID().String()
		res.Peers = s.p2pNode.PeerCount()
		if addrs := s.p2pNode.Addrs(); addrs != nil {
			res.Addrs = addrs
		}
	}
	return res, nil
}

func (s *Server) handleNetGetPeerInfo(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &PeerInfoResult{Peers: []PeerInfo{}}, nil
	}
	peers := s.p2pNode.PeerList()
	infos := make([]PeerInfo, len(peers))
	for i, p := range peers {
		infos[i] = PeerInfo{
			ID:          p.ID.String(),
			ConnectedAt: p.ConnectedAt.UTC().Format(time.RFC3339),
			Source:      p.Source,
			Events:      p.Events,
		}
	}
	return &PeerInfoResult{Count: len(infos), Peers: infos}, nil
}

func (s *Server) handleNetGetBanList(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &BanListResult{Bans: []BanEntry{}}, nil
	}
	records := s.p2pNode.BanManager.BanList()
	entries := make([]BanEntry, len(records))
	for i, r := range records {
		entries[i] = BanEntry{
			ID:        r.ID,
			Reason:    r.Reason,
			Score:     r.Score,
			BannedAt:  r.BannedAt,
			ExpiresAt: r.ExpiresAt,
		}
	}
	return &BanListResult{Count: len(entries), Bans: entries}, nil
}

// ── Helpers ─────────────────────────────────────────────────────────────

// nestErrors maps sentinel errors to their RPC code and taxonomy name.
var nestErrors = []struct {
	err  error
	code int
	name string
}{
	{nest.ErrInvalidParameters, CodeInvalidParameters, "InvalidParameters"},
	{nest.ErrNotFound, CodeNotFound, "NotFound"},
	{nest.ErrAlreadyBound, CodeAlreadyBound, "AlreadyBound"},
	{nest.ErrNotAnOwner, CodeNotAnOwner, "NotAnOwner"},
	{nest.ErrUnlockTimeNotReached, CodeUnlockTimeNotReached, "UnlockTimeNotReached"},
	{nest.ErrAlreadyConfirmed, CodeAlreadyConfirmed, "AlreadyConfirmed"},
	{nest.ErrAlreadyWithdrawn, CodeAlreadyWithdrawn, "AlreadyWithdrawn"},
	{oracle.ErrOracleUnavailable, CodeOracleUnavailable, "OracleUnavailable"},
}

// nestError converts a coordinator error into an RPC error. Anything not in
// the taxonomy is an internal error.
func nestError(err error) *Error {
	for _, e := range nestErrors {
		if errors.Is(err, e.err) {
			return &Error{Code: e.code, Message: err.Error(), Data: ErrorData{Error: e.name}}
		}
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}

func decodeSignature(s string) ([]byte, error) {
	if s == "" {
		return nil, errors.New("signature is required")
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(raw) != crypto.SignatureSize {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureSize, len(raw))
	}
	return raw, nil
}

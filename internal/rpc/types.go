package rpc

import (
	"encoding/json"

	"github.com/Klingon-tech/timelocknest/pkg/types"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Nest error codes. The taxonomy name is carried in data.error.
const (
	CodeInvalidParameters    = -32010
	CodeNotFound             = -32011
	CodeAlreadyBound         = -32012
	CodeNotAnOwner           = -32013
	CodeUnlockTimeNotReached = -32014
	CodeAlreadyConfirmed     = -32015
	CodeAlreadyWithdrawn     = -32016
	CodeOracleUnavailable    = -32017
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorData is attached to nest errors.
type ErrorData struct {
	Error string `json:"error"`
}

// ── Param types ─────────────────────────────────────────────────────────

// NestCreateParam is used by nest_create.
type NestCreateParam struct {
	Owners     []types.Address `json:"owners"`
	UnlockTime uint64          `json:"unlock_time"`
	Required   uint64          `json:"required"`
}

// NestIDParam is used by nest_getInfo.
type NestIDParam struct {
	NestID uint64 `json:"nest_id"`
}

// AddressParam is used by nest_getUserNest.
type AddressParam struct {
	Address types.Address `json:"address"`
}

// NestWithdrawParam is used by nest_withdraw. Signature is the hex encoded
// 65-byte recoverable signature over the withdraw digest. Caller, when set,
// must match the recovered signer.
type NestWithdrawParam struct {
	NestID    uint64         `json:"nest_id"`
	Signature string         `json:"signature"`
	Caller    *types.Address `json:"caller,omitempty"`
}

// EventsParam is used by nest_events. A zero limit returns the whole buffer.
type EventsParam struct {
	Limit int `json:"limit"`
}

// HasEncryptedParam is used by balance_hasEncrypted.
type HasEncryptedParam struct {
	Owner   types.Address `json:"owner"`
	TokenID uint64        `json:"token_id"`
}

// HasEncryptedByAddressParam is used by balance_hasEncryptedByAddress.
type HasEncryptedByAddressParam struct {
	Owner types.Address `json:"owner"`
	Token types.Address `json:"token"`
}

// ── Result types ────────────────────────────────────────────────────────

// NestCreateResult is returned by nest_create.
type NestCreateResult struct {
	NestID uint64 `json:"nest_id"`
}

// UserNestResult is returned by nest_getUserNest.
type UserNestResult struct {
	Address types.Address `json:"address"`
	NestID  uint64        `json:"nest_id"`
	Found   bool          `json:"found"`
}

// WithdrawResult is returned by nest_withdraw.
type WithdrawResult struct {
	NestID        uint64        `json:"nest_id"`
	Caller        types.Address `json:"caller"`
	Confirmations uint64        `json:"confirmations"`
	Withdrawn     bool          `json:"withdrawn"`
}

// HasBalanceResult is returned by the balance_* methods.
type HasBalanceResult struct {
	HasBalance bool   `json:"has_balance"`
	Source     string `json:"source"`
}

// NodeInfoResult is returned by node_getInfo.
type NodeInfoResult struct {
	Version string   `json:"version"`
	Network string   `json:"network"`
	PeerID  string   `json:"peer_id"`
	Addrs   []string `json:"addrs"`
	Peers   int      `json:"peers"`
	Nests   uint64   `json:"nests"`
	Oracle  string   `json:"oracle"`
}

// PeerInfo describes one connected peer.
type PeerInfo struct {
	ID          string `json:"id"`
	ConnectedAt string `json:"connected_at"`
	Source      string `json:"source,omitempty"`
	Events      uint64 `json:"events"`
}

// PeerInfoResult is returned by net_getPeerInfo.
type PeerInfoResult struct {
	Count int        `json:"count"`
	Peers []PeerInfo `json:"peers"`
}

// BanEntry describes one banned peer.
type BanEntry struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// BanListResult is returned by net_getBanList.
type BanListResult struct {
	Count int        `json:"count"`
	Bans  []BanEntry `json:"bans"`
}

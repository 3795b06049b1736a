package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/Klingon-tech/timelocknest/config"
	klog "github.com/Klingon-tech/timelocknest/internal/log"
	"github.com/Klingon-tech/timelocknest/internal/nest"
	"github.com/Klingon-tech/timelocknest/internal/oracle"
	"github.com/Klingon-tech/timelocknest/internal/storage"
	"github.com/Klingon-tech/timelocknest/pkg/crypto"
	"github.com/Klingon-tech/timelocknest/pkg/types"
)

const testStart = 1_700_000_000

// testEnv holds a live server and the coordinator behind it.
type testEnv struct {
	server *Server
	coord  *nest.Coordinator
	static *oracle.StaticSource
	now    time.Time
	keys   []*crypto.PrivateKey
	url    string
}

func (e *testEnv) owner(i int) types.Address { return e.keys[i].Address() }

func setupTestEnv(t *testing.T, rpcCfg ...config.RPCConfig) *testEnv {
	t.Helper()
	klog.Init("error", false, "")

	static := oracle.NewStaticSource()
	coord, err := nest.NewCoordinator(storage.NewMemory(), oracle.NewAdapter(static, time.Second))
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	env := &testEnv{coord: coord, static: static, now: time.Unix(testStart, 0)}
	coord.SetClock(func() time.Time { return env.now })

	for i := 0; i < 3; i++ {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		env.keys = append(env.keys, key)
	}

	srv := New("127.0.0.1:0", coord, nil, rpcCfg...)
	srv.SetNetwork("testnet")
	if err := srv.Start(); err != nil {
		t.Fatalf("start rpc: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	env.server = srv
	env.url = fmt.Sprintf("http://%s/", srv.Addr())
	return env
}

func rpcCall(t *testing.T, url, method string, params interface{}) Response {
	t.Helper()
	req := map[string]interface{}{"jsonrpc": "2.0", "method": method, "id": 1}
	if params != nil {
		req["params"] = params
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", method, err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rpcResp
}

// decodeResult re-decodes a successful response's result into out.
func decodeResult(t *testing.T, resp Response, out interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	data, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("re-marshal result: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

// expectNestError checks the code and the taxonomy name in data.error.
func expectNestError(t *testing.T, resp Response, code int, name string) {
	t.Helper()
	if resp.Error == nil {
		t.Fatalf("expected %s error, got result %v", name, resp.Result)
	}
	if resp.Error.Code != code {
		t.Errorf("code = %d, want %d (%s)", resp.Error.Code, code, resp.Error.Message)
	}
	data, _ := resp.Error.Data.(map[string]interface{})
	if data["error"] != name {
		t.Errorf("data.error = %v, want %s", data["error"], name)
	}
}

func (e *testEnv) createNest(t *testing.T, unlock uint64, required uint64, owners ...int) uint64 {
	t.Helper()
	addrs := make([]types.Address, len(owners))
	for i, o := range owners {
		addrs[i] = e.owner(o)
	}
	var res NestCreateResult
	decodeResult(t, rpcCall(t, e.url, "nest_create", NestCreateParam{Owners: addrs, UnlockTime: unlock, Required: required}), &res)
	return res.NestID
}

func (e *testEnv) withdraw(t *testing.T, id uint64, signer int, caller *types.Address) Response {
	t.Helper()
	sig, err := nest.SignWithdraw(e.keys[signer], id)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return rpcCall(t, e.url, "nest_withdraw", NestWithdrawParam{NestID: id, Signature: "0x" + hex.EncodeToString(sig), Caller: caller})
}

// ── Nest methods ────────────────────────────────────────────────────────

func TestRPC_NestLifecycle(t *testing.T) {
	env := setupTestEnv(t)
	id := env.createNest(t, testStart+10, 2, 0, 1)
	if id != 1 {
		t.Fatalf("first nest id = %d, want 1", id)
	}

	expectNestError(t, env.withdraw(t, id, 0, nil), CodeUnlockTimeNotReached, "UnlockTimeNotReached")

	env.now = env.now.Add(11 * time.Second)
	var res WithdrawResult
	decodeResult(t, env.withdraw(t, id, 0, nil), &res)
	if res.Confirmations != 1 || res.Withdrawn || res.Caller != env.owner(0) {
		t.Errorf("first withdraw = %+v", res)
	}

	expectNestError(t, env.withdraw(t, id, 0, nil), CodeAlreadyConfirmed, "AlreadyConfirmed")

	decodeResult(t, env.withdraw(t, id, 1, nil), &res)
	if res.Confirmations != 2 || !res.Withdrawn {
		t.Errorf("second withdraw = %+v", res)
	}

	var info nest.Info
	decodeResult(t, rpcCall(t, env.url, "nest_getInfo", NestIDParam{NestID: id}), &info)
	if !info.Withdrawn || info.State != nest.StateFinalized || info.Confirmations != 2 || info.Required != 2 {
		t.Errorf("info = %+v", info)
	}
	if info.StateHash.IsZero() {
		t.Error("state hash should be set")
	}

	expectNestError(t, env.withdraw(t, id, 1, nil), CodeAlreadyWithdrawn, "AlreadyWithdrawn")
}

func TestRPC_NestCreate_Invalid(t *testing.T) {
	env := setupTestEnv(t)
	resp := rpcCall(t, env.url, "nest_create", NestCreateParam{Owners: []types.Address{env.owner(0)}, UnlockTime: 1, Required: 2})
	expectNestError(t, resp, CodeInvalidParameters, "InvalidParameters")

	resp = rpcCall(t, env.url, "nest_create", NestCreateParam{UnlockTime: 1, Required: 1})
	expectNestError(t, resp, CodeInvalidParameters, "InvalidParameters")
}

func TestRPC_NestCreate_AlreadyBound(t *testing.T) {
	env := setupTestEnv(t)
	env.createNest(t, testStart, 1, 0)
	resp := rpcCall(t, env.url, "nest_create", NestCreateParam{Owners: []types.Address{env.owner(0), env.owner(1)}, UnlockTime: testStart, Required: 1})
	expectNestError(t, resp, CodeAlreadyBound, "AlreadyBound")
}

func TestRPC_NestGetInfo_NotFound(t *testing.T) {
	env := setupTestEnv(t)
	expectNestError(t, rpcCall(t, env.url, "nest_getInfo", NestIDParam{NestID: 42}), CodeNotFound, "NotFound")
}

func TestRPC_NestGetUserNest(t *testing.T) {
	env := setupTestEnv(t)
	id := env.createNest(t, testStart, 1, 0, 1)

	var res UserNestResult
	decodeResult(t, rpcCall(t, env.url, "nest_getUserNest", map[string]string{"address": env.owner(1).String()}), &res)
	if !res.Found || res.NestID != id {
		t.Errorf("owner lookup = %+v", res)
	}

	decodeResult(t, rpcCall(t, env.url, "nest_getUserNest", map[string]string{"address": env.owner(2).String()}), &res)
	if res.Found || res.NestID != 0 {
		t.Errorf("stranger lookup = %+v", res)
	}

	resp := rpcCall(t, env.url, "nest_getUserNest", map[string]string{"address": "0xnothex"})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Errorf("bad address: %+v", resp.Error)
	}
}

func TestRPC_NestWithdraw_ForeignSigner(t *testing.T) {
	env := setupTestEnv(t)
	id := env.createNest(t, testStart, 1, 0, 1)
	expectNestError(t, env.withdraw(t, id, 2, nil), CodeNotAnOwner, "NotAnOwner")
}

func TestRPC_NestWithdraw_CallerMismatch(t *testing.T) {
	env := setupTestEnv(t)
	id := env.createNest(t, testStart, 1, 0, 1)

	// Owner 1 claims to be owner 0 but signs with its own key.
	claimed := env.owner(0)
	expectNestError(t, env.withdraw(t, id, 1, &claimed), CodeNotAnOwner, "NotAnOwner")

	var info nest.Info
	decodeResult(t, rpcCall(t, env.url, "nest_getInfo", NestIDParam{NestID: id}), &info)
	if info.Confirmations != 0 {
		t.Errorf("rejected withdraw changed state: %+v", info)
	}

	matching := env.owner(1)
	var res WithdrawResult
	decodeResult(t, env.withdraw(t, id, 1, &matching), &res)
	if !res.Withdrawn {
		t.Errorf("withdraw with matching caller = %+v", res)
	}
}

func TestRPC_NestWithdraw_SignatureForOtherNest(t *testing.T) {
	env := setupTestEnv(t)
	first := env.createNest(t, testStart, 2, 0, 1)

	// A signature over nest 2's digest recovers to some other address for nest 1.
	sig, _ := nest.SignWithdraw(env.keys[0], first+1)
	resp := rpcCall(t, env.url, "nest_withdraw", NestWithdrawParam{NestID: first, Signature: hex.EncodeToString(sig)})
	if resp.Error == nil {
		t.Fatal("replayed signature should be rejected")
	}
	if resp.Error.Code != CodeNotAnOwner && resp.Error.Code != CodeInvalidParams {
		t.Errorf("code = %d", resp.Error.Code)
	}
}

func TestRPC_NestWithdraw_BadSignature(t *testing.T) {
	env := setupTestEnv(t)
	id := env.createNest(t, testStart, 1, 0)
	for _, sig := range []string{"", "zz", "0x" + hex.EncodeToString(make([]byte, 10)), "0x" + hex.EncodeToString(make([]byte, 65))} {
		resp := rpcCall(t, env.url, "nest_withdraw", NestWithdrawParam{NestID: id, Signature: sig})
		if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
			t.Errorf("signature %q: error = %+v", sig, resp.Error)
		}
	}
}

func TestRPC_NestListAndEvents(t *testing.T) {
	env := setupTestEnv(t)
	env.createNest(t, testStart, 1, 0)
	env.createNest(t, testStart, 2, 1, 2)

	var list []nest.Info
	decodeResult(t, rpcCall(t, env.url, "nest_list", nil), &list)
	if len(list) != 2 || list[0].ID != 1 || list[1].ID != 2 {
		t.Fatalf("nest_list = %+v", list)
	}

	var events []nest.Event
	decodeResult(t, rpcCall(t, env.url, "nest_events", nil), &events)
	// Two NestCreated plus one UserInNest per owner.
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	if events[0].Kind != nest.EventNestCreated || events[0].NestID != 1 {
		t.Errorf("first event = %+v", events[0])
	}

	decodeResult(t, rpcCall(t, env.url, "nest_events", EventsParam{Limit: 2}), &events)
	if len(events) != 2 || events[1].NestID != 2 {
		t.Errorf("limited events = %+v", events)
	}

	resp := rpcCall(t, env.url, "nest_events", EventsParam{Limit: -1})
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Errorf("negative limit: %+v", resp.Error)
	}
}

// ── Balance methods ─────────────────────────────────────────────────────

func TestRPC_BalanceHasEncrypted(t *testing.T) {
	env := setupTestEnv(t)
	env.static.Set(env.owner(0), 7, true)
	token := types.Address{0xee}
	env.static.SetByAddress(env.owner(1), token, true)

	var res HasBalanceResult
	decodeResult(t, rpcCall(t, env.url, "balance_hasEncrypted", HasEncryptedParam{Owner: env.owner(0), TokenID: 7}), &res)
	if !res.HasBalance || res.Source != oracle.ModeStatic {
		t.Errorf("token id query = %+v", res)
	}
	decodeResult(t, rpcCall(t, env.url, "balance_hasEncrypted", HasEncryptedParam{Owner: env.owner(0), TokenID: 8}), &res)
	if res.HasBalance {
		t.Error("unknown token id should be false")
	}

	decodeResult(t, rpcCall(t, env.url, "balance_hasEncryptedByAddress", HasEncryptedByAddressParam{Owner: env.owner(1), Token: token}), &res)
	if !res.HasBalance {
		t.Error("address query should be true")
	}
}

func TestRPC_BalanceOracleUnavailable(t *testing.T) {
	klog.Init("error", false, "")
	coord, err := nest.NewCoordinator(storage.NewMemory(), nil)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	srv := New("127.0.0.1:0", coord, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Stop()
	url := fmt.Sprintf("http://%s/", srv.Addr())

	resp := rpcCall(t, url, "balance_hasEncrypted", HasEncryptedParam{Owner: types.Address{1}, TokenID: 1})
	expectNestError(t, resp, CodeOracleUnavailable, "OracleUnavailable")

	resp = rpcCall(t, url, "balance_hasEncryptedByAddress", HasEncryptedByAddressParam{Owner: types.Address{1}})
	expectNestError(t, resp, CodeOracleUnavailable, "OracleUnavailable")
}

// ── Node and network methods ────────────────────────────────────────────

func TestRPC_NodeGetInfo(t *testing.T) {
	env := setupTestEnv(t)
	env.createNest(t, testStart, 1, 0)

	var res NodeInfoResult
	decodeResult(t, rpcCall(t, env.url, "node_getInfo", nil), &res)
	if res.Version != config.Version || res.Network != "testnet" || res.Nests != 1 || res.Oracle != oracle.ModeStatic {
		t.Errorf("node info = %+v", res)
	}
	if res.PeerID != "" || res.Peers != 0 {
		t.Errorf("node without p2p reported peers: %+v", res)
	}
}

func TestRPC_NetWithoutP2P(t *testing.T) {
	env := setupTestEnv(t)
	var peers PeerInfoResult
	decodeResult(t, rpcCall(t, env.url, "net_getPeerInfo", nil), &peers)
	if peers.Count != 0 || peers.Peers == nil {
		t.Errorf("peer info = %+v", peers)
	}
	var bans BanListResult
	decodeResult(t, rpcCall(t, env.url, "net_getBanList", nil), &bans)
	if bans.Count != 0 {
		t.Errorf("ban list = %+v", bans)
	}
}

// ── Protocol errors ─────────────────────────────────────────────────────

func TestRPC_MethodNotFound(t *testing.T) {
	env := setupTestEnv(t)
	resp := rpcCall(t, env.url, "chain_getInfo", nil)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Errorf("error = %+v", resp.Error)
	}
}

func TestRPC_MissingParams(t *testing.T) {
	env := setupTestEnv(t)
	for _, method := range []string{"nest_create", "nest_getInfo", "nest_withdraw", "balance_hasEncrypted"} {
		resp := rpcCall(t, env.url, method, nil)
		if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
			t.Errorf("%s without params: %+v", method, resp.Error)
		}
	}
}

func TestRPC_InvalidJSON(t *testing.T) {
	env := setupTestEnv(t)
	resp, err := http.Post(env.url, "application/json", bytes.NewReader([]byte("not json")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)
	if rpcResp.Error == nil || rpcResp.Error.Code != CodeParseError {
		t.Errorf("error = %+v", rpcResp.Error)
	}
}

func TestRPC_WrongVersion(t *testing.T) {
	env := setupTestEnv(t)
	resp, err := http.Post(env.url, "application/json", bytes.NewReader([]byte(`{"jsonrpc":"1.0","method":"nest_list","id":1}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)
	if rpcResp.Error == nil || rpcResp.Error.Code != CodeInvalidRequest {
		t.Errorf("error = %+v", rpcResp.Error)
	}
}

func TestRPC_GetMethodNotAllowed(t *testing.T) {
	env := setupTestEnv(t)
	resp, err := http.Get(env.url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)
	if rpcResp.Error == nil || rpcResp.Error.Code != CodeInvalidRequest {
		t.Errorf("error = %+v", rpcResp.Error)
	}
}

func TestRPC_BodyTooLarge(t *testing.T) {
	env := setupTestEnv(t)
	resp, err := http.Post(env.url, "application/json", bytes.NewReader(make([]byte, maxBodySize+10)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var rpcResp Response
	json.NewDecoder(resp.Body).Decode(&rpcResp)
	if rpcResp.Error == nil || rpcResp.Error.Code != CodeInvalidRequest {
		t.Errorf("error = %+v", rpcResp.Error)
	}
}

// ── IP filtering and CORS ───────────────────────────────────────────────

func TestRPC_IPFilter(t *testing.T) {
	allowed := setupTestEnv(t, config.RPCConfig{AllowedIPs: []string{"127.0.0.1"}})
	if resp := rpcCall(t, allowed.url, "nest_list", nil); resp.Error != nil {
		t.Errorf("127.0.0.1 should be allowed: %s", resp.Error.Message)
	}

	blocked := setupTestEnv(t, config.RPCConfig{AllowedIPs: []string{"10.0.0.0/8"}})
	resp, err := http.Post(blocked.url, "application/json", bytes.NewReader([]byte(`{"jsonrpc":"2.0","method":"nest_list","id":1}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestParseAllowedIPs(t *testing.T) {
	nets := parseAllowedIPs([]string{"10.0.0.0/8", "192.168.1.5", "::1", "garbage"})
	if len(nets) != 3 {
		t.Fatalf("parsed %d networks, want 3", len(nets))
	}
	if ones, _ := nets[1].Mask.Size(); ones != 32 {
		t.Errorf("single IPv4 mask = /%d", ones)
	}
	if ones, _ := nets[2].Mask.Size(); ones != 128 {
		t.Errorf("single IPv6 mask = /%d", ones)
	}
}

func corsRequest(t *testing.T, url, method, origin string) *http.Response {
	t.Helper()
	var body *bytes.Reader
	if method == http.MethodPost {
		body = bytes.NewReader([]byte(`{"jsonrpc":"2.0","method":"nest_list","id":1}`))
	} else {
		body = bytes.NewReader(nil)
	}
	req, _ := http.NewRequest(method, url, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", origin)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRPC_CORS(t *testing.T) {
	wild := setupTestEnv(t, config.RPCConfig{CORSOrigins: []string{"*"}})
	if got := corsRequest(t, wild.url, http.MethodPost, "http://example.com").Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("wildcard origin = %q", got)
	}
	pre := corsRequest(t, wild.url, http.MethodOptions, "http://example.com")
	if pre.StatusCode != http.StatusNoContent || pre.Header.Get("Access-Control-Allow-Methods") == "" {
		t.Errorf("preflight status=%d methods=%q", pre.StatusCode, pre.Header.Get("Access-Control-Allow-Methods"))
	}

	specific := setupTestEnv(t, config.RPCConfig{CORSOrigins: []string{"http://myapp.com"}})
	if got := corsRequest(t, specific.url, http.MethodPost, "http://myapp.com").Header.Get("Access-Control-Allow-Origin"); got != "http://myapp.com" {
		t.Errorf("specific origin = %q", got)
	}
	if got := corsRequest(t, specific.url, http.MethodPost, "http://evil.com").Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unlisted origin got %q", got)
	}

	off := setupTestEnv(t)
	if got := corsRequest(t, off.url, http.MethodPost, "http://example.com").Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disabled CORS sent %q", got)
	}
}

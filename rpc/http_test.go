package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"

	"fulfillchain/core/events"
	"fulfillchain/core/state"
	"fulfillchain/native/bank"
	"fulfillchain/native/escrow"
	"fulfillchain/native/fulfillment"
	"fulfillchain/native/registry"
	"fulfillchain/native/tokenlist"
	"fulfillchain/storage"
)

func testAddr(b byte) [20]byte {
	var addr [20]byte
	addr[19] = b
	return addr
}

var (
	ownerAddr       = testAddr(0x01)
	orchAddr        = testAddr(0x02)
	routerAddr      = testAddr(0x03)
	vaultAddr       = testAddr(0x04)
	payerAddr       = testAddr(0x10)
	fulfillerAddr   = testAddr(0x11)
	beneficiaryAddr = testAddr(0x12)
	strangerAddr    = testAddr(0x66)
)

type testEnv struct {
	server *Server
	http   *httptest.Server
	bank   *bank.Bank
}

func newTestEnv(t *testing.T, authSecret string) *testEnv {
	t.Helper()
	st := state.NewManager(storage.NewMemDB())

	directory := registry.NewRegistry(st, ownerAddr)
	if err := directory.SetManager(ownerAddr, orchAddr); err != nil {
		t.Fatalf("set directory manager: %v", err)
	}
	tokens := tokenlist.NewList(st, ownerAddr)

	custody := bank.NewBank(st, ownerAddr)
	moduleAcct := bank.NewModuleAccount(custody, orchAddr)
	vaultAcct := bank.NewVaultAccount(custody, vaultAddr)

	native := escrow.NewLedger(ownerAddr)
	native.SetState(st)
	native.SetTransferer(moduleAcct)
	native.SetNowFunc(func() int64 { return 1_700_000_000 })
	if err := native.SetRegistry(ownerAddr, directory); err != nil {
		t.Fatalf("set registry: %v", err)
	}
	if err := native.SetManager(ownerAddr, orchAddr); err != nil {
		t.Fatalf("set manager: %v", err)
	}
	if err := native.SetRouter(ownerAddr, routerAddr); err != nil {
		t.Fatalf("set router: %v", err)
	}

	token := escrow.NewTokenLedger(ownerAddr, vaultAddr)
	token.SetState(st)
	token.SetTransferer(vaultAcct)
	token.SetNowFunc(func() int64 { return 1_700_000_000 })
	if err := token.SetRegistry(ownerAddr, directory); err != nil {
		t.Fatalf("set token registry: %v", err)
	}
	if err := token.SetManager(ownerAddr, orchAddr); err != nil {
		t.Fatalf("set token manager: %v", err)
	}
	if err := token.SetRouter(ownerAddr, routerAddr); err != nil {
		t.Fatalf("set token router: %v", err)
	}

	stream := events.NewStream(64)
	native.SetEmitter(stream)
	token.SetEmitter(stream)
	directory.SetEmitter(stream)
	tokens.SetEmitter(stream)

	orch := fulfillment.NewOrchestrator(orchAddr, ownerAddr, directory, native, token)

	srv := NewServer(Deps{
		Orch:       orch,
		Native:     native,
		Token:      token,
		Directory:  directory,
		Tokens:     tokens,
		Stream:     stream,
		Bank:       custody,
		Funds:      moduleAcct,
		RouterAddr: routerAddr,
		AuthSecret: authSecret,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{server: srv, http: ts, bank: custody}
}

func (e *testEnv) call(t *testing.T, method string, params interface{}, headers map[string]string) *rpcResponse {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, e.http.URL, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("call %s: %v", method, err)
	}
	defer resp.Body.Close()
	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &out
}

func (e *testEnv) mustCall(t *testing.T, method string, params interface{}) map[string]interface{} {
	t.Helper()
	resp := e.call(t, method, params, nil)
	if resp.Error != nil {
		t.Fatalf("%s failed: %d %s", method, resp.Error.Code, resp.Error.Message)
	}
	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		t.Fatalf("%s: unexpected result shape %T", method, resp.Result)
	}
	return result
}

func hex(addr [20]byte) string { return common.Address(addr).Hex() }

// seedService registers service 7 with no fee, allow-lists one reference and
// funds the payer with native value.
func (e *testEnv) seedService(t *testing.T) {
	t.Helper()
	e.mustCall(t, "fulfillment_setService", map[string]interface{}{
		"caller":      hex(ownerAddr),
		"serviceId":   7,
		"feeAmount":   "0",
		"fulfiller":   hex(fulfillerAddr),
		"beneficiary": hex(beneficiaryAddr),
	})
	e.mustCall(t, "fulfillment_setServiceRef", map[string]interface{}{
		"caller":    hex(ownerAddr),
		"serviceId": 7,
		"ref":       "plan-basic",
	})
	e.mustCall(t, "bank_mint", map[string]interface{}{
		"caller":  hex(ownerAddr),
		"account": hex(payerAddr),
		"amount":  "1000",
	})
}

func (e *testEnv) nativeBalance(t *testing.T, account [20]byte) string {
	t.Helper()
	result := e.mustCall(t, "bank_balance", map[string]interface{}{"account": hex(account)})
	return result["balance"].(string)
}

func TestNativeLifecycleOverRPC(t *testing.T) {
	env := newTestEnv(t, "")
	env.seedService(t)

	rec := env.mustCall(t, "escrow_deposit", map[string]interface{}{
		"caller":     hex(payerAddr),
		"serviceId":  7,
		"serviceRef": "plan-basic",
		"amount":     "100",
		"fiatAmount": "1.00 USD",
	})
	if rec["status"] != "PENDING" {
		t.Fatalf("expected PENDING record, got %v", rec["status"])
	}
	if rec["id"].(float64) != 1 {
		t.Fatalf("expected record id 1, got %v", rec["id"])
	}
	if got := env.nativeBalance(t, payerAddr); got != "900" {
		t.Fatalf("deposit must collect value from payer, balance %s", got)
	}

	balances := env.mustCall(t, "escrow_balances", map[string]interface{}{
		"serviceId": 7,
		"payer":     hex(payerAddr),
	})
	if balances["deposit"] != "100" {
		t.Fatalf("expected deposit 100, got %v", balances["deposit"])
	}

	settled := env.mustCall(t, "fulfillment_register", map[string]interface{}{
		"caller":     hex(fulfillerAddr),
		"serviceId":  7,
		"recordId":   1,
		"status":     "SUCCESS",
		"externalId": "inv-42",
		"receiptUri": "https://receipts.example/42",
	})
	if settled["status"] != "SUCCESS" {
		t.Fatalf("expected SUCCESS, got %v", settled["status"])
	}
	if settled["externalId"] != "inv-42" {
		t.Fatalf("external id not absorbed: %v", settled["externalId"])
	}

	paid := env.mustCall(t, "fulfillment_beneficiaryWithdraw", map[string]interface{}{
		"caller":    hex(fulfillerAddr),
		"serviceId": 7,
	})
	if paid["amount"] != "100" {
		t.Fatalf("expected payout 100, got %v", paid["amount"])
	}
	if got := env.nativeBalance(t, beneficiaryAddr); got != "100" {
		t.Fatalf("beneficiary should hold the payout, got %s", got)
	}
}

func TestRefundLifecycleOverRPC(t *testing.T) {
	env := newTestEnv(t, "")
	env.seedService(t)

	env.mustCall(t, "escrow_deposit", map[string]interface{}{
		"caller":     hex(payerAddr),
		"serviceId":  7,
		"serviceRef": "plan-basic",
		"amount":     "100",
	})
	env.mustCall(t, "fulfillment_register", map[string]interface{}{
		"caller":    hex(fulfillerAddr),
		"serviceId": 7,
		"recordId":  1,
		"status":    "FAILED",
	})
	balances := env.mustCall(t, "escrow_balances", map[string]interface{}{
		"serviceId": 7,
		"payer":     hex(payerAddr),
	})
	if balances["refund"] != "100" {
		t.Fatalf("expected refund 100, got %v", balances["refund"])
	}
	refunded := env.mustCall(t, "fulfillment_withdrawRefund", map[string]interface{}{
		"caller":    hex(fulfillerAddr),
		"serviceId": 7,
		"refundee":  hex(payerAddr),
	})
	if refunded["amount"] != "100" {
		t.Fatalf("expected refund payout 100, got %v", refunded["amount"])
	}
	if got := env.nativeBalance(t, payerAddr); got != "1000" {
		t.Fatalf("payer should be made whole, got %s", got)
	}
}

func TestTokenDepositRequiresAllowList(t *testing.T) {
	env := newTestEnv(t, "")
	env.seedService(t)
	tokenAddr := testAddr(0xA0)
	env.mustCall(t, "bank_mint", map[string]interface{}{
		"caller":  hex(ownerAddr),
		"account": hex(payerAddr),
		"token":   hex(tokenAddr),
		"amount":  "500",
	})

	resp := env.call(t, "escrow_depositToken", map[string]interface{}{
		"caller":     hex(payerAddr),
		"serviceId":  7,
		"serviceRef": "plan-basic",
		"token":      hex(tokenAddr),
		"amount":     "200",
	}, nil)
	if resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("expected invalid params for unlisted token, got %+v", resp.Error)
	}

	env.mustCall(t, "tokenlist_add", map[string]interface{}{
		"caller": hex(ownerAddr),
		"token":  hex(tokenAddr),
	})
	rec := env.mustCall(t, "escrow_depositToken", map[string]interface{}{
		"caller":     hex(payerAddr),
		"serviceId":  7,
		"serviceRef": "plan-basic",
		"token":      hex(tokenAddr),
		"amount":     "200",
	})
	if rec["token"] != hex(tokenAddr) {
		t.Fatalf("record missing token address: %v", rec["token"])
	}
	held := env.mustCall(t, "bank_balance", map[string]interface{}{
		"account": hex(vaultAddr),
		"token":   hex(tokenAddr),
	})
	if held["balance"] != "200" {
		t.Fatalf("expected vault to hold 200, got %v", held["balance"])
	}
}

func TestTokenAllowListAdministration(t *testing.T) {
	env := newTestEnv(t, "")
	tokenAddr := testAddr(0xA0)

	resp := env.call(t, "tokenlist_add", map[string]interface{}{
		"caller": hex(strangerAddr),
		"token":  hex(tokenAddr),
	}, nil)
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized for stranger, got %+v", resp.Error)
	}

	env.mustCall(t, "tokenlist_add", map[string]interface{}{
		"caller": hex(ownerAddr),
		"token":  hex(tokenAddr),
	})
	listed := env.mustCall(t, "tokenlist_isListed", map[string]interface{}{"token": hex(tokenAddr)})
	if listed["listed"] != true {
		t.Fatalf("token should be listed after add, got %v", listed["listed"])
	}

	resp = env.call(t, "tokenlist_remove", map[string]interface{}{
		"caller": hex(strangerAddr),
		"token":  hex(tokenAddr),
	}, nil)
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized remove, got %+v", resp.Error)
	}

	env.mustCall(t, "tokenlist_remove", map[string]interface{}{
		"caller": hex(ownerAddr),
		"token":  hex(tokenAddr),
	})
	listed = env.mustCall(t, "tokenlist_isListed", map[string]interface{}{"token": hex(tokenAddr)})
	if listed["listed"] != false {
		t.Fatalf("token should be delisted after remove, got %v", listed["listed"])
	}
}

func TestServiceDirectoryAdministration(t *testing.T) {
	env := newTestEnv(t, "")
	env.seedService(t)
	newBeneficiary := testAddr(0x22)
	newFulfiller := testAddr(0x23)

	resp := env.call(t, "registry_updateFee", map[string]interface{}{
		"caller":    hex(strangerAddr),
		"serviceId": 7,
		"feeAmount": "25",
	}, nil)
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized fee update, got %+v", resp.Error)
	}

	env.mustCall(t, "registry_updateFee", map[string]interface{}{
		"caller":    hex(ownerAddr),
		"serviceId": 7,
		"feeAmount": "25",
	})
	env.mustCall(t, "registry_updateBeneficiary", map[string]interface{}{
		"caller":      hex(ownerAddr),
		"serviceId":   7,
		"beneficiary": hex(newBeneficiary),
	})
	env.mustCall(t, "registry_updateFulfiller", map[string]interface{}{
		"caller":    hex(ownerAddr),
		"serviceId": 7,
		"fulfiller": hex(newFulfiller),
	})

	svc := env.mustCall(t, "registry_getService", map[string]interface{}{"serviceId": 7})
	if svc["feeAmount"] != "25" {
		t.Fatalf("fee update not reflected, got %v", svc["feeAmount"])
	}
	if svc["beneficiary"] != hex(newBeneficiary) {
		t.Fatalf("beneficiary update not reflected, got %v", svc["beneficiary"])
	}
	if svc["fulfiller"] != hex(newFulfiller) {
		t.Fatalf("fulfiller update not reflected, got %v", svc["fulfiller"])
	}
}

func TestRemoveServiceOverRPC(t *testing.T) {
	env := newTestEnv(t, "")
	env.seedService(t)

	resp := env.call(t, "registry_removeService", map[string]interface{}{
		"caller":    hex(strangerAddr),
		"serviceId": 7,
	}, nil)
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized removal, got %+v", resp.Error)
	}

	env.mustCall(t, "registry_removeService", map[string]interface{}{
		"caller":    hex(ownerAddr),
		"serviceId": 7,
	})
	resp = env.call(t, "registry_getService", map[string]interface{}{"serviceId": 7}, nil)
	if resp.Error == nil {
		t.Fatal("expected error for removed service")
	}
}

func TestCanFulfillOverRPC(t *testing.T) {
	env := newTestEnv(t, "")
	env.seedService(t)
	extraFulfiller := testAddr(0x30)

	can := env.mustCall(t, "registry_canFulfill", map[string]interface{}{
		"fulfiller": hex(extraFulfiller),
		"serviceId": 7,
	})
	if can["can"] != false {
		t.Fatalf("unregistered fulfiller should not qualify, got %v", can["can"])
	}

	env.mustCall(t, "fulfillment_addFulfiller", map[string]interface{}{
		"caller":    hex(ownerAddr),
		"fulfiller": hex(extraFulfiller),
		"serviceId": 7,
	})
	can = env.mustCall(t, "registry_canFulfill", map[string]interface{}{
		"fulfiller": hex(extraFulfiller),
		"serviceId": 7,
	})
	if can["can"] != true {
		t.Fatalf("registered fulfiller should qualify, got %v", can["can"])
	}
}

func TestDepositRejectsUnknownRef(t *testing.T) {
	env := newTestEnv(t, "")
	env.seedService(t)

	resp := env.call(t, "escrow_deposit", map[string]interface{}{
		"caller":     hex(payerAddr),
		"serviceId":  7,
		"serviceRef": "plan-unknown",
		"amount":     "100",
	}, nil)
	if resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Fatalf("expected invalid params, got %+v", resp.Error)
	}
	if got := env.nativeBalance(t, payerAddr); got != "1000" {
		t.Fatalf("rejected deposit must not move funds, got %s", got)
	}
}

func TestUnfundedDepositIsRejected(t *testing.T) {
	env := newTestEnv(t, "")
	env.seedService(t)

	resp := env.call(t, "escrow_deposit", map[string]interface{}{
		"caller":     hex(strangerAddr),
		"serviceId":  7,
		"serviceRef": "plan-basic",
		"amount":     "100",
	}, nil)
	if resp.Error == nil {
		t.Fatal("expected error for unfunded payer")
	}
}

func TestStrangerCannotSettle(t *testing.T) {
	env := newTestEnv(t, "")
	env.seedService(t)
	env.mustCall(t, "escrow_deposit", map[string]interface{}{
		"caller":     hex(payerAddr),
		"serviceId":  7,
		"serviceRef": "plan-basic",
		"amount":     "100",
	})

	resp := env.call(t, "fulfillment_register", map[string]interface{}{
		"caller":    hex(strangerAddr),
		"serviceId": 7,
		"recordId":  1,
		"status":    "SUCCESS",
	}, nil)
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", resp.Error)
	}
}

func TestBankMintRequiresOwner(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.call(t, "bank_mint", map[string]interface{}{
		"caller":  hex(strangerAddr),
		"account": hex(strangerAddr),
		"amount":  "1000",
	}, nil)
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", resp.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.call(t, "escrow_frobnicate", map[string]interface{}{}, nil)
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", resp.Error)
	}
}

func TestEventsRecentOverRPC(t *testing.T) {
	env := newTestEnv(t, "")
	env.seedService(t)
	env.mustCall(t, "escrow_deposit", map[string]interface{}{
		"caller":     hex(payerAddr),
		"serviceId":  7,
		"serviceRef": "plan-basic",
		"amount":     "100",
	})
	result := env.mustCall(t, "events_recent", map[string]interface{}{"limit": 10})
	list, ok := result["events"].([]interface{})
	if !ok || len(list) == 0 {
		t.Fatalf("expected recent events, got %v", result["events"])
	}
}

func signToken(t *testing.T, secret string, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestBearerAuthResolvesCaller(t *testing.T) {
	const secret = "test-secret"
	env := newTestEnv(t, secret)

	// No token on an authenticated method.
	resp := env.call(t, "fulfillment_setService", map[string]interface{}{
		"serviceId":   7,
		"feeAmount":   "5",
		"fulfiller":   hex(fulfillerAddr),
		"beneficiary": hex(beneficiaryAddr),
	}, nil)
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized without token, got %+v", resp.Error)
	}

	// Owner token creates the service; the caller field is ignored.
	headers := map[string]string{"Authorization": "Bearer " + signToken(t, secret, hex(ownerAddr))}
	resp = env.call(t, "fulfillment_setService", map[string]interface{}{
		"caller":      hex(strangerAddr),
		"serviceId":   7,
		"feeAmount":   "5",
		"fulfiller":   hex(fulfillerAddr),
		"beneficiary": hex(beneficiaryAddr),
	}, headers)
	if resp.Error != nil {
		t.Fatalf("owner token rejected: %+v", resp.Error)
	}

	// A stranger's token cannot administer services.
	headers = map[string]string{"Authorization": "Bearer " + signToken(t, secret, hex(strangerAddr))}
	resp = env.call(t, "fulfillment_setService", map[string]interface{}{
		"serviceId":   8,
		"feeAmount":   "5",
		"fulfiller":   hex(fulfillerAddr),
		"beneficiary": hex(beneficiaryAddr),
	}, headers)
	if resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized for stranger token, got %+v", resp.Error)
	}

	// Queries stay open.
	resp = env.call(t, "registry_getService", map[string]interface{}{"serviceId": 7}, nil)
	if resp.Error != nil {
		t.Fatalf("query should not require auth: %+v", resp.Error)
	}
}

func TestMalformedPayload(t *testing.T) {
	env := newTestEnv(t, "")
	resp, err := http.Post(env.http.URL, "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Error == nil || out.Error.Code != codeParseError {
		t.Fatalf("expected parse error, got %+v", out.Error)
	}
}

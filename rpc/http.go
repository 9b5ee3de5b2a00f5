package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fulfillchain/core/events"
	"fulfillchain/native/bank"
	"fulfillchain/native/escrow"
	"fulfillchain/native/fulfillment"
	"fulfillchain/native/registry"
	"fulfillchain/native/tokenlist"
	"fulfillchain/observability/metrics"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
)

// NativeFunds is the custody surface the deposit path uses: attached native
// value is collected from the payer before the ledger is credited, and pushed
// back if crediting fails.
type NativeFunds interface {
	Collect(payer [20]byte, amount *big.Int) error
	Release(to [20]byte, amount *big.Int) error
}

// Server exposes the fulfillment protocol over JSON-RPC. Deposit methods run
// under the configured router identity; settlement and administrative
// methods run under the authenticated caller's address.
type Server struct {
	log        *slog.Logger
	orch       *fulfillment.Orchestrator
	native     *escrow.Ledger
	token      *escrow.TokenLedger
	directory  *registry.Registry
	tokens     *tokenlist.List
	stream     *events.Stream
	bank       *bank.Bank
	funds      NativeFunds
	routerAddr [20]byte
	authSecret []byte
	metrics    *metrics.EscrowMetrics
}

// Deps bundles the server's collaborators. Bank and Funds are optional; when
// Funds is nil native deposits do not move custody balances, which is only
// suitable for tests.
type Deps struct {
	Log        *slog.Logger
	Orch       *fulfillment.Orchestrator
	Native     *escrow.Ledger
	Token      *escrow.TokenLedger
	Directory  *registry.Registry
	Tokens     *tokenlist.List
	Stream     *events.Stream
	Bank       *bank.Bank
	Funds      NativeFunds
	RouterAddr [20]byte
	AuthSecret string
}

// NewServer constructs the RPC server. An empty auth secret disables bearer
// authentication; callers then supply their address explicitly, which is only
// acceptable for development networks.
func NewServer(deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:        log,
		orch:       deps.Orch,
		native:     deps.Native,
		token:      deps.Token,
		directory:  deps.Directory,
		tokens:     deps.Tokens,
		stream:     deps.Stream,
		bank:       deps.Bank,
		funds:      deps.Funds,
		routerAddr: deps.RouterAddr,
		authSecret: []byte(deps.AuthSecret),
		metrics:    metrics.Escrow(),
	}
}

// Router assembles the HTTP routes: the JSON-RPC endpoint plus prometheus
// exposition and a liveness probe.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Post("/", s.handle)
	return r
}

// Serve runs the HTTP server until the context is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("rpc server listening", slog.String("addr", addr))
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		s.writeError(w, nil, codeParseError, "unable to read request body")
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, nil, codeParseError, "invalid JSON payload")
		return
	}
	if req.JSONRPC != jsonRPCVersion || req.Method == "" {
		s.writeError(w, req.ID, codeInvalidRequest, "invalid JSON-RPC request")
		return
	}

	caller, authErr := s.authenticate(r)

	handler, ok := s.methods()[req.Method]
	if !ok {
		s.metrics.ObserveRPC(req.Method, "not_found")
		s.writeError(w, req.ID, codeMethodNotFound, "unknown method "+req.Method)
		return
	}
	if handler.authenticated && authErr != nil {
		s.metrics.ObserveRPC(req.Method, "unauthorized")
		s.writeError(w, req.ID, codeUnauthorized, authErr.Error())
		return
	}

	result, err := handler.fn(callerContext{addr: caller}, req.Params)
	if err != nil {
		s.metrics.ObserveRPC(req.Method, "error")
		s.writeError(w, req.ID, errorCode(err), err.Error())
		return
	}
	s.metrics.ObserveRPC(req.Method, "ok")
	s.writeResult(w, req.ID, result)
}

type callerContext struct {
	addr [20]byte
}

type methodHandler struct {
	authenticated bool
	fn            func(callerContext, json.RawMessage) (interface{}, error)
}

func (s *Server) methods() map[string]methodHandler {
	return map[string]methodHandler{
		"fulfillment_setService":               {true, s.handleSetService},
		"fulfillment_setServiceRef":            {true, s.handleSetServiceRef},
		"fulfillment_addFulfiller":             {true, s.handleAddFulfiller},
		"fulfillment_register":                 {true, s.handleRegister},
		"fulfillment_registerToken":            {true, s.handleRegisterToken},
		"fulfillment_withdrawRefund":           {true, s.handleWithdrawRefund},
		"fulfillment_withdrawTokenRefund":      {true, s.handleWithdrawTokenRefund},
		"fulfillment_beneficiaryWithdraw":      {true, s.handleBeneficiaryWithdraw},
		"fulfillment_beneficiaryTokenWithdraw": {true, s.handleBeneficiaryTokenWithdraw},
		"escrow_deposit":                       {true, s.handleDeposit},
		"escrow_depositToken":                  {true, s.handleDepositToken},
		"escrow_getRecord":                     {false, s.handleGetRecord},
		"escrow_balances":                      {false, s.handleBalances},
		"registry_getService":                  {false, s.handleGetService},
		"registry_isRefValid":                  {false, s.handleIsRefValid},
		"registry_canFulfill":                  {false, s.handleCanFulfill},
		"registry_updateBeneficiary":           {true, s.handleUpdateBeneficiary},
		"registry_updateFee":                   {true, s.handleUpdateFee},
		"registry_updateFulfiller":             {true, s.handleUpdateFulfiller},
		"registry_removeService":               {true, s.handleRemoveService},
		"tokenlist_isListed":                   {false, s.handleIsTokenListed},
		"tokenlist_add":                        {true, s.handleTokenListAdd},
		"tokenlist_remove":                     {true, s.handleTokenListRemove},
		"bank_mint":                            {true, s.handleBankMint},
		"bank_balance":                         {false, s.handleBankBalance},
		"events_recent":                        {false, s.handleRecentEvents},
	}
}

func errorCode(err error) int {
	switch {
	case errors.Is(err, errInvalidParams):
		return codeInvalidParams
	case errors.Is(err, escrow.ErrNotRouter),
		errors.Is(err, escrow.ErrNotManager),
		errors.Is(err, escrow.ErrNotOwner),
		errors.Is(err, fulfillment.ErrUnauthorized),
		errors.Is(err, registry.ErrNotOwner),
		errors.Is(err, registry.ErrNotManager),
		errors.Is(err, tokenlist.ErrNotOwner),
		errors.Is(err, bank.ErrNotOwner):
		return codeUnauthorized
	default:
		return codeServerError
	}
}

func (s *Server) writeResult(w http.ResponseWriter, id, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &rpcError{Code: code, Message: message},
	})
}

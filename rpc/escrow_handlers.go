package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"fulfillchain/native/escrow"
)

var errInvalidParams = errors.New("rpc: invalid params")

func paramErr(msg string) error {
	return fmt.Errorf("%w: %s", errInvalidParams, msg)
}

func parseAddress(raw string) ([20]byte, error) {
	var zero [20]byte
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return zero, paramErr("invalid address " + raw)
	}
	return [20]byte(common.HexToAddress(trimmed)), nil
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, paramErr("amount must be a base-10 integer")
	}
	return amount, nil
}

func parseStatus(raw string) (escrow.Status, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUCCESS":
		return escrow.StatusSuccess, nil
	case "FAILED":
		return escrow.StatusFailed, nil
	default:
		return 0, paramErr("status must be SUCCESS or FAILED")
	}
}

func decodeParams(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return paramErr("params required")
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return paramErr(err.Error())
	}
	return nil
}

func addrHex(addr [20]byte) string {
	return common.Address(addr).Hex()
}

// recordView is the JSON projection of a fulfillment record.
type recordView struct {
	ID         uint64 `json:"id"`
	ServiceID  uint64 `json:"serviceId"`
	ServiceRef string `json:"serviceRef,omitempty"`
	Fulfiller  string `json:"fulfiller"`
	Payer      string `json:"payer"`
	Token      string `json:"token,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
	Amount     string `json:"amount"`
	FeeAmount  string `json:"feeAmount"`
	FiatAmount string `json:"fiatAmount,omitempty"`
	EntryTime  uint64 `json:"entryTime"`
	ReceiptURI string `json:"receiptUri,omitempty"`
	Status     string `json:"status"`
}

func newRecordView(rec *escrow.FulfillmentRecord) *recordView {
	if rec == nil {
		return nil
	}
	view := &recordView{
		ID:         rec.ID,
		ServiceID:  rec.ServiceID,
		ServiceRef: rec.ServiceRef,
		Fulfiller:  addrHex(rec.Fulfiller),
		Payer:      addrHex(rec.Payer),
		ExternalID: rec.ExternalID,
		Amount:     rec.Amount.String(),
		FeeAmount:  rec.FeeAmount.String(),
		FiatAmount: rec.FiatAmount,
		EntryTime:  rec.EntryTime,
		ReceiptURI: rec.ReceiptURI,
		Status:     rec.Status.String(),
	}
	var zero [20]byte
	if rec.Token != zero {
		view.Token = addrHex(rec.Token)
	}
	return view
}

type setServiceParams struct {
	Caller      string `json:"caller,omitempty"`
	ServiceID   uint64 `json:"serviceId"`
	FeeAmount   string `json:"feeAmount"`
	Fulfiller   string `json:"fulfiller"`
	Beneficiary string `json:"beneficiary"`
}

func (s *Server) handleSetService(ctx callerContext, raw json.RawMessage) (interface{}, error) {
	var p setServiceParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	caller, err := s.resolveCaller(ctx, p.Caller)
	if err != nil {
		return nil, err
	}
	fulfiller, err := parseAddress(p.Fulfiller)
	if err != nil {
		return nil, err
	}
	beneficiary, err := parseAddress(p.Beneficiary)
	if err != nil {
		return nil, err
	}
	fee := big.NewInt(0)
	if p.FeeAmount != "" {
		if fee, err = parseAmount(p.FeeAmount); err != nil {
			return nil, err
		}
	}
	if err := s.orch.SetService(caller, p.ServiceID, fee, fulfiller, beneficiary); err != nil {
		return nil, err
	}
	return map[string]uint64{"serviceId": p.ServiceID}, nil
}

type setServiceRefParams struct {
	Caller    string `json:"caller,omitempty"`
	ServiceID uint64 `json:"serviceId"`
	Ref       string `json:"ref"`
}

func (s *Server) handleSetServiceRef(ctx callerContext, raw json.RawMessage) (interface{}, error) {
	var p setServiceRefParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	caller, err := s.resolveCaller(ctx, p.Caller)
	if err != nil {
		return nil, err
	}
	if err := s.orch.SetServiceRef(caller, p.ServiceID, p.Ref); err != nil {
		return nil, err
	}
	return map[string]bool{"added": true}, nil
}

type addFulfillerParams struct {
	Caller    string `json:"caller,omitempty"`
	Fulfiller string `json:"fulfiller"`
	ServiceID uint64 `json:"serviceId"`
}

func (s *Server) handleAddFulfiller(ctx callerContext, raw json.RawMessage) (interface{}, error) {
	var p addFulfillerParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	caller, err := s.resolveCaller(ctx, p.Caller)
	if err != nil {
		return nil, err
	}
	fulfiller, err := parseAddress(p.Fulfiller)
	if err != nil {
		return nil, err
	}
	if err := s.orch.AddFulfiller(caller, fulfiller, p.ServiceID); err != nil {
		return nil, err
	}
	return map[string]bool{"added": true}, nil
}

type depositParams struct {
	Caller     string `json:"caller,omitempty"`
	ServiceID  uint64 `json:"serviceId"`
	ServiceRef string `json:"serviceRef"`
	Token      string `json:"token,omitempty"`
	Amount     string `json:"amount"`
	FiatAmount string `json:"fiatAmount,omitempty"`
}

// handleDeposit is the router entry point for native deposits: it validates
// the supplied reference against the directory, collects the attached value
// into module custody, then credits the ledger under the router identity. A
// ledger rejection pushes the collected value back to the payer.
func (s *Server) handleDeposit(ctx callerContext, raw json.RawMessage) (interface{}, error) {
	p, payer, amount, err := s.depositCommon(ctx, raw)
	if err != nil {
		return nil, err
	}
	if s.funds != nil {
		if err := s.funds.Collect(payer, amount); err != nil {
			return nil, err
		}
	}
	rec, err := s.native.Deposit(s.routerAddr, p.ServiceID, &escrow.DepositRequest{
		Payer:      payer,
		ServiceRef: p.ServiceRef,
		FiatAmount: p.FiatAmount,
		Amount:     amount,
	})
	if err != nil {
		if s.funds != nil {
			if rerr := s.funds.Release(payer, amount); rerr != nil {
				s.log.Error("returning collected deposit failed",
					"payer", addrHex(payer), "amount", amount.String(), "err", rerr)
			}
		}
		return nil, err
	}
	s.metrics.ObserveDeposit("native")
	return newRecordView(rec), nil
}

type bankMintParams struct {
	Caller  string `json:"caller,omitempty"`
	Account string `json:"account"`
	Token   string `json:"token,omitempty"`
	Amount  string `json:"amount"`
}

func (s *Server) handleBankMint(ctx callerContext, raw json.RawMessage) (interface{}, error) {
	if s.bank == nil {
		return nil, errors.New("rpc: bank not configured")
	}
	var p bankMintParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	caller, err := s.resolveCaller(ctx, p.Caller)
	if err != nil {
		return nil, err
	}
	account, err := parseAddress(p.Account)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		return nil, err
	}
	if p.Token != "" {
		token, perr := parseAddress(p.Token)
		if perr != nil {
			return nil, perr
		}
		if err := s.bank.MintToken(caller, token, account, amount); err != nil {
			return nil, err
		}
	} else if err := s.bank.Mint(caller, account, amount); err != nil {
		return nil, err
	}
	return map[string]bool{"minted": true}, nil
}

type bankBalanceParams struct {
	Account string `json:"account"`
	Token   string `json:"token,omitempty"`
}

func (s *Server) handleBankBalance(_ callerContext, raw json.RawMessage) (interface{}, error) {
	if s.bank == nil {
		return nil, errors.New("rpc: bank not configured")
	}
	var p bankBalanceParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	account, err := parseAddress(p.Account)
	if err != nil {
		return nil, err
	}
	var balance *big.Int
	if p.Token != "" {
		token, perr := parseAddress(p.Token)
		if perr != nil {
			return nil, perr
		}
		balance, err = s.bank.TokenBalanceOf(token, account)
	} else {
		balance, err = s.bank.BalanceOf(account)
	}
	if err != nil {
		return nil, err
	}
	return map[string]string{"balance": balance.String()}, nil
}

func (s *Server) handleDepositToken(ctx callerContext, raw json.RawMessage) (interface{}, error) {
	p, payer, amount, err := s.depositCommon(ctx, raw)
	if err != nil {
		return nil, err
	}
	if p.Token == "" {
		return nil, paramErr("token address required")
	}
	token, err := parseAddress(p.Token)
	if err != nil {
		return nil, err
	}
	listed, err := s.tokens.IsTokenWhitelisted(token)
	if err != nil {
		return nil, err
	}
	if !listed {
		return nil, paramErr("token is not on the allow-list")
	}
	rec, err := s.token.Deposit(s.routerAddr, p.ServiceID, token, &escrow.DepositRequest{
		Payer:      payer,
		ServiceRef: p.ServiceRef,
		FiatAmount: p.FiatAmount,
		Amount:     amount,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveDeposit("token")
	return newRecordView(rec), nil
}

func (s *Server) depositCommon(ctx callerContext, raw json.RawMessage) (*depositParams, [20]byte, *big.Int, error) {
	var zero [20]byte
	var p depositParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, zero, nil, err
	}
	payer, err := s.resolveCaller(ctx, p.Caller)
	if err != nil {
		return nil, zero, nil, err
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		return nil, zero, nil, err
	}
	valid, err := s.directory.IsRefValid(p.ServiceID, p.ServiceRef)
	if err != nil {
		return nil, zero, nil, err
	}
	if !valid {
		return nil, zero, nil, paramErr("service reference is not on the allow-list")
	}
	return &p, payer, amount, nil
}

type registerParams struct {
	Caller     string `json:"caller,omitempty"`
	ServiceID  uint64 `json:"serviceId"`
	RecordID   uint64 `json:"recordId"`
	Status     string `json:"status"`
	ExternalID string `json:"externalId,omitempty"`
	ReceiptURI string `json:"receiptUri,omitempty"`
}

func (s *Server) registerResult(ctx callerContext, raw json.RawMessage) ([20]byte, uint64, *escrow.FulfillmentResult, error) {
	var zero [20]byte
	var p registerParams
	if err := decodeParams(raw, &p); err != nil {
		return zero, 0, nil, err
	}
	caller, err := s.resolveCaller(ctx, p.Caller)
	if err != nil {
		return zero, 0, nil, err
	}
	status, err := parseStatus(p.Status)
	if err != nil {
		return zero, 0, nil, err
	}
	return caller, p.ServiceID, &escrow.FulfillmentResult{
		ID:         p.RecordID,
		Status:     status,
		ExternalID: p.ExternalID,
		ReceiptURI: p.ReceiptURI,
	}, nil
}

func (s *Server) handleRegister(ctx callerContext, raw json.RawMessage) (interface{}, error) {
	caller, serviceID, result, err := s.registerResult(ctx, raw)
	if err != nil {
		return nil, err
	}
	rec, err := s.orch.RegisterFulfillment(caller, serviceID, result)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveRegistration("native", rec.Status.String())
	return newRecordView(rec), nil
}

func (s *Server) handleRegisterToken(ctx callerContext, raw json.RawMessage) (interface{}, error) {
	caller, serviceID, result, err := s.registerResult(ctx, raw)
	if err != nil {
		return nil, err
	}
	rec, err := s.orch.RegisterTokenFulfillment(caller, serviceID, result)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveRegistration("token", rec.Status.String())
	return newRecordView(rec), nil
}

type withdrawParams struct {
	Caller    string `json:"caller,omitempty"`
	ServiceID uint64 `json:"serviceId"`
	Token     string `json:"token,omitempty"`
	Refundee  string `json:"refundee,omitempty"`
}

func (s *Server) handleWithdrawRefund(ctx callerContext, raw json.RawMessage) (interface{}, error) {
	var p withdrawParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	caller, err := s.resolveCaller(ctx, p.Caller)
	if err != nil {
		return nil, err
	}
	refundee, err := parseAddress(p.Refundee)
	if err != nil {
		return nil, err
	}
	amount, err := s.orch.WithdrawRefund(caller, p.ServiceID, refundee)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveWithdrawal("native", "refund")
	return map[string]string{"amount": amount.String()}, nil
}

func (s *Server) handleWithdrawTokenRefund(ctx callerContext, raw json.RawMessage) (interface{}, error) {
	var p withdrawParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	caller, err := s.resolveCaller(ctx, p.Caller)
	if err != nil {
		return nil, err
	}
	token, err := parseAddress(p.Token)
	if err != nil {
		return nil, err
	}
	refundee, err := parseAddress(p.Refundee)
	if err != nil {
		return nil, err
	}
	amount, err := s.orch.WithdrawTokenRefund(caller, p.ServiceID, token, refundee)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveWithdrawal("token", "refund")
	return map[string]string{"amount": amount.String()}, nil
}

func (s *Server) handleBeneficiaryWithdraw(ctx callerContext, raw json.RawMessage) (interface{}, error) {
	var p withdrawParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	caller, err := s.resolveCaller(ctx, p.Caller)
	if err != nil {
		return nil, err
	}
	amount, err := s.orch.BeneficiaryWithdraw(caller, p.ServiceID)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveWithdrawal("native", "beneficiary")
	return map[string]string{"amount": amount.String()}, nil
}

func (s *Server) handleBeneficiaryTokenWithdraw(ctx callerContext, raw json.RawMessage) (interface{}, error) {
	var p withdrawParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	caller, err := s.resolveCaller(ctx, p.Caller)
	if err != nil {
		return nil, err
	}
	token, err := parseAddress(p.Token)
	if err != nil {
		return nil, err
	}
	amount, err := s.orch.BeneficiaryTokenWithdraw(caller, p.ServiceID, token)
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveWithdrawal("token", "beneficiary")
	return map[string]string{"amount": amount.String()}, nil
}

type recordQueryParams struct {
	RecordID uint64 `json:"recordId"`
	Token    bool   `json:"token,omitempty"`
}

func (s *Server) handleGetRecord(_ callerContext, raw json.RawMessage) (interface{}, error) {
	var p recordQueryParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	var (
		rec *escrow.FulfillmentRecord
		err error
	)
	if p.Token {
		rec, err = s.token.Record(p.RecordID)
	} else {
		rec, err = s.native.Record(p.RecordID)
	}
	if err != nil {
		return nil, err
	}
	return newRecordView(rec), nil
}

type balanceQueryParams struct {
	ServiceID uint64 `json:"serviceId"`
	Payer     string `json:"payer,omitempty"`
	Token     string `json:"token,omitempty"`
}

// handleBalances reports the three pools for a (service, payer) pair in one
// call: the open deposit balance, the authorized refund balance, and the
// service-wide releasable pool.
func (s *Server) handleBalances(_ callerContext, raw json.RawMessage) (interface{}, error) {
	var p balanceQueryParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	var payer [20]byte
	if p.Payer != "" {
		var err error
		if payer, err = parseAddress(p.Payer); err != nil {
			return nil, err
		}
	}
	var deposit, refund, pool *big.Int
	var err error
	if p.Token != "" {
		token, perr := parseAddress(p.Token)
		if perr != nil {
			return nil, perr
		}
		if deposit, err = s.token.DepositBalance(p.ServiceID, token, payer); err != nil {
			return nil, err
		}
		if refund, err = s.token.RefundBalance(p.ServiceID, token, payer); err != nil {
			return nil, err
		}
		if pool, err = s.token.ReleasablePool(p.ServiceID, token); err != nil {
			return nil, err
		}
	} else {
		if deposit, err = s.native.DepositBalance(p.ServiceID, payer); err != nil {
			return nil, err
		}
		if refund, err = s.native.RefundBalance(p.ServiceID, payer); err != nil {
			return nil, err
		}
		if pool, err = s.native.ReleasablePool(p.ServiceID); err != nil {
			return nil, err
		}
	}
	return map[string]string{
		"deposit":    deposit.String(),
		"refund":     refund.String(),
		"releasable": pool.String(),
	}, nil
}

type serviceQueryParams struct {
	ServiceID uint64 `json:"serviceId"`
	Ref       string `json:"ref,omitempty"`
}

func (s *Server) handleGetService(_ callerContext, raw json.RawMessage) (interface{}, error) {
	var p serviceQueryParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	svc, err := s.directory.GetService(p.ServiceID)
	if err != nil {
		return nil, err
	}
	refs, err := s.directory.ServiceRefs(p.ServiceID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"serviceId":   svc.ServiceID,
		"beneficiary": addrHex(svc.Beneficiary),
		"feeAmount":   svc.FeeAmount.String(),
		"fulfiller":   addrHex(svc.Fulfiller),
		"refs":        refs,
	}, nil
}

func (s *Server) handleIsRefValid(_ callerContext, raw json.RawMessage) (interface{}, error) {
	var p serviceQueryParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	valid, err := s.directory.IsRefValid(p.ServiceID, p.Ref)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"valid": valid}, nil
}

type tokenQueryParams struct {
	Token string `json:"token"`
}

func (s *Server) handleIsTokenListed(_ callerContext, raw json.RawMessage) (interface{}, error) {
	var p tokenQueryParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	token, err := parseAddress(p.Token)
	if err != nil {
		return nil, err
	}
	listed, err := s.tokens.IsTokenWhitelisted(token)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"listed": listed}, nil
}

type recentEventsParams struct {
	Limit int `json:"limit,omitempty"`
}

func (s *Server) handleRecentEvents(_ callerContext, raw json.RawMessage) (interface{}, error) {
	var p recentEventsParams
	if len(raw) > 0 {
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
	}
	return map[string]interface{}{
		"events": s.stream.Recent(p.Limit),
		"total":  s.stream.Total(),
	}, nil
}

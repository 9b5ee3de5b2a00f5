package escrow

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"fulfillchain/core/events"
)

// TokenTransferer is the external token-transfer capability the token ledger
// escrows through. TransferFrom pulls funds into the ledger's vault at
// deposit time; Transfer pushes funds out at refund or release time.
type TokenTransferer interface {
	BalanceOf(token, account [20]byte) (*big.Int, error)
	TransferFrom(token, from, to [20]byte, amount *big.Int) error
	Transfer(token, to [20]byte, amount *big.Int) error
}

// TokenLedger is the fungible-token escrow ledger. Its state machine is the
// same as the native Ledger's; every balance key additionally carries the
// token contract address, so balances in different tokens never mix.
//
// A token deposit is only credited once the ledger has measured its vault
// balance moving by exactly the requested amount, so fee-on-transfer or
// silently failing tokens cannot create unbacked ledger entries.
type TokenLedger struct {
	mu sync.Mutex

	// depositMu serializes the measure-pull-measure sequence so concurrent
	// deposits into the shared vault cannot skew each other's balance delta.
	depositMu sync.Mutex

	st         ledgerState
	directory  ServiceSource
	transferer TokenTransferer
	emitter    events.Emitter

	owner   [20]byte
	manager [20]byte
	router  [20]byte
	vault   [20]byte

	nowFn func() int64
}

// NewTokenLedger creates a token ledger administered by owner whose custody
// account is vault.
func NewTokenLedger(owner, vault [20]byte) *TokenLedger {
	return &TokenLedger{
		owner:   owner,
		vault:   vault,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the ledger.
func (l *TokenLedger) SetState(st ledgerState) { l.st = st }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (l *TokenLedger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetTransferer configures the token-transfer capability.
func (l *TokenLedger) SetTransferer(t TokenTransferer) { l.transferer = t }

// SetNowFunc overrides the time source. Intended for tests.
func (l *TokenLedger) SetNowFunc(now func() int64) {
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

// SetManager assigns the settlement manager. Owner only; the zero address is
// rejected.
func (l *TokenLedger) SetManager(caller, manager [20]byte) error {
	if caller != l.owner {
		return ErrNotOwner
	}
	if manager == zeroAddress {
		return ErrZeroAddress
	}
	l.manager = manager
	return nil
}

// SetRouter assigns the only address permitted to deposit. Owner only; the
// zero address is rejected.
func (l *TokenLedger) SetRouter(caller, router [20]byte) error {
	if caller != l.owner {
		return ErrNotOwner
	}
	if router == zeroAddress {
		return ErrZeroAddress
	}
	l.router = router
	return nil
}

// SetRegistry assigns the service directory. Owner only; nil is rejected.
func (l *TokenLedger) SetRegistry(caller [20]byte, directory ServiceSource) error {
	if caller != l.owner {
		return ErrNotOwner
	}
	if directory == nil {
		return ErrNilDirectory
	}
	l.directory = directory
	return nil
}

func (l *TokenLedger) ready() error {
	if l.st == nil {
		return ErrNilState
	}
	if l.directory == nil {
		return ErrNilDirectory
	}
	if l.transferer == nil {
		return ErrNilTransferer
	}
	return nil
}

// Deposit pulls the token amount from the payer into the vault, verifies the
// measured balance delta, and credits (serviceID, token, payer). Router only.
// A rejected pull is unwound: whatever reached the vault is pushed back to
// the payer before the error is returned.
func (l *TokenLedger) Deposit(caller [20]byte, serviceID uint64, token [20]byte, req *DepositRequest) (*FulfillmentRecord, error) {
	l.mu.Lock()
	if l.router == zeroAddress || caller != l.router {
		l.mu.Unlock()
		return nil, ErrNotRouter
	}
	if err := l.ready(); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if token == zeroAddress {
		l.mu.Unlock()
		return nil, ErrZeroAddress
	}
	sanitized, err := sanitizeDeposit(req)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	svc, err := l.directory.GetService(serviceID)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.mu.Unlock()

	l.depositMu.Lock()
	before, err := l.transferer.BalanceOf(token, l.vault)
	if err != nil {
		l.depositMu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := l.transferer.TransferFrom(token, sanitized.Payer, l.vault, sanitized.Amount); err != nil {
		l.depositMu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	after, err := l.transferer.BalanceOf(token, l.vault)
	if err != nil {
		// The pull reported success but the vault can no longer be measured.
		// Return the requested amount before rejecting.
		l.returnToPayer(token, sanitized.Payer, sanitized.Amount)
		l.depositMu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	delta := new(big.Int).Sub(after, before)
	if delta.Cmp(sanitized.Amount) != 0 {
		// Return whatever actually reached the vault; the deposit is
		// rejected without crediting.
		l.returnToPayer(token, sanitized.Payer, delta)
		l.depositMu.Unlock()
		return nil, fmt.Errorf("%w: expected delta %s, measured %s", ErrTransferFailed, sanitized.Amount, delta)
	}
	l.depositMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	balKey := depositTokenKey(serviceID, token, sanitized.Payer)
	balance, err := getAmount(l.st, balKey)
	if err != nil {
		return nil, err
	}
	newBalance, err := checkedAdd(balance, sanitized.Amount)
	if err != nil {
		return nil, err
	}
	id, err := nextRecordID(l.st, tokenNamespace)
	if err != nil {
		return nil, err
	}
	record := &FulfillmentRecord{
		ID:         id,
		ServiceID:  serviceID,
		ServiceRef: sanitized.ServiceRef,
		Fulfiller:  svc.Fulfiller,
		Payer:      sanitized.Payer,
		Token:      token,
		Amount:     cloneBigInt(sanitized.Amount),
		FeeAmount:  cloneBigInt(svc.FeeAmount),
		FiatAmount: sanitized.FiatAmount,
		EntryTime:  uint64(l.nowFn()),
		Status:     StatusPending,
	}
	if err := putAmount(l.st, balKey, newBalance); err != nil {
		return nil, err
	}
	if err := putRecord(l.st, tokenNamespace, record); err != nil {
		return nil, err
	}
	if err := indexRecord(l.st, tokenNamespace, record); err != nil {
		return nil, err
	}
	l.emitter.Emit(ledgerEvent{evt: NewDepositReceivedEvent(record)})
	return record.Clone(), nil
}

// RegisterFulfillment transitions a pending token record to the supplied
// terminal status. Manager only. Settlement math mirrors the native ledger:
// total = record amount + the service's current fee.
func (l *TokenLedger) RegisterFulfillment(caller [20]byte, serviceID uint64, result *FulfillmentResult) (*FulfillmentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.manager == zeroAddress || caller != l.manager {
		return nil, ErrNotManager
	}
	if l.st == nil {
		return nil, ErrNilState
	}
	if l.directory == nil {
		return nil, ErrNilDirectory
	}
	if result == nil {
		return nil, ErrNilRequest
	}
	if !result.Status.Terminal() {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, result.Status)
	}
	record, found, err := getRecord(l.st, tokenNamespace, result.ID)
	if err != nil {
		return nil, err
	}
	if !found || record.ServiceID != serviceID {
		return nil, fmt.Errorf("%w: id %d", ErrRecordNotFound, result.ID)
	}
	if record.Status != StatusPending {
		return nil, fmt.Errorf("%w: id %d is %s", ErrAlreadyRegistered, record.ID, record.Status)
	}
	svc, err := l.directory.GetService(serviceID)
	if err != nil {
		return nil, err
	}
	total, err := checkedAdd(record.Amount, svc.FeeAmount)
	if err != nil {
		return nil, err
	}
	balKey := depositTokenKey(serviceID, record.Token, record.Payer)
	balance, err := getAmount(l.st, balKey)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(total) < 0 {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, total)
	}
	newBalance, err := checkedSub(balance, total)
	if err != nil {
		return nil, err
	}
	switch result.Status {
	case StatusFailed:
		refKey := refundTokenKey(serviceID, record.Token, record.Payer)
		refund, err := getAmount(l.st, refKey)
		if err != nil {
			return nil, err
		}
		newRefund, err := checkedAdd(refund, total)
		if err != nil {
			return nil, fmt.Errorf("%w: %s + %s", ErrRefundOverflow, refund, total)
		}
		if err := putAmount(l.st, balKey, newBalance); err != nil {
			return nil, err
		}
		if err := putAmount(l.st, refKey, newRefund); err != nil {
			return nil, err
		}
		record.Status = StatusFailed
		if err := putRecord(l.st, tokenNamespace, record); err != nil {
			return nil, err
		}
		l.emitter.Emit(ledgerEvent{evt: NewRefundAuthorizedEvent(serviceID, record.Payer, total)})
	case StatusSuccess:
		poolK := poolTokenKey(serviceID, record.Token)
		pool, err := getAmount(l.st, poolK)
		if err != nil {
			return nil, err
		}
		newPool, err := checkedAdd(pool, total)
		if err != nil {
			return nil, err
		}
		if err := putAmount(l.st, balKey, newBalance); err != nil {
			return nil, err
		}
		if err := putAmount(l.st, poolK, newPool); err != nil {
			return nil, err
		}
		record.Status = StatusSuccess
		record.ExternalID = result.ExternalID
		record.ReceiptURI = result.ReceiptURI
		if err := putRecord(l.st, tokenNamespace, record); err != nil {
			return nil, err
		}
	}
	l.emitter.Emit(ledgerEvent{evt: NewFulfillmentRegisteredEvent(record)})
	return record.Clone(), nil
}

// WithdrawRefund pays out the refundee's authorized refund balance for
// (service, token). Manager only. The entry is zeroed before the outbound
// token transfer; a failed transfer restores it.
func (l *TokenLedger) WithdrawRefund(caller [20]byte, serviceID uint64, token, refundee [20]byte) (*big.Int, error) {
	l.mu.Lock()
	if l.manager == zeroAddress || caller != l.manager {
		l.mu.Unlock()
		return nil, ErrNotManager
	}
	if err := l.ready(); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	key := refundTokenKey(serviceID, token, refundee)
	amount, err := getAmount(l.st, key)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if amount.Sign() <= 0 {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: service %d", ErrNoRefund, serviceID)
	}
	if err := putAmount(l.st, key, big.NewInt(0)); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.mu.Unlock()

	if err := l.transferer.Transfer(token, refundee, amount); err != nil {
		l.restoreAmount(key, amount)
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	l.emitter.Emit(ledgerEvent{evt: NewRefundWithdrawnEvent(serviceID, refundee, amount)})
	return amount, nil
}

// BeneficiaryWithdraw pays the releasable pool for (service, token) to the
// service's current beneficiary. Manager only.
func (l *TokenLedger) BeneficiaryWithdraw(caller [20]byte, serviceID uint64, token [20]byte) (*big.Int, error) {
	l.mu.Lock()
	if l.manager == zeroAddress || caller != l.manager {
		l.mu.Unlock()
		return nil, ErrNotManager
	}
	if err := l.ready(); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	svc, err := l.directory.GetService(serviceID)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	key := poolTokenKey(serviceID, token)
	amount, err := getAmount(l.st, key)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if amount.Sign() <= 0 {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: service %d", ErrNothingToRelease, serviceID)
	}
	if err := putAmount(l.st, key, big.NewInt(0)); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.mu.Unlock()

	if err := l.transferer.Transfer(token, svc.Beneficiary, amount); err != nil {
		l.restoreAmount(key, amount)
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	l.emitter.Emit(ledgerEvent{evt: NewBeneficiaryWithdrawalEvent(serviceID, svc.Beneficiary, amount)})
	return amount, nil
}

// Record returns a copy of the stored token fulfillment record.
func (l *TokenLedger) Record(id uint64) (*FulfillmentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.st == nil {
		return nil, ErrNilState
	}
	record, found, err := getRecord(l.st, tokenNamespace, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: id %d", ErrRecordNotFound, id)
	}
	return record.Clone(), nil
}

// RecordIDsOf returns the ids of every token record for the payer, in
// deposit order.
func (l *TokenLedger) RecordIDsOf(payer [20]byte) ([]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.st == nil {
		return nil, ErrNilState
	}
	return recordIDs(l.st, tokenNamespace, payer)
}

// DepositBalance returns the escrowed balance for (service, token, payer).
func (l *TokenLedger) DepositBalance(serviceID uint64, token, payer [20]byte) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.st == nil {
		return nil, ErrNilState
	}
	return getAmount(l.st, depositTokenKey(serviceID, token, payer))
}

// RefundBalance returns the authorized refund balance for (service, token,
// payer).
func (l *TokenLedger) RefundBalance(serviceID uint64, token, payer [20]byte) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.st == nil {
		return nil, ErrNilState
	}
	return getAmount(l.st, refundTokenKey(serviceID, token, payer))
}

// ReleasablePool returns the accumulated releasable amount for (service,
// token).
func (l *TokenLedger) ReleasablePool(serviceID uint64, token [20]byte) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.st == nil {
		return nil, ErrNilState
	}
	return getAmount(l.st, poolTokenKey(serviceID, token))
}

// returnToPayer unwinds a rejected pull by pushing vault funds back to the
// payer. Best effort: a token that also fails the outbound transfer has
// already broken its transfer contract.
func (l *TokenLedger) returnToPayer(token, payer [20]byte, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	_ = l.transferer.Transfer(token, payer, amount)
}

func (l *TokenLedger) restoreAmount(key []byte, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	current, err := getAmount(l.st, key)
	if err != nil {
		return
	}
	restored, err := checkedAdd(current, amount)
	if err != nil {
		return
	}
	_ = putAmount(l.st, key, restored)
}

package escrow

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"fulfillchain/core/events"
	"fulfillchain/native/registry"
)

type ledgerState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

// ServiceSource is the directory surface the ledger depends on. Lookups are
// performed fresh on every call: the fee used for settlement math and the
// beneficiary used for withdrawal are always the current directory values.
type ServiceSource interface {
	GetService(serviceID uint64) (*registry.Service, error)
}

// NativeTransferer moves native value out of the ledger's custody. It is
// invoked strictly after all balance mutations in the same operation.
type NativeTransferer interface {
	Transfer(to [20]byte, amount *big.Int) error
}

// Ledger is the native-asset escrow ledger. It tracks per (service, payer)
// deposit and refund balances plus a per-service releasable pool, and drives
// fulfillment records through Pending -> Success/Failed.
//
// Every public entry point executes under the ledger mutex so balance reads
// and writes within one call are indivisible relative to other calls,
// matching a serialized transaction model. Outbound transfers happen after
// the mutex is released and after every balance has been zeroed or
// decremented, so a re-entering callee can never observe stale balances.
type Ledger struct {
	mu sync.Mutex

	st         ledgerState
	directory  ServiceSource
	transferer NativeTransferer
	emitter    events.Emitter

	owner   [20]byte
	manager [20]byte
	router  [20]byte

	nowFn func() int64
}

// NewLedger creates a ledger administered by owner. State, directory,
// transferer and the privileged addresses are wired afterwards.
func NewLedger(owner [20]byte) *Ledger {
	return &Ledger{
		owner:   owner,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the ledger.
func (l *Ledger) SetState(st ledgerState) { l.st = st }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetTransferer configures how native value leaves the ledger.
func (l *Ledger) SetTransferer(t NativeTransferer) { l.transferer = t }

// SetNowFunc overrides the time source. Intended for tests.
func (l *Ledger) SetNowFunc(now func() int64) {
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

// SetManager assigns the address permitted to register fulfillments and
// drive withdrawals. Owner only; the zero address is rejected.
func (l *Ledger) SetManager(caller, manager [20]byte) error {
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
func (l *Ledger) SetRouter(caller, router [20]byte) error {
	if caller != l.owner {
		return ErrNotOwner
	}
	if router == zeroAddress {
		return ErrZeroAddress
	}
	l.router = router
	return nil
}

// SetRegistry assigns the service directory consulted on every operation.
// Owner only; a nil directory is rejected.
func (l *Ledger) SetRegistry(caller [20]byte, directory ServiceSource) error {
	if caller != l.owner {
		return ErrNotOwner
	}
	if directory == nil {
		return ErrNilDirectory
	}
	l.directory = directory
	return nil
}

// Deposit escrows the attached amount for (serviceID, payer), allocates the
// next record id and stores a pending fulfillment record snapshotting the
// service's current fee. Router only.
func (l *Ledger) Deposit(caller [20]byte, serviceID uint64, req *DepositRequest) (*FulfillmentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.router == zeroAddress || caller != l.router {
		return nil, ErrNotRouter
	}
	if err := l.ready(); err != nil {
		return nil, err
	}
	sanitized, err := sanitizeDeposit(req)
	if err != nil {
		return nil, err
	}
	svc, err := l.directory.GetService(serviceID)
	if err != nil {
		return nil, err
	}
	balKey := depositKey(nativeNamespace, serviceID, sanitized.Payer)
	balance, err := getAmount(l.st, balKey)
	if err != nil {
		return nil, err
	}
	newBalance, err := checkedAdd(balance, sanitized.Amount)
	if err != nil {
		return nil, err
	}
	id, err := nextRecordID(l.st, nativeNamespace)
	if err != nil {
		return nil, err
	}
	record := &FulfillmentRecord{
		ID:         id,
		ServiceID:  serviceID,
		ServiceRef: sanitized.ServiceRef,
		Fulfiller:  svc.Fulfiller,
		Payer:      sanitized.Payer,
		Amount:     cloneBigInt(sanitized.Amount),
		FeeAmount:  cloneBigInt(svc.FeeAmount),
		FiatAmount: sanitized.FiatAmount,
		EntryTime:  uint64(l.nowFn()),
		Status:     StatusPending,
	}
	if err := putAmount(l.st, balKey, newBalance); err != nil {
		return nil, err
	}
	if err := putRecord(l.st, nativeNamespace, record); err != nil {
		return nil, err
	}
	if err := indexRecord(l.st, nativeNamespace, record); err != nil {
		return nil, err
	}
	l.emitter.Emit(ledgerEvent{evt: NewDepositReceivedEvent(record)})
	return record.Clone(), nil
}

// RegisterFulfillment transitions a pending record to the supplied terminal
// status. Manager only.
//
// Settlement math uses the service's current fee, not the deposit-time
// snapshot stored on the record: total = record amount + live fee. A failed
// fulfillment authorizes a refund of the total; a successful one moves the
// total into the service's releasable pool.
func (l *Ledger) RegisterFulfillment(caller [20]byte, serviceID uint64, result *FulfillmentResult) (*FulfillmentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.manager == zeroAddress || caller != l.manager {
		return nil, ErrNotManager
	}
	if err := l.ready(); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, ErrNilRequest
	}
	// The status domain is validated before any balance is touched so an
	// unexpected value leaves the record pending and the ledger unchanged.
	if !result.Status.Terminal() {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, result.Status)
	}
	record, found, err := getRecord(l.st, nativeNamespace, result.ID)
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
	balKey := depositKey(nativeNamespace, serviceID, record.Payer)
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
		refKey := refundKey(nativeNamespace, serviceID, record.Payer)
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
		if err := putRecord(l.st, nativeNamespace, record); err != nil {
			return nil, err
		}
		l.emitter.Emit(ledgerEvent{evt: NewRefundAuthorizedEvent(serviceID, record.Payer, total)})
	case StatusSuccess:
		poolK := poolKey(nativeNamespace, serviceID)
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
		if err := putRecord(l.st, nativeNamespace, record); err != nil {
			return nil, err
		}
	}
	l.emitter.Emit(ledgerEvent{evt: NewFulfillmentRegisteredEvent(record)})
	return record.Clone(), nil
}

// WithdrawRefund pays out the refundee's authorized refund balance for the
// service. Manager only. The refund entry is zeroed before the outbound
// transfer; a failed transfer restores it.
func (l *Ledger) WithdrawRefund(caller [20]byte, serviceID uint64, refundee [20]byte) (*big.Int, error) {
	l.mu.Lock()
	if l.manager == zeroAddress || caller != l.manager {
		l.mu.Unlock()
		return nil, ErrNotManager
	}
	if err := l.ready(); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if l.transferer == nil {
		l.mu.Unlock()
		return nil, ErrNilTransferer
	}
	key := refundKey(nativeNamespace, serviceID, refundee)
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

	if err := l.transferer.Transfer(refundee, amount); err != nil {
		l.restoreAmount(key, amount)
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	l.emitter.Emit(ledgerEvent{evt: NewRefundWithdrawnEvent(serviceID, refundee, amount)})
	return amount, nil
}

// BeneficiaryWithdraw pays the service's releasable pool to its beneficiary.
// Manager only. The beneficiary address is read fresh from the directory, so
// rotating it redirects future withdrawals only. The pool is zeroed before
// the outbound transfer; a failed transfer restores it.
func (l *Ledger) BeneficiaryWithdraw(caller [20]byte, serviceID uint64) (*big.Int, error) {
	l.mu.Lock()
	if l.manager == zeroAddress || caller != l.manager {
		l.mu.Unlock()
		return nil, ErrNotManager
	}
	if err := l.ready(); err != nil {
		l.mu.Unlock()
		return nil, err
	}
	if l.transferer == nil {
		l.mu.Unlock()
		return nil, ErrNilTransferer
	}
	svc, err := l.directory.GetService(serviceID)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	key := poolKey(nativeNamespace, serviceID)
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

	if err := l.transferer.Transfer(svc.Beneficiary, amount); err != nil {
		l.restoreAmount(key, amount)
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	l.emitter.Emit(ledgerEvent{evt: NewBeneficiaryWithdrawalEvent(serviceID, svc.Beneficiary, amount)})
	return amount, nil
}

// Record returns a copy of the stored fulfillment record.
func (l *Ledger) Record(id uint64) (*FulfillmentRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.st == nil {
		return nil, ErrNilState
	}
	record, found, err := getRecord(l.st, nativeNamespace, id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: id %d", ErrRecordNotFound, id)
	}
	return record.Clone(), nil
}

// RecordIDsOf returns the ids of every record for the payer, in deposit
// order.
func (l *Ledger) RecordIDsOf(payer [20]byte) ([]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.st == nil {
		return nil, ErrNilState
	}
	return recordIDs(l.st, nativeNamespace, payer)
}

// DepositBalance returns the escrowed deposit balance for (service, payer).
func (l *Ledger) DepositBalance(serviceID uint64, payer [20]byte) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.st == nil {
		return nil, ErrNilState
	}
	return getAmount(l.st, depositKey(nativeNamespace, serviceID, payer))
}

// RefundBalance returns the authorized-but-unwithdrawn refund balance.
func (l *Ledger) RefundBalance(serviceID uint64, payer [20]byte) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.st == nil {
		return nil, ErrNilState
	}
	return getAmount(l.st, refundKey(nativeNamespace, serviceID, payer))
}

// ReleasablePool returns the accumulated releasable amount for the service.
func (l *Ledger) ReleasablePool(serviceID uint64) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.st == nil {
		return nil, ErrNilState
	}
	return getAmount(l.st, poolKey(nativeNamespace, serviceID))
}

func (l *Ledger) ready() error {
	if l.st == nil {
		return ErrNilState
	}
	if l.directory == nil {
		return ErrNilDirectory
	}
	return nil
}

func (l *Ledger) restoreAmount(key []byte, amount *big.Int) {
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

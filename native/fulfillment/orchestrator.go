// Package fulfillment wires the service directory and the escrow ledgers
// behind a single operational surface. The orchestrator is the only caller
// configured as manager on the ledgers, so every settlement or withdrawal a
// fulfiller requests is authorized here first and then executed under the
// orchestrator's own address.
package fulfillment

import (
	"errors"
	"math/big"

	"fulfillchain/native/escrow"
	"fulfillchain/native/registry"
)

var (
	ErrUnauthorized     = errors.New("fulfillment: caller is not the fulfiller or owner")
	ErrInvalidServiceID = errors.New("fulfillment: service id must be non-zero")
	ErrZeroAddress      = errors.New("fulfillment: zero address")
	ErrNilDirectory     = errors.New("fulfillment: directory not configured")
	ErrNilLedger        = errors.New("fulfillment: ledger not configured")
)

// Directory is the registry surface the orchestrator drives.
type Directory interface {
	AddService(caller [20]byte, svc *registry.Service) error
	AddServiceRef(caller [20]byte, serviceID uint64, ref string) error
	AddFulfiller(caller, fulfiller [20]byte, serviceID uint64) error
	GetService(serviceID uint64) (*registry.Service, error)
}

// NativeLedger is the native-asset ledger surface the orchestrator drives.
type NativeLedger interface {
	RegisterFulfillment(caller [20]byte, serviceID uint64, result *escrow.FulfillmentResult) (*escrow.FulfillmentRecord, error)
	WithdrawRefund(caller [20]byte, serviceID uint64, refundee [20]byte) (*big.Int, error)
	BeneficiaryWithdraw(caller [20]byte, serviceID uint64) (*big.Int, error)
}

// TokenLedger is the fungible-token ledger surface the orchestrator drives.
type TokenLedger interface {
	RegisterFulfillment(caller [20]byte, serviceID uint64, result *escrow.FulfillmentResult) (*escrow.FulfillmentRecord, error)
	WithdrawRefund(caller [20]byte, serviceID uint64, token, refundee [20]byte) (*big.Int, error)
	BeneficiaryWithdraw(caller [20]byte, serviceID uint64, token [20]byte) (*big.Int, error)
}

// Orchestrator is a stateless pass-through holding references to the
// directory and one ledger per asset class. addr is the orchestrator's own
// address, configured as the manager on the directory and both ledgers;
// owner is the administrative address allowed to act for any service.
type Orchestrator struct {
	directory Directory
	native    NativeLedger
	token     TokenLedger
	addr      [20]byte
	owner     [20]byte
}

// NewOrchestrator constructs the orchestrator. Ledgers may be nil when an
// asset class is not deployed; the corresponding operations then fail with
// ErrNilLedger.
func NewOrchestrator(addr, owner [20]byte, directory Directory, native NativeLedger, token TokenLedger) *Orchestrator {
	return &Orchestrator{directory: directory, native: native, token: token, addr: addr, owner: owner}
}

// Addr returns the orchestrator's operational address.
func (o *Orchestrator) Addr() [20]byte { return o.addr }

// SetService validates and registers a new service in the directory. Owner
// only; duplicate ids surface the directory's error.
func (o *Orchestrator) SetService(caller [20]byte, serviceID uint64, feeAmount *big.Int, fulfiller, beneficiary [20]byte) error {
	if caller != o.owner {
		return ErrUnauthorized
	}
	if o.directory == nil {
		return ErrNilDirectory
	}
	if serviceID == 0 {
		return ErrInvalidServiceID
	}
	var zero [20]byte
	if fulfiller == zero || beneficiary == zero {
		return ErrZeroAddress
	}
	if feeAmount == nil {
		feeAmount = big.NewInt(0)
	}
	svc := &registry.Service{
		ServiceID:   serviceID,
		Beneficiary: beneficiary,
		FeeAmount:   new(big.Int).Set(feeAmount),
		Fulfiller:   fulfiller,
	}
	return o.directory.AddService(o.addr, svc)
}

// SetServiceRef appends a validation reference to the service allow-list.
// Owner only.
func (o *Orchestrator) SetServiceRef(caller [20]byte, serviceID uint64, ref string) error {
	if caller != o.owner {
		return ErrUnauthorized
	}
	if o.directory == nil {
		return ErrNilDirectory
	}
	return o.directory.AddServiceRef(o.addr, serviceID, ref)
}

// AddFulfiller records a capability marker for the (fulfiller, service)
// pair. Owner only.
func (o *Orchestrator) AddFulfiller(caller, fulfiller [20]byte, serviceID uint64) error {
	if caller != o.owner {
		return ErrUnauthorized
	}
	if o.directory == nil {
		return ErrNilDirectory
	}
	return o.directory.AddFulfiller(o.addr, fulfiller, serviceID)
}

func (o *Orchestrator) authorize(caller [20]byte, serviceID uint64) error {
	if o.directory == nil {
		return ErrNilDirectory
	}
	svc, err := o.directory.GetService(serviceID)
	if err != nil {
		return err
	}
	if caller != svc.Fulfiller && caller != o.owner {
		return ErrUnauthorized
	}
	return nil
}

// RegisterFulfillment settles a pending native record on behalf of the
// service's fulfiller (or the owner).
func (o *Orchestrator) RegisterFulfillment(caller [20]byte, serviceID uint64, result *escrow.FulfillmentResult) (*escrow.FulfillmentRecord, error) {
	if o.native == nil {
		return nil, ErrNilLedger
	}
	if err := o.authorize(caller, serviceID); err != nil {
		return nil, err
	}
	return o.native.RegisterFulfillment(o.addr, serviceID, result)
}

// RegisterTokenFulfillment settles a pending token record on behalf of the
// service's fulfiller (or the owner).
func (o *Orchestrator) RegisterTokenFulfillment(caller [20]byte, serviceID uint64, result *escrow.FulfillmentResult) (*escrow.FulfillmentRecord, error) {
	if o.token == nil {
		return nil, ErrNilLedger
	}
	if err := o.authorize(caller, serviceID); err != nil {
		return nil, err
	}
	return o.token.RegisterFulfillment(o.addr, serviceID, result)
}

// WithdrawRefund pays out an authorized native refund.
func (o *Orchestrator) WithdrawRefund(caller [20]byte, serviceID uint64, refundee [20]byte) (*big.Int, error) {
	if o.native == nil {
		return nil, ErrNilLedger
	}
	if err := o.authorize(caller, serviceID); err != nil {
		return nil, err
	}
	return o.native.WithdrawRefund(o.addr, serviceID, refundee)
}

// WithdrawTokenRefund pays out an authorized token refund.
func (o *Orchestrator) WithdrawTokenRefund(caller [20]byte, serviceID uint64, token, refundee [20]byte) (*big.Int, error) {
	if o.token == nil {
		return nil, ErrNilLedger
	}
	if err := o.authorize(caller, serviceID); err != nil {
		return nil, err
	}
	return o.token.WithdrawRefund(o.addr, serviceID, token, refundee)
}

// BeneficiaryWithdraw releases the native pool to the service beneficiary.
func (o *Orchestrator) BeneficiaryWithdraw(caller [20]byte, serviceID uint64) (*big.Int, error) {
	if o.native == nil {
		return nil, ErrNilLedger
	}
	if err := o.authorize(caller, serviceID); err != nil {
		return nil, err
	}
	return o.native.BeneficiaryWithdraw(o.addr, serviceID)
}

// BeneficiaryTokenWithdraw releases the (service, token) pool to the service
// beneficiary.
func (o *Orchestrator) BeneficiaryTokenWithdraw(caller [20]byte, serviceID uint64, token [20]byte) (*big.Int, error) {
	if o.token == nil {
		return nil, ErrNilLedger
	}
	if err := o.authorize(caller, serviceID); err != nil {
		return nil, err
	}
	return o.token.BeneficiaryWithdraw(o.addr, serviceID, token)
}

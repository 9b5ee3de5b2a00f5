package escrow

import (
	"math/big"
	"strings"
)

// Status represents the lifecycle state of a fulfillment record.
//
// The ordinal layout is load-bearing: Pending is deliberately the highest
// value so that a zero-initialized record never reads as an open, registrable
// entry. Records are only ever persisted with an explicit status.
type Status uint8

const (
	StatusFailed  Status = 0
	StatusSuccess Status = 1
	StatusPending Status = 2
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusFailed, StatusSuccess, StatusPending:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusSuccess
}

func (s Status) String() string {
	switch s {
	case StatusFailed:
		return "FAILED"
	case StatusSuccess:
		return "SUCCESS"
	case StatusPending:
		return "PENDING"
	default:
		return "UNKNOWN"
	}
}

// FulfillmentRecord is the durable record of one deposit and its eventual
// outcome. Created in StatusPending by Deposit, it transitions exactly once
// to StatusSuccess or StatusFailed and is immutable thereafter.
//
// FeeAmount is the service fee snapshotted at deposit time. It is retained
// for display and audit; settlement math reads the live fee from the
// directory (see the register transition).
type FulfillmentRecord struct {
	ID         uint64
	ServiceID  uint64
	ServiceRef string
	Fulfiller  [20]byte
	Payer      [20]byte
	Token      [20]byte
	ExternalID string
	Amount     *big.Int
	FeeAmount  *big.Int
	FiatAmount string
	EntryTime  uint64
	ReceiptURI string
	Status     Status
}

// Clone returns a deep copy so callers can safely mutate the result without
// affecting the stored instance.
func (r *FulfillmentRecord) Clone() *FulfillmentRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Amount = cloneBigInt(r.Amount)
	clone.FeeAmount = cloneBigInt(r.FeeAmount)
	return &clone
}

// DepositRequest carries the router-validated fields of an incoming deposit.
// Amount is the escrowed value: the attached native value, or the token
// amount to pull from the payer.
type DepositRequest struct {
	Payer      [20]byte
	ServiceRef string
	FiatAmount string
	Amount     *big.Int
}

// FulfillmentResult is the externally supplied settlement report for a
// pending record. Status must be StatusSuccess or StatusFailed; ExternalID
// and ReceiptURI are absorbed into the record on success.
type FulfillmentResult struct {
	ID         uint64
	Status     Status
	ExternalID string
	ReceiptURI string
}

var zeroAddress [20]byte

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func sanitizeDeposit(req *DepositRequest) (*DepositRequest, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	clone := *req
	clone.Amount = cloneBigInt(req.Amount)
	clone.ServiceRef = strings.TrimSpace(req.ServiceRef)
	if clone.Payer == zeroAddress {
		return nil, ErrZeroAddress
	}
	if clone.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return &clone, nil
}

package escrow

import "errors"

var (
	// Authorization.
	ErrNotRouter  = errors.New("escrow: caller is not the router")
	ErrNotManager = errors.New("escrow: caller is not the manager")
	ErrNotOwner   = errors.New("escrow: caller is not the owner")

	// Not found.
	ErrRecordNotFound = errors.New("escrow: fulfillment record not found")

	// State conflicts.
	ErrAlreadyRegistered = errors.New("escrow: record already registered")
	ErrUnexpectedStatus  = errors.New("escrow: unexpected fulfillment status")

	// Conservation.
	ErrInsufficientBalance = errors.New("escrow: insufficient deposit balance")
	ErrNoRefund            = errors.New("escrow: no refund authorized")
	ErrNothingToRelease    = errors.New("escrow: nothing to release")
	ErrOverflow            = errors.New("escrow: ledger arithmetic overflow")
	ErrRefundOverflow      = errors.New("escrow: refund ledger overflow")
	ErrUnderflow           = errors.New("escrow: ledger arithmetic underflow")

	// Configuration and input.
	ErrZeroAddress    = errors.New("escrow: zero address")
	ErrNilRequest     = errors.New("escrow: nil request")
	ErrInvalidAmount  = errors.New("escrow: amount must be positive")
	ErrNilState       = errors.New("escrow: state not configured")
	ErrNilDirectory   = errors.New("escrow: service directory not configured")
	ErrNilTransferer  = errors.New("escrow: transferer not configured")
	ErrTransferFailed = errors.New("escrow: value transfer failed")
)

package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"fulfillchain/core/types"
)

const (
	EventTypeDepositReceived       = "escrow.deposit_received"
	EventTypeFulfillmentRegistered = "escrow.fulfillment_registered"
	EventTypeRefundAuthorized      = "escrow.refund_authorized"
	EventTypeRefundWithdrawn       = "escrow.refund_withdrawn"
	EventTypeBeneficiaryWithdrawal = "escrow.beneficiary_withdrawal"
)

// ledgerEvent adapts a wire payload to the events.Emitter contract.
type ledgerEvent struct {
	evt *types.Event
}

func (e ledgerEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e ledgerEvent) Event() *types.Event { return e.evt }

// NewDepositReceivedEvent returns the canonical payload for a freshly stored
// pending record. The full record is carried so off-chain observers can index
// it without a follow-up query.
func NewDepositReceivedEvent(r *FulfillmentRecord) *types.Event {
	attrs := recordAttributes(r)
	return &types.Event{Type: EventTypeDepositReceived, Attributes: attrs}
}

// NewFulfillmentRegisteredEvent returns the payload emitted when a record
// reaches a terminal status.
func NewFulfillmentRegisteredEvent(r *FulfillmentRecord) *types.Event {
	attrs := recordAttributes(r)
	return &types.Event{Type: EventTypeFulfillmentRegistered, Attributes: attrs}
}

// NewRefundAuthorizedEvent returns the payload emitted when a failed
// fulfillment moves funds into the payer's refund ledger.
func NewRefundAuthorizedEvent(serviceID uint64, payer [20]byte, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeRefundAuthorized, Attributes: map[string]string{
		"serviceId": strconv.FormatUint(serviceID, 10),
		"payee":     addrHex(payer),
		"amount":    amountString(amount),
	}}
}

// NewRefundWithdrawnEvent returns the payload emitted once an authorized
// refund has been paid out.
func NewRefundWithdrawnEvent(serviceID uint64, payee [20]byte, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeRefundWithdrawn, Attributes: map[string]string{
		"serviceId": strconv.FormatUint(serviceID, 10),
		"payee":     addrHex(payee),
		"amount":    amountString(amount),
	}}
}

// NewBeneficiaryWithdrawalEvent returns the payload emitted when the
// releasable pool is paid out to the service beneficiary.
func NewBeneficiaryWithdrawalEvent(serviceID uint64, beneficiary [20]byte, amount *big.Int) *types.Event {
	return &types.Event{Type: EventTypeBeneficiaryWithdrawal, Attributes: map[string]string{
		"serviceId":   strconv.FormatUint(serviceID, 10),
		"beneficiary": addrHex(beneficiary),
		"amount":      amountString(amount),
	}}
}

func recordAttributes(r *FulfillmentRecord) map[string]string {
	attrs := make(map[string]string)
	if r == nil {
		return attrs
	}
	attrs["id"] = strconv.FormatUint(r.ID, 10)
	attrs["serviceId"] = strconv.FormatUint(r.ServiceID, 10)
	attrs["payer"] = addrHex(r.Payer)
	attrs["fulfiller"] = addrHex(r.Fulfiller)
	attrs["amount"] = amountString(r.Amount)
	attrs["feeAmount"] = amountString(r.FeeAmount)
	attrs["status"] = r.Status.String()
	if r.ServiceRef != "" {
		attrs["serviceRef"] = r.ServiceRef
	}
	if r.FiatAmount != "" {
		attrs["fiatAmount"] = r.FiatAmount
	}
	if r.ExternalID != "" {
		attrs["externalId"] = r.ExternalID
	}
	if r.ReceiptURI != "" {
		attrs["receiptUri"] = r.ReceiptURI
	}
	if r.Token != zeroAddress {
		attrs["token"] = addrHex(r.Token)
	}
	return attrs
}

func addrHex(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

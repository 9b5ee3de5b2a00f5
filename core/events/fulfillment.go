package events

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"

	"fulfillchain/core/types"
)

const (
	// TypeServiceAdded is emitted when a fulfillable service is registered
	// in the directory.
	TypeServiceAdded = "registry.service_added"
	// TypeServiceRemoved is emitted when a service entry is deleted from the
	// directory. Reference lists and ledger balances stay addressable.
	TypeServiceRemoved = "registry.service_removed"
	// TypeServiceFeeUpdated is emitted when the owner changes a service fee.
	TypeServiceFeeUpdated = "registry.service_fee_updated"
	// TypeServiceBeneficiaryUpdated is emitted when the owner redirects the
	// payout address for a service.
	TypeServiceBeneficiaryUpdated = "registry.service_beneficiary_updated"
	// TypeServiceFulfillerUpdated is emitted when the owner rotates the
	// address authorized to report results for a service.
	TypeServiceFulfillerUpdated = "registry.service_fulfiller_updated"
	// TypeServiceRefAdded is emitted when a validation reference is appended
	// to a service's allow-list.
	TypeServiceRefAdded = "registry.service_ref_added"
	// TypeTokenWhitelisted is emitted when a token contract is admitted to
	// the escrow allow-list.
	TypeTokenWhitelisted = "tokenlist.whitelisted"
	// TypeTokenRemoved is emitted when a token contract is removed from the
	// escrow allow-list.
	TypeTokenRemoved = "tokenlist.removed"
)

// ServiceAdded captures the directory entry for a newly registered service.
type ServiceAdded struct {
	ServiceID   uint64
	Fulfiller   [20]byte
	Beneficiary [20]byte
	FeeAmount   *big.Int
}

// EventType satisfies the events.Event interface.
func (ServiceAdded) EventType() string { return TypeServiceAdded }

// Event converts the payload into a wire-friendly representation.
func (e ServiceAdded) Event() *types.Event {
	attrs := map[string]string{
		"serviceId":   strconv.FormatUint(e.ServiceID, 10),
		"fulfiller":   hexAddr(e.Fulfiller),
		"beneficiary": hexAddr(e.Beneficiary),
		"feeAmount":   bigString(e.FeeAmount),
	}
	return &types.Event{Type: TypeServiceAdded, Attributes: attrs}
}

// ServiceRemoved marks the deletion of a directory entry.
type ServiceRemoved struct {
	ServiceID uint64
}

// EventType satisfies the events.Event interface.
func (ServiceRemoved) EventType() string { return TypeServiceRemoved }

// Event converts the payload into a wire-friendly representation.
func (e ServiceRemoved) Event() *types.Event {
	return &types.Event{Type: TypeServiceRemoved, Attributes: map[string]string{
		"serviceId": strconv.FormatUint(e.ServiceID, 10),
	}}
}

// ServiceFieldUpdated is the shared payload for single-field service updates
// (fee, beneficiary, fulfiller).
type ServiceFieldUpdated struct {
	Type      string
	ServiceID uint64
	Value     string
}

// EventType satisfies the events.Event interface.
func (e ServiceFieldUpdated) EventType() string { return e.Type }

// Event converts the payload into a wire-friendly representation.
func (e ServiceFieldUpdated) Event() *types.Event {
	return &types.Event{Type: e.Type, Attributes: map[string]string{
		"serviceId": strconv.FormatUint(e.ServiceID, 10),
		"value":     strings.TrimSpace(e.Value),
	}}
}

// ServiceRefAdded records a new entry on a service's reference allow-list.
type ServiceRefAdded struct {
	ServiceID uint64
	Ref       string
}

// EventType satisfies the events.Event interface.
func (ServiceRefAdded) EventType() string { return TypeServiceRefAdded }

// Event converts the payload into a wire-friendly representation.
func (e ServiceRefAdded) Event() *types.Event {
	return &types.Event{Type: TypeServiceRefAdded, Attributes: map[string]string{
		"serviceId":  strconv.FormatUint(e.ServiceID, 10),
		"serviceRef": e.Ref,
	}}
}

// TokenListUpdated is the payload for allow-list membership changes.
type TokenListUpdated struct {
	Type  string
	Token [20]byte
}

// EventType satisfies the events.Event interface.
func (e TokenListUpdated) EventType() string { return e.Type }

// Event converts the payload into a wire-friendly representation.
func (e TokenListUpdated) Event() *types.Event {
	return &types.Event{Type: e.Type, Attributes: map[string]string{
		"token": hexAddr(e.Token),
	}}
}

func hexAddr(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

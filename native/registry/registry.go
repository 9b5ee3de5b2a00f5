package registry

import (
	"fmt"
	"math/big"
	"strings"

	"fulfillchain/core/events"
)

type registryState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

// Registry is the service directory: it persists Service records, their
// reference allow-lists and the many-to-many fulfiller capability markers.
//
// Two privileged callers exist. The owner performs administrative writes
// (field updates, removal, manager rotation); the manager performs the
// high-frequency operational writes (AddService, AddServiceRef,
// AddFulfiller). The split keeps structural changes under slower
// administrative control while the orchestrator drives day-to-day additions.
type Registry struct {
	st      registryState
	emitter events.Emitter
	owner   [20]byte
	manager [20]byte
}

// NewRegistry creates a directory backed by the provided state manager. The
// owner is fixed at construction; the manager starts unset and must be
// assigned by the owner before operational writes succeed.
func NewRegistry(st registryState, owner [20]byte) *Registry {
	return &Registry{st: st, emitter: events.NoopEmitter{}, owner: owner}
}

// SetEmitter configures the event emitter used to broadcast directory
// updates. Passing nil resets the emitter to a no-op implementation.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetManager rotates the operational manager address. Owner only.
func (r *Registry) SetManager(caller, manager [20]byte) error {
	if caller != r.owner {
		return ErrNotOwner
	}
	if manager == zeroAddress {
		return ErrZeroAddress
	}
	r.manager = manager
	return nil
}

// Owner returns the administrative owner fixed at construction.
func (r *Registry) Owner() [20]byte { return r.owner }

func (r *Registry) requireOwner(caller [20]byte) error {
	if caller != r.owner {
		return ErrNotOwner
	}
	return nil
}

func (r *Registry) requireManager(caller [20]byte) error {
	if r.manager == zeroAddress || caller != r.manager {
		return ErrNotManager
	}
	return nil
}

// AddService persists a new service record. Manager only. Fails when the
// service id is already occupied.
func (r *Registry) AddService(caller [20]byte, svc *Service) error {
	if err := r.requireManager(caller); err != nil {
		return err
	}
	sanitized, err := sanitizeService(svc)
	if err != nil {
		return err
	}
	exists, err := r.st.KVGet(serviceKey(sanitized.ServiceID), nil)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %d", ErrServiceExists, sanitized.ServiceID)
	}
	if err := r.st.KVPut(serviceKey(sanitized.ServiceID), sanitized); err != nil {
		return err
	}
	r.emitter.Emit(events.ServiceAdded{
		ServiceID:   sanitized.ServiceID,
		Fulfiller:   sanitized.Fulfiller,
		Beneficiary: sanitized.Beneficiary,
		FeeAmount:   new(big.Int).Set(sanitized.FeeAmount),
	})
	return nil
}

// GetService loads the service stored under the id. The returned value is a
// copy; mutating it does not affect state.
func (r *Registry) GetService(serviceID uint64) (*Service, error) {
	stored := new(Service)
	found, err := r.st.KVGet(serviceKey(serviceID), stored)
	if err != nil {
		return nil, err
	}
	if !found || stored.Fulfiller == zeroAddress {
		return nil, fmt.Errorf("%w: %d", ErrServiceNotFound, serviceID)
	}
	return stored.Clone(), nil
}

func (r *Registry) updateService(serviceID uint64, mutate func(*Service) error) (*Service, error) {
	stored := new(Service)
	found, err := r.st.KVGet(serviceKey(serviceID), stored)
	if err != nil {
		return nil, err
	}
	if !found || stored.Fulfiller == zeroAddress {
		return nil, fmt.Errorf("%w: %d", ErrServiceNotFound, serviceID)
	}
	if err := mutate(stored); err != nil {
		return nil, err
	}
	sanitized, err := sanitizeService(stored)
	if err != nil {
		return nil, err
	}
	if err := r.st.KVPut(serviceKey(serviceID), sanitized); err != nil {
		return nil, err
	}
	return sanitized, nil
}

// UpdateServiceBeneficiary redirects the payout address for a service. Owner
// only. Other fields are left untouched.
func (r *Registry) UpdateServiceBeneficiary(caller [20]byte, serviceID uint64, beneficiary [20]byte) error {
	if err := r.requireOwner(caller); err != nil {
		return err
	}
	if beneficiary == zeroAddress {
		return ErrZeroAddress
	}
	if _, err := r.updateService(serviceID, func(s *Service) error {
		s.Beneficiary = beneficiary
		return nil
	}); err != nil {
		return err
	}
	r.emitter.Emit(events.ServiceFieldUpdated{
		Type:      events.TypeServiceBeneficiaryUpdated,
		ServiceID: serviceID,
		Value:     hexAddress(beneficiary),
	})
	return nil
}

// UpdateServiceFeeAmount changes the per-fulfillment fee for a service. Owner
// only. Settlement math reads this live value, not the deposit-time snapshot.
func (r *Registry) UpdateServiceFeeAmount(caller [20]byte, serviceID uint64, fee *big.Int) error {
	if err := r.requireOwner(caller); err != nil {
		return err
	}
	if fee == nil {
		fee = big.NewInt(0)
	}
	if fee.Sign() < 0 {
		return ErrNegativeFee
	}
	if _, err := r.updateService(serviceID, func(s *Service) error {
		s.FeeAmount = new(big.Int).Set(fee)
		return nil
	}); err != nil {
		return err
	}
	r.emitter.Emit(events.ServiceFieldUpdated{
		Type:      events.TypeServiceFeeUpdated,
		ServiceID: serviceID,
		Value:     fee.String(),
	})
	return nil
}

// UpdateServiceFulfiller rotates the address authorized to report results for
// a service. Owner only.
func (r *Registry) UpdateServiceFulfiller(caller [20]byte, serviceID uint64, fulfiller [20]byte) error {
	if err := r.requireOwner(caller); err != nil {
		return err
	}
	if fulfiller == zeroAddress {
		return ErrZeroAddress
	}
	if _, err := r.updateService(serviceID, func(s *Service) error {
		s.Fulfiller = fulfiller
		return nil
	}); err != nil {
		return err
	}
	r.emitter.Emit(events.ServiceFieldUpdated{
		Type:      events.TypeServiceFulfillerUpdated,
		ServiceID: serviceID,
		Value:     hexAddress(fulfiller),
	})
	return nil
}

// AddServiceRef appends a validation reference to the service's allow-list.
// Manager only. The list is append-only; entries are never removed.
func (r *Registry) AddServiceRef(caller [20]byte, serviceID uint64, ref string) error {
	if err := r.requireManager(caller); err != nil {
		return err
	}
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return ErrEmptyRef
	}
	if _, err := r.GetService(serviceID); err != nil {
		return err
	}
	if err := r.st.KVAppend(serviceRefsKey(serviceID), []byte(trimmed)); err != nil {
		return err
	}
	r.emitter.Emit(events.ServiceRefAdded{ServiceID: serviceID, Ref: trimmed})
	return nil
}

// ServiceRefs returns the ordered reference allow-list for a service.
func (r *Registry) ServiceRefs(serviceID uint64) ([]string, error) {
	var raw [][]byte
	if err := r.st.KVGetList(serviceRefsKey(serviceID), &raw); err != nil {
		return nil, err
	}
	refs := make([]string, len(raw))
	for i, entry := range raw {
		refs[i] = string(entry)
	}
	return refs, nil
}

// IsRefValid reports whether the reference appears on the service's
// allow-list. Exact string equality, linear scan; lists are expected to stay
// small.
func (r *Registry) IsRefValid(serviceID uint64, ref string) (bool, error) {
	refs, err := r.ServiceRefs(serviceID)
	if err != nil {
		return false, err
	}
	for _, candidate := range refs {
		if candidate == ref {
			return true, nil
		}
	}
	return false, nil
}

// RemoveServiceAddress deletes the service entry. Owner only. The reference
// list and any ledger balances keyed by the id remain addressable; the id is
// never recycled.
func (r *Registry) RemoveServiceAddress(caller [20]byte, serviceID uint64) error {
	if err := r.requireOwner(caller); err != nil {
		return err
	}
	if _, err := r.GetService(serviceID); err != nil {
		return err
	}
	if err := r.st.KVDelete(serviceKey(serviceID)); err != nil {
		return err
	}
	r.emitter.Emit(events.ServiceRemoved{ServiceID: serviceID})
	return nil
}

// AddFulfiller records a capability marker allowing the address to fulfill
// for the service, independent of the primary Service.Fulfiller field.
// Manager only. Fails when the pair is already registered.
func (r *Registry) AddFulfiller(caller, fulfiller [20]byte, serviceID uint64) error {
	if err := r.requireManager(caller); err != nil {
		return err
	}
	if fulfiller == zeroAddress {
		return ErrZeroAddress
	}
	if _, err := r.GetService(serviceID); err != nil {
		return err
	}
	key := fulfillerCapKey(fulfiller, serviceID)
	exists, err := r.st.KVGet(key, nil)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: service %d", ErrFulfillerExists, serviceID)
	}
	return r.st.KVPut(key, true)
}

// CanFulfillerFulfill reports whether the capability marker exists for the
// (fulfiller, service) pair.
func (r *Registry) CanFulfillerFulfill(fulfiller [20]byte, serviceID uint64) (bool, error) {
	var marker bool
	found, err := r.st.KVGet(fulfillerCapKey(fulfiller, serviceID), &marker)
	if err != nil {
		return false, err
	}
	return found && marker, nil
}

func hexAddress(addr [20]byte) string {
	return fmt.Sprintf("0x%x", addr)
}

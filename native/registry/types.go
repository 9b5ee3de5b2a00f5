package registry

import "math/big"

// Service captures the on-chain configuration for a fulfillable product. The
// fulfiller address doubles as the existence marker: a stored service always
// carries a non-zero fulfiller, so a zero fulfiller on lookup means the slot
// is empty.
type Service struct {
	ServiceID   uint64
	Beneficiary [20]byte
	FeeAmount   *big.Int
	Fulfiller   [20]byte
}

// Clone returns a deep copy so callers can mutate the result without
// affecting stored state.
func (s *Service) Clone() *Service {
	if s == nil {
		return nil
	}
	clone := *s
	if s.FeeAmount != nil {
		clone.FeeAmount = new(big.Int).Set(s.FeeAmount)
	} else {
		clone.FeeAmount = big.NewInt(0)
	}
	return &clone
}

var zeroAddress [20]byte

func sanitizeService(s *Service) (*Service, error) {
	if s == nil {
		return nil, ErrNilService
	}
	clone := s.Clone()
	if clone.ServiceID == 0 {
		return nil, ErrInvalidServiceID
	}
	if clone.Fulfiller == zeroAddress {
		return nil, ErrZeroAddress
	}
	if clone.Beneficiary == zeroAddress {
		return nil, ErrZeroAddress
	}
	if clone.FeeAmount.Sign() < 0 {
		return nil, ErrNegativeFee
	}
	return clone, nil
}

package rpc

import "encoding/json"

// Owner-facing administration: token allow-list membership and directory
// maintenance. Authorization lives in the target packages; these handlers
// only resolve the caller and decode params.

type tokenAdminParams struct {
	Caller string `json:"caller,omitempty"`
	Token  string `json:"token"`
}

func (s *Server) handleTokenListAdd(ctx callerContext, raw json.RawMessage) (interface{}, error) {
	var p tokenAdminParams
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
	if err := s.tokens.AddToken(caller, token); err != nil {
		return nil, err
	}
	return map[string]bool{"listed": true}, nil
}

func (s *Server) handleTokenListRemove(ctx callerContext, raw json.RawMessage) (interface{}, error) {
	var p tokenAdminParams
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
	if err := s.tokens.RemoveToken(caller, token); err != nil {
		return nil, err
	}
	return map[string]bool{"listed": false}, nil
}

type serviceUpdateParams struct {
	Caller      string `json:"caller,omitempty"`
	ServiceID   uint64 `json:"serviceId"`
	Beneficiary string `json:"beneficiary,omitempty"`
	FeeAmount   string `json:"feeAmount,omitempty"`
	Fulfiller   string `json:"fulfiller,omitempty"`
}

func (s *Server) handleUpdateBeneficiary(ctx callerContext, raw json.RawMessage) (interface{}, error) {
	var p serviceUpdateParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	caller, err := s.resolveCaller(ctx, p.Caller)
	if err != nil {
		return nil, err
	}
	beneficiary, err := parseAddress(p.Beneficiary)
	if err != nil {
		return nil, err
	}
	if err := s.directory.UpdateServiceBeneficiary(caller, p.ServiceID, beneficiary); err != nil {
		return nil, err
	}
	return map[string]bool{"updated": true}, nil
}

func (s *Server) handleUpdateFee(ctx callerContext, raw json.RawMessage) (interface{}, error) {
	var p serviceUpdateParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	caller, err := s.resolveCaller(ctx, p.Caller)
	if err != nil {
		return nil, err
	}
	fee, err := parseAmount(p.FeeAmount)
	if err != nil {
		return nil, err
	}
	if err := s.directory.UpdateServiceFeeAmount(caller, p.ServiceID, fee); err != nil {
		return nil, err
	}
	return map[string]bool{"updated": true}, nil
}

func (s *Server) handleUpdateFulfiller(ctx callerContext, raw json.RawMessage) (interface{}, error) {
	var p serviceUpdateParams
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
	if err := s.directory.UpdateServiceFulfiller(caller, p.ServiceID, fulfiller); err != nil {
		return nil, err
	}
	return map[string]bool{"updated": true}, nil
}

type removeServiceParams struct {
	Caller    string `json:"caller,omitempty"`
	ServiceID uint64 `json:"serviceId"`
}

func (s *Server) handleRemoveService(ctx callerContext, raw json.RawMessage) (interface{}, error) {
	var p removeServiceParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	caller, err := s.resolveCaller(ctx, p.Caller)
	if err != nil {
		return nil, err
	}
	if err := s.directory.RemoveServiceAddress(caller, p.ServiceID); err != nil {
		return nil, err
	}
	return map[string]bool{"removed": true}, nil
}

type canFulfillParams struct {
	Fulfiller string `json:"fulfiller"`
	ServiceID uint64 `json:"serviceId"`
}

func (s *Server) handleCanFulfill(_ callerContext, raw json.RawMessage) (interface{}, error) {
	var p canFulfillParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	fulfiller, err := parseAddress(p.Fulfiller)
	if err != nil {
		return nil, err
	}
	can, err := s.directory.CanFulfillerFulfill(fulfiller, p.ServiceID)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"can": can}, nil
}

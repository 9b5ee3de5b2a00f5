package registry

import "errors"

var (
	ErrNilService       = errors.New("registry: nil service")
	ErrInvalidServiceID = errors.New("registry: service id must be non-zero")
	ErrZeroAddress      = errors.New("registry: zero address")
	ErrNegativeFee      = errors.New("registry: negative fee amount")
	ErrNotOwner         = errors.New("registry: caller is not the owner")
	ErrNotManager       = errors.New("registry: caller is not the manager")
	ErrServiceExists    = errors.New("registry: service already exists")
	ErrServiceNotFound  = errors.New("registry: service not found")
	ErrFulfillerExists  = errors.New("registry: fulfiller already registered for service")
	ErrEmptyRef         = errors.New("registry: empty service reference")
)

// Package tokenlist implements the whitelist gating which fungible-token
// contracts may be escrowed. Membership is consulted by the request
// validation layer before a token deposit reaches the ledger.
package tokenlist

import (
	"errors"
	"fmt"

	"fulfillchain/core/events"
)

var (
	ErrNotOwner    = errors.New("tokenlist: caller is not the owner")
	ErrZeroAddress = errors.New("tokenlist: zero token address")
	ErrDuplicate   = errors.New("tokenlist: token already whitelisted")
	ErrNotListed   = errors.New("tokenlist: token not whitelisted")
)

type listState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

var (
	tokenPrefix = []byte("tokenlist/")
	zeroAddress [20]byte
)

func tokenKey(token [20]byte) []byte {
	return append(append([]byte(nil), tokenPrefix...), token[:]...)
}

// List is the owner-gated set of acceptable token contracts.
type List struct {
	st      listState
	emitter events.Emitter
	owner   [20]byte
}

// NewList creates a token allow-list backed by the provided state manager.
func NewList(st listState, owner [20]byte) *List {
	return &List{st: st, emitter: events.NoopEmitter{}, owner: owner}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op
// implementation.
func (l *List) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// AddToken admits a token contract. Owner only; duplicate adds fail.
func (l *List) AddToken(caller, token [20]byte) error {
	if caller != l.owner {
		return ErrNotOwner
	}
	if token == zeroAddress {
		return ErrZeroAddress
	}
	exists, err := l.st.KVGet(tokenKey(token), nil)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: 0x%x", ErrDuplicate, token)
	}
	if err := l.st.KVPut(tokenKey(token), true); err != nil {
		return err
	}
	l.emitter.Emit(events.TokenListUpdated{Type: events.TypeTokenWhitelisted, Token: token})
	return nil
}

// RemoveToken evicts a token contract. Owner only; removing an absent token
// fails.
func (l *List) RemoveToken(caller, token [20]byte) error {
	if caller != l.owner {
		return ErrNotOwner
	}
	if token == zeroAddress {
		return ErrZeroAddress
	}
	exists, err := l.st.KVGet(tokenKey(token), nil)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: 0x%x", ErrNotListed, token)
	}
	if err := l.st.KVDelete(tokenKey(token)); err != nil {
		return err
	}
	l.emitter.Emit(events.TokenListUpdated{Type: events.TypeTokenRemoved, Token: token})
	return nil
}

// IsTokenWhitelisted reports membership. Read-only.
func (l *List) IsTokenWhitelisted(token [20]byte) (bool, error) {
	var marker bool
	found, err := l.st.KVGet(tokenKey(token), &marker)
	if err != nil {
		return false, err
	}
	return found && marker, nil
}

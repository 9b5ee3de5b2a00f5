// Package bank keeps the protocol's value accounting. It tracks native and
// token balances per account in state and moves value between accounts with
// checked arithmetic, so the escrow ledgers can delegate custody transfers to
// it instead of talking to storage directly.
package bank

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
)

var (
	ErrNilState          = errors.New("bank: state manager not configured")
	ErrNotOwner          = errors.New("bank: caller is not the owner")
	ErrZeroAddress       = errors.New("bank: zero address")
	ErrInvalidAmount     = errors.New("bank: amount must be positive")
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	ErrOverflow          = errors.New("bank: balance overflow")
)

var zeroAddress [20]byte

// bankState is the slice of the state manager the bank needs.
type bankState interface {
	KVPut(key []byte, value interface{}) error
	KVGet(key []byte, out interface{}) (bool, error)
}

const (
	nativeBalancePrefix = "bank/native/"
	tokenBalancePrefix  = "bank/token/"
)

func nativeKey(account [20]byte) []byte {
	key := make([]byte, 0, len(nativeBalancePrefix)+20)
	key = append(key, nativeBalancePrefix...)
	return append(key, account[:]...)
}

func tokenKey(token, account [20]byte) []byte {
	key := make([]byte, 0, len(tokenBalancePrefix)+40)
	key = append(key, tokenBalancePrefix...)
	key = append(key, token[:]...)
	return append(key, account[:]...)
}

// Bank is the in-process settlement bank. Minting is restricted to the owner;
// transfers only rearrange existing balances and never create value.
type Bank struct {
	mu    sync.Mutex
	st    bankState
	owner [20]byte
}

// NewBank constructs a bank over the supplied state.
func NewBank(st bankState, owner [20]byte) *Bank {
	return &Bank{st: st, owner: owner}
}

func (b *Bank) balance(key []byte) (*big.Int, error) {
	amount := new(big.Int)
	found, err := b.st.KVGet(key, amount)
	if err != nil {
		return nil, err
	}
	if !found {
		return big.NewInt(0), nil
	}
	return amount, nil
}

func checkedAdd(a, v *big.Int) (*big.Int, error) {
	x, overflow := uint256.FromBig(a)
	if overflow {
		return nil, ErrOverflow
	}
	y, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrOverflow
	}
	sum, carry := new(uint256.Int).AddOverflow(x, y)
	if carry {
		return nil, ErrOverflow
	}
	return sum.ToBig(), nil
}

func (b *Bank) move(fromKey, toKey []byte, amount *big.Int) error {
	if b.st == nil {
		return ErrNilState
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	from, err := b.balance(fromKey)
	if err != nil {
		return err
	}
	if from.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, from, amount)
	}
	to, err := b.balance(toKey)
	if err != nil {
		return err
	}
	credited, err := checkedAdd(to, amount)
	if err != nil {
		return err
	}
	if err := b.st.KVPut(fromKey, new(big.Int).Sub(from, amount)); err != nil {
		return err
	}
	return b.st.KVPut(toKey, credited)
}

func (b *Bank) mint(key []byte, caller [20]byte, amount *big.Int) error {
	if b.st == nil {
		return ErrNilState
	}
	if caller != b.owner {
		return ErrNotOwner
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	current, err := b.balance(key)
	if err != nil {
		return err
	}
	credited, err := checkedAdd(current, amount)
	if err != nil {
		return err
	}
	return b.st.KVPut(key, credited)
}

// Mint credits native value to the account. Owner only.
func (b *Bank) Mint(caller, account [20]byte, amount *big.Int) error {
	if account == zeroAddress {
		return ErrZeroAddress
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mint(nativeKey(account), caller, amount)
}

// MintToken credits token value to the account. Owner only.
func (b *Bank) MintToken(caller, token, account [20]byte, amount *big.Int) error {
	if token == zeroAddress || account == zeroAddress {
		return ErrZeroAddress
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mint(tokenKey(token, account), caller, amount)
}

// Transfer moves native value between accounts.
func (b *Bank) Transfer(from, to [20]byte, amount *big.Int) error {
	if from == zeroAddress || to == zeroAddress {
		return ErrZeroAddress
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.move(nativeKey(from), nativeKey(to), amount)
}

// TransferToken moves token value between accounts.
func (b *Bank) TransferToken(token, from, to [20]byte, amount *big.Int) error {
	if token == zeroAddress || from == zeroAddress || to == zeroAddress {
		return ErrZeroAddress
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.move(tokenKey(token, from), tokenKey(token, to), amount)
}

// BalanceOf returns the native balance of the account.
func (b *Bank) BalanceOf(account [20]byte) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st == nil {
		return nil, ErrNilState
	}
	return b.balance(nativeKey(account))
}

// TokenBalanceOf returns the token balance of the account.
func (b *Bank) TokenBalanceOf(token, account [20]byte) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st == nil {
		return nil, ErrNilState
	}
	return b.balance(tokenKey(token, account))
}

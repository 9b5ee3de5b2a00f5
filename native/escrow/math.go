package escrow

import (
	"math/big"

	"github.com/holiman/uint256"
)

// Ledger balances live in the uint256 domain. Every increment and decrement
// is checked; overflow or underflow aborts the whole operation instead of
// wrapping.

func checkedAdd(a, b *big.Int) (*big.Int, error) {
	x, overflow := uint256.FromBig(cloneBigInt(a))
	if overflow {
		return nil, ErrOverflow
	}
	y, overflow := uint256.FromBig(cloneBigInt(b))
	if overflow {
		return nil, ErrOverflow
	}
	sum, carry := new(uint256.Int).AddOverflow(x, y)
	if carry {
		return nil, ErrOverflow
	}
	return sum.ToBig(), nil
}

func checkedSub(a, b *big.Int) (*big.Int, error) {
	x, overflow := uint256.FromBig(cloneBigInt(a))
	if overflow {
		return nil, ErrOverflow
	}
	y, overflow := uint256.FromBig(cloneBigInt(b))
	if overflow {
		return nil, ErrOverflow
	}
	diff, borrow := new(uint256.Int).SubOverflow(x, y)
	if borrow {
		return nil, ErrUnderflow
	}
	return diff.ToBig(), nil
}

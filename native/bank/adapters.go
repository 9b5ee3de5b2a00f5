package bank

import "math/big"

// ModuleAccount binds the bank to a module-owned native account. The escrow
// ledger pays out through it, and the deposit path collects attached value
// into it.
type ModuleAccount struct {
	bank *Bank
	addr [20]byte
}

// NewModuleAccount returns an adapter over the module's custody account.
func NewModuleAccount(b *Bank, addr [20]byte) *ModuleAccount {
	return &ModuleAccount{bank: b, addr: addr}
}

// Collect pulls native value from the payer into module custody.
func (m *ModuleAccount) Collect(payer [20]byte, amount *big.Int) error {
	return m.bank.Transfer(payer, m.addr, amount)
}

// Release pays native value out of module custody.
func (m *ModuleAccount) Release(to [20]byte, amount *big.Int) error {
	return m.bank.Transfer(m.addr, to, amount)
}

// Transfer satisfies the native ledger's transferer surface; outbound ledger
// payments come out of module custody.
func (m *ModuleAccount) Transfer(to [20]byte, amount *big.Int) error {
	return m.Release(to, amount)
}

// VaultAccount binds the bank to the token vault. It satisfies the token
// ledger's transferer surface: deposits are pulled into the vault and payouts
// leave it.
type VaultAccount struct {
	bank  *Bank
	vault [20]byte
}

// NewVaultAccount returns an adapter over the token vault account.
func NewVaultAccount(b *Bank, vault [20]byte) *VaultAccount {
	return &VaultAccount{bank: b, vault: vault}
}

// BalanceOf reports the token balance of an account.
func (v *VaultAccount) BalanceOf(token, account [20]byte) (*big.Int, error) {
	return v.bank.TokenBalanceOf(token, account)
}

// TransferFrom pulls token value from an account; the escrow ledger uses it
// to move a deposit into the vault.
func (v *VaultAccount) TransferFrom(token, from, to [20]byte, amount *big.Int) error {
	return v.bank.TransferToken(token, from, to, amount)
}

// Transfer pays token value out of the vault.
func (v *VaultAccount) Transfer(token, to [20]byte, amount *big.Int) error {
	return v.bank.TransferToken(token, v.vault, to, amount)
}

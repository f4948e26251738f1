// Package chain reads candidate payment transactions from the ledger.
//
// The scanner looks up recent signatures touching an invoice's reference
// key and enriches each with full parsed detail: per-account native
// balance deltas, per-account token balance deltas, and the success flag.
// It is strictly read-only.
package chain

import (
	"math/big"
	"time"
)

// TokenBalance is one account's token balance around a transaction,
// merged from the ledger's pre/post records for a single (account, mint)
// pair. A missing side means the balance was zero.
type TokenBalance struct {
	AccountIndex int
	Owner        string
	Mint         string
	Decimals     int
	Pre          *big.Int
	Post         *big.Int
}

// Delta returns post minus pre.
func (b TokenBalance) Delta() *big.Int {
	return new(big.Int).Sub(b.Post, b.Pre)
}

// Transaction is an observed ledger transaction in domain form,
// independent of the RPC response shape. Ephemeral: nothing here is
// persisted beyond the winning signature.
type Transaction struct {
	Signature string

	// Accounts is the full participant list, index-aligned with the
	// native balance slices.
	Accounts     []string
	PreBalances  []uint64
	PostBalances []uint64

	TokenBalances []TokenBalance

	// InstructionAccounts lists, per instruction, the resolved account
	// addresses it references.
	InstructionAccounts [][]string

	Succeeded bool
	BlockTime time.Time
}

// NativeDelta returns the native balance change at the given account
// index, or nil if the index has no balance record.
func (t *Transaction) NativeDelta(index int) *big.Int {
	if index < 0 || index >= len(t.PreBalances) || index >= len(t.PostBalances) {
		return nil
	}
	pre := new(big.Int).SetUint64(t.PreBalances[index])
	post := new(big.Int).SetUint64(t.PostBalances[index])
	return post.Sub(post, pre)
}

// AccountIndex returns the participant index of the given address, or -1.
func (t *Transaction) AccountIndex(address string) int {
	for i, a := range t.Accounts {
		if a == address {
			return i
		}
	}
	return -1
}

// References reports whether the address appears as a participant or in
// any instruction's referenced-account list.
func (t *Transaction) References(address string) bool {
	if t.AccountIndex(address) >= 0 {
		return true
	}
	for _, accounts := range t.InstructionAccounts {
		for _, a := range accounts {
			if a == address {
				return true
			}
		}
	}
	return false
}

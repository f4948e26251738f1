// Package validate decides whether a candidate transaction settles an invoice.
//
// The reference key is the anti-spoofing gate: it is unpredictable and
// controlled only by the invoice creator, so its presence in a
// transaction is necessary for a match. It is not sufficient: the
// transferred value at the invoice's recipient must also clear the
// expected amount within the configured tolerance band.
package validate

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/veriflow-pay/veriflow/internal/amount"
	"github.com/veriflow-pay/veriflow/internal/chain"
	"github.com/veriflow-pay/veriflow/internal/invoice"
)

// ErrNoMatch reports that a well-formed transaction simply does not pay
// the invoice. It is the expected outcome for almost every candidate and
// is never an operational failure.
var ErrNoMatch = errors.New("transaction does not match invoice")

// DefaultToleranceBps is the default amount-sufficiency tolerance in
// basis points. Cross-representation amount conversion rounds in the
// payer's wallet, so exact equality would be brittle; 1% is the product
// default, injected rather than hard-coded so policy can change it.
const DefaultToleranceBps = 100

// Confirmation is the validated result: proof that one transaction paid
// one invoice. Created at most once per invoice, immutable afterward.
type Confirmation struct {
	Reference            string
	TransactionSignature string
	PayerAddress         string
	Amount               *big.Int
	AmountDecimal        string
	ConfirmedAt          time.Time
}

// Validator checks candidate transactions against invoices.
type Validator struct {
	toleranceBps int64
}

// New creates a validator with the given tolerance in basis points.
func New(toleranceBps int) *Validator {
	if toleranceBps < 0 || toleranceBps >= 10000 {
		toleranceBps = DefaultToleranceBps
	}
	return &Validator{toleranceBps: int64(toleranceBps)}
}

// Match returns a Confirmation if tx constitutes a valid, sufficient
// payment of inv, or ErrNoMatch. Any other error means the invoice
// itself is malformed; a merely non-matching transaction never errors.
func (v *Validator) Match(inv *invoice.Invoice, tx *chain.Transaction) (*Confirmation, error) {
	if err := inv.Validate(); err != nil {
		return nil, err
	}

	// Reference gate first: without the reference nothing else matters.
	if !tx.References(inv.Reference) {
		return nil, ErrNoMatch
	}

	expected, ok := amount.Parse(inv.Amount, inv.AssetDecimals)
	if !ok {
		return nil, fmt.Errorf("%w: amount %q", invoice.ErrMalformed, inv.Amount)
	}

	var actual *big.Int
	var payer string
	switch inv.AssetKind {
	case invoice.AssetNative:
		actual, payer = v.matchNative(inv, tx, expected)
	case invoice.AssetToken:
		actual, payer = v.matchToken(inv, tx, expected)
	default:
		return nil, fmt.Errorf("%w: asset kind %q", invoice.ErrMalformed, inv.AssetKind)
	}
	if actual == nil {
		return nil, ErrNoMatch
	}

	confirmedAt := tx.BlockTime
	if confirmedAt.IsZero() {
		confirmedAt = time.Now()
	}

	return &Confirmation{
		Reference:            inv.Reference,
		TransactionSignature: tx.Signature,
		PayerAddress:         payer,
		Amount:               actual,
		AmountDecimal:        amount.Format(actual, inv.AssetDecimals),
		ConfirmedAt:          confirmedAt,
	}, nil
}

// matchNative extracts the transferred amount as the recipient's native
// balance delta. The payer is taken as the first account whose balance
// decreased, the fee-and-transfer payer. With multiple fee payers or
// nested instructions this heuristic can misattribute the payer; the
// confirmed amount and signature are authoritative, the payer is
// best-effort.
func (v *Validator) matchNative(inv *invoice.Invoice, tx *chain.Transaction, expected *big.Int) (*big.Int, string) {
	idx := tx.AccountIndex(inv.Recipient)
	if idx < 0 {
		return nil, ""
	}

	delta := tx.NativeDelta(idx)
	if delta == nil || delta.Sign() <= 0 {
		// Reference present but no value arrived: not a payment.
		return nil, ""
	}
	if !v.sufficient(delta, expected) {
		return nil, ""
	}

	payer := ""
	for i := range tx.Accounts {
		if d := tx.NativeDelta(i); d != nil && d.Sign() < 0 {
			payer = tx.Accounts[i]
			break
		}
	}
	return delta, payer
}

// matchToken runs two independent scans over the token balance deltas:
// one for an increase of the invoice's mint owned by the recipient, one
// for a decrease of the same mint identifying the payer. The two sides
// are deliberately not required to share an instruction, since multi-hop
// transfers move value through intermediate accounts.
func (v *Validator) matchToken(inv *invoice.Invoice, tx *chain.Transaction, expected *big.Int) (*big.Int, string) {
	var actual *big.Int
	for _, tb := range tx.TokenBalances {
		if tb.Mint != inv.AssetMint || tb.Owner != inv.Recipient {
			continue
		}
		delta := tb.Delta()
		if delta.Sign() <= 0 {
			continue
		}
		// Multiple records can exist for the same mint; each one is a
		// candidate, not just the first.
		if v.sufficient(delta, expected) {
			actual = delta
			break
		}
	}
	if actual == nil {
		return nil, ""
	}

	payer := ""
	for _, tb := range tx.TokenBalances {
		if tb.Mint == inv.AssetMint && tb.Delta().Sign() < 0 {
			payer = tb.Owner
			break
		}
	}
	return actual, payer
}

// sufficient accepts actual >= expected * (1 - tolerance), computed in
// integer basis points so the boundary is exact.
func (v *Validator) sufficient(actual, expected *big.Int) bool {
	lhs := new(big.Int).Mul(actual, big.NewInt(10000))
	rhs := new(big.Int).Mul(expected, big.NewInt(10000-v.toleranceBps))
	return lhs.Cmp(rhs) >= 0
}

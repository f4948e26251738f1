package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Client fetches transactions from the ledger. Implementations must
// surface RPC failures as errors so callers can distinguish "not yet
// paid" from "could not check".
type Client interface {
	// SignaturesForReference returns up to limit recent signatures that
	// touch the reference account, newest first. Signatures of failed
	// transactions are excluded.
	SignaturesForReference(ctx context.Context, reference solana.PublicKey, limit int) ([]solana.Signature, error)

	// Transaction fetches full parsed detail for one signature.
	// Returns (nil, nil) if the ledger no longer has the transaction.
	Transaction(ctx context.Context, sig solana.Signature) (*Transaction, error)
}

// RPCClient implements Client over a JSON-RPC node.
type RPCClient struct {
	rpc        *rpc.Client
	commitment rpc.CommitmentType
}

// NewRPCClient connects to the given RPC endpoint.
func NewRPCClient(url string, commitment string) *RPCClient {
	c := rpc.CommitmentConfirmed
	switch commitment {
	case "processed":
		c = rpc.CommitmentProcessed
	case "finalized":
		c = rpc.CommitmentFinalized
	}
	return &RPCClient{
		rpc:        rpc.New(url),
		commitment: c,
	}
}

func (c *RPCClient) SignaturesForReference(ctx context.Context, reference solana.PublicKey, limit int) ([]solana.Signature, error) {
	out, err := c.rpc.GetSignaturesForAddressWithOpts(ctx, reference, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: c.commitment,
	})
	if err != nil {
		return nil, fmt.Errorf("get signatures for %s: %w", reference, err)
	}

	sigs := make([]solana.Signature, 0, len(out))
	for _, s := range out {
		if s.Err != nil {
			continue
		}
		sigs = append(sigs, s.Signature)
	}
	return sigs, nil
}

func (c *RPCClient) Transaction(ctx context.Context, sig solana.Signature) (*Transaction, error) {
	maxVersion := uint64(0)
	out, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     c.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get transaction %s: %w", sig, err)
	}
	if out == nil || out.Meta == nil {
		return nil, nil
	}

	parsed, err := out.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", sig, err)
	}

	return fromRPC(sig, parsed, out.Meta, out.BlockTime), nil
}

// fromRPC maps an RPC transaction into the domain model. The participant
// list is the static account keys followed by any addresses loaded from
// lookup tables, matching the index space of the balance arrays.
func fromRPC(sig solana.Signature, tx *solana.Transaction, meta *rpc.TransactionMeta, blockTime *solana.UnixTimeSeconds) *Transaction {
	accounts := make([]string, 0, len(tx.Message.AccountKeys))
	for _, k := range tx.Message.AccountKeys {
		accounts = append(accounts, k.String())
	}
	for _, k := range meta.LoadedAddresses.Writable {
		accounts = append(accounts, k.String())
	}
	for _, k := range meta.LoadedAddresses.ReadOnly {
		accounts = append(accounts, k.String())
	}

	instructions := make([][]string, 0, len(tx.Message.Instructions))
	for _, in := range tx.Message.Instructions {
		refs := make([]string, 0, len(in.Accounts))
		for _, idx := range in.Accounts {
			if int(idx) < len(accounts) {
				refs = append(refs, accounts[idx])
			}
		}
		instructions = append(instructions, refs)
	}

	var bt time.Time
	if blockTime != nil {
		bt = blockTime.Time()
	}

	return &Transaction{
		Signature:           sig.String(),
		Accounts:            accounts,
		PreBalances:         meta.PreBalances,
		PostBalances:        meta.PostBalances,
		TokenBalances:       mergeTokenBalances(accounts, meta.PreTokenBalances, meta.PostTokenBalances),
		InstructionAccounts: instructions,
		Succeeded:           meta.Err == nil,
		BlockTime:           bt,
	}
}

// mergeTokenBalances joins the pre and post token balance records on
// (account index, mint). A record present on only one side means the
// other side's balance was zero.
func mergeTokenBalances(accounts []string, pre, post []rpc.TokenBalance) []TokenBalance {
	type key struct {
		index int
		mint  string
	}

	merged := make(map[key]*TokenBalance)
	ordered := make([]key, 0, len(pre)+len(post))

	upsert := func(tb rpc.TokenBalance) *TokenBalance {
		k := key{index: int(tb.AccountIndex), mint: tb.Mint.String()}
		if b, ok := merged[k]; ok {
			return b
		}
		owner := ""
		if tb.Owner != nil {
			owner = tb.Owner.String()
		}
		b := &TokenBalance{
			AccountIndex: k.index,
			Owner:        owner,
			Mint:         k.mint,
			Pre:          big.NewInt(0),
			Post:         big.NewInt(0),
		}
		if tb.UiTokenAmount != nil {
			b.Decimals = int(tb.UiTokenAmount.Decimals)
		}
		merged[k] = b
		ordered = append(ordered, k)
		return b
	}

	rawAmount := func(tb rpc.TokenBalance) *big.Int {
		if tb.UiTokenAmount == nil {
			return big.NewInt(0)
		}
		v, ok := new(big.Int).SetString(tb.UiTokenAmount.Amount, 10)
		if !ok {
			return big.NewInt(0)
		}
		return v
	}

	for _, tb := range pre {
		upsert(tb).Pre = rawAmount(tb)
	}
	for _, tb := range post {
		upsert(tb).Post = rawAmount(tb)
	}

	result := make([]TokenBalance, 0, len(ordered))
	for _, k := range ordered {
		b := merged[k]
		// Token account owners are reported by the RPC node; fall back to
		// the account address itself if absent.
		if b.Owner == "" && b.AccountIndex < len(accounts) {
			b.Owner = accounts[b.AccountIndex]
		}
		result = append(result, *b)
	}
	return result
}

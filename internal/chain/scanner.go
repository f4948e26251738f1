package chain

import (
	"context"
	"fmt"
	"log/slog"

	solana "github.com/gagliardetto/solana-go"

	"github.com/veriflow-pay/veriflow/internal/metrics"
)

// DefaultScanLimit bounds the signature window per reference. A reference
// is expected to be touched by at most one real transaction, so a small
// window tolerates ledger reordering and payer retries without
// unbounded scans.
const DefaultScanLimit = 10

// Scanner finds recent successful transactions touching a reference key.
type Scanner struct {
	client Client
	limit  int
	logger *slog.Logger
}

// NewScanner creates a scanner over the given ledger client.
func NewScanner(client Client, limit int, logger *slog.Logger) *Scanner {
	if limit <= 0 {
		limit = DefaultScanLimit
	}
	return &Scanner{client: client, limit: limit, logger: logger}
}

// Recent returns the most recent successful transactions referencing the
// key, newest first, each with full parsed detail. RPC failures are
// returned as errors, never folded into an empty result: callers must be
// able to tell "not yet paid" from "could not check".
func (s *Scanner) Recent(ctx context.Context, reference string) ([]*Transaction, error) {
	ref, err := solana.PublicKeyFromBase58(reference)
	if err != nil {
		return nil, fmt.Errorf("reference %q is not a valid address: %w", reference, err)
	}

	sigs, err := s.client.SignaturesForReference(ctx, ref, s.limit)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	var txs []*Transaction
	for _, sig := range sigs {
		tx, err := s.client.Transaction(ctx, sig)
		if err != nil {
			metrics.ScansTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		if tx == nil {
			// Dropped from the node's history between the two calls.
			s.logger.Debug("transaction detail unavailable", "signature", sig.String())
			continue
		}
		if !tx.Succeeded {
			// A failed transaction can still reference the invoice (an
			// underfunded attempt); it must not reach the validator.
			continue
		}
		txs = append(txs, tx)
	}

	if len(txs) == 0 {
		metrics.ScansTotal.WithLabelValues("empty").Inc()
	} else {
		metrics.ScansTotal.WithLabelValues("found").Inc()
	}
	return txs, nil
}

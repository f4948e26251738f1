// Package reconcile drives invoice state from observed ledger activity.
//
// Each sweep checks every pending or processing invoice: expired ones
// are closed out, the rest are scanned for a matching transaction and
// completed exactly once when a valid payment is found. The invoice
// store's conditional status update is the correctness boundary; the
// per-invoice locks here only avoid redundant RPC work when sweeps
// overlap.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/veriflow-pay/veriflow/internal/chain"
	"github.com/veriflow-pay/veriflow/internal/invoice"
	"github.com/veriflow-pay/veriflow/internal/metrics"
	"github.com/veriflow-pay/veriflow/internal/traces"
	"github.com/veriflow-pay/veriflow/internal/validate"
)

// scanFailureWarnBound is how many consecutive scan failures for one
// invoice are tolerated quietly before escalating to a warning. Ledger
// unavailability is never treated as payment failure; the invoice stays
// non-terminal and is retried on the next tick.
const scanFailureWarnBound = 3

// sweepBatch bounds how many invoices one sweep tracks.
const sweepBatch = 500

// Service orchestrates scanner and validator per tracked invoice.
type Service struct {
	invoices  invoice.Store
	scanner   *chain.Scanner
	validator *validate.Validator
	sink      invoice.EventSink
	logger    *slog.Logger
	now       func() time.Time

	locks    sync.Map // invoice ID -> *sync.Mutex
	frozen   sync.Map // invoice ID -> struct{}, malformed invoices
	failures sync.Map // invoice ID -> int, consecutive scan failures

	hooksMu sync.RWMutex
	hooks   []func(*invoice.Invoice)
}

// NewService creates a reconciliation coordinator with injected
// dependencies, so tests can substitute a fake ledger and clock.
func NewService(invoices invoice.Store, scanner *chain.Scanner, validator *validate.Validator, sink invoice.EventSink, logger *slog.Logger) *Service {
	return &Service{
		invoices:  invoices,
		scanner:   scanner,
		validator: validator,
		sink:      sink,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// OnInvoiceResolved registers a hook fired synchronously when an invoice
// reaches a terminal state. Because hooks only fire when the conditional
// status update actually applied, each invoice fires at most once.
func (s *Service) OnInvoiceResolved(fn func(*invoice.Invoice)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *Service) fireResolved(inv *invoice.Invoice) {
	s.hooksMu.RLock()
	hooks := s.hooks
	s.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(inv)
	}
}

// Sweep reconciles every scannable invoice once. Invoices are handled
// concurrently; faults local to one invoice never abort the others.
func (s *Service) Sweep(ctx context.Context) error {
	invoices, err := s.invoices.ListScannable(ctx, sweepBatch)
	if err != nil {
		return err
	}
	metrics.TrackedInvoices.Set(float64(len(invoices)))

	var wg sync.WaitGroup
	for _, inv := range invoices {
		wg.Add(1)
		go func(inv *invoice.Invoice) {
			defer wg.Done()
			s.reconcileOne(ctx, inv)
		}(inv)
	}
	wg.Wait()
	return nil
}

// invoiceLock returns the mutex serializing work on one invoice, so an
// overlapping sweep cannot scan the same invoice twice concurrently.
func (s *Service) invoiceLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Service) reconcileOne(ctx context.Context, stale *invoice.Invoice) {
	if _, isFrozen := s.frozen.Load(stale.ID); isFrozen {
		return
	}

	mu := s.invoiceLock(stale.ID)
	mu.Lock()
	defer mu.Unlock()

	ctx, span := traces.StartSpan(ctx, "reconcile.invoice",
		traces.InvoiceID(stale.ID),
		traces.Reference(stale.Reference),
	)
	defer span.End()

	// Re-read under the lock: a concurrent sweep, cancel, or expiry may
	// have resolved the invoice already, in which case this is a no-op.
	inv, err := s.invoices.Get(ctx, stale.ID)
	if err != nil {
		s.logger.Warn("invoice reload failed", "invoice", stale.ID, "error", err)
		return
	}
	if inv.Status.Terminal() {
		s.failures.Delete(inv.ID)
		return
	}

	if inv.PastExpiry(s.now()) {
		s.expire(ctx, inv)
		return
	}

	if err := inv.Validate(); err != nil {
		// Frozen, never auto-resolved. Needs operator attention.
		s.frozen.Store(inv.ID, struct{}{})
		s.logger.Error("invoice malformed, freezing", "invoice", inv.ID, "error", err)
		return
	}

	if inv.Status == invoice.StatusPending {
		if err := s.transition(ctx, inv.ID, invoice.StatusProcessing, nil, false); err != nil {
			s.logger.Warn("processing transition failed", "invoice", inv.ID, "error", err)
			return
		}
	}

	txs, err := s.scanner.Recent(ctx, inv.Reference)
	if err != nil {
		s.recordScanFailure(inv.ID, err)
		return
	}
	s.failures.Delete(inv.ID)

	for _, tx := range txs {
		conf, err := s.validator.Match(inv, tx)
		if errors.Is(err, validate.ErrNoMatch) {
			continue
		}
		if err != nil {
			s.frozen.Store(inv.ID, struct{}{})
			s.logger.Error("invoice malformed, freezing", "invoice", inv.ID, "error", err)
			return
		}
		s.complete(ctx, inv, conf)
		return
	}
}

func (s *Service) expire(ctx context.Context, inv *invoice.Invoice) {
	if err := s.transition(ctx, inv.ID, invoice.StatusExpired, nil, true); err != nil {
		s.logger.Warn("expiry transition failed", "invoice", inv.ID, "error", err)
		return
	}
	s.logger.Info("invoice expired", "invoice", inv.ID, "merchant", inv.MerchantID)
}

func (s *Service) complete(ctx context.Context, inv *invoice.Invoice, conf *validate.Confirmation) {
	proof := &invoice.Proof{
		PayerAddress:         conf.PayerAddress,
		TransactionSignature: conf.TransactionSignature,
		ConfirmedAmount:      conf.AmountDecimal,
		ConfirmedAt:          conf.ConfirmedAt,
	}
	if err := s.transition(ctx, inv.ID, invoice.StatusCompleted, proof, true); err != nil {
		s.logger.Warn("completion transition failed", "invoice", inv.ID, "error", err)
		return
	}

	metrics.ConfirmationsTotal.WithLabelValues(string(inv.AssetKind)).Inc()
	s.logger.Info("payment confirmed",
		"invoice", inv.ID,
		"merchant", inv.MerchantID,
		"payer", conf.PayerAddress,
		"amount", conf.AmountDecimal,
		"signature", conf.TransactionSignature,
	)
}

// transition applies a conditional status update. Only the caller that
// actually wins the update emits the webhook event and (for terminal
// states) the resolved hooks. Losers see applied=false and do nothing,
// which is what makes re-running reconciliation a guaranteed no-op.
func (s *Service) transition(ctx context.Context, id string, status invoice.Status, proof *invoice.Proof, terminal bool) error {
	applied, err := s.invoices.UpdateStatus(ctx, id, status, proof)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	metrics.InvoiceTransitionsTotal.WithLabelValues(string(status)).Inc()

	inv, err := s.invoices.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.sink != nil {
		s.sink.StatusChanged(ctx, inv)
	}
	if terminal {
		s.fireResolved(inv)
	}
	return nil
}

func (s *Service) recordScanFailure(id string, err error) {
	count := 1
	if v, ok := s.failures.Load(id); ok {
		count = v.(int) + 1
	}
	s.failures.Store(id, count)

	if count >= scanFailureWarnBound {
		s.logger.Warn("repeated scan failures, will keep retrying",
			"invoice", id, "consecutive", count, "error", err)
	} else {
		s.logger.Debug("scan failed, will retry next tick", "invoice", id, "error", err)
	}
}

package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	solana "github.com/gagliardetto/solana-go"

	"github.com/veriflow-pay/veriflow/internal/chain"
	"github.com/veriflow-pay/veriflow/internal/invoice"
	"github.com/veriflow-pay/veriflow/internal/validate"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLedger serves canned transactions per reference key.
type fakeLedger struct {
	mu    sync.Mutex
	byRef map[string][]*chain.Transaction
	err   error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{byRef: make(map[string][]*chain.Transaction)}
}

func (f *fakeLedger) pay(reference string, tx *chain.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byRef[reference] = append(f.byRef[reference], tx)
}

func (f *fakeLedger) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeLedger) SignaturesForReference(_ context.Context, reference solana.PublicKey, _ int) ([]solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var sigs []solana.Signature
	for i := range f.byRef[reference.String()] {
		var s solana.Signature
		copy(s[:], reference.Bytes())
		s[32] = byte(i)
		sigs = append(sigs, s)
	}
	return sigs, nil
}

func (f *fakeLedger) Transaction(_ context.Context, sig solana.Signature) (*chain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var ref solana.PublicKey
	copy(ref[:], sig[:32])
	txs := f.byRef[ref.String()]
	if int(sig[32]) >= len(txs) {
		return nil, nil
	}
	return txs[sig[32]], nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []invoice.Status
}

func (r *recordingSink) StatusChanged(_ context.Context, inv *invoice.Invoice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, inv.Status)
}

func (r *recordingSink) statuses() []invoice.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]invoice.Status(nil), r.events...)
}

func (r *recordingSink) count(s invoice.Status) int {
	n := 0
	for _, e := range r.statuses() {
		if e == s {
			n++
		}
	}
	return n
}

type fixture struct {
	store  *invoice.MemoryStore
	ledger *fakeLedger
	sink   *recordingSink
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := invoice.NewMemoryStore()
	ledger := newFakeLedger()
	sink := &recordingSink{}
	scanner := chain.NewScanner(ledger, 10, testLogger())
	svc := NewService(store, scanner, validate.New(validate.DefaultToleranceBps), sink, testLogger())
	return &fixture{store: store, ledger: ledger, sink: sink, svc: svc}
}

func (f *fixture) addInvoice(t *testing.T, amt string, expiresAt *time.Time) *invoice.Invoice {
	t.Helper()
	inv := &invoice.Invoice{
		ID:            "inv_" + solana.NewWallet().PublicKey().String()[:8],
		Reference:     solana.NewWallet().PublicKey().String(),
		MerchantID:    "mch_1",
		Recipient:     solana.NewWallet().PublicKey().String(),
		Amount:        amt,
		AssetKind:     invoice.AssetNative,
		AssetSymbol:   "SOL",
		AssetDecimals: 9,
		Status:        invoice.StatusPending,
		CreatedAt:     time.Now(),
		ExpiresAt:     expiresAt,
	}
	if err := f.store.Create(context.Background(), inv); err != nil {
		t.Fatal(err)
	}
	return inv
}

// payment builds a successful native transfer of lamports to the
// invoice's recipient carrying its reference key.
func payment(inv *invoice.Invoice, lamports uint64) *chain.Transaction {
	payer := solana.NewWallet().PublicKey().String()
	return &chain.Transaction{
		Signature:           "sig_" + inv.Reference[:8],
		Accounts:            []string{payer, inv.Recipient},
		PreBalances:         []uint64{10_000_000_000, 0},
		PostBalances:        []uint64{10_000_000_000 - lamports - 5000, lamports},
		InstructionAccounts: [][]string{{payer, inv.Recipient, inv.Reference}},
		Succeeded:           true,
		BlockTime:           time.Now(),
	}
}

func TestSweepCompletesPaidInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv := f.addInvoice(t, "1.0", nil)
	f.ledger.pay(inv.Reference, payment(inv, 1_000_000_000))

	if err := f.svc.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	got, err := f.store.Get(ctx, inv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != invoice.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.TransactionSignature == "" || got.PayerAddress == "" {
		t.Error("settlement proof not recorded")
	}
	if got.ConfirmedAmount != "1.000000000" {
		t.Errorf("confirmed amount = %s", got.ConfirmedAmount)
	}

	want := []invoice.Status{invoice.StatusProcessing, invoice.StatusCompleted}
	if got := f.sink.statuses(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("sink saw %v, want %v", got, want)
	}
}

func TestSweepMovesPendingToProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Nothing on the ledger yet.
	inv := f.addInvoice(t, "1.0", nil)

	if err := f.svc.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := f.store.Get(ctx, inv.ID)
	if got.Status != invoice.StatusProcessing {
		t.Errorf("status = %s, want processing", got.Status)
	}
	if n := f.sink.count(invoice.StatusProcessing); n != 1 {
		t.Errorf("processing events = %d, want 1", n)
	}

	// Further empty sweeps stay in processing without new events.
	if err := f.svc.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	if n := f.sink.count(invoice.StatusProcessing); n != 1 {
		t.Errorf("processing events after resweep = %d, want 1", n)
	}
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv := f.addInvoice(t, "1.0", nil)
	f.ledger.pay(inv.Reference, payment(inv, 1_000_000_000))

	for i := 0; i < 5; i++ {
		if err := f.svc.Sweep(ctx); err != nil {
			t.Fatal(err)
		}
	}

	if n := f.sink.count(invoice.StatusCompleted); n != 1 {
		t.Errorf("completed events = %d, want exactly 1", n)
	}
}

func TestConcurrentSweepsCompleteOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv := f.addInvoice(t, "1.0", nil)
	f.ledger.pay(inv.Reference, payment(inv, 1_000_000_000))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.svc.Sweep(ctx); err != nil {
				t.Errorf("Sweep: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := f.sink.count(invoice.StatusCompleted); n != 1 {
		t.Errorf("completed events = %d, want exactly 1", n)
	}
	got, _ := f.store.Get(ctx, inv.ID)
	if got.Status != invoice.StatusCompleted {
		t.Errorf("status = %s", got.Status)
	}
}

func TestSweepExpiresInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	inv := f.addInvoice(t, "1.0", &past)

	for i := 0; i < 3; i++ {
		if err := f.svc.Sweep(ctx); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := f.store.Get(ctx, inv.ID)
	if got.Status != invoice.StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	if n := f.sink.count(invoice.StatusExpired); n != 1 {
		t.Errorf("expired events = %d, want exactly 1", n)
	}
}

func TestSweepInsufficientPaymentStaysOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv := f.addInvoice(t, "1.0", nil)
	// 0.5 is well below the 1% tolerance band.
	f.ledger.pay(inv.Reference, payment(inv, 500_000_000))

	if err := f.svc.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := f.store.Get(ctx, inv.ID)
	if got.Status != invoice.StatusProcessing {
		t.Errorf("status = %s, underpayment must not complete", got.Status)
	}

	// A later sufficient payment does complete it.
	f.ledger.pay(inv.Reference, payment(inv, 1_000_000_000))
	if err := f.svc.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = f.store.Get(ctx, inv.ID)
	if got.Status != invoice.StatusCompleted {
		t.Errorf("status = %s after sufficient payment", got.Status)
	}
}

func TestSweepScannerFailureIsTransient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv := f.addInvoice(t, "1.0", nil)
	f.ledger.pay(inv.Reference, payment(inv, 1_000_000_000))
	f.ledger.setErr(errors.New("rpc: node unavailable"))

	for i := 0; i < scanFailureWarnBound+1; i++ {
		if err := f.svc.Sweep(ctx); err != nil {
			t.Fatal(err)
		}
	}

	// Ledger trouble never resolves an invoice.
	got, _ := f.store.Get(ctx, inv.ID)
	if got.Status.Terminal() {
		t.Fatalf("status = %s, scan failure must not resolve", got.Status)
	}

	// Once the ledger recovers the payment is found.
	f.ledger.setErr(nil)
	if err := f.svc.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = f.store.Get(ctx, inv.ID)
	if got.Status != invoice.StatusCompleted {
		t.Errorf("status = %s after ledger recovery", got.Status)
	}
}

func TestSweepFreezesMalformedInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv := &invoice.Invoice{
		ID:            "inv_broken",
		Reference:     solana.NewWallet().PublicKey().String(),
		MerchantID:    "mch_1",
		Recipient:     "not-an-address",
		Amount:        "1.0",
		AssetKind:     invoice.AssetNative,
		AssetDecimals: 9,
		Status:        invoice.StatusPending,
		CreatedAt:     time.Now(),
	}
	if err := f.store.Create(ctx, inv); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := f.svc.Sweep(ctx); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := f.store.Get(ctx, inv.ID)
	if got.Status.Terminal() {
		t.Errorf("malformed invoice auto-resolved to %s", got.Status)
	}
	if len(f.sink.statuses()) != 0 {
		t.Errorf("malformed invoice produced events: %v", f.sink.statuses())
	}
}

func TestResolvedHookFiresOncePerInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	resolved := make(map[string]int)
	f.svc.OnInvoiceResolved(func(inv *invoice.Invoice) {
		mu.Lock()
		defer mu.Unlock()
		resolved[inv.ID]++
	})

	paid := f.addInvoice(t, "1.0", nil)
	f.ledger.pay(paid.Reference, payment(paid, 1_000_000_000))

	past := time.Now().Add(-time.Minute)
	expired := f.addInvoice(t, "1.0", &past)

	for i := 0; i < 4; i++ {
		if err := f.svc.Sweep(ctx); err != nil {
			t.Fatal(err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if resolved[paid.ID] != 1 {
		t.Errorf("paid invoice hook fired %d times", resolved[paid.ID])
	}
	if resolved[expired.ID] != 1 {
		t.Errorf("expired invoice hook fired %d times", resolved[expired.ID])
	}
}

func TestSweepSkipsCancelledInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	inv := f.addInvoice(t, "1.0", nil)
	f.ledger.pay(inv.Reference, payment(inv, 1_000_000_000))

	// Cancelled before the sweep runs: the payment must not resurrect it.
	if _, err := f.store.UpdateStatus(ctx, inv.ID, invoice.StatusFailed, nil); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := f.store.Get(ctx, inv.ID)
	if got.Status != invoice.StatusFailed {
		t.Errorf("status = %s, cancelled invoice was resurrected", got.Status)
	}
}

package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/veriflow-pay/veriflow/internal/merchant"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeResolver struct {
	dest *merchant.Destination
	err  error
}

func (f *fakeResolver) WebhookDestination(_ context.Context, _ string) (*merchant.Destination, error) {
	return f.dest, f.err
}

// testClock is a manually advanced time source shared by store queries
// and the dispatcher.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func pendingEvent(t *testing.T, store Store, clock *testClock, url string) *Event {
	t.Helper()
	payload, _ := json.Marshal(Payload{
		EventType: string(EventPaymentCompleted),
		InvoiceID: "inv_1",
		Status:    "completed",
	})
	e := &Event{
		ID:         "evt_1",
		InvoiceID:  "inv_1",
		MerchantID: "mch_1",
		Type:       EventPaymentCompleted,
		URL:        url,
		Payload:    payload,
		Status:     StatusPending,
		CreatedAt:  clock.Now(),
	}
	if err := store.Create(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	return e
}

func TestDeliverySuccess(t *testing.T) {
	secret := "whsec_test"
	var gotSig, gotType string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Veriflow-Signature")
		gotType = r.Header.Get("X-Veriflow-Event")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	clock := newTestClock()
	store := NewMemoryStore()
	resolver := &fakeResolver{dest: &merchant.Destination{URL: srv.URL, Secret: secret}}
	d := NewDispatcher(store, resolver, time.Second, 10, testLogger()).WithClock(clock.Now)

	e := pendingEvent(t, store, clock, srv.URL)

	if _, err := d.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	got, _ := store.Get(context.Background(), e.ID)
	if got.Status != StatusDelivered {
		t.Fatalf("status = %s, want delivered", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if gotType != string(EventPaymentCompleted) {
		t.Errorf("event header = %q", gotType)
	}
	// The signature must verify against the exact bytes received.
	if !hmac.Equal([]byte(gotSig), []byte(Sign(gotBody, secret))) {
		t.Error("signature does not verify against received payload")
	}
}

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 4 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	clock := newTestClock()
	store := NewMemoryStore()
	resolver := &fakeResolver{dest: &merchant.Destination{URL: srv.URL, Secret: "s"}}
	d := NewDispatcher(store, resolver, time.Second, 10, testLogger()).WithClock(clock.Now)

	e := pendingEvent(t, store, clock, srv.URL)
	ctx := context.Background()

	// Attempts 1..3 fail and schedule retries at 1s, 5s, 15s.
	wantDelays := []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}
	for i, want := range wantDelays {
		if _, err := d.Sweep(ctx); err != nil {
			t.Fatal(err)
		}
		got, _ := store.Get(ctx, e.ID)
		if got.Status != StatusRetrying {
			t.Fatalf("after attempt %d: status = %s", i+1, got.Status)
		}
		if got.NextRetryAt == nil {
			t.Fatalf("after attempt %d: no retry scheduled", i+1)
		}
		if delay := got.NextRetryAt.Sub(clock.Now()); delay != want {
			t.Errorf("after attempt %d: retry in %s, want %s", i+1, delay, want)
		}

		// Before the backoff elapses the event must not be picked up.
		if n, _ := d.Sweep(ctx); n != 0 {
			t.Errorf("after attempt %d: swept %d events before backoff elapsed", i+1, n)
		}
		clock.Advance(want)
	}

	// Attempt 4 succeeds.
	if _, err := d.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, e.ID)
	if got.Status != StatusDelivered {
		t.Fatalf("final status = %s, want delivered", got.Status)
	}
	if got.Attempts != 4 {
		t.Errorf("attempts = %d, want 4", got.Attempts)
	}
	if got.NextRetryAt != nil {
		t.Error("delivered event still has a retry scheduled")
	}
}

func TestDeliveryExhaustsAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	clock := newTestClock()
	store := NewMemoryStore()
	resolver := &fakeResolver{dest: &merchant.Destination{URL: srv.URL, Secret: "s"}}
	d := NewDispatcher(store, resolver, time.Second, 10, testLogger()).WithClock(clock.Now)

	e := pendingEvent(t, store, clock, srv.URL)
	ctx := context.Background()

	for i := 0; i < MaxAttempts; i++ {
		if _, err := d.Sweep(ctx); err != nil {
			t.Fatal(err)
		}
		clock.Advance(10 * time.Minute)
	}

	got, _ := store.Get(ctx, e.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Attempts != MaxAttempts {
		t.Errorf("attempts = %d, want %d", got.Attempts, MaxAttempts)
	}
	if got.FailureReason == "" {
		t.Error("failure reason missing")
	}
	if got.LastResponseCode != http.StatusBadGateway {
		t.Errorf("last response code = %d", got.LastResponseCode)
	}

	// A failed event never comes due again.
	if n, _ := d.Sweep(ctx); n != 0 {
		t.Errorf("failed event swept again (%d)", n)
	}
}

func TestDeliveryNoDestination(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryStore()
	d := NewDispatcher(store, &fakeResolver{dest: nil}, time.Second, 10, testLogger()).WithClock(clock.Now)

	e := pendingEvent(t, store, clock, "http://example.invalid/hook")
	ctx := context.Background()

	if _, err := d.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := store.Get(ctx, e.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, no HTTP attempt should be burned", got.Attempts)
	}
}

func TestDeliveryResolverErrorLeavesEvent(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryStore()
	d := NewDispatcher(store, &fakeResolver{err: errors.New("store down")}, time.Second, 10, testLogger()).WithClock(clock.Now)

	e := pendingEvent(t, store, clock, "http://example.invalid/hook")
	ctx := context.Background()

	if _, err := d.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := store.Get(ctx, e.ID)
	if got.Status != StatusPending {
		t.Errorf("status = %s, transient lookup failure must not consume the event", got.Status)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d", got.Attempts)
	}
}

func TestDeliveryTransportError(t *testing.T) {
	clock := newTestClock()
	store := NewMemoryStore()
	// Nothing listens on this address.
	resolver := &fakeResolver{dest: &merchant.Destination{URL: "http://127.0.0.1:1/hook", Secret: "s"}}
	d := NewDispatcher(store, resolver, 500*time.Millisecond, 10, testLogger()).WithClock(clock.Now)

	e := pendingEvent(t, store, clock, "http://127.0.0.1:1/hook")
	ctx := context.Background()

	if _, err := d.Sweep(ctx); err != nil {
		t.Fatal(err)
	}

	got, _ := store.Get(ctx, e.ID)
	if got.Status != StatusRetrying {
		t.Fatalf("status = %s, want retrying", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d", got.Attempts)
	}
}

func TestRetryScheduleCoversMaxAttempts(t *testing.T) {
	// Failures 1..MaxAttempts-1 schedule a retry; the indexing must stay
	// in bounds even if MaxAttempts grows past the schedule.
	for attempts := 1; attempts < MaxAttempts; attempts++ {
		idx := min(attempts-1, len(RetrySchedule)-1)
		if idx < 0 || idx >= len(RetrySchedule) {
			t.Fatalf("attempt %d indexes schedule at %d", attempts, idx)
		}
	}
}

func TestSign(t *testing.T) {
	payload := []byte(`{"event_type":"payment.completed"}`)

	sig := Sign(payload, "secret-a")
	if sig != Sign(payload, "secret-a") {
		t.Error("signature not deterministic")
	}
	if sig == Sign(payload, "secret-b") {
		t.Error("signature independent of secret")
	}
	if sig == Sign([]byte(`{}`), "secret-a") {
		t.Error("signature independent of payload")
	}
	if len(sig) != 64 {
		t.Errorf("hex sha256 length = %d, want 64", len(sig))
	}
}

func TestEventDue(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)
	earlier := now.Add(-time.Minute)

	tests := []struct {
		name  string
		event Event
		want  bool
	}{
		{"pending always due", Event{Status: StatusPending}, true},
		{"retrying before backoff", Event{Status: StatusRetrying, NextRetryAt: &later}, false},
		{"retrying after backoff", Event{Status: StatusRetrying, NextRetryAt: &earlier}, true},
		{"delivered never due", Event{Status: StatusDelivered}, false},
		{"failed never due", Event{Status: StatusFailed}, false},
	}
	for _, tt := range tests {
		if got := tt.event.Due(now); got != tt.want {
			t.Errorf("%s: Due = %v, want %v", tt.name, got, tt.want)
		}
	}
}

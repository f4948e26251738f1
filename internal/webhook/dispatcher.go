package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/veriflow-pay/veriflow/internal/metrics"
	"github.com/veriflow-pay/veriflow/internal/traces"
)

// maxResponseBody caps how much of a destination's response is retained
// on the audit trail.
const maxResponseBody = 4096

// Dispatcher drains the outbox: each due event gets one delivery attempt
// per sweep, with outcome recorded on the event row. A failure on one
// event never aborts the sweep over the others.
type Dispatcher struct {
	store    Store
	resolver DestinationResolver
	client   *http.Client
	batch    int
	logger   *slog.Logger
	now      func() time.Time
}

// NewDispatcher creates a dispatcher with the given per-attempt timeout
// and per-sweep batch bound.
func NewDispatcher(store Store, resolver DestinationResolver, timeout time.Duration, batch int, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &Dispatcher{
		store:    store,
		resolver: resolver,
		client:   &http.Client{Timeout: timeout},
		batch:    batch,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Sweep delivers every due event once. Returns the number of events
// attempted.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	events, err := d.store.ListDue(ctx, d.now(), d.batch)
	if err != nil {
		return 0, fmt.Errorf("list due webhook events: %w", err)
	}

	for _, event := range events {
		d.deliver(ctx, event)
	}
	return len(events), nil
}

func (d *Dispatcher) deliver(ctx context.Context, event *Event) {
	ctx, span := traces.StartSpan(ctx, "webhook.deliver",
		traces.EventID(event.ID),
		traces.InvoiceID(event.InvoiceID),
		traces.Attempt(event.Attempts+1),
	)
	defer span.End()

	dest, err := d.resolver.WebhookDestination(ctx, event.MerchantID)
	if err != nil {
		// Lookup failure is transient: leave the event as-is for the
		// next sweep rather than burning an attempt.
		d.logger.Warn("webhook destination lookup failed",
			"event", event.ID, "merchant", event.MerchantID, "error", err)
		return
	}
	if dest == nil {
		event.Status = StatusFailed
		event.FailureReason = "no webhook destination configured for merchant"
		if err := d.store.Update(ctx, event); err != nil {
			d.logger.Error("webhook event update failed", "event", event.ID, "error", err)
		}
		metrics.WebhookDeliveriesTotal.WithLabelValues("no_destination").Inc()
		return
	}

	start := d.now()
	code, body, attemptErr := d.attempt(ctx, event, dest.URL, dest.Secret)
	metrics.WebhookDeliveryDuration.Observe(time.Since(start).Seconds())

	event.Attempts++
	now := d.now()
	event.LastAttemptAt = &now
	event.LastResponseCode = code
	event.LastResponseBody = body
	event.NextRetryAt = nil

	switch {
	case attemptErr == nil && code >= 200 && code < 300:
		event.Status = StatusDelivered
		metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
		d.logger.Info("webhook delivered",
			"event", event.ID, "invoice", event.InvoiceID,
			"attempts", event.Attempts, "status", code)

	case event.Attempts >= MaxAttempts:
		event.Status = StatusFailed
		event.FailureReason = attemptFailure(code, attemptErr)
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("webhook delivery exhausted",
			"event", event.ID, "invoice", event.InvoiceID,
			"attempts", event.Attempts, "reason", event.FailureReason)

	default:
		event.Status = StatusRetrying
		delay := RetrySchedule[min(event.Attempts-1, len(RetrySchedule)-1)]
		next := now.Add(delay)
		event.NextRetryAt = &next
		metrics.WebhookDeliveriesTotal.WithLabelValues("retrying").Inc()
		d.logger.Info("webhook delivery failed, will retry",
			"event", event.ID, "attempt", event.Attempts,
			"next_retry_in", delay, "reason", attemptFailure(code, attemptErr))
	}

	if err := d.store.Update(ctx, event); err != nil {
		d.logger.Error("webhook event update failed", "event", event.ID, "error", err)
	}
}

// attempt performs one signed POST. Transport errors and timeouts return
// err; non-2xx responses return the code and are judged by the caller.
func (d *Dispatcher) attempt(ctx context.Context, event *Event, url, secret string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(event.Payload))
	if err != nil {
		return 0, "", err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Veriflow-Event", string(event.Type))
	req.Header.Set("X-Veriflow-Timestamp", fmt.Sprintf("%d", d.now().Unix()))
	req.Header.Set("X-Veriflow-Signature", Sign(event.Payload, secret))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return resp.StatusCode, string(body), nil
}

// Sign computes the hex HMAC-SHA256 of the raw payload bytes. Receivers
// verify it against the same bytes before parsing.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func attemptFailure(code int, err error) string {
	if err != nil {
		return fmt.Sprintf("request failed: %v", err)
	}
	return fmt.Sprintf("status %d", code)
}

package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/veriflow-pay/veriflow/internal/idgen"
	"github.com/veriflow-pay/veriflow/internal/invoice"
)

// Enqueuer turns invoice status changes into outbox rows. It implements
// invoice.EventSink and is called only after a status transition has
// actually been applied, so each transition yields at most one event.
type Enqueuer struct {
	store    Store
	resolver DestinationResolver
	logger   *slog.Logger
	now      func() time.Time
}

// NewEnqueuer creates an enqueuer.
func NewEnqueuer(store Store, resolver DestinationResolver, logger *slog.Logger) *Enqueuer {
	return &Enqueuer{
		store:    store,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (q *Enqueuer) WithClock(now func() time.Time) *Enqueuer {
	q.now = now
	return q
}

// StatusChanged records one notification obligation for the transition.
// Merchants without a configured destination get no event row.
func (q *Enqueuer) StatusChanged(ctx context.Context, inv *invoice.Invoice) {
	dest, err := q.resolver.WebhookDestination(ctx, inv.MerchantID)
	if err != nil {
		q.logger.Warn("webhook destination lookup failed",
			"invoice", inv.ID, "merchant", inv.MerchantID, "error", err)
		return
	}
	if dest == nil {
		q.logger.Debug("no webhook destination configured",
			"invoice", inv.ID, "merchant", inv.MerchantID)
		return
	}

	eventType := EventTypeFor(inv.Status)
	payload, err := json.Marshal(Payload{
		EventType:            string(eventType),
		InvoiceID:            inv.ID,
		Reference:            inv.Reference,
		Amount:               inv.Amount,
		AssetSymbol:          inv.AssetSymbol,
		Status:               string(inv.Status),
		TransactionSignature: inv.TransactionSignature,
		Timestamp:            q.now().UTC().Format(time.RFC3339),
		MerchantID:           inv.MerchantID,
	})
	if err != nil {
		q.logger.Error("webhook payload marshal failed", "invoice", inv.ID, "error", err)
		return
	}

	event := &Event{
		ID:         idgen.WithPrefix("evt_"),
		InvoiceID:  inv.ID,
		MerchantID: inv.MerchantID,
		Type:       eventType,
		URL:        dest.URL,
		Payload:    payload,
		Status:     StatusPending,
		CreatedAt:  q.now(),
	}

	if err := q.store.Create(ctx, event); err != nil {
		q.logger.Error("webhook event create failed",
			"invoice", inv.ID, "event_type", eventType, "error", err)
		return
	}

	q.logger.Info("webhook event enqueued",
		"event", event.ID, "invoice", inv.ID, "event_type", eventType)
}

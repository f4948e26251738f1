// Package webhook delivers signed callbacks to merchant systems.
//
// Every invoice status transition with a configured destination produces
// exactly one durable event row. The dispatcher drains the outbox with
// bounded retries; rows are never deleted, so the full attempt history
// remains as an audit trail.
package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/veriflow-pay/veriflow/internal/invoice"
	"github.com/veriflow-pay/veriflow/internal/merchant"
)

var ErrNotFound = errors.New("webhook event not found")

// EventType represents one invoice lifecycle transition.
type EventType string

const (
	EventPaymentPending    EventType = "payment.pending"
	EventPaymentProcessing EventType = "payment.processing"
	EventPaymentCompleted  EventType = "payment.completed"
	EventPaymentFailed     EventType = "payment.failed"
	EventPaymentExpired    EventType = "payment.expired"
)

// EventTypeFor maps an invoice status to its notification type.
func EventTypeFor(status invoice.Status) EventType {
	switch status {
	case invoice.StatusPending:
		return EventPaymentPending
	case invoice.StatusProcessing:
		return EventPaymentProcessing
	case invoice.StatusCompleted:
		return EventPaymentCompleted
	case invoice.StatusFailed:
		return EventPaymentFailed
	default:
		return EventPaymentExpired
	}
}

// DeliveryStatus tracks the outbox lifecycle of one event.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusRetrying  DeliveryStatus = "retrying"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// MaxAttempts bounds delivery retries per event.
const MaxAttempts = 5

// RetrySchedule is the fixed escalating delay applied after the Nth
// failed attempt.
var RetrySchedule = []time.Duration{
	time.Second,
	5 * time.Second,
	15 * time.Second,
	time.Minute,
	5 * time.Minute,
}

// Event is one durable notification obligation.
type Event struct {
	ID         string         `json:"id"`
	InvoiceID  string         `json:"invoiceId"`
	MerchantID string         `json:"merchantId"`
	Type       EventType      `json:"type"`
	URL        string         `json:"url"`
	Payload    []byte         `json:"payload"`
	Status     DeliveryStatus `json:"status"`

	Attempts         int        `json:"attempts"`
	LastAttemptAt    *time.Time `json:"lastAttemptAt,omitempty"`
	NextRetryAt      *time.Time `json:"nextRetryAt,omitempty"`
	LastResponseCode int        `json:"lastResponseCode,omitempty"`
	LastResponseBody string     `json:"lastResponseBody,omitempty"`
	FailureReason    string     `json:"failureReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Due reports whether the event is eligible for a delivery attempt.
func (e *Event) Due(now time.Time) bool {
	switch e.Status {
	case StatusPending:
		return true
	case StatusRetrying:
		return e.NextRetryAt != nil && !now.Before(*e.NextRetryAt)
	}
	return false
}

// Payload is the callback body. The receiver can treat repeated
// deliveries as idempotent: the invoice id and event type never change
// across attempts.
type Payload struct {
	EventType            string `json:"event_type"`
	InvoiceID            string `json:"invoice_id"`
	Reference            string `json:"reference"`
	Amount               string `json:"amount"`
	AssetSymbol          string `json:"asset_symbol"`
	Status               string `json:"status"`
	TransactionSignature string `json:"transaction_signature,omitempty"`
	Timestamp            string `json:"timestamp"`
	MerchantID           string `json:"merchant_id"`
}

// Store persists webhook events. Events are append-and-update only.
type Store interface {
	Create(ctx context.Context, e *Event) error
	Get(ctx context.Context, id string) (*Event, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Event, error)
	ListByInvoice(ctx context.Context, invoiceID string) ([]*Event, error)
	Update(ctx context.Context, e *Event) error
}

// DestinationResolver looks up a merchant's webhook target.
type DestinationResolver interface {
	WebhookDestination(ctx context.Context, merchantID string) (*merchant.Destination, error)
}

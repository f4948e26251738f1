// Package merchant stores per-merchant webhook destination configuration.
package merchant

import (
	"context"
	"errors"
	"time"

	"github.com/veriflow-pay/veriflow/internal/idgen"
)

var ErrNotFound = errors.New("merchant not found")

// Merchant represents one merchant account.
type Merchant struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	WebhookURL    string    `json:"webhookUrl,omitempty"`
	WebhookSecret string    `json:"-"` // Used for HMAC signing, never serialized
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Destination is the resolved webhook target for a merchant.
type Destination struct {
	URL    string
	Secret string
}

// Store persists merchants.
type Store interface {
	Create(ctx context.Context, m *Merchant) error
	Get(ctx context.Context, id string) (*Merchant, error)
	Update(ctx context.Context, m *Merchant) error
}

// Service implements merchant configuration logic.
type Service struct {
	store Store
}

// NewService creates a merchant service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create registers a merchant. A webhook secret is generated whenever a
// destination URL is set.
func (s *Service) Create(ctx context.Context, name, webhookURL string) (*Merchant, error) {
	now := time.Now()
	m := &Merchant{
		ID:         idgen.WithPrefix("mch_"),
		Name:       name,
		WebhookURL: webhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if webhookURL != "" {
		m.WebhookSecret = idgen.Hex(32)
	}
	if err := s.store.Create(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns a merchant by ID.
func (s *Service) Get(ctx context.Context, id string) (*Merchant, error) {
	return s.store.Get(ctx, id)
}

// SetWebhook updates the destination URL, rotating the secret when the
// URL changes or none exists yet. An empty URL removes the destination.
func (s *Service) SetWebhook(ctx context.Context, id, url string) (*Merchant, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if url != m.WebhookURL || (url != "" && m.WebhookSecret == "") {
		if url == "" {
			m.WebhookSecret = ""
		} else {
			m.WebhookSecret = idgen.Hex(32)
		}
	}
	m.WebhookURL = url
	m.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// WebhookDestination resolves the configured callback target for a
// merchant. Returns (nil, nil) when the merchant has no destination.
func (s *Service) WebhookDestination(ctx context.Context, id string) (*Destination, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.WebhookURL == "" {
		return nil, nil
	}
	return &Destination{URL: m.WebhookURL, Secret: m.WebhookSecret}, nil
}

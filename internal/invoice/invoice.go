// Package invoice provides the durable store of expected payments.
//
// An invoice carries a single-use reference key that the paying
// transaction must embed. Status moves through a monotonic state
// machine and is mutated only through conditional check-then-set
// updates, so a terminal state can never be re-entered.
package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	solana "github.com/gagliardetto/solana-go"

	"github.com/veriflow-pay/veriflow/internal/amount"
	"github.com/veriflow-pay/veriflow/internal/idgen"
	"github.com/veriflow-pay/veriflow/internal/metrics"
)

var (
	ErrNotFound  = errors.New("invoice not found")
	ErrTerminal  = errors.New("invoice already in a terminal state")
	ErrMalformed = errors.New("invoice is missing required fields for its asset kind")
)

// Status represents the lifecycle state of an invoice.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Terminal returns true if the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// rank orders statuses so transitions only ever move forward.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	default:
		return 2
	}
}

// AssetKind distinguishes the chain's native asset from fungible tokens.
type AssetKind string

const (
	AssetNative AssetKind = "native"
	AssetToken  AssetKind = "token"
)

// Invoice represents one expected payment.
type Invoice struct {
	ID            string     `json:"id"`
	Reference     string     `json:"reference"`
	MerchantID    string     `json:"merchantId"`
	Recipient     string     `json:"recipient"`
	Amount        string     `json:"amount"`
	AssetKind     AssetKind  `json:"assetKind"`
	AssetMint     string     `json:"assetMint,omitempty"`
	AssetSymbol   string     `json:"assetSymbol"`
	AssetDecimals int        `json:"assetDecimals"`
	Title         string     `json:"title,omitempty"`
	Description   string     `json:"description,omitempty"`
	Status        Status     `json:"status"`

	// Proof fields, written once by the reconciliation coordinator.
	PayerAddress         string     `json:"payerAddress,omitempty"`
	TransactionSignature string     `json:"transactionSignature,omitempty"`
	ConfirmedAmount      string     `json:"confirmedAmount,omitempty"`
	ConfirmedAt          *time.Time `json:"confirmedAt,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// PastExpiry reports whether the invoice has an expiry in the past.
func (i *Invoice) PastExpiry(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt)
}

// Validate checks the fields the validator depends on. A failure here
// freezes the invoice rather than resolving it.
func (i *Invoice) Validate() error {
	if i.Recipient == "" {
		return fmt.Errorf("%w: recipient", ErrMalformed)
	}
	if _, err := solana.PublicKeyFromBase58(i.Recipient); err != nil {
		return fmt.Errorf("%w: recipient: %v", ErrMalformed, err)
	}
	v, ok := amount.Parse(i.Amount, i.AssetDecimals)
	if !ok || v.Sign() <= 0 {
		return fmt.Errorf("%w: amount %q", ErrMalformed, i.Amount)
	}
	switch i.AssetKind {
	case AssetNative:
	case AssetToken:
		if i.AssetMint == "" {
			return fmt.Errorf("%w: token invoice without mint", ErrMalformed)
		}
		if _, err := solana.PublicKeyFromBase58(i.AssetMint); err != nil {
			return fmt.Errorf("%w: mint: %v", ErrMalformed, err)
		}
	default:
		return fmt.Errorf("%w: asset kind %q", ErrMalformed, i.AssetKind)
	}
	return nil
}

// Proof records how a completed invoice was settled.
type Proof struct {
	PayerAddress         string
	TransactionSignature string
	ConfirmedAmount      string
	ConfirmedAt          time.Time
}

// allowedTransition implements the monotonic state machine: no terminal
// state is ever left, and status never moves backward.
func allowedTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	return to.rank() > from.rank()
}

// Store persists invoices.
//
// UpdateStatus must apply the transition only if it is still allowed at
// the moment of the write, returning false (and not mutating) otherwise.
// This conditional write is the engine's mutual-exclusion boundary.
type Store interface {
	Create(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, id string) (*Invoice, error)
	GetByReference(ctx context.Context, reference string) (*Invoice, error)
	ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*Invoice, error)
	ListScannable(ctx context.Context, limit int) ([]*Invoice, error)
	UpdateStatus(ctx context.Context, id string, status Status, proof *Proof) (bool, error)
}

// EventSink receives invoice status changes that need external
// notification. Implemented by the webhook outbox; an interface here so
// invoice doesn't import webhook.
type EventSink interface {
	StatusChanged(ctx context.Context, inv *Invoice)
}

// CreateRequest contains the parameters for creating a payment request.
type CreateRequest struct {
	MerchantID    string `json:"merchantId" binding:"required"`
	Recipient     string `json:"recipient" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	AssetKind     string `json:"assetKind"`
	AssetMint     string `json:"assetMint"`
	AssetSymbol   string `json:"assetSymbol"`
	AssetDecimals *int   `json:"assetDecimals"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	ExpiresIn     string `json:"expiresIn"` // Duration string, e.g. "15m", "1h"
}

// Service implements invoice business logic.
type Service struct {
	store  Store
	sink   EventSink
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates an invoice service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// WithSink attaches an event sink notified on status changes.
func (s *Service) WithSink(sink EventSink) *Service {
	s.sink = sink
	return s
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create generates a payment request with a fresh single-use reference.
//
// The reference is the public key of a throwaway keypair: address-shaped,
// unpredictable, and controlled by nobody, so its presence in a
// transaction can only have been put there by someone who saw this
// invoice.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Invoice, error) {
	kind := AssetKind(req.AssetKind)
	if kind == "" {
		kind = AssetNative
	}

	decimals := amount.NativeDecimals
	if req.AssetDecimals != nil {
		decimals = *req.AssetDecimals
	}
	symbol := req.AssetSymbol
	if symbol == "" && kind == AssetNative {
		symbol = "SOL"
	}

	now := s.now()
	inv := &Invoice{
		ID:            idgen.WithPrefix("inv_"),
		Reference:     solana.NewWallet().PublicKey().String(),
		MerchantID:    req.MerchantID,
		Recipient:     req.Recipient,
		Amount:        req.Amount,
		AssetKind:     kind,
		AssetMint:     req.AssetMint,
		AssetSymbol:   symbol,
		AssetDecimals: decimals,
		Title:         req.Title,
		Description:   req.Description,
		Status:        StatusPending,
		CreatedAt:     now,
	}

	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid expiresIn: %q", req.ExpiresIn)
		}
		at := now.Add(d)
		inv.ExpiresAt = &at
	}

	if err := inv.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, inv); err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}

	s.logger.Info("invoice created",
		"invoice", inv.ID,
		"merchant", inv.MerchantID,
		"reference", inv.Reference,
		"amount", inv.Amount,
		"asset", inv.AssetSymbol,
	)

	if s.sink != nil {
		s.sink.StatusChanged(ctx, inv)
	}
	return inv, nil
}

// Get returns an invoice by ID.
func (s *Service) Get(ctx context.Context, id string) (*Invoice, error) {
	return s.store.Get(ctx, id)
}

// ListByMerchant returns a merchant's invoices, newest first.
func (s *Service) ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*Invoice, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByMerchant(ctx, merchantID, limit)
}

// MarkExpired applies a client-observed expiry. It uses the same
// conditional update as the coordinator's own expiry check, so whichever
// side runs second is a no-op.
func (s *Service) MarkExpired(ctx context.Context, id string) (*Invoice, error) {
	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inv.PastExpiry(s.now()) {
		return nil, fmt.Errorf("invoice %s is not past its expiry", id)
	}

	return s.transition(ctx, id, StatusExpired, nil)
}

// Cancel marks an invoice failed at the merchant's request.
func (s *Service) Cancel(ctx context.Context, id string) (*Invoice, error) {
	return s.transition(ctx, id, StatusFailed, nil)
}

func (s *Service) transition(ctx context.Context, id string, status Status, proof *Proof) (*Invoice, error) {
	applied, err := s.store.UpdateStatus(ctx, id, status, proof)
	if err != nil {
		return nil, err
	}

	inv, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if applied {
		metrics.InvoiceTransitionsTotal.WithLabelValues(string(status)).Inc()
		if s.sink != nil {
			s.sink.StatusChanged(ctx, inv)
		}
	}
	return inv, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/vipul43/revsync-worker/internal/models"
	"github.com/vipul43/revsync-worker/internal/money"
	"github.com/vipul43/revsync-worker/internal/repository"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// PaymentInput is a provider payment mapped to the internal shape.
// Amount is always in minor units.
type PaymentInput struct {
	WebsiteID         string            `validate:"required"`
	Provider          models.Provider   `validate:"required,oneof=stripe lemonsqueezy polar paddle"`
	ProviderPaymentID string            `validate:"required,max=255"`
	Amount            int64             `validate:"gte=0"`
	Currency          string            `validate:"required,len=3"`
	Renewal           bool
	Refunded          bool
	CustomerEmail     string `validate:"omitempty,email,max=320"`
	CustomerID        string `validate:"max=255"`
	SessionID         string `validate:"max=255"`
	VisitorID         string `validate:"max=255"`
	Metadata          map[string]string
	Timestamp         time.Time `validate:"required"`
}

// PaymentStore interface for payment persistence
type PaymentStore interface {
	FindByNaturalKey(ctx context.Context, provider models.Provider, providerPaymentID string) (*models.Payment, error)
	Create(ctx context.Context, payment *models.Payment) error
	UpdateFlags(ctx context.Context, paymentID string, renewal, refunded bool) error
}

// VisitorLinker interface for attribution
type VisitorLinker interface {
	LinkPaymentToVisitor(ctx context.Context, hints AttributionHints, websiteID string) (*Attribution, error)
}

type UpsertAction string

const (
	UpsertCreated   UpsertAction = "created"
	UpsertUpdated   UpsertAction = "updated"
	UpsertUnchanged UpsertAction = "unchanged"
)

type UpsertOutcome struct {
	Action  UpsertAction
	Payment *models.Payment
}

// PaymentWriter creates payments idempotently on (provider, provider_payment_id).
// Safe to call concurrently for the same natural key: a lost insert race is
// resolved by re-reading the winner's row.
type PaymentWriter struct {
	payments PaymentStore
	linker   VisitorLinker
	validate *validator.Validate
	logger   *zap.Logger
}

func NewPaymentWriter(payments PaymentStore, linker VisitorLinker, logger *zap.Logger) *PaymentWriter {
	return &PaymentWriter{
		payments: payments,
		linker:   linker,
		validate: validator.New(),
		logger:   logger,
	}
}

// UpsertPayment never returns ErrDuplicatePayment
func (w *PaymentWriter) UpsertPayment(ctx context.Context, in PaymentInput) (*UpsertOutcome, error) {
	in.Currency = money.NormalizeCurrency(in.Currency)
	in.CustomerEmail = strings.TrimSpace(in.CustomerEmail)
	if err := w.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("invalid payment %s: %w", in.ProviderPaymentID, err)
	}

	existing, err := w.payments.FindByNaturalKey(ctx, in.Provider, in.ProviderPaymentID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return w.reconcile(ctx, existing, in)
	}

	payment := newPayment(in)
	if payment.VisitorID == nil && payment.SessionID == nil {
		w.attribute(ctx, payment, in)
	}

	err = w.payments.Create(ctx, payment)
	if err == nil {
		return &UpsertOutcome{Action: UpsertCreated, Payment: payment}, nil
	}
	if !errors.Is(err, repository.ErrDuplicatePayment) {
		return nil, err
	}

	// Lost the insert race to a concurrent writer
	existing, err = w.payments.FindByNaturalKey(ctx, in.Provider, in.ProviderPaymentID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("payment %s/%s reported duplicate but not found", in.Provider, in.ProviderPaymentID)
	}
	return w.reconcile(ctx, existing, in)
}

// reconcile applies the only fields that change after creation
func (w *PaymentWriter) reconcile(ctx context.Context, existing *models.Payment, in PaymentInput) (*UpsertOutcome, error) {
	if existing.Renewal == in.Renewal && existing.Refunded == in.Refunded {
		return &UpsertOutcome{Action: UpsertUnchanged, Payment: existing}, nil
	}
	if err := w.payments.UpdateFlags(ctx, existing.ID, in.Renewal, in.Refunded); err != nil {
		return nil, err
	}
	existing.Renewal = in.Renewal
	existing.Refunded = in.Refunded
	return &UpsertOutcome{Action: UpsertUpdated, Payment: existing}, nil
}

// attribute is best-effort; a lookup failure leaves the payment unattributed
func (w *PaymentWriter) attribute(ctx context.Context, payment *models.Payment, in PaymentInput) {
	if w.linker == nil {
		return
	}
	a, err := w.linker.LinkPaymentToVisitor(ctx, AttributionHints{
		Metadata:      in.Metadata,
		CustomerEmail: in.CustomerEmail,
		PaidAt:        in.Timestamp,
	}, in.WebsiteID)
	if err != nil {
		w.logger.Warn("attribution lookup failed, writing payment unattributed",
			zap.String("provider", string(in.Provider)),
			zap.String("provider_payment_id", in.ProviderPaymentID),
			zap.Error(err))
		return
	}
	if a == nil {
		return
	}
	payment.VisitorID = optional(a.VisitorID)
	payment.SessionID = optional(a.SessionID)
}

func newPayment(in PaymentInput) *models.Payment {
	var metadata datatypes.JSONMap
	if len(in.Metadata) > 0 {
		metadata = make(datatypes.JSONMap, len(in.Metadata))
		for k, v := range in.Metadata {
			metadata[k] = v
		}
	}
	return &models.Payment{
		ID:                uuid.NewString(),
		WebsiteID:         in.WebsiteID,
		Provider:          in.Provider,
		ProviderPaymentID: in.ProviderPaymentID,
		Amount:            money.FromMinor(in.Amount),
		Currency:          in.Currency,
		Renewal:           in.Renewal,
		Refunded:          in.Refunded,
		CustomerEmail:     optional(in.CustomerEmail),
		CustomerID:        optional(in.CustomerID),
		SessionID:         optional(in.SessionID),
		VisitorID:         optional(in.VisitorID),
		Metadata:          metadata,
		Timestamp:         in.Timestamp.UTC(),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

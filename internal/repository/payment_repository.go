package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vipul43/revsync-worker/internal/models"
	"gorm.io/gorm"
)

// ErrDuplicatePayment is returned by Create when (provider, provider_payment_id) already exists
var ErrDuplicatePayment = errors.New("payment already exists")

const uniqueViolation = "23505"

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// FindByNaturalKey returns nil, nil when no payment matches
func (r *PaymentRepository) FindByNaturalKey(ctx context.Context, provider models.Provider, providerPaymentID string) (*models.Payment, error) {
	var payment models.Payment
	result := r.db.WithContext(ctx).
		Where("provider = ? AND provider_payment_id = ?", provider, providerPaymentID).
		Limit(1).
		Find(&payment)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to find payment: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &payment, nil
}

// Create inserts a payment, mapping a unique violation to ErrDuplicatePayment
func (r *PaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	if err := r.db.WithContext(ctx).Create(payment).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicatePayment
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// UpdateFlags rewrites the mutable renewal/refunded flags
func (r *PaymentRepository) UpdateFlags(ctx context.Context, paymentID string, renewal, refunded bool) error {
	result := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ?", paymentID).
		Updates(map[string]interface{}{
			"renewal":    renewal,
			"refunded":   refunded,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update payment flags: %w", result.Error)
	}
	return nil
}

// DeleteByWebsiteProvider removes every payment ingested for a website from one provider
func (r *PaymentRepository) DeleteByWebsiteProvider(ctx context.Context, websiteID string, provider models.Provider) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("website_id = ? AND provider = ?", websiteID, provider).
		Delete(&models.Payment{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete payments: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// CountByWebsiteProvider returns how many payments a website has from one provider
func (r *PaymentRepository) CountByWebsiteProvider(ctx context.Context, websiteID string, provider models.Provider) (int64, error) {
	var count int64
	result := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("website_id = ? AND provider = ?", websiteID, provider).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count payments: %w", result.Error)
	}
	return count, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

package models

import (
	"time"

	"gorm.io/datatypes"
)

// Payment is an ingested provider payment.
// (provider, provider_payment_id) is unique at the storage layer.
type Payment struct {
	ID                string            `gorm:"column:id;primaryKey"`
	WebsiteID         string            `gorm:"column:website_id;index"`
	Provider          Provider          `gorm:"column:provider"`
	ProviderPaymentID string            `gorm:"column:provider_payment_id"`
	Amount            int64             `gorm:"column:amount"` // minor units
	Currency          string            `gorm:"column:currency"`
	Renewal           bool              `gorm:"column:renewal"`
	Refunded          bool              `gorm:"column:refunded"`
	CustomerEmail     *string           `gorm:"column:customer_email"`
	CustomerID        *string           `gorm:"column:customer_id"`
	SessionID         *string           `gorm:"column:session_id"`
	VisitorID         *string           `gorm:"column:visitor_id"`
	Metadata          datatypes.JSONMap `gorm:"column:metadata;type:jsonb"`
	Timestamp         time.Time         `gorm:"column:timestamp;index"`
	CreatedAt         time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (Payment) TableName() string {
	return "payment"
}

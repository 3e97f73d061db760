package models

import "time"

// Website is the tenant record. Only the columns this worker reads are mapped;
// the rest of the row belongs to the dashboard.
type Website struct {
	ID               string          `gorm:"column:id;primaryKey"`
	Domain           string          `gorm:"column:domain"`
	PaymentProviders ProviderConfigs `gorm:"column:payment_providers;type:jsonb"`
	CreatedAt        time.Time       `gorm:"column:created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at"`
}

// TableName specifies the table name for GORM
func (Website) TableName() string {
	return "website"
}

// ProviderConfig returns the config for a provider, or nil when not connected
func (w *Website) ProviderConfig(p Provider) *ProviderSyncConfig {
	if w == nil || w.PaymentProviders == nil {
		return nil
	}
	cfg := w.PaymentProviders[p]
	if !cfg.Connected() {
		return nil
	}
	return cfg
}

// AnalyticsSession is written by the tracking script; the linker only reads it
type AnalyticsSession struct {
	ID            string    `gorm:"column:id;primaryKey"`
	WebsiteID     string    `gorm:"column:website_id;index"`
	VisitorID     string    `gorm:"column:visitor_id;index"`
	CustomerEmail *string   `gorm:"column:customer_email"`
	StartedAt     time.Time `gorm:"column:started_at"`
	LastSeenAt    time.Time `gorm:"column:last_seen_at"`
}

// TableName specifies the table name for GORM
func (AnalyticsSession) TableName() string {
	return "analytics_session"
}

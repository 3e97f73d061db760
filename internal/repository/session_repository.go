package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vipul43/revsync-worker/internal/models"
	"gorm.io/gorm"
)

// SessionRepository reads analytics sessions written by the tracking script.
// Lookups return nil, nil when nothing matches.
type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// FindByID returns a session belonging to the website
func (r *SessionRepository) FindByID(ctx context.Context, websiteID, sessionID string) (*models.AnalyticsSession, error) {
	return firstSession(r.db.WithContext(ctx).
		Where("website_id = ? AND id = ?", websiteID, sessionID))
}

// FindLatestByVisitor returns the visitor's most recent session
func (r *SessionRepository) FindLatestByVisitor(ctx context.Context, websiteID, visitorID string) (*models.AnalyticsSession, error) {
	return firstSession(r.db.WithContext(ctx).
		Where("website_id = ? AND visitor_id = ?", websiteID, visitorID).
		Order("last_seen_at DESC"))
}

// FindLatestByEmail returns the most recent identified session for an email
// that was active inside [since, until]
func (r *SessionRepository) FindLatestByEmail(ctx context.Context, websiteID, email string, since, until time.Time) (*models.AnalyticsSession, error) {
	return firstSession(r.db.WithContext(ctx).
		Where("website_id = ? AND lower(customer_email) = ?", websiteID, strings.ToLower(strings.TrimSpace(email))).
		Where("last_seen_at >= ? AND started_at <= ?", since.UTC(), until.UTC()).
		Order("last_seen_at DESC"))
}

func firstSession(q *gorm.DB) (*models.AnalyticsSession, error) {
	var session models.AnalyticsSession
	result := q.Limit(1).Find(&session)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to find session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &session, nil
}

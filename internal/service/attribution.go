package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vipul43/revsync-worker/internal/models"
)

// AttributionLookback bounds how far before a payment an identified session may be
const AttributionLookback = 30 * 24 * time.Hour

// Checkout metadata keys a site may forward, checked in order
var (
	visitorMetadataKeys = []string{"revsync_visitor_id", "revsync_visitorId", "visitor_id", "visitorId"}
	sessionMetadataKeys = []string{"revsync_session_id", "revsync_sessionId", "session_id", "sessionId"}
)

// SessionStore interface for analytics session lookups.
// Implementations return nil, nil when nothing matches.
type SessionStore interface {
	FindByID(ctx context.Context, websiteID, sessionID string) (*models.AnalyticsSession, error)
	FindLatestByVisitor(ctx context.Context, websiteID, visitorID string) (*models.AnalyticsSession, error)
	FindLatestByEmail(ctx context.Context, websiteID, email string, since, until time.Time) (*models.AnalyticsSession, error)
}

// AttributionHints is what a payment carries that can point at a visitor
type AttributionHints struct {
	Metadata      map[string]string
	CustomerEmail string
	PaidAt        time.Time
}

type AttributionSource string

const (
	AttributionMetadata AttributionSource = "metadata"
	AttributionEmail    AttributionSource = "email"
)

type Attribution struct {
	VisitorID string
	SessionID string
	Source    AttributionSource
}

type AttributionLinker struct {
	sessions SessionStore
	lookback time.Duration
}

func NewAttributionLinker(sessions SessionStore) *AttributionLinker {
	return &AttributionLinker{sessions: sessions, lookback: AttributionLookback}
}

// LinkPaymentToVisitor finds the visitor/session most likely behind a payment.
// Returns nil, nil when the payment stays unattributed.
func (l *AttributionLinker) LinkPaymentToVisitor(ctx context.Context, hints AttributionHints, websiteID string) (*Attribution, error) {
	if a, err := l.fromMetadata(ctx, hints.Metadata, websiteID); err != nil || a != nil {
		return a, err
	}

	email := strings.TrimSpace(hints.CustomerEmail)
	if email == "" {
		return nil, nil
	}
	paidAt := hints.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now()
	}

	session, err := l.sessions.FindLatestByEmail(ctx, websiteID, email, paidAt.Add(-l.lookback), paidAt)
	if err != nil {
		return nil, fmt.Errorf("failed to match session by email: %w", err)
	}
	if session == nil {
		return nil, nil
	}
	return &Attribution{VisitorID: session.VisitorID, SessionID: session.ID, Source: AttributionEmail}, nil
}

// fromMetadata trusts ids forwarded through checkout and fills the missing half from storage
func (l *AttributionLinker) fromMetadata(ctx context.Context, metadata map[string]string, websiteID string) (*Attribution, error) {
	visitorID := firstValue(metadata, visitorMetadataKeys)
	sessionID := firstValue(metadata, sessionMetadataKeys)
	if visitorID == "" && sessionID == "" {
		return nil, nil
	}

	a := &Attribution{VisitorID: visitorID, SessionID: sessionID, Source: AttributionMetadata}
	switch {
	case visitorID == "":
		session, err := l.sessions.FindByID(ctx, websiteID, sessionID)
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		if session != nil {
			a.VisitorID = session.VisitorID
		}
	case sessionID == "":
		session, err := l.sessions.FindLatestByVisitor(ctx, websiteID, visitorID)
		if err != nil {
			return nil, fmt.Errorf("failed to load visitor session: %w", err)
		}
		if session != nil {
			a.SessionID = session.ID
		}
	}
	return a, nil
}

func firstValue(m map[string]string, keys []string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

package service

import (
	"errors"
	"fmt"

	"github.com/vipul43/revsync-worker/internal/models"
)

var (
	ErrInvalidCredentials   = errors.New("invalid API key")
	ErrProviderNotSupported = errors.New("provider not supported")
	ErrProviderNotConnected = errors.New("provider not connected")
	// ErrSyncCancelled means the provider was disconnected while its sync ran
	ErrSyncCancelled = errors.New("sync cancelled: provider disconnected")
)

// ProviderError wraps a failure returned by a payment provider's API
type ProviderError struct {
	Provider   models.Provider
	StatusCode int
	Credential bool // key rejected; retrying cannot succeed
	Retryable  bool // rate limit, timeout, 5xx
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrInvalidCredentials) match credential failures
// without the provider having to wrap the sentinel itself
func (e *ProviderError) Is(target error) bool {
	return target == ErrInvalidCredentials && e.Credential
}

// NewCredentialError builds a ProviderError for a rejected API key
func NewCredentialError(provider models.Provider, statusCode int, err error) *ProviderError {
	if err == nil {
		err = ErrInvalidCredentials
	}
	return &ProviderError{Provider: provider, StatusCode: statusCode, Credential: true, Err: err}
}

// IsTerminal reports whether a job failing with err should not be retried
func IsTerminal(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrProviderNotSupported) ||
		errors.Is(err, ErrProviderNotConnected) ||
		errors.Is(err, ErrSyncCancelled)
}

// UserMessage renders err with a hint the dashboard can show as-is
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid API key: check the key in your provider dashboard and reconnect"
	case errors.Is(err, ErrProviderNotSupported):
		return "this payment provider is not supported yet"
	case errors.Is(err, ErrProviderNotConnected):
		return "payment provider is not connected"
	case errors.Is(err, ErrSyncCancelled):
		return "sync stopped because the payment provider was disconnected"
	case errors.Is(err, models.ErrUnknownFrequency):
		return "unknown sync frequency: use realtime, hourly or daily"
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe.Retryable {
		return fmt.Sprintf("%s is temporarily unavailable, try again shortly", pe.Provider)
	}
	return err.Error()
}

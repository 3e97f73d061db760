package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Provider identifies a third-party payment provider
type Provider string

const (
	ProviderStripe       Provider = "stripe"
	ProviderLemonSqueezy Provider = "lemonsqueezy"
	ProviderPolar        Provider = "polar"
	ProviderPaddle       Provider = "paddle"
)

var ErrUnknownProvider = errors.New("unknown provider")

// ParseProvider rejects anything outside the closed provider set
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case ProviderStripe, ProviderLemonSqueezy, ProviderPolar, ProviderPaddle:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

// Frequency is how often a tenant's provider data is pulled
type Frequency string

const (
	FrequencyRealtime Frequency = "realtime"
	FrequencyHourly   Frequency = "hourly"
	FrequencyDaily    Frequency = "daily"
)

const (
	DefaultFrequency = FrequencyDaily
	RealtimeWindow   = 15 * time.Minute
)

var ErrUnknownFrequency = errors.New("unknown frequency")

func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FrequencyRealtime, FrequencyHourly, FrequencyDaily:
		return f, nil
	case "":
		return DefaultFrequency, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFrequency, s)
}

// Interval returns the spacing between two scheduled syncs.
// Realtime tenants are swept on a trailing window instead of being scheduled.
func (f Frequency) Interval() time.Duration {
	switch f {
	case FrequencyRealtime:
		return RealtimeWindow
	case FrequencyHourly:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// ProviderSyncConfig is the per-provider block embedded in a website record
type ProviderSyncConfig struct {
	APIKey     string     `json:"apiKey"`
	Enabled    bool       `json:"enabled"`
	Frequency  Frequency  `json:"frequency"`
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`
	NextSyncAt *time.Time `json:"nextSyncAt,omitempty"`
}

// Connected reports whether a credential is present
func (c *ProviderSyncConfig) Connected() bool {
	return c != nil && strings.TrimSpace(c.APIKey) != ""
}

// NextSyncFrom derives nextSyncAt from a lastSyncAt value
func (c *ProviderSyncConfig) NextSyncFrom(lastSyncAt time.Time) time.Time {
	return lastSyncAt.Add(c.Frequency.Interval())
}

// ProviderConfigs maps each connected provider to its sync config.
// Stored as a single jsonb column on the website row.
type ProviderConfigs map[Provider]*ProviderSyncConfig

// Value implements driver.Valuer
func (p ProviderConfigs) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner
func (p *ProviderConfigs) Scan(value interface{}) error {
	if value == nil {
		*p = ProviderConfigs{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	cfgs := ProviderConfigs{}
	if err := json.Unmarshal(raw, &cfgs); err != nil {
		return err
	}
	*p = cfgs
	return nil
}

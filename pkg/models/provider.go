package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Provider capability classes. Chat-image providers are multi-turn and may
// return text and/or images; utility providers are single-shot transforms.
const (
	CapabilityChatImage = "chat-image"
	CapabilityUtility   = "utility"
)

// RateLimitConfig is the per-provider admission policy, stored in the
// provider's config column.
type RateLimitConfig struct {
	MaxPerWindow  int           `json:"max_per_window"`
	WindowSeconds int           `json:"window_seconds"`
	RetryOn429    *bool         `json:"retry_on_429,omitempty"`
	MaxRetries    int           `json:"max_retries,omitempty"`
	BaseBackoffMs int           `json:"base_backoff_ms,omitempty"`
}

// Window returns the configured window length, defaulting to 60s.
func (c RateLimitConfig) Window() time.Duration {
	if c.WindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.WindowSeconds) * time.Second
}

// ShouldRetryOn429 defaults to true when unset.
func (c RateLimitConfig) ShouldRetryOn429() bool {
	return c.RetryOn429 == nil || *c.RetryOn429
}

// Provider is an external AI vendor registered in the catalog. The
// credential blob is stored encrypted; the pipeline decrypts it at dispatch
// time only and never persists the plaintext.
type Provider struct {
	ID             uuid.UUID        `db:"id"              json:"id"`
	Name           string           `db:"name"            json:"name"`
	Capability     string           `db:"capability"      json:"capability"`
	BaseURL        string           `db:"base_url"        json:"base_url,omitempty"`
	CredentialBlob []byte           `db:"credential_blob" json:"-"`
	RateLimit      *RateLimitConfig `db:"rate_limit"      json:"rate_limit,omitempty"`
	Config         json.RawMessage  `db:"config"          json:"config,omitempty"`
	IsActive       bool             `db:"is_active"       json:"is_active"`
	CreatedAt      time.Time        `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time        `db:"updated_at"      json:"updated_at"`
}

// Package tokens acquires, caches, and rotates provider credentials.
//
// Credentials live in an external secret store and are wrapped in cached
// token records with a TTL, a usage-count rotation threshold, and an active
// flag. The manager maps a requested model to its provider, validates the
// credential format, and hands back an authenticated provider client.
package tokens

import (
	"errors"
	"regexp"
	"time"

	"github.com/quizforge/quizforge/internal/provider"
)

var (
	ErrNoProviderForModel = errors.New("tokens: no provider configured for model")
	ErrInvalidTokenFormat = errors.New("tokens: credential failed format validation")
	ErrSecretUnavailable  = errors.New("tokens: secret store read failed")
)

// Cache and rotation tuning.
const (
	RotationThreshold = 50
	CacheTTL          = 5 * time.Minute
	SweepInterval     = time.Minute
)

// Record is one cached credential wrapper.
type Record struct {
	Key         string        `json:"-"` // the secret itself, never serialized
	Provider    provider.Type `json:"provider"`
	CachedAt    time.Time     `json:"cachedAt"`
	ExpiresAt   time.Time     `json:"expiresAt"`
	LastRotated time.Time     `json:"lastRotated"`
	UsageCount  int           `json:"usageCount"`
	IsActive    bool          `json:"isActive"`
}

// Valid reports whether the record can still be used. A record at the
// rotation threshold is invalid and must trigger a fresh retrieval.
func (r *Record) Valid(now time.Time) bool {
	return r.IsActive && r.UsageCount < RotationThreshold && now.Before(r.ExpiresAt)
}

// modelProviders maps model names to their provider type.
var modelProviders = map[string]provider.Type{
	"gpt-4o":            provider.TypeOpenAI,
	"gpt-4o-mini":       provider.TypeOpenAI,
	"gpt-4.1":           provider.TypeOpenAI,
	"gpt-4.1-mini":      provider.TypeOpenAI,
	"claude-sonnet-4-5": provider.TypeAnthropic,
	"claude-haiku-4-5":  provider.TypeAnthropic,
	"gemini-2.5-pro":    provider.TypeGoogle,
	"gemini-2.5-flash":  provider.TypeGoogle,
	"mock-model":        provider.TypeMock,
}

// ProviderForModel resolves a model name to its provider type.
func ProviderForModel(model string) (provider.Type, error) {
	t, ok := modelProviders[model]
	if !ok {
		return "", ErrNoProviderForModel
	}
	return t, nil
}

// secretNames maps provider types to their secret-store key names.
var secretNames = map[provider.Type]string{
	provider.TypeOpenAI:    "openai-api-key",
	provider.TypeAnthropic: "anthropic-api-key",
	provider.TypeGoogle:    "google-api-key",
	provider.TypeMock:      "mock-api-key",
}

// keyFormats validates raw credentials per provider before caching.
var keyFormats = map[provider.Type]*regexp.Regexp{
	provider.TypeOpenAI:    regexp.MustCompile(`^sk-[A-Za-z0-9_-]{20,}$`),
	provider.TypeAnthropic: regexp.MustCompile(`^sk-ant-[A-Za-z0-9_-]{20,}$`),
	provider.TypeGoogle:    regexp.MustCompile(`^AIza[A-Za-z0-9_-]{30,}$`),
	provider.TypeMock:      regexp.MustCompile(`^.+$`),
}

// HealthState classifies a provider's credential health.
type HealthState string

const (
	HealthHealthy HealthState = "healthy"
	HealthWarning HealthState = "warning"
	HealthError   HealthState = "error"
)

// Health reports one provider's credential status without mutating state.
type Health struct {
	Provider   provider.Type `json:"provider"`
	State      HealthState   `json:"state"`
	Detail     string        `json:"detail,omitempty"`
	UsageCount int           `json:"usageCount,omitempty"`
	ExpiresAt  *time.Time    `json:"expiresAt,omitempty"`
}

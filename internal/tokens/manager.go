package tokens

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quizforge/quizforge/internal/circuitbreaker"
	"github.com/quizforge/quizforge/internal/provider"
	"github.com/quizforge/quizforge/internal/secrets"
	"github.com/quizforge/quizforge/internal/syncutil"
)

// ClientFactory builds an authenticated provider client from a credential.
// Injectable for tests.
type ClientFactory func(t provider.Type, apiKey string) (provider.Client, error)

// DefaultClientFactory wires the real HTTP clients.
func DefaultClientFactory(t provider.Type, apiKey string) (provider.Client, error) {
	switch t {
	case provider.TypeOpenAI:
		return provider.NewOpenAIClient(apiKey), nil
	case provider.TypeAnthropic:
		return provider.NewAnthropicClient(apiKey), nil
	case provider.TypeGoogle:
		return provider.NewGoogleClient(apiKey), nil
	case provider.TypeMock:
		return provider.NewMock(), nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", t)
	}
}

// Manager owns the credential cache. Construct one per process and inject
// it; it is not a package-level singleton so tests can build isolated
// instances.
type Manager struct {
	secrets secrets.Store
	factory ClientFactory
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	records map[string]*Record // cacheKey → record

	// fetchLocks serializes secret fetches per cache key so a burst of
	// misses for one user/provider does one secret-store read, without
	// blocking unrelated keys. Waiters honor their context, so a caller
	// with an expired deadline does not queue behind a slow fetch.
	fetchLocks *syncutil.ContextShardedMutex

	// breaker trips per provider type after consecutive upstream failures.
	breaker *circuitbreaker.Breaker
}

// Option configures the manager.
type Option func(*Manager)

// WithClientFactory overrides provider client construction.
func WithClientFactory(f ClientFactory) Option {
	return func(m *Manager) { m.factory = f }
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a token manager backed by the given secret store.
func NewManager(store secrets.Store, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		secrets:    store,
		factory:    DefaultClientFactory,
		logger:     logger,
		now:        time.Now,
		records:    make(map[string]*Record),
		fetchLocks: syncutil.NewContextShardedMutex(),
		breaker:    circuitbreaker.New(5, 30*time.Second),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func cacheKey(t provider.Type, userID string) string {
	return string(t) + ":" + userID
}

// GetProvider resolves the model's provider, supplies a valid cached or
// freshly fetched credential, and returns an authenticated client wrapped in
// the provider's circuit breaker.
func (m *Manager) GetProvider(ctx context.Context, userID, model string) (provider.Client, error) {
	pType, err := ProviderForModel(model)
	if err != nil {
		return nil, err
	}

	rec, err := m.getRecord(ctx, pType, userID)
	if err != nil {
		return nil, err
	}

	client, err := m.factory(pType, rec.Key)
	if err != nil {
		return nil, err
	}
	return &breakerClient{inner: client, breaker: m.breaker}, nil
}

// getRecord returns a valid record for provider+user, fetching from the
// secret store on miss or invalidation.
func (m *Manager) getRecord(ctx context.Context, pType provider.Type, userID string) (*Record, error) {
	key := cacheKey(pType, userID)
	now := m.now()

	m.mu.RLock()
	rec, ok := m.records[key]
	m.mu.RUnlock()
	if ok && rec.Valid(now) {
		m.bumpUsage(key)
		return rec, nil
	}

	// Miss or stale: serialize the fetch per cache key.
	unlock, err := m.fetchLocks.LockContext(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-check under the fetch lock; another goroutine may have refreshed.
	m.mu.RLock()
	rec, ok = m.records[key]
	m.mu.RUnlock()
	if ok && rec.Valid(now) {
		m.bumpUsage(key)
		return rec, nil
	}

	raw, err := m.secrets.Get(ctx, secretNames[pType])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretUnavailable, err)
	}
	if pattern, ok := keyFormats[pType]; ok && !pattern.MatchString(raw) {
		return nil, fmt.Errorf("%w: provider %s", ErrInvalidTokenFormat, pType)
	}

	fresh := &Record{
		Key:         raw,
		Provider:    pType,
		CachedAt:    now,
		ExpiresAt:   now.Add(CacheTTL),
		LastRotated: now,
		UsageCount:  1,
		IsActive:    true,
	}

	m.mu.Lock()
	m.records[key] = fresh
	m.mu.Unlock()

	m.logger.Debug("cached provider credential", "provider", pType)
	return fresh, nil
}

func (m *Manager) bumpUsage(key string) {
	m.mu.Lock()
	if rec, ok := m.records[key]; ok {
		rec.UsageCount++
	}
	m.mu.Unlock()
}

// Invalidate marks one cached credential inactive (operator action after a
// key rotation upstream).
func (m *Manager) Invalidate(pType provider.Type, userID string) {
	m.mu.Lock()
	if rec, ok := m.records[cacheKey(pType, userID)]; ok {
		rec.IsActive = false
	}
	m.mu.Unlock()
}

// RotateExpired sweeps invalid entries out of the cache. Idempotent; safe to
// skip or delay. Returns the number of evicted records.
func (m *Manager) RotateExpired() int {
	now := m.now()
	evicted := 0

	m.mu.Lock()
	for key, rec := range m.records {
		if !rec.Valid(now) {
			delete(m.records, key)
			evicted++
		}
	}
	m.mu.Unlock()

	if evicted > 0 {
		m.logger.Debug("rotated expired tokens", "evicted", evicted)
	}
	return evicted
}

// CacheSize returns the current number of cached records.
func (m *Manager) CacheSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// HealthReport summarizes credential health per provider without mutating
// cache state.
func (m *Manager) HealthReport(ctx context.Context) []Health {
	now := m.now()

	// Snapshot the freshest record per provider.
	newest := make(map[provider.Type]*Record)
	m.mu.RLock()
	for _, rec := range m.records {
		cur, ok := newest[rec.Provider]
		if !ok || rec.CachedAt.After(cur.CachedAt) {
			newest[rec.Provider] = rec
		}
	}
	m.mu.RUnlock()

	var out []Health
	for pType, name := range secretNames {
		h := Health{Provider: pType, State: HealthHealthy}

		if _, err := m.secrets.Get(ctx, name); err != nil {
			h.State = HealthError
			h.Detail = "secret unavailable"
			out = append(out, h)
			continue
		}

		if rec, ok := newest[pType]; ok {
			h.UsageCount = rec.UsageCount
			exp := rec.ExpiresAt
			h.ExpiresAt = &exp
			switch {
			case !rec.IsActive:
				h.State = HealthWarning
				h.Detail = "credential invalidated, refresh pending"
			case rec.UsageCount >= RotationThreshold*8/10:
				h.State = HealthWarning
				h.Detail = "approaching rotation threshold"
			case now.After(rec.ExpiresAt):
				h.State = HealthWarning
				h.Detail = "cache entry expired, refresh pending"
			}
		}
		out = append(out, h)
	}
	return out
}

// breakerClient wraps a provider client with the shared per-provider
// circuit breaker.
type breakerClient struct {
	inner   provider.Client
	breaker *circuitbreaker.Breaker
}

func (b *breakerClient) Type() provider.Type { return b.inner.Type() }

func (b *breakerClient) GenerateCompletion(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
	key := string(b.inner.Type())
	if !b.breaker.Allow(key) {
		return nil, fmt.Errorf("%w: circuit open for %s", provider.ErrProviderUnavailable, key)
	}

	resp, err := b.inner.GenerateCompletion(ctx, req)
	if err != nil {
		b.breaker.RecordFailure(key)
		return nil, err
	}
	b.breaker.RecordSuccess(key)
	return resp, nil
}

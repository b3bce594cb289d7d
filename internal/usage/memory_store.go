package usage

import (
	"context"
	"sync"
)

// MemorySink is an in-memory audit store for demo/development mode.
type MemorySink struct {
	mu         sync.RWMutex
	entries    []*AuditEntry
	aggregates []*Aggregate

	// FailAppends simulates an unavailable sink (tests).
	FailAppends bool
}

// NewMemorySink creates a new in-memory audit sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Append(ctx context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAppends {
		return ErrSinkUnavailable
	}
	cp := *entry
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemorySink) AppendAggregate(ctx context.Context, agg *Aggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAppends {
		return ErrSinkUnavailable
	}
	cp := *agg
	m.aggregates = append(m.aggregates, &cp)
	return nil
}

func (m *MemorySink) Query(ctx context.Context, filter ExportFilter) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}

	var out []*AuditEntry
	for _, e := range m.entries {
		if !filter.Start.IsZero() && e.Timestamp.Before(filter.Start) {
			continue
		}
		if !filter.End.IsZero() && e.Timestamp.After(filter.End) {
			continue
		}
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if filter.Operation != "" && e.Operation != filter.Operation {
			continue
		}
		if filter.OnlyFailed && e.Success {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemorySink) UserStats(ctx context.Context, userID string) (*UserStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &UserStats{UserID: userID}
	successes := 0
	for _, e := range m.entries {
		if e.UserID != userID {
			continue
		}
		stats.TotalRequests++
		stats.TotalTokens += e.TokensUsed
		stats.TotalCredits += e.CreditsDeducted
		if e.Success {
			successes++
		}
	}
	if stats.TotalRequests > 0 {
		stats.SuccessRate = float64(successes) / float64(stats.TotalRequests)
	}
	return stats, nil
}

func (m *MemorySink) SystemStats(ctx context.Context) (*SystemStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &SystemStats{}
	models := make(map[string]int)
	features := make(map[string]int)
	var latencySum int64
	successes := 0

	for _, e := range m.entries {
		stats.TotalRequests++
		stats.TotalTokens += e.TokensUsed
		stats.TotalCredits += e.CreditsDeducted
		latencySum += e.LatencyMs
		if e.Success {
			successes++
		}
		if e.Model != "" {
			models[e.Model]++
		}
		features[e.Operation]++
	}
	if stats.TotalRequests > 0 {
		stats.AverageLatency = float64(latencySum) / float64(stats.TotalRequests)
		stats.SuccessRate = float64(successes) / float64(stats.TotalRequests)
	}
	stats.TopModels = topN(models, 5)
	stats.TopFeatures = topN(features, 5)
	return stats, nil
}

// Entries returns a copy of everything appended (tests).
func (m *MemorySink) Entries() []*AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AuditEntry, len(m.entries))
	for i, e := range m.entries {
		cp := *e
		out[i] = &cp
	}
	return out
}

// Aggregates returns a copy of all flushed aggregates (tests).
func (m *MemorySink) Aggregates() []*Aggregate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Aggregate, len(m.aggregates))
	for i, a := range m.aggregates {
		cp := *a
		out[i] = &cp
	}
	return out
}

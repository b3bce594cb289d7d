package usage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/quizforge/quizforge/internal/idgen"
	"github.com/quizforge/quizforge/internal/metrics"
)

// Tracker buffers audit entries on a bounded queue, appends them to the
// sink from a single worker, and flushes batch aggregates. Construct one
// per process and inject it; isolated instances keep tests hermetic.
type Tracker struct {
	sink      Sink
	logger    *slog.Logger
	notifiers []Notifier
	now       func() time.Time

	queue chan *AuditEntry
	done  chan struct{}

	mu     sync.Mutex
	buffer []*AuditEntry

	closeOnce sync.Once
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithNotifier registers an alert receiver.
func WithNotifier(n Notifier) TrackerOption {
	return func(t *Tracker) { t.notifiers = append(t.notifiers, n) }
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker and starts its worker.
func NewTracker(sink Sink, logger *slog.Logger, opts ...TrackerOption) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		sink:   sink,
		logger: logger,
		now:    time.Now,
		queue:  make(chan *AuditEntry, QueueDepth),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.worker()
	return t
}

// Track enqueues an audit entry. It never returns an error and never
// blocks: when the queue is full the entry is dropped and counted. The
// entry's ID and timestamp are assigned here.
func (t *Tracker) Track(entry AuditEntry) {
	entry.ID = idgen.WithPrefix("aud_")
	if entry.Timestamp.IsZero() {
		entry.Timestamp = t.now()
	}

	t.evaluateAlerts(&entry)

	select {
	case t.queue <- &entry:
		metrics.AuditEntriesTracked.Inc()
	default:
		metrics.AuditEntriesDropped.Inc()
		t.logger.Warn("audit queue full, dropping entry",
			"request_id", entry.RequestID, "operation", entry.Operation)
	}
}

// Close drains the queue, flushes the buffer, and stops the worker.
func (t *Tracker) Close(ctx context.Context) {
	t.closeOnce.Do(func() {
		close(t.queue)
		select {
		case <-t.done:
		case <-ctx.Done():
			t.logger.Warn("tracker close timed out before drain completed")
		}
	})
}

// Export returns audit entries matching the filter (compliance export).
func (t *Tracker) Export(ctx context.Context, filter ExportFilter) ([]*AuditEntry, error) {
	return t.sink.Query(ctx, filter)
}

// UserStats returns per-user read aggregates.
func (t *Tracker) UserStats(ctx context.Context, userID string) (*UserStats, error) {
	return t.sink.UserStats(ctx, userID)
}

// SystemStats returns platform-wide read aggregates.
func (t *Tracker) SystemStats(ctx context.Context) (*SystemStats, error) {
	return t.sink.SystemStats(ctx)
}

// worker is the single consumer: appends entries to the sink, accumulates
// the flush buffer, and ticks the flush interval.
func (t *Tracker) worker() {
	defer close(t.done)

	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry, ok := <-t.queue:
			if !ok {
				t.flush()
				return
			}
			t.append(entry)
		case <-ticker.C:
			t.flush()
		}
	}
}

// append writes one entry to the sink (degrading to a log line on failure)
// and buffers it for aggregation.
func (t *Tracker) append(entry *AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := t.sink.Append(ctx, entry); err != nil {
		metrics.AuditSinkErrors.Inc()
		t.logger.Error("audit sink append failed, entry logged only",
			"error", err,
			"request_id", entry.RequestID,
			"user_id", entry.UserID,
			"operation", entry.Operation,
			"success", entry.Success,
		)
	}

	t.mu.Lock()
	t.buffer = append(t.buffer, entry)
	full := len(t.buffer) >= BatchSize
	t.mu.Unlock()

	if full {
		t.flush()
	}
}

// flush aggregates the buffered entries and hands the summary to the sink.
// Best-effort: a failed flush drops the aggregate, not the audit entries,
// which were already appended individually.
func (t *Tracker) flush() {
	t.mu.Lock()
	batch := t.buffer
	t.buffer = nil
	t.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	agg := aggregate(batch)
	agg.ID = idgen.WithPrefix("agg_")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := t.sink.AppendAggregate(ctx, agg); err != nil {
		metrics.AuditSinkErrors.Inc()
		t.logger.Warn("aggregate flush failed", "error", err, "entries", len(batch))
		return
	}
	metrics.AuditFlushes.Inc()
}

// evaluateAlerts applies the threshold rules and fans out to notifiers.
func (t *Tracker) evaluateAlerts(entry *AuditEntry) {
	var alerts []Alert

	if entry.LatencyMs > SlowLatencyMs {
		alerts = append(alerts, Alert{
			Kind: AlertSlowOperation, Detail: "latency exceeded 10s",
		})
	}
	if entry.RiskScore > HighRiskScore {
		alerts = append(alerts, Alert{
			Kind: AlertHighRisk, Detail: "risk score above approval threshold",
		})
	}
	if !entry.Success {
		alerts = append(alerts, Alert{
			Kind: AlertOperationFailed, Detail: entry.Error,
		})
	}

	for _, a := range alerts {
		a.UserID = entry.UserID
		a.RequestID = entry.RequestID
		a.Operation = entry.Operation
		a.RaisedAt = t.now()

		metrics.UsageAlerts.WithLabelValues(string(a.Kind)).Inc()
		t.logger.Warn("usage alert",
			"kind", a.Kind, "user_id", a.UserID,
			"operation", a.Operation, "detail", a.Detail)

		for _, n := range t.notifiers {
			n.NotifyAlert(a)
		}
	}
}

// aggregate folds a batch of entries into one summary.
func aggregate(batch []*AuditEntry) *Aggregate {
	agg := &Aggregate{
		WindowStart: batch[0].Timestamp,
		WindowEnd:   batch[0].Timestamp,
	}

	models := make(map[string]int)
	features := make(map[string]int)
	var latencySum int64
	successes := 0

	for _, e := range batch {
		if e.Timestamp.Before(agg.WindowStart) {
			agg.WindowStart = e.Timestamp
		}
		if e.Timestamp.After(agg.WindowEnd) {
			agg.WindowEnd = e.Timestamp
		}
		agg.TotalRequests++
		agg.TotalTokens += e.TokensUsed
		agg.TotalCredits += e.CreditsDeducted
		latencySum += e.LatencyMs
		if e.Success {
			successes++
		}
		if e.Model != "" {
			models[e.Model]++
		}
		features[e.Operation]++
	}

	agg.AverageLatency = float64(latencySum) / float64(len(batch))
	agg.SuccessRate = float64(successes) / float64(len(batch))
	agg.TopModels = topN(models, 5)
	agg.TopFeatures = topN(features, 5)
	return agg
}

// topN returns the n highest counts, ties broken by name for determinism.
func topN(counts map[string]int, n int) []NamedCount {
	out := make([]NamedCount, 0, len(counts))
	for name, count := range counts {
		out = append(out, NamedCount{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

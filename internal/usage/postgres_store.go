package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresSink implements Sink with PostgreSQL.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink creates a new PostgreSQL-backed audit sink.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Migrate creates the audit tables.
func (p *PostgresSink) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_entries (
			id                VARCHAR(40) PRIMARY KEY,
			ts                TIMESTAMPTZ NOT NULL,
			user_id           VARCHAR(64) NOT NULL,
			request_id        VARCHAR(64) NOT NULL,
			operation         VARCHAR(64) NOT NULL,
			model             VARCHAR(64),
			tokens_used       INTEGER NOT NULL DEFAULT 0,
			credits_deducted  BIGINT NOT NULL DEFAULT 0,
			latency_ms        BIGINT NOT NULL DEFAULT 0,
			success           BOOLEAN NOT NULL,
			error             TEXT,
			risk_score        INTEGER NOT NULL DEFAULT 0,
			metadata          JSONB
		);

		CREATE TABLE IF NOT EXISTS usage_aggregates (
			id              VARCHAR(40) PRIMARY KEY,
			window_start    TIMESTAMPTZ NOT NULL,
			window_end      TIMESTAMPTZ NOT NULL,
			total_requests  INTEGER NOT NULL,
			total_tokens    INTEGER NOT NULL,
			total_credits   BIGINT NOT NULL,
			average_latency DOUBLE PRECISION NOT NULL,
			success_rate    DOUBLE PRECISION NOT NULL,
			top_models      JSONB,
			top_features    JSONB,
			created_at      TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_entries(user_id);
		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_entries(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_entries(request_id);
	`)
	return err
}

func (p *PostgresSink) Append(ctx context.Context, entry *AuditEntry) error {
	var metadata []byte
	if len(entry.Metadata) > 0 {
		metadata, _ = json.Marshal(entry.Metadata)
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_entries
			(id, ts, user_id, request_id, operation, model, tokens_used,
			 credits_deducted, latency_ms, success, error, risk_score, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13)
	`, entry.ID, entry.Timestamp, entry.UserID, entry.RequestID, entry.Operation,
		entry.Model, entry.TokensUsed, entry.CreditsDeducted, entry.LatencyMs,
		entry.Success, entry.Error, entry.RiskScore, nullableJSON(metadata))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}
	return nil
}

func (p *PostgresSink) AppendAggregate(ctx context.Context, agg *Aggregate) error {
	topModels, _ := json.Marshal(agg.TopModels)
	topFeatures, _ := json.Marshal(agg.TopFeatures)

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO usage_aggregates
			(id, window_start, window_end, total_requests, total_tokens,
			 total_credits, average_latency, success_rate, top_models, top_features)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, agg.ID, agg.WindowStart, agg.WindowEnd, agg.TotalRequests, agg.TotalTokens,
		agg.TotalCredits, agg.AverageLatency, agg.SuccessRate, topModels, topFeatures)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}
	return nil
}

func (p *PostgresSink) Query(ctx context.Context, filter ExportFilter) ([]*AuditEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}

	query := `
		SELECT id, ts, user_id, request_id, operation, COALESCE(model, ''),
		       tokens_used, credits_deducted, latency_ms, success,
		       COALESCE(error, ''), risk_score, metadata
		FROM audit_entries
		WHERE ($1::timestamptz IS NULL OR ts >= $1)
		  AND ($2::timestamptz IS NULL OR ts <= $2)
		  AND ($3 = '' OR user_id = $3)
		  AND ($4 = '' OR operation = $4)
		  AND (NOT $5 OR success = FALSE)
		ORDER BY ts DESC
		LIMIT $6
	`

	rows, err := p.db.QueryContext(ctx, query,
		nullableTime(filter.Start), nullableTime(filter.End),
		filter.UserID, filter.Operation, filter.OnlyFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.UserID, &e.RequestID,
			&e.Operation, &e.Model, &e.TokensUsed, &e.CreditsDeducted,
			&e.LatencyMs, &e.Success, &e.Error, &e.RiskScore, &metadata); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresSink) UserStats(ctx context.Context, userID string) (*UserStats, error) {
	stats := &UserStats{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(tokens_used), 0),
		       COALESCE(SUM(credits_deducted), 0),
		       COALESCE(AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END), 0)
		FROM audit_entries WHERE user_id = $1
	`, userID).Scan(&stats.TotalRequests, &stats.TotalTokens, &stats.TotalCredits, &stats.SuccessRate)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (p *PostgresSink) SystemStats(ctx context.Context) (*SystemStats, error) {
	stats := &SystemStats{}
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(tokens_used), 0),
		       COALESCE(SUM(credits_deducted), 0),
		       COALESCE(AVG(latency_ms), 0),
		       COALESCE(AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END), 0)
		FROM audit_entries
	`).Scan(&stats.TotalRequests, &stats.TotalTokens, &stats.TotalCredits,
		&stats.AverageLatency, &stats.SuccessRate)
	if err != nil {
		return nil, err
	}

	stats.TopModels, err = p.topCounts(ctx, "model", "model IS NOT NULL")
	if err != nil {
		return nil, err
	}
	stats.TopFeatures, err = p.topCounts(ctx, "operation", "TRUE")
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (p *PostgresSink) topCounts(ctx context.Context, column, where string) ([]NamedCount, error) {
	// column and where are compile-time constants from SystemStats, never
	// user input.
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s, COUNT(*) AS n FROM audit_entries
		WHERE %s GROUP BY %s ORDER BY n DESC, %s ASC LIMIT 5
	`, column, where, column, column))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NamedCount
	for rows.Next() {
		var nc NamedCount
		if err := rows.Scan(&nc.Name, &nc.Count); err != nil {
			return nil, err
		}
		out = append(out, nc)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

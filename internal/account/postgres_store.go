package account

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the account tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			user_id        VARCHAR(64) PRIMARY KEY,
			plan           VARCHAR(32) NOT NULL DEFAULT 'free',
			credits_limit  BIGINT NOT NULL DEFAULT 0,
			credits_used   BIGINT NOT NULL DEFAULT 0,
			is_active      BOOLEAN NOT NULL DEFAULT TRUE,
			org_id         VARCHAR(64),
			updated_at     TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_credits_used_nonneg CHECK (credits_used >= 0),
			CONSTRAINT chk_credits_within_limit CHECK (credits_used <= credits_limit)
		);

		CREATE TABLE IF NOT EXISTS account_debits (
			request_id   VARCHAR(64) PRIMARY KEY,
			user_id      VARCHAR(64) NOT NULL,
			operation    VARCHAR(64) NOT NULL,
			amount       BIGINT NOT NULL,
			success      BOOLEAN NOT NULL,
			new_balance  BIGINT NOT NULL,
			created_at   TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_account_debits_user ON account_debits(user_id);
		CREATE INDEX IF NOT EXISTS idx_accounts_org ON accounts(org_id);
	`)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Account, error) {
	acct := &Account{UserID: userID}
	var orgID sql.NullString

	err := p.db.QueryRowContext(ctx, `
		SELECT plan, credits_limit, credits_used, is_active, org_id, updated_at
		FROM accounts WHERE user_id = $1
	`, userID).Scan(&acct.Plan, &acct.CreditsLimit, &acct.CreditsUsed, &acct.IsActive, &orgID, &acct.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	acct.OrgID = orgID.String
	return acct, nil
}

// Debit performs the conditional decrement in a single UPDATE so the check
// and the write cannot interleave with a concurrent debit. The journal row
// makes retries of the same request ID return the recorded outcome.
func (p *PostgresStore) Debit(ctx context.Context, userID string, amount int64, operation, requestID string) (*DebitResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Replay check first: the journal is the idempotency source of truth.
	var prev DebitResult
	err = tx.QueryRowContext(ctx, `
		SELECT success, new_balance FROM account_debits WHERE request_id = $1
	`, requestID).Scan(&prev.Success, &prev.NewBalance)
	if err == nil {
		prev.Replayed = true
		return &prev, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	var newUsed, limit int64
	err = tx.QueryRowContext(ctx, `
		UPDATE accounts
		SET credits_used = credits_used + $2, updated_at = NOW()
		WHERE user_id = $1 AND credits_used + $2 <= credits_limit
		RETURNING credits_used, credits_limit
	`, userID, amount).Scan(&newUsed, &limit)

	if err == sql.ErrNoRows {
		// Either the account is missing or the balance is short;
		// distinguish so callers can report the right reason.
		var available int64
		lookupErr := tx.QueryRowContext(ctx, `
			SELECT credits_limit - credits_used FROM accounts WHERE user_id = $1
		`, userID).Scan(&available)
		if lookupErr == sql.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		if lookupErr != nil {
			return nil, lookupErr
		}
		if available < 0 {
			available = 0
		}

		res := &DebitResult{Success: false, NewBalance: available}
		if _, jerr := tx.ExecContext(ctx, `
			INSERT INTO account_debits (request_id, user_id, operation, amount, success, new_balance)
			VALUES ($1, $2, $3, $4, FALSE, $5)
		`, requestID, userID, operation, amount, available); jerr != nil {
			return nil, fmt.Errorf("journal debit: %w", jerr)
		}
		if cerr := tx.Commit(); cerr != nil {
			return nil, cerr
		}
		return res, ErrInsufficientCredit
	}
	if err != nil {
		return nil, err
	}

	res := &DebitResult{Success: true, NewBalance: limit - newUsed}
	if _, jerr := tx.ExecContext(ctx, `
		INSERT INTO account_debits (request_id, user_id, operation, amount, success, new_balance)
		VALUES ($1, $2, $3, $4, TRUE, $5)
	`, requestID, userID, operation, amount, res.NewBalance); jerr != nil {
		return nil, fmt.Errorf("journal debit: %w", jerr)
	}

	return res, tx.Commit()
}

func (p *PostgresStore) Credit(ctx context.Context, userID string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET credits_limit = credits_limit + $2, updated_at = NOW()
		WHERE user_id = $1
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("credit account: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAccountNotFound
	}
	_ = reference // recorded by the usage tracker, not the ledger
	return nil
}

func (p *PostgresStore) SetPlan(ctx context.Context, userID, plan string, creditsLimit int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, plan, credits_limit, is_active, updated_at)
		VALUES ($1, $2, $3, TRUE, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			plan = EXCLUDED.plan,
			credits_limit = EXCLUDED.credits_limit,
			updated_at = NOW()
	`, userID, plan, creditsLimit)
	return err
}

func (p *PostgresStore) SetActive(ctx context.Context, userID string, active bool) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET is_active = $2, updated_at = NOW() WHERE user_id = $1
	`, userID, active)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *PostgresStore) ResetUsage(ctx context.Context, userID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE accounts SET credits_used = 0, updated_at = NOW() WHERE user_id = $1
	`, userID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

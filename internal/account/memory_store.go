package account

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory account store for demo/development mode.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	debits   map[string]*DebitResult // requestID → recorded outcome
}

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		debits:   make(map[string]*DebitResult),
	}
}

// Seed inserts or replaces an account (test and dev setup).
func (m *MemoryStore) Seed(acct *Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *acct
	cp.UpdatedAt = time.Now()
	m.accounts[acct.UserID] = &cp
}

func (m *MemoryStore) Get(ctx context.Context, userID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) Debit(ctx context.Context, userID string, amount int64, operation, requestID string) (*DebitResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Idempotent replay: same request ID returns the recorded outcome.
	if prev, ok := m.debits[requestID]; ok {
		cp := *prev
		cp.Replayed = true
		return &cp, nil
	}

	acct, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}

	// Compare-and-decrement under the store lock.
	if acct.CreditsUsed+amount > acct.CreditsLimit {
		res := &DebitResult{Success: false, NewBalance: acct.Available()}
		m.debits[requestID] = res
		return &DebitResult{Success: false, NewBalance: acct.Available()}, ErrInsufficientCredit
	}

	acct.CreditsUsed += amount
	acct.UpdatedAt = time.Now()

	res := &DebitResult{Success: true, NewBalance: acct.Available()}
	m.debits[requestID] = res
	cp := *res
	return &cp, nil
}

func (m *MemoryStore) Credit(ctx context.Context, userID string, amount int64, reference string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[userID]
	if !ok {
		return ErrAccountNotFound
	}
	acct.CreditsLimit += amount
	acct.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetPlan(ctx context.Context, userID, plan string, creditsLimit int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[userID]
	if !ok {
		acct = &Account{UserID: userID, IsActive: true}
		m.accounts[userID] = acct
	}
	acct.Plan = plan
	acct.CreditsLimit = creditsLimit
	acct.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetActive(ctx context.Context, userID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[userID]
	if !ok {
		return ErrAccountNotFound
	}
	acct.IsActive = active
	acct.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ResetUsage(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[userID]
	if !ok {
		return ErrAccountNotFound
	}
	acct.CreditsUsed = 0
	acct.UpdatedAt = time.Now()
	return nil
}

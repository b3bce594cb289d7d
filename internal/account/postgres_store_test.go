package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/quizforge/quizforge/internal/testutil"
)

func pgStore(t *testing.T) *PostgresStore {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return NewPostgresStore(db)
}

func TestPostgresGetMissing(t *testing.T) {
	store := pgStore(t)
	if _, err := store.Get(context.Background(), "ghost"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestPostgresSetPlanAndGet(t *testing.T) {
	store := pgStore(t)
	ctx := context.Background()

	if err := store.SetPlan(ctx, "user-1", "basic", 100); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	acct, err := store.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if acct.Plan != "basic" || acct.CreditsLimit != 100 || acct.CreditsUsed != 0 || !acct.IsActive {
		t.Errorf("account = %+v", acct)
	}

	// Upsert on plan change keeps usage.
	if err := store.SetPlan(ctx, "user-1", "premium", 500); err != nil {
		t.Fatalf("SetPlan upgrade: %v", err)
	}
	acct, err = store.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("Get after upgrade: %v", err)
	}
	if acct.Plan != "premium" || acct.CreditsLimit != 500 {
		t.Errorf("upgraded account = %+v", acct)
	}
}

func TestPostgresDebit(t *testing.T) {
	store := pgStore(t)
	ctx := context.Background()

	if err := store.SetPlan(ctx, "user-1", "free", 10); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	res, err := store.Debit(ctx, "user-1", 3, "quiz-mcq", "req-1")
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if !res.Success || res.NewBalance != 7 || res.Replayed {
		t.Errorf("result = %+v", res)
	}

	acct, _ := store.Get(ctx, "user-1")
	if acct.CreditsUsed != 3 {
		t.Errorf("CreditsUsed = %d", acct.CreditsUsed)
	}
}

func TestPostgresDebitInsufficient(t *testing.T) {
	store := pgStore(t)
	ctx := context.Background()

	if err := store.SetPlan(ctx, "user-1", "free", 2); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	res, err := store.Debit(ctx, "user-1", 5, "quiz-mcq", "req-1")
	if !errors.Is(err, ErrInsufficientCredit) {
		t.Fatalf("err = %v, want ErrInsufficientCredit", err)
	}
	if res == nil || res.Success || res.NewBalance != 2 {
		t.Errorf("result = %+v", res)
	}

	acct, _ := store.Get(ctx, "user-1")
	if acct.CreditsUsed != 0 {
		t.Errorf("failed debit must not consume credits, used = %d", acct.CreditsUsed)
	}
}

func TestPostgresDebitMissingAccount(t *testing.T) {
	store := pgStore(t)
	if _, err := store.Debit(context.Background(), "ghost", 1, "quiz-mcq", "req-1"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestPostgresDebitInvalidAmount(t *testing.T) {
	store := pgStore(t)
	if _, err := store.Debit(context.Background(), "user-1", 0, "quiz-mcq", "req-1"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("err = %v, want ErrInvalidAmount", err)
	}
}

func TestPostgresDebitReplaysJournal(t *testing.T) {
	store := pgStore(t)
	ctx := context.Background()

	if err := store.SetPlan(ctx, "user-1", "free", 10); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	first, err := store.Debit(ctx, "user-1", 4, "quiz-mcq", "req-replay")
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}

	second, err := store.Debit(ctx, "user-1", 4, "quiz-mcq", "req-replay")
	if err != nil {
		t.Fatalf("replay Debit: %v", err)
	}
	if !second.Replayed || second.NewBalance != first.NewBalance {
		t.Errorf("replay result = %+v", second)
	}

	acct, _ := store.Get(ctx, "user-1")
	if acct.CreditsUsed != 4 {
		t.Errorf("replay charged again, used = %d", acct.CreditsUsed)
	}
}

func TestPostgresDebitReplaysFailure(t *testing.T) {
	store := pgStore(t)
	ctx := context.Background()

	if err := store.SetPlan(ctx, "user-1", "free", 1); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}
	if _, err := store.Debit(ctx, "user-1", 5, "quiz-mcq", "req-fail"); !errors.Is(err, ErrInsufficientCredit) {
		t.Fatalf("err = %v", err)
	}

	// Raising the limit must not change the recorded outcome for the same
	// request ID.
	if err := store.Credit(ctx, "user-1", 100, "topup"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	res, err := store.Debit(ctx, "user-1", 5, "quiz-mcq", "req-fail")
	if err != nil {
		t.Fatalf("replay Debit: %v", err)
	}
	if !res.Replayed || res.Success {
		t.Errorf("replayed failure = %+v", res)
	}
}

func TestPostgresDebitConcurrent(t *testing.T) {
	store := pgStore(t)
	ctx := context.Background()

	if err := store.SetPlan(ctx, "user-1", "basic", 30); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}

	const attempts = 50
	var wg sync.WaitGroup
	results := make([]bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := store.Debit(ctx, "user-1", 1, "quiz-mcq", fmt.Sprintf("req-%d", i))
			if err == nil && res.Success {
				results[i] = true
			}
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, ok := range results {
		if ok {
			succeeded++
		}
	}
	if succeeded != 30 {
		t.Errorf("%d debits succeeded, want exactly 30", succeeded)
	}

	acct, _ := store.Get(ctx, "user-1")
	if acct.CreditsUsed != 30 {
		t.Errorf("CreditsUsed = %d, want 30", acct.CreditsUsed)
	}
}

func TestPostgresCredit(t *testing.T) {
	store := pgStore(t)
	ctx := context.Background()

	if err := store.SetPlan(ctx, "user-1", "free", 10); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}
	if err := store.Credit(ctx, "user-1", 40, "promo"); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	acct, _ := store.Get(ctx, "user-1")
	if acct.CreditsLimit != 50 {
		t.Errorf("CreditsLimit = %d, want 50", acct.CreditsLimit)
	}

	if err := store.Credit(ctx, "ghost", 10, "promo"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("credit missing err = %v", err)
	}
	if err := store.Credit(ctx, "user-1", 0, "promo"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("credit zero err = %v", err)
	}
}

func TestPostgresSetActiveAndResetUsage(t *testing.T) {
	store := pgStore(t)
	ctx := context.Background()

	if err := store.SetPlan(ctx, "user-1", "free", 10); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}
	if _, err := store.Debit(ctx, "user-1", 6, "quiz-mcq", "req-1"); err != nil {
		t.Fatalf("Debit: %v", err)
	}

	if err := store.SetActive(ctx, "user-1", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	acct, _ := store.Get(ctx, "user-1")
	if acct.IsActive {
		t.Error("account should be inactive")
	}

	if err := store.ResetUsage(ctx, "user-1"); err != nil {
		t.Fatalf("ResetUsage: %v", err)
	}
	acct, _ = store.Get(ctx, "user-1")
	if acct.CreditsUsed != 0 {
		t.Errorf("CreditsUsed = %d after reset", acct.CreditsUsed)
	}

	if err := store.SetActive(ctx, "ghost", true); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("SetActive missing err = %v", err)
	}
	if err := store.ResetUsage(ctx, "ghost"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("ResetUsage missing err = %v", err)
	}
}

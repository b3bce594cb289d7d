package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func seeded(t *testing.T, limit, used int64) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	s.Seed(&Account{
		UserID:       "user-1",
		Plan:         "premium",
		CreditsLimit: limit,
		CreditsUsed:  used,
		IsActive:     true,
	})
	return s
}

func TestAvailable(t *testing.T) {
	a := &Account{CreditsLimit: 100, CreditsUsed: 30}
	if got := a.Available(); got != 70 {
		t.Errorf("Available() = %d, want 70", got)
	}

	// Over-consumed accounts report zero, not negative.
	a.CreditsUsed = 130
	if got := a.Available(); got != 0 {
		t.Errorf("Available() = %d, want 0", got)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := seeded(t, 100, 0)
	ctx := context.Background()

	acct, err := s.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	acct.CreditsUsed = 999

	again, _ := s.Get(ctx, "user-1")
	if again.CreditsUsed != 0 {
		t.Error("mutating a returned account leaked into the store")
	}
}

func TestGetUnknownUser(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "nobody"); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("err = %v, want ErrAccountNotFound", err)
	}
}

func TestDebitSuccess(t *testing.T) {
	s := seeded(t, 100, 40)
	ctx := context.Background()

	res, err := s.Debit(ctx, "user-1", 10, "quiz-mcq", "req-1")
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if !res.Success {
		t.Fatal("debit should succeed")
	}
	if res.NewBalance != 50 {
		t.Errorf("NewBalance = %d, want 50", res.NewBalance)
	}
	if res.Replayed {
		t.Error("first debit should not be marked replayed")
	}
}

func TestDebitInsufficient(t *testing.T) {
	s := seeded(t, 100, 95)
	ctx := context.Background()

	res, err := s.Debit(ctx, "user-1", 10, "quiz-mcq", "req-1")
	if !errors.Is(err, ErrInsufficientCredit) {
		t.Fatalf("err = %v, want ErrInsufficientCredit", err)
	}
	if res.Success {
		t.Error("debit should fail")
	}

	acct, _ := s.Get(ctx, "user-1")
	if acct.CreditsUsed != 95 {
		t.Errorf("failed debit changed CreditsUsed to %d", acct.CreditsUsed)
	}
}

func TestDebitExactBalance(t *testing.T) {
	s := seeded(t, 100, 98)

	res, err := s.Debit(context.Background(), "user-1", 2, "quiz-code", "req-1")
	if err != nil || !res.Success {
		t.Fatalf("debit of exact remaining balance should succeed, got %v / %+v", err, res)
	}
	if res.NewBalance != 0 {
		t.Errorf("NewBalance = %d, want 0", res.NewBalance)
	}
}

func TestDebitInvalidAmount(t *testing.T) {
	s := seeded(t, 100, 0)
	for _, amount := range []int64{0, -5} {
		if _, err := s.Debit(context.Background(), "user-1", amount, "quiz-mcq", "req-x"); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Debit(%d) err = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestDebitIdempotentReplay(t *testing.T) {
	s := seeded(t, 100, 0)
	ctx := context.Background()

	first, err := s.Debit(ctx, "user-1", 10, "quiz-mcq", "req-1")
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}

	second, err := s.Debit(ctx, "user-1", 10, "quiz-mcq", "req-1")
	if err != nil {
		t.Fatalf("replay Debit: %v", err)
	}
	if !second.Replayed {
		t.Error("second debit with same request ID should be marked replayed")
	}
	if second.NewBalance != first.NewBalance {
		t.Errorf("replay balance = %d, want %d", second.NewBalance, first.NewBalance)
	}

	acct, _ := s.Get(ctx, "user-1")
	if acct.CreditsUsed != 10 {
		t.Errorf("CreditsUsed = %d, want 10 (charged once)", acct.CreditsUsed)
	}
}

func TestDebitFailureReplayed(t *testing.T) {
	s := seeded(t, 10, 10)
	ctx := context.Background()

	if _, err := s.Debit(ctx, "user-1", 5, "quiz-mcq", "req-1"); !errors.Is(err, ErrInsufficientCredit) {
		t.Fatalf("err = %v, want ErrInsufficientCredit", err)
	}

	// Topping up does not change the recorded outcome for the same request.
	if err := s.Credit(ctx, "user-1", 100, "top-up"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	res, err := s.Debit(ctx, "user-1", 5, "quiz-mcq", "req-1")
	if err != nil {
		t.Fatalf("replay Debit: %v", err)
	}
	if res.Success || !res.Replayed {
		t.Errorf("replay = %+v, want recorded failure", res)
	}
}

func TestDebitConcurrent(t *testing.T) {
	// 50 goroutines race for 30 single-credit slots. Exactly 30 must win.
	s := seeded(t, 30, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := s.Debit(ctx, "user-1", 1, "quiz-mcq", fmt.Sprintf("req-%d", n))
			if err == nil && res.Success {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 30 {
		t.Errorf("%d debits succeeded, want exactly 30", succeeded)
	}
	acct, _ := s.Get(ctx, "user-1")
	if acct.CreditsUsed != 30 {
		t.Errorf("CreditsUsed = %d, want 30", acct.CreditsUsed)
	}
}

func TestCreditRaisesLimit(t *testing.T) {
	s := seeded(t, 100, 90)
	ctx := context.Background()

	if err := s.Credit(ctx, "user-1", 50, "stripe-topup"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	acct, _ := s.Get(ctx, "user-1")
	if acct.CreditsLimit != 150 {
		t.Errorf("CreditsLimit = %d, want 150", acct.CreditsLimit)
	}
	if acct.Available() != 60 {
		t.Errorf("Available = %d, want 60", acct.Available())
	}
}

func TestSetPlanCreatesAccount(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.SetPlan(ctx, "new-user", "basic", 100); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}
	acct, err := s.Get(ctx, "new-user")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if acct.Plan != "basic" || acct.CreditsLimit != 100 || !acct.IsActive {
		t.Errorf("account = %+v, want active basic/100", acct)
	}
}

func TestSetActiveAndResetUsage(t *testing.T) {
	s := seeded(t, 100, 60)
	ctx := context.Background()

	if err := s.SetActive(ctx, "user-1", false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	acct, _ := s.Get(ctx, "user-1")
	if acct.IsActive {
		t.Error("account should be suspended")
	}

	if err := s.ResetUsage(ctx, "user-1"); err != nil {
		t.Fatalf("ResetUsage: %v", err)
	}
	acct, _ = s.Get(ctx, "user-1")
	if acct.CreditsUsed != 0 {
		t.Errorf("CreditsUsed = %d, want 0 after reset", acct.CreditsUsed)
	}
}

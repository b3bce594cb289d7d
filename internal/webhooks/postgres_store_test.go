package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/quizforge/quizforge/internal/testutil"
)

func pgWebhookStore(t *testing.T) *PostgresStore {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return NewPostgresStore(db)
}

func pgSub(id, userID string, events ...EventType) *Subscription {
	return &Subscription{
		ID:        id,
		UserID:    userID,
		URL:       "https://example.com/hooks/" + id,
		Secret:    "whsec_" + id,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestPostgresCreateAndGet(t *testing.T) {
	store := pgWebhookStore(t)
	ctx := context.Background()

	sub := pgSub("wh_1", "user-1", EventOperationCompleted, EventCreditsLow)
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "wh_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UserID != "user-1" || got.URL != sub.URL || got.Secret != sub.Secret || !got.Active {
		t.Errorf("subscription = %+v", got)
	}
	if len(got.Events) != 2 || got.Events[0] != EventOperationCompleted {
		t.Errorf("events = %v", got.Events)
	}
	if got.ConsecutiveFailures != 0 || got.LastSuccess != nil {
		t.Errorf("delivery state = %+v", got)
	}
}

func TestPostgresGetMissingSubscription(t *testing.T) {
	store := pgWebhookStore(t)
	if _, err := store.Get(context.Background(), "wh_ghost"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("err = %v, want sql.ErrNoRows", err)
	}
}

func TestPostgresGetByUser(t *testing.T) {
	store := pgWebhookStore(t)
	ctx := context.Background()

	for _, sub := range []*Subscription{
		pgSub("wh_1", "user-1", EventOperationCompleted),
		pgSub("wh_2", "user-1", EventCreditsLow),
		pgSub("wh_3", "user-2", EventOperationCompleted),
	} {
		if err := store.Create(ctx, sub); err != nil {
			t.Fatalf("Create %s: %v", sub.ID, err)
		}
	}

	subs, err := store.GetByUser(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetByUser: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("len = %d, want 2", len(subs))
	}
	for _, s := range subs {
		if s.UserID != "user-1" {
			t.Errorf("subscription = %+v", s)
		}
	}
}

func TestPostgresGetByEvent(t *testing.T) {
	store := pgWebhookStore(t)
	ctx := context.Background()

	matching := pgSub("wh_1", "user-1", EventOperationCompleted, EventCreditsLow)
	other := pgSub("wh_2", "user-2", EventOperationFailed)
	inactive := pgSub("wh_3", "user-3", EventCreditsLow)
	inactive.Active = false

	for _, sub := range []*Subscription{matching, other, inactive} {
		if err := store.Create(ctx, sub); err != nil {
			t.Fatalf("Create %s: %v", sub.ID, err)
		}
	}

	subs, err := store.GetByEvent(ctx, EventCreditsLow)
	if err != nil {
		t.Fatalf("GetByEvent: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != "wh_1" {
		t.Errorf("subscriptions = %+v", subs)
	}
}

func TestPostgresUpdateDeliveryState(t *testing.T) {
	store := pgWebhookStore(t)
	ctx := context.Background()

	sub := pgSub("wh_1", "user-1", EventOperationCompleted)
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sub.ConsecutiveFailures = 3
	sub.LastError = "connection refused"
	if err := store.Update(ctx, sub); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := store.Get(ctx, "wh_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ConsecutiveFailures != 3 || got.LastError != "connection refused" {
		t.Errorf("subscription = %+v", got)
	}

	// Successful delivery clears the failure streak.
	now := time.Now().UTC().Truncate(time.Second)
	sub.ConsecutiveFailures = 0
	sub.LastError = ""
	sub.LastSuccess = &now
	if err := store.Update(ctx, sub); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err = store.Get(ctx, "wh_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ConsecutiveFailures != 0 || got.LastSuccess == nil || !got.LastSuccess.Equal(now) {
		t.Errorf("subscription = %+v", got)
	}
}

func TestPostgresDeactivateViaUpdate(t *testing.T) {
	store := pgWebhookStore(t)
	ctx := context.Background()

	sub := pgSub("wh_1", "user-1", EventUsageAlert)
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sub.Active = false
	sub.ConsecutiveFailures = MaxConsecutiveFailures
	if err := store.Update(ctx, sub); err != nil {
		t.Fatalf("Update: %v", err)
	}

	subs, err := store.GetByEvent(ctx, EventUsageAlert)
	if err != nil {
		t.Fatalf("GetByEvent: %v", err)
	}
	if len(subs) != 0 {
		t.Errorf("deactivated subscription still served: %+v", subs)
	}
}

func TestPostgresDeleteSubscription(t *testing.T) {
	store := pgWebhookStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, pgSub("wh_1", "user-1", EventPlanChanged)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Delete(ctx, "wh_1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "wh_1"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("deleted subscription err = %v", err)
	}
}

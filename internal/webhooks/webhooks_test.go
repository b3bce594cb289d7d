package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// noopValidator allows any URL (including loopback) for test servers.
func noopValidator(_ string) error { return nil }

// newTestDispatcher creates a dispatcher that skips SSRF checks for localhost test servers.
func newTestDispatcher(store Store) *Dispatcher {
	d := NewDispatcher(store)
	d.urlValidator = noopValidator
	return d
}

// ---------------------------------------------------------------------------
// MemoryStore tests
// ---------------------------------------------------------------------------

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "wh_test1",
		UserID:    "user-1",
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []EventType{EventOperationCompleted},
		Active:    true,
		CreatedAt: time.Now(),
	}

	// Create
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Get
	got, err := store.Get(ctx, "wh_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Expected URL, got %s", got.URL)
	}

	// Update
	sub.Active = false
	store.Update(ctx, sub)
	got, _ = store.Get(ctx, "wh_test1")
	if got.Active {
		t.Error("Expected inactive after update")
	}

	// Delete
	store.Delete(ctx, "wh_test1")
	_, err = store.Get(ctx, "wh_test1")
	if err == nil {
		t.Error("Expected error after delete")
	}
}

func TestMemoryStore_GetByUser(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Create(ctx, &Subscription{ID: "wh1", UserID: "user-a", Events: []EventType{EventOperationCompleted}})
	store.Create(ctx, &Subscription{ID: "wh2", UserID: "user-b", Events: []EventType{EventOperationCompleted}})
	store.Create(ctx, &Subscription{ID: "wh3", UserID: "user-a", Events: []EventType{EventOperationFailed}})

	subs, _ := store.GetByUser(ctx, "user-a")
	if len(subs) != 2 {
		t.Errorf("Expected 2 subs for user-a, got %d", len(subs))
	}
}

func TestMemoryStore_GetByEvent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Create(ctx, &Subscription{ID: "wh1", Events: []EventType{EventOperationCompleted, EventUsageAlert}})
	store.Create(ctx, &Subscription{ID: "wh2", Events: []EventType{EventOperationFailed}})
	store.Create(ctx, &Subscription{ID: "wh3", Events: []EventType{EventOperationCompleted}})

	subs, _ := store.GetByEvent(ctx, EventOperationCompleted)
	if len(subs) != 2 {
		t.Errorf("Expected 2 subs for operation.completed, got %d", len(subs))
	}
}

// ---------------------------------------------------------------------------
// Signature tests
// ---------------------------------------------------------------------------

func TestSign(t *testing.T) {
	d := newTestDispatcher(NewMemoryStore())

	payload := []byte(`{"type":"operation.completed","data":{}}`)
	secret := "test_secret_key"

	sig := d.sign(payload, secret)

	// Verify manually
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	expected := hex.EncodeToString(h.Sum(nil))

	if sig != expected {
		t.Errorf("Signature mismatch: got %s, want %s", sig, expected)
	}
}

func TestSign_DifferentSecrets(t *testing.T) {
	d := newTestDispatcher(NewMemoryStore())

	payload := []byte(`{"test": true}`)
	sig1 := d.sign(payload, "secret1")
	sig2 := d.sign(payload, "secret2")

	if sig1 == sig2 {
		t.Error("Different secrets should produce different signatures")
	}
}

// ---------------------------------------------------------------------------
// Dispatch tests
// ---------------------------------------------------------------------------

func TestDispatch_SendsToSubscribers(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventOperationCompleted},
		Active: true,
	})

	d := newTestDispatcher(store)
	event := &Event{
		Type:      EventOperationCompleted,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"operation": "quiz-mcq"},
	}

	err := d.Dispatch(ctx, event)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	// Wait for async delivery
	time.Sleep(200 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("Expected 1 webhook delivery, got %d", received.Load())
	}
}

func TestDispatch_SkipsInactiveSubscribers(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventOperationCompleted},
		Active: false, // Inactive
	})

	d := newTestDispatcher(store)
	d.Dispatch(ctx, &Event{Type: EventOperationCompleted, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	if received.Load() != 0 {
		t.Errorf("Expected 0 deliveries for inactive sub, got %d", received.Load())
	}
}

func TestDispatch_IncludesSignature(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotSig string
	var gotBody []byte
	secret := "test_webhook_secret" //nolint:gosec // test credential

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get("X-Quizforge-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventOperationCompleted},
		Active: true,
		Secret: secret,
	})

	d := newTestDispatcher(store)
	d.Dispatch(ctx, &Event{
		Type:      EventOperationCompleted,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"operation": "quiz-mcq"},
	})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if gotSig == "" {
		t.Fatal("Expected signature header")
	}

	// Verify signature
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(gotBody)
	expected := hex.EncodeToString(h.Sum(nil))

	if gotSig != expected {
		t.Errorf("Signature mismatch: %s != %s", gotSig, expected)
	}
}

func TestDispatch_IncludesEventHeaders(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotEventType string
	var gotTimestamp string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotEventType = r.Header.Get("X-Quizforge-Event")
		gotTimestamp = r.Header.Get("X-Quizforge-Timestamp")
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventUsageAlert},
		Active: true,
	})

	d := newTestDispatcher(store)
	d.Dispatch(ctx, &Event{Type: EventUsageAlert, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if gotEventType != "usage.alert" {
		t.Errorf("Expected event type usage.alert, got %s", gotEventType)
	}
	if gotTimestamp == "" {
		t.Error("Expected timestamp header")
	}
}

func TestDispatch_PayloadFormat(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventOperationCompleted},
		Active: true,
	})

	d := newTestDispatcher(store)
	d.Dispatch(ctx, &Event{
		Type:      EventOperationCompleted,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"userId": "user-1", "operation": "quiz-mcq"},
	})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	var parsed Event
	if err := json.Unmarshal(gotBody, &parsed); err != nil {
		t.Fatalf("Failed to parse webhook payload: %v", err)
	}
	if parsed.Type != EventOperationCompleted {
		t.Errorf("Expected type operation.completed, got %s", parsed.Type)
	}
}

func TestDispatch_ErrorUpdatesSubscription(t *testing.T) {
	store := NewMemoryStore()

	// Server that returns 500
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventOperationCompleted},
		Active: true,
	})

	d := NewDispatcherWithRetry(store, RetryConfig{
		MaxAttempts: 1,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		MaxFailures: 50,
	})
	d.urlValidator = noopValidator
	d.Dispatch(ctx, &Event{Type: EventOperationCompleted, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	sub, _ := store.Get(ctx, "wh1")
	if sub.LastError == "" {
		t.Error("Expected lastError to be set after 500 response")
	}
}

func TestDispatch_SuccessUpdatesSubscription(t *testing.T) {
	store := NewMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventOperationCompleted},
		Active: true,
	})

	d := newTestDispatcher(store)
	d.Dispatch(ctx, &Event{Type: EventOperationCompleted, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	sub, _ := store.Get(ctx, "wh1")
	if sub.LastSuccess == nil {
		t.Error("Expected lastSuccess to be set after successful delivery")
	}
	if sub.LastError != "" {
		t.Errorf("Expected no error after success, got %s", sub.LastError)
	}
}

// ---------------------------------------------------------------------------
// DispatchToUser tests
// ---------------------------------------------------------------------------

func TestDispatchToUser_FiltersCorrectly(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	// User A has 2 hooks
	store.Create(ctx, &Subscription{ID: "wh1", UserID: "user-a", URL: server.URL, Events: []EventType{EventOperationCompleted}, Active: true})
	store.Create(ctx, &Subscription{ID: "wh2", UserID: "user-a", URL: server.URL, Events: []EventType{EventOperationFailed}, Active: true})
	// User B has 1 hook
	store.Create(ctx, &Subscription{ID: "wh3", UserID: "user-b", URL: server.URL, Events: []EventType{EventOperationCompleted}, Active: true})

	d := newTestDispatcher(store)
	d.DispatchToUser(ctx, "user-a", &Event{Type: EventOperationCompleted, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("Expected 1 delivery (user A, operation.completed only), got %d", received.Load())
	}
}

func TestDispatchToUser_NoMatchingEvents(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{ID: "wh1", UserID: "user-a", URL: server.URL, Events: []EventType{EventOperationFailed}, Active: true})

	d := newTestDispatcher(store)
	d.DispatchToUser(ctx, "user-a", &Event{Type: EventOperationCompleted, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	if received.Load() != 0 {
		t.Errorf("Expected 0 deliveries for non-matching event, got %d", received.Load())
	}
}

// ---------------------------------------------------------------------------
// Delivery lifetime and state tests
// ---------------------------------------------------------------------------

func TestDispatch_DeliversAfterCallerCancels(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	store.Create(context.Background(), &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventOperationCompleted},
		Active: true,
	})

	d := newTestDispatcher(store)

	// Callers cancel their context as soon as Dispatch returns; the
	// in-flight delivery must not die with it.
	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Dispatch(ctx, &Event{Type: EventOperationCompleted, Timestamp: time.Now()}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for received.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if received.Load() != 1 {
		t.Fatalf("Expected 1 delivery after caller cancel, got %d", received.Load())
	}
}

func TestEmitterDeliveryOutlivesEmit(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		UserID: "user-a",
		URL:    server.URL,
		Events: []EventType{EventOperationCompleted},
		Active: true,
	})

	d := newTestDispatcher(store)
	e := NewEmitter(d, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// Emit returns immediately; the slow endpoint must still get the event
	// and the subscription must not record a failure.
	e.EmitOperationCompleted("user-a", "req-1", "quiz-mcq", "gemini-2.5-flash", 100, 1)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sub, err := store.Get(ctx, "wh1"); err == nil && sub.LastSuccess != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if received.Load() != 1 {
		t.Fatalf("Expected 1 delivery, got %d", received.Load())
	}
	sub, err := store.Get(ctx, "wh1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if sub.LastSuccess == nil {
		t.Error("Expected lastSuccess after delivery")
	}
	if sub.ConsecutiveFailures != 0 {
		t.Errorf("Expected 0 consecutive failures, got %d", sub.ConsecutiveFailures)
	}
	if sub.LastError != "" {
		t.Errorf("Expected no lastError, got %q", sub.LastError)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Create(ctx, &Subscription{
		ID:     "wh1",
		UserID: "user-a",
		Events: []EventType{EventOperationCompleted},
		Active: true,
	})

	got, err := store.Get(ctx, "wh1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got.Active = false
	got.Events[0] = EventOperationFailed

	again, _ := store.Get(ctx, "wh1")
	if !again.Active {
		t.Error("Mutating a returned subscription changed the stored Active flag")
	}
	if again.Events[0] != EventOperationCompleted {
		t.Error("Mutating a returned subscription changed the stored events")
	}
}

func TestDispatch_ConcurrentFailuresCounted(t *testing.T) {
	store := NewMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		URL:    server.URL,
		Events: []EventType{EventOperationCompleted},
		Active: true,
	})

	d := NewDispatcherWithRetry(store, RetryConfig{
		MaxAttempts: 1,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		MaxFailures: 8,
	})
	d.urlValidator = noopValidator

	subs, _ := store.GetByEvent(ctx, EventOperationCompleted)
	event := &Event{Type: EventOperationCompleted, Timestamp: time.Now()}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.send(ctx, subs[0], event)
		}()
	}
	wg.Wait()

	sub, _ := store.Get(ctx, "wh1")
	if sub.ConsecutiveFailures != 8 {
		t.Errorf("Expected 8 consecutive failures, got %d", sub.ConsecutiveFailures)
	}
	if sub.Active {
		t.Error("Expected subscription deactivated at the failure threshold")
	}
}

package entitlement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"coursecast-live/internal/models"
)

type staticCustomers struct {
	rows []Customer
}

func (s staticCustomers) BillingCustomers() []Customer {
	return s.rows
}

type fakeBillingClient struct {
	mu    sync.Mutex
	subs  map[string]Subscription
	calls int
}

func (f *fakeBillingClient) Subscription(_ context.Context, customerRef string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.subs[customerRef], nil
}

type manualTicker struct {
	ch      chan time.Time
	stopped chan struct{}
	once    sync.Once
}

func newManualTicker() *manualTicker {
	return &manualTicker{ch: make(chan time.Time), stopped: make(chan struct{})}
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }

func (m *manualTicker) Stop() {
	m.once.Do(func() { close(m.stopped) })
}

func (m *manualTicker) Tick() {
	m.ch <- time.Now()
}

func TestReconcilerProjectsProviderState(t *testing.T) {
	projection := NewMemoryProjection()
	oracle := NewOracle(projection, nil)
	client := &fakeBillingClient{subs: map[string]Subscription{
		"cus_1": {Plan: "premium", Status: "active", CurrentPeriodEnd: time.Now().Add(24 * time.Hour)},
		"cus_2": {Plan: "premium", Status: "canceled"},
	}}
	customers := staticCustomers{rows: []Customer{
		{UserID: "u1", CustomerRef: "cus_1"},
		{UserID: "u2", CustomerRef: "cus_2"},
	}}

	ticker := newManualTicker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := startReconcilerWithTicker(ctx, nil, customers, client, oracle, time.Minute, func(time.Duration) scanTicker {
		return ticker
	})
	defer stop()

	ticker.Tick()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok, _ := projection.Get(context.Background(), "u2"); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	first, ok, err := projection.Get(context.Background(), "u1")
	if err != nil || !ok {
		t.Fatalf("u1 projection lookup: ok=%v err=%v", ok, err)
	}
	if first.Status != models.EntitlementActive || first.Plan != "premium" {
		t.Fatalf("unexpected u1 entitlement: %+v", first)
	}
	second, ok, err := projection.Get(context.Background(), "u2")
	if err != nil || !ok {
		t.Fatalf("u2 projection lookup: ok=%v err=%v", ok, err)
	}
	if second.Status != models.EntitlementLapsed {
		t.Fatalf("canceled subscription should project lapsed, got %q", second.Status)
	}

	stop()
	select {
	case <-ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected ticker to stop after shutdown")
	}
}

func TestHTTPBillingClientFetchesSubscription(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/customers/cus_9/subscription" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test" {
			t.Errorf("unexpected authorization header %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"plan": "premium", "status": "active", "currentPeriodEnd": 1714564800,
		})
	}))
	defer server.Close()

	client, err := NewHTTPBillingClient(BillingClientConfig{BaseURL: server.URL, APIKey: "sk_test"})
	if err != nil {
		t.Fatalf("NewHTTPBillingClient: %v", err)
	}
	sub, err := client.Subscription(context.Background(), "cus_9")
	if err != nil {
		t.Fatalf("Subscription returned error: %v", err)
	}
	if sub.Plan != "premium" || sub.Status != "active" {
		t.Fatalf("unexpected subscription: %+v", sub)
	}
	if sub.CurrentPeriodEnd.Unix() != 1714564800 {
		t.Fatalf("unexpected period end: %v", sub.CurrentPeriodEnd)
	}
}

func TestHTTPBillingClientSurfacesErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown customer", http.StatusNotFound)
	}))
	defer server.Close()

	client, err := NewHTTPBillingClient(BillingClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewHTTPBillingClient: %v", err)
	}
	if _, err := client.Subscription(context.Background(), "cus_missing"); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// BillingClient pulls authoritative subscription status from the billing
// provider.
type BillingClient interface {
	Subscription(ctx context.Context, customerRef string) (Subscription, error)
}

// BillingClientConfig configures the REST billing client.
type BillingClientConfig struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// HTTPBillingClient fetches subscription state from the billing provider's
// REST API.
type HTTPBillingClient struct {
	config BillingClientConfig
}

// NewHTTPBillingClient constructs a billing client.
func NewHTTPBillingClient(cfg BillingClientConfig) (*HTTPBillingClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("billing base URL required")
	}
	return &HTTPBillingClient{config: cfg}, nil
}

type subscriptionResponse struct {
	Plan             string `json:"plan"`
	Status           string `json:"status"`
	CurrentPeriodEnd int64  `json:"currentPeriodEnd"`
}

func (c *HTTPBillingClient) Subscription(ctx context.Context, customerRef string) (Subscription, error) {
	if customerRef == "" {
		return Subscription{}, fmt.Errorf("customerRef is required")
	}
	url := fmt.Sprintf("%s/v1/customers/%s/subscription", strings.TrimRight(c.config.BaseURL, "/"), customerRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Subscription{}, err
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	client := c.config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Subscription{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return Subscription{}, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	var payload subscriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Subscription{}, fmt.Errorf("decode subscription: %w", err)
	}
	sub := Subscription{Plan: payload.Plan, Status: payload.Status}
	if payload.CurrentPeriodEnd > 0 {
		sub.CurrentPeriodEnd = time.Unix(payload.CurrentPeriodEnd, 0).UTC()
	}
	return sub, nil
}

// Customer is one row of the reconciliation scan.
type Customer struct {
	UserID      string
	CustomerRef string
}

// CustomerSource lists the users whose billing state should be reconciled.
type CustomerSource interface {
	BillingCustomers() []Customer
}

type scanTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.ticker.C }
func (t timeTicker) Stop()               { t.ticker.Stop() }

type tickerFactory func(time.Duration) scanTicker

// StartReconciler periodically overwrites the projection with the billing
// provider's authoritative subscription state, so a missed webhook cannot
// strand a user's entitlement. The returned function stops the worker and
// waits for it to exit.
func StartReconciler(ctx context.Context, logger *slog.Logger, customers CustomerSource, client BillingClient, oracle *Oracle, interval time.Duration) func() {
	return startReconcilerWithTicker(ctx, logger, customers, client, oracle, interval, func(d time.Duration) scanTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startReconcilerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	customers CustomerSource,
	client BillingClient,
	oracle *Oracle,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if customers == nil || client == nil || oracle == nil || interval <= 0 {
		return func() {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				reconcileOnce(workerCtx, logger, customers, client, oracle)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func reconcileOnce(ctx context.Context, logger *slog.Logger, customers CustomerSource, client BillingClient, oracle *Oracle) {
	for _, customer := range customers.BillingCustomers() {
		if ctx.Err() != nil {
			return
		}
		sub, err := client.Subscription(ctx, customer.CustomerRef)
		if err != nil {
			logger.Warn("billing reconciliation fetch failed", "user_id", customer.UserID, "customer_ref", customer.CustomerRef, "error", err)
			continue
		}
		if err := oracle.Refresh(ctx, customer.UserID, sub); err != nil {
			logger.Error("billing reconciliation projection failed", "user_id", customer.UserID, "error", err)
		}
	}
}

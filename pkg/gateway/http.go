package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/siteforge/steward/pkg/config"
	"github.com/siteforge/steward/pkg/log"
	"github.com/siteforge/steward/pkg/metrics"
	"github.com/siteforge/steward/pkg/types"
)

const (
	retryAttempts = 5
	retryBase     = 250 * time.Millisecond
	retryCap      = 8 * time.Second
)

// HTTPClient talks JSON to the payment provider. Calls are rate
// limited, wrapped in a circuit breaker and retried with exponential
// backoff on transient failures. 4xx responses are terminal and do not
// count against the breaker.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewHTTPClient builds a client from the gateway configuration.
func NewHTTPClient(cfg config.GatewayConfig) *HTTPClient {
	logger := log.WithComponent("gateway")

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.RequestTimeout.Duration},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "payment-gateway",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// Client errors are our fault, not gateway health.
			IsSuccessful: func(err error) bool {
				return err == nil || types.IsPermanent(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn().
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("Gateway circuit breaker state changed")
			},
		}),
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		logger:  logger,
	}
}

func (c *HTTPClient) CreateCustomer(ctx context.Context, req CreateCustomerRequest) (*Customer, error) {
	var customer Customer
	if err := c.do(ctx, http.MethodPost, "/customers", req, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

func (c *HTTPClient) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error) {
	var subscription Subscription
	if err := c.do(ctx, http.MethodPost, "/subscriptions", req, &subscription); err != nil {
		return nil, err
	}
	return &subscription, nil
}

func (c *HTTPClient) UpdateSubscription(ctx context.Context, subscriptionRef string, req UpdateSubscriptionRequest) (*Subscription, error) {
	var subscription Subscription
	path := "/subscriptions/" + url.PathEscape(subscriptionRef)
	if err := c.do(ctx, http.MethodPut, path, req, &subscription); err != nil {
		return nil, err
	}
	return &subscription, nil
}

func (c *HTTPClient) CancelSubscription(ctx context.Context, subscriptionRef string) error {
	path := "/subscriptions/" + url.PathEscape(subscriptionRef)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) ListOverdueInvoices(ctx context.Context, customerRef string) ([]types.Invoice, error) {
	var response struct {
		Data []wireInvoice `json:"data"`
	}
	path := "/invoices?status=OVERDUE&customer=" + url.QueryEscape(customerRef)
	if err := c.do(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, err
	}

	invoices := make([]types.Invoice, 0, len(response.Data))
	for _, w := range response.Data {
		invoices = append(invoices, w.toInvoice())
	}
	return invoices, nil
}

func (c *HTTPClient) GetInvoice(ctx context.Context, invoiceID string) (*types.Invoice, error) {
	var w wireInvoice
	path := "/invoices/" + url.PathEscape(invoiceID)
	if err := c.do(ctx, http.MethodGet, path, nil, &w); err != nil {
		return nil, err
	}
	invoice := w.toInvoice()
	return &invoice, nil
}

// do runs one logical call: rate limit, breaker, retry on transient
// failures with backoff from retryBase capped at retryCap.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.GatewayRequestDuration, method)

	return retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
			_, err := c.breaker.Execute(func() (interface{}, error) {
				return nil, c.roundTrip(ctx, method, path, body, out)
			})
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				// The breaker recovers on its own timer; retrying
				// inside this call just burns the budget.
				return retry.Unrecoverable(types.Transient("gateway circuit open", err))
			}
			if types.IsPermanent(err) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(retryAttempts),
		retry.Delay(retryBase),
		retry.MaxDelay(retryCap),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			metrics.GatewayRetries.Inc()
			c.logger.Debug().
				Uint("attempt", attempt).
				Err(err).
				Str("path", redactQuery(path)).
				Msg("Retrying gateway call")
		}),
	)
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return types.Permanent("encode request", err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return types.Permanent("build request", err)
	}
	request.Header.Set("Accept", "application/json")
	request.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.http.Do(request)
	if err != nil {
		return types.Transient("gateway request", err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return types.Transient("read response", err)
	}

	switch {
	case response.StatusCode >= 200 && response.StatusCode < 300:
		if out == nil || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return types.Permanent("decode response", err)
		}
		return nil
	case response.StatusCode == http.StatusNotFound:
		return types.Permanent("gateway", types.ErrNotFound)
	case response.StatusCode == http.StatusTooManyRequests:
		return types.Transient("gateway", fmt.Errorf("status %d", response.StatusCode))
	case response.StatusCode >= 400 && response.StatusCode < 500:
		return types.Permanent("gateway", fmt.Errorf("status %d: %s", response.StatusCode, truncate(payload, 256)))
	default:
		return types.Transient("gateway", fmt.Errorf("status %d", response.StatusCode))
	}
}

// redactQuery strips query values from a path for logging.
func redactQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"mt5-monitor/internal/config"
)

// RESTClient talks to the Broker Manager gateway over HTTP:
//
//	GET /ping                        — session liveness
//	GET /accounts/{login}            — account details
//	GET /accounts/{login}/positions  — open positions
//	GET /accounts/{login}/trades     — closed trades since ?since=<RFC3339>
//
// Requests are retried on 5xx and rate-limited per call category so a large
// fleet cannot saturate the gateway.
type RESTClient struct {
	http   *resty.Client
	rl     *RateLimiter
	logger *slog.Logger
}

var _ Client = (*RESTClient)(nil)

// NewRESTClient creates a broker client with retry and rate limiting.
func NewRESTClient(cfg config.BrokerConfig, logger *slog.Logger) *RESTClient {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Accept", "application/json")

	return &RESTClient{
		http:   httpClient,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "broker"),
	}
}

// Connected probes the gateway. A failed probe means the session is down.
func (c *RESTClient) Connected() bool {
	resp, err := c.http.R().Get("/ping")
	if err != nil {
		c.logger.Error("broker handshake failed", "error", err)
		return false
	}
	return resp.StatusCode() == http.StatusOK
}

// AccountDetails fetches the account's financial state. A 404 maps to an
// empty mapping, which the engine records as status=unavailable.
func (c *RESTClient) AccountDetails(ctx context.Context, login int64) (map[string]any, error) {
	if err := c.rl.Details.Wait(ctx); err != nil {
		return nil, err
	}

	var result map[string]any
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/accounts/" + strconv.FormatInt(login, 10))
	if err != nil {
		return nil, fmt.Errorf("get account %d: %w", login, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get account %d: status %d", login, resp.StatusCode())
	}
	return result, nil
}

// OpenPositions fetches the account's open positions.
func (c *RESTClient) OpenPositions(ctx context.Context, login int64) ([]map[string]any, error) {
	if err := c.rl.Positions.Wait(ctx); err != nil {
		return nil, err
	}

	var result []map[string]any
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/accounts/" + strconv.FormatInt(login, 10) + "/positions")
	if err != nil {
		return nil, fmt.Errorf("get positions %d: %w", login, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get positions %d: status %d", login, resp.StatusCode())
	}
	return result, nil
}

// ClosedTrades fetches trades closed at or after since.
func (c *RESTClient) ClosedTrades(ctx context.Context, login int64, since time.Time) ([]map[string]any, error) {
	if err := c.rl.Trades.Wait(ctx); err != nil {
		return nil, err
	}

	var result []map[string]any
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("since", since.Format(time.RFC3339)).
		SetResult(&result).
		Get("/accounts/" + strconv.FormatInt(login, 10) + "/trades")
	if err != nil {
		return nil, fmt.Errorf("get trades %d: %w", login, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get trades %d: status %d", login, resp.StatusCode())
	}
	return result, nil
}

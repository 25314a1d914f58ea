package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/pumpdump/game-engine/internal/model"
)

const (
	maxRetries    = 3
	baseRetryWait = 200 * time.Millisecond
)

// HTTPConfig configures an HTTPClient.
type HTTPConfig struct {
	BaseURL      string
	Token        string
	RatePerSec   float64
	Burst        int
	Timeout      time.Duration
	RetryBackoff time.Duration
}

// HTTPClient talks JSON to the ledger service with client-side rate
// limiting and retries on 429/5xx. Exhausted retries surface as
// model.ErrBackendUnavailable.
//
// Every POST carries an Idempotency-Key header, taken from the context or
// generated once per call, so a retried write is applied at most once.
type HTTPClient struct {
	http    *http.Client
	base    string
	token   string
	limiter *rate.Limiter
	backoff time.Duration
}

// NewHTTPClient creates a client for cfg.BaseURL.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = baseRetryWait
	}
	return &HTTPClient{
		http:    &http.Client{Timeout: cfg.Timeout},
		base:    cfg.BaseURL,
		token:   cfg.Token,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		backoff: cfg.RetryBackoff,
	}
}

// --- Wire types ---

type reconcileRequest struct {
	UserCanister string      `json:"user_canister"`
	Diffs        model.Diffs `json:"diffs"`
}

type amountRequest struct {
	User   string          `json:"user"`
	Amount decimal.Decimal `json:"amount"`
}

type liquidityRequest struct {
	Creator   string          `json:"creator"`
	TokenRoot string          `json:"token_root"`
	Amount    decimal.Decimal `json:"amount"`
}

type countResponse struct {
	Count uint64 `json:"count"`
}

type amountResponse struct {
	Amount decimal.Decimal `json:"amount"`
}

type canisterResponse struct {
	UserCanister string `json:"user_canister"`
}

// errStatus is a non-retryable 4xx response. The backend understood and
// refused the request, so retrying later will not help.
type errStatus struct {
	code int
	body string
}

func (e *errStatus) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.code, e.body)
}

func (e *errStatus) Unwrap() error {
	return model.ErrInternal
}

func statusCode(err error) int {
	var se *errStatus
	if errors.As(err, &se) {
		return se.code
	}
	return 0
}

// --- Backend implementation ---

func (c *HTTPClient) AddToLiquidityPool(ctx context.Context, creator, tokenRoot string, amount decimal.Decimal) error {
	return c.post(ctx, "/liquidity", liquidityRequest{Creator: creator, TokenRoot: tokenRoot, Amount: amount}, nil)
}

func (c *HTTPClient) Balance(ctx context.Context, user string) (model.BalanceInfo, error) {
	var out model.BalanceInfo
	err := c.get(ctx, "/balance/"+url.PathEscape(user), &out)
	return out, err
}

func (c *HTTPClient) ReconcileUserState(ctx context.Context, user string, diffs []model.StateDiff) error {
	return c.post(ctx, "/reconcile", reconcileRequest{UserCanister: user, Diffs: diffs}, nil)
}

func (c *HTTPClient) Redeem(ctx context.Context, user string, amount decimal.Decimal) error {
	return c.post(ctx, "/redeem", amountRequest{User: user, Amount: amount}, nil)
}

func (c *HTTPClient) GameCount(ctx context.Context, user string) (uint64, error) {
	var out countResponse
	err := c.get(ctx, "/game_count/"+url.PathEscape(user), &out)
	return out.Count, err
}

func (c *HTTPClient) NetEarnings(ctx context.Context, user string) (decimal.Decimal, error) {
	var out amountResponse
	err := c.get(ctx, "/net_earnings/"+url.PathEscape(user), &out)
	return out.Amount, err
}

func (c *HTTPClient) UserCanister(ctx context.Context, user string) (string, error) {
	var out canisterResponse
	err := c.get(ctx, "/user_canister/"+url.PathEscape(user), &out)
	if statusCode(err) == http.StatusNotFound {
		return "", model.ErrUnauthorized
	}
	return out.UserCanister, err
}

func (c *HTTPClient) ValidateToken(ctx context.Context, gameCanister, tokenRoot string) error {
	err := c.get(ctx, "/token/"+url.PathEscape(gameCanister)+"/"+url.PathEscape(tokenRoot), nil)
	if statusCode(err) == http.StatusNotFound {
		return model.ErrInvalidToken
	}
	return err
}

func (c *HTTPClient) TransferSats(ctx context.Context, user string, amount decimal.Decimal) error {
	return c.post(ctx, "/sats/transfer", amountRequest{User: user, Amount: amount}, nil)
}

// --- Transport ---

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	return c.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	}, out)
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: marshal body: %v", model.ErrInternal, err)
	}
	key := IdempotencyKey(ctx)
	if key == "" {
		key = uuid.NewString()
	}
	return c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(IdempotencyHeader, key)
		return req, nil
	}, out)
}

// doWithRetry sends the request with exponential backoff on transport
// errors, 429 and 5xx. Other 4xx responses fail immediately.
func (c *HTTPClient) doWithRetry(ctx context.Context, build func() (*http.Request, error), out any) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			c.sleep(ctx, attempt-1)
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limiter: %v", model.ErrBackendUnavailable, err)
		}

		req, err := build()
		if err != nil {
			return fmt.Errorf("%w: build request: %v", model.ErrInternal, err)
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			slog.Warn("backend retryable response", "url", req.URL.Path, "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return &errStatus{code: resp.StatusCode, body: string(body)}
		}

		defer resp.Body.Close()
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode response: %v", model.ErrBackendUnavailable, err)
		}
		return nil
	}
	return fmt.Errorf("%w: after %d retries: %v", model.ErrBackendUnavailable, maxRetries, lastErr)
}

// sleep waits with exponential backoff, respecting the context.
func (c *HTTPClient) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * c.backoff
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}

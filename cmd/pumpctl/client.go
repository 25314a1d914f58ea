package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pumpdump/game-engine/internal/model"
)

// client is a thin JSON client for the engine's HTTP routes.
type client struct {
	base string
	http *http.Client
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(strings.TrimSpace(base), "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is a non-2xx reply from the engine.
type apiError struct {
	Status  int
	Message string `json:"error"`
	Reason  string `json:"reason"`
}

func (e *apiError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s, status %d)", e.Message, e.Reason, e.Status)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) Claim(ctx context.Context, sender string, amount decimal.Decimal, signature string) error {
	return c.do(ctx, http.MethodPost, "/claim_gdollr", map[string]any{
		"sender":    sender,
		"amount":    amount,
		"signature": signature,
	}, nil)
}

func (c *client) Balance(ctx context.Context, userCanister string) (model.BalanceInfo, error) {
	var out model.BalanceInfo
	err := c.do(ctx, http.MethodGet, "/balance/"+url.PathEscape(userCanister), nil, &out)
	return out, err
}

func (c *client) GameCount(ctx context.Context, userCanister string) (uint64, error) {
	var out struct {
		GameCount uint64 `json:"game_count"`
	}
	err := c.do(ctx, http.MethodGet, "/game_count/"+url.PathEscape(userCanister), nil, &out)
	return out.GameCount, err
}

func (c *client) Bets(ctx context.Context, gameCanister, tokenRoot, userCanister string) (model.Tally, error) {
	var out model.Tally
	path := "/bets/" + url.PathEscape(gameCanister) + "/" + url.PathEscape(tokenRoot) + "/" + url.PathEscape(userCanister)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *client) Uncommitted(ctx context.Context, userCanister string) ([]model.UncommittedGame, error) {
	var out []model.UncommittedGame
	err := c.do(ctx, http.MethodGet, "/uncommitted_games/"+url.PathEscape(userCanister), nil, &out)
	return out, err
}

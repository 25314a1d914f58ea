package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumpdump/game-engine/internal/model"
)

func newTestClient(t *testing.T, r http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return NewHTTPClient(HTTPConfig{
		BaseURL:      srv.URL,
		Token:        "secret",
		RatePerSec:   1000,
		Burst:        100,
		RetryBackoff: time.Millisecond,
	})
}

func TestHTTPClient_Balance(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/balance/{user}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "alice", chi.URLParam(r, "user"))
		json.NewEncoder(w).Encode(model.BalanceInfo{
			Balance:          decimal.NewFromInt(500),
			Withdrawable:     decimal.NewFromInt(300),
			NetAirdropReward: decimal.NewFromInt(200),
		})
	})
	c := newTestClient(t, r)

	info, err := c.Balance(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, info.Balance.Equal(decimal.NewFromInt(500)))
	assert.True(t, info.Withdrawable.Equal(decimal.NewFromInt(300)))
	assert.True(t, info.NetAirdropReward.Equal(decimal.NewFromInt(200)))
}

func TestHTTPClient_ReconcileSendsTaggedDiffs(t *testing.T) {
	var got reconcileRequest
	r := chi.NewRouter()
	r.Post("/reconcile", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, r)

	diffs := []model.StateDiff{
		model.CompletedGame{Pumps: 1, Amount: decimal.NewFromInt(9), TokenRoot: "tok", Outcome: model.Pump},
		model.CreatorReward{Amount: decimal.NewFromInt(3)},
	}
	require.NoError(t, c.ReconcileUserState(context.Background(), "alice", diffs))

	assert.Equal(t, "alice", got.UserCanister)
	require.Len(t, got.Diffs, 2)
	assert.IsType(t, model.CompletedGame{}, got.Diffs[0])
	assert.IsType(t, model.CreatorReward{}, got.Diffs[1])
}

func TestHTTPClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	r := chi.NewRouter()
	r.Post("/redeem", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	c := newTestClient(t, r)

	require.NoError(t, c.Redeem(context.Background(), "alice", decimal.NewFromInt(1)))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClient_ExhaustedRetries(t *testing.T) {
	var calls atomic.Int32
	r := chi.NewRouter()
	r.Post("/redeem", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})
	c := newTestClient(t, r)

	err := c.Redeem(context.Background(), "alice", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, model.ErrBackendUnavailable)
	assert.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestHTTPClient_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	r := chi.NewRouter()
	r.Post("/redeem", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad amount", http.StatusBadRequest)
	})
	c := newTestClient(t, r)

	err := c.Redeem(context.Background(), "alice", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, model.ErrInternal)
	assert.NotErrorIs(t, err, model.ErrBackendUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClient_IdentityNotFound(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/user_canister/{user}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "user") == "known" {
			json.NewEncoder(w).Encode(canisterResponse{UserCanister: "canister-1"})
			return
		}
		http.NotFound(w, r)
	})
	r.Get("/token/{game}/{token}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "token") == "good" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	})
	c := newTestClient(t, r)
	ctx := context.Background()

	canister, err := c.UserCanister(ctx, "known")
	require.NoError(t, err)
	assert.Equal(t, "canister-1", canister)

	_, err = c.UserCanister(ctx, "stranger")
	assert.ErrorIs(t, err, model.ErrUnauthorized)

	assert.NoError(t, c.ValidateToken(ctx, "game", "good"))
	assert.ErrorIs(t, c.ValidateToken(ctx, "game", "bad"), model.ErrInvalidToken)
}

// idempotentServer applies each /reconcile key once, like the ledger
// service does, and is slow to answer the first request.
type idempotentServer struct {
	mu      sync.Mutex
	applied map[string]bool
	keys    []string
	hits    int
}

func (s *idempotentServer) reconcile(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(IdempotencyHeader)
	s.mu.Lock()
	s.hits++
	first := s.hits == 1
	s.keys = append(s.keys, key)
	if key != "" {
		s.applied[key] = true
	}
	s.mu.Unlock()
	if first {
		time.Sleep(300 * time.Millisecond)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *idempotentServer) appliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

func TestHTTPClient_RetryAfterSlowReplyReusesKey(t *testing.T) {
	srv := &idempotentServer{applied: map[string]bool{}}
	r := chi.NewRouter()
	r.Post("/reconcile", srv.reconcile)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	c := NewHTTPClient(HTTPConfig{
		BaseURL:      ts.URL,
		RatePerSec:   1000,
		Burst:        100,
		Timeout:      100 * time.Millisecond,
		RetryBackoff: time.Millisecond,
	})

	diffs := []model.StateDiff{model.CreatorReward{Amount: decimal.NewFromInt(5)}}
	require.NoError(t, c.ReconcileUserState(context.Background(), "alice", diffs))

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.GreaterOrEqual(t, srv.hits, 2, "the first attempt times out and is retried")
	for _, k := range srv.keys {
		assert.NotEmpty(t, k)
		assert.Equal(t, srv.keys[0], k)
	}
	assert.Len(t, srv.applied, 1)
}

func TestHTTPClient_UsesKeyFromContext(t *testing.T) {
	srv := &idempotentServer{applied: map[string]bool{}, hits: 1}
	r := chi.NewRouter()
	r.Post("/reconcile", srv.reconcile)
	c := newTestClient(t, r)

	ctx := WithIdempotencyKey(context.Background(), "batch-7")
	diffs := []model.StateDiff{model.CreatorReward{Amount: decimal.NewFromInt(5)}}
	require.NoError(t, c.ReconcileUserState(ctx, "alice", diffs))
	require.NoError(t, c.ReconcileUserState(ctx, "alice", diffs))

	assert.Equal(t, 1, srv.appliedCount())
	assert.Equal(t, []string{"batch-7", "batch-7"}, srv.keys)
}

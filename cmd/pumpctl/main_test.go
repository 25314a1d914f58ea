package main

import (
	"bytes"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumpdump/game-engine/internal/api"
	"github.com/pumpdump/game-engine/internal/auth"
	"github.com/pumpdump/game-engine/internal/backend"
	"github.com/pumpdump/game-engine/internal/game"
	"github.com/pumpdump/game-engine/internal/hotornot"
	"github.com/pumpdump/game-engine/internal/ledger"
	"github.com/pumpdump/game-engine/internal/reward"
	"github.com/pumpdump/game-engine/internal/store"
)

func newServer(t *testing.T) (*httptest.Server, *backend.Mock) {
	t.Helper()
	stake := decimal.NewFromInt(100)
	st := store.NewMemoryStore()
	mock := backend.NewMock(stake)
	led := ledger.NewService(st, mock, ledger.Config{
		Stake:          stake,
		ReconcileDelay: time.Hour,
		TreasuryMax:    decimal.NewFromInt(1_000_000),
	})
	alloc, err := reward.NewAllocator(stake, 5, 5)
	require.NoError(t, err)
	rounds := game.NewService(st, led, alloc, mock, game.Config{})
	hon := hotornot.NewService(st, mock, hotornot.Config{})

	r := chi.NewRouter()
	api.New(led, rounds, hon, mock).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		rounds.Close()
		hon.Close()
		led.Close()
	})
	return srv, mock
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestKeygen(t *testing.T) {
	out, err := run(t, "keygen")
	require.NoError(t, err)
	assert.Contains(t, out, "principal")
	assert.Contains(t, out, "secret")
}

func TestSignClaim_Verifies(t *testing.T) {
	kp, err := auth.GenerateKeypair()
	require.NoError(t, err)

	out, err := run(t, "sign-claim", "250", "--secret", kp.Secret())
	require.NoError(t, err)

	sig := strings.TrimSpace(out)
	assert.NoError(t, auth.Verify(kp.Principal, auth.ClaimMessage(kp.Principal, decimal.NewFromInt(250)), sig))
}

func TestSignClaim_RejectsBadInput(t *testing.T) {
	kp, err := auth.GenerateKeypair()
	require.NoError(t, err)

	_, err = run(t, "sign-claim", "250")
	assert.ErrorContains(t, err, "no identity")

	_, err = run(t, "sign-claim", "-5", "--secret", kp.Secret())
	assert.Error(t, err)

	_, err = run(t, "sign-claim", "1.5", "--secret", kp.Secret())
	assert.Error(t, err)
}

func TestClaimAndBalance(t *testing.T) {
	srv, mock := newServer(t)
	kp, err := auth.GenerateKeypair()
	require.NoError(t, err)
	mock.Fund(kp.Principal, decimal.NewFromInt(1000), decimal.Zero)

	_, err = run(t, "claim", "400", "--secret", kp.Secret(), "--server", srv.URL)
	require.NoError(t, err)
	assert.True(t, mock.Account(kp.Principal).Redeemed.Equal(decimal.NewFromInt(400)))

	out, err := run(t, "balance", kp.Principal, "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "600")
}

func TestClaim_ServerError(t *testing.T) {
	srv, _ := newServer(t)
	kp, err := auth.GenerateKeypair()
	require.NoError(t, err)

	_, err = run(t, "claim", "400", "--secret", kp.Secret(), "--server", srv.URL)
	require.Error(t, err)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "insufficient_balance", apiErr.Reason)
}

func TestBetsAndGames(t *testing.T) {
	srv, _ := newServer(t)

	out, err := run(t, "bets", "game1", "tok", "user1", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, strings.ToLower(out), "pumps")

	_, err = run(t, "games", "user1", "--server", srv.URL)
	require.NoError(t, err)

	_, err = run(t, "games", "alice", "--server", srv.URL)
	assert.Error(t, err)
}

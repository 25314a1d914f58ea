package game

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumpdump/game-engine/internal/backend"
	"github.com/pumpdump/game-engine/internal/ledger"
	"github.com/pumpdump/game-engine/internal/model"
	"github.com/pumpdump/game-engine/internal/reward"
	"github.com/pumpdump/game-engine/internal/store"
)

const (
	testGame  = "game1"
	testToken = "tok"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type env struct {
	svc    *Service
	ledger *ledger.Service
	mock   *backend.Mock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemoryStore()
	mock := backend.NewMock(d(100))
	led := ledger.NewService(st, mock, ledger.Config{
		Stake:          d(100),
		ReconcileDelay: time.Hour,
		TreasuryMax:    d(1_000_000),
	})
	alloc, err := reward.NewAllocator(d(100), 5, 5)
	require.NoError(t, err)
	svc := NewService(st, led, alloc, mock, Config{TideShiftDelta: 10, DispatchConcurrency: 4})
	t.Cleanup(func() {
		svc.Close()
		led.Close()
	})
	return &env{svc: svc, ledger: led, mock: mock}
}

func (e *env) bet(t *testing.T, user string, dir model.Direction, round uint64) BetResult {
	t.Helper()
	res, err := e.svc.PlaceBet(context.Background(), testGame, testToken, user, dir, round)
	require.NoError(t, err)
	return res
}

func TestTideShift(t *testing.T) {
	tests := []struct {
		side, other uint64
		want        bool
	}{
		{side: 9, other: 0, want: false},
		{side: 10, other: 0, want: true},
		{side: 11, other: 0, want: false},
		{side: 11, other: 1, want: true},
		{side: 1, other: 10, want: false},
		{side: 15, other: 5, want: true},
		{side: 1, other: 0, want: false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, tideShift(tc.side, tc.other, 10), "side=%d other=%d", tc.side, tc.other)
	}
}

func TestPlaceBet_TideShiftDebounce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.mock.Fund("user1", d(10_000), decimal.Zero)
	e.mock.Fund("user2", d(10_000), decimal.Zero)

	for i := 0; i < 9; i++ {
		res := e.bet(t, "user1", model.Pump, 0)
		assert.Nil(t, res.Result)
	}

	// Lead reaches 10: the latch arms, the round goes on.
	res := e.bet(t, "user1", model.Pump, 0)
	assert.Nil(t, res.Result)

	// Lead drops to 9.
	res = e.bet(t, "user2", model.Dump, 0)
	assert.Nil(t, res.Result)

	pool, err := e.svc.Pool(ctx, testGame, testToken)
	require.NoError(t, err)
	assert.Equal(t, Pool{Round: 0, Pool: 11}, pool)

	// Lead back to 10: second shift settles.
	res = e.bet(t, "user1", model.Pump, 0)
	require.NotNil(t, res.Result)
	assert.Equal(t, uint64(0), res.Round)
	assert.Equal(t, model.Pump, res.Result.Direction)
	assert.Equal(t, uint64(11), res.Result.BetCount)
	assert.Equal(t, uint64(1), res.Result.NewRound)
	assert.True(t, res.Result.RewardPool.Equal(d(1080)), res.Result.RewardPool.String())

	pool, err = e.svc.Pool(ctx, testGame, testToken)
	require.NoError(t, err)
	assert.Equal(t, Pool{Round: 1, Pool: 0}, pool)

	bets, err := e.svc.Bets(ctx, testGame, testToken, "user1")
	require.NoError(t, err)
	assert.Equal(t, model.Tally{}, bets)
}

func TestPlaceBet_SettlementPaysEveryone(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.mock.Fund("user1", d(10_000), decimal.Zero)
	e.mock.Fund("user2", d(10_000), decimal.Zero)

	for i := 0; i < 10; i++ {
		e.bet(t, "user1", model.Pump, 0)
	}
	e.bet(t, "user2", model.Dump, 0)
	res := e.bet(t, "user1", model.Pump, 0)
	require.NotNil(t, res.Result)
	e.svc.Dispatcher().Wait()

	winner, err := e.ledger.Snapshot(ctx, "user1")
	require.NoError(t, err)
	require.Len(t, winner.Diffs, 1)
	g := winner.Diffs[0].(model.CompletedGame)
	assert.Equal(t, uint64(11), g.Pumps)
	assert.True(t, g.Amount.Equal(d(1080)), g.Amount.String())
	assert.Empty(t, winner.Pending)

	loser, err := e.ledger.Snapshot(ctx, "user2")
	require.NoError(t, err)
	require.Len(t, loser.Diffs, 1)
	assert.True(t, loser.Diffs[0].Reward().IsZero())
	assert.Empty(t, loser.Pending)

	creator, err := e.ledger.Snapshot(ctx, testGame)
	require.NoError(t, err)
	require.Len(t, creator.Diffs, 1)
	assert.True(t, creator.Diffs[0].Reward().Equal(d(120)))

	// Everything staked is credited back out.
	total := g.Amount.Add(loser.Diffs[0].Reward()).Add(creator.Diffs[0].Reward())
	assert.True(t, total.Equal(d(1200)), total.String())
	assert.True(t, e.mock.Liquidity(testToken).Equal(d(60)))

	// After settlement the on-chain state matches.
	require.NoError(t, e.ledger.Settle(ctx, "user1"))
	require.NoError(t, e.ledger.Settle(ctx, "user2"))
	require.NoError(t, e.ledger.Settle(ctx, testGame))
	assert.True(t, e.mock.Account("user1").Balance.Equal(d(10_000-1100+1080)))
	assert.True(t, e.mock.Account("user2").Balance.Equal(d(10_000-100)))
	assert.True(t, e.mock.Account(testGame).Balance.Equal(d(60)))
}

func TestPlaceBet_StaleRoundRejected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.mock.Fund("user1", d(10_000), decimal.Zero)
	e.mock.Fund("user2", d(10_000), decimal.Zero)
	for i := 0; i < 10; i++ {
		e.bet(t, "user1", model.Pump, 0)
	}
	e.bet(t, "user2", model.Dump, 0)
	require.NotNil(t, e.bet(t, "user1", model.Pump, 0).Result)
	e.svc.Dispatcher().Wait()

	before, err := e.ledger.Snapshot(ctx, "user2")
	require.NoError(t, err)

	_, err = e.svc.PlaceBet(ctx, testGame, testToken, "user2", model.Dump, 0)
	assert.ErrorIs(t, err, model.ErrRoundMismatch)

	after, err := e.ledger.Snapshot(ctx, "user2")
	require.NoError(t, err)
	assert.True(t, before.Delta.Equal(after.Delta))
	assert.Equal(t, before.Pending, after.Pending)

	pool, err := e.svc.Pool(ctx, testGame, testToken)
	require.NoError(t, err)
	assert.Equal(t, Pool{Round: 1, Pool: 0}, pool)

	res := e.bet(t, "user2", model.Dump, 1)
	assert.Equal(t, uint64(1), res.Round)
}

func TestPlaceBet_InsufficientBalance(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.PlaceBet(ctx, testGame, testToken, "user1", model.Pump, 0)
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)

	pool, err := e.svc.Pool(ctx, testGame, testToken)
	require.NoError(t, err)
	assert.Zero(t, pool.Pool)
	bets, err := e.svc.Bets(ctx, testGame, testToken, "user1")
	require.NoError(t, err)
	assert.Equal(t, model.Tally{}, bets)
}

func TestPlaceBet_TalliesSurviveRestart(t *testing.T) {
	st := store.NewMemoryStore()
	mock := backend.NewMock(d(100))
	mock.Fund("user1", d(10_000), decimal.Zero)
	led := ledger.NewService(st, mock, ledger.Config{Stake: d(100), ReconcileDelay: time.Hour, TreasuryMax: d(1)})
	defer led.Close()
	alloc, err := reward.NewAllocator(d(100), 5, 5)
	require.NoError(t, err)
	ctx := context.Background()

	first := NewService(st, led, alloc, mock, Config{})
	for i := 0; i < 3; i++ {
		_, err := first.PlaceBet(ctx, testGame, testToken, "user1", model.Dump, 0)
		require.NoError(t, err)
	}
	first.Close()

	second := NewService(st, led, alloc, mock, Config{})
	defer second.Close()
	bets, err := second.Bets(ctx, testGame, testToken, "user1")
	require.NoError(t, err)
	assert.Equal(t, model.Tally{Dumps: 3}, bets)
	pool, err := second.Pool(ctx, testGame, testToken)
	require.NoError(t, err)
	assert.Equal(t, Pool{Round: 0, Pool: 3}, pool)
}

// --- websocket ---

func newWSServer(t *testing.T, svc *Service) string {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/ws/{game}/{token}", func(w http.ResponseWriter, r *http.Request) {
		svc.ServeWS(w, r, chi.URLParam(r, "game"), chi.URLParam(r, "token"), r.URL.Query().Get("user"))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, base, user string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(base+"/ws/"+testGame+"/"+testToken+"?user="+user, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readResp(t *testing.T, conn *websocket.Conn) model.WsResponse {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp model.WsResponse
	require.NoError(t, conn.ReadJSON(&resp))
	return resp
}

func TestWS_WelcomeBetAndBroadcast(t *testing.T) {
	e := newEnv(t)
	e.mock.Fund("user1", d(10_000), decimal.Zero)
	base := newWSServer(t, e.svc)

	c1 := dial(t, base, "user1")
	welcome := readResp(t, c1)
	require.NotNil(t, welcome.Response.WelcomeEvent)
	assert.Equal(t, model.BroadcastID, welcome.RequestID)
	assert.Equal(t, uint64(1), welcome.Response.WelcomeEvent.PlayerCount)

	c2 := dial(t, base, "user2")
	welcome2 := readResp(t, c2)
	require.NotNil(t, welcome2.Response.WelcomeEvent)
	assert.Equal(t, uint64(2), welcome2.Response.WelcomeEvent.PlayerCount)

	reqID := uuid.New()
	require.NoError(t, c1.WriteJSON(model.WsRequest{
		RequestID: reqID,
		Msg:       model.WsMessage{Bet: &model.BetMessage{Direction: model.Pump, Round: 0}},
	}))

	pool := readResp(t, c1)
	require.NotNil(t, pool.Response.WinningPoolEvent)
	assert.Equal(t, uint64(1), pool.Response.WinningPoolEvent.NewPool)

	ok := readResp(t, c1)
	assert.Equal(t, reqID, ok.RequestID)
	require.NotNil(t, ok.Response.BetSuccessful)
	assert.Equal(t, uint64(0), ok.Response.BetSuccessful.Round)

	seen := readResp(t, c2)
	require.NotNil(t, seen.Response.WinningPoolEvent)
	assert.Equal(t, model.BroadcastID, seen.RequestID)

	n, err := e.svc.PlayerCount(context.Background(), testGame, testToken)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A reconnect sees the user's bets.
	c3 := dial(t, base, "user1")
	welcome3 := readResp(t, c3)
	require.NotNil(t, welcome3.Response.WelcomeEvent)
	assert.Equal(t, model.Tally{Pumps: 1}, welcome3.Response.WelcomeEvent.UserBets)
	assert.Equal(t, uint64(1), welcome3.Response.WelcomeEvent.Pool)
}

func TestWS_Errors(t *testing.T) {
	e := newEnv(t)
	base := newWSServer(t, e.svc)
	c := dial(t, base, "user1")
	readResp(t, c)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"garbage":true}`)))
	bad := readResp(t, c)
	assert.Equal(t, uuid.Nil, bad.RequestID)
	require.NotNil(t, bad.Response.Error)
	assert.Equal(t, "unknown request", bad.Response.Error.Reason)

	reqID := uuid.New()
	require.NoError(t, c.WriteJSON(model.WsRequest{
		RequestID: reqID,
		Msg:       model.WsMessage{Bet: &model.BetMessage{Direction: model.Dump, Round: 0}},
	}))
	broke := readResp(t, c)
	assert.Equal(t, reqID, broke.RequestID)
	require.NotNil(t, broke.Response.Error)
	assert.Equal(t, "insufficient balance", broke.Response.Error.Reason)

	require.NoError(t, c.WriteJSON(model.WsRequest{
		RequestID: reqID,
		Msg:       model.WsMessage{Bet: &model.BetMessage{Direction: model.Dump, Round: 7}},
	}))
	stale := readResp(t, c)
	require.NotNil(t, stale.Response.Error)
	assert.Equal(t, "round mismatch", stale.Response.Error.Reason)
}

func TestWS_LeaveUpdatesPlayerCount(t *testing.T) {
	e := newEnv(t)
	base := newWSServer(t, e.svc)
	c := dial(t, base, "user1")
	readResp(t, c)
	c.Close()

	assert.Eventually(t, func() bool {
		n, err := e.svc.PlayerCount(context.Background(), testGame, testToken)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcher_LiquidityOncePerRound(t *testing.T) {
	mock := backend.NewMock(d(100))
	disp := NewDispatcher(nil, mock, 2, time.Second)
	defer disp.Close()

	s := settlement{creator: testGame, tokenRoot: testToken, round: 3, liquidity: d(40)}
	disp.submit(s)
	disp.submit(s)
	disp.Wait()
	assert.True(t, mock.Liquidity(testToken).Equal(d(40)))

	s.round = 4
	disp.submit(s)
	disp.Wait()
	assert.True(t, mock.Liquidity(testToken).Equal(d(80)))
}

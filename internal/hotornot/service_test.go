package hotornot

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumpdump/game-engine/internal/backend"
	"github.com/pumpdump/game-engine/internal/model"
	"github.com/pumpdump/game-engine/internal/store"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(by time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(by)
	c.mu.Unlock()
}

func newTestService(t *testing.T, oracle SentimentOracle) (*Service, *backend.Mock, *clock) {
	t.Helper()
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	mock := backend.NewMock(d(100))
	svc := NewService(store.NewMemoryStore(), mock, Config{
		TreasuryMax: d(500),
		Oracle:      oracle,
		Now:         clk.Now,
	})
	t.Cleanup(svc.Close)
	return svc, mock, clk
}

func vote(post uint64, dir Sentiment, amount int64) Vote {
	return Vote{PostCanister: "post1", PostID: post, Direction: dir, Amount: d(amount)}
}

func TestBalance_OnboardingReward(t *testing.T) {
	svc, _, _ := newTestService(t, FixedOracle(Hot))
	ctx := context.Background()

	bal, err := svc.Balance(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(DefaultOnboardingReward)))

	air, err := svc.Airdrop(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, air.Equal(d(DefaultOnboardingReward)))
}

func TestVote_Win(t *testing.T) {
	svc, _, _ := newTestService(t, FixedOracle(Hot))

	res, err := svc.Vote(context.Background(), "user1", vote(1, Hot, 100))
	require.NoError(t, err)
	assert.Equal(t, Hot, res.Sentiment)
	assert.True(t, res.Outcome.Win)
	assert.True(t, res.Outcome.Amount.Equal(d(80)))
	assert.True(t, res.Balance.Equal(d(1080)))
}

func TestVote_Loss(t *testing.T) {
	svc, _, _ := newTestService(t, FixedOracle(Not))

	res, err := svc.Vote(context.Background(), "user1", vote(1, Hot, 100))
	require.NoError(t, err)
	assert.False(t, res.Outcome.Win)
	assert.True(t, res.Outcome.Amount.Equal(d(100)))
	assert.True(t, res.Balance.Equal(d(900)))
}

func TestVote_WinRoundsDown(t *testing.T) {
	svc, _, _ := newTestService(t, FixedOracle(Hot))

	res, err := svc.Vote(context.Background(), "user1", vote(1, Hot, 7))
	require.NoError(t, err)
	assert.True(t, res.Outcome.Amount.Equal(d(5)))
}

func TestVote_CappedAtMax(t *testing.T) {
	svc, _, _ := newTestService(t, FixedOracle(Not))

	res, err := svc.Vote(context.Background(), "user1", vote(1, Hot, 900))
	require.NoError(t, err)
	assert.True(t, res.Outcome.Amount.Equal(d(DefaultMaxVote)))
	assert.True(t, res.Balance.Equal(d(1000-DefaultMaxVote)))
}

func TestVote_AlreadyVoted(t *testing.T) {
	svc, _, _ := newTestService(t, FixedOracle(Hot))
	ctx := context.Background()

	_, err := svc.Vote(ctx, "user1", vote(1, Hot, 100))
	require.NoError(t, err)
	_, err = svc.Vote(ctx, "user1", vote(1, Not, 100))
	assert.ErrorIs(t, err, model.ErrAlreadyVoted)

	bal, err := svc.Balance(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(1080)))
}

func TestVote_InsufficientBalance(t *testing.T) {
	svc, _, _ := newTestService(t, FixedOracle(Not))
	ctx := context.Background()

	for i := range 5 {
		_, err := svc.Vote(ctx, "user1", vote(uint64(i), Hot, 200))
		require.NoError(t, err)
	}
	_, err := svc.Vote(ctx, "user1", vote(99, Hot, 1))
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)

	page, err := svc.Games(ctx, "user1", 100, "")
	require.NoError(t, err)
	assert.Len(t, page.Games, 5)
}

func TestVote_InvalidInput(t *testing.T) {
	svc, _, _ := newTestService(t, FixedOracle(Hot))
	ctx := context.Background()

	_, err := svc.Vote(ctx, "user1", vote(1, "lukewarm", 10))
	assert.ErrorIs(t, err, model.ErrUnknownRequest)

	_, err = svc.Vote(ctx, "user1", vote(1, Hot, 0))
	assert.ErrorIs(t, err, model.ErrInvalidAmount)
}

func TestVote_CreatorReward(t *testing.T) {
	svc, _, _ := newTestService(t, FixedOracle(Hot))
	ctx := context.Background()

	v := vote(1, Hot, 150)
	v.Creator = "creator1"
	_, err := svc.Vote(ctx, "user1", v)
	require.NoError(t, err)
	svc.Wait()

	bal, err := svc.Balance(ctx, "creator1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(1015)))
}

func TestVote_CreatorVotesOwnPost(t *testing.T) {
	svc, _, _ := newTestService(t, FixedOracle(Not))
	ctx := context.Background()

	v := vote(1, Hot, 100)
	v.Creator = "user1"
	_, err := svc.Vote(ctx, "user1", v)
	require.NoError(t, err)
	svc.Wait()

	bal, err := svc.Balance(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(910)))
}

func TestClockOracle(t *testing.T) {
	even := ClockOracle{Now: func() time.Time { return time.UnixMilli(1000) }}
	odd := ClockOracle{Now: func() time.Time { return time.UnixMilli(1001) }}

	s, err := even.Sentiment(context.Background(), "post1", 1)
	require.NoError(t, err)
	assert.Equal(t, Hot, s)

	s, err = odd.Sentiment(context.Background(), "post1", 1)
	require.NoError(t, err)
	assert.Equal(t, Not, s)
}

func TestGames_Pagination(t *testing.T) {
	svc, _, _ := newTestService(t, FixedOracle(Hot))
	ctx := context.Background()

	for i := range 5 {
		_, err := svc.Vote(ctx, "user1", vote(uint64(i), Hot, 10))
		require.NoError(t, err)
	}

	var seen []uint64
	cursor := ""
	for range 10 {
		page, err := svc.Games(ctx, "user1", 2, cursor)
		require.NoError(t, err)
		for _, g := range page.Games {
			assert.Equal(t, "post1", g.PostCanister)
			assert.True(t, g.Info.Outcome.Win)
			assert.True(t, g.Info.VoteAmount.Equal(d(10)))
			seen = append(seen, g.PostID)
		}
		if page.Next == "" {
			break
		}
		cursor = page.Next
	}
	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, seen)
}

func TestGames_PageSizeClamped(t *testing.T) {
	svc, _, _ := newTestService(t, FixedOracle(Hot))
	ctx := context.Background()

	for i := range 3 {
		_, err := svc.Vote(ctx, "user1", vote(uint64(i), Hot, 10))
		require.NoError(t, err)
	}

	page, err := svc.Games(ctx, "user1", 0, "")
	require.NoError(t, err)
	assert.Len(t, page.Games, 1)
	assert.Equal(t, fmt.Sprintf("post1-%d", 1), page.Next)

	page, err = svc.Games(ctx, "user1", 1000, "")
	require.NoError(t, err)
	assert.Len(t, page.Games, 3)
	assert.Empty(t, page.Next)
}

func TestWithdraw(t *testing.T) {
	svc, mock, _ := newTestService(t, FixedOracle(Hot))
	ctx := context.Background()

	require.NoError(t, svc.Withdraw(ctx, "user1", d(300)))
	bal, err := svc.Balance(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(700)))
	assert.True(t, mock.Sats("user1").Equal(d(300)))
}

func TestWithdraw_InsufficientBalance(t *testing.T) {
	svc, mock, _ := newTestService(t, FixedOracle(Hot))

	err := svc.Withdraw(context.Background(), "user1", d(1001))
	assert.ErrorIs(t, err, model.ErrInsufficientBalance)
	assert.True(t, mock.Sats("user1").IsZero())
}

func TestWithdraw_DailyLimit(t *testing.T) {
	svc, _, clk := newTestService(t, FixedOracle(Hot))
	ctx := context.Background()

	require.NoError(t, svc.Withdraw(ctx, "user1", d(400)))
	err := svc.Withdraw(ctx, "user1", d(200))
	assert.ErrorIs(t, err, model.ErrDailyLimitReached)

	bal, err := svc.Balance(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(600)), "rejected withdrawal must not touch the balance")

	clk.Advance(24 * time.Hour)
	require.NoError(t, svc.Withdraw(ctx, "user1", d(200)))
}

func TestWithdraw_TransferFailureRollsBack(t *testing.T) {
	svc, mock, _ := newTestService(t, FixedOracle(Hot))
	ctx := context.Background()

	mock.FailNext(backend.OpTransfer, 1)
	err := svc.Withdraw(ctx, "user1", d(500))
	assert.ErrorIs(t, err, model.ErrBackendUnavailable)

	bal, err := svc.Balance(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(1000)))

	// The full allowance is available again.
	require.NoError(t, svc.Withdraw(ctx, "user1", d(500)))
	assert.True(t, mock.Sats("user1").Equal(d(500)))
}

func TestState_SurvivesRestart(t *testing.T) {
	st := store.NewMemoryStore()
	mock := backend.NewMock(d(100))
	ctx := context.Background()

	first := NewService(st, mock, Config{Oracle: FixedOracle(Not)})
	_, err := first.Vote(ctx, "user1", vote(1, Hot, 100))
	require.NoError(t, err)
	first.Close()

	second := NewService(st, mock, Config{Oracle: FixedOracle(Hot)})
	defer second.Close()

	bal, err := second.Balance(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d(900)))

	_, err = second.Vote(ctx, "user1", vote(1, Hot, 100))
	assert.ErrorIs(t, err, model.ErrAlreadyVoted)
}

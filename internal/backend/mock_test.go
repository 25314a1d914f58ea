package backend

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pumpdump/game-engine/internal/model"
)

func TestMock_ReconcileAppliesNetOfStake(t *testing.T) {
	ctx := context.Background()
	m := NewMock(decimal.NewFromInt(100))
	m.Fund("alice", decimal.NewFromInt(1000), decimal.Zero)

	err := m.ReconcileUserState(ctx, "alice", []model.StateDiff{
		model.CompletedGame{Pumps: 2, Amount: decimal.NewFromInt(350)},
		model.CompletedGame{Dumps: 1, Amount: decimal.Zero},
		model.CreatorReward{Amount: decimal.NewFromInt(40)},
	})
	require.NoError(t, err)

	acc := m.Account("alice")
	// 1000 + (350-200) + (0-100) + 40
	assert.True(t, acc.Balance.Equal(decimal.NewFromInt(1090)), acc.Balance.String())
	assert.Equal(t, uint64(2), acc.Games)
	assert.Equal(t, 1, acc.Reconciles)
}

func TestMock_FailNext(t *testing.T) {
	ctx := context.Background()
	m := NewMock(decimal.NewFromInt(100))
	m.FailNext(OpRedeem, 1)
	m.Fund("alice", decimal.NewFromInt(500), decimal.Zero)

	err := m.Redeem(ctx, "alice", decimal.NewFromInt(10))
	assert.ErrorIs(t, err, model.ErrBackendUnavailable)
	assert.NoError(t, m.Redeem(ctx, "alice", decimal.NewFromInt(10)))
	assert.True(t, m.Account("alice").Balance.Equal(decimal.NewFromInt(490)))
}

func TestMock_WithdrawableExcludesAirdrop(t *testing.T) {
	ctx := context.Background()
	m := NewMock(decimal.NewFromInt(100))
	m.Fund("alice", decimal.NewFromInt(500), decimal.NewFromInt(200))

	info, err := m.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, info.Withdrawable.Equal(decimal.NewFromInt(300)))
	assert.ErrorIs(t, m.Redeem(ctx, "alice", decimal.NewFromInt(301)), model.ErrInsufficientBalance)
}

func TestMock_IdempotencyKeyAppliesOnce(t *testing.T) {
	m := NewMock(decimal.NewFromInt(100))
	m.Fund("alice", decimal.NewFromInt(500), decimal.Zero)
	ctx := WithIdempotencyKey(context.Background(), "redeem-1")

	m.LoseReplyNext(OpRedeem, 1)
	err := m.Redeem(ctx, "alice", decimal.NewFromInt(10))
	assert.ErrorIs(t, err, model.ErrBackendUnavailable)
	assert.True(t, m.Account("alice").Redeemed.Equal(decimal.NewFromInt(10)), "write lands before the reply is lost")

	require.NoError(t, m.Redeem(ctx, "alice", decimal.NewFromInt(10)))
	assert.True(t, m.Account("alice").Redeemed.Equal(decimal.NewFromInt(10)))

	require.NoError(t, m.Redeem(WithIdempotencyKey(context.Background(), "redeem-2"), "alice", decimal.NewFromInt(10)))
	assert.True(t, m.Account("alice").Redeemed.Equal(decimal.NewFromInt(20)))
}

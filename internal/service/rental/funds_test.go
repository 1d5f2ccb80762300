package rental

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpu-rental/rentalctl/internal/cache"
	"github.com/gpu-rental/rentalctl/internal/chain"
	"github.com/gpu-rental/rentalctl/internal/hub"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

func TestDeposit_InvalidatesBalance(t *testing.T) {
	f := newFixture(t)

	hash, err := f.seq.Deposit(context.Background(), mustWei("2000000000000000000"))
	require.NoError(t, err)
	assert.NotEqual(t, "", hash.Hex())
	assert.Equal(t, [][]cache.Key{{cache.KeyBalance, cache.KeyStatus}}, f.invalidator.snapshot())
}

func TestDeposit_RejectsNonPositive(t *testing.T) {
	f := newFixture(t)

	for _, amount := range []*big.Int{nil, big.NewInt(0), big.NewInt(-1)} {
		_, err := f.seq.Deposit(context.Background(), amount)
		require.Error(t, err)
		assert.Equal(t, KindValidation, KindOf(err))
	}
	assert.Zero(t, f.chain.depositCalls)
}

func TestWithdraw_PrecheckDeposits(t *testing.T) {
	f := newFixture(t)
	f.chain.deposits = mustWei("1000000000000000000")

	_, err := f.seq.Withdraw(context.Background(), mustWei("1000000000000000001"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Zero(t, f.chain.withdrawCalls)

	_, err = f.seq.Withdraw(context.Background(), mustWei("1000000000000000000"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.chain.withdrawCalls)
}

func TestWithdraw_RejectedHasNoInvalidation(t *testing.T) {
	f := newFixture(t)
	f.chain.stopAt = chain.PhaseWallet

	_, err := f.seq.Withdraw(context.Background(), big.NewInt(1))
	assert.Equal(t, KindUserRejected, KindOf(err))
	assert.Empty(t, f.invalidator.snapshot())
}

func TestBalance_ThroughCache(t *testing.T) {
	store := cache.New()
	f := newFixture(t, WithCache(store))
	RegisterFetchers(store, f.chain, f.hub)

	balance, err := f.seq.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10000000000000000000", balance.String())

	f.chain.mu.Lock()
	f.chain.deposits = big.NewInt(5)
	f.chain.mu.Unlock()

	balance, err = f.seq.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10000000000000000000", balance.String(), "served from cache")

	_, err = f.seq.Deposit(context.Background(), big.NewInt(1))
	require.NoError(t, err)

	balance, err = f.seq.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "5", balance.String(), "deposit invalidated the cached balance")
}

func TestAccountStatus(t *testing.T) {
	f := newFixture(t)
	pending := *runningSession("sess-2", "0x2")
	pending.State = models.StatePending
	pending.SSH = nil
	f.hub.sessions = []models.RentalSession{*runningSession("sess-1", "0x1"), pending}

	status, err := NewDirectQueries(f.chain, f.hub).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testAccount.Hex(), status.Address)
	assert.Equal(t, 1, status.Pending)
	assert.Equal(t, 1, status.Running)
}

func TestAvailableNodes_Filter(t *testing.T) {
	f := newFixture(t)
	f.hub.nodes = []models.GPUNode{
		{ID: "a", GPUModel: "RTX 4090", VRAM: 24, GPUCount: 1, Available: true, PricePerSecond: models.WeiFromInt64(1000)},
		{ID: "b", GPUModel: "A100", VRAM: 80, GPUCount: 4, Available: true, PricePerSecond: models.WeiFromInt64(5000)},
		{ID: "c", GPUModel: "A100", VRAM: 80, GPUCount: 1, Available: false, PricePerSecond: models.WeiFromInt64(2000)},
	}

	nodes, err := f.seq.AvailableNodes(context.Background(), models.NodeFilter{GPUModel: "A100"})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "b", nodes[0].ID)
}

func TestSession_Lookup(t *testing.T) {
	f := newFixture(t)
	f.hub.sessions = []models.RentalSession{*runningSession("sess-9", "0xabc")}

	session, err := f.seq.Session(context.Background(), "sess-9")
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, session.State)

	_, err = f.seq.Session(context.Background(), "missing")
	assert.ErrorIs(t, err, hub.ErrSessionNotFound)

	f.hub.authed = false
	_, err = f.seq.Session(context.Background(), "sess-9")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

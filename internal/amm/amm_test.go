package amm

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/ksred/klear-markets/internal/database/txn"
	"github.com/ksred/klear-markets/internal/events"
	"github.com/ksred/klear-markets/internal/ledger"
	"github.com/ksred/klear-markets/internal/position"
	"github.com/ksred/klear-markets/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(
		&Pool{}, &Trade{}, &position.Position{}, &ledger.Balance{},
		&events.EventRecord{}, &txn.IdempotencyRecord{},
	))
	return db
}

type serviceHarness struct {
	db       *gorm.DB
	service  *Service
	clock    *ledger.ManualClock
	recorder *events.Recorder
}

func newServiceHarness(t *testing.T) *serviceHarness {
	t.Helper()
	db := openTestDB(t)
	ctx := context.Background()
	balances := ledger.NewDatabase(db)
	_, err := balances.Deposit(ctx, testAuthority, 1_000_000_000)
	require.NoError(t, err)
	for _, trader := range []types.Address{"alice", "bob"} {
		_, err := balances.Deposit(ctx, trader, 10_000_000)
		require.NoError(t, err)
	}

	clock := ledger.NewManualClock(testStart)
	recorder := events.NewRecorder()
	policy := DefaultPolicy()
	policy.Resolvers = []types.Address{testResolver}
	return &serviceHarness{
		db:       db,
		service:  NewService(db, clock, policy, recorder),
		clock:    clock,
		recorder: recorder,
	}
}

func (h *serviceHarness) balance(t *testing.T, addr types.Address) uint64 {
	t.Helper()
	b, err := ledger.NewDatabase(h.db).GetBalance(context.Background(), addr)
	require.NoError(t, err)
	return b.Amount
}

func createRequest() CreatePoolRequest {
	return CreatePoolRequest{
		Question:         "Will BTC close above 100k?",
		ResolutionTime:   testStart + 3_600,
		InitialLiquidity: 1_000_000,
	}
}

func TestService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)

	pool, err := h.service.CreatePool(ctx, testAuthority, createRequest(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, uint16(30), pool.FeeBps, "default fee applies")

	again, err := h.service.CreatePool(ctx, testAuthority, createRequest(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, pool.PoolID, again.PoolID)
	assert.Equal(t, uint64(1_000_000), h.balance(t, pool.Vault()), "a repeated key funds the pool once")

	bought, err := h.service.Buy(ctx, pool.PoolID, "alice", types.OutcomeYes, 400_000, 0)
	require.NoError(t, err)
	_, err = h.service.Buy(ctx, pool.PoolID, "bob", types.OutcomeNo, 300_000, 0)
	require.NoError(t, err)
	sold, err := h.service.Sell(ctx, pool.PoolID, "alice", types.OutcomeYes, bought.TokensReceived/2, 0)
	require.NoError(t, err)

	trades, err := h.service.GetPoolTrades(ctx, pool.PoolID)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, TradeSideSell, trades[2].Side)
	assert.Equal(t, sold.ValueReceived, trades[2].Value)

	h.clock.Advance(3_600)
	_, err = h.service.Resolve(ctx, pool.PoolID, testResolver, types.OutcomeYes)
	require.NoError(t, err)

	pos, err := h.service.GetPosition(ctx, pool.PoolID, "alice")
	require.NoError(t, err)
	winnings := pos.YesTokens
	aliceBefore := h.balance(t, "alice")

	claim, err := h.service.Claim(ctx, pool.PoolID, "alice")
	require.NoError(t, err)
	assert.Equal(t, winnings, claim.Amount)
	assert.Equal(t, aliceBefore+winnings, h.balance(t, "alice"))

	_, err = h.service.Claim(ctx, pool.PoolID, "alice")
	assert.ErrorIs(t, err, types.ErrNoWinnings)

	report, err := h.service.Reconcile(ctx, pool.PoolID)
	require.NoError(t, err)
	assert.True(t, report.Balanced, "drift %s", report.Drift)

	stored, err := events.NewOutbox(h.db).GetByEntity(ctx, pool.PoolID)
	require.NoError(t, err)
	names := make([]string, 0, len(stored))
	for _, r := range stored {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{
		events.NamePoolCreated, events.NameOutcomeBought, events.NameOutcomeBought,
		events.NameOutcomeSold, events.NamePoolResolved, events.NameWinningsClaimed,
	}, names)
	assert.Len(t, h.recorder.Events(), len(names))
}

func TestService_RejectedTradeRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)
	pool, err := h.service.CreatePool(ctx, testAuthority, createRequest(), "")
	require.NoError(t, err)

	_, err = h.service.Buy(ctx, pool.PoolID, "alice", types.OutcomeYes, 100_000, 1_000_000)
	assert.ErrorIs(t, err, types.ErrSlippageExceeded)

	_, err = h.service.Buy(ctx, pool.PoolID, "carol", types.OutcomeYes, 100_000, 0)
	assert.ErrorIs(t, err, types.ErrInsufficientBalance)

	stored, err := h.service.GetPool(ctx, pool.PoolID)
	require.NoError(t, err)
	assert.Equal(t, pool.YesReserve, stored.YesReserve)
	assert.Equal(t, pool.NoReserve, stored.NoReserve)
	assert.Equal(t, uint64(10_000_000), h.balance(t, "alice"))

	trades, err := h.service.GetPoolTrades(ctx, pool.PoolID)
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Len(t, h.recorder.Named(events.NameOutcomeBought), 0)

	positions, err := h.service.GetUserPositions(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestService_NotFound(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)

	_, err := h.service.GetPool(ctx, "POOL_missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = h.service.Buy(ctx, "POOL_missing", "alice", types.OutcomeYes, 10, 0)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestService_ConcurrentBuysSerialize(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)
	pool, err := h.service.CreatePool(ctx, testAuthority, createRequest(), "")
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		buyer := types.Address("alice")
		outcome := types.OutcomeYes
		if i%2 == 1 {
			buyer, outcome = "bob", types.OutcomeNo
		}
		g.Go(func() error {
			_, err := h.service.Buy(ctx, pool.PoolID, buyer, outcome, 10_000, 0)
			return err
		})
	}
	require.NoError(t, g.Wait())

	stored, err := h.service.GetPool(ctx, pool.PoolID)
	require.NoError(t, err)
	assert.Equal(t, pool.YesReserve+pool.NoReserve+200_000, stored.YesReserve+stored.NoReserve)

	report, err := h.service.Reconcile(ctx, pool.PoolID)
	require.NoError(t, err)
	assert.True(t, report.Balanced)

	trades, err := h.service.GetPoolTrades(ctx, pool.PoolID)
	require.NoError(t, err)
	assert.Len(t, trades, 20)
}

func TestService_UpdateStatusAndListing(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)
	pool, err := h.service.CreatePool(ctx, testAuthority, createRequest(), "")
	require.NoError(t, err)

	_, err = h.service.UpdateStatus(ctx, pool.PoolID, "alice", PoolStatusClosed)
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	closed, err := h.service.UpdateStatus(ctx, pool.PoolID, testAuthority, PoolStatusClosed)
	require.NoError(t, err)
	assert.Equal(t, PoolStatusClosed, closed.Status)

	active, err := h.service.ListPools(ctx, PoolStatusActive)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := h.service.ListPools(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].YesPrice.Add(all[0].NoPrice).Equal(dec(1)))
}

package duel

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ksred/klear-markets/internal/database/txn"
	"github.com/ksred/klear-markets/internal/events"
	"github.com/ksred/klear-markets/internal/ledger"
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
	require.NoError(t, db.AutoMigrate(&Duel{}, &ledger.Balance{}, &events.EventRecord{}, &txn.IdempotencyRecord{}))
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
	balances := ledger.NewDatabase(db)
	for _, player := range []types.Address{"alice", "bob", "carol"} {
		_, err := balances.Deposit(context.Background(), player, 1_000)
		require.NoError(t, err)
	}

	clock := ledger.NewManualClock(testStart)
	recorder := events.NewRecorder()
	policy := DefaultPolicy()
	policy.FeeCollector = testCollector
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

func TestService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)

	duel, err := h.service.CreateDuel(ctx, "alice", 100, types.PredictionUp, "key-1")
	require.NoError(t, err)
	again, err := h.service.CreateDuel(ctx, "alice", 100, types.PredictionUp, "key-1")
	require.NoError(t, err)
	assert.Equal(t, duel.DuelID, again.DuelID)
	assert.Equal(t, uint64(900), h.balance(t, "alice"), "a repeated key stakes once")

	_, err = h.service.JoinDuel(ctx, duel.DuelID, "bob", types.PredictionDown)
	require.NoError(t, err)
	_, err = h.service.StartDuel(ctx, duel.DuelID, testResolver, 50_000)
	require.NoError(t, err)

	resolved, err := h.service.ResolveDuel(ctx, duel.DuelID, testResolver, 51_000)
	require.NoError(t, err)
	assert.Equal(t, types.Address("alice"), resolved.Winner)
	assert.Equal(t, uint64(195), resolved.Payout)
	assert.Equal(t, uint64(1_095), h.balance(t, "alice"))
	assert.Equal(t, uint64(5), h.balance(t, testCollector))

	stored, err := h.service.GetDuel(ctx, duel.DuelID)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, stored.Status)
	require.NotNil(t, stored.Prediction2)
	assert.Equal(t, types.PredictionDown, *stored.Prediction2)

	records, err := events.NewOutbox(h.db).GetByEntity(ctx, duel.DuelID)
	require.NoError(t, err)
	names := make([]string, 0, len(records))
	for _, r := range records {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{
		events.NameDuelCreated, events.NameDuelJoined, events.NameDuelStarted, events.NameDuelResolved,
	}, names)
	assert.Len(t, h.recorder.Events(), 4)
}

func TestService_CancelAfterCooldown(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)
	duel, err := h.service.CreateDuel(ctx, "alice", 100, types.PredictionUp, "")
	require.NoError(t, err)

	_, err = h.service.CancelDuel(ctx, duel.DuelID, "alice")
	assert.ErrorIs(t, err, types.ErrCancelTooEarly)
	assert.Equal(t, uint64(900), h.balance(t, "alice"))

	h.clock.Advance(300)
	cancelled, err := h.service.CancelDuel(ctx, duel.DuelID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, uint64(1_000), h.balance(t, "alice"))
	assert.Len(t, h.recorder.Named(events.NameDuelCancelled), 1)
}

func TestService_ConcurrentJoinsAdmitOne(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)
	duel, err := h.service.CreateDuel(ctx, "alice", 100, types.PredictionUp, "")
	require.NoError(t, err)

	var joined atomic.Int32
	var g errgroup.Group
	for _, player := range []types.Address{"bob", "carol"} {
		g.Go(func() error {
			if _, err := h.service.JoinDuel(ctx, duel.DuelID, player, types.PredictionDown); err == nil {
				joined.Add(1)
			} else if !assert.ErrorIs(t, err, types.ErrInvalidDuelStatus) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), joined.Load())
	assert.Equal(t, uint64(200), h.balance(t, duel.Vault()))
	assert.Equal(t, uint64(1_900), h.balance(t, "bob")+h.balance(t, "carol"))
}

func TestService_ListAndNotFound(t *testing.T) {
	ctx := context.Background()
	h := newServiceHarness(t)
	first, err := h.service.CreateDuel(ctx, "alice", 10, types.PredictionUp, "")
	require.NoError(t, err)
	_, err = h.service.CreateDuel(ctx, "carol", 10, types.PredictionDown, "")
	require.NoError(t, err)
	_, err = h.service.JoinDuel(ctx, first.DuelID, "bob", types.PredictionDown)
	require.NoError(t, err)

	waiting, err := h.service.ListDuels(ctx, ListFilter{Status: StatusWaitingForOpponent})
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, types.Address("carol"), waiting[0].Player1)

	bobs, err := h.service.ListDuels(ctx, ListFilter{Player: "bob"})
	require.NoError(t, err)
	require.Len(t, bobs, 1)
	assert.Equal(t, first.DuelID, bobs[0].DuelID)

	_, err = h.service.GetDuel(ctx, "DUEL_missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = h.service.JoinDuel(ctx, "DUEL_missing", "bob", types.PredictionUp)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

package duel

import (
	"context"
	"testing"

	"github.com/ksred/klear-markets/internal/ledger"
	"github.com/ksred/klear-markets/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testStart     = int64(1_700_000_000)
	testResolver  = types.Address("oracle")
	testCollector = types.Address("collector")
)

type harness struct {
	engine *Engine
	ledger *ledger.Memory
	clock  *ledger.ManualClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l := ledger.NewMemory()
	for _, player := range []types.Address{"alice", "bob", "carol"} {
		l.Deposit(player, 1_000)
	}
	clock := ledger.NewManualClock(testStart)
	policy := DefaultPolicy()
	policy.FeeCollector = testCollector
	policy.Resolvers = []types.Address{testResolver}
	return &harness{engine: NewEngine(l, clock, policy), ledger: l, clock: clock}
}

// activeDuel returns a duel that has been joined and started at entry.
func (h *harness) activeDuel(t *testing.T, stake uint64, p1, p2 types.Prediction, entry uint64) *Duel {
	t.Helper()
	ctx := context.Background()
	duel, _, err := h.engine.Create(ctx, "alice", stake, p1)
	require.NoError(t, err)
	_, err = h.engine.Join(ctx, duel, "bob", p2)
	require.NoError(t, err)
	_, err = h.engine.Start(ctx, duel, testResolver, entry)
	require.NoError(t, err)
	return duel
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	duel, event, err := h.engine.Create(ctx, "alice", 100, types.PredictionUp)
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingForOpponent, duel.Status)
	assert.Equal(t, testStart, duel.OpenedAt)
	assert.Equal(t, uint64(100), h.ledger.Balance(duel.Vault()))
	assert.Equal(t, uint64(900), h.ledger.Balance("alice"))
	assert.Equal(t, duel.DuelID, event.DuelID)
	assert.Equal(t, types.PredictionUp, event.Prediction)

	tests := []struct {
		name       string
		player     types.Address
		stake      uint64
		prediction types.Prediction
		want       error
	}{
		{"zero stake", "alice", 0, types.PredictionUp, types.ErrInvalidAmount},
		{"bad prediction", "alice", 10, types.Prediction(2), types.ErrInvalidPrediction},
		{"missing player", "", 10, types.PredictionUp, types.ErrInvalidAddress},
		{"pot overflows", "alice", 1 << 63, types.PredictionUp, types.ErrMathOverflow},
		{"stake above balance", "alice", 5_000, types.PredictionUp, types.ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.engine.Create(ctx, tt.player, tt.stake, tt.prediction)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, uint64(900), h.ledger.Balance("alice"), "rejected creates move nothing")
}

func TestJoin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	duel, _, err := h.engine.Create(ctx, "alice", 100, types.PredictionUp)
	require.NoError(t, err)

	_, err = h.engine.Join(ctx, duel, "alice", types.PredictionDown)
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	event, err := h.engine.Join(ctx, duel, "bob", types.PredictionDown)
	require.NoError(t, err)
	assert.Equal(t, StatusCountdown, duel.Status)
	assert.Equal(t, types.Address("bob"), duel.Player2)
	require.NotNil(t, duel.Prediction2)
	assert.Equal(t, types.PredictionDown, *duel.Prediction2)
	assert.Equal(t, types.Address("bob"), event.Player2)
	assert.Equal(t, uint64(200), h.ledger.Balance(duel.Vault()))

	_, err = h.engine.Join(ctx, duel, "carol", types.PredictionUp)
	assert.ErrorIs(t, err, types.ErrInvalidDuelStatus)
	assert.Equal(t, uint64(1_000), h.ledger.Balance("carol"))
}

func TestJoin_AlreadyJoined(t *testing.T) {
	h := newHarness(t)
	duel := &Duel{DuelID: "DUEL_x", Player1: "alice", Player2: "bob", StakeAmount: 10, Status: StatusWaitingForOpponent}
	_, err := h.engine.Join(context.Background(), duel, "carol", types.PredictionUp)
	assert.ErrorIs(t, err, types.ErrDuelAlreadyJoined)
}

func TestStart(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	duel, _, err := h.engine.Create(ctx, "alice", 100, types.PredictionUp)
	require.NoError(t, err)

	_, err = h.engine.Start(ctx, duel, testResolver, 50_000)
	assert.ErrorIs(t, err, types.ErrInvalidDuelStatus, "cannot start before join")

	_, err = h.engine.Join(ctx, duel, "bob", types.PredictionDown)
	require.NoError(t, err)

	_, err = h.engine.Start(ctx, duel, testResolver, 0)
	assert.ErrorIs(t, err, types.ErrInvalidPrice)
	_, err = h.engine.Start(ctx, duel, "bob", 50_000)
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	h.clock.Advance(10)
	event, err := h.engine.Start(ctx, duel, testResolver, 50_000)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, duel.Status)
	assert.Equal(t, uint64(50_000), duel.EntryPrice)
	assert.Equal(t, testStart+10, event.StartedAt)
}

func TestResolve_PaysWinnerLessFee(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	duel := h.activeDuel(t, 100, types.PredictionUp, types.PredictionDown, 50_000)

	event, err := h.engine.Resolve(ctx, duel, testResolver, 51_000)
	require.NoError(t, err)
	assert.Equal(t, types.Address("alice"), event.Winner)
	assert.Equal(t, uint64(5), event.Fee)
	assert.Equal(t, uint64(195), event.Payout)
	assert.Equal(t, uint64(1_095), h.ledger.Balance("alice"))
	assert.Equal(t, uint64(900), h.ledger.Balance("bob"))
	assert.Equal(t, uint64(5), h.ledger.Balance(testCollector))
	assert.Zero(t, h.ledger.Balance(duel.Vault()))
	assert.Equal(t, StatusResolved, duel.Status)

	_, err = h.engine.Resolve(ctx, duel, testResolver, 51_000)
	assert.ErrorIs(t, err, types.ErrInvalidDuelStatus)
	_, err = h.engine.Cancel(ctx, duel, "alice")
	assert.ErrorIs(t, err, types.ErrInvalidDuelStatus)
}

func TestResolve_AfterCancelIsStateError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	duel, _, err := h.engine.Create(ctx, "alice", 100, types.PredictionUp)
	require.NoError(t, err)

	h.clock.Advance(300)
	_, err = h.engine.Cancel(ctx, duel, "alice")
	require.NoError(t, err)

	_, err = h.engine.Start(ctx, duel, testResolver, 50_000)
	assert.ErrorIs(t, err, types.ErrInvalidDuelStatus)
	_, err = h.engine.Resolve(ctx, duel, testResolver, 51_000)
	assert.ErrorIs(t, err, types.ErrInvalidDuelStatus)

	// A cancelled row forced back to ACTIVE still has no second stake.
	duel.Status = StatusActive
	_, err = h.engine.Resolve(ctx, duel, testResolver, 51_000)
	assert.ErrorIs(t, err, types.ErrInvalidDuelStatus)

	assert.Equal(t, uint64(1_000), h.ledger.Balance("alice"))
	assert.Zero(t, h.ledger.Balance(testCollector))
	assert.Zero(t, h.ledger.Balance(duel.Vault()))
}

func TestResolve_PlayerTwoWins(t *testing.T) {
	h := newHarness(t)
	duel := h.activeDuel(t, 100, types.PredictionUp, types.PredictionDown, 50_000)

	event, err := h.engine.Resolve(context.Background(), duel, testResolver, 49_000)
	require.NoError(t, err)
	assert.Equal(t, types.Address("bob"), event.Winner)
	assert.Equal(t, uint64(1_095), h.ledger.Balance("bob"))
}

func TestResolve_Rejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	duel := h.activeDuel(t, 100, types.PredictionUp, types.PredictionDown, 50_000)

	_, err := h.engine.Resolve(ctx, duel, testResolver, 0)
	assert.ErrorIs(t, err, types.ErrInvalidPrice)
	_, err = h.engine.Resolve(ctx, duel, "alice", 51_000)
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	assert.Equal(t, StatusActive, duel.Status)
	assert.Equal(t, uint64(200), h.ledger.Balance(duel.Vault()))
}

func TestDecideWinner(t *testing.T) {
	up, down := types.PredictionUp, types.PredictionDown
	tests := []struct {
		name        string
		p1, p2      types.Prediction
		entry, exit uint64
		want        Seat
	}{
		{"player one called up", up, down, 100, 101, PlayerOne},
		{"player two called down", up, down, 100, 99, PlayerTwo},
		{"player two called up", down, up, 100, 101, PlayerTwo},
		{"unchanged price", down, up, 100, 100, TieWinner},
		{"both right", up, up, 100, 101, TieWinner},
		{"both wrong", down, down, 100, 101, TieWinner},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecideWinner(tt.p1, tt.p2, tt.entry, tt.exit))
		})
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	duel, _, err := h.engine.Create(ctx, "alice", 100, types.PredictionUp)
	require.NoError(t, err)

	_, err = h.engine.Cancel(ctx, duel, "bob")
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	h.clock.Advance(299)
	_, err = h.engine.Cancel(ctx, duel, "alice")
	assert.ErrorIs(t, err, types.ErrCancelTooEarly)
	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, types.KindTiming, typed.Kind)

	h.clock.Advance(1)
	event, err := h.engine.Cancel(ctx, duel, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), event.RefundAmount)
	assert.Equal(t, StatusCancelled, duel.Status)
	assert.Equal(t, uint64(1_000), h.ledger.Balance("alice"))

	_, err = h.engine.Join(ctx, duel, "bob", types.PredictionDown)
	assert.ErrorIs(t, err, types.ErrInvalidDuelStatus)
}

func TestCancel_AfterJoinIsStateError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	duel, _, err := h.engine.Create(ctx, "alice", 100, types.PredictionUp)
	require.NoError(t, err)
	_, err = h.engine.Join(ctx, duel, "bob", types.PredictionDown)
	require.NoError(t, err)

	h.clock.Advance(1_000)
	_, err = h.engine.Cancel(ctx, duel, "alice")
	assert.ErrorIs(t, err, types.ErrInvalidDuelStatus)
	var typed *types.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, types.KindState, typed.Kind)
}

func TestVaultOutflowNeverExceedsPot(t *testing.T) {
	ctx := context.Background()
	for _, stake := range []uint64{1, 2, 39, 40, 41, 100, 999} {
		h := newHarness(t)
		duel := h.activeDuel(t, stake, types.PredictionDown, types.PredictionUp, 10)
		before := h.ledger.Total()

		event, err := h.engine.Resolve(ctx, duel, testResolver, 11)
		require.NoError(t, err)
		assert.Equal(t, 2*stake, event.Payout+event.Fee, "stake %d", stake)
		assert.Zero(t, h.ledger.Balance(duel.Vault()), "stake %d", stake)
		assert.Equal(t, before, h.ledger.Total(), "value is conserved")
	}
}

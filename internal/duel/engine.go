package duel

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/ksred/klear-markets/internal/events"
	"github.com/ksred/klear-markets/internal/ledger"
	"github.com/ksred/klear-markets/internal/mathutil"
	"github.com/ksred/klear-markets/internal/types"
)

// Seat identifies one side of a duel.
type Seat int

const (
	PlayerOne Seat = iota + 1
	PlayerTwo
)

// TieWinner takes the pot whenever the price move does not single out one
// player: an unchanged price, or both or neither prediction matching.
const TieWinner = PlayerOne

// Policy holds the duel constants.
type Policy struct {
	FeeBps uint16
	// CancelCooldown is the minimum age in seconds before an unjoined duel
	// may be cancelled.
	CancelCooldown int64
	FeeCollector   types.Address
	Resolvers      []types.Address
}

func DefaultPolicy() Policy {
	return Policy{
		FeeBps:         250,
		CancelCooldown: 300,
		FeeCollector:   "fee-collector",
	}
}

// Engine drives duel state transitions. Like the pool engine it computes
// every amount up front, moves value, and only then mutates the duel.
type Engine struct {
	ledger ledger.Ledger
	clock  ledger.Clock
	policy Policy
}

func NewEngine(l ledger.Ledger, clock ledger.Clock, policy Policy) *Engine {
	return &Engine{ledger: l, clock: clock, policy: policy}
}

// Create locks player1's stake in a new duel.
func (e *Engine) Create(ctx context.Context, player1 types.Address, stake uint64, prediction types.Prediction) (*Duel, events.DuelCreated, error) {
	if player1 == "" {
		return nil, events.DuelCreated{}, types.ErrInvalidAddress
	}
	if stake == 0 {
		return nil, events.DuelCreated{}, types.ErrInvalidAmount
	}
	if !prediction.Valid() {
		return nil, events.DuelCreated{}, types.ErrInvalidPrediction
	}
	// Both stakes must fit the vault and the pot arithmetic.
	if _, err := mathutil.Mul(stake, 2); err != nil {
		return nil, events.DuelCreated{}, err
	}

	duel := &Duel{
		DuelID:      "DUEL_" + uuid.New().String(),
		Player1:     player1,
		StakeAmount: stake,
		Prediction1: prediction,
		Status:      StatusWaitingForOpponent,
		OpenedAt:    e.clock.Now(),
	}

	if err := e.ledger.Transfer(ctx, player1, duel.Vault(), player1, stake); err != nil {
		return nil, events.DuelCreated{}, fmt.Errorf("failed to lock stake: %w", err)
	}

	return duel, events.DuelCreated{
		DuelID:     duel.DuelID,
		Player1:    player1,
		Amount:     stake,
		Prediction: prediction,
	}, nil
}

// Join locks a matching stake from player2 and starts the countdown.
func (e *Engine) Join(ctx context.Context, duel *Duel, player2 types.Address, prediction types.Prediction) (events.DuelJoined, error) {
	if player2 == "" {
		return events.DuelJoined{}, types.ErrInvalidAddress
	}
	if !prediction.Valid() {
		return events.DuelJoined{}, types.ErrInvalidPrediction
	}
	if duel.Status != StatusWaitingForOpponent {
		return events.DuelJoined{}, types.ErrInvalidDuelStatus
	}
	if duel.Joined() {
		return events.DuelJoined{}, types.ErrDuelAlreadyJoined
	}
	if player2 == duel.Player1 {
		return events.DuelJoined{}, fmt.Errorf("%w: cannot join own duel", types.ErrUnauthorized)
	}

	if err := e.ledger.Transfer(ctx, player2, duel.Vault(), player2, duel.StakeAmount); err != nil {
		return events.DuelJoined{}, fmt.Errorf("failed to lock stake: %w", err)
	}

	p := prediction
	duel.Player2 = player2
	duel.Prediction2 = &p
	duel.JoinedAt = e.clock.Now()
	duel.Status = StatusCountdown

	return events.DuelJoined{DuelID: duel.DuelID, Player2: player2, Prediction: prediction}, nil
}

// Start records the entry price once the countdown ends.
func (e *Engine) Start(_ context.Context, duel *Duel, caller types.Address, entryPrice uint64) (events.DuelStarted, error) {
	if entryPrice == 0 {
		return events.DuelStarted{}, types.ErrInvalidPrice
	}
	if !e.isResolver(caller) {
		return events.DuelStarted{}, types.ErrUnauthorized
	}
	if duel.Status != StatusCountdown {
		return events.DuelStarted{}, types.ErrInvalidDuelStatus
	}

	duel.EntryPrice = entryPrice
	duel.StartedAt = e.clock.Now()
	duel.Status = StatusActive

	return events.DuelStarted{DuelID: duel.DuelID, EntryPrice: entryPrice, StartedAt: duel.StartedAt}, nil
}

// Resolve settles the duel at exitPrice: the fee goes to the collector,
// then the rest of the pot to the winner.
func (e *Engine) Resolve(ctx context.Context, duel *Duel, caller types.Address, exitPrice uint64) (events.DuelResolved, error) {
	if exitPrice == 0 {
		return events.DuelResolved{}, types.ErrInvalidPrice
	}
	if !e.isResolver(caller) {
		return events.DuelResolved{}, types.ErrUnauthorized
	}
	if duel.Status != StatusActive || !duel.Joined() || duel.Prediction2 == nil {
		return events.DuelResolved{}, types.ErrInvalidDuelStatus
	}

	winner := duel.Player1
	if DecideWinner(duel.Prediction1, *duel.Prediction2, duel.EntryPrice, exitPrice) == PlayerTwo {
		winner = duel.Player2
	}

	total, err := mathutil.Mul(duel.StakeAmount, 2)
	if err != nil {
		return events.DuelResolved{}, err
	}
	payout, fee, err := mathutil.ApplyFee(total, e.policy.FeeBps)
	if err != nil {
		return events.DuelResolved{}, err
	}

	vault := duel.Vault()
	if err := e.ledger.Transfer(ctx, vault, e.policy.FeeCollector, vault, fee); err != nil {
		return events.DuelResolved{}, fmt.Errorf("failed to collect fee: %w", err)
	}
	if err := e.ledger.Transfer(ctx, vault, winner, vault, payout); err != nil {
		return events.DuelResolved{}, fmt.Errorf("failed to pay winner: %w", err)
	}

	duel.ExitPrice = exitPrice
	duel.Winner = winner
	duel.Payout = payout
	duel.Fee = fee
	duel.ResolvedAt = e.clock.Now()
	duel.Status = StatusResolved

	return events.DuelResolved{
		DuelID:    duel.DuelID,
		Winner:    winner,
		ExitPrice: exitPrice,
		Payout:    payout,
		Fee:       fee,
	}, nil
}

// Cancel refunds player1 on an unjoined duel once the cooldown has passed.
func (e *Engine) Cancel(ctx context.Context, duel *Duel, caller types.Address) (events.DuelCancelled, error) {
	if caller != duel.Player1 {
		return events.DuelCancelled{}, types.ErrUnauthorized
	}
	if duel.Status != StatusWaitingForOpponent || duel.Joined() {
		return events.DuelCancelled{}, types.ErrInvalidDuelStatus
	}
	if e.clock.Now()-duel.OpenedAt < e.policy.CancelCooldown {
		return events.DuelCancelled{}, types.ErrCancelTooEarly
	}

	vault := duel.Vault()
	if err := e.ledger.Transfer(ctx, vault, duel.Player1, vault, duel.StakeAmount); err != nil {
		return events.DuelCancelled{}, fmt.Errorf("failed to refund stake: %w", err)
	}

	duel.CancelledAt = e.clock.Now()
	duel.Status = StatusCancelled

	return events.DuelCancelled{DuelID: duel.DuelID, RefundAmount: duel.StakeAmount}, nil
}

func (e *Engine) isResolver(addr types.Address) bool {
	return addr != "" && slices.Contains(e.policy.Resolvers, addr)
}

// DecideWinner returns the seat whose prediction alone matches the move
// from entry to exit. Every other case goes to TieWinner.
func DecideWinner(p1, p2 types.Prediction, entry, exit uint64) Seat {
	if exit == entry {
		return TieWinner
	}
	move := types.PredictionDown
	if exit > entry {
		move = types.PredictionUp
	}

	p1Right, p2Right := p1 == move, p2 == move
	switch {
	case p1Right && !p2Right:
		return PlayerOne
	case p2Right && !p1Right:
		return PlayerTwo
	default:
		return TieWinner
	}
}

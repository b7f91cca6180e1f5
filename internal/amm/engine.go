package amm

import (
	"context"
	"fmt"
	"slices"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/ksred/klear-markets/internal/events"
	"github.com/ksred/klear-markets/internal/ledger"
	"github.com/ksred/klear-markets/internal/mathutil"
	"github.com/ksred/klear-markets/internal/position"
	"github.com/ksred/klear-markets/internal/types"
)

// Policy holds the pool constants the engine enforces.
type Policy struct {
	// BaseLiquidity is the virtual liquidity placed on each side of every
	// new pool, independent of its initial deposit.
	BaseLiquidity  uint64
	DefaultFeeBps  uint16
	MaxFeeBps      uint16
	MaxQuestionLen int
	// Resolvers may resolve any pool in addition to its authority.
	Resolvers []types.Address
}

func DefaultPolicy() Policy {
	return Policy{
		BaseLiquidity:  5_000_000_000,
		DefaultFeeBps:  30,
		MaxFeeBps:      1_000,
		MaxQuestionLen: 200,
	}
}

// Engine applies pool operations to in-memory entities. Every operation
// validates first, then computes every amount, then moves value through
// the ledger, and mutates the pool and position only once all transfers
// succeeded. A failed call leaves its arguments untouched.
type Engine struct {
	ledger ledger.Ledger
	clock  ledger.Clock
	policy Policy
}

func NewEngine(l ledger.Ledger, clock ledger.Clock, policy Policy) *Engine {
	return &Engine{ledger: l, clock: clock, policy: policy}
}

type CreateParams struct {
	Question         string
	ResolutionTime   types.Timestamp
	InitialLiquidity uint64
	FeeBps           uint16
}

// Create opens a pool funded by authority. The deposit is split evenly
// across the two reserves, the odd unit going to NO.
func (e *Engine) Create(ctx context.Context, authority types.Address, params CreateParams) (*Pool, events.PoolCreated, error) {
	if authority == "" {
		return nil, events.PoolCreated{}, types.ErrInvalidAddress
	}
	if params.InitialLiquidity == 0 {
		return nil, events.PoolCreated{}, types.ErrInvalidAmount
	}
	if utf8.RuneCountInString(params.Question) > e.policy.MaxQuestionLen {
		return nil, events.PoolCreated{}, types.ErrQuestionTooLong
	}
	if params.ResolutionTime <= e.clock.Now() {
		return nil, events.PoolCreated{}, types.ErrInvalidResolutionTime
	}
	if params.FeeBps > e.policy.MaxFeeBps {
		return nil, events.PoolCreated{}, types.ErrInvalidFee
	}

	pool := &Pool{
		PoolID:           "POOL_" + uuid.New().String(),
		Authority:        authority,
		Question:         params.Question,
		ResolutionTime:   params.ResolutionTime,
		YesReserve:       params.InitialLiquidity / 2,
		NoReserve:        params.InitialLiquidity - params.InitialLiquidity/2,
		BaseYesLiquidity: e.policy.BaseLiquidity,
		BaseNoLiquidity:  e.policy.BaseLiquidity,
		FeeBps:           params.FeeBps,
		Status:           PoolStatusActive,
		InitialLiquidity: params.InitialLiquidity,
	}

	if err := e.ledger.Transfer(ctx, authority, pool.Vault(), authority, params.InitialLiquidity); err != nil {
		return nil, events.PoolCreated{}, fmt.Errorf("failed to fund pool: %w", err)
	}

	return pool, events.PoolCreated{
		PoolID:           pool.PoolID,
		Authority:        authority,
		Question:         pool.Question,
		ResolutionTime:   pool.ResolutionTime,
		InitialLiquidity: params.InitialLiquidity,
	}, nil
}

// Buy trades amount of value for shares of outcome. Only the input side's
// real reserve grows; the purchased shares live in the position.
func (e *Engine) Buy(ctx context.Context, pool *Pool, pos *position.Position, user types.Address, outcome types.Outcome, amount, minTokensOut uint64) (events.OutcomeBought, error) {
	if !outcome.Valid() {
		return events.OutcomeBought{}, types.ErrInvalidOutcome
	}
	if amount == 0 {
		return events.OutcomeBought{}, types.ErrInvalidAmount
	}
	if err := checkPosition(pool, pos, user); err != nil {
		return events.OutcomeBought{}, err
	}
	if err := e.checkTradable(pool); err != nil {
		return events.OutcomeBought{}, err
	}

	quote, err := quoteBuy(pool, outcome, amount)
	if err != nil {
		return events.OutcomeBought{}, err
	}
	if quote.Net < minTokensOut {
		return events.OutcomeBought{}, types.ErrSlippageExceeded
	}

	input := outcome.Opposite()
	newReserve, err := mathutil.Add(pool.Reserve(input), amount)
	if err != nil {
		return events.OutcomeBought{}, err
	}
	if _, err := mathutil.Add(pos.Balance(outcome), quote.Net); err != nil {
		return events.OutcomeBought{}, err
	}

	if err := e.ledger.Transfer(ctx, user, pool.Vault(), user, amount); err != nil {
		return events.OutcomeBought{}, fmt.Errorf("failed to collect payment: %w", err)
	}

	pool.setReserve(input, newReserve)
	// Overflow was ruled out above.
	_ = pos.Credit(outcome, quote.Net)

	return events.OutcomeBought{
		PoolID:         pool.PoolID,
		User:           user,
		Outcome:        outcome,
		AmountPaid:     amount,
		TokensReceived: quote.Net,
		Fee:            quote.Fee,
	}, nil
}

// Sell returns tokens shares of outcome for value. The opposite real
// reserve drops by the pre-fee value; the fee stays in the vault.
func (e *Engine) Sell(ctx context.Context, pool *Pool, pos *position.Position, user types.Address, outcome types.Outcome, tokens, minValueOut uint64) (events.OutcomeSold, error) {
	if !outcome.Valid() {
		return events.OutcomeSold{}, types.ErrInvalidOutcome
	}
	if tokens == 0 {
		return events.OutcomeSold{}, types.ErrInvalidAmount
	}
	if err := checkPosition(pool, pos, user); err != nil {
		return events.OutcomeSold{}, err
	}
	if err := e.checkTradable(pool); err != nil {
		return events.OutcomeSold{}, err
	}
	if pos.Balance(outcome) < tokens {
		return events.OutcomeSold{}, types.ErrInsufficientTokens
	}

	quote, err := quoteSell(pool, outcome, tokens)
	if err != nil {
		return events.OutcomeSold{}, err
	}
	if quote.Net < minValueOut {
		return events.OutcomeSold{}, types.ErrSlippageExceeded
	}

	retained, err := mathutil.Add(pool.SellFeesRetained, quote.Fee)
	if err != nil {
		return events.OutcomeSold{}, err
	}
	output := outcome.Opposite()
	newReserve := pool.Reserve(output) - quote.Gross

	if err := e.ledger.Transfer(ctx, pool.Vault(), user, pool.Vault(), quote.Net); err != nil {
		return events.OutcomeSold{}, fmt.Errorf("failed to pay seller: %w", err)
	}

	pool.setReserve(output, newReserve)
	pool.SellFeesRetained = retained
	_ = pos.Debit(outcome, tokens)

	return events.OutcomeSold{
		PoolID:        pool.PoolID,
		User:          user,
		Outcome:       outcome,
		TokensSold:    tokens,
		ValueReceived: quote.Net,
		Fee:           quote.Fee,
	}, nil
}

// Resolve records the winning outcome once the resolution time is reached.
// The pool authority and any configured resolver may resolve.
func (e *Engine) Resolve(_ context.Context, pool *Pool, caller types.Address, outcome types.Outcome) (events.PoolResolved, error) {
	if !outcome.Valid() {
		return events.PoolResolved{}, types.ErrInvalidOutcome
	}
	if caller != pool.Authority && !slices.Contains(e.policy.Resolvers, caller) {
		return events.PoolResolved{}, types.ErrUnauthorized
	}
	if pool.Status != PoolStatusActive {
		return events.PoolResolved{}, types.ErrPoolNotActive
	}
	if e.clock.Now() < pool.ResolutionTime {
		return events.PoolResolved{}, types.ErrPoolNotExpired
	}

	resolved := outcome
	pool.Outcome = &resolved
	pool.Status = PoolStatusResolved

	return events.PoolResolved{PoolID: pool.PoolID, Outcome: outcome}, nil
}

// Claim pays the winning share balance 1:1 and zeroes the position.
func (e *Engine) Claim(ctx context.Context, pool *Pool, pos *position.Position, user types.Address) (events.WinningsClaimed, error) {
	if err := checkPosition(pool, pos, user); err != nil {
		return events.WinningsClaimed{}, err
	}
	if pool.Status != PoolStatusResolved || pool.Outcome == nil {
		return events.WinningsClaimed{}, types.ErrPoolNotResolved
	}

	winnings := pos.Balance(*pool.Outcome)
	if winnings == 0 {
		return events.WinningsClaimed{}, types.ErrNoWinnings
	}
	claimed, err := mathutil.Add(pool.TotalClaimed, winnings)
	if err != nil {
		return events.WinningsClaimed{}, err
	}

	if err := e.ledger.Transfer(ctx, pool.Vault(), user, pool.Vault(), winnings); err != nil {
		return events.WinningsClaimed{}, fmt.Errorf("failed to pay winnings: %w", err)
	}

	pool.TotalClaimed = claimed
	pos.Clear()

	return events.WinningsClaimed{PoolID: pool.PoolID, User: user, Amount: winnings}, nil
}

// UpdateStatus lets the authority close an active pool early or reopen a
// closed one. Resolution only happens through Resolve.
func (e *Engine) UpdateStatus(_ context.Context, pool *Pool, caller types.Address, status PoolStatus) (events.PoolStatusUpdated, error) {
	if caller != pool.Authority {
		return events.PoolStatusUpdated{}, types.ErrUnauthorized
	}

	switch {
	case pool.Status == PoolStatusActive && status == PoolStatusClosed:
	case pool.Status == PoolStatusClosed && status == PoolStatusActive:
	default:
		return events.PoolStatusUpdated{}, fmt.Errorf("%w: %s to %s", types.ErrInvalidStatusTransition, pool.Status, status)
	}

	pool.Status = status
	return events.PoolStatusUpdated{PoolID: pool.PoolID, NewStatus: string(status)}, nil
}

func (e *Engine) checkTradable(pool *Pool) error {
	return checkTradable(pool, e.clock.Now())
}

// checkTradable holds the rules shared by trades and quotes.
func checkTradable(pool *Pool, now types.Timestamp) error {
	if pool.Status != PoolStatusActive {
		return types.ErrPoolNotActive
	}
	if now >= pool.ResolutionTime {
		return types.ErrPoolExpired
	}
	return nil
}

func checkPosition(pool *Pool, pos *position.Position, user types.Address) error {
	if user == "" {
		return types.ErrInvalidAddress
	}
	if pos == nil || pos.User != user || pos.PoolID != pool.PoolID {
		return fmt.Errorf("%w: position does not belong to %s in %s", types.ErrUnauthorized, user, pool.PoolID)
	}
	return nil
}

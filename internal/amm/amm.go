package amm

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-markets/internal/auth"
	"github.com/ksred/klear-markets/internal/database/txn"
	"github.com/ksred/klear-markets/internal/events"
	"github.com/ksred/klear-markets/internal/ledger"
	"github.com/ksred/klear-markets/internal/position"
	"github.com/ksred/klear-markets/internal/types"
	"github.com/ksred/klear-markets/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const resourceTypePool = "pool"

// Service hosts the pool engine. Each operation loads its pool, runs the
// engine against a ledger bound to the same transaction, and commits the
// pool, the position, the trade record and the outbox event together.
type Service struct {
	db      *gorm.DB
	clock   ledger.Clock
	policy  Policy
	locks   *txn.Locks
	emitter events.Emitter
}

func NewService(gormDB *gorm.DB, clock ledger.Clock, policy Policy, emitter events.Emitter) *Service {
	if emitter == nil {
		emitter = events.Discard{}
	}
	return &Service{
		db:      gormDB,
		clock:   clock,
		policy:  policy,
		locks:   txn.NewLocks(),
		emitter: emitter,
	}
}

func (s *Service) Policy() Policy {
	return s.policy
}

// mutate runs fn for one pool under its lock and transaction, then emits
// the event fn produced once the transaction has committed.
func (s *Service) mutate(ctx context.Context, poolID string, fn func(tx *gorm.DB, engine *Engine, pool *Pool) (events.Event, error)) (*Pool, error) {
	var (
		pool  *Pool
		event events.Event
	)
	err := txn.Run(ctx, s.db, s.locks, poolID, func(tx *gorm.DB) error {
		pools := NewDatabase(tx)
		var err error
		pool, err = pools.GetPool(ctx, poolID)
		if err != nil {
			return err
		}

		engine := NewEngine(ledger.NewDatabase(tx), s.clock, s.policy)
		event, err = fn(tx, engine, pool)
		if err != nil {
			return err
		}

		if err := pools.UpdatePool(ctx, pool); err != nil {
			return fmt.Errorf("failed to update pool: %w", err)
		}
		return events.NewOutbox(tx).Emit(ctx, event)
	})
	if err != nil {
		return nil, err
	}

	s.emit(ctx, event)
	return pool, nil
}

func (s *Service) emit(ctx context.Context, event events.Event) {
	if err := s.emitter.Emit(ctx, event); err != nil {
		log.Warn().Err(err).Str("event", event.Name()).Msg("failed to emit event")
	}
}

func (s *Service) logger(poolID string) zerolog.Logger {
	return log.With().Str("pool_id", poolID).Str("service", "amm").Logger()
}

// CreatePool opens a pool funded by authority. A repeated idempotency key
// returns the pool created the first time.
func (s *Service) CreatePool(ctx context.Context, authority types.Address, req CreatePoolRequest, idempotencyKey string) (*Pool, error) {
	logger := log.With().Str("authority", string(authority)).Str("service", "amm").Logger()

	feeBps := s.policy.DefaultFeeBps
	if req.FeeBps != nil {
		feeBps = *req.FeeBps
	}

	scopedKey := ""
	lockKey := "create:" + string(authority)
	if idempotencyKey != "" {
		scopedKey = txn.ScopedKey(string(authority), idempotencyKey)
		lockKey = "create:" + scopedKey
	}

	var (
		pool     *Pool
		event    events.PoolCreated
		replayed bool
	)
	err := txn.Run(ctx, s.db, s.locks, lockKey, func(tx *gorm.DB) error {
		existingID, err := txn.FindResource(ctx, tx, scopedKey, resourceTypePool)
		if err != nil {
			return fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if existingID != "" {
			pool, err = NewDatabase(tx).GetPool(ctx, existingID)
			replayed = true
			return err
		}

		engine := NewEngine(ledger.NewDatabase(tx), s.clock, s.policy)
		pool, event, err = engine.Create(ctx, authority, CreateParams{
			Question:         req.Question,
			ResolutionTime:   req.ResolutionTime,
			InitialLiquidity: req.InitialLiquidity,
			FeeBps:           feeBps,
		})
		if err != nil {
			return err
		}

		if err := NewDatabase(tx).CreatePool(ctx, pool); err != nil {
			return fmt.Errorf("failed to create pool: %w", err)
		}
		if err := txn.RecordResource(tx, scopedKey, resourceTypePool, pool.PoolID); err != nil {
			return fmt.Errorf("failed to record idempotency key: %w", err)
		}
		return events.NewOutbox(tx).Emit(ctx, event)
	})
	if err != nil {
		failure(logger, err).Msg("failed to create pool")
		return nil, err
	}

	if replayed {
		logger.Info().Str("pool_id", pool.PoolID).Msg("returning pool for repeated idempotency key")
		return pool, nil
	}

	s.emit(ctx, event)
	logger.Info().
		Str("pool_id", pool.PoolID).
		Uint64("initial_liquidity", pool.InitialLiquidity).
		Uint16("fee_bps", pool.FeeBps).
		Int64("resolution_time", pool.ResolutionTime).
		Msg("pool created")
	return pool, nil
}

// Buy spends amount on outcome shares.
func (s *Service) Buy(ctx context.Context, poolID string, user types.Address, outcome types.Outcome, amount, minTokensOut uint64) (*events.OutcomeBought, error) {
	logger := s.logger(poolID).With().Str("user", string(user)).Logger()

	var bought events.OutcomeBought
	_, err := s.mutate(ctx, poolID, func(tx *gorm.DB, engine *Engine, pool *Pool) (events.Event, error) {
		positions := position.NewDatabase(tx)
		pos, err := positions.Get(ctx, user, poolID)
		if err != nil {
			return nil, err
		}

		bought, err = engine.Buy(ctx, pool, pos, user, outcome, amount, minTokensOut)
		if err != nil {
			return nil, err
		}

		if err := positions.Save(ctx, pos); err != nil {
			return nil, err
		}
		if err := s.recordTrade(ctx, tx, TradeSideBuy, pool.PoolID, user, outcome, amount, bought.TokensReceived, bought.Fee); err != nil {
			return nil, err
		}
		return bought, nil
	})
	if err != nil {
		failure(logger, err).Uint64("amount", amount).Msg("buy rejected")
		return nil, err
	}

	logger.Info().
		Str("outcome", outcome.String()).
		Uint64("amount_paid", bought.AmountPaid).
		Uint64("tokens_received", bought.TokensReceived).
		Uint64("fee", bought.Fee).
		Msg("outcome bought")
	return &bought, nil
}

// Sell returns outcome shares for value.
func (s *Service) Sell(ctx context.Context, poolID string, user types.Address, outcome types.Outcome, tokens, minValueOut uint64) (*events.OutcomeSold, error) {
	logger := s.logger(poolID).With().Str("user", string(user)).Logger()

	var sold events.OutcomeSold
	_, err := s.mutate(ctx, poolID, func(tx *gorm.DB, engine *Engine, pool *Pool) (events.Event, error) {
		positions := position.NewDatabase(tx)
		pos, err := positions.Get(ctx, user, poolID)
		if err != nil {
			return nil, err
		}

		sold, err = engine.Sell(ctx, pool, pos, user, outcome, tokens, minValueOut)
		if err != nil {
			return nil, err
		}

		if err := positions.Save(ctx, pos); err != nil {
			return nil, err
		}
		if err := s.recordTrade(ctx, tx, TradeSideSell, pool.PoolID, user, outcome, sold.ValueReceived, tokens, sold.Fee); err != nil {
			return nil, err
		}
		return sold, nil
	})
	if err != nil {
		failure(logger, err).Uint64("tokens", tokens).Msg("sell rejected")
		return nil, err
	}

	logger.Info().
		Str("outcome", outcome.String()).
		Uint64("tokens_sold", sold.TokensSold).
		Uint64("value_received", sold.ValueReceived).
		Uint64("fee", sold.Fee).
		Msg("outcome sold")
	return &sold, nil
}

func (s *Service) recordTrade(ctx context.Context, tx *gorm.DB, side TradeSide, poolID string, user types.Address, outcome types.Outcome, value, tokens, fee uint64) error {
	trade := &Trade{
		TradeID:   "TRD_" + uuid.New().String(),
		PoolID:    poolID,
		User:      user,
		Side:      side,
		Outcome:   outcome,
		Value:     value,
		Tokens:    tokens,
		Fee:       fee,
		Timestamp: s.clock.Now(),
	}
	if err := NewDatabase(tx).CreateTrade(ctx, trade); err != nil {
		return fmt.Errorf("failed to record trade: %w", err)
	}
	return nil
}

// Resolve records the winning outcome.
func (s *Service) Resolve(ctx context.Context, poolID string, caller types.Address, outcome types.Outcome) (*Pool, error) {
	logger := s.logger(poolID)

	pool, err := s.mutate(ctx, poolID, func(_ *gorm.DB, engine *Engine, pool *Pool) (events.Event, error) {
		return engine.Resolve(ctx, pool, caller, outcome)
	})
	if err != nil {
		failure(logger, err).Str("caller", string(caller)).Msg("resolve rejected")
		return nil, err
	}

	logger.Info().Str("outcome", outcome.String()).Msg("pool resolved")
	return pool, nil
}

// Claim pays the caller's winning shares.
func (s *Service) Claim(ctx context.Context, poolID string, user types.Address) (*ClaimResponse, error) {
	logger := s.logger(poolID).With().Str("user", string(user)).Logger()

	var claimed events.WinningsClaimed
	_, err := s.mutate(ctx, poolID, func(tx *gorm.DB, engine *Engine, pool *Pool) (events.Event, error) {
		positions := position.NewDatabase(tx)
		pos, err := positions.Get(ctx, user, poolID)
		if err != nil {
			return nil, err
		}

		claimed, err = engine.Claim(ctx, pool, pos, user)
		if err != nil {
			return nil, err
		}
		if err := positions.Save(ctx, pos); err != nil {
			return nil, err
		}
		return claimed, nil
	})
	if err != nil {
		failure(logger, err).Msg("claim rejected")
		return nil, err
	}

	logger.Info().Uint64("amount", claimed.Amount).Msg("winnings claimed")
	return &ClaimResponse{PoolID: poolID, User: user, Amount: claimed.Amount}, nil
}

// UpdateStatus closes or reopens a pool.
func (s *Service) UpdateStatus(ctx context.Context, poolID string, caller types.Address, status PoolStatus) (*Pool, error) {
	logger := s.logger(poolID)

	pool, err := s.mutate(ctx, poolID, func(_ *gorm.DB, engine *Engine, pool *Pool) (events.Event, error) {
		return engine.UpdateStatus(ctx, pool, caller, status)
	})
	if err != nil {
		failure(logger, err).Str("status", string(status)).Msg("status update rejected")
		return nil, err
	}

	logger.Info().Str("status", string(status)).Msg("pool status updated")
	return pool, nil
}

func (s *Service) GetPool(ctx context.Context, poolID string) (*PoolResponse, error) {
	pool, err := NewDatabase(s.db).GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	return toPoolResponse(pool), nil
}

func (s *Service) ListPools(ctx context.Context, status PoolStatus) ([]PoolResponse, error) {
	pools, err := NewDatabase(s.db).ListPools(ctx, status)
	if err != nil {
		return nil, err
	}
	out := make([]PoolResponse, 0, len(pools))
	for i := range pools {
		out = append(out, *toPoolResponse(&pools[i]))
	}
	return out, nil
}

func toPoolResponse(pool *Pool) *PoolResponse {
	return &PoolResponse{
		Pool:           pool,
		YesPrice:       pool.ImpliedPrice(types.OutcomeYes),
		NoPrice:        pool.ImpliedPrice(types.OutcomeNo),
		LiquidityDepth: LiquidityDepth(pool),
	}
}

// Quote previews a trade against the pool's current state.
func (s *Service) Quote(ctx context.Context, poolID string, side TradeSide, outcome types.Outcome, amount uint64) (*Quote, error) {
	pool, err := NewDatabase(s.db).GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	switch side {
	case TradeSideBuy:
		return QuoteBuy(pool, s.clock.Now(), outcome, amount)
	case TradeSideSell:
		return QuoteSell(pool, s.clock.Now(), outcome, amount)
	default:
		return nil, fmt.Errorf("%w: unknown side %q", types.ErrInvalidAmount, side)
	}
}

func (s *Service) GetPosition(ctx context.Context, poolID string, user types.Address) (*position.Position, error) {
	if _, err := NewDatabase(s.db).GetPool(ctx, poolID); err != nil {
		return nil, err
	}
	return position.NewDatabase(s.db).Get(ctx, user, poolID)
}

func (s *Service) GetUserPositions(ctx context.Context, user types.Address) ([]position.Position, error) {
	return position.NewDatabase(s.db).GetUserPositions(ctx, user)
}

func (s *Service) GetPoolTrades(ctx context.Context, poolID string) ([]Trade, error) {
	return NewDatabase(s.db).GetPoolTrades(ctx, poolID)
}

func (s *Service) GetUserTrades(ctx context.Context, user types.Address) ([]Trade, error) {
	return NewDatabase(s.db).GetUserTrades(ctx, user)
}

// Reconcile checks the pool's vault against its reserves.
func (s *Service) Reconcile(ctx context.Context, poolID string) (*Reconciliation, error) {
	pool, err := NewDatabase(s.db).GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	vault, err := ledger.NewDatabase(s.db).GetBalance(ctx, pool.Vault())
	if err != nil {
		return nil, err
	}
	report := Reconcile(pool, vault.Amount)
	if !report.Balanced {
		logger := s.logger(poolID)
		logger.Error().Str("drift", report.Drift.String()).Msg("pool vault out of balance")
	}
	return &report, nil
}

// GinHandlers contains HTTP handlers for pool endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func caller(c *gin.Context) (types.Address, bool) {
	addr, ok := auth.Caller(c)
	if !ok {
		response.Unauthorized(c, "Missing authenticated address")
	}
	return addr, ok
}

// CreatePoolHandler handles POST /pools. Idempotency-Key is optional.
func (h *GinHandlers) CreatePoolHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		authority, ok := caller(c)
		if !ok {
			return
		}

		var req CreatePoolRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		pool, err := h.service.CreatePool(c.Request.Context(), authority, req, c.GetHeader("Idempotency-Key"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Handle(c, toPoolResponse(pool), nil)
	}
}

func (h *GinHandlers) BuyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := caller(c)
		if !ok {
			return
		}

		var req TradeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		bought, err := h.service.Buy(c.Request.Context(), c.Param("pool_id"), user, *req.Outcome, req.Amount, req.MinOut)
		response.Handle(c, bought, err)
	}
}

func (h *GinHandlers) SellHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := caller(c)
		if !ok {
			return
		}

		var req TradeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		sold, err := h.service.Sell(c.Request.Context(), c.Param("pool_id"), user, *req.Outcome, req.Amount, req.MinOut)
		response.Handle(c, sold, err)
	}
}

func (h *GinHandlers) ResolveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		resolver, ok := caller(c)
		if !ok {
			return
		}

		var req ResolvePoolRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		pool, err := h.service.Resolve(c.Request.Context(), c.Param("pool_id"), resolver, *req.Outcome)
		response.Handle(c, pool, err)
	}
}

func (h *GinHandlers) ClaimHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := caller(c)
		if !ok {
			return
		}

		claimed, err := h.service.Claim(c.Request.Context(), c.Param("pool_id"), user)
		response.Handle(c, claimed, err)
	}
}

func (h *GinHandlers) UpdateStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		authority, ok := caller(c)
		if !ok {
			return
		}

		var req UpdateStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		pool, err := h.service.UpdateStatus(c.Request.Context(), c.Param("pool_id"), authority, req.Status)
		response.Handle(c, pool, err)
	}
}

func (h *GinHandlers) GetPoolHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pool, err := h.service.GetPool(c.Request.Context(), c.Param("pool_id"))
		response.Handle(c, pool, err)
	}
}

// ListPoolsHandler handles GET /pools?status=ACTIVE
func (h *GinHandlers) ListPoolsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pools, err := h.service.ListPools(c.Request.Context(), PoolStatus(c.Query("status")))
		response.Handle(c, pools, err)
	}
}

// QuoteHandler handles GET /pools/:pool_id/quote?side=BUY&outcome=YES&amount=100
func (h *GinHandlers) QuoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var outcome types.Outcome
		if err := outcome.UnmarshalText([]byte(c.Query("outcome"))); err != nil {
			response.Handle(c, nil, err)
			return
		}
		amount, err := strconv.ParseUint(c.Query("amount"), 10, 64)
		if err != nil {
			response.Handle(c, nil, types.ErrInvalidAmount)
			return
		}

		side := TradeSide(c.DefaultQuery("side", string(TradeSideBuy)))
		quote, err := h.service.Quote(c.Request.Context(), c.Param("pool_id"), side, outcome, amount)
		response.Handle(c, quote, err)
	}
}

func (h *GinHandlers) GetPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := caller(c)
		if !ok {
			return
		}
		pos, err := h.service.GetPosition(c.Request.Context(), c.Param("pool_id"), user)
		response.Handle(c, pos, err)
	}
}

func (h *GinHandlers) ListPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := caller(c)
		if !ok {
			return
		}
		positions, err := h.service.GetUserPositions(c.Request.Context(), user)
		response.Handle(c, positions, err)
	}
}

func (h *GinHandlers) PoolTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trades, err := h.service.GetPoolTrades(c.Request.Context(), c.Param("pool_id"))
		response.Handle(c, trades, err)
	}
}

func (h *GinHandlers) UserTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := caller(c)
		if !ok {
			return
		}
		trades, err := h.service.GetUserTrades(c.Request.Context(), user)
		response.Handle(c, trades, err)
	}
}

func (h *GinHandlers) ReconcileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := h.service.Reconcile(c.Request.Context(), c.Param("pool_id"))
		response.Handle(c, report, err)
	}
}

// failure logs rejected requests at warn and infrastructure or transfer
// failures at error.
func failure(logger zerolog.Logger, err error) *zerolog.Event {
	switch types.KindOf(err) {
	case "", types.KindTransfer:
		return logger.Error().Err(err)
	default:
		return logger.Warn().Err(err)
	}
}

package duel

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-markets/internal/auth"
	"github.com/ksred/klear-markets/internal/database/txn"
	"github.com/ksred/klear-markets/internal/events"
	"github.com/ksred/klear-markets/internal/ledger"
	"github.com/ksred/klear-markets/internal/types"
	"github.com/ksred/klear-markets/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const resourceTypeDuel = "duel"

// Service hosts the duel engine. Every transition commits the duel, the
// ledger movements and its outbox event in one transaction.
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

func (s *Service) logger(duelID string) zerolog.Logger {
	return log.With().Str("duel_id", duelID).Str("service", "duel").Logger()
}

func (s *Service) mutate(ctx context.Context, duelID string, fn func(engine *Engine, duel *Duel) (events.Event, error)) (*Duel, error) {
	var (
		duel  *Duel
		event events.Event
	)
	err := txn.Run(ctx, s.db, s.locks, duelID, func(tx *gorm.DB) error {
		duels := NewDatabase(tx)
		var err error
		duel, err = duels.GetDuel(ctx, duelID)
		if err != nil {
			return err
		}

		event, err = fn(NewEngine(ledger.NewDatabase(tx), s.clock, s.policy), duel)
		if err != nil {
			return err
		}

		if err := duels.UpdateDuel(ctx, duel); err != nil {
			return fmt.Errorf("failed to update duel: %w", err)
		}
		return events.NewOutbox(tx).Emit(ctx, event)
	})
	if err != nil {
		return nil, err
	}

	if err := s.emitter.Emit(ctx, event); err != nil {
		logger := s.logger(duelID)
		logger.Warn().Err(err).Str("event", event.Name()).Msg("failed to emit event")
	}
	return duel, nil
}

// CreateDuel opens a duel with player1's stake. A repeated idempotency key
// returns the duel created the first time.
func (s *Service) CreateDuel(ctx context.Context, player1 types.Address, stake uint64, prediction types.Prediction, idempotencyKey string) (*Duel, error) {
	logger := log.With().Str("player", string(player1)).Str("service", "duel").Logger()

	scopedKey := ""
	lockKey := "create:" + string(player1)
	if idempotencyKey != "" {
		scopedKey = txn.ScopedKey(string(player1), idempotencyKey)
		lockKey = "create:" + scopedKey
	}

	var (
		duel     *Duel
		event    events.DuelCreated
		replayed bool
	)
	err := txn.Run(ctx, s.db, s.locks, lockKey, func(tx *gorm.DB) error {
		existingID, err := txn.FindResource(ctx, tx, scopedKey, resourceTypeDuel)
		if err != nil {
			return fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if existingID != "" {
			duel, err = NewDatabase(tx).GetDuel(ctx, existingID)
			replayed = true
			return err
		}

		engine := NewEngine(ledger.NewDatabase(tx), s.clock, s.policy)
		duel, event, err = engine.Create(ctx, player1, stake, prediction)
		if err != nil {
			return err
		}

		if err := NewDatabase(tx).CreateDuel(ctx, duel); err != nil {
			return fmt.Errorf("failed to create duel: %w", err)
		}
		if err := txn.RecordResource(tx, scopedKey, resourceTypeDuel, duel.DuelID); err != nil {
			return fmt.Errorf("failed to record idempotency key: %w", err)
		}
		return events.NewOutbox(tx).Emit(ctx, event)
	})
	if err != nil {
		failure(logger, err).Uint64("stake", stake).Msg("failed to create duel")
		return nil, err
	}

	if replayed {
		logger.Info().Str("duel_id", duel.DuelID).Msg("returning duel for repeated idempotency key")
		return duel, nil
	}

	if err := s.emitter.Emit(ctx, event); err != nil {
		logger.Warn().Err(err).Str("event", event.Name()).Msg("failed to emit event")
	}
	logger.Info().
		Str("duel_id", duel.DuelID).
		Uint64("stake", stake).
		Str("prediction", prediction.String()).
		Msg("duel created")
	return duel, nil
}

func (s *Service) JoinDuel(ctx context.Context, duelID string, player2 types.Address, prediction types.Prediction) (*Duel, error) {
	logger := s.logger(duelID)
	duel, err := s.mutate(ctx, duelID, func(engine *Engine, duel *Duel) (events.Event, error) {
		return engine.Join(ctx, duel, player2, prediction)
	})
	if err != nil {
		failure(logger, err).Str("player", string(player2)).Msg("join rejected")
		return nil, err
	}
	logger.Info().Str("player", string(player2)).Str("prediction", prediction.String()).Msg("duel joined")
	return duel, nil
}

func (s *Service) StartDuel(ctx context.Context, duelID string, caller types.Address, entryPrice uint64) (*Duel, error) {
	logger := s.logger(duelID)
	duel, err := s.mutate(ctx, duelID, func(engine *Engine, duel *Duel) (events.Event, error) {
		return engine.Start(ctx, duel, caller, entryPrice)
	})
	if err != nil {
		failure(logger, err).Str("caller", string(caller)).Msg("start rejected")
		return nil, err
	}
	logger.Info().Uint64("entry_price", entryPrice).Msg("duel started")
	return duel, nil
}

func (s *Service) ResolveDuel(ctx context.Context, duelID string, caller types.Address, exitPrice uint64) (*Duel, error) {
	logger := s.logger(duelID)
	duel, err := s.mutate(ctx, duelID, func(engine *Engine, duel *Duel) (events.Event, error) {
		return engine.Resolve(ctx, duel, caller, exitPrice)
	})
	if err != nil {
		failure(logger, err).Str("caller", string(caller)).Msg("resolve rejected")
		return nil, err
	}
	logger.Info().
		Str("winner", string(duel.Winner)).
		Uint64("exit_price", exitPrice).
		Uint64("payout", duel.Payout).
		Uint64("fee", duel.Fee).
		Msg("duel resolved")
	return duel, nil
}

func (s *Service) CancelDuel(ctx context.Context, duelID string, caller types.Address) (*Duel, error) {
	logger := s.logger(duelID)
	duel, err := s.mutate(ctx, duelID, func(engine *Engine, duel *Duel) (events.Event, error) {
		return engine.Cancel(ctx, duel, caller)
	})
	if err != nil {
		failure(logger, err).Str("caller", string(caller)).Msg("cancel rejected")
		return nil, err
	}
	logger.Info().Uint64("refund", duel.StakeAmount).Msg("duel cancelled")
	return duel, nil
}

func (s *Service) GetDuel(ctx context.Context, duelID string) (*Duel, error) {
	return NewDatabase(s.db).GetDuel(ctx, duelID)
}

func (s *Service) ListDuels(ctx context.Context, filter ListFilter) ([]Duel, error) {
	return NewDatabase(s.db).ListDuels(ctx, filter)
}

// GinHandlers contains HTTP handlers for duel endpoints
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

// CreateDuelHandler handles POST /duels. Idempotency-Key is optional.
func (h *GinHandlers) CreateDuelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		player, ok := caller(c)
		if !ok {
			return
		}

		var req CreateDuelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		duel, err := h.service.CreateDuel(c.Request.Context(), player, req.Stake, *req.Prediction, c.GetHeader("Idempotency-Key"))
		response.Handle(c, duel, err)
	}
}

func (h *GinHandlers) JoinDuelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		player, ok := caller(c)
		if !ok {
			return
		}

		var req JoinDuelRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		duel, err := h.service.JoinDuel(c.Request.Context(), c.Param("duel_id"), player, *req.Prediction)
		response.Handle(c, duel, err)
	}
}

func (h *GinHandlers) StartDuelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		resolver, ok := caller(c)
		if !ok {
			return
		}

		var req PriceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		duel, err := h.service.StartDuel(c.Request.Context(), c.Param("duel_id"), resolver, req.Price)
		response.Handle(c, duel, err)
	}
}

func (h *GinHandlers) ResolveDuelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		resolver, ok := caller(c)
		if !ok {
			return
		}

		var req PriceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		duel, err := h.service.ResolveDuel(c.Request.Context(), c.Param("duel_id"), resolver, req.Price)
		response.Handle(c, duel, err)
	}
}

func (h *GinHandlers) CancelDuelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		player, ok := caller(c)
		if !ok {
			return
		}

		duel, err := h.service.CancelDuel(c.Request.Context(), c.Param("duel_id"), player)
		response.Handle(c, duel, err)
	}
}

func (h *GinHandlers) GetDuelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		duel, err := h.service.GetDuel(c.Request.Context(), c.Param("duel_id"))
		response.Handle(c, duel, err)
	}
}

// ListDuelsHandler handles GET /duels?status=WAITING_FOR_OPPONENT&player=alice
func (h *GinHandlers) ListDuelsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		duels, err := h.service.ListDuels(c.Request.Context(), ListFilter{
			Status: Status(c.Query("status")),
			Player: types.Address(c.Query("player")),
		})
		response.Handle(c, duels, err)
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

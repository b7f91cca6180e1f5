package ledger

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-markets/internal/auth"
	"github.com/ksred/klear-markets/internal/types"
	"github.com/ksred/klear-markets/pkg/response"
	"github.com/rs/zerolog/log"
)

type DepositRequest struct {
	Address types.Address `json:"address" binding:"required"`
	Amount  uint64        `json:"amount" binding:"required,max=9223372036854775807"`
}

// GinHandlers exposes balances over HTTP. Deposits are an operator route
// that stands in for an external funding source.
type GinHandlers struct {
	balances *Database
}

func NewGinHandlers(balances *Database) *GinHandlers {
	return &GinHandlers{balances: balances}
}

func toResponse(b *Balance) *BalanceResponse {
	return &BalanceResponse{Address: b.Address, Amount: b.Amount, Timestamp: time.Now()}
}

// DepositHandler handles POST /internal/ledger/deposit
func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DepositRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		balance, err := h.balances.Deposit(c.Request.Context(), req.Address, req.Amount)
		if err != nil {
			log.Error().Err(err).Str("address", string(req.Address)).Msg("deposit failed")
			response.Handle(c, nil, err)
			return
		}

		log.Info().
			Str("address", string(req.Address)).
			Uint64("amount", req.Amount).
			Uint64("balance", balance.Amount).
			Msg("balance credited")
		response.Handle(c, toResponse(balance), nil)
	}
}

// BalanceHandler handles GET /internal/ledger/balances/:address
func (h *GinHandlers) BalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		balance, err := h.balances.GetBalance(c.Request.Context(), types.Address(c.Param("address")))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Handle(c, toResponse(balance), nil)
	}
}

// MyBalanceHandler handles GET /balance for the authenticated caller.
func (h *GinHandlers) MyBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr, ok := auth.Caller(c)
		if !ok {
			response.Unauthorized(c, "Missing authenticated address")
			return
		}
		balance, err := h.balances.GetBalance(c.Request.Context(), addr)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Handle(c, toResponse(balance), nil)
	}
}

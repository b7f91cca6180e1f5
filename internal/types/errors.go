package types

import "errors"

// Kind groups errors by how a caller should react to them.
type Kind string

const (
	KindValidation    Kind = "VALIDATION"
	KindState         Kind = "STATE"
	KindTiming        Kind = "TIMING"
	KindAuthorization Kind = "AUTHORIZATION"
	KindArithmetic    Kind = "ARITHMETIC"
	KindLiquidity     Kind = "LIQUIDITY"
	KindSlippage      Kind = "SLIPPAGE"
	KindTransfer      Kind = "TRANSFER"
	KindNotFound      Kind = "NOT_FOUND"
)

// Error is a settlement error with a stable machine-readable code.
// Two errors match under errors.Is when their codes match.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrInvalidAmount         = newError(KindValidation, "INVALID_AMOUNT", "invalid amount")
	ErrInvalidPrediction     = newError(KindValidation, "INVALID_PREDICTION", "invalid prediction")
	ErrInvalidOutcome        = newError(KindValidation, "INVALID_OUTCOME", "invalid outcome")
	ErrInvalidPrice          = newError(KindValidation, "INVALID_PRICE", "invalid price")
	ErrQuestionTooLong       = newError(KindValidation, "QUESTION_TOO_LONG", "question too long")
	ErrInvalidResolutionTime = newError(KindValidation, "INVALID_RESOLUTION_TIME", "invalid resolution time")
	ErrInvalidFee            = newError(KindValidation, "INVALID_FEE", "fee exceeds maximum basis points")
	ErrInvalidAddress        = newError(KindValidation, "INVALID_ADDRESS", "invalid address")

	ErrInvalidDuelStatus       = newError(KindState, "INVALID_DUEL_STATUS", "invalid duel status")
	ErrDuelAlreadyJoined       = newError(KindState, "DUEL_ALREADY_JOINED", "duel already joined")
	ErrPoolNotActive           = newError(KindState, "POOL_NOT_ACTIVE", "pool not active")
	ErrPoolNotResolved         = newError(KindState, "POOL_NOT_RESOLVED", "pool not resolved")
	ErrInvalidStatusTransition = newError(KindState, "INVALID_STATUS_TRANSITION", "status transition not allowed")
	ErrNoWinnings              = newError(KindState, "NO_WINNINGS", "no winnings to claim")
	ErrInsufficientTokens      = newError(KindState, "INSUFFICIENT_TOKENS", "insufficient tokens")

	ErrCancelTooEarly = newError(KindTiming, "CANCEL_TOO_EARLY", "cancel too early, cooldown has not elapsed")
	ErrPoolExpired    = newError(KindTiming, "POOL_EXPIRED", "pool expired")
	ErrPoolNotExpired = newError(KindTiming, "POOL_NOT_EXPIRED", "pool not expired")

	ErrUnauthorized = newError(KindAuthorization, "UNAUTHORIZED", "unauthorized")

	ErrMathOverflow          = newError(KindArithmetic, "MATH_OVERFLOW", "math overflow")
	ErrInsufficientLiquidity = newError(KindLiquidity, "INSUFFICIENT_LIQUIDITY", "insufficient liquidity")

	ErrSlippageExceeded = newError(KindSlippage, "SLIPPAGE_EXCEEDED", "slippage exceeded")

	ErrTransferFailed      = newError(KindTransfer, "TRANSFER_FAILED", "transfer failed")
	ErrInsufficientBalance = newError(KindTransfer, "INSUFFICIENT_BALANCE", "insufficient balance")

	ErrNotFound = newError(KindNotFound, "NOT_FOUND", "resource not found")
)

// KindOf returns the kind of the first *Error in err's chain, or "" when
// err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

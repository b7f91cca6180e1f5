package types

import (
	"fmt"
	"math"
	"strings"
)

// Address names a balance holder: a player, a trader, a pool or duel vault,
// or the fee collector.
type Address string

func (a Address) String() string {
	return string(a)
}

// Timestamp is a unix time in seconds as reported by the clock collaborator.
type Timestamp = int64

// MaxAmount is the largest balance or amount the storage layer can hold:
// SQL integers are signed 64-bit.
const MaxAmount uint64 = math.MaxInt64

// BpsDivisor is the denominator for every basis-point fee.
const BpsDivisor = 10_000

// Outcome is the side of a binary market.
type Outcome uint8

const (
	OutcomeYes Outcome = iota
	OutcomeNo
)

// Valid reports whether o is one of the two market sides.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// Opposite returns the other side of the market.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

func (o Outcome) String() string {
	switch o {
	case OutcomeYes:
		return "YES"
	case OutcomeNo:
		return "NO"
	default:
		return fmt.Sprintf("OUTCOME(%d)", uint8(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, ErrInvalidOutcome
	}
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "YES", "0":
		*o = OutcomeYes
	case "NO", "1":
		*o = OutcomeNo
	default:
		return ErrInvalidOutcome
	}
	return nil
}

// Prediction is a duel player's call on the direction of the price.
type Prediction uint8

const (
	PredictionDown Prediction = iota
	PredictionUp
)

func (p Prediction) Valid() bool {
	return p == PredictionDown || p == PredictionUp
}

func (p Prediction) String() string {
	switch p {
	case PredictionDown:
		return "DOWN"
	case PredictionUp:
		return "UP"
	default:
		return fmt.Sprintf("PREDICTION(%d)", uint8(p))
	}
}

func (p Prediction) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, ErrInvalidPrediction
	}
	return []byte(p.String()), nil
}

func (p *Prediction) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "DOWN", "0":
		*p = PredictionDown
	case "UP", "1":
		*p = PredictionUp
	default:
		return ErrInvalidPrediction
	}
	return nil
}

// Package pricefeed supplies the reference prices that start and settle
// duels. The built-in Feed polls a set of mock venues and reports their
// median quote.
package pricefeed

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/ksred/klear-markets/internal/mathutil"
	"github.com/ksred/klear-markets/internal/types"
	"github.com/rs/zerolog/log"
)

// ErrNoQuote is returned when every venue failed to quote.
var ErrNoQuote = errors.New("no venue returned a quote")

// Source reports the current price of the duel asset in minor units.
type Source interface {
	Price(ctx context.Context) (uint64, error)
}

// Venue is a simulated price venue.
type Venue struct {
	ID          string
	Name        string
	MinLatency  time.Duration
	MaxLatency  time.Duration
	SuccessRate float64 // 0-1, probability the venue answers
	SpreadBps   uint16  // max deviation of its quote from the reference
}

// DefaultVenues mirrors a primary venue, two secondaries and a thin one.
func DefaultVenues() []Venue {
	return []Venue{
		{ID: "VENUE1", Name: "Primary Venue", MinLatency: 5 * time.Millisecond, MaxLatency: 30 * time.Millisecond, SuccessRate: 0.95, SpreadBps: 10},
		{ID: "VENUE2", Name: "Secondary Venue", MinLatency: 10 * time.Millisecond, MaxLatency: 50 * time.Millisecond, SuccessRate: 0.90, SpreadBps: 20},
		{ID: "VENUE3", Name: "Regional Venue", MinLatency: 15 * time.Millisecond, MaxLatency: 70 * time.Millisecond, SuccessRate: 0.85, SpreadBps: 35},
		{ID: "VENUE4", Name: "Thin Venue", MinLatency: 20 * time.Millisecond, MaxLatency: 100 * time.Millisecond, SuccessRate: 0.75, SpreadBps: 60},
	}
}

type Config struct {
	// Reference is the starting price.
	Reference uint64
	// VolatilityBps bounds how far the reference moves between polls.
	VolatilityBps uint16
	Seed          int64
}

// Feed random-walks a reference price and quotes it through its venues.
type Feed struct {
	mu            sync.Mutex
	rng           *rand.Rand
	venues        []Venue
	reference     uint64
	volatilityBps uint16
}

func NewFeed(cfg Config, venues []Venue) *Feed {
	if cfg.Reference == 0 {
		cfg.Reference = 100_000_000
	}
	return &Feed{
		rng:           rand.New(rand.NewSource(cfg.Seed)),
		venues:        venues,
		reference:     cfg.Reference,
		volatilityBps: cfg.VolatilityBps,
	}
}

// Price moves the reference one step and returns the median venue quote.
func (f *Feed) Price(ctx context.Context) (uint64, error) {
	reference, err := f.step()
	if err != nil {
		return 0, err
	}

	quotes := make([]uint64, 0, len(f.venues))
	for _, v := range f.venues {
		q, err := f.quote(ctx, v, reference)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			log.Debug().Err(err).Str("venue_id", v.ID).Msg("venue quote failed")
			continue
		}
		quotes = append(quotes, q)
	}
	if len(quotes) == 0 {
		return 0, ErrNoQuote
	}

	slices.Sort(quotes)
	return quotes[len(quotes)/2], nil
}

func (f *Feed) step() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next, err := f.jitter(f.reference, f.volatilityBps)
	if err != nil {
		return 0, err
	}
	f.reference = next
	return next, nil
}

func (f *Feed) quote(ctx context.Context, v Venue, reference uint64) (uint64, error) {
	f.mu.Lock()
	latency := v.MinLatency
	if span := v.MaxLatency - v.MinLatency; span > 0 {
		latency += time.Duration(f.rng.Int63n(int64(span)))
	}
	answered := f.rng.Float64() <= v.SuccessRate
	price, err := f.jitter(reference, v.SpreadBps)
	f.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
		}
	}
	if !answered {
		return 0, fmt.Errorf("venue %s did not answer", v.ID)
	}
	return price, err
}

// jitter moves price by a uniform amount within ±bps. Callers hold f.mu.
func (f *Feed) jitter(price uint64, bps uint16) (uint64, error) {
	if bps == 0 {
		return price, nil
	}
	if bps >= types.BpsDivisor {
		bps = types.BpsDivisor - 1
	}
	delta := f.rng.Int63n(2*int64(bps)+1) - int64(bps)
	next, err := mathutil.MulDiv(price, uint64(types.BpsDivisor+delta), types.BpsDivisor)
	if err != nil {
		return 0, err
	}
	if next == 0 {
		next = 1
	}
	return next, nil
}

// Static always returns the same price.
type Static uint64

func (s Static) Price(context.Context) (uint64, error) {
	if s == 0 {
		return 0, ErrNoQuote
	}
	return uint64(s), nil
}

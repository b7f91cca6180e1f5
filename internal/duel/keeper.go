package duel

import (
	"context"
	"fmt"
	"time"

	"github.com/ksred/klear-markets/internal/pricefeed"
	"github.com/ksred/klear-markets/internal/types"
	"github.com/rs/zerolog/log"
)

type KeeperConfig struct {
	Interval time.Duration
	// Address signs start and resolve; it must be one of the duel resolvers.
	Address types.Address
	// CountdownSeconds is the wait between join and start.
	CountdownSeconds int64
	// DurationSeconds is how long a started duel runs before it settles.
	DurationSeconds int64
}

// Keeper starts duels whose countdown has elapsed and resolves duels whose
// run has ended, pricing both from a Source.
type Keeper struct {
	service *Service
	prices  pricefeed.Source
	cfg     KeeperConfig
}

func NewKeeper(service *Service, prices pricefeed.Source, cfg KeeperConfig) *Keeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.DurationSeconds <= 0 {
		cfg.DurationSeconds = 60
	}
	return &Keeper{service: service, prices: prices, cfg: cfg}
}

// Start runs the keeper loop until ctx is cancelled.
func (k *Keeper) Start(ctx context.Context) {
	logger := log.With().Str("component", "duel_keeper").Logger()
	logger.Info().Dur("interval", k.cfg.Interval).Msg("starting duel keeper")

	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down duel keeper")
			return
		case <-ticker.C:
			if _, _, err := k.Tick(ctx); err != nil {
				logger.Error().Err(err).Msg("duel keeper round failed")
			}
		}
	}
}

// Tick performs one round and reports how many duels it started and
// resolved. A duel that fails is logged and left for the next round.
func (k *Keeper) Tick(ctx context.Context) (started, resolved int, err error) {
	logger := log.With().Str("component", "duel_keeper").Logger()
	now := k.service.clock.Now()

	due, err := k.due(ctx, StatusCountdown, func(d *Duel) bool {
		return now-d.JoinedAt >= k.cfg.CountdownSeconds
	})
	if err != nil {
		return 0, 0, err
	}
	for _, d := range due {
		price, err := k.prices.Price(ctx)
		if err != nil {
			return started, resolved, fmt.Errorf("failed to price duel start: %w", err)
		}
		if _, err := k.service.StartDuel(ctx, d.DuelID, k.cfg.Address, price); err != nil {
			logger.Warn().Err(err).Str("duel_id", d.DuelID).Msg("failed to start duel")
			continue
		}
		started++
	}

	due, err = k.due(ctx, StatusActive, func(d *Duel) bool {
		return now-d.StartedAt >= k.cfg.DurationSeconds
	})
	if err != nil {
		return started, resolved, err
	}
	for _, d := range due {
		price, err := k.prices.Price(ctx)
		if err != nil {
			return started, resolved, fmt.Errorf("failed to price duel exit: %w", err)
		}
		if _, err := k.service.ResolveDuel(ctx, d.DuelID, k.cfg.Address, price); err != nil {
			logger.Warn().Err(err).Str("duel_id", d.DuelID).Msg("failed to resolve duel")
			continue
		}
		resolved++
	}

	if started+resolved > 0 {
		logger.Info().Int("started", started).Int("resolved", resolved).Msg("duel keeper round complete")
	}
	return started, resolved, nil
}

func (k *Keeper) due(ctx context.Context, status Status, ready func(*Duel) bool) ([]Duel, error) {
	duels, err := k.service.ListDuels(ctx, ListFilter{Status: status})
	if err != nil {
		return nil, err
	}
	out := duels[:0]
	for i := range duels {
		if ready(&duels[i]) {
			out = append(out, duels[i])
		}
	}
	return out, nil
}

package events

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type DispatcherConfig struct {
	Interval  time.Duration
	BatchSize int
	MaxTries  uint
	// MaxAttempts is the lifetime attempt count after which an event is
	// dead-lettered and the dispatcher moves past it.
	MaxAttempts   int
	RetryInterval time.Duration
	ChannelPrefix string
}

// Dispatcher delivers committed outbox events to a Publisher in order.
type Dispatcher struct {
	outbox    *Outbox
	publisher Publisher
	cfg       DispatcherConfig
}

func NewDispatcher(db *gorm.DB, publisher Publisher, cfg DispatcherConfig) *Dispatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 25
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 200 * time.Millisecond
	}
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "markets"
	}
	return &Dispatcher{
		outbox:    NewOutbox(db),
		publisher: publisher,
		cfg:       cfg,
	}
}

// Start runs the dispatch loop until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	logger := log.With().Str("component", "event_dispatcher").Logger()
	logger.Info().Dur("interval", d.cfg.Interval).Msg("starting event dispatcher")

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down event dispatcher")
			return
		case <-ticker.C:
			if _, err := d.DispatchPending(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to dispatch pending events")
			}
		}
	}
}

// DispatchPending publishes one batch of undelivered events and returns how
// many were delivered. It stops at the first event that cannot be
// delivered so observers never see events out of order, unless that event
// has used up MaxAttempts, in which case it is dead-lettered and skipped.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	logger := log.With().Str("component", "event_dispatcher").Logger()

	records, err := d.outbox.GetPending(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}
	logger.Debug().Int("pending_count", len(records)).Msg("dispatching events")

	delivered := 0
	for _, record := range records {
		attempts := record.Attempts
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = d.cfg.RetryInterval
		policy.MaxInterval = d.cfg.RetryInterval * 10

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			attempts++
			return struct{}{}, d.publisher.Publish(ctx, d.channel(record.Name), []byte(record.Payload))
		},
			backoff.WithBackOff(policy),
			backoff.WithMaxTries(d.cfg.MaxTries),
			backoff.WithNotify(func(err error, wait time.Duration) {
				logger.Warn().Err(err).
					Str("event_id", record.EventID).
					Dur("backoff", wait).
					Msg("retrying event publish")
			}))
		if err != nil {
			if attempts >= d.cfg.MaxAttempts {
				if deadErr := d.outbox.MarkDead(ctx, record.EventID, attempts, err); deadErr != nil {
					return delivered, fmt.Errorf("failed to dead-letter event %s: %w", record.EventID, deadErr)
				}
				logger.Error().Err(err).
					Str("event_id", record.EventID).
					Str("event", record.Name).
					Int("attempts", attempts).
					Msg("event dead-lettered")
				continue
			}
			if markErr := d.outbox.MarkFailed(ctx, record.EventID, attempts, err); markErr != nil {
				logger.Error().Err(markErr).Str("event_id", record.EventID).Msg("failed to record publish failure")
			}
			return delivered, fmt.Errorf("failed to publish event %s: %w", record.EventID, err)
		}

		if err := d.outbox.MarkDelivered(ctx, record.EventID, attempts); err != nil {
			return delivered, fmt.Errorf("failed to mark event %s delivered: %w", record.EventID, err)
		}
		delivered++
	}

	logger.Info().Int("delivered", delivered).Msg("events dispatched")
	return delivered, nil
}

func (d *Dispatcher) channel(name string) string {
	return d.cfg.ChannelPrefix + ":" + name
}

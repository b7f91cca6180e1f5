package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventRecord is an emitted event waiting for, or past, delivery.
type EventRecord struct {
	gorm.Model  `json:"-"`
	EventID     string     `gorm:"uniqueIndex" json:"event_id"`
	Name        string     `gorm:"index" json:"name"`
	EntityID    string     `gorm:"index" json:"entity_id"`
	Payload     string     `json:"payload"`
	Delivered   bool       `gorm:"index" json:"delivered"`
	Dead        bool       `gorm:"index" json:"dead"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Outbox persists events through gorm. Built on a transaction handle it
// commits the event together with the state change that produced it.
type Outbox struct {
	db *gorm.DB
}

func NewOutbox(db *gorm.DB) *Outbox {
	return &Outbox{db: db}
}

func (o *Outbox) Emit(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", e.Name(), err)
	}

	record := &EventRecord{
		EventID:  "EVT_" + uuid.New().String(),
		Name:     e.Name(),
		EntityID: e.EntityID(),
		Payload:  string(payload),
	}
	if err := o.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to store event %s: %w", e.Name(), err)
	}
	return nil
}

// GetPending returns up to limit undelivered, live events, oldest first.
func (o *Outbox) GetPending(ctx context.Context, limit int) ([]EventRecord, error) {
	var records []EventRecord
	if err := o.db.WithContext(ctx).
		Where("delivered = ? AND dead = ?", false, false).
		Order("id ASC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch pending events: %w", err)
	}
	return records, nil
}

// GetDead returns the events the dispatcher gave up on.
func (o *Outbox) GetDead(ctx context.Context) ([]EventRecord, error) {
	var records []EventRecord
	if err := o.db.WithContext(ctx).
		Where("dead = ?", true).
		Order("id ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch dead events: %w", err)
	}
	return records, nil
}

// GetByEntity returns every event recorded for one duel or pool.
func (o *Outbox) GetByEntity(ctx context.Context, entityID string) ([]EventRecord, error) {
	var records []EventRecord
	if err := o.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("id ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch events: %w", err)
	}
	return records, nil
}

func (o *Outbox) MarkDelivered(ctx context.Context, eventID string, attempts int) error {
	now := time.Now()
	return o.db.WithContext(ctx).Model(&EventRecord{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"delivered":    true,
			"delivered_at": now,
			"attempts":     attempts,
			"last_error":   "",
		}).Error
}

func (o *Outbox) MarkFailed(ctx context.Context, eventID string, attempts int, cause error) error {
	return o.db.WithContext(ctx).Model(&EventRecord{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"attempts":   attempts,
			"last_error": cause.Error(),
		}).Error
}

// MarkDead takes an event out of the pending set for good.
func (o *Outbox) MarkDead(ctx context.Context, eventID string, attempts int, cause error) error {
	return o.db.WithContext(ctx).Model(&EventRecord{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"dead":       true,
			"attempts":   attempts,
			"last_error": cause.Error(),
		}).Error
}

package txn

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// IdempotencyTTL is how long a create request key is remembered.
const IdempotencyTTL = 24 * time.Hour

type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex:idx_idempotency_scope" json:"idempotency_key"`
	ResourceType   string    `gorm:"uniqueIndex:idx_idempotency_scope" json:"resource_type"`
	ResourceID     string    `json:"resource_id"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// ScopedKey ties a client-supplied key to the caller that sent it.
func ScopedKey(caller, key string) string {
	return caller + ":" + key
}

// FindResource returns the resource ID recorded for key, or "" when the
// key is unknown or expired.
func FindResource(ctx context.Context, db *gorm.DB, key, resourceType string) (string, error) {
	if key == "" {
		return "", nil
	}
	var record IdempotencyRecord
	err := db.WithContext(ctx).
		Where("idempotency_key = ? AND resource_type = ?", key, resourceType).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	if !record.ExpiresAt.After(time.Now()) {
		return "", nil
	}
	return record.ResourceID, nil
}

// RecordResource stores key against resourceID. Expired records for the
// same key are replaced.
func RecordResource(tx *gorm.DB, key, resourceType, resourceID string) error {
	if key == "" {
		return nil
	}
	if err := tx.Unscoped().
		Where("idempotency_key = ? AND resource_type = ? AND expires_at <= ?", key, resourceType, time.Now()).
		Delete(&IdempotencyRecord{}).Error; err != nil {
		return err
	}
	return tx.Create(&IdempotencyRecord{
		IdempotencyKey: key,
		ResourceType:   resourceType,
		ResourceID:     resourceID,
		ExpiresAt:      time.Now().Add(IdempotencyTTL),
	}).Error
}

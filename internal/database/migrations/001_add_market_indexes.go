package migrations

import "gorm.io/gorm"

// AddMarketIndexes creates the composite indexes behind the list and
// dispatch queries. It runs after AutoMigrate has created the tables.
func AddMarketIndexes(db *gorm.DB) error {
	indexes := []string{
		// Trade history per pool and per user, in insertion order
		`CREATE INDEX IF NOT EXISTS idx_trades_pool_id_id
		 ON trades(pool_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_user_id
		 ON trades(user, id)`,

		// Duel listings filter on status and sort on created_at
		`CREATE INDEX IF NOT EXISTS idx_duels_status_created_at
		 ON duels(status, created_at)`,

		// Pool listings
		`CREATE INDEX IF NOT EXISTS idx_pools_status_created_at
		 ON pools(status, created_at)`,

		// Dispatcher scans undelivered events oldest first
		`CREATE INDEX IF NOT EXISTS idx_event_records_pending
		 ON event_records(delivered, id)`,

		`CREATE INDEX IF NOT EXISTS idx_positions_user_updated_at
		 ON positions(user, updated_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}
	return nil
}

package migrations

import (
	"gorm.io/gorm"

	"github.com/quantrail/rebalance-api/internal/types"
)

// AddOrderRecords creates the order records table and required indexes
func AddOrderRecords(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.OrderRecord{}); err != nil {
		return err
	}

	// Add indexes for better query performance
	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Composite index for run and state (phase aggregation queries)
		`CREATE INDEX IF NOT EXISTS idx_order_records_run_state
		 ON order_records(run_id, state)`,

		// Index for state filtering (finding UNKNOWN orders for escalation)
		`CREATE INDEX IF NOT EXISTS idx_order_records_state
		 ON order_records(state)`,

		// Index for broker order ID lookups on status updates
		`CREATE INDEX IF NOT EXISTS idx_order_records_broker_order_id
		 ON order_records(broker_order_id)`,

		// Index for created_at timestamp (useful for time-based queries)
		`CREATE INDEX IF NOT EXISTS idx_order_records_created_at
		 ON order_records(created_at)`,
	}

	// Execute each index creation
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}

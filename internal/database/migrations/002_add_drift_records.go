package migrations

import (
	"gorm.io/gorm"

	"github.com/quantrail/rebalance-api/internal/types"
)

// AddDriftRecords creates the drift records table and required indexes
func AddDriftRecords(db *gorm.DB) error {
	if err := db.AutoMigrate(&types.DriftRecord{}); err != nil {
		return err
	}

	indexes := []string{
		// Composite index for symbol and resolution (common query pattern)
		`CREATE INDEX IF NOT EXISTS idx_drift_records_symbol_resolution
		 ON drift_records(symbol, resolution)`,

		// Index for created_at timestamp (recent drift queries)
		`CREATE INDEX IF NOT EXISTS idx_drift_records_created_at
		 ON drift_records(created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}

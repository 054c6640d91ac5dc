package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/quantrail/rebalance-api/internal/database/migrations"
	"github.com/quantrail/rebalance-api/internal/executor"
	"github.com/quantrail/rebalance-api/internal/types"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddOrderRecords(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddDriftRecords(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&types.RunRecord{},
		&executor.IdempotencyRecord{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}

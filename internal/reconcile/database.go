package reconcile

import (
	"gorm.io/gorm"

	"github.com/quantrail/rebalance-api/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateDriftRecord(record *types.DriftRecord) error {
	return d.db.Create(record).Error
}

func (d *Database) GetDriftRecordsForRun(runID string) ([]types.DriftRecord, error) {
	var records []types.DriftRecord
	if err := d.db.Where("run_id = ?", runID).Order("detected_at").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (d *Database) GetRecentDriftRecords(limit int) ([]types.DriftRecord, error) {
	var records []types.DriftRecord
	if err := d.db.Order("detected_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

package executor

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/quantrail/rebalance-api/internal/types"
)

// IdempotencyRecord maps a client-supplied idempotency key to the run it
// created, so a retried plan submission returns the existing run instead of
// executing twice.
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrderRecord(record *types.OrderRecord) error {
	return d.db.Create(record).Error
}

func (d *Database) UpdateOrderRecord(record *types.OrderRecord) error {
	return d.db.Save(record).Error
}

func (d *Database) GetOrderRecord(orderID string) (*types.OrderRecord, error) {
	var record types.OrderRecord
	if err := d.db.Where("order_id = ?", orderID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (d *Database) GetOrdersForRun(runID string) ([]types.OrderRecord, error) {
	var records []types.OrderRecord
	if err := d.db.Where("run_id = ?", runID).Order("submitted_at").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (d *Database) UpdateRun(run *types.RunRecord) error {
	return d.db.Save(run).Error
}

func (d *Database) GetRun(runID string) (*types.RunRecord, error) {
	var run types.RunRecord
	if err := d.db.Where("run_id = ?", runID).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// CreateRunWithIdempotency creates the run and its idempotency record in one
// transaction.
func (d *Database) CreateRunWithIdempotency(run *types.RunRecord, idempotencyKey string) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(run).Error; err != nil {
		tx.Rollback()
		return err
	}

	record := IdempotencyRecord{
		IdempotencyKey: idempotencyKey,
		ResourceID:     run.RunID,
		ResourceType:   "run",
		ExpiresAt:      time.Now().Add(24 * time.Hour),
	}
	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// GetIdempotencyRecord retrieves an idempotency record by key. A missing key
// returns an empty record, not an error.
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &record, nil
		}
		return nil, err
	}
	return &record, nil
}

package database

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/andi/reportflow/backend/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrRecordNotFound is returned when no record matches the given ID
var ErrRecordNotFound = errors.New("record not found")

// nonTerminal lists the states a record can be left in by a crash
var nonTerminal = []string{
	string(models.StateDiscovered),
	string(models.StateStabilizing),
	string(models.StateStable),
	string(models.StateConverting),
	string(models.StateTransforming),
	string(models.StatePublishing),
}

// RecordRepo handles processing record database operations
type RecordRepo struct {
	db *DB
}

// NewRecordRepo creates a new record repository
func NewRecordRepo(db *DB) *RecordRepo {
	return &RecordRepo{db: db}
}

// Save inserts or updates a record
func (r *RecordRepo) Save(record *models.ProcessingRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}

	model := FromRecord(record)
	if err := r.db.conn.Save(model).Error; err != nil {
		return err
	}

	record.CreatedAt = model.CreatedAt
	record.UpdatedAt = model.UpdatedAt
	return nil
}

// GetByID retrieves a record by ID
func (r *RecordRepo) GetByID(id string) (*models.ProcessingRecord, error) {
	var model RecordModel
	if err := r.db.conn.Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return model.ToRecord(), nil
}

// Latest returns the most recently discovered record for a source path, or nil
func (r *RecordRepo) Latest(sourcePath string) (*models.ProcessingRecord, error) {
	var model RecordModel
	err := r.db.conn.Where("source_path = ?", sourcePath).
		Order("discovered_at DESC").
		Order("created_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return model.ToRecord(), nil
}

// List retrieves records with an optional state filter, newest first
func (r *RecordRepo) List(state string, limit, offset int) ([]*models.ProcessingRecord, error) {
	query := r.db.conn.Model(&RecordModel{})
	if state != "" {
		query = query.Where("state = ?", state)
	}

	var modelList []RecordModel
	err := query.Order("discovered_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&modelList).Error
	if err != nil {
		return nil, err
	}

	records := make([]*models.ProcessingRecord, len(modelList))
	for i := range modelList {
		records[i] = modelList[i].ToRecord()
	}
	return records, nil
}

// Count counts records with an optional state filter
func (r *RecordRepo) Count(state string) (int, error) {
	query := r.db.conn.Model(&RecordModel{})
	if state != "" {
		query = query.Where("state = ?", state)
	}

	var count int64
	err := query.Count(&count).Error
	return int(count), err
}

// CountByState returns the number of records per state
func (r *RecordRepo) CountByState() (map[models.RecordState]int, error) {
	var rows []struct {
		State string
		Total int
	}
	err := r.db.conn.Model(&RecordModel{}).
		Select("state, COUNT(*) AS total").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[models.RecordState]int, len(rows))
	for _, row := range rows {
		counts[models.RecordState(row.State)] = row.Total
	}
	return counts, nil
}

// Delete deletes a record
func (r *RecordRepo) Delete(id string) error {
	result := r.db.conn.Delete(&RecordModel{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// RecoverResult counts what RecoverInterrupted did
type RecoverResult struct {
	Completed   int
	Interrupted int
}

// RecoverInterrupted resolves records left in a non-terminal state by a previous
// run. A record whose reserved output exists on disk is marked done; any other is
// marked failed(interrupted) with its source mtime cleared so the file is eligible
// again.
func (r *RecordRepo) RecoverInterrupted(now time.Time) (RecoverResult, error) {
	var result RecoverResult

	var modelList []RecordModel
	if err := r.db.conn.Where("state IN ?", nonTerminal).Find(&modelList).Error; err != nil {
		return result, err
	}

	err := r.db.conn.Transaction(func(tx *gorm.DB) error {
		for i := range modelList {
			m := &modelList[i]
			completed := now
			m.CompletedAt = &completed

			if m.OutputPath != "" && fileExists(m.OutputPath) {
				m.State = string(models.StateDone)
				m.FailureKind = ""
				m.ErrorMessage = ""
				result.Completed++
			} else {
				m.State = string(models.StateFailed)
				m.FailureKind = string(models.FailureInterrupted)
				m.ErrorMessage = "process stopped while the file was in progress"
				m.SourceModTime = time.Time{}
				m.OutputPath = ""
				result.Interrupted++
			}

			if err := tx.Save(m).Error; err != nil {
				return fmt.Errorf("failed to recover record %s: %w", m.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return RecoverResult{}, err
	}
	return result, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

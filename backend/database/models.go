package database

import (
	"time"

	"github.com/andi/reportflow/backend/models"
)

// RecordModel is the gorm row for a ProcessingRecord
type RecordModel struct {
	ID            string     `gorm:"primaryKey;type:varchar(36)"`
	SourcePath    string     `gorm:"type:varchar(768);not null;index"`
	FileName      string     `gorm:"type:varchar(255);not null"`
	State         string     `gorm:"type:varchar(20);not null;index"`
	Attempts      int        `gorm:"not null;default:0"`
	LastSize      int64      `gorm:"not null;default:0"`
	LastModTime   time.Time  `gorm:"not null"`
	SourceModTime time.Time  `gorm:"not null"`
	OutputPath    string     `gorm:"type:varchar(1024)"`
	FailureKind   string     `gorm:"type:varchar(32)"`
	ErrorMessage  string     `gorm:"type:text"`
	RowsChanged   int        `gorm:"not null;default:0"`
	DiscoveredAt  time.Time  `gorm:"not null;index"`
	CompletedAt   *time.Time
	CreatedAt     time.Time  `gorm:"autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime"`
}

// TableName specifies the table name
func (RecordModel) TableName() string {
	return "processing_records"
}

// ToRecord converts RecordModel to models.ProcessingRecord
func (m *RecordModel) ToRecord() *models.ProcessingRecord {
	return &models.ProcessingRecord{
		ID:            m.ID,
		SourcePath:    m.SourcePath,
		FileName:      m.FileName,
		State:         models.RecordState(m.State),
		Attempts:      m.Attempts,
		LastSize:      m.LastSize,
		LastModTime:   m.LastModTime,
		SourceModTime: m.SourceModTime,
		OutputPath:    m.OutputPath,
		FailureKind:   models.FailureKind(m.FailureKind),
		ErrorMessage:  m.ErrorMessage,
		RowsChanged:   m.RowsChanged,
		DiscoveredAt:  m.DiscoveredAt,
		CompletedAt:   m.CompletedAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

// FromRecord converts models.ProcessingRecord to RecordModel
func FromRecord(r *models.ProcessingRecord) *RecordModel {
	return &RecordModel{
		ID:            r.ID,
		SourcePath:    r.SourcePath,
		FileName:      r.FileName,
		State:         string(r.State),
		Attempts:      r.Attempts,
		LastSize:      r.LastSize,
		LastModTime:   r.LastModTime,
		SourceModTime: r.SourceModTime,
		OutputPath:    r.OutputPath,
		FailureKind:   string(r.FailureKind),
		ErrorMessage:  r.ErrorMessage,
		RowsChanged:   r.RowsChanged,
		DiscoveredAt:  r.DiscoveredAt,
		CompletedAt:   r.CompletedAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

package history

import (
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// JobRecord is one terminal job outcome. This is local analytics for status
// reports only; the coordinator stays the source of truth for job state and
// the agent never reads this table to make claim decisions.
type JobRecord struct {
	ID                uint   `gorm:"primaryKey" json:"id"`
	JobID             int64  `gorm:"index" json:"job_id"`
	Outcome           string `gorm:"index" json:"outcome"` // completed, failed, interrupted
	Stage             string `json:"stage"`
	OutputBytes       int64  `json:"output_bytes"`
	ProcessingSeconds int    `json:"processing_seconds"`
	CreatedAt         time.Time
}

func (JobRecord) TableName() string { return "job_records" }

// Totals are lifetime counters across all recorded outcomes.
type Totals struct {
	Completed   int64
	Failed      int64
	Interrupted int64
	OutputBytes int64
}

type Store struct {
	db *gorm.DB
}

// Open creates (or migrates) the sqlite database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&JobRecord{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Record appends one outcome. Safe on a nil store.
func (s *Store) Record(rec JobRecord) error {
	if s == nil {
		return nil
	}
	return s.db.Create(&rec).Error
}

// Totals aggregates lifetime counters. Safe on a nil store.
func (s *Store) Totals() (Totals, error) {
	var t Totals
	if s == nil {
		return t, nil
	}
	type row struct {
		Outcome string
		N       int64
		Bytes   int64
	}
	var rows []row
	err := s.db.Model(&JobRecord{}).
		Select("outcome, count(*) as n, coalesce(sum(output_bytes),0) as bytes").
		Group("outcome").
		Scan(&rows).Error
	if err != nil {
		return t, err
	}
	for _, r := range rows {
		switch r.Outcome {
		case "completed":
			t.Completed = r.N
			t.OutputBytes += r.Bytes
		case "failed":
			t.Failed = r.N
		case "interrupted":
			t.Interrupted = r.N
		}
	}
	return t, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

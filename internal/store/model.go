package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Crash is a durable record of a crashing input discovered by a fuzzing
// task, mirroring what the adapter's analyzeCrash step extracted from the
// fuzzer's own crash artifact.
type Crash struct {
	ID          int       `gorm:"primaryKey;column:id"`
	TaskID      string    `gorm:"column:task_id;not null;index"`
	CreatedAt   time.Time `gorm:"column:created_at;default:now()"`
	FuzzerKind  string    `gorm:"column:fuzzer_kind;not null"`
	ArtifactDir string    `gorm:"column:artifact_dir"`
	CrashFile   string    `gorm:"column:crash_file;not null"`
	Signal      string    `gorm:"column:signal"`
	Source      string    `gorm:"column:source"`
	Operation   string    `gorm:"column:operation"`
	Metadata    JSONMap   `gorm:"column:metadata;type:jsonb"`
}

// SeedRecord is a durable record of corpus growth: a new, coverage-increasing
// input a fuzzer adapter folded into its working corpus.
type SeedRecord struct {
	ID         int       `gorm:"primaryKey;column:id"`
	TaskID     string    `gorm:"column:task_id;not null;index"`
	CreatedAt  time.Time `gorm:"column:created_at;default:now()"`
	FuzzerKind string    `gorm:"column:fuzzer_kind"`
	Path       string    `gorm:"column:path"`
	CorpusSize int       `gorm:"column:corpus_size"`
	Metadata   JSONMap   `gorm:"column:metadata;type:jsonb"`
}

// JSONMap is a free-form jsonb column shared by Crash and SeedRecord.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("store: type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, m)
}

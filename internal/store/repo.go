package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RecordCrash persists a single crash discovery. db may be nil (no durable
// sink configured), in which case this is a no-op — callers should not
// treat that as an error.
func RecordCrash(ctx context.Context, db *gorm.DB, taskID uuid.UUID, fuzzerKind, artifactDir, crashFile, signal, source, op string, metadata JSONMap) error {
	if db == nil {
		return nil
	}
	return db.WithContext(ctx).Create(&Crash{
		TaskID:      taskID.String(),
		CreatedAt:   time.Now(),
		FuzzerKind:  fuzzerKind,
		ArtifactDir: artifactDir,
		CrashFile:   crashFile,
		Signal:      signal,
		Source:      source,
		Operation:   op,
		Metadata:    metadata,
	}).Error
}

// RecordSeed persists corpus growth. db may be nil, in which case this is a
// no-op.
func RecordSeed(ctx context.Context, db *gorm.DB, taskID uuid.UUID, fuzzerKind, path string, corpusSize int, metadata JSONMap) error {
	if db == nil {
		return nil
	}
	return db.WithContext(ctx).Create(&SeedRecord{
		TaskID:     taskID.String(),
		CreatedAt:  time.Now(),
		FuzzerKind: fuzzerKind,
		Path:       path,
		CorpusSize: corpusSize,
		Metadata:   metadata,
	}).Error
}

// CrashesForTask returns every recorded crash for a task, newest first.
func CrashesForTask(ctx context.Context, db *gorm.DB, taskID uuid.UUID) ([]Crash, error) {
	if db == nil {
		return nil, nil
	}
	var crashes []Crash
	err := db.WithContext(ctx).Where("task_id = ?", taskID.String()).Order("created_at desc").Find(&crashes).Error
	return crashes, err
}

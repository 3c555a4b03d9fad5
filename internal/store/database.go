package store

import (
	"fzorch/config"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// NewDBConnection opens the durable crash/seed record store. It is optional:
// orchestrators without a DatabaseURL configured do not store crash and
// seed records at all, and every caller must tolerate a nil *gorm.DB.
func NewDBConnection(appConfig *config.AppConfig, logger *zap.Logger) *gorm.DB {
	if appConfig.DatabaseURL == "" {
		logger.Debug("no DATABASE_URL configured, crash/seed records are not stored")
		return nil
	}
	db, err := gorm.Open(postgres.Open(appConfig.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("failed to connect to crash/seed record store, continuing without it", zap.Error(err))
		return nil
	}
	if err := db.AutoMigrate(&Crash{}, &SeedRecord{}); err != nil {
		logger.Error("failed to migrate crash/seed record store, continuing without it", zap.Error(err))
		return nil
	}
	logger.Debug("connected to crash/seed record store")
	return db
}

package database

import (
	"fmt"
	"sync"

	"github.com/acceltune/platform/pkg/common/apperr"
	"github.com/acceltune/platform/pkg/common/config"
	"github.com/acceltune/platform/pkg/common/logger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	db     *gorm.DB
	dbErr  error
	dbOnce sync.Once
)

// GetPostgres opens the device registry database.
func GetPostgres(cfg *config.Config) (*gorm.DB, error) {
	dbOnce.Do(func() {
		dsn := fmt.Sprintf(
			"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
			cfg.PostgresHost,
			cfg.PostgresUser,
			cfg.PostgresPassword,
			cfg.PostgresDB,
			cfg.PostgresPort,
			cfg.PostgresSSLMode,
		)

		db, dbErr = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
			TranslateError: true,
		})
		if dbErr != nil {
			dbErr = apperr.Wrap(apperr.KindStore, dbErr, "connecting to device registry")
			return
		}

		sqlDB, err := db.DB()
		if err != nil {
			dbErr = apperr.Wrap(apperr.KindStore, err, "device registry pool")
			return
		}
		sqlDB.SetMaxOpenConns(cfg.PostgresMaxConns)
		sqlDB.SetMaxIdleConns(cfg.PostgresMaxConns / 2)

		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.PostgresHost,
			"db":   cfg.PostgresDB,
		}).Info("Connected to device registry")
	})

	return db, dbErr
}

func ClosePostgres() error {
	if db != nil {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

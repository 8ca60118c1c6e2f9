package dbhelper

import (
	"fmt"
	"os"
	"time"

	"atelierapi/models"
	"atelierapi/services"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func SetupDB() *gorm.DB {

	db, err := gorm.Open(postgres.Open(
		fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s",
			services.GetEnv("DB_USERNAME", ""),
			services.GetEnv("DB_PASSWORD", ""),
			services.GetEnv("DB_HOST", ""),
			services.GetEnv("DB_PORT", ""),
			services.GetEnv("DB_NAME", ""),
		),
	), &gorm.Config{
		// idempotency handling relies on gorm.ErrDuplicatedKey
		TranslateError: true,
	})
	sqlDB, err := db.DB()
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(300)
	sqlDB.SetConnMaxLifetime(time.Minute * 5)
	db.Logger.LogMode(logger.LogLevel(logger.Info))
	if err != nil {
		panic(err)
	}
	db.Raw("CREATE EXTENSION if not exists pgcrypto;")
	Migrate(db, &models.Tenant{})
	Migrate(db, &models.Store{})
	Migrate(db, &models.TenantPushToken{})
	Migrate(db, &models.ModelIdentity{})
	Migrate(db, &models.GarmentAsset{})
	Migrate(db, &models.GenerationRequest{})
	Migrate(db, &models.GeneratedImage{})
	Migrate(db, &models.ScheduledRetry{})
	Migrate(db, &models.RateLimitWindow{})

	return db
}

func SetupTestDB() *gorm.DB {
	os.Setenv("DB_USERNAME", "atelier")
	os.Setenv("DB_PASSWORD", "atelier")
	os.Setenv("DB_HOST", "localhost")
	os.Setenv("DB_NAME", "atelier")
	os.Setenv("DB_PORT", "5432")
	os.Setenv("JWT_SECRET", "test-secret")
	return SetupDB()
}

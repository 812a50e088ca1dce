package dbhelper

import (
	"fmt"
	"os"
	"time"

	"natakapi/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func SetupDB() *gorm.DB {

	db, err := gorm.Open(postgres.Open(
		fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s",
			os.Getenv("DB_USERNAME"),
			os.Getenv("DB_PASSWORD"),
			os.Getenv("DB_HOST"),
			os.Getenv("DB_PORT"),
			os.Getenv("DB_NAME"),
		),
	), &gorm.Config{})
	if err != nil {
		panic(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		panic(err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(300)
	sqlDB.SetConnMaxLifetime(time.Minute * 5)
	db.Logger.LogMode(logger.LogLevel(logger.Info))
	db.Raw("CREATE EXTENSION if not exists pgcrypto;")
	Migrate(db, &models.UserAccount{})
	Migrate(db, &models.UserPushToken{})
	Migrate(db, &models.Character{})
	Migrate(db, &models.GenerationJob{})
	Migrate(db, &models.CreditLedgerEntry{})
	Migrate(db, &models.MediaAsset{})

	return db
}

func SetupTestDB() *gorm.DB {
	os.Setenv("DB_USERNAME", "natak")
	os.Setenv("DB_PASSWORD", "natak")
	os.Setenv("DB_HOST", "localhost")
	os.Setenv("DB_NAME", "natak")
	os.Setenv("DB_PORT", "5432")
	os.Setenv("FAL_WEBHOOK_TOKEN", "fake")
	return SetupDB()
}

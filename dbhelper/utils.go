package dbhelper

import (
	"log"

	"natakapi/models"

	"gorm.io/gorm"
)

func SetupCleaner(db *gorm.DB) func() {

	return func() {

		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.CreditLedgerEntry{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.GenerationJob{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.MediaAsset{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Character{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.UserPushToken{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.UserAccount{})

	}
}

func Migrate(db *gorm.DB, model interface{}) {
	err := db.AutoMigrate(model)
	if err != nil {
		log.Printf("Error while migrating %s", model)
		log.Fatal(err)
	}
}

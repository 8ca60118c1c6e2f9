package dbhelper

import (
	"log"

	"atelierapi/models"

	"gorm.io/gorm"
)

func SetupCleaner(db *gorm.DB) func() {

	return func() {

		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.GeneratedImage{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.ScheduledRetry{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.GenerationRequest{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.ModelIdentity{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.GarmentAsset{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.RateLimitWindow{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.TenantPushToken{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Store{})
		db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Tenant{})

	}
}

func Migrate(db *gorm.DB, model interface{}) {
	err := db.AutoMigrate(model)
	if err != nil {
		log.Printf("Error while migrating %s", model)
		log.Fatal(err)
	}
}

package models

import (
	"log"

	"github.com/steepletech/flock_backend/config"
	"gorm.io/gorm"
)

// CurrentTenantSchemaVersion is stamped onto TenantRecord at provisioning time.
const CurrentTenantSchemaVersion = 1

// MigrateRegistry migrates the shared registry/coordinator database.
func MigrateRegistry() {
	db := config.GetRegistryDB()

	err := db.AutoMigrate(
		&TenantRecord{},
		&SubscriptionPlan{},
		&DeliveryJobRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}

// MigrateTenantSchema applies the full tenant schema onto a freshly created
// (or repaired) tenant database. Called with the provisioning handle, never
// with the registry connection.
func MigrateTenantSchema(db *gorm.DB) error {
	return db.AutoMigrate(
		&Member{},
		&MessageRecipient{},
		&ConversationMessage{},
	)
}

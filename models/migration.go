package models

import (
	"log"

	"bitbucket.org/mmdatafocus/steelbooks_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Business{}, &Branch{}, &User{},
		&ProductCategory{}, &Product{}, &BatchType{},
		&Recipe{},
		&InventoryBatch{}, &ItemAssignment{},
		&PubSubMessageRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}

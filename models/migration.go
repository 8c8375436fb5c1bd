package models

import (
	"log"

	"bitbucket.org/mmdatafocus/warehouse_backend/config"
)

// MigrateTable migrates all warehouse tables. Run from service start or the
// operator CLIs against a fresh database.
func MigrateTable() {
	db := config.GetDB()
	if db == nil {
		log.Fatal("database not initialized")
	}

	err := db.AutoMigrate(
		&Company{},
		&Contact{},
		&Ticket{},
		&TimeEntry{},
		&ChunkClaim{},
		&ViolationRecord{},
		&RepairAction{},
	)
	if err != nil {
		log.Fatalf("migration failed: %v", err)
	}
}

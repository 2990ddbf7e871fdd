package models

import "gorm.io/gorm"

// MigrateTables creates/updates the cache and queue tables. Safe to run on
// every startup; the embedded cache may be brand new after a purge.
func MigrateTables(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	return db.AutoMigrate(
		&CachedRecord{},
		&SyncQueueRecord{},
		&DeadLetterRecord{},
	)
}

package database

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm"
)

// OpenTestDB opens a throwaway sqlite database in t's temp dir and migrates
// the given models.
func OpenTestDB(t testing.TB, models ...interface{}) *gorm.DB {
	t.Helper()

	db, err := NewSQLiteConnection(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, _ := db.DB(); sqlDB != nil {
			sqlDB.Close()
		}
	})
	return db
}

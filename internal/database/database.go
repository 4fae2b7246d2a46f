package database

import (
	"fmt"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Wikid82/shadowguard/internal/logger"
	"github.com/Wikid82/shadowguard/internal/models"
)

// Connect opens the SQLite activity database and applies migrations. The
// proxy, the reconciler and the sweeper write concurrently, so WAL mode and a
// busy timeout are always requested.
func Connect(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(withPragmas(dbPath)), &gorm.Config{
		Logger: logger.Gorm(),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates or updates the activity schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.StoredRequest{},
		&models.BlockedAttempt{},
		&models.Notification{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_busy_timeout=5000&_journal_mode=WAL"
}

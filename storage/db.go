package storage

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"ebicsgw/models"
)

// Open connects to the configured database and runs migrations. sqlite serves
// single-host deployments and tests; postgres serves everything else.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return db, nil
}

// OpenMemory opens an isolated in-memory sqlite database, for tests. Each call
// gets its own namespace so parallel tests cannot see each other's rows.
func OpenMemory() (*gorm.DB, error) {
	name := fmt.Sprintf("file:mem-%s?mode=memory&cache=shared", uuid.NewString())
	return Open("sqlite", name)
}

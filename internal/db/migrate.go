package db

import (
	"fmt"

	"github.com/apiquota/governor/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates the governor schema.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}

	if errMigrate := conn.AutoMigrate(
		&models.Tenant{},
		&models.LimitConfig{},
		&models.Window{},
		&models.QueueEntry{},
		&models.Event{},
		&models.Pattern{},
		&models.Setting{},
	); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}

	return ensureActiveWindowIndex(conn)
}

// ensureActiveWindowIndex enforces at most one active window per
// (tenant, provider, model, horizon) with a partial unique index.
func ensureActiveWindowIndex(conn *gorm.DB) error {
	stmt := `CREATE UNIQUE INDEX IF NOT EXISTS idx_windows_one_active
		ON windows (tenant, provider, model, horizon)
		WHERE active`
	if IsSQLite(conn) {
		stmt = `CREATE UNIQUE INDEX IF NOT EXISTS idx_windows_one_active
		ON windows (tenant, provider, model, horizon)
		WHERE active = 1`
	}
	if errExec := conn.Exec(stmt).Error; errExec != nil {
		return fmt.Errorf("db: active window index: %w", errExec)
	}
	return nil
}

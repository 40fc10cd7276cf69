package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// Migrate applies all pending migrations for the DSN's driver from
// migrations/<driver>.
func Migrate(dataSourceName string) error {
	m, err := open(dataSourceName)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// MigrateDown rolls every migration back.
func MigrateDown(dataSourceName string) error {
	m, err := open(dataSourceName)
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func open(dataSourceName string) (*migrate.Migrate, error) {
	if !strings.Contains(dataSourceName, "://") {
		return nil, errors.New("store: undefined data source name " + dataSourceName)
	}
	driverName := strings.ToLower(strings.Split(dataSourceName, "://")[0])
	return migrate.New(fmt.Sprintf("file://migrations/%s", driverName), dataSourceName)
}

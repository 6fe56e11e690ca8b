package repository

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/mattercrawl/engine/internal/telemetrylog"
)

type migrationLogger struct {
	logger *telemetrylog.Logger
}

func (l migrationLogger) Verbose() bool { return false }

func (l migrationLogger) Printf(format string, v ...any) {
	l.logger.Info(fmt.Sprintf(format, v...), nil)
}

// Migrate brings the schema up to the latest version from the .sql files at
// migrationsPath. Already-current is not an error.
func Migrate(dsn, migrationsPath string, logger *telemetrylog.Logger) error {
	m, err := migrate.New("file://"+migrationsPath, dsn)
	if err != nil {
		return fmt.Errorf("repository: creating migrator: %w", err)
	}
	defer m.Close()

	m.Log = migrationLogger{logger: logger}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("no new migrations to apply", nil)
			return nil
		}
		return fmt.Errorf("repository: applying migrations: %w", err)
	}
	logger.Info("migrations applied", nil)
	return nil
}

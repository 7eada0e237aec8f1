// Package database はデータベース接続とマイグレーション管理を提供する。
package database

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrateLogger は golang-migrate のログを slog に流す。
type migrateLogger struct {
	logger *slog.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)), slog.String("component", "migrate"))
}

func (l migrateLogger) Verbose() bool { return false }

// withMigrator は埋め込みマイグレーションを読み込んだ migrate インスタンスで fn を実行する。
func withMigrator(databaseURL string, fn func(m *migrate.Migrate) error) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	m.Log = migrateLogger{logger: slog.Default()}
	defer func() {
		if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
			slog.Warn("failed to close migrator", slog.Any("source_error", srcErr), slog.Any("database_error", dbErr))
		}
	}()

	return fn(m)
}

// RunMigrations は未適用のマイグレーションをすべて適用する。最新なら何もしない。
func RunMigrations(databaseURL string) error {
	return withMigrator(databaseURL, func(m *migrate.Migrate) error {
		err := m.Up()
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		return nil
	})
}

// Version は適用済みのスキーマバージョンを返す。未適用なら 0。
// dirty は前回の適用が途中で失敗したことを示す。
func Version(databaseURL string) (version uint, dirty bool, err error) {
	err = withMigrator(databaseURL, func(m *migrate.Migrate) error {
		v, d, verr := m.Version()
		switch {
		case errors.Is(verr, migrate.ErrNilVersion):
			return nil
		case verr != nil:
			return fmt.Errorf("failed to read schema version: %w", verr)
		}
		version, dirty = v, d
		return nil
	})
	return version, dirty, err
}

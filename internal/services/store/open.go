package store

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spendgate/spendgate/internal/config"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the configured database, choosing the driver from the
// URI scheme: postgres://, mysql://, or a sqlite path (including
// :memory: and file: URIs).
func Open(cfg *config.Config) (*gorm.DB, error) {
	uri := cfg.Store.URI
	gormCfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}

	switch {
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		db, err := gorm.Open(postgres.Open(withDatabase(uri, cfg.Store.DBName)), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return db, nil

	case strings.HasPrefix(uri, "mysql://"):
		dsn := strings.TrimPrefix(uri, "mysql://")
		db, err := gorm.Open(mysql.Open(dsn), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mysql: %w", err)
		}
		return db, nil

	default:
		path := strings.TrimPrefix(uri, "sqlite://")
		db, err := gorm.Open(sqlite.Open(path), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
		}
		return db, nil
	}
}

// withDatabase appends the configured database name to a postgres URI
// that does not already carry one.
func withDatabase(uri, dbName string) string {
	if dbName == "" {
		return uri
	}
	parsed, err := url.Parse(uri)
	if err != nil || strings.Trim(parsed.Path, "/") != "" {
		return uri
	}
	parsed.Path = "/" + dbName
	return parsed.String()
}

// Package db opens the GORM connection shared by every ledger and provides the
// small set of helpers the stores use to turn storage facts into conflicts.
package db

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
)

// Config selects the database backend.
type Config struct {
	Type         string // sqlite, postgres or mysql. Default sqlite.
	DSN          string // Default ":memory:" for sqlite.
	MaxOpenConns int    // Ignored for sqlite, which is pinned to one connection.
	LogLevel     logger.LogLevel
}

// Open connects to the configured database. Error translation is enabled so
// unique-index violations surface as gorm.ErrDuplicatedKey on every dialect.
func Open(cfg Config) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if level == 0 {
		level = logger.Warn
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", typeOrDefault(cfg.Type), err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if typeOrDefault(cfg.Type) == TypeSQLite {
		// SQLite has no row locks; a single connection serializes transactions.
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	return gdb, nil
}

func dialectorFor(cfg Config) (gorm.Dialector, error) {
	switch typeOrDefault(cfg.Type) {
	case TypeSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		return sqlite.Open(dsn), nil
	case TypePostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("database DSN is required for postgres")
		}
		return postgres.Open(cfg.DSN), nil
	case TypeMySQL:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("database DSN is required for mysql")
		}
		return mysql.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unknown database type %q (expected sqlite, postgres or mysql)", cfg.Type)
	}
}

func typeOrDefault(t string) string {
	if t == "" {
		return TypeSQLite
	}
	return t
}

// IsDuplicate reports whether err is a unique-constraint violation.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "Duplicate entry")
}

// ForUpdate adds a row lock to the next query where the dialect supports it.
func ForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == TypeSQLite {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStorage is the single-file backend. It runs with one connection, so
// transactions are serialized by the pool itself.
type SQLiteStorage struct {
	*sqlStore
}

var sqliteDialect = dialect{
	name: "sqlite",
	isUniqueViolation: func(err error) bool {
		var sqliteErr *sqlite.Error
		if !errors.As(err, &sqliteErr) {
			return false
		}
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	},
}

func NewSQLiteStorage(path string, busyTimeout time.Duration, logger *zap.Logger) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	if busyTimeout > 0 {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	_, _ = db.ExecContext(ctx, "PRAGMA foreign_keys = ON")

	storage := &SQLiteStorage{sqlStore: &sqlStore{db: db, dialect: sqliteDialect, logger: logger}}
	if err := storage.initializeSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	logger.Info("SQLite storage ready", zap.String("path", path))
	return storage, nil
}

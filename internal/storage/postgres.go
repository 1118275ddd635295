package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN renders the lib/pq keyword/value connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// PostgresStorage is the durable multi-process backend.
type PostgresStorage struct {
	*sqlStore
}

var postgresDialect = dialect{
	name:      "postgres",
	numbered:  true,
	forUpdate: " FOR UPDATE",
	isUniqueViolation: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505"
	},
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	return OpenPostgres(config.DSN(), logger)
}

// OpenPostgres connects with a raw DSN (keyword/value or postgres:// URL).
func OpenPostgres(dsn string, logger *zap.Logger) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Test the connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{sqlStore: &sqlStore{db: db, dialect: postgresDialect, logger: logger}}

	// Initialize database schema
	if err := storage.initializeSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	logger.Info("PostgreSQL storage ready")
	return storage, nil
}

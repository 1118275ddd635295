package storage

import (
	"context"
	"os"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("RELAY_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("RELAY_POSTGRES_TEST_DSN not set; skipping postgres integration test")
	}
	return dsn
}

func TestPostgresStorageIntegration(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	runStorageSuite(t, func(t *testing.T) Storage {
		t.Helper()
		s, err := OpenPostgres(dsn, zap.NewNop())
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		truncate := func() {
			if _, err := s.db.ExecContext(context.Background(), `TRUNCATE destinations, users_config`); err != nil {
				t.Fatalf("truncate: %v", err)
			}
		}
		truncate()
		t.Cleanup(func() {
			truncate()
			_ = s.Close()
		})
		return s
	})
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "")
	t.Setenv("DATABASE_URL", "")
	path := writeConfig(t, `
telegram:
  token: file-token
database:
  driver: postgres
  host: db.internal
  dbname: relay
relay:
  timeout: 3s
  max_concurrency: 2
auth:
  password: hunter2
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Telegram.Token != "file-token" {
		t.Fatalf("unexpected token %q", cfg.Telegram.Token)
	}
	if cfg.Database.StorageDriver() != DriverPostgres || cfg.Database.Host != "db.internal" || cfg.Database.Port != 5432 {
		t.Fatalf("unexpected database config %+v", cfg.Database)
	}
	if cfg.Relay.Timeout != 3*time.Second || cfg.Relay.MaxConcurrency != 2 {
		t.Fatalf("unexpected relay config %+v", cfg.Relay)
	}
	if cfg.Auth.Password != "hunter2" {
		t.Fatalf("unexpected password %q", cfg.Auth.Password)
	}
	if cfg.Bot.Workers != 16 || cfg.KnownChats.MaxEntries != 500 {
		t.Fatalf("defaults not applied: %+v %+v", cfg.Bot, cfg.KnownChats)
	}
}

func TestLoadConfigMissingFileUsesEnv(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "env-token")
	t.Setenv("BOT_PASSWORD", "pw")
	t.Setenv("DATABASE_URL", "")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Telegram.Token != "env-token" || cfg.Auth.Password != "pw" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Database.StorageDriver() != DriverSQLite || cfg.Database.Path == "" {
		t.Fatalf("expected sqlite default, got %+v", cfg.Database)
	}
	if cfg.Telegram.RequestTimeout != 30*time.Second {
		t.Fatalf("unexpected request timeout %v", cfg.Telegram.RequestTimeout)
	}
}

func TestLoadConfigDatabaseURL(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "tok")
	t.Setenv("DATABASE_URL", "postgres://relay:pw@pg.example:6543/relaydb?sslmode=require")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	db := cfg.Database
	if db.StorageDriver() != DriverPostgres || db.Host != "pg.example" || db.Port != 6543 ||
		db.User != "relay" || db.Password != "pw" || db.DBName != "relaydb" || db.SSLMode != "require" {
		t.Fatalf("unexpected database config %+v", db)
	}
}

func TestLoadConfigRequiresToken(t *testing.T) {
	t.Setenv("TELEGRAM_TOKEN", "")
	path := writeConfig(t, "database:\n  use_in_memory: true\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected missing token error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "memory",
			cfg:  Config{Telegram: TelegramConfig{Token: "t"}, Database: DatabaseConfig{UseInMemory: true, Driver: "bogus"}},
		},
		{
			name:    "unknown driver",
			cfg:     Config{Telegram: TelegramConfig{Token: "t"}, Database: DatabaseConfig{Driver: "mysql"}},
			wantErr: true,
		},
		{
			name:    "sqlite without path",
			cfg:     Config{Telegram: TelegramConfig{Token: "t"}, Database: DatabaseConfig{Driver: DriverSQLite}},
			wantErr: true,
		},
		{
			name:    "negative workers",
			cfg:     Config{Telegram: TelegramConfig{Token: "t"}, Database: DatabaseConfig{Driver: DriverMemory}, Bot: BotConfig{Workers: -1}},
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

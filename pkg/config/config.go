package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Bot        BotConfig        `mapstructure:"bot"`
	Auth       AuthConfig       `mapstructure:"auth"`
	KnownChats KnownChatsConfig `mapstructure:"known_chats"`
	Log        LogConfig        `mapstructure:"log"`
}

type TelegramConfig struct {
	Token          string        `mapstructure:"token"`
	Debug          bool          `mapstructure:"debug"`
	PollTimeout    int           `mapstructure:"poll_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type DatabaseConfig struct {
	Driver      string        `mapstructure:"driver"`
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	DBName      string        `mapstructure:"dbname"`
	SSLMode     string        `mapstructure:"sslmode"`
	UseInMemory bool          `mapstructure:"use_in_memory"`
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

type RelayConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
}

type BotConfig struct {
	Workers int `mapstructure:"workers"`
}

type AuthConfig struct {
	Password string `mapstructure:"password"`
}

type KnownChatsConfig struct {
	MaxEntries int `mapstructure:"max_entries"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// StorageDriver resolves which backend to open. use_in_memory wins over driver.
func (c DatabaseConfig) StorageDriver() string {
	if c.UseInMemory {
		return DriverMemory
	}
	return strings.ToLower(strings.TrimSpace(c.Driver))
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Driver:   DriverPostgres,
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  sslMode,
	}, nil
}

// LoadConfig reads path if it exists, then applies defaults and environment
// overrides. A missing file is not an error; a deployment may be configured
// from the environment alone.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("telegram.poll_timeout", 60)
	v.SetDefault("telegram.request_timeout", "30s")
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "data/relay-bot.sqlite3")
	v.SetDefault("database.busy_timeout", "5s")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("relay.timeout", "15s")
	v.SetDefault("relay.max_concurrency", 8)
	v.SetDefault("bot.workers", 16)
	v.SetDefault("known_chats.max_entries", 500)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	// Enable environment variable support
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		dbConfig.BusyTimeout = config.Database.BusyTimeout
		config.Database = dbConfig
	}

	// Get other environment variables
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if password := v.GetString("BOT_PASSWORD"); password != "" {
		config.Auth.Password = password
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram token is required (telegram.token or TELEGRAM_TOKEN)")
	}
	switch c.Database.StorageDriver() {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			return errors.New("database.path is required for sqlite")
		}
	case DriverPostgres:
		if c.Database.Host == "" || c.Database.DBName == "" {
			return errors.New("database.host and database.dbname are required for postgres")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Relay.MaxConcurrency < 0 || c.Bot.Workers < 0 {
		return errors.New("relay.max_concurrency and bot.workers must not be negative")
	}
	return nil
}

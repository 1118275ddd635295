package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xaenox/relay-bot/internal/bot"
	"github.com/xaenox/relay-bot/internal/dispatch"
	"github.com/xaenox/relay-bot/internal/knownchats"
	"github.com/xaenox/relay-bot/internal/routing"
	"github.com/xaenox/relay-bot/internal/session"
	"github.com/xaenox/relay-bot/internal/storage"
	"github.com/xaenox/relay-bot/internal/workflow"
	"github.com/xaenox/relay-bot/pkg/config"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		// logger is not configured yet
		bootstrap, _ := zap.NewProduction()
		bootstrap.Fatal("Failed to load config", zap.Error(err), zap.String("path", configPath))
	}

	// Initialize logger
	logger, err := newLogger(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// Initialize storage
	store, err := openStorage(cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	client, err := bot.NewClient(cfg.Telegram.Token, cfg.Telegram.RequestTimeout, cfg.Telegram.Debug, logger)
	if err != nil {
		logger.Fatal("Failed to create Telegram client", zap.Error(err))
	}

	machine := workflow.New(store, routing.NewChecker(store), logger)
	dispatcher := dispatch.New(store, client, dispatch.Config{
		Timeout:        cfg.Relay.Timeout,
		MaxConcurrency: cfg.Relay.MaxConcurrency,
	}, logger)

	gate := session.NewGate(cfg.Auth.Password)
	if !gate.Enabled() {
		logger.Warn("No bot password configured, every user can configure relays")
	}

	b := bot.New(client, machine, dispatcher, knownchats.New(cfg.KnownChats.MaxEntries), gate, bot.Options{
		Workers:     cfg.Bot.Workers,
		PollTimeout: cfg.Telegram.PollTimeout,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start the bot
	if err := b.Start(ctx); err != nil {
		logger.Error("Bot error", zap.Error(err))
		return
	}
	logger.Info("Bot stopped")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	return zapConfig.Build()
}

func openStorage(cfg config.DatabaseConfig, logger *zap.Logger) (storage.Storage, error) {
	switch cfg.StorageDriver() {
	case config.DriverMemory:
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(), nil
	case config.DriverPostgres:
		logger.Info("Using PostgreSQL storage", zap.String("host", cfg.Host), zap.String("dbname", cfg.DBName))
		store, err := storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			DBName:   cfg.DBName,
			SSLMode:  cfg.SSLMode,
		}, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		logger.Info("Using SQLite storage", zap.String("path", cfg.Path))
		store, err := storage.NewSQLiteStorage(cfg.Path, cfg.BusyTimeout, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

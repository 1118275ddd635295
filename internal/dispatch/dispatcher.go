package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/xaenox/relay-bot/internal/models"
	"github.com/xaenox/relay-bot/internal/routing"
)

const (
	DefaultRelayTimeout   = 15 * time.Second
	DefaultMaxConcurrency = 8
)

// Relayer copies one message from origin into dest.
type Relayer interface {
	Relay(ctx context.Context, destChatID, originChatID int64, messageID int) error
}

// Result is the aggregate of one dispatch.
type Result struct {
	DispatchID string
	Attempted  int
	Succeeded  int
	Failed     int
}

type Config struct {
	// Timeout bounds each relay attempt on its own.
	Timeout time.Duration
	// MaxConcurrency caps in-flight attempts for a single message.
	MaxConcurrency int
}

// Dispatcher fans a message out to every destination of its origin chat.
// Attempts are independent: a failure is logged and counted, never retried,
// and never stops the others.
type Dispatcher struct {
	routes  routing.RouteSource
	relayer Relayer
	cfg     Config
	logger  *zap.Logger
}

func New(routes routing.RouteSource, relayer Relayer, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRelayTimeout
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	return &Dispatcher{
		routes:  routes,
		relayer: relayer,
		cfg:     cfg,
		logger:  logger,
	}
}

// OnMessage relays messageID from originChatID. The error is non-nil only when
// the routes could not be loaded; relay failures show up in Result.Failed.
func (d *Dispatcher) OnMessage(ctx context.Context, originChatID int64, messageID int) (Result, error) {
	table, err := routing.Build(ctx, d.routes)
	if err != nil {
		return Result{}, err
	}
	dests := table.Destinations(originChatID)
	if len(dests) == 0 {
		return Result{}, nil
	}

	result := Result{
		DispatchID: uuid.New().String(),
		Attempted:  len(dests),
	}
	logger := d.logger.With(
		zap.String("dispatch_id", result.DispatchID),
		zap.Int64("origin_chat_id", originChatID),
		zap.Int("message_id", messageID))
	logger.Info("Relaying message", zap.Int("destinations", len(dests)))

	var succeeded, failed atomic.Int64
	p := pool.New().WithMaxGoroutines(d.cfg.MaxConcurrency)
	for _, dest := range dests {
		p.Go(func() {
			if err := d.relayOne(ctx, dest, originChatID, messageID); err != nil {
				failed.Add(1)
				logger.Error("Failed to relay message", zap.Error(err), zap.Int64("dest_chat_id", dest))
				return
			}
			succeeded.Add(1)
		})
	}
	p.Wait()

	result.Succeeded = int(succeeded.Load())
	result.Failed = int(failed.Load())

	fields := []zap.Field{
		zap.Int("attempted", result.Attempted),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
	}
	if result.Failed > 0 {
		logger.Warn("Relay finished with failures", fields...)
	} else {
		logger.Info("Relay finished", fields...)
	}
	return result, nil
}

func (d *Dispatcher) relayOne(ctx context.Context, dest, origin int64, messageID int) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: to %d: panic: %v", models.ErrRelayFailure, dest, r)
		}
	}()

	if err := d.relayer.Relay(ctx, dest, origin, messageID); err != nil {
		return fmt.Errorf("%w: to %d: %w", models.ErrRelayFailure, dest, err)
	}
	return nil
}

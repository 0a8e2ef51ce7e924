package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/ncecere/gemini_chat_gateway/internal/auth"
	"github.com/ncecere/gemini_chat_gateway/internal/cache"
	"github.com/ncecere/gemini_chat_gateway/internal/config"
	"github.com/ncecere/gemini_chat_gateway/internal/executor"
	"github.com/ncecere/gemini_chat_gateway/internal/health"
	"github.com/ncecere/gemini_chat_gateway/internal/limits"
	"github.com/ncecere/gemini_chat_gateway/internal/observability"
	"github.com/ncecere/gemini_chat_gateway/internal/providers/gemini"
	"github.com/ncecere/gemini_chat_gateway/internal/rotator"
	"github.com/ncecere/gemini_chat_gateway/internal/services/chat"
)

// Container aggregates runtime dependencies for handlers and services.
type Container struct {
	Config        *config.Config
	Redis         *redis.Client
	Rotator       *rotator.Rotator
	Chat          *chat.Service
	RateLimiter   *limits.Limiter
	Idempotency   *cache.IdempotencyCache
	AdminGuard    *auth.AdminGuard
	HealthMon     *health.Monitor
	Observability *observability.Provider
	Logger        *slog.Logger
}

// NewContainer builds a dependency container from the provided primitives.
// redisClient may be nil; rate limiting and idempotency are then disabled.
func NewContainer(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	logger := slog.Default()

	obsProvider, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("setup observability: %w", err)
	}

	rotatorOpts := []rotator.Option{rotator.WithAmnestyInterval(cfg.Rotation.AmnestyInterval)}
	if obsProvider != nil {
		rotatorOpts = append(rotatorOpts, rotator.WithObserver(obsProvider))
	}
	pool, err := rotator.New(cfg.Gemini.APIKeys, rotatorOpts...)
	if err != nil {
		return nil, fmt.Errorf("init credential pool: %w", err)
	}
	if err := obsProvider.ObservePool(pool.Size(), func() int { return len(pool.Snapshot().Excluded) }); err != nil {
		return nil, fmt.Errorf("register pool metrics: %w", err)
	}

	client, err := gemini.New(gemini.Options{
		BaseURL:    cfg.Gemini.BaseURL,
		APIVersion: cfg.Gemini.APIVersion,
		Timeout:    cfg.Gemini.RequestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("init gemini client: %w", err)
	}

	execOpts := executor.Options{Timeout: cfg.Gemini.RequestTimeout, Logger: logger}
	if obsProvider != nil {
		execOpts.Recorder = obsProvider
	}
	exec := executor.New(client, execOpts)

	chatSvc := chat.NewService(exec, pool, chat.Options{
		DefaultModel: cfg.Gemini.DefaultModel,
		RetryBackoff: cfg.Rotation.RetryBackoff,
		Logger:       logger,
	})

	guard, err := auth.NewAdminGuard(cfg.Admin.TokenHash)
	if err != nil {
		return nil, fmt.Errorf("init admin guard: %w", err)
	}

	var monitor *health.Monitor
	if cfg.Health.Enabled {
		monitor = health.NewMonitor(pool, client, cfg.Health, logger)
		monitor.Start(ctx)
	}

	return &Container{
		Config:        cfg,
		Redis:         redisClient,
		Rotator:       pool,
		Chat:          chatSvc,
		RateLimiter:   limits.NewLimiter(redisClient, cfg.Limits),
		Idempotency:   cache.NewIdempotencyCache(redisClient, cfg.Cache.IdempotencyTTL),
		AdminGuard:    guard,
		HealthMon:     monitor,
		Observability: obsProvider,
		Logger:        logger,
	}, nil
}


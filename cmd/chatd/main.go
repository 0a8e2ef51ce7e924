package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ncecere/gemini_chat_gateway/internal/app"
	"github.com/ncecere/gemini_chat_gateway/internal/config"
	"github.com/ncecere/gemini_chat_gateway/internal/httpserver"
	"github.com/ncecere/gemini_chat_gateway/internal/redisclient"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.Options{})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	redisClient := redisclient.New(cfg.Redis)
	if redisClient != nil {
		if err := redisclient.Ping(ctx, redisClient); err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		defer redisClient.Close()
	}

	container, err := app.NewContainer(ctx, cfg, redisClient)
	if err != nil {
		log.Fatalf("build container: %v", err)
	}
	if container.Observability != nil {
		defer container.Observability.Shutdown(context.Background())
	}

	server, err := httpserver.New(container)
	if err != nil {
		log.Fatalf("construct server: %v", err)
	}

	slog.Info("starting gemini chat gateway",
		slog.String("listen_addr", cfg.Server.ListenAddr),
		slog.Int("api_keys", container.Rotator.Size()),
		slog.String("available_models", strings.Join(cfg.Gemini.Models, ", ")),
		slog.String("default_model", cfg.Gemini.DefaultModel),
		slog.Bool("redis", redisClient != nil),
		slog.Bool("health_probes", cfg.Health.Enabled),
	)

	if err := server.Listen(ctx); err != nil && err != context.Canceled {
		log.Fatalf("server stopped: %v", err)
	}
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/odyssey-erp/stockflow/cmd/stockflowctl/cli"
	"github.com/odyssey-erp/stockflow/internal/app"
	"github.com/odyssey-erp/stockflow/internal/catalog"
	"github.com/odyssey-erp/stockflow/internal/platform/cache"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	var catalogCache *catalog.Cache
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable", slog.Any("error", err))
	} else {
		defer func() { _ = redisClient.Close() }()
		catalogCache = catalog.NewCache(redisClient, cfg.CatalogCacheTTL)
	}

	ops := cli.NewJobsCLI(cfg.RedisAddr, catalogCache)
	code := cli.Run(ctx, os.Args[1:], ops, os.Stdout, os.Stderr)
	if err := ops.Close(); err != nil {
		logger.Warn("close", slog.Any("error", err))
	}
	os.Exit(code)
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockflow/internal/adjustment"
	adjustmenthttp "github.com/odyssey-erp/stockflow/internal/adjustment/http"
	"github.com/odyssey-erp/stockflow/internal/app"
	"github.com/odyssey-erp/stockflow/internal/catalog"
	"github.com/odyssey-erp/stockflow/internal/erp"
	"github.com/odyssey-erp/stockflow/internal/notify"
	"github.com/odyssey-erp/stockflow/internal/observability"
	"github.com/odyssey-erp/stockflow/internal/platform/cache"
	"github.com/odyssey-erp/stockflow/internal/platform/db"
	"github.com/odyssey-erp/stockflow/internal/saga"
	"github.com/odyssey-erp/stockflow/internal/shared"
	"github.com/odyssey-erp/stockflow/internal/users"
	"github.com/odyssey-erp/stockflow/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	var catalogCache *catalog.Cache
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, catalog cache disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		catalogCache = catalog.NewCache(redisClient, cfg.CatalogCacheTTL)
		if err := catalogCache.ListenForInvalidation(ctx); err != nil {
			logger.Warn("catalog invalidation listener", slog.Any("error", err))
		}
	}

	metrics := observability.NewMetrics()

	classifier, err := erp.LoadClassifier(cfg.ERPClassifierFile)
	if err != nil {
		logger.Error("load ledger classifier", slog.Any("error", err))
		os.Exit(1)
	}
	ledger := erp.NewClient(cfg.ERPConfig(),
		erp.FallbackCredentials{erp.NewPostgresCredentials(dbpool), cfg.StaticERPCredentials()},
		erp.WithClassifier(classifier),
		erp.WithLogger(logger),
	)

	queue, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		_ = inspector.Close()
	}()

	dispatcher := notify.NewDispatcher(queue, logger)
	auditLogger := shared.NewAuditLogger(dbpool)
	approvalRecorder := shared.NewApprovalRecorder(dbpool, logger)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	repo := adjustment.NewRepository(dbpool)
	groups := cfg.Groups()
	levels := adjustment.ThresholdLevels{Source: repo, Fallback: adjustment.StaticLevels(cfg.ApprovalLevels)}

	adjustmentService := adjustment.NewService(adjustment.ServiceDeps{
		Store:       repo,
		Transfers:   ledger,
		Notifier:    dispatcher,
		Idempotency: idempotencyStore,
		Audit:       auditLogger,
		Levels:      levels,
		Logger:      logger,
	}, cfg.AdjustmentOptions())

	coordinator := saga.NewCoordinator(saga.Deps{
		Store:     repo,
		Ledger:    ledger,
		Reversals: adjustment.NewReversalGenerator(repo, groups, levels),
		Notifier:  dispatcher,
		History:   approvalRecorder,
		Audit:     auditLogger,
		Metrics:   saga.NewMetrics(metrics.Registerer()),
		Logger:    logger,
	})

	catalogService := catalog.NewService(ledger, catalogCache)
	usersService := users.NewService(users.NewRepository(dbpool))

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		UsersHandler: users.NewHandler(logger, usersService),
		AdjustmentHandler: adjustmenthttp.NewHandler(logger, adjustmentService, coordinator, catalogService, adjustmenthttp.Options{
			ActionLimit: cfg.ApprovalActionLimit,
			History:     approvalRecorder,
		}),
		JobHandler: jobs.NewHandler(inspector, logger),
		Metrics:    metrics,
		Database:   dbpool,
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadTimeout:       cfg.AppReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

// Package main запускает HTTP-сервер сервиса заказов metroshop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/metroshop/internal/assignment"
	"github.com/mmeshcher/metroshop/internal/config"
	"github.com/mmeshcher/metroshop/internal/handler"
	"github.com/mmeshcher/metroshop/internal/ledger"
	"github.com/mmeshcher/metroshop/internal/metrics"
	"github.com/mmeshcher/metroshop/internal/middleware"
	"github.com/mmeshcher/metroshop/internal/notify"
	"github.com/mmeshcher/metroshop/internal/payment"
	"github.com/mmeshcher/metroshop/internal/processor"
	"github.com/mmeshcher/metroshop/internal/repository"
	"github.com/mmeshcher/metroshop/internal/service"
	"github.com/mmeshcher/metroshop/internal/session"
)

const (
	notifyQueueSize   = 256
	deliveryGuardSize = 4096
	deliveryGuardTTL  = 24 * time.Hour
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var repo service.Repository
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo = pg
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory storage")
		repo = repository.NewMemoryStore()
	}

	m := metrics.MustNewMetrics(prometheus.DefaultRegisterer)

	var sink notify.Notifier
	if cfg.NotifyURL != "" {
		sink = notify.NewHTTPNotifier(cfg.NotifyURL, cfg.PaymentTimeout)
	} else {
		sink = notify.NewLogNotifier(logger)
	}
	dispatcher := notify.NewDispatcher(sink, notifyQueueSize, logger, m)

	deps := service.Deps{
		Ledger:       ledger.New(config.BasisPoints(cfg.WorkerPercent), config.BasisPoints(cfg.ReferralPercent)),
		Pool:         assignment.NewPool(cfg.MaxWorkersPerOrder),
		Notifier:     dispatcher,
		Metrics:      m,
		Logger:       logger,
		PollInterval: cfg.PollInterval,
	}
	if cfg.PaymentSystemAddress != "" {
		deps.Payments = processor.NewClient(cfg.PaymentSystemAddress, cfg.PaymentTimeout)
	}

	svc := service.NewService(repo, deps)
	defer svc.Close()

	guard, closeGuard, err := newDeliveryGuard(cfg.RedisAddr)
	if err != nil {
		sugar.Fatalw("delivery guard initialization error", "error", err.Error())
	}
	defer closeGuard()

	sessions, err := session.NewStore(cfg.SessionCacheSize)
	if err != nil {
		sugar.Fatalw("session store initialization error", "error", err.Error())
	}

	if cfg.PaymentSecret == "" {
		sugar.Warn("PAYMENT_SECRET is empty, payment callbacks will be rejected")
	}
	callback := payment.NewCallbackHandler(payment.NewVerifier(cfg.PaymentSecret), svc, guard, logger, m)

	if cfg.FrontendSecret == "" {
		sugar.Warn("FRONTEND_SECRET is empty, user registration will be rejected")
	}

	h := handler.NewHandler(svc, logger, handler.Deps{
		Auth:            middleware.NewAuthMiddleware(cfg.AuthSecret),
		Staff:           middleware.NewStaffMiddleware(cfg.AdminIDs, svc.GetUser),
		Frontend:        payment.NewVerifier(cfg.FrontendSecret),
		Sessions:        sessions,
		PaymentCallback: callback,
		Metrics:         promhttp.Handler(),
	})

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dispatcher.Run(ctx)
	})

	g.Go(func() error {
		return svc.RunPaymentReconciliation(ctx)
	})

	g.Go(func() error {
		sugar.Infow("starting metroshop server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

// newDeliveryGuard выбирает хранилище уже обработанных уведомлений: Redis, если адрес задан,
// иначе LRU в памяти процесса.
func newDeliveryGuard(redisAddr string) (payment.DeliveryGuard, func(), error) {
	if redisAddr == "" {
		g, err := payment.NewMemoryDeliveryGuard(deliveryGuardSize)
		return g, func() {}, err
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}

	return payment.NewRedisDeliveryGuard(rdb, deliveryGuardTTL), func() { _ = rdb.Close() }, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/api"
	"github.com/LeventeLantos/message-dispatch/internal/cache"
	"github.com/LeventeLantos/message-dispatch/internal/client"
	"github.com/LeventeLantos/message-dispatch/internal/config"
	"github.com/LeventeLantos/message-dispatch/internal/logging"
	"github.com/LeventeLantos/message-dispatch/internal/metrics"
	"github.com/LeventeLantos/message-dispatch/internal/model"
	"github.com/LeventeLantos/message-dispatch/internal/repo"
	"github.com/LeventeLantos/message-dispatch/internal/scheduler"
	"github.com/LeventeLantos/message-dispatch/internal/service"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("dispatcher exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialect, err := repo.ParseDialect(cfg.Database.Driver)
	if err != nil {
		return err
	}
	store, err := repo.Open(ctx, dialect, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	var (
		counters repo.CounterRepository = store
		receipts cache.MessageCache
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		receipts = cache.NewRedisCache(rdb, cfg.Redis.TTL)
		if cfg.Dispatch.CounterBackend == "redis" {
			counters = cache.NewRedisCounter(rdb, cache.MinCounterRetention)
		}
	}

	transport := client.NewWebhookClient(cfg.Webhook.URL, client.WithTimeout(cfg.Webhook.Timeout))

	limiter := service.NewDailyLimiter(counters, cfg.Dispatch.Location)

	queueOpts := []service.QueueOption{
		service.WithDefaults(cfg.Dispatch.DefaultMaxAttempts, cfg.Dispatch.DefaultEditWindow),
		service.WithLogger(logger),
	}
	dispatchOpts := []service.DispatcherOption{
		service.WithSendTimeout(cfg.Webhook.Timeout),
		service.WithClaimLease(cfg.Dispatch.ClaimLease),
		service.WithDispatchLogger(logger),
	}
	if cfg.Webhook.RatePerSec > 0 {
		dispatchOpts = append(dispatchOpts, service.WithPacing(cfg.Webhook.RatePerSec))
	}
	if receipts != nil {
		queueOpts = append(queueOpts, service.WithReceipts(receipts))
		dispatchOpts = append(dispatchOpts, service.WithReceiptCache(receipts))
	}
	queue := service.NewQueueService(store, store, limiter, queueOpts...)
	dispatcher := service.NewDispatcher(store, store, limiter, transport, dispatchOpts...)

	m := metrics.New()
	ticker := observedTicker{d: dispatcher, m: m}

	settings, err := store.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	sched, err := scheduler.New(settings.DispatchInterval, func(ctx context.Context) {
		if _, err := ticker.Tick(ctx); err != nil {
			logger.Warn("dispatch tick finished with errors", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	queue.OnSettingsChange(func(s model.Settings) {
		if err := sched.Reschedule(s.DispatchInterval); err != nil {
			logger.Error("failed to reschedule dispatch", "interval", s.DispatchInterval, "err", err)
		}
	})

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(api.NewHandler(sched, queue, ticker, m.Handler()))),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("message dispatch starting",
		"addr", cfg.Server.Address,
		"db", string(dialect),
		"interval", settings.DispatchInterval,
		"dailyLimit", settings.DailyLimit,
		"counters", cfg.Dispatch.CounterBackend,
		"redis", cfg.Redis.Enabled,
	)

	sched.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sched.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("message dispatch stopped")
	return err
}

// observedTicker records every tick, scheduled or manual, into metrics.
type observedTicker struct {
	d *service.Dispatcher
	m *metrics.Metrics
}

func (t observedTicker) Tick(ctx context.Context) (service.TickReport, error) {
	report, err := t.d.Tick(ctx)
	t.m.Observe(report, err)
	return report, err
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

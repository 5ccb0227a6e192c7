package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/paymentops/subsync/internal/billing"
	"github.com/paymentops/subsync/internal/config"
	"github.com/paymentops/subsync/internal/httpapi"
	"github.com/paymentops/subsync/internal/notify"
	"github.com/paymentops/subsync/internal/storage/postgres"
	"github.com/paymentops/subsync/internal/storage/rediscache"
)

type appConfig struct {
	Env       string `env:"APP_ENV" envDefault:"development"`
	Addr      string `env:"HTTP_ADDR" envDefault:":8080"`
	PlansFile string `env:"PLANS_FILE" envDefault:"plans.json"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("service exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var appCfg appConfig
	var pgCfg postgres.Config
	var paddleCfg billing.PaddleConfig
	var redisCfg rediscache.Config
	var opsCfg notify.PostmarkConfig
	config.MustLoad(&appCfg)
	config.MustLoad(&pgCfg)
	config.MustLoad(&paddleCfg)
	config.MustLoad(&redisCfg)
	config.MustLoad(&opsCfg)

	log := newLogger(appCfg.Env)
	slog.SetDefault(log)

	pool, err := postgres.Connect(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool, log); err != nil {
		return err
	}

	plans, err := loadPlans(appCfg.PlansFile)
	if err != nil {
		return err
	}
	var catalog billing.Catalog = billing.NewInMemCatalog(plans...)
	if redisCfg.RedisURL != "" {
		opt, err := redis.ParseURL(redisCfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		catalog = rediscache.NewCatalog(catalog, redis.NewClient(opt), redisCfg.TTL, log)
	}

	processor, err := billing.NewPaddleProcessor(paddleCfg)
	if err != nil {
		return err
	}

	opts := []billing.Option{}
	if opsCfg.Enabled() {
		opts = append(opts, billing.WithOpsNotifier(notify.NewPostmarkNotifier(opsCfg, log)))
	}

	svc := billing.NewService(
		catalog,
		postgres.NewSubscriptionStore(pool),
		postgres.NewCustomerStore(pool),
		postgres.NewPaymentStore(pool),
		postgres.NewEventStore(pool),
		processor,
		log,
		opts...,
	)

	server := &http.Server{
		Addr:              appCfg.Addr,
		Handler:           httpapi.NewRouter(svc, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "listening", slog.String("addr", appCfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newLogger(env string) *slog.Logger {
	if env == "production" || env == "staging" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})).
			With(slog.String("service", "subsync"), slog.String("env", env))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})).
		With(slog.String("service", "subsync"))
}

func loadPlans(path string) ([]billing.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plans file %s: %w", path, err)
	}
	var plans []billing.Plan
	if err := json.Unmarshal(data, &plans); err != nil {
		return nil, fmt.Errorf("failed to parse plans file %s: %w", path, err)
	}
	return plans, nil
}

// Command hookrelay runs the webhook delivery engine: the retry worker and the admin API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"hookrelay/internal/api"
	"hookrelay/internal/auth"
	"hookrelay/internal/buildinfo"
	"hookrelay/internal/config"
	"hookrelay/internal/events"
	"hookrelay/internal/logging"
	"hookrelay/internal/metrics"
	"hookrelay/internal/model"
	"hookrelay/internal/store"
	"hookrelay/internal/webhooks"
)

func main() {
	configPath := flag.String("config", os.Getenv("HOOKRELAY_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	metrics.RegisterDefault()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("hookrelay stopped")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log.Info().Interface("build", buildinfo.Info()).Str("store", cfg.Store.Driver).Msg("starting hookrelay")

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if err := seedWebhooks(ctx, st, cfg.Webhooks); err != nil {
		return err
	}

	broker, closeBroker, err := openBroker(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer closeBroker()

	policy, err := cfg.RetryPolicy()
	if err != nil {
		return err
	}
	engine := webhooks.New(st, buildTransport(cfg), policy,
		webhooks.WithBroker(broker),
		webhooks.WithBatchSize(cfg.Worker.BatchSize),
		webhooks.WithConcurrency(cfg.Worker.Concurrency),
		webhooks.WithRequestTimeout(cfg.Worker.RequestTimeout),
	)

	worker := webhooks.NewWorker(engine, cfg.Worker.Interval, cfg.Retention.MaxAge)
	worker.Start(ctx)
	defer worker.Stop()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewServer(st, engine, broker, auth.NewVerifier(cfg.Auth.Mode, cfg.Auth.HMACSecret)).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		st, err := store.OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "postgres":
		if cfg.Migrate {
			if err := store.MigratePostgres(cfg.DSN); err != nil {
				return nil, err
			}
		}
		st, err := store.NewPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// openBroker uses Redis when configured so every engine process feeds the same stream.
func openBroker(ctx context.Context, cfg config.RedisConfig) (events.Broker, func(), error) {
	if cfg.URL == "" {
		return events.NewMemory(), func() {}, nil
	}
	rb, err := events.NewRedisBroker(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis broker: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rb.Ping(pctx); err != nil {
		_ = rb.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return rb, func() { _ = rb.Close() }, nil
}

// buildTransport stacks the per-host circuit breaker and the per-webhook
// rate limit on top of the HTTP client. Zero values disable a layer.
func buildTransport(cfg *config.Config) webhooks.Transport {
	var tr webhooks.Transport = webhooks.NewHTTPTransport(cfg.Worker.RequestTimeout)
	if cfg.Breaker.FailureThreshold > 0 {
		settings := webhooks.DefaultBreakerSettings()
		settings.FailureThreshold = cfg.Breaker.FailureThreshold
		if cfg.Breaker.OpenTimeout > 0 {
			settings.OpenTimeout = cfg.Breaker.OpenTimeout
		}
		tr = webhooks.NewBreakerTransport(tr, settings)
	}
	if cfg.RateLimit.PerSecond > 0 {
		tr = webhooks.NewRateLimitedTransport(tr, cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)
	}
	return tr
}

// seedWebhooks upserts the webhooks declared in config.
func seedWebhooks(ctx context.Context, st store.Store, hooks []config.WebhookConfig) error {
	for _, h := range hooks {
		w, err := model.NewWebhook(h.ID, h.URL, h.Events, h.Secret, h.IsActive(), h.Description)
		if err != nil {
			return fmt.Errorf("webhook %q: %w", h.ID, err)
		}
		if _, err := st.SaveWebhook(ctx, w); err != nil {
			return fmt.Errorf("save webhook %q: %w", h.ID, err)
		}
		log.Info().Str("webhook_id", w.ID).Strs("events", w.Events).Bool("active", w.Active).Msg("webhook registered")
	}
	return nil
}

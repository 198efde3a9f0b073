package main

import (
	"context"
	"log/slog"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/wilsonzlin/aero/proxy/session-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/events"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/ledger"
)

type ledgerBackend struct {
	store    ledger.Store
	archiver ledger.Archiver
	history  ledger.HistoryReader
	ping     func(context.Context) error
	close    func()
}

func ledgerKind(cfg config.Config) string {
	if cfg.DatabaseURL == "" {
		return "memory"
	}
	return "postgres"
}

// openLedger connects the Postgres ledger behind a circuit breaker, or falls
// back to the in-memory ledger when no database is configured (dev only; prod
// config requires DATABASE_URL).
func openLedger(ctx context.Context, cfg config.Config, logger *slog.Logger) (ledgerBackend, error) {
	if cfg.DatabaseURL == "" {
		mem := ledger.NewMemory(nil)
		mem.OpeningBalance = cfg.DevLedgerOpeningBalanceCents
		return ledgerBackend{
			store:    mem,
			archiver: mem,
			history:  mem,
			close:    func() {},
		}, nil
	}

	if cfg.MigrateOnStart {
		if err := ledger.RunMigrations(cfg.DatabaseURL); err != nil {
			return ledgerBackend{}, err
		}
		logger.Info("ledger migrations applied")
	}
	pool, err := ledger.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return ledgerBackend{}, err
	}
	pg := ledger.NewPostgres(pool)
	breaker := ledger.NewBreaker(pg, pg, cfg.LedgerBreakerTimeout, uint32(cfg.LedgerMaxConsecutiveFailures))
	return ledgerBackend{
		store:    breaker,
		archiver: breaker,
		history:  breaker,
		ping:     pool.Ping,
		close:    pool.Close,
	}, nil
}

type publisherBackend struct {
	pub   events.Publisher
	close func()
}

func openPublisher(ctx context.Context, cfg config.Config, logger *slog.Logger) (publisherBackend, error) {
	if cfg.RedisURL == "" {
		return publisherBackend{pub: events.NewLogPublisher(logger), close: func() {}}, nil
	}
	client, err := events.ConnectRedis(ctx, cfg.RedisURL)
	if err != nil {
		return publisherBackend{}, err
	}
	return publisherBackend{
		pub:   events.NewRedisPublisher(client, cfg.SessionEventsChannel),
		close: func() { closeRedis(client, logger) },
	}, nil
}

func closeRedis(client *redis.Client, logger *slog.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn("closing redis client failed", "err", err)
	}
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

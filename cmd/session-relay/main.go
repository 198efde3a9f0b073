package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/wilsonzlin/aero/proxy/session-relay/internal/api"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/chat"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/gateway"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/room"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/session"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting session-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"max_sessions", cfg.MaxSessions,
		"billing_tick_interval", cfg.BillingTickInterval,
		"reconnect_grace", cfg.ReconnectGrace,
		"ledger", ledgerKind(cfg),
		"redis_url_set", cfg.RedisURL != "",
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Error("invalid ICE server configuration; /webrtc/ice and /readyz will report it", "err", err)
	}
	logStartupSecurityWarnings(logger, cfg)

	startCtx, cancelStart := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	ledgerStore, err := openLedger(startCtx, cfg, logger)
	if err != nil {
		cancelStart()
		logger.Error("failed to open ledger", "err", err)
		os.Exit(1)
	}
	defer ledgerStore.close()

	publisher, err := openPublisher(startCtx, cfg, logger)
	cancelStart()
	if err != nil {
		logger.Error("failed to connect session event publisher", "err", err)
		os.Exit(1)
	}
	defer publisher.close()

	reg := newRegistry()
	m := metrics.NewCollector(reg)

	chatRelay := chat.NewRelay(chat.Config{
		HistorySize:     cfg.ChatHistorySize,
		MaxMessageBytes: cfg.MaxChatMessageBytes,
		Logger:          logger,
		Metrics:         m,
	})
	mgr, err := session.NewManager(sessionConfig(cfg), session.Deps{
		Rooms:     room.NewRegistry(session.PresenceMetrics(m)),
		Chat:      chatRelay,
		Ledger:    ledgerStore.store,
		Archiver:  ledgerStore.archiver,
		Publisher: publisher.pub,
		Metrics:   m,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to configure session manager", "err", err)
		os.Exit(2)
	}

	var turn *turnrest.Generator
	if cfg.TURNREST.Enabled() {
		turn, err = turnrest.NewGenerator(cfg.TURNREST, nil)
		if err != nil {
			logger.Error("failed to configure TURN REST credentials", "err", err)
			os.Exit(2)
		}
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, httpserver.Options{
		Gatherer:   reg,
		TURN:       turn,
		ReadyCheck: ledgerStore.ping,
	})

	sessionAPI, err := api.New(cfg, mgr, chatRelay, api.Options{Logger: logger, Metrics: m, History: ledgerStore.history})
	if err != nil {
		logger.Error("failed to configure session api", "err", err)
		os.Exit(2)
	}
	gw, err := gateway.NewServer(cfg, mgr, gateway.Options{Logger: logger, Metrics: m})
	if err != nil {
		logger.Error("failed to configure participant websocket", "err", err)
		os.Exit(2)
	}

	router := srv.Router()
	router.Group(func(r chi.Router) {
		r.Use(srv.OriginMiddleware())
		r.Mount("/api/v1", sessionAPI.Routes())
	})
	router.Method(http.MethodGet, "/ws/session", gw)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		closeSessions(mgr, cfg, logger)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	// Hijacked WebSockets outlive srv.Shutdown; ending the sessions runs the
	// final debits and closes every participant connection.
	closeSessions(mgr, cfg, logger)

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func closeSessions(mgr *session.Manager, cfg config.Config, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := mgr.Close(ctx); err != nil {
		logger.Error("ending live sessions failed", "err", err)
	}
}

func sessionConfig(cfg config.Config) session.Config {
	return session.Config{
		MaxSessions:            cfg.MaxSessions,
		TickInterval:           cfg.BillingTickInterval,
		MinBillableWindow:      cfg.BillingMinWindow,
		MaxConsecutiveFailures: cfg.LedgerMaxConsecutiveFailures,
		DebitTimeout:           cfg.LedgerDebitTimeout,
		FinalDebitTimeout:      cfg.FinalDebitTimeout,
		ReconnectGrace:         cfg.ReconnectGrace,
		JoinTimeout:            cfg.JoinTimeout,
		HandshakeTimeout:       cfg.HandshakeTimeout,
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}

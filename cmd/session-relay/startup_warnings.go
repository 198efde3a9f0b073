package main

import (
	"log/slog"
	"slices"
	"time"

	"github.com/wilsonzlin/aero/proxy/session-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/origin"
)

const minJWTSecretBytes = 32

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none disables authentication; anyone can create sessions and join as any participant",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if cfg.AuthMode == config.AuthModeJWT && len(cfg.JWTSecret) < minJWTSecretBytes {
		logger.Warn("startup security warning: JWT_SECRET is shorter than 32 bytes",
			"warning_code", "jwt_secret_short",
			"jwt_secret_bytes", len(cfg.JWTSecret),
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, origin.Wildcard) {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.DatabaseURL == "" {
		logger.Warn("startup warning: DATABASE_URL is unset; balances and charges live in memory and are lost on restart",
			"warning_code", "ledger_in_memory",
			"opening_balance_cents", cfg.DevLedgerOpeningBalanceCents,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSessions <= 0 {
		logger.Warn("startup security warning: MAX_SESSIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_sessions_unlimited_in_prod",
			"max_sessions", cfg.MaxSessions,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.RedisURL == "" {
		logger.Warn("startup warning: REDIS_URL is unset while --mode=prod; final session events are only logged",
			"warning_code", "session_events_log_only",
			"mode", cfg.Mode,
		)
	}

	// Usage between ticks is only charged by the next tick or the final debit,
	// so a long interval widens what a crash leaves unbilled.
	if cfg.BillingTickInterval > 5*time.Minute {
		logger.Warn("startup warning: BILLING_TICK_INTERVAL is very large (more unbilled usage is at risk if the relay stops)",
			"warning_code", "billing_tick_interval_large",
			"billing_tick_interval", cfg.BillingTickInterval,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
}

package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(noEnv, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.AuthMode != AuthModeNone {
		t.Fatalf("authMode=%q, want %q", cfg.AuthMode, AuthModeNone)
	}
	if cfg.BillingTickInterval != DefaultDevBillingTickInterval {
		t.Fatalf("BillingTickInterval=%v, want %v", cfg.BillingTickInterval, DefaultDevBillingTickInterval)
	}
	if cfg.BillingMinWindow != DefaultBillingMinWindow {
		t.Fatalf("BillingMinWindow=%v, want %v", cfg.BillingMinWindow, DefaultBillingMinWindow)
	}
	if cfg.ReconnectGrace != DefaultReconnectGrace || cfg.JoinTimeout != DefaultJoinTimeout || cfg.HandshakeTimeout != DefaultHandshakeTimeout {
		t.Fatalf("lifecycle timers=%v/%v/%v", cfg.ReconnectGrace, cfg.JoinTimeout, cfg.HandshakeTimeout)
	}
	if cfg.LedgerMaxConsecutiveFailures != DefaultLedgerMaxConsecutiveFailures {
		t.Fatalf("LedgerMaxConsecutiveFailures=%d, want %d", cfg.LedgerMaxConsecutiveFailures, DefaultLedgerMaxConsecutiveFailures)
	}
	if cfg.SendQueueBytes != DefaultSendQueueBytes {
		t.Fatalf("SendQueueBytes=%d, want %d", cfg.SendQueueBytes, DefaultSendQueueBytes)
	}
	if cfg.DatabaseURL != "" || cfg.RedisURL != "" {
		t.Fatalf("expected no backing services, got db=%q redis=%q", cfg.DatabaseURL, cfg.RedisURL)
	}
	if cfg.DevLedgerOpeningBalanceCents != DefaultDevLedgerOpeningBalanceCents {
		t.Fatalf("DevLedgerOpeningBalanceCents=%d, want %d", cfg.DevLedgerOpeningBalanceCents, DefaultDevLedgerOpeningBalanceCents)
	}
	if cfg.SessionEventsChannel != DefaultSessionEventsChannel {
		t.Fatalf("SessionEventsChannel=%q, want %q", cfg.SessionEventsChannel, DefaultSessionEventsChannel)
	}
	if cfg.ICEConfigError() != nil || len(cfg.ICEServers) != 0 {
		t.Fatalf("ICE=%v err=%v, want none", cfg.ICEServers, cfg.ICEConfigError())
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarDatabaseURL: "postgres://relay@db:5432/relay",
		envVarJWTSecret:   "s3cret",
	}), []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.AuthMode != AuthModeJWT {
		t.Fatalf("authMode=%q, want %q", cfg.AuthMode, AuthModeJWT)
	}
	if cfg.BillingTickInterval != DefaultBillingTickInterval {
		t.Fatalf("BillingTickInterval=%v, want %v", cfg.BillingTickInterval, DefaultBillingTickInterval)
	}
}

func TestProdRequiresDatabase(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarMode:      "prod",
		envVarJWTSecret: "s3cret",
	}), nil)
	if err == nil || !strings.Contains(err.Error(), envVarDatabaseURL) {
		t.Fatalf("err=%v, want mention of %s", err, envVarDatabaseURL)
	}
}

func TestLogFormatExplicitOverride(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarDatabaseURL: "postgres://db/relay",
		envVarAuthMode:    "none",
	}), []string{"--mode", "prod", "--log-format", "text"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.AuthMode != AuthModeNone {
		t.Fatalf("authMode=%q, want explicit env value %q", cfg.AuthMode, AuthModeNone)
	}
}

func TestBillingTickInterval_ExplicitValueWinsOverMode(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarBillingTickInterval: "30s",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BillingTickInterval != 30*time.Second {
		t.Fatalf("BillingTickInterval=%v, want 30s", cfg.BillingTickInterval)
	}

	cfg, err = load(noEnv, []string{"--billing-tick-interval", "15s", "--billing-min-window", "1s"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BillingTickInterval != 15*time.Second || cfg.BillingMinWindow != time.Second {
		t.Fatalf("tick=%v window=%v, want 15s/1s", cfg.BillingTickInterval, cfg.BillingMinWindow)
	}
}

func TestValidationErrorsNameEnvAndFlag(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		args []string
		want string
	}{
		{name: "min window above tick", env: map[string]string{envVarBillingMinWindow: "20s"}, want: "BILLING_MIN_WINDOW/--billing-min-window"},
		{name: "zero grace", args: []string{"--reconnect-grace", "0s"}, want: "RECONNECT_GRACE/--reconnect-grace"},
		{name: "negative max sessions", env: map[string]string{envVarMaxSessions: "-1"}, want: "MAX_SESSIONS/--max-sessions"},
		{name: "ping not below idle", env: map[string]string{envVarSignalingWSPingInterval: "60s"}, want: "SIGNALING_WS_PING_INTERVAL/--signaling-ws-ping-interval"},
		{name: "chat larger than frame", env: map[string]string{envVarMaxChatMessageBytes: "70000"}, want: "MAX_CHAT_MESSAGE_BYTES/--max-chat-message-bytes"},
		{name: "negative opening balance", args: []string{"--dev-ledger-opening-balance-cents", "-1"}, want: "DEV_LEDGER_OPENING_BALANCE_CENTS/--dev-ledger-opening-balance-cents"},
		{name: "bad duration", env: map[string]string{envVarJoinTimeout: "soon"}, want: "invalid JOIN_TIMEOUT"},
		{name: "api key mode without key", env: map[string]string{envVarAuthMode: "api_key"}, want: "API_KEY must be set"},
		{name: "bad database scheme", env: map[string]string{envVarDatabaseURL: "mysql://db/relay"}, want: "DATABASE_URL"},
		{name: "bad redis scheme", env: map[string]string{envVarRedisURL: "http://cache:6379"}, want: "REDIS_URL"},
		{name: "migrate without database", env: map[string]string{envVarMigrateOnStart: "true"}, want: "MIGRATE_ON_START requires DATABASE_URL"},
		{name: "turn rest prefix colon", env: map[string]string{envVarTURNRESTSharedSecret: "x", envVarTURNRESTUsernamePrefix: "a:b"}, want: "must not contain ':'"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(lookupMap(tc.env), tc.args)
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestBackingServices(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarDatabaseURL:          " postgresql://relay@db/relay?sslmode=disable ",
		envVarMigrateOnStart:       "true",
		envVarRedisURL:             "redis://cache:6379/0",
		envVarSessionEventsChannel: "sessions",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgresql://relay@db/relay?sslmode=disable" {
		t.Fatalf("DatabaseURL=%q", cfg.DatabaseURL)
	}
	if !cfg.MigrateOnStart {
		t.Fatalf("MigrateOnStart=false, want true")
	}
	if cfg.RedisURL != "redis://cache:6379/0" || cfg.SessionEventsChannel != "sessions" {
		t.Fatalf("redis=%q channel=%q", cfg.RedisURL, cfg.SessionEventsChannel)
	}
}

func TestICEConfigErrorDoesNotFailLoad(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envTurnURLs: "turn:turn.example.com:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error for TURN without credentials")
	}

	cfg, err = load(lookupMap(map[string]string{
		envTurnURLs:                "turn:turn.example.com:3478",
		envVarTURNRESTSharedSecret: "secret",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ICEConfigError() != nil {
		t.Fatalf("ICEConfigError=%v, want nil with TURN REST enabled", cfg.ICEConfigError())
	}
	if !cfg.TURNREST.Enabled() || cfg.TURNREST.UsernamePrefix != DefaultTURNRESTUsernamePrefix {
		t.Fatalf("TURNREST=%+v", cfg.TURNREST)
	}
}

func TestParseAllowedOrigins_NormalizesAndValidates(t *testing.T) {
	got, err := parseAllowedOrigins("HTTPS://Example.COM:443, http://localhost:5173/")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2 (%v)", len(got), got)
	}
	if got[0] != "https://example.com:443" {
		t.Fatalf("got[0]=%q, want %q", got[0], "https://example.com:443")
	}
	if got[1] != "http://localhost:5173" {
		t.Fatalf("got[1]=%q, want %q", got[1], "http://localhost:5173")
	}
}

func TestParseAllowedOrigins_AllowsStarAndNull(t *testing.T) {
	got, err := parseAllowedOrigins("*,null")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	if len(got) != 2 || got[0] != "*" || got[1] != "null" {
		t.Fatalf("got=%v, want [* null]", got)
	}
}

func TestParseAllowedOrigins_RejectsPathQueryAndCredentials(t *testing.T) {
	cases := []string{
		"ftp://example.com",
		"https://example.com/path",
		"https://example.com/?q=1",
		"https://user@example.com",
		"https://example.com/#frag",
	}
	for _, raw := range cases {
		if _, err := parseAllowedOrigins(raw); err == nil {
			t.Fatalf("expected error for %q, got nil", raw)
		}
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []LogFormat{LogFormatText, LogFormatJSON} {
		if _, err := NewLogger(Config{LogFormat: format}); err != nil {
			t.Fatalf("NewLogger(%q): %v", format, err)
		}
	}
	if _, err := NewLogger(Config{LogFormat: "xml"}); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

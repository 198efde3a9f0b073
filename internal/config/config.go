package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/session-relay/internal/origin"
)

const (
	envVarListenAddr      = "SESSION_RELAY_LISTEN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "SESSION_RELAY_LOG_FORMAT"
	envVarLogLevel        = "SESSION_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "SESSION_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "SESSION_RELAY_MODE"

	// Participant WebSocket auth + hardening.
	envVarAuthMode                      = "AUTH_MODE"
	envVarAPIKey                        = "API_KEY"
	envVarJWTSecret                     = "JWT_SECRET"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSendQueueBytes                = "SIGNALING_SEND_QUEUE_BYTES"

	envVarMaxSessions = "MAX_SESSIONS"

	// Billing and lifecycle timers.
	envVarBillingTickInterval          = "BILLING_TICK_INTERVAL"
	envVarBillingMinWindow             = "BILLING_MIN_WINDOW"
	envVarLedgerMaxConsecutiveFailures = "LEDGER_MAX_CONSECUTIVE_FAILURES"
	envVarLedgerBreakerTimeout         = "LEDGER_BREAKER_TIMEOUT"
	envVarLedgerDebitTimeout           = "LEDGER_DEBIT_TIMEOUT"
	envVarFinalDebitTimeout            = "FINAL_DEBIT_TIMEOUT"
	envVarReconnectGrace               = "RECONNECT_GRACE"
	envVarJoinTimeout                  = "JOIN_TIMEOUT"
	envVarHandshakeTimeout             = "HANDSHAKE_TIMEOUT"

	envVarChatHistorySize     = "CHAT_HISTORY_SIZE"
	envVarMaxChatMessageBytes = "MAX_CHAT_MESSAGE_BYTES"

	// Backing services.
	envVarDatabaseURL          = "DATABASE_URL"
	envVarMigrateOnStart       = "MIGRATE_ON_START"
	envVarRedisURL             = "REDIS_URL"
	envVarSessionEventsChannel = "SESSION_EVENTS_CHANNEL"

	envVarDevLedgerOpeningBalanceCents = "DEV_LEDGER_OPENING_BALANCE_CENTS"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSendQueueBytes                = 1 << 20 // 1MiB

	// DefaultBillingTickInterval is the production tick; dev mode ticks every
	// DefaultDevBillingTickInterval so charges show up quickly.
	DefaultBillingTickInterval          = 60 * time.Second
	DefaultDevBillingTickInterval       = 10 * time.Second
	DefaultBillingMinWindow             = 5 * time.Second
	DefaultLedgerMaxConsecutiveFailures = 3
	DefaultLedgerBreakerTimeout         = 30 * time.Second
	DefaultLedgerDebitTimeout           = 10 * time.Second
	DefaultFinalDebitTimeout            = 15 * time.Second
	DefaultReconnectGrace               = 30 * time.Second
	DefaultJoinTimeout                  = 2 * time.Minute
	DefaultHandshakeTimeout             = 45 * time.Second

	DefaultChatHistorySize     = 200
	DefaultMaxChatMessageBytes = 4096

	DefaultSessionEventsChannel = "session-relay.sessions"

	// DefaultDevLedgerOpeningBalanceCents funds unknown accounts in the
	// in-memory ledger used when DATABASE_URL is unset.
	DefaultDevLedgerOpeningBalanceCents = 100_000

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "session-relay"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	AuthMode  AuthMode
	APIKey    string
	JWTSecret string

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	// SendQueueBytes bounds the outbound frames buffered per participant
	// connection. A peer that falls this far behind is disconnected.
	SendQueueBytes int

	// MaxSessions caps live sessions (0 = unlimited).
	MaxSessions int

	BillingTickInterval          time.Duration
	BillingMinWindow             time.Duration
	LedgerMaxConsecutiveFailures int
	LedgerBreakerTimeout         time.Duration
	LedgerDebitTimeout           time.Duration
	FinalDebitTimeout            time.Duration
	ReconnectGrace               time.Duration
	JoinTimeout                  time.Duration
	HandshakeTimeout             time.Duration

	ChatHistorySize     int
	MaxChatMessageBytes int

	// DatabaseURL selects the Postgres ledger. When empty the relay runs on
	// the in-memory ledger, which is only accepted in dev mode.
	DatabaseURL    string
	MigrateOnStart bool
	// RedisURL enables publishing final session events to Redis pub/sub.
	RedisURL             string
	SessionEventsChannel string

	DevLedgerOpeningBalanceCents int64

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE server configuration. It is kept out
// of Load's error so the relay can still start (and serve an empty ICE list)
// while the problem is surfaced at startup.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	envAuthMode, envAuthModeOK := lookup(envVarAuthMode)
	envAuthModeSet := envAuthModeOK && strings.TrimSpace(envAuthMode) != ""
	authModeDefault := envAuthMode
	if !envAuthModeSet {
		authModeDefault = string(defaultAuthModeForMode(modeDefault))
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, "")

	databaseURL := envOrDefault(lookup, envVarDatabaseURL, "")
	redisURL := envOrDefault(lookup, envVarRedisURL, "")
	sessionEventsChannel := envOrDefault(lookup, envVarSessionEventsChannel, DefaultSessionEventsChannel)
	migrateOnStart, err := envBoolOrDefault(lookup, envVarMigrateOnStart, false)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	sendQueueBytes, err := envIntOrDefault(lookup, envVarSendQueueBytes, DefaultSendQueueBytes)
	if err != nil {
		return Config{}, err
	}
	maxSessions, err := envIntOrDefault(lookup, envVarMaxSessions, 0)
	if err != nil {
		return Config{}, err
	}

	// The tick default follows the mode, so only an explicit env value counts
	// as "set" here.
	envTick, envTickOK := lookup(envVarBillingTickInterval)
	envTickSet := envTickOK && strings.TrimSpace(envTick) != ""
	billingTickInterval, err := envDurationOrDefault(lookup, envVarBillingTickInterval, defaultBillingTickForMode(modeDefault))
	if err != nil {
		return Config{}, err
	}
	billingMinWindow, err := envDurationOrDefault(lookup, envVarBillingMinWindow, DefaultBillingMinWindow)
	if err != nil {
		return Config{}, err
	}
	ledgerMaxConsecutiveFailures, err := envIntOrDefault(lookup, envVarLedgerMaxConsecutiveFailures, DefaultLedgerMaxConsecutiveFailures)
	if err != nil {
		return Config{}, err
	}
	ledgerBreakerTimeout, err := envDurationOrDefault(lookup, envVarLedgerBreakerTimeout, DefaultLedgerBreakerTimeout)
	if err != nil {
		return Config{}, err
	}
	ledgerDebitTimeout, err := envDurationOrDefault(lookup, envVarLedgerDebitTimeout, DefaultLedgerDebitTimeout)
	if err != nil {
		return Config{}, err
	}
	finalDebitTimeout, err := envDurationOrDefault(lookup, envVarFinalDebitTimeout, DefaultFinalDebitTimeout)
	if err != nil {
		return Config{}, err
	}
	reconnectGrace, err := envDurationOrDefault(lookup, envVarReconnectGrace, DefaultReconnectGrace)
	if err != nil {
		return Config{}, err
	}
	joinTimeout, err := envDurationOrDefault(lookup, envVarJoinTimeout, DefaultJoinTimeout)
	if err != nil {
		return Config{}, err
	}
	handshakeTimeout, err := envDurationOrDefault(lookup, envVarHandshakeTimeout, DefaultHandshakeTimeout)
	if err != nil {
		return Config{}, err
	}
	chatHistorySize, err := envIntOrDefault(lookup, envVarChatHistorySize, DefaultChatHistorySize)
	if err != nil {
		return Config{}, err
	}
	maxChatMessageBytes, err := envIntOrDefault(lookup, envVarMaxChatMessageBytes, DefaultMaxChatMessageBytes)
	if err != nil {
		return Config{}, err
	}
	devLedgerOpeningBalanceCents, err := envIntOrDefault(lookup, envVarDevLedgerOpeningBalanceCents, DefaultDevLedgerOpeningBalanceCents)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("session-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Participant auth mode: none, api_key, or jwt (env "+envVarAuthMode+")")
	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle participant WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound WS messages per second per connection (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&sendQueueBytes, "send-queue-bytes", sendQueueBytes, "Max queued outbound bytes per connection before disconnecting (env "+envVarSendQueueBytes+")")

	fs.IntVar(&maxSessions, "max-sessions", maxSessions, "Maximum concurrent sessions (0 = unlimited)")
	fs.DurationVar(&billingTickInterval, "billing-tick-interval", billingTickInterval, "Interval between billing debits (env "+envVarBillingTickInterval+")")
	fs.DurationVar(&billingMinWindow, "billing-min-window", billingMinWindow, "Shortest window a tick will debit (env "+envVarBillingMinWindow+")")
	fs.IntVar(&ledgerMaxConsecutiveFailures, "ledger-max-consecutive-failures", ledgerMaxConsecutiveFailures, "End a session after this many consecutive failed debits (env "+envVarLedgerMaxConsecutiveFailures+")")
	fs.DurationVar(&ledgerBreakerTimeout, "ledger-breaker-timeout", ledgerBreakerTimeout, "How long the ledger circuit breaker stays open (env "+envVarLedgerBreakerTimeout+")")
	fs.DurationVar(&ledgerDebitTimeout, "ledger-debit-timeout", ledgerDebitTimeout, "Timeout for a single ledger debit (env "+envVarLedgerDebitTimeout+")")
	fs.DurationVar(&finalDebitTimeout, "final-debit-timeout", finalDebitTimeout, "Timeout for the closing debit when a session ends (env "+envVarFinalDebitTimeout+")")
	fs.DurationVar(&reconnectGrace, "reconnect-grace", reconnectGrace, "How long a connected participant may be away before the session ends (env "+envVarReconnectGrace+")")
	fs.DurationVar(&joinTimeout, "join-timeout", joinTimeout, "How long to wait for both participants to join (env "+envVarJoinTimeout+")")
	fs.DurationVar(&handshakeTimeout, "handshake-timeout", handshakeTimeout, "How long to wait for offer/answer once both are present (env "+envVarHandshakeTimeout+")")
	fs.IntVar(&chatHistorySize, "chat-history-size", chatHistorySize, "Chat messages kept per session (env "+envVarChatHistorySize+")")
	fs.IntVar(&maxChatMessageBytes, "max-chat-message-bytes", maxChatMessageBytes, "Max chat message body size in bytes (env "+envVarMaxChatMessageBytes+")")

	fs.StringVar(&databaseURL, "database-url", databaseURL, "Postgres URL for the ledger (env "+envVarDatabaseURL+")")
	fs.BoolVar(&migrateOnStart, "migrate-on-start", migrateOnStart, "Apply ledger migrations at startup (env "+envVarMigrateOnStart+")")
	fs.StringVar(&redisURL, "redis-url", redisURL, "Redis URL for session event fan-out (env "+envVarRedisURL+")")
	fs.StringVar(&sessionEventsChannel, "session-events-channel", sessionEventsChannel, "Redis channel for session events (env "+envVarSessionEventsChannel+")")
	fs.IntVar(&devLedgerOpeningBalanceCents, "dev-ledger-opening-balance-cents", devLedgerOpeningBalanceCents, "Opening balance for unknown accounts in the in-memory ledger (env "+envVarDevLedgerOpeningBalanceCents+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnRESTRealm, "turn-rest-realm", turnRESTRealm, "TURN realm (coturn config; "+envVarTURNRESTRealm+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	if !envAuthModeSet && !setFlags["auth-mode"] {
		authModeStr = string(defaultAuthModeForMode(string(mode)))
	}
	if !envTickSet && !setFlags["billing-tick-interval"] {
		billingTickInterval = defaultBillingTickForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if authMode == AuthModeAPIKey && strings.TrimSpace(apiKey) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
	}
	if authMode == AuthModeJWT && strings.TrimSpace(jwtSecret) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if sendQueueBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--send-queue-bytes must be > 0", envVarSendQueueBytes)
	}
	if maxSessions < 0 {
		return Config{}, fmt.Errorf("%s/--max-sessions must be >= 0 (0 = unlimited)", envVarMaxSessions)
	}
	if billingTickInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--billing-tick-interval must be > 0", envVarBillingTickInterval)
	}
	if billingMinWindow <= 0 {
		return Config{}, fmt.Errorf("%s/--billing-min-window must be > 0", envVarBillingMinWindow)
	}
	if billingMinWindow > billingTickInterval {
		return Config{}, fmt.Errorf("%s/--billing-min-window must be <= %s/--billing-tick-interval", envVarBillingMinWindow, envVarBillingTickInterval)
	}
	if ledgerMaxConsecutiveFailures <= 0 {
		return Config{}, fmt.Errorf("%s/--ledger-max-consecutive-failures must be > 0", envVarLedgerMaxConsecutiveFailures)
	}
	for _, d := range []struct {
		value time.Duration
		env   string
		flag  string
	}{
		{ledgerBreakerTimeout, envVarLedgerBreakerTimeout, "ledger-breaker-timeout"},
		{ledgerDebitTimeout, envVarLedgerDebitTimeout, "ledger-debit-timeout"},
		{finalDebitTimeout, envVarFinalDebitTimeout, "final-debit-timeout"},
		{reconnectGrace, envVarReconnectGrace, "reconnect-grace"},
		{joinTimeout, envVarJoinTimeout, "join-timeout"},
		{handshakeTimeout, envVarHandshakeTimeout, "handshake-timeout"},
	} {
		if d.value <= 0 {
			return Config{}, fmt.Errorf("%s/--%s must be > 0", d.env, d.flag)
		}
	}
	if devLedgerOpeningBalanceCents < 0 {
		return Config{}, fmt.Errorf("%s/--dev-ledger-opening-balance-cents must be >= 0", envVarDevLedgerOpeningBalanceCents)
	}
	if chatHistorySize <= 0 {
		return Config{}, fmt.Errorf("%s/--chat-history-size must be > 0", envVarChatHistorySize)
	}
	if maxChatMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-chat-message-bytes must be > 0", envVarMaxChatMessageBytes)
	}
	if int64(maxChatMessageBytes) >= maxSignalingMessageBytes {
		return Config{}, fmt.Errorf("%s/--max-chat-message-bytes must be < %s/--max-signaling-message-bytes", envVarMaxChatMessageBytes, envVarMaxSignalingMessageBytes)
	}

	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL != "" {
		if err := validateURLScheme(databaseURL, "postgres", "postgresql"); err != nil {
			return Config{}, fmt.Errorf("invalid %s/--database-url: %w", envVarDatabaseURL, err)
		}
	} else if mode == ModeProd {
		return Config{}, fmt.Errorf("%s must be set in %s mode", envVarDatabaseURL, ModeProd)
	}
	if migrateOnStart && databaseURL == "" {
		return Config{}, fmt.Errorf("%s requires %s", envVarMigrateOnStart, envVarDatabaseURL)
	}
	redisURL = strings.TrimSpace(redisURL)
	if redisURL != "" {
		if err := validateURLScheme(redisURL, "redis", "rediss"); err != nil {
			return Config{}, fmt.Errorf("invalid %s/--redis-url: %w", envVarRedisURL, err)
		}
		if strings.TrimSpace(sessionEventsChannel) == "" {
			return Config{}, fmt.Errorf("%s must be non-empty when %s is set", envVarSessionEventsChannel, envVarRedisURL)
		}
	}

	if strings.TrimSpace(turnRESTSharedSecret) != "" {
		if turnRESTTTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envVarTURNRESTTTLSeconds, envVarTURNRESTSharedSecret)
		}
		if strings.TrimSpace(turnRESTUsernamePrefix) == "" {
			return Config{}, fmt.Errorf("%s must be non-empty when %s is set", envVarTURNRESTUsernamePrefix, envVarTURNRESTSharedSecret)
		}
		if strings.Contains(turnRESTUsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		AuthMode:  authMode,
		APIKey:    apiKey,
		JWTSecret: jwtSecret,

		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		SendQueueBytes:                sendQueueBytes,

		MaxSessions: maxSessions,

		BillingTickInterval:          billingTickInterval,
		BillingMinWindow:             billingMinWindow,
		LedgerMaxConsecutiveFailures: ledgerMaxConsecutiveFailures,
		LedgerBreakerTimeout:         ledgerBreakerTimeout,
		LedgerDebitTimeout:           ledgerDebitTimeout,
		FinalDebitTimeout:            finalDebitTimeout,
		ReconnectGrace:               reconnectGrace,
		JoinTimeout:                  joinTimeout,
		HandshakeTimeout:             handshakeTimeout,

		ChatHistorySize:     chatHistorySize,
		MaxChatMessageBytes: maxChatMessageBytes,

		DatabaseURL:          databaseURL,
		MigrateOnStart:       migrateOnStart,
		RedisURL:             redisURL,
		SessionEventsChannel: sessionEventsChannel,

		DevLedgerOpeningBalanceCents: int64(devLedgerOpeningBalanceCents),

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},
	}

	iceServers, err := ParseICEServers(ICESource{
		JSON:              iceServersJSON,
		STUNURLs:          stunURLs,
		TURNURLs:          turnURLs,
		TURNUsername:      turnUsername,
		TURNCredential:    turnCredential,
		MintedCredentials: cfg.TURNREST.Enabled(),
	})
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func isProdMode(mode string) bool {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return true
	default:
		return false
	}
}

func defaultLogFormatForMode(mode string) string {
	if isProdMode(mode) {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode string) string {
	if isProdMode(mode) {
		return "info"
	}
	return "debug"
}

func defaultAuthModeForMode(mode string) AuthMode {
	if isProdMode(mode) {
		return AuthModeJWT
	}
	return AuthModeNone
}

func defaultBillingTickForMode(mode string) time.Duration {
	if isProdMode(mode) {
		return DefaultBillingTickInterval
	}
	return DefaultDevBillingTickInterval
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey, AuthModeJWT)
	}
}

func validateURLScheme(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			if u.Host == "" {
				return fmt.Errorf("missing host")
			}
			return nil
		}
	}
	return fmt.Errorf("unsupported scheme %q (expected %s)", u.Scheme, strings.Join(schemes, " or "))
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == origin.Wildcard {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/session-relay/internal/billing"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/chat"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/clock"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/events"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/ledger"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/room"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/signaling"
)

const (
	DefaultTickInterval      = 60 * time.Second
	DefaultReconnectGrace    = 30 * time.Second
	DefaultJoinTimeout       = 2 * time.Minute
	DefaultHandshakeTimeout  = 45 * time.Second
	DefaultFinalDebitTimeout = 15 * time.Second
	DefaultArchiveTimeout    = 5 * time.Second
	DefaultPublishTimeout    = 5 * time.Second
	DefaultEventBuffer       = 64
	DefaultEndedRetention    = 10 * time.Minute
)

type Config struct {
	// MaxSessions caps live sessions. Zero means unlimited.
	MaxSessions int

	TickInterval           time.Duration
	MinBillableWindow      time.Duration
	MaxConsecutiveFailures int
	DebitTimeout           time.Duration
	FinalDebitTimeout      time.Duration

	ReconnectGrace   time.Duration
	JoinTimeout      time.Duration
	HandshakeTimeout time.Duration

	ArchiveTimeout time.Duration
	PublishTimeout time.Duration
	EventBuffer    int

	// EndedRetention is how long a terminated session stays addressable so
	// late reconnects are told it ended and its final state can be read.
	EndedRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.MinBillableWindow <= 0 {
		c.MinBillableWindow = billing.DefaultMinBillableWindow
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = billing.DefaultMaxConsecutiveFailures
	}
	if c.DebitTimeout <= 0 {
		c.DebitTimeout = billing.DefaultDebitTimeout
	}
	if c.FinalDebitTimeout <= 0 {
		c.FinalDebitTimeout = DefaultFinalDebitTimeout
	}
	if c.ReconnectGrace <= 0 {
		c.ReconnectGrace = DefaultReconnectGrace
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.ArchiveTimeout <= 0 {
		c.ArchiveTimeout = DefaultArchiveTimeout
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.EndedRetention <= 0 {
		c.EndedRetention = DefaultEndedRetention
	}
	return c
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Rooms     *room.Registry
	Signaling *signaling.Relay
	Chat      *chat.Relay
	Ledger    ledger.Store
	// Archiver is optional.
	Archiver  ledger.Archiver
	Publisher events.Publisher
	Metrics   *metrics.Collector
	Clock     clock.Clock
	Logger    *slog.Logger
}

// PresenceMetrics feeds room presence changes into the global participant
// gauge. A join that replaced an older handle does not change the count.
func PresenceMetrics(m *metrics.Collector) room.PresenceFunc {
	return func(ev room.PresenceEvent) {
		switch ev.Kind {
		case room.PresenceJoined:
			if !ev.Replaced {
				m.ParticipantJoined()
			}
		case room.PresenceLeft:
			m.ParticipantLeft()
		}
	}
}

type CreateRequest struct {
	ClientID      string  `json:"clientId"`
	ProviderID    string  `json:"providerId"`
	RatePerMinute float64 `json:"ratePerMinute"`
	// MinimumAmount, when positive, must be covered by the client's balance.
	MinimumAmount float64 `json:"minimumAmount,omitempty"`
}

func (r CreateRequest) validate() error {
	switch {
	case r.ClientID == "":
		return fmt.Errorf("%w: clientId is required", ErrInvalidRequest)
	case r.ProviderID == "":
		return fmt.Errorf("%w: providerId is required", ErrInvalidRequest)
	case r.ClientID == r.ProviderID:
		return fmt.Errorf("%w: clientId and providerId must differ", ErrInvalidRequest)
	case r.RatePerMinute < 0 || math.IsNaN(r.RatePerMinute) || math.IsInf(r.RatePerMinute, 0):
		return fmt.Errorf("%w: ratePerMinute must be a non-negative number", ErrInvalidRequest)
	case r.MinimumAmount < 0 || math.IsNaN(r.MinimumAmount) || math.IsInf(r.MinimumAmount, 0):
		return fmt.Errorf("%w: minimumAmount must be a non-negative number", ErrInvalidRequest)
	}
	return nil
}

type endedEntry struct {
	s       *Session
	evictAt time.Time
}

// Manager creates sessions and keeps them addressable by ID.
type Manager struct {
	cfg   Config
	deps  Deps
	clock clock.Clock
	log   *slog.Logger

	mu     sync.Mutex
	closed bool
	live   map[string]*Session
	ended  map[string]endedEntry
}

func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Rooms == nil {
		return nil, errors.New("session: room registry is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("session: ledger is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Signaling == nil {
		deps.Signaling = signaling.NewRelay(deps.Logger, deps.Metrics)
	}
	deps.Clock = clock.Or(deps.Clock)
	if deps.Chat == nil {
		deps.Chat = chat.NewRelay(chat.Config{Clock: deps.Clock, Logger: deps.Logger, Metrics: deps.Metrics})
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NewLogPublisher(deps.Logger)
	}
	return &Manager{
		cfg:   cfg.withDefaults(),
		deps:  deps,
		clock: deps.Clock,
		log:   deps.Logger,
		live:  make(map[string]*Session),
		ended: make(map[string]endedEntry),
	}, nil
}

// Create registers a new session in the waiting state.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	req.ClientID = strings.TrimSpace(req.ClientID)
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.MinimumAmount > 0 {
		bal, err := m.deps.Ledger.Balance(ctx, req.ClientID)
		switch {
		case errors.Is(err, ledger.ErrUnknownAccount):
			return nil, ErrInsufficientFunds
		case err != nil:
			return nil, fmt.Errorf("balance check: %w", err)
		case bal < billing.RoundCents(req.MinimumAmount):
			return nil, ErrInsufficientFunds
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.pruneLocked()
	if m.cfg.MaxSessions > 0 && len(m.live) >= m.cfg.MaxSessions {
		return nil, ErrTooManySessions
	}
	for _, s := range m.live {
		if s.providerID == req.ProviderID {
			return nil, ErrProviderBusy
		}
	}

	s, err := m.newSession(req)
	if err != nil {
		return nil, err
	}
	m.live[s.id] = s
	m.deps.Metrics.SessionCreated()
	s.log.Info("session created", "client_id", s.clientID, "provider_id", s.providerID, "rate_per_minute", s.rate)
	go s.run()
	return s, nil
}

func (m *Manager) newSession(req CreateRequest) (*Session, error) {
	id := "ses_" + uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          id,
		clientID:    req.ClientID,
		providerID:  req.ProviderID,
		rate:        req.RatePerMinute,
		createdAt:   m.clock.Now(),
		cfg:         m.cfg,
		deps:        m.deps,
		clock:       m.clock,
		log:         m.log.With("session_id", id),
		events:      make(chan any, m.cfg.EventBuffer),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		onTerminate: m.terminated,
		state:       StateWaiting,
		grace:       make(map[room.Role]clock.Timer),
		leftAt:      make(map[room.Role]time.Time),
	}
	bc, err := billing.New(billing.Config{
		SessionID:              id,
		ClientID:               req.ClientID,
		ProviderID:             req.ProviderID,
		RatePerMinute:          req.RatePerMinute,
		MinBillableWindow:      m.cfg.MinBillableWindow,
		MaxConsecutiveFailures: m.cfg.MaxConsecutiveFailures,
		DebitTimeout:           m.cfg.DebitTimeout,
		Ledger:                 m.deps.Ledger,
		Metrics:                m.deps.Metrics,
		Logger:                 m.log,
		Callbacks: billing.Callbacks{
			OnCharge:            s.onCharge,
			OnInsufficientFunds: s.onInsufficientFunds,
			OnUnavailable:       s.onBillingUnavailable,
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	s.billing = bc
	m.deps.Chat.Open(id)
	s.publishSnapshot()
	return s, nil
}

// terminated runs on the session worker once it has ended.
func (m *Manager) terminated(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, s.id)
	m.ended[s.id] = endedEntry{s: s, evictAt: m.clock.Now().Add(m.cfg.EndedRetention)}
}

func (m *Manager) pruneLocked() {
	now := m.clock.Now()
	for id, e := range m.ended {
		if !now.Before(e.evictAt) {
			delete(m.ended, id)
		}
	}
}

// Get returns a live session, or a recently ended one (which refuses
// attachment with ErrSessionEnded).
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.live[id]; ok {
		return s, nil
	}
	m.pruneLocked()
	if e, ok := m.ended[id]; ok {
		return e.s, nil
	}
	return nil, ErrSessionNotFound
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Close stops accepting sessions and ends every live one with reason error,
// waiting for each to finish or ctx to expire.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*Session, 0, len(m.live))
	for _, s := range m.live {
		live = append(live, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, len(live))
	for _, s := range live {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if _, err := s.End(ctx, ReasonError); err != nil && !errors.Is(err, ErrSessionEnded) {
				errs <- fmt.Errorf("end %s: %w", s.id, err)
			}
		}(s)
	}
	wg.Wait()
	close(errs)

	var all []error
	for err := range errs {
		all = append(all, err)
	}
	if len(live) > 0 {
		m.log.Info("ended live sessions on shutdown", "sessions", len(live), "errors", len(all))
	}
	return errors.Join(all...)
}

// Package api is the session REST surface used by the application backend to
// create, inspect and end sessions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wilsonzlin/aero/proxy/session-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/chat"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/clock"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/ledger"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/room"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/session"
)

const (
	maxCreateBodyBytes = 16 << 10

	// Session creation is limited per remote IP.
	createPerMinute = 30
	createBurst     = 10
	createMaxKeys   = 10_000

	DefaultParticipantTokenTTL = 12 * time.Hour
	endTimeout                 = 20 * time.Second
)

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
	Clock   clock.Clock
	// ParticipantTokenTTL applies to tokens returned by create in jwt mode.
	ParticipantTokenTTL time.Duration
	// History serves GET /sessions. Without it the listing answers 503.
	History ledger.HistoryReader
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	chat     *chat.Relay
	verifier auth.Verifier
	// issuer is set in jwt mode so create can hand out participant tokens.
	issuer   *auth.JWTVerifier
	tokenTTL time.Duration
	limiter  *ratelimit.KeyedLimiter
	history  ledger.HistoryReader
	log      *slog.Logger
	metrics  *metrics.Collector
}

func New(cfg config.Config, sessions *session.Manager, chatRelay *chat.Relay, opts Options) (*Server, error) {
	if sessions == nil || chatRelay == nil {
		return nil, errors.New("api: session manager and chat relay are required")
	}
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ttl := opts.ParticipantTokenTTL
	if ttl <= 0 {
		ttl = DefaultParticipantTokenTTL
	}
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		chat:     chatRelay,
		verifier: verifier,
		tokenTTL: ttl,
		log:      log,
		metrics:  opts.Metrics,
		history:  opts.History,
		limiter:  ratelimit.NewKeyedLimiter(opts.Clock, createPerMinute, createBurst, createMaxKeys, nil),
	}
	if jv, ok := verifier.(*auth.JWTVerifier); ok {
		s.issuer = jv
	}
	return s, nil
}

// Routes returns the /api/v1 router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/sessions", func(r chi.Router) {
		r.With(s.limitCreate).Post("/", s.createSession)
		r.Get("/", s.listSessions)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Post("/end", s.endSession)
			r.Get("/messages", s.sessionMessages)
		})
	})
	return r
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	httpserver.WriteJSON(w, status, errorBody{Error: code, Message: message})
}

// writeSessionError maps session and auth errors onto HTTP statuses.
func (s *Server) writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidRequest), errors.Is(err, ledger.ErrInvalidQuery):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case auth.IsUnauthorized(err):
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "credentials do not cover this session")
	case errors.Is(err, session.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, "insufficient_funds", err.Error())
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session_not_found", "session not found")
	case errors.Is(err, session.ErrProviderBusy):
		writeError(w, http.StatusConflict, "provider_busy", "provider already has a live session")
	case errors.Is(err, session.ErrTooManySessions):
		writeError(w, http.StatusTooManyRequests, "too_many_sessions", "session limit reached")
	case errors.Is(err, ledger.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "ledger_unavailable", "session history is temporarily unavailable")
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "timeout", "request timed out")
	default:
		s.log.Error("session request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func (s *Server) principal(r *http.Request) (auth.Principal, error) {
	cred, err := auth.CredentialFromRequest(s.cfg.AuthMode, r)
	if err != nil {
		return auth.Principal{}, err
	}
	return s.verifier.Verify(cred)
}

// authorizeSession allows service callers, and participants of sess.
func (s *Server) authorizeSession(r *http.Request, sess *session.Session) error {
	p, err := s.principal(r)
	if err != nil {
		return err
	}
	if p.Trusted() || p.Role == auth.RoleService {
		return nil
	}
	role, err := room.ParseRole(p.Role)
	if err != nil {
		return auth.ErrForbidden
	}
	return p.Covers(sess.ID(), sess.ParticipantFor(role), p.Role)
}

func (s *Server) limitCreate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.Allow(host) {
			s.metrics.ConnectionRejected("create_rate_limited")
			w.Header().Set("Retry-After", "2")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many session requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createResponse struct {
	Session session.Snapshot `json:"session"`
	// Tokens maps role to a participant JWT (jwt mode only).
	Tokens map[room.Role]string `json:"tokens,omitempty"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	if !p.Trusted() && p.Role != auth.RoleService {
		s.writeSessionError(w, r, auth.ErrForbidden)
		return
	}

	var req session.CreateRequest
	if err := decodeStrict(http.MaxBytesReader(w, r.Body, maxCreateBodyBytes), &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, err := s.sessions.Create(r.Context(), req)
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}

	resp := createResponse{Session: sess.Snapshot()}
	if s.issuer != nil {
		resp.Tokens = make(map[room.Role]string, 2)
		for _, role := range []room.Role{room.RoleClient, room.RoleProvider} {
			tok, err := s.issuer.Issue(auth.Principal{
				Subject:   sess.ParticipantFor(role),
				Role:      string(role),
				SessionID: sess.ID(),
			}, s.tokenTTL)
			if err != nil {
				s.writeSessionError(w, r, fmt.Errorf("issue %s token: %w", role, err))
				return
			}
			resp.Tokens[role] = tok
		}
	}
	httpserver.WriteJSON(w, http.StatusCreated, resp)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, err := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if err == nil {
		err = s.authorizeSession(r, sess)
	}
	if err != nil {
		s.writeSessionError(w, r, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), endTimeout)
	defer cancel()
	final, err := sess.End(ctx, session.ReasonUserEnded)
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, final)
}

type messagesResponse struct {
	Messages []chat.Message `json:"messages"`
}

func (s *Server) sessionMessages(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	msgs := s.chat.History(sess.ID())
	if msgs == nil {
		msgs = []chat.Message{}
	}
	httpserver.WriteJSON(w, http.StatusOK, messagesResponse{Messages: msgs})
}

type archivedSession struct {
	SessionID          string     `json:"sessionId"`
	ClientID           string     `json:"clientId"`
	ProviderID         string     `json:"providerId"`
	State              string     `json:"state"`
	Reason             string     `json:"reason,omitempty"`
	RatePerMinute      float64    `json:"ratePerMinute"`
	CreatedAt          time.Time  `json:"createdAt"`
	ConnectedAt        *time.Time `json:"connectedAt,omitempty"`
	EndedAt            time.Time  `json:"endedAt"`
	DurationSeconds    float64    `json:"durationSeconds"`
	AmountChargedCents int64      `json:"amountChargedCents"`
	UnbilledCents      int64      `json:"unbilledCents"`
}

type sessionsResponse struct {
	Sessions []archivedSession `json:"sessions"`
}

// historyQuery reads ?clientId= or ?providerId= (exactly one) and ?limit=.
func historyQuery(r *http.Request) (ledger.HistoryQuery, error) {
	v := r.URL.Query()
	clientID, providerID := v.Get("clientId"), v.Get("providerId")
	var q ledger.HistoryQuery
	switch {
	case clientID != "" && providerID == "":
		q = ledger.HistoryQuery{UserID: clientID, Role: string(room.RoleClient)}
	case providerID != "" && clientID == "":
		q = ledger.HistoryQuery{UserID: providerID, Role: string(room.RoleProvider)}
	default:
		return q, fmt.Errorf("%w: exactly one of clientId or providerId is required", ledger.ErrInvalidQuery)
	}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return q, fmt.Errorf("%w: limit must be a positive integer", ledger.ErrInvalidQuery)
		}
		q.Limit = n
	}
	return q, nil
}

// listSessions returns archived sessions for one user, newest first. Service
// callers may list anyone; a participant token only its own history.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	p, err := s.principal(r)
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	q, err := historyQuery(r)
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	if !p.Trusted() && p.Role != auth.RoleService && (p.Subject != q.UserID || p.Role != q.Role) {
		s.writeSessionError(w, r, auth.ErrForbidden)
		return
	}
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history_unavailable", "session history is not configured")
		return
	}

	recs, err := s.history.History(r.Context(), q)
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	out := make([]archivedSession, 0, len(recs))
	for _, rec := range recs {
		out = append(out, archivedSession{
			SessionID:          rec.SessionID,
			ClientID:           rec.ClientID,
			ProviderID:         rec.ProviderID,
			State:              rec.State,
			Reason:             rec.EndReason,
			RatePerMinute:      rec.RatePerMinute,
			CreatedAt:          rec.CreatedAt,
			ConnectedAt:        rec.ConnectedAt,
			EndedAt:            rec.EndedAt,
			DurationSeconds:    rec.DurationSeconds,
			AmountChargedCents: rec.AmountChargedCents,
			UnbilledCents:      rec.UnbilledCents,
		})
	}
	httpserver.WriteJSON(w, http.StatusOK, sessionsResponse{Sessions: out})
}

func decodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: unexpected trailing data")
	}
	return nil
}

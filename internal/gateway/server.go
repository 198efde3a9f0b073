// Package gateway serves the participant WebSocket endpoint and adapts each
// connection into a room.Handle attached to its session.
package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/session-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/clock"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/room"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/session"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/signaling"
)

// Error codes carried in {type:"error"} frames.
const (
	CodeBadRequest      = "bad_request"
	CodeUnauthorized    = "unauthorized"
	CodeForbidden       = "forbidden"
	CodeSessionNotFound = "session_not_found"
	CodeSessionEnded    = "session_ended"
	CodeBadMessage      = "bad_message"
	CodeMessageTooLarge = "message_too_large"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal_error"
)

// Server handles GET /ws/session.
type Server struct {
	cfg      config.Config
	verifier auth.Verifier
	sessions *session.Manager
	upgrader websocket.Upgrader
	clock    clock.Clock
	log      *slog.Logger
	metrics  *metrics.Collector
}

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
	// Clock drives the per-connection message limiter.
	Clock clock.Clock
}

func NewServer(cfg config.Config, sessions *session.Manager, opts Options) (*Server, error) {
	if sessions == nil {
		return nil, errors.New("gateway: session manager is required")
	}
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		verifier: verifier,
		sessions: sessions,
		clock:    clock.Or(opts.Clock),
		log:      log,
		metrics:  opts.Metrics,
	}
	policy := origin.NewPolicy(cfg.AllowedOrigins)
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			if policy.CheckOrigin(r) {
				return true
			}
			s.metrics.ConnectionRejected("origin")
			return false
		},
	}
	return s, nil
}

// rejection is a refused connection, reported to the peer as an error frame
// followed by a close.
type rejection struct {
	code      string
	message   string
	closeCode int
}

func rejectionFor(err error) rejection {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return rejection{CodeSessionNotFound, "session not found", websocket.ClosePolicyViolation}
	case errors.Is(err, session.ErrSessionEnded):
		return rejection{CodeSessionEnded, "session has ended", websocket.CloseNormalClosure}
	case errors.Is(err, session.ErrParticipantMismatch), errors.Is(err, auth.ErrForbidden):
		return rejection{CodeForbidden, "participant does not belong to this session", websocket.ClosePolicyViolation}
	case auth.IsUnauthorized(err):
		return rejection{CodeUnauthorized, "invalid credentials", websocket.ClosePolicyViolation}
	default:
		return rejection{CodeInternal, "internal error", websocket.CloseInternalServerErr}
	}
}

func (s *Server) reject(ws *websocket.Conn, rej rejection) {
	s.metrics.ConnectionRejected(rej.code)
	writeJSON(ws, signaling.NewError(rej.code, rej.message))
	writeClose(ws, rej.closeCode, rej.message)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := strings.TrimSpace(q.Get("sessionId"))
	participantID := strings.TrimSpace(q.Get("participantId"))
	role, roleErr := room.ParseRole(q.Get("role"))
	if sessionID == "" || participantID == "" || roleErr != nil {
		s.metrics.ConnectionRejected(CodeBadRequest)
		http.Error(w, "sessionId, participantId and role=client|provider are required", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	log := s.log.With("session_id", sessionID, "role", string(role), "participant_id", participantID)

	principal, err := s.authenticate(r)
	if err != nil {
		log.Info("participant rejected", "err", err)
		s.reject(ws, rejectionFor(err))
		return
	}
	if err := principal.Covers(sessionID, participantID, string(role)); err != nil {
		log.Info("participant rejected", "err", err)
		s.reject(ws, rejectionFor(err))
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		s.reject(ws, rejectionFor(err))
		return
	}

	connID := "conn_" + uuid.NewString()
	log = log.With("conn_id", connID)
	conn := newConn(r.Context(), connID, participantID, role, ws, s.cfg.SendQueueBytes, log, s.metrics)
	defer conn.cancel()

	if err := sess.Attach(conn.ctx, conn); err != nil {
		log.Info("attach refused", "err", err)
		conn.queue.Discard()
		s.reject(ws, rejectionFor(err))
		return
	}
	log.Debug("participant connected")

	go conn.writeLoop()
	go conn.pingLoop(s.cfg.SignalingWSPingInterval)

	s.readLoop(conn, sess)

	sess.Detach(conn)
	conn.Close("")
	<-conn.writerDone
	log.Debug("participant disconnected")
}

func (s *Server) authenticate(r *http.Request) (auth.Principal, error) {
	cred, err := auth.CredentialFromQuery(s.cfg.AuthMode, r.URL.Query())
	if err != nil {
		return auth.Principal{}, err
	}
	return s.verifier.Verify(cred)
}

// fail sends an error frame through the connection's queue and starts a
// graceful close so the frame is flushed first.
func fail(conn *Conn, code, message string, closeCode int) {
	_ = conn.Send(signaling.NewError(code, message))
	conn.closeWith(closeCode, message)
}

func (s *Server) readLoop(conn *Conn, sess *session.Session) {
	ws := conn.ws
	idle := s.cfg.SignalingWSIdleTimeout
	extend := func() {
		if idle > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(idle))
		}
	}
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	limiter := ratelimit.NewMessageLimiter(s.clock, s.cfg.MaxSignalingMessagesPerSecond)

	for {
		msgType, msgReader, err := ws.NextReader()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				conn.log.Debug("websocket read ended", "err", err)
			}
			return
		}
		extend()

		if msgType != websocket.TextMessage {
			fail(conn, CodeBadMessage, "expected text message", websocket.CloseUnsupportedData)
			return
		}
		data, err := readLimited(msgReader, s.cfg.MaxSignalingMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				s.metrics.ConnectionRejected(CodeMessageTooLarge)
				fail(conn, CodeMessageTooLarge, "message too large", websocket.CloseMessageTooBig)
			}
			return
		}
		if !limiter.Allow() {
			s.metrics.ConnectionRejected(CodeRateLimited)
			fail(conn, CodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation)
			return
		}

		msg, err := signaling.ParseClientMessage(data)
		if err != nil {
			fail(conn, CodeBadMessage, err.Error(), websocket.CloseUnsupportedData)
			return
		}

		switch msg.Type {
		case signaling.MessageTypePing:
			_ = conn.Send(signaling.NewPong())
		default:
			if err := sess.Deliver(conn.ctx, conn, msg); err != nil {
				return
			}
		}
	}
}

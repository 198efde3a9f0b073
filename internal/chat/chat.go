// Package chat fans text messages out to the occupants of a session room.
//
// The relay is the single source of truth for a message: the canonical copy,
// with its sequence number and timestamp, is echoed back to the sender as
// well as delivered to the counterpart. Nothing is persisted and a late joiner
// never receives messages published before it subscribed.
package chat

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/session-relay/internal/clock"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/room"
)

const (
	DefaultHistorySize     = 200
	DefaultMaxMessageBytes = 4 << 10

	// MaxClientSkew bounds how far ahead of the relay's clock a client
	// timestamp may be.
	MaxClientSkew = 5 * time.Second
)

var (
	ErrEmptyBody    = errors.New("chat message body is empty")
	ErrBodyTooLarge = errors.New("chat message body too large")
	ErrClosed       = errors.New("chat room not open")
)

// Message is the canonical chat message as delivered to subscribers.
type Message struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Seq       uint64    `json:"seq"`
	SenderID  string    `json:"senderId"`
	Role      room.Role `json:"role"`
	Body      string    `json:"body"`
	// Timestamp is unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

type Config struct {
	HistorySize     int
	MaxMessageBytes int
	Clock           clock.Clock
	Logger          *slog.Logger
	Metrics         *metrics.Collector
}

type Relay struct {
	cfg   Config
	clock clock.Clock
	log   *slog.Logger

	mu    sync.Mutex
	rooms map[string]*chatRoom
}

type chatRoom struct {
	subs    room.Occupants
	seq     uint64
	lastTS  int64
	history []Message
}

func NewRelay(cfg Config) *Relay {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		cfg:   cfg,
		clock: clock.Or(cfg.Clock),
		log:   logger,
		rooms: make(map[string]*chatRoom),
	}
}

// Open creates the chat room for a session. Opening an existing room is a
// no-op.
func (r *Relay) Open(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[sessionID]; !ok {
		r.rooms[sessionID] = &chatRoom{}
	}
}

func (r *Relay) roomLocked(sessionID string) (*chatRoom, error) {
	cr, ok := r.rooms[sessionID]
	if !ok {
		return nil, ErrClosed
	}
	return cr, nil
}

// Subscribe registers h to receive messages published from now on. A new
// handle for an occupied role replaces the old subscription.
func (r *Relay) Subscribe(sessionID string, h room.Handle) error {
	if h == nil {
		return room.ErrNilHandle
	}
	if !h.Role().Valid() {
		return room.ErrRoleInvalid
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cr, err := r.roomLocked(sessionID)
	if err != nil {
		return err
	}
	switch h.Role() {
	case room.RoleClient:
		cr.subs.Client = h
	case room.RoleProvider:
		cr.subs.Provider = h
	}
	return nil
}

// Unsubscribe removes h if it is still the subscriber for its role.
func (r *Relay) Unsubscribe(sessionID string, h room.Handle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cr, ok := r.rooms[sessionID]
	if !ok {
		return
	}
	switch {
	case h.Role() == room.RoleClient && cr.subs.Client == h:
		cr.subs.Client = nil
	case h.Role() == room.RoleProvider && cr.subs.Provider == h:
		cr.subs.Provider = nil
	}
}

// Publish assigns the message its sequence number and timestamp and delivers
// it to every current subscriber, the sender included. clientTS is optional
// unix milliseconds; zero means "now".
func (r *Relay) Publish(sessionID, senderID string, role room.Role, body string, clientTS int64) (Message, error) {
	if strings.TrimSpace(body) == "" {
		return Message{}, ErrEmptyBody
	}
	if len(body) > r.cfg.MaxMessageBytes {
		return Message{}, fmt.Errorf("%w: %d > %d bytes", ErrBodyTooLarge, len(body), r.cfg.MaxMessageBytes)
	}

	r.mu.Lock()
	cr, err := r.roomLocked(sessionID)
	if err != nil {
		r.mu.Unlock()
		return Message{}, err
	}

	now := r.clock.Now().UnixMilli()
	ts := clientTS
	if ts <= 0 {
		ts = now
	}
	if limit := now + MaxClientSkew.Milliseconds(); ts > limit {
		ts = limit
	}
	if ts < cr.lastTS {
		ts = cr.lastTS
	}
	cr.lastTS = ts
	cr.seq++

	msg := Message{
		Type:      "chat-message",
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       cr.seq,
		SenderID:  senderID,
		Role:      role,
		Body:      body,
		Timestamp: ts,
	}
	cr.history = append(cr.history, msg)
	if over := len(cr.history) - r.cfg.HistorySize; over > 0 {
		cr.history = append(cr.history[:0:0], cr.history[over:]...)
	}
	targets := cr.subs.All()
	r.mu.Unlock()

	// Deliver outside the lock; handles only enqueue.
	for _, h := range targets {
		if err := h.Send(msg); err != nil {
			r.log.Debug("chat delivery failed",
				"session_id", sessionID,
				"to_role", h.Role(),
				"seq", msg.Seq,
				"err", err,
			)
		}
	}
	r.cfg.Metrics.ChatPublished()
	return msg, nil
}

// History returns the retained transcript in publish order.
func (r *Relay) History(sessionID string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	cr, ok := r.rooms[sessionID]
	if !ok {
		return nil
	}
	out := make([]Message, len(cr.history))
	copy(out, cr.history)
	return out
}

// Close drops the room's subscribers and transcript. Later publishes to the
// same session fail with ErrClosed.
func (r *Relay) Close(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, sessionID)
}

// Len returns the number of open rooms.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

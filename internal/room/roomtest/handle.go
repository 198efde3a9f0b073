// Package roomtest provides an in-memory room.Handle for tests.
package roomtest

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/wilsonzlin/aero/proxy/session-relay/internal/room"
)

var ErrClosed = errors.New("roomtest: handle closed")

// Handle records every message sent to it as decoded JSON objects.
type Handle struct {
	id   string
	pid  string
	role room.Role

	mu          sync.Mutex
	msgs        []map[string]any
	closed      bool
	closeReason string
	notify      chan struct{}
}

func NewHandle(id, participantID string, role room.Role) *Handle {
	return &Handle{id: id, pid: participantID, role: role, notify: make(chan struct{}, 1)}
}

func (h *Handle) ID() string            { return h.id }
func (h *Handle) ParticipantID() string { return h.pid }
func (h *Handle) Role() room.Role       { return h.role }

func (h *Handle) Send(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	h.msgs = append(h.msgs, decoded)
	h.mu.Unlock()

	select {
	case h.notify <- struct{}{}:
	default:
	}
	return nil
}

func (h *Handle) Close(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.closeReason = reason
}

func (h *Handle) Closed() (bool, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed, h.closeReason
}

// Messages returns a copy of everything sent so far.
func (h *Handle) Messages() []map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]map[string]any, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// OfType returns the sent messages whose "type" field equals typ.
func (h *Handle) OfType(typ string) []map[string]any {
	var out []map[string]any
	for _, m := range h.Messages() {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

// Package room tracks the live participant connections of each session.
package room

import (
	"sync"
	"time"
)

type PresenceKind string

const (
	PresenceJoined PresenceKind = "joined"
	PresenceLeft   PresenceKind = "left"
)

// PresenceEvent reports a participant joining or leaving a room.
type PresenceEvent struct {
	SessionID     string
	Kind          PresenceKind
	Role          Role
	ParticipantID string
	Handle        Handle
	// Replaced is set on a join that evicted an older handle for the same role.
	Replaced bool
	At       time.Time
}

type PresenceFunc func(PresenceEvent)

type AdmitResult struct {
	RoomReady bool
	Evicted   Handle
	Event     PresenceEvent
}

// Registry maps session IDs to rooms of at most one handle per role.
//
// Each room is expected to be mutated by its session's worker only; the
// registry lock guards the shared map.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Occupants

	now        func() time.Time
	onPresence PresenceFunc
}

func NewRegistry(onPresence PresenceFunc) *Registry {
	return &Registry{
		rooms:      make(map[string]*Occupants),
		now:        time.Now,
		onPresence: onPresence,
	}
}

// Admit installs h as the handle for h.Role(). An existing handle for that
// role is evicted and closed.
func (r *Registry) Admit(sessionID string, h Handle) (AdmitResult, error) {
	if h == nil {
		return AdmitResult{}, ErrNilHandle
	}
	role := h.Role()
	if !role.Valid() {
		return AdmitResult{}, ErrRoleInvalid
	}

	r.mu.Lock()
	occ, ok := r.rooms[sessionID]
	if !ok {
		occ = &Occupants{}
		r.rooms[sessionID] = occ
	}
	evicted := occ.Get(role)
	if evicted == h {
		evicted = nil
	}
	occ.set(role, h)
	ready := occ.Both()
	r.mu.Unlock()

	ev := PresenceEvent{
		SessionID:     sessionID,
		Kind:          PresenceJoined,
		Role:          role,
		ParticipantID: h.ParticipantID(),
		Handle:        h,
		Replaced:      evicted != nil,
		At:            r.now(),
	}
	if evicted != nil {
		evicted.Close(CloseReplaced)
	}
	r.emit(ev)
	return AdmitResult{RoomReady: ready, Evicted: evicted, Event: ev}, nil
}

// Remove clears role's handle if it is still h, destroying the room once it
// is empty. A stale handle (already evicted) is ignored and false returned.
func (r *Registry) Remove(sessionID string, role Role, h Handle) (PresenceEvent, bool) {
	r.mu.Lock()
	occ, ok := r.rooms[sessionID]
	if !ok || occ.Get(role) == nil || occ.Get(role) != h {
		r.mu.Unlock()
		return PresenceEvent{}, false
	}
	occ.set(role, nil)
	if occ.Empty() {
		delete(r.rooms, sessionID)
	}
	r.mu.Unlock()

	ev := PresenceEvent{
		SessionID:     sessionID,
		Kind:          PresenceLeft,
		Role:          role,
		ParticipantID: h.ParticipantID(),
		Handle:        h,
		At:            r.now(),
	}
	r.emit(ev)
	return ev, true
}

func (r *Registry) Occupants(sessionID string) Occupants {
	r.mu.Lock()
	defer r.mu.Unlock()
	if occ, ok := r.rooms[sessionID]; ok {
		return *occ
	}
	return Occupants{}
}

// Release drops the room and returns the handles it held so the caller can
// close them. A left event is emitted for each.
func (r *Registry) Release(sessionID string) Occupants {
	r.mu.Lock()
	occ, ok := r.rooms[sessionID]
	if !ok {
		r.mu.Unlock()
		return Occupants{}
	}
	delete(r.rooms, sessionID)
	out := *occ
	r.mu.Unlock()

	now := r.now()
	for _, h := range out.All() {
		r.emit(PresenceEvent{
			SessionID:     sessionID,
			Kind:          PresenceLeft,
			Role:          h.Role(),
			ParticipantID: h.ParticipantID(),
			Handle:        h,
			At:            now,
		})
	}
	return out
}

// Len reports the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) emit(ev PresenceEvent) {
	if r.onPresence != nil {
		r.onPresence(ev)
	}
}

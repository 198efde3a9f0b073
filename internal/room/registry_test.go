package room

import (
	"errors"
	"sync"
	"testing"
)

type testHandle struct {
	id   string
	pid  string
	role Role

	mu          sync.Mutex
	sent        []any
	closed      bool
	closeReason string
}

func newTestHandle(id string, role Role) *testHandle {
	return &testHandle{id: id, pid: "p-" + id, role: role}
}

func (h *testHandle) ID() string            { return h.id }
func (h *testHandle) ParticipantID() string { return h.pid }
func (h *testHandle) Role() Role            { return h.role }

func (h *testHandle) Send(msg any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("closed")
	}
	h.sent = append(h.sent, msg)
	return nil
}

func (h *testHandle) Close(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.closeReason = reason
}

func TestAdmitSecondRoleMakesRoomReady(t *testing.T) {
	var events []PresenceEvent
	r := NewRegistry(func(ev PresenceEvent) { events = append(events, ev) })

	res, err := r.Admit("s1", newTestHandle("c1", RoleClient))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if res.RoomReady {
		t.Fatalf("RoomReady=true with one participant")
	}

	res, err = r.Admit("s1", newTestHandle("p1", RoleProvider))
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !res.RoomReady {
		t.Fatalf("RoomReady=false with both roles present")
	}
	if len(events) != 2 || events[0].Kind != PresenceJoined || events[1].Role != RoleProvider {
		t.Fatalf("events=%+v", events)
	}
}

func TestAdmitDuplicateRoleEvictsPriorHandle(t *testing.T) {
	r := NewRegistry(nil)
	old := newTestHandle("c1", RoleClient)
	if _, err := r.Admit("s1", old); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	fresh := newTestHandle("c2", RoleClient)
	res, err := r.Admit("s1", fresh)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if res.Evicted != old {
		t.Fatalf("Evicted=%v, want old handle", res.Evicted)
	}
	if !res.Event.Replaced {
		t.Fatalf("Replaced=false on eviction")
	}
	if !old.closed || old.closeReason != CloseReplaced {
		t.Fatalf("old handle closed=%v reason=%q", old.closed, old.closeReason)
	}
	if got := r.Occupants("s1").Client; got != fresh {
		t.Fatalf("client=%v, want fresh handle", got)
	}

	// The evicted connection's late close must not remove the new one.
	if _, ok := r.Remove("s1", RoleClient, old); ok {
		t.Fatalf("Remove(stale)=true, want false")
	}
	if got := r.Occupants("s1").Client; got != fresh {
		t.Fatalf("client after stale remove=%v, want fresh handle", got)
	}
}

func TestRemoveDestroysEmptyRoom(t *testing.T) {
	r := NewRegistry(nil)
	c := newTestHandle("c1", RoleClient)
	p := newTestHandle("p1", RoleProvider)
	_, _ = r.Admit("s1", c)
	_, _ = r.Admit("s1", p)

	ev, ok := r.Remove("s1", RoleClient, c)
	if !ok || ev.Kind != PresenceLeft || ev.ParticipantID != "p-c1" {
		t.Fatalf("Remove=%+v,%v", ev, ok)
	}
	if r.Len() != 1 {
		t.Fatalf("rooms=%d, want 1", r.Len())
	}
	if _, ok := r.Remove("s1", RoleProvider, p); !ok {
		t.Fatalf("Remove(provider)=false")
	}
	if r.Len() != 0 {
		t.Fatalf("rooms=%d, want 0", r.Len())
	}
}

func TestReleaseReturnsHandlesAndEmitsLeft(t *testing.T) {
	var left []PresenceEvent
	r := NewRegistry(func(ev PresenceEvent) {
		if ev.Kind == PresenceLeft {
			left = append(left, ev)
		}
	})
	c := newTestHandle("c1", RoleClient)
	_, _ = r.Admit("s1", c)

	occ := r.Release("s1")
	if occ.Client != c || occ.Provider != nil {
		t.Fatalf("Release=%+v", occ)
	}
	if len(left) != 1 || left[0].Handle != c {
		t.Fatalf("left events=%+v, want one for c1", left)
	}
	if again := r.Release("s1"); !again.Empty() {
		t.Fatalf("second Release=%+v, want empty", again)
	}
	if !r.Occupants("s1").Empty() {
		t.Fatalf("room still present after Release")
	}
}

func TestParseRole(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Role
		ok   bool
	}{
		{"client", RoleClient, true},
		{" Provider ", RoleProvider, true},
		{"reader", "", false},
		{"", "", false},
	} {
		got, err := ParseRole(tc.in)
		if (err == nil) != tc.ok {
			t.Fatalf("ParseRole(%q) err=%v, want ok=%v", tc.in, err, tc.ok)
		}
		if tc.ok && got != tc.want {
			t.Fatalf("ParseRole(%q)=%q, want %q", tc.in, got, tc.want)
		}
		if !tc.ok && !errors.Is(err, ErrRoleInvalid) {
			t.Fatalf("ParseRole(%q) err=%v, want ErrRoleInvalid", tc.in, err)
		}
	}
}

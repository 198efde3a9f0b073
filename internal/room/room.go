package room

import (
	"errors"
	"fmt"
	"strings"
)

// Role identifies which side of a consultation a connection belongs to.
type Role string

const (
	RoleClient   Role = "client"
	RoleProvider Role = "provider"
)

var (
	ErrRoleInvalid = errors.New("invalid role")
	ErrNilHandle   = errors.New("nil handle")
)

func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleClient:
		return RoleClient, nil
	case RoleProvider:
		return RoleProvider, nil
	default:
		return "", fmt.Errorf("%w %q (expected %s or %s)", ErrRoleInvalid, raw, RoleClient, RoleProvider)
	}
}

func (r Role) Valid() bool { return r == RoleClient || r == RoleProvider }

// Counterpart returns the other role in a two-party room.
func (r Role) Counterpart() Role {
	if r == RoleClient {
		return RoleProvider
	}
	return RoleClient
}

// Close reasons passed to Handle.Close.
const (
	CloseReplaced     = "replaced by a newer connection"
	CloseSessionEnded = "session ended"
	CloseShutdown     = "server shutting down"
)

// Handle is one live participant connection.
//
// Send must not block: implementations queue the message and deliver it
// asynchronously, preserving the order of Send calls.
type Handle interface {
	ID() string
	ParticipantID() string
	Role() Role
	Send(msg any) error
	Close(reason string)
}

// Occupants is a point-in-time view of a room.
type Occupants struct {
	Client   Handle
	Provider Handle
}

func (o Occupants) Get(role Role) Handle {
	switch role {
	case RoleClient:
		return o.Client
	case RoleProvider:
		return o.Provider
	default:
		return nil
	}
}

func (o Occupants) Both() bool { return o.Client != nil && o.Provider != nil }

func (o Occupants) Empty() bool { return o.Client == nil && o.Provider == nil }

// All returns the present handles, client first.
func (o Occupants) All() []Handle {
	out := make([]Handle, 0, 2)
	if o.Client != nil {
		out = append(out, o.Client)
	}
	if o.Provider != nil {
		out = append(out, o.Provider)
	}
	return out
}

func (o *Occupants) set(role Role, h Handle) {
	if role == RoleClient {
		o.Client = h
	} else {
		o.Provider = h
	}
}

package session

import (
	"errors"
	"time"

	"github.com/wilsonzlin/aero/proxy/session-relay/internal/room"
)

type State string

const (
	StateWaiting    State = "waiting"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
	StateError      State = "error"
)

func (s State) Terminal() bool { return s == StateEnded || s == StateError }

type EndReason string

const (
	ReasonUserEnded          EndReason = "user_ended"
	ReasonInsufficientFunds  EndReason = "insufficient_funds"
	ReasonPeerDisconnected   EndReason = "peer_disconnected"
	ReasonReaderDisconnected EndReason = "reader_disconnected"
	ReasonError              EndReason = "error"
	ReasonBillingUnavailable EndReason = "billing_unavailable"
)

// disconnectReason maps the role that failed to come back to the end reason.
func disconnectReason(role room.Role) EndReason {
	if role == room.RoleProvider {
		return ReasonReaderDisconnected
	}
	return ReasonPeerDisconnected
}

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionEnded        = errors.New("session ended")
	ErrTooManySessions     = errors.New("too many sessions")
	ErrProviderBusy        = errors.New("provider busy")
	ErrParticipantMismatch = errors.New("participant does not belong to session")
	ErrInvalidRequest      = errors.New("invalid session request")
	ErrInsufficientFunds   = errors.New("insufficient funds for minimum session amount")
	ErrClosed              = errors.New("session manager closed")
)

type Participants struct {
	Client   bool `json:"client"`
	Provider bool `json:"provider"`
}

// Snapshot is a read-only copy of session state for API responses.
type Snapshot struct {
	ID                 string       `json:"sessionId"`
	ClientID           string       `json:"clientId"`
	ProviderID         string       `json:"providerId"`
	RatePerMinute      float64      `json:"ratePerMinute"`
	State              State        `json:"state"`
	EndReason          EndReason    `json:"endReason,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
	ConnectedAt        *time.Time   `json:"connectedAt,omitempty"`
	EndedAt            *time.Time   `json:"endedAt,omitempty"`
	DurationSeconds    float64      `json:"duration"`
	AmountCharged      float64      `json:"amountCharged"`
	AmountChargedCents int64        `json:"amountChargedCents"`
	Participants       Participants `json:"participants"`
}

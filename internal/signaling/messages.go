package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/session-relay/internal/room"
)

type MessageType string

const (
	MessageTypeReady        MessageType = "ready"
	MessageTypeOffer        MessageType = "offer"
	MessageTypeAnswer       MessageType = "answer"
	MessageTypeICECandidate MessageType = "ice-candidate"

	MessageTypeChatMessage   MessageType = "chat-message"
	MessageTypeSessionStatus MessageType = "session-status"
	MessageTypeSessionEnded  MessageType = "session-ended"
	MessageTypeEndSession    MessageType = "end-session"
	MessageTypeError         MessageType = "error"
	MessageTypePing          MessageType = "ping"
	MessageTypePong          MessageType = "pong"
	MessageTypeBillingUpdate MessageType = "billing-update"
)

// IsRelayed reports whether t is one of the peer-to-peer signaling kinds that
// the relay forwards to the counterpart.
func (t MessageType) IsRelayed() bool {
	switch t {
	case MessageTypeReady, MessageTypeOffer, MessageTypeAnswer, MessageTypeICECandidate:
		return true
	default:
		return false
	}
}

type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ToPion converts the wire description, rejecting unknown description types.
func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	t := webrtc.NewSDPType(s.Type)
	if t == webrtc.SDPTypeUnknown {
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

// ClientMessage is anything a participant may send over its connection.
type ClientMessage struct {
	Type      MessageType `json:"type"`
	SDP       *SDP        `json:"sdp,omitempty"`
	Candidate *Candidate  `json:"candidate,omitempty"`

	// Chat fields. Timestamp is optional unix milliseconds.
	Body      string `json:"body,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

var ErrBadMessage = errors.New("bad message")

// ParseClientMessage strictly decodes one inbound frame.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg ClientMessage
	if err := dec.Decode(&msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ClientMessage{}, fmt.Errorf("%w: unexpected trailing data", ErrBadMessage)
	}
	if err := msg.validate(); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return msg, nil
}

func (m ClientMessage) hasChatFields() bool { return m.Body != "" || m.Timestamp != 0 }

func (m ClientMessage) validate() error {
	switch m.Type {
	case MessageTypeReady, MessageTypeEndSession, MessageTypePing:
		if m.SDP != nil || m.Candidate != nil || m.hasChatFields() {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case MessageTypeOffer, MessageTypeAnswer:
		if m.SDP == nil {
			return fmt.Errorf("%s message missing sdp", m.Type)
		}
		desc, err := m.SDP.ToPion()
		if err != nil {
			return err
		}
		if desc.Type.String() != string(m.Type) {
			return fmt.Errorf("%s message has sdp.type=%q", m.Type, m.SDP.Type)
		}
		if desc.SDP == "" {
			return fmt.Errorf("%s message has empty sdp", m.Type)
		}
		if m.Candidate != nil || m.hasChatFields() {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case MessageTypeICECandidate:
		// An empty candidate string is the end-of-candidates marker.
		if m.Candidate == nil {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
		if m.SDP != nil || m.hasChatFields() {
			return fmt.Errorf("ice-candidate message has unexpected fields")
		}
	case MessageTypeChatMessage:
		if m.Body == "" {
			return fmt.Errorf("chat-message missing body")
		}
		if m.Timestamp < 0 {
			return fmt.Errorf("chat-message has negative timestamp")
		}
		if m.SDP != nil || m.Candidate != nil {
			return fmt.Errorf("chat-message has unexpected fields")
		}
	case "":
		return fmt.Errorf("missing type")
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// Message is a signaling message as delivered to the counterpart.
type Message struct {
	Type          MessageType `json:"type"`
	From          room.Role   `json:"from"`
	ParticipantID string      `json:"participantId"`
	SDP           *SDP        `json:"sdp,omitempty"`
	Candidate     *Candidate  `json:"candidate,omitempty"`
}

type StatusEvent string

const (
	StatusJoined StatusEvent = "joined"
	StatusLeft   StatusEvent = "left"
	StatusReady  StatusEvent = "ready"
	// StatusConnected is sent to both participants when the handshake has
	// completed and billing starts.
	StatusConnected StatusEvent = "connected"
)

// StatusMessage is the session-status push sent to participants.
type StatusMessage struct {
	Type          MessageType `json:"type"`
	Event         StatusEvent `json:"event"`
	ParticipantID string      `json:"participantId,omitempty"`
	Role          room.Role   `json:"role,omitempty"`
	State         string      `json:"state,omitempty"`
}

func NewStatus(event StatusEvent, participantID string, role room.Role, state string) StatusMessage {
	return StatusMessage{
		Type:          MessageTypeSessionStatus,
		Event:         event,
		ParticipantID: participantID,
		Role:          role,
		State:         state,
	}
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

func NewError(code, message string) ErrorMessage {
	return ErrorMessage{Type: MessageTypeError, Code: code, Message: message}
}

type PongMessage struct {
	Type MessageType `json:"type"`
}

func NewPong() PongMessage { return PongMessage{Type: MessageTypePong} }

// BillingUpdateMessage reports the running charge after each successful
// debit. BalanceCents is only sent to the client.
type BillingUpdateMessage struct {
	Type               MessageType `json:"type"`
	AmountCharged      float64     `json:"amountCharged"`
	AmountChargedCents int64       `json:"amountChargedCents"`
	BalanceCents       *int64      `json:"balanceCents,omitempty"`
}

func NewBillingUpdate(totalCents int64, balanceCents *int64) BillingUpdateMessage {
	return BillingUpdateMessage{
		Type:               MessageTypeBillingUpdate,
		AmountCharged:      float64(totalCents) / 100,
		AmountChargedCents: totalCents,
		BalanceCents:       balanceCents,
	}
}

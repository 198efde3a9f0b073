// Package signaling relays WebRTC offer/answer/ICE messages between the two
// participants of a session and defines the participant wire protocol.
package signaling

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/session-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/room"
)

var ErrUnsupportedKind = errors.New("unsupported signaling kind")

type ForwardResult int

const (
	Delivered ForwardResult = iota
	// Dropped means the counterpart was absent or its connection refused the
	// message. Signaling is never buffered for later delivery.
	Dropped
)

func (r ForwardResult) String() string {
	if r == Delivered {
		return metrics.ResultDelivered
	}
	return metrics.ResultDropped
}

// Relay forwards signaling between room occupants. It holds no per-session
// state; ordering per sender follows from the caller forwarding serially and
// each handle delivering in Send order.
type Relay struct {
	log     *slog.Logger
	metrics *metrics.Collector
}

func NewRelay(logger *slog.Logger, m *metrics.Collector) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{log: logger, metrics: m}
}

// Forward routes msg from senderRole to the other occupant of occ.
func (r *Relay) Forward(occ room.Occupants, senderRole room.Role, senderID string, msg ClientMessage) (ForwardResult, error) {
	if !msg.Type.IsRelayed() {
		r.metrics.Signaling(string(msg.Type), metrics.ResultRejected)
		return Dropped, fmt.Errorf("%w %q", ErrUnsupportedKind, msg.Type)
	}

	target := occ.Get(senderRole.Counterpart())
	if target == nil {
		r.metrics.Signaling(string(msg.Type), metrics.ResultDropped)
		r.log.Debug("signaling dropped: counterpart not connected",
			"kind", msg.Type,
			"from", senderRole,
		)
		return Dropped, nil
	}

	out := Message{
		Type:          msg.Type,
		From:          senderRole,
		ParticipantID: senderID,
		SDP:           msg.SDP,
		Candidate:     msg.Candidate,
	}
	if err := target.Send(out); err != nil {
		r.metrics.Signaling(string(msg.Type), metrics.ResultDropped)
		r.log.Warn("signaling send failed",
			"kind", msg.Type,
			"from", senderRole,
			"to_conn", target.ID(),
			"err", err,
		)
		return Dropped, nil
	}
	r.metrics.Signaling(string(msg.Type), metrics.ResultDelivered)
	return Delivered, nil
}

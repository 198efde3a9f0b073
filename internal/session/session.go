// Package session owns the lifecycle of one billed consultation: presence,
// the signaling handshake, the billing clock and the single terminal
// transition.
//
// Every session runs one worker goroutine. Participant messages, presence
// changes, timer fires and debit results are all serialized through it, so
// session state has exactly one writer.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/session-relay/internal/billing"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/clock"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/events"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/ledger"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/room"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/signaling"
)

// EndedMessage is the final push to both participants.
type EndedMessage struct {
	Type signaling.MessageType `json:"type"`
	events.SessionEnded
}

type attachEvent struct {
	h     room.Handle
	reply chan error
}

type detachEvent struct {
	h room.Handle
}

type messageEvent struct {
	h   room.Handle
	msg signaling.ClientMessage
}

type endEvent struct {
	reason EndReason
	reply  chan events.SessionEnded
}

type Session struct {
	id         string
	clientID   string
	providerID string
	rate       float64
	createdAt  time.Time

	cfg   Config
	deps  Deps
	clock clock.Clock
	log   *slog.Logger

	events      chan any
	done        chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
	onTerminate func(*Session)

	// Worker-owned.
	state          State
	reason         EndReason
	billing        *billing.Clock
	ticker         clock.Ticker
	joinTimer      clock.Timer
	handshakeTimer clock.Timer
	grace          map[room.Role]clock.Timer
	leftAt         map[room.Role]time.Time
	offerFrom      room.Role
	connectedAt    time.Time
	endedAt        time.Time

	mu    sync.RWMutex
	snap  Snapshot
	final *events.SessionEnded
}

func (s *Session) ID() string         { return s.id }
func (s *Session) ClientID() string   { return s.clientID }
func (s *Session) ProviderID() string { return s.providerID }

// Done is closed once the session has terminated and its worker exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// ParticipantFor returns the participant ID allowed to connect as role.
func (s *Session) ParticipantFor(role room.Role) string {
	if role == room.RoleProvider {
		return s.providerID
	}
	return s.clientID
}

// Snapshot returns the most recently published state. It never blocks on the
// worker.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Final returns the final event once the session has terminated.
func (s *Session) Final() (events.SessionEnded, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.final == nil {
		return events.SessionEnded{}, false
	}
	return *s.final, true
}

func (s *Session) submit(ctx context.Context, ev any) error {
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach admits h into the session room. A handle for a role that is already
// occupied replaces the old one.
func (s *Session) Attach(ctx context.Context, h room.Handle) error {
	if h == nil {
		return room.ErrNilHandle
	}
	if !h.Role().Valid() {
		return room.ErrRoleInvalid
	}
	if h.ParticipantID() != s.ParticipantFor(h.Role()) {
		return ErrParticipantMismatch
	}
	if _, ended := s.Final(); ended {
		return ErrSessionEnded
	}
	reply := make(chan error, 1)
	if err := s.submit(ctx, attachEvent{h: h, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Detach reports that h's connection has gone away.
func (s *Session) Detach(h room.Handle) {
	_ = s.submit(context.Background(), detachEvent{h: h})
}

// Deliver hands an inbound participant message to the worker. It blocks while
// the session queue is full.
func (s *Session) Deliver(ctx context.Context, h room.Handle, msg signaling.ClientMessage) error {
	return s.submit(ctx, messageEvent{h: h, msg: msg})
}

// End terminates the session with reason. Ending an already terminated
// session returns the recorded final event and the original reason.
func (s *Session) End(ctx context.Context, reason EndReason) (events.SessionEnded, error) {
	if final, ok := s.Final(); ok {
		return final, nil
	}
	reply := make(chan events.SessionEnded, 1)
	if err := s.submit(ctx, endEvent{reason: reason, reply: reply}); err != nil {
		if errors.Is(err, ErrSessionEnded) {
			if final, ok := s.Final(); ok {
				return final, nil
			}
		}
		return events.SessionEnded{}, err
	}
	select {
	case final := <-reply:
		return final, nil
	case <-s.done:
		if final, ok := s.Final(); ok {
			return final, nil
		}
		return events.SessionEnded{}, ErrSessionEnded
	case <-ctx.Done():
		return events.SessionEnded{}, ctx.Err()
	}
}

func timerC(t clock.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}

func tickerC(t clock.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}

func (s *Session) run() {
	defer close(s.done)
	defer s.cancel()

	s.joinTimer = s.clock.NewTimer(s.cfg.JoinTimeout)

	for !s.state.Terminal() {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-timerC(s.joinTimer):
			s.joinTimer = nil
			s.log.Warn("session setup failed: counterpart did not join in time", "timeout", s.cfg.JoinTimeout)
			s.terminate(StateError, ReasonError)
		case <-timerC(s.handshakeTimer):
			s.handshakeTimer = nil
			s.log.Warn("session setup failed: signaling handshake timed out", "timeout", s.cfg.HandshakeTimeout)
			s.terminate(StateError, ReasonError)
		case <-timerC(s.grace[room.RoleClient]):
			s.graceExpired(room.RoleClient)
		case <-timerC(s.grace[room.RoleProvider]):
			s.graceExpired(room.RoleProvider)
		case <-tickerC(s.ticker):
			// Both parties must be present for the time to be billable; a
			// departed party's window is settled on reconnect or at the end.
			if len(s.grace) == 0 {
				s.billing.Tick(s.ctx, s.clock.Now())
			}
		case r := <-s.billingResults():
			s.billing.Apply(r)
			s.publishSnapshot()
		}
	}
}

func (s *Session) billingResults() <-chan billing.Result {
	if s.billing == nil || !s.billing.Started() {
		return nil
	}
	return s.billing.Results()
}

func (s *Session) handle(ev any) {
	switch ev := ev.(type) {
	case attachEvent:
		ev.reply <- s.attach(ev.h)
	case detachEvent:
		s.detach(ev.h)
	case messageEvent:
		s.message(ev.h, ev.msg)
	case endEvent:
		s.terminate(StateEnded, ev.reason)
		final, _ := s.Final()
		ev.reply <- final
		return
	}
	s.publishSnapshot()
}

func (s *Session) occupants() room.Occupants {
	return s.deps.Rooms.Occupants(s.id)
}

func (s *Session) send(h room.Handle, msg any) {
	if h == nil {
		return
	}
	if err := h.Send(msg); err != nil {
		s.log.Debug("push to participant failed", "role", h.Role(), "conn_id", h.ID(), "err", err)
	}
}

func (s *Session) attach(h room.Handle) error {
	if s.state.Terminal() {
		return ErrSessionEnded
	}
	res, err := s.deps.Rooms.Admit(s.id, h)
	if err != nil {
		return err
	}
	if err := s.deps.Chat.Subscribe(s.id, h); err != nil {
		s.log.Warn("chat subscribe failed", "role", h.Role(), "err", err)
	}

	role := h.Role()
	if t, ok := s.grace[role]; ok {
		t.Stop()
		delete(s.grace, role)
		delete(s.leftAt, role)
		s.log.Info("participant reconnected within grace period", "role", role)
	}
	if s.state == StateWaiting {
		s.state = StateConnecting
	}
	s.log.Info("participant joined",
		"role", role,
		"participant_id", h.ParticipantID(),
		"conn_id", h.ID(),
		"replaced", res.Evicted != nil,
		"state", s.state,
	)

	occ := s.occupants()
	other := occ.Get(role.Counterpart())
	s.send(other, signaling.NewStatus(signaling.StatusJoined, h.ParticipantID(), role, string(s.state)))
	if other != nil {
		s.send(h, signaling.NewStatus(signaling.StatusJoined, other.ParticipantID(), other.Role(), string(s.state)))
	}

	if s.state == StateConnecting {
		// Any (re)join while setting up restarts the handshake.
		s.offerFrom = ""
		if res.RoomReady {
			stopTimer(&s.joinTimer)
			stopTimer(&s.handshakeTimer)
			s.handshakeTimer = s.clock.NewTimer(s.cfg.HandshakeTimeout)
		}
	}
	return nil
}

func (s *Session) detach(h room.Handle) {
	if _, ok := s.deps.Rooms.Remove(s.id, h.Role(), h); !ok {
		return
	}
	s.deps.Chat.Unsubscribe(s.id, h)
	role := h.Role()
	s.log.Info("participant left", "role", role, "participant_id", h.ParticipantID(), "conn_id", h.ID(), "state", s.state)

	s.send(s.occupants().Get(role.Counterpart()), signaling.NewStatus(signaling.StatusLeft, h.ParticipantID(), role, string(s.state)))

	switch s.state {
	case StateConnected:
		if _, ok := s.grace[role]; !ok {
			s.grace[role] = s.clock.NewTimer(s.cfg.ReconnectGrace)
			s.leftAt[role] = s.clock.Now()
		}
	case StateConnecting:
		s.offerFrom = ""
		stopTimer(&s.handshakeTimer)
		if s.joinTimer == nil {
			s.joinTimer = s.clock.NewTimer(s.cfg.JoinTimeout)
		}
	}
}

func (s *Session) graceExpired(role room.Role) {
	delete(s.grace, role)
	s.log.Info("participant did not reconnect within grace period", "role", role, "grace", s.cfg.ReconnectGrace)
	s.terminate(StateEnded, disconnectReason(role))
}

func (s *Session) message(h room.Handle, msg signaling.ClientMessage) {
	if s.state.Terminal() {
		return
	}
	role := h.Role()
	occ := s.occupants()
	if occ.Get(role) != h {
		// Late frame from an evicted connection.
		return
	}

	switch msg.Type {
	case signaling.MessageTypeReady, signaling.MessageTypeOffer, signaling.MessageTypeAnswer, signaling.MessageTypeICECandidate:
		res, err := s.deps.Signaling.Forward(occ, role, h.ParticipantID(), msg)
		if err != nil {
			s.send(h, signaling.NewError("unsupported_message", err.Error()))
			return
		}
		switch msg.Type {
		case signaling.MessageTypeReady:
			s.send(occ.Get(role.Counterpart()), signaling.NewStatus(signaling.StatusReady, h.ParticipantID(), role, string(s.state)))
		case signaling.MessageTypeOffer:
			if res == signaling.Delivered {
				s.offerFrom = role
			}
		case signaling.MessageTypeAnswer:
			if res == signaling.Delivered && s.offerFrom == role.Counterpart() && s.state == StateConnecting && occ.Both() {
				s.markConnected()
			}
		}

	case signaling.MessageTypeChatMessage:
		if _, err := s.deps.Chat.Publish(s.id, h.ParticipantID(), role, msg.Body, msg.Timestamp); err != nil {
			s.send(h, signaling.NewError("bad_chat_message", err.Error()))
		}

	case signaling.MessageTypeEndSession:
		s.log.Info("session end requested by participant", "role", role)
		s.terminate(StateEnded, ReasonUserEnded)

	default:
		s.send(h, signaling.NewError("unsupported_message", "unsupported message type "+string(msg.Type)))
	}
}

func (s *Session) markConnected() {
	now := s.clock.Now()
	stopTimer(&s.joinTimer)
	stopTimer(&s.handshakeTimer)
	s.state = StateConnected
	s.connectedAt = now
	s.billing.Start(now)
	s.ticker = s.clock.NewTicker(s.cfg.TickInterval)
	s.log.Info("session connected; billing started", "rate_per_minute", s.rate, "tick_interval", s.cfg.TickInterval)

	for _, h := range s.occupants().All() {
		s.send(h, signaling.NewStatus(signaling.StatusConnected, "", "", string(s.state)))
	}

	ev := events.SessionConnected{
		SessionID:     s.id,
		ClientID:      s.clientID,
		ProviderID:    s.providerID,
		RatePerMinute: s.rate,
		ConnectedAt:   now,
	}
	pub := s.deps.Publisher
	timeout := s.cfg.PublishTimeout
	log := s.log
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := pub.Publish(ctx, ev); err != nil {
			log.Warn("publish session-connected failed", "err", err)
		}
	}()
}

func (s *Session) onCharge(ch billing.Charge) {
	bal := ch.NewBalanceCents
	occ := s.occupants()
	s.send(occ.Client, signaling.NewBillingUpdate(ch.TotalCents, &bal))
	s.send(occ.Provider, signaling.NewBillingUpdate(ch.TotalCents, nil))
}

func (s *Session) onInsufficientFunds() {
	s.terminate(StateEnded, ReasonInsufficientFunds)
}

func (s *Session) onBillingUnavailable(err error) {
	s.log.Error("ledger unavailable; ending session", "err", err)
	s.terminate(StateEnded, ReasonBillingUnavailable)
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// billingEnd is when billable time stopped: the earliest departure of a
// participant that never came back, otherwise now.
func (s *Session) billingEnd(now time.Time) time.Time {
	end := now
	for _, at := range s.leftAt {
		if at.Before(end) {
			end = at
		}
	}
	return end
}

// terminate performs the single terminal transition. It stops billing
// synchronously, pushes the final event, closes the connections, archives,
// publishes and finally releases the room.
func (s *Session) terminate(state State, reason EndReason) {
	if s.state.Terminal() {
		return
	}
	now := s.clock.Now()
	stopTimer(&s.joinTimer)
	stopTimer(&s.handshakeTimer)
	for role, t := range s.grace {
		t.Stop()
		delete(s.grace, role)
	}
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}

	var fc billing.FinalCharge
	var duration time.Duration
	if s.billing.Started() {
		end := s.billingEnd(now)
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FinalDebitTimeout)
		fc = s.billing.Stop(ctx, end)
		cancel()
		if d := end.Sub(s.connectedAt); d > 0 {
			duration = d
		}
	}

	s.state = state
	s.reason = reason
	s.endedAt = now

	final := events.SessionEnded{
		SessionID:          s.id,
		ClientID:           s.clientID,
		ProviderID:         s.providerID,
		Reason:             string(reason),
		State:              string(state),
		DurationSeconds:    duration.Seconds(),
		AmountCharged:      float64(fc.TotalCents) / 100,
		AmountChargedCents: fc.TotalCents,
		UnbilledCents:      fc.UnbilledCents,
		EndedAt:            now,
	}
	s.mu.Lock()
	s.final = &final
	s.mu.Unlock()

	s.log.Info("session ended",
		"state", state,
		"reason", reason,
		"duration_s", final.DurationSeconds,
		"amount_charged_cents", fc.TotalCents,
		"unbilled_cents", fc.UnbilledCents,
		"debits", fc.Debits,
	)

	occ := s.occupants()
	for _, h := range occ.All() {
		s.send(h, EndedMessage{Type: signaling.MessageTypeSessionEnded, SessionEnded: final})
	}
	for _, h := range occ.All() {
		h.Close(room.CloseSessionEnded)
	}

	if s.deps.Archiver != nil {
		rec := ledger.SessionRecord{
			SessionID:          s.id,
			ClientID:           s.clientID,
			ProviderID:         s.providerID,
			State:              string(state),
			EndReason:          string(reason),
			RatePerMinute:      s.rate,
			CreatedAt:          s.createdAt,
			EndedAt:            now,
			DurationSeconds:    final.DurationSeconds,
			AmountChargedCents: fc.TotalCents,
			UnbilledCents:      fc.UnbilledCents,
		}
		if !s.connectedAt.IsZero() {
			at := s.connectedAt
			rec.ConnectedAt = &at
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ArchiveTimeout)
		if err := s.deps.Archiver.Archive(ctx, rec); err != nil {
			s.log.Error("archive session failed", "err", err)
		}
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
	if err := s.deps.Publisher.Publish(ctx, final); err != nil {
		s.log.Error("publish session-ended failed", "err", err)
	}
	cancel()

	s.deps.Rooms.Release(s.id)
	s.deps.Chat.Close(s.id)
	s.deps.Metrics.SessionEnded(string(reason))
	s.publishSnapshot()
	if s.onTerminate != nil {
		s.onTerminate(s)
	}
}

func (s *Session) publishSnapshot() {
	occ := s.occupants()
	snap := Snapshot{
		ID:            s.id,
		ClientID:      s.clientID,
		ProviderID:    s.providerID,
		RatePerMinute: s.rate,
		State:         s.state,
		EndReason:     s.reason,
		CreatedAt:     s.createdAt,
		Participants:  Participants{Client: occ.Client != nil, Provider: occ.Provider != nil},
	}
	if s.billing != nil {
		snap.AmountChargedCents = s.billing.TotalCents()
		snap.AmountCharged = float64(snap.AmountChargedCents) / 100
	}
	if !s.connectedAt.IsZero() {
		at := s.connectedAt
		snap.ConnectedAt = &at
		if d := s.billingEnd(s.clock.Now()).Sub(s.connectedAt); d > 0 {
			snap.DurationSeconds = d.Seconds()
		}
	}
	if s.state.Terminal() {
		at := s.endedAt
		snap.EndedAt = &at
		if final, ok := s.Final(); ok {
			snap.DurationSeconds = final.DurationSeconds
			snap.AmountChargedCents = final.AmountChargedCents
			snap.AmountCharged = final.AmountCharged
		}
	}
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

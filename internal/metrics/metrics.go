package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "session_relay"

// Signaling results.
const (
	ResultDelivered = "delivered"
	ResultDropped   = "dropped"
	ResultRejected  = "rejected"
)

// Ledger outcomes.
const (
	OutcomeSuccess           = "success"
	OutcomeInsufficientFunds = "insufficient_funds"
	OutcomeTransient         = "transient"
)

// Connection rejection reasons.
const (
	RejectUnauthorized   = "unauthorized"
	RejectBadRequest     = "bad_request"
	RejectUnknownSession = "unknown_session"
	RejectSessionEnded   = "session_ended"
	RejectRateLimited    = "rate_limited"
	RejectTooManySession = "too_many_sessions"
)

// Presence holds process-wide gauges updated with atomic increments from any
// goroutine, independent of the per-session workers.
type Presence struct {
	sessions     atomic.Int64
	participants atomic.Int64
}

func (p *Presence) SessionStarted()     { p.sessions.Add(1) }
func (p *Presence) SessionFinished()    { p.sessions.Add(-1) }
func (p *Presence) ParticipantJoined()  { p.participants.Add(1) }
func (p *Presence) ParticipantLeft()    { p.participants.Add(-1) }
func (p *Presence) Sessions() int64     { return p.sessions.Load() }
func (p *Presence) Participants() int64 { return p.participants.Load() }

// Collector exports relay metrics to Prometheus. A nil *Collector is valid and
// records nothing.
type Collector struct {
	presence *Presence

	sessionsCreated  prometheus.Counter
	sessionsEnded    *prometheus.CounterVec
	signaling        *prometheus.CounterVec
	chatMessages     prometheus.Counter
	ledgerDebits     *prometheus.CounterVec
	ledgerCredits    *prometheus.CounterVec
	ledgerLatency    prometheus.Histogram
	billedCents      prometheus.Counter
	connRejected     *prometheus.CounterVec
	sendQueueDropped prometheus.Counter
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		presence: &Presence{},
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created.",
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Sessions that reached a terminal state, by end reason.",
		}, []string{"reason"}),
		signaling: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_messages_total",
			Help:      "Signaling messages handled by the relay, by kind and result.",
		}, []string{"kind", "result"}),
		chatMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Chat messages published.",
		}),
		ledgerDebits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_debits_total",
			Help:      "Ledger debit attempts, by outcome.",
		}, []string{"outcome"}),
		ledgerCredits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_credits_total",
			Help:      "Provider credit attempts, by outcome.",
		}, []string{"outcome"}),
		ledgerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_debit_duration_seconds",
			Help:      "Ledger debit call latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		billedCents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billed_cents_total",
			Help:      "Cents successfully debited from clients.",
		}),
		connRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_connections_rejected_total",
			Help:      "Participant WebSocket connections rejected, by reason.",
		}, []string{"reason"}),
		sendQueueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_send_queue_dropped_total",
			Help:      "Outbound messages dropped because a connection queue was full or closed.",
		}),
	}

	reg.MustRegister(
		c.sessionsCreated,
		c.sessionsEnded,
		c.signaling,
		c.chatMessages,
		c.ledgerDebits,
		c.ledgerCredits,
		c.ledgerLatency,
		c.billedCents,
		c.connRejected,
		c.sendQueueDropped,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_live",
			Help:      "Sessions that have not reached a terminal state.",
		}, func() float64 { return float64(c.presence.Sessions()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants_connected",
			Help:      "Participant connections currently admitted to a room.",
		}, func() float64 { return float64(c.presence.Participants()) }),
	)
	return c
}

// Presence returns the shared presence counters. It is nil for a nil Collector.
func (c *Collector) Presence() *Presence {
	if c == nil {
		return nil
	}
	return c.presence
}

func (c *Collector) SessionCreated() {
	if c == nil {
		return
	}
	c.sessionsCreated.Inc()
	c.presence.SessionStarted()
}

func (c *Collector) SessionEnded(reason string) {
	if c == nil {
		return
	}
	c.sessionsEnded.WithLabelValues(reason).Inc()
	c.presence.SessionFinished()
}

func (c *Collector) ParticipantJoined() {
	if c == nil {
		return
	}
	c.presence.ParticipantJoined()
}

func (c *Collector) ParticipantLeft() {
	if c == nil {
		return
	}
	c.presence.ParticipantLeft()
}

func (c *Collector) Signaling(kind, result string) {
	if c == nil {
		return
	}
	c.signaling.WithLabelValues(kind, result).Inc()
}

func (c *Collector) ChatPublished() {
	if c == nil {
		return
	}
	c.chatMessages.Inc()
}

func (c *Collector) LedgerDebit(outcome string, cents int64, took time.Duration) {
	if c == nil {
		return
	}
	c.ledgerDebits.WithLabelValues(outcome).Inc()
	c.ledgerLatency.Observe(took.Seconds())
	if outcome == OutcomeSuccess && cents > 0 {
		c.billedCents.Add(float64(cents))
	}
}

func (c *Collector) LedgerCredit(outcome string) {
	if c == nil {
		return
	}
	c.ledgerCredits.WithLabelValues(outcome).Inc()
}

func (c *Collector) ConnectionRejected(reason string) {
	if c == nil {
		return
	}
	c.connRejected.WithLabelValues(reason).Inc()
}

func (c *Collector) SendDropped() {
	if c == nil {
		return
	}
	c.sendQueueDropped.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

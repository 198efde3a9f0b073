package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.SessionCreated()
	c.SessionEnded("user_ended")
	c.Signaling("offer", ResultDelivered)
	c.LedgerDebit(OutcomeSuccess, 100, time.Millisecond)
	if c.Presence() != nil {
		t.Fatalf("Presence() on nil collector should be nil")
	}
}

func TestSessionLifecycleCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SessionCreated()
	c.SessionCreated()
	c.SessionEnded("insufficient_funds")

	if got := testutil.ToFloat64(c.sessionsCreated); got != 2 {
		t.Fatalf("sessions_created_total=%v, want 2", got)
	}
	if got := testutil.ToFloat64(c.sessionsEnded.WithLabelValues("insufficient_funds")); got != 1 {
		t.Fatalf("sessions_ended_total{insufficient_funds}=%v, want 1", got)
	}
	if got := c.Presence().Sessions(); got != 1 {
		t.Fatalf("live sessions=%d, want 1", got)
	}
}

func TestLedgerDebitAccumulatesBilledCentsOnSuccessOnly(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.LedgerDebit(OutcomeSuccess, 200, 10*time.Millisecond)
	c.LedgerDebit(OutcomeTransient, 300, 10*time.Millisecond)

	if got := testutil.ToFloat64(c.billedCents); got != 200 {
		t.Fatalf("billed_cents_total=%v, want 200", got)
	}
	if got := testutil.ToFloat64(c.ledgerDebits.WithLabelValues(OutcomeTransient)); got != 1 {
		t.Fatalf("ledger_debits_total{transient}=%v, want 1", got)
	}
}

func TestHandlerServesPresenceGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.ParticipantJoined()
	c.ParticipantJoined()
	c.ParticipantLeft()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rec.Code, http.StatusOK)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "session_relay_participants_connected 1") {
		t.Fatalf("missing participants gauge in:\n%s", body)
	}
}

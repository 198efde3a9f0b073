// Package billing meters connected time and turns it into ledger debits.
//
// A Clock is owned by one session worker. Tick launches at most one debit at a
// time on its own goroutine; the outcome comes back on Results and must be fed
// to Apply from the same worker, so all Clock state has a single writer.
//
// Amounts are derived from the cumulative connected duration rather than
// summed per window: each debit is round(exact total so far) minus what has
// already been persisted. Rounding error therefore never compounds and the
// total charged always equals the rounded exact charge for the billed time.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/wilsonzlin/aero/proxy/session-relay/internal/ledger"
	"github.com/wilsonzlin/aero/proxy/session-relay/internal/metrics"
)

const (
	DefaultMinBillableWindow      = 5 * time.Second
	DefaultMaxConsecutiveFailures = 3
	DefaultDebitTimeout           = 10 * time.Second
)

type Window struct {
	From time.Time
	To   time.Time
}

type Charge struct {
	Seq             int
	Window          Window
	AmountCents     int64
	TotalCents      int64
	NewBalanceCents int64
}

// Callbacks run on the goroutine that calls Apply. None of them fire once Stop
// has been called.
type Callbacks struct {
	OnCharge            func(Charge)
	OnInsufficientFunds func()
	// OnUnavailable fires once, when the ledger has failed
	// MaxConsecutiveFailures debits in a row.
	OnUnavailable func(err error)
}

type Config struct {
	SessionID  string
	ClientID   string
	ProviderID string
	// RatePerMinute is in currency units, not cents.
	RatePerMinute float64

	MinBillableWindow      time.Duration
	MaxConsecutiveFailures int
	DebitTimeout           time.Duration

	Ledger    ledger.Store
	Callbacks Callbacks
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// FinalCharge summarises billing once the clock is stopped.
type FinalCharge struct {
	TotalCents int64
	// UnbilledCents is connected time that was owed but not collected: the
	// residual after funds ran out or after a failed final debit.
	UnbilledCents      int64
	BilledDuration     time.Duration
	Debits             int
	PendingCreditCents int64
	Exhausted          bool
}

// Result is the outcome of one debit, delivered on Clock.Results.
type Result struct {
	seq      int
	window   Window
	cents    int64
	res      ledger.DebitResult
	err      error
	took     time.Duration
	credits  []ledger.CreditRequest
	credited int
}

func (r Result) Err() error { return r.err }

type Clock struct {
	cfg     Config
	log     *slog.Logger
	results chan Result

	started       bool
	stopped       bool
	exhausted     bool
	inflight      bool
	startedAt     time.Time
	billedThrough time.Time
	billedCents   int64

	// seq is the current billing slot. It only advances once a slot's debit
	// has been settled, so a retry after a transient failure reuses the
	// reference and an attempt that did land is not charged twice.
	seq      int
	attempts int
	failures int

	pendingCredits []ledger.CreditRequest
	final          *FinalCharge
}

var (
	ErrNoLedger    = errors.New("billing: ledger is required")
	ErrInvalidRate = errors.New("billing: rate per minute must be >= 0")
)

func New(cfg Config) (*Clock, error) {
	if cfg.Ledger == nil {
		return nil, ErrNoLedger
	}
	if cfg.RatePerMinute < 0 || math.IsNaN(cfg.RatePerMinute) || math.IsInf(cfg.RatePerMinute, 0) {
		return nil, ErrInvalidRate
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("billing: client id is required")
	}
	if cfg.MinBillableWindow <= 0 {
		cfg.MinBillableWindow = DefaultMinBillableWindow
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if cfg.DebitTimeout <= 0 {
		cfg.DebitTimeout = DefaultDebitTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Clock{
		cfg:     cfg,
		log:     logger.With("session_id", cfg.SessionID),
		results: make(chan Result, 1),
	}, nil
}

// Start begins metering at now. Calling it again is a no-op.
func (c *Clock) Start(now time.Time) {
	if c.started || c.stopped {
		return
	}
	c.started = true
	c.startedAt = now
	c.billedThrough = now
	c.seq = 1
}

func (c *Clock) Started() bool { return c.started }

// Results delivers debit outcomes launched by Tick.
func (c *Clock) Results() <-chan Result { return c.results }

func (c *Clock) TotalCents() int64 { return c.billedCents }

func (c *Clock) StartedAt() time.Time { return c.startedAt }

// RoundCents converts a currency amount to integer cents.
func RoundCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func (c *Clock) exactCents(t time.Time) int64 {
	minutes := t.Sub(c.startedAt).Seconds() / 60
	return RoundCents(minutes * c.cfg.RatePerMinute)
}

// due is what is owed for [startedAt, now) and not yet persisted.
func (c *Clock) due(now time.Time) int64 {
	return c.exactCents(now) - c.billedCents
}

func (c *Clock) reference(seq int) string {
	return fmt.Sprintf("%s:%d", c.cfg.SessionID, seq)
}

// Tick bills [billedThrough, now) if no debit is in flight and the window is
// at least MinBillableWindow long. It reports whether a debit was launched.
func (c *Clock) Tick(ctx context.Context, now time.Time) bool {
	if !c.started || c.stopped || c.exhausted || c.inflight {
		return false
	}
	if now.Sub(c.billedThrough) < c.cfg.MinBillableWindow {
		return false
	}
	cents := c.due(now)
	if cents <= 0 {
		return false
	}

	c.inflight = true
	c.attempts++
	seq := c.seq
	w := Window{From: c.billedThrough, To: now}
	credits := slices.Clone(c.pendingCredits)
	go func() {
		c.results <- c.debit(ctx, seq, w, cents, credits)
	}()
	return true
}

// debit performs the ledger calls for one slot. It must not touch Clock state
// other than cfg since it runs off the worker.
func (c *Clock) debit(ctx context.Context, seq int, w Window, cents int64, credits []ledger.CreditRequest) Result {
	req := ledger.DebitRequest{
		UserID:      c.cfg.ClientID,
		AmountCents: cents,
		Reference:   c.reference(seq),
	}

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DebitTimeout)
	start := time.Now()
	res, err := c.cfg.Ledger.Debit(dctx, req)
	took := time.Since(start)
	cancel()

	r := Result{seq: seq, window: w, cents: cents, res: res, err: err, took: took}
	if err != nil {
		return r
	}

	applied := cents
	if res.Duplicate && res.AppliedCents > 0 {
		applied = res.AppliedCents
	}
	if c.cfg.ProviderID != "" {
		credits = append(credits, ledger.CreditRequest{
			UserID:      c.cfg.ProviderID,
			AmountCents: applied,
			Reference:   req.Reference + ":credit",
		})
	}
	r.credits = credits
	r.credited = c.credit(ctx, credits)
	return r
}

// credit applies credits in order and returns how many succeeded.
func (c *Clock) credit(ctx context.Context, credits []ledger.CreditRequest) int {
	for i, cr := range credits {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.DebitTimeout)
		err := c.cfg.Ledger.Credit(cctx, cr)
		cancel()
		if err != nil {
			c.cfg.Metrics.LedgerCredit(metrics.OutcomeTransient)
			c.log.Warn("provider credit failed; carrying forward",
				"provider_id", cr.UserID,
				"reference", cr.Reference,
				"amount_cents", cr.AmountCents,
				"err", err,
			)
			return i
		}
		c.cfg.Metrics.LedgerCredit(metrics.OutcomeSuccess)
	}
	return len(credits)
}

type outcome int

const (
	outcomeCharged outcome = iota
	outcomeInsufficient
	outcomeFailed
)

// settle folds a debit result into the clock state.
func (c *Clock) settle(r Result) (outcome, Charge) {
	switch {
	case r.err == nil:
		applied := r.cents
		if r.res.Duplicate && r.res.AppliedCents > 0 {
			applied = r.res.AppliedCents
		}
		// A duplicate for a different amount means an earlier attempt for this
		// slot landed; the window it covered is not known, so billedThrough
		// stays put and the next debit makes up the difference.
		if applied == r.cents {
			c.billedThrough = r.window.To
		}
		c.billedCents += applied
		c.seq++
		c.failures = 0
		if r.credits != nil {
			c.pendingCredits = slices.Clone(r.credits[r.credited:])
		}
		c.cfg.Metrics.LedgerDebit(metrics.OutcomeSuccess, applied, r.took)
		c.log.Debug("billing debit applied",
			"seq", r.seq,
			"amount_cents", applied,
			"total_cents", c.billedCents,
			"balance_cents", r.res.NewBalanceCents,
			"duplicate", r.res.Duplicate,
		)
		return outcomeCharged, Charge{
			Seq:             r.seq,
			Window:          Window{From: r.window.From, To: c.billedThrough},
			AmountCents:     applied,
			TotalCents:      c.billedCents,
			NewBalanceCents: r.res.NewBalanceCents,
		}

	case !ledger.IsTransient(r.err):
		// The ledger answered definitively (no funds, or no account to take
		// them from); retrying on a later tick cannot change that.
		c.exhausted = true
		c.cfg.Metrics.LedgerDebit(metrics.OutcomeInsufficientFunds, 0, r.took)
		c.log.Info("billing debit refused: insufficient funds",
			"seq", r.seq,
			"amount_cents", r.cents,
			"balance_cents", r.res.NewBalanceCents,
			"err", r.err,
		)
		return outcomeInsufficient, Charge{}

	default:
		c.failures++
		c.cfg.Metrics.LedgerDebit(metrics.OutcomeTransient, 0, r.took)
		c.log.Warn("billing debit failed; retrying next tick",
			"seq", r.seq,
			"amount_cents", r.cents,
			"consecutive_failures", c.failures,
			"err", r.err,
		)
		return outcomeFailed, Charge{}
	}
}

// Apply settles a result received from Results and invokes the matching
// callback.
func (c *Clock) Apply(r Result) {
	c.inflight = false
	kind, charge := c.settle(r)
	if c.stopped {
		return
	}
	cb := c.cfg.Callbacks
	switch kind {
	case outcomeCharged:
		if cb.OnCharge != nil {
			cb.OnCharge(charge)
		}
	case outcomeInsufficient:
		if cb.OnInsufficientFunds != nil {
			cb.OnInsufficientFunds()
		}
	case outcomeFailed:
		if c.cfg.MaxConsecutiveFailures > 0 && c.failures == c.cfg.MaxConsecutiveFailures && cb.OnUnavailable != nil {
			cb.OnUnavailable(fmt.Errorf("%d consecutive ledger failures: %w", c.failures, r.err))
		}
	}
}

// Stop ends metering at now. It waits for an in-flight debit, then bills any
// nonzero residual regardless of window size unless funds are exhausted.
// Stop is idempotent; later calls return the first result.
func (c *Clock) Stop(ctx context.Context, now time.Time) FinalCharge {
	if c.final != nil {
		return *c.final
	}
	c.stopped = true

	if c.inflight {
		select {
		case r := <-c.results:
			c.Apply(r)
		case <-ctx.Done():
			c.inflight = false
			c.log.Warn("billing stop: gave up waiting for in-flight debit", "err", ctx.Err())
		}
	}

	var unbilled int64
	if c.started {
		// Two passes: a duplicate of an earlier attempt can leave a remainder.
		for i := 0; i < 2 && !c.exhausted; i++ {
			cents := c.due(now)
			if cents <= 0 {
				break
			}
			c.attempts++
			r := c.debit(ctx, c.seq, Window{From: c.billedThrough, To: now}, cents, slices.Clone(c.pendingCredits))
			if kind, _ := c.settle(r); kind != outcomeCharged {
				break
			}
		}
		if due := c.due(now); due > 0 {
			unbilled = due
		}
	}

	if len(c.pendingCredits) > 0 {
		n := c.credit(ctx, c.pendingCredits)
		c.pendingCredits = c.pendingCredits[n:]
	}
	var pending int64
	for _, cr := range c.pendingCredits {
		pending += cr.AmountCents
	}

	final := FinalCharge{
		TotalCents:         c.billedCents,
		UnbilledCents:      unbilled,
		Debits:             c.attempts,
		PendingCreditCents: pending,
		Exhausted:          c.exhausted,
	}
	if c.started {
		final.BilledDuration = c.billedThrough.Sub(c.startedAt)
	}
	if pending > 0 {
		c.log.Error("provider credit still pending at stop",
			"provider_id", c.cfg.ProviderID,
			"amount_cents", pending,
		)
	}
	c.final = &final
	return final
}

// Package ledger is the boundary to the balance-holding store: atomic debits
// from client balances, credits to provider earnings, and the archive of
// finished sessions. All amounts are integer cents.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInsufficientFunds means the debit would take the balance below zero.
	// Nothing was deducted.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrUnavailable marks a ledger that could not be reached or refused the
	// call for a reason unrelated to the request itself.
	ErrUnavailable    = errors.New("ledger unavailable")
	ErrUnknownAccount = errors.New("unknown account")
	ErrInvalidAmount  = errors.New("amount must be > 0")
)

type DebitRequest struct {
	UserID      string
	AmountCents int64
	// Reference makes the debit idempotent: a second debit with the same
	// reference is not applied again.
	Reference string
}

type DebitResult struct {
	NewBalanceCents int64
	// Duplicate is set when Reference had already been applied. AppliedCents
	// is then the amount of that earlier debit, which may differ from the
	// amount in this request.
	Duplicate    bool
	AppliedCents int64
}

type CreditRequest struct {
	UserID      string
	AmountCents int64
	Reference   string
}

// Store is the external balance service. Debit must be check-then-deduct
// atomic.
type Store interface {
	Debit(ctx context.Context, req DebitRequest) (DebitResult, error)
	Credit(ctx context.Context, req CreditRequest) error
	Balance(ctx context.Context, userID string) (int64, error)
}

// SessionRecord is what gets archived once a session reaches a terminal state.
type SessionRecord struct {
	SessionID          string
	ClientID           string
	ProviderID         string
	State              string
	EndReason          string
	RatePerMinute      float64
	CreatedAt          time.Time
	ConnectedAt        *time.Time
	EndedAt            time.Time
	DurationSeconds    float64
	AmountChargedCents int64
	UnbilledCents      int64
}

type Archiver interface {
	Archive(ctx context.Context, rec SessionRecord) error
}

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// HistoryQuery selects the archived sessions of one participant, newest
// first. Role is "client" or "provider".
type HistoryQuery struct {
	UserID string
	Role   string
	Limit  int
}

var ErrInvalidQuery = errors.New("invalid history query")

func (q HistoryQuery) normalize() (HistoryQuery, error) {
	if q.UserID == "" || (q.Role != "client" && q.Role != "provider") {
		return q, ErrInvalidQuery
	}
	if q.Limit <= 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Limit > MaxHistoryLimit {
		q.Limit = MaxHistoryLimit
	}
	return q, nil
}

// HistoryReader reads back what an Archiver stored.
type HistoryReader interface {
	History(ctx context.Context, q HistoryQuery) ([]SessionRecord, error)
}

// IsTransient reports whether err should be retried on a later tick rather
// than treated as a definitive answer.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrInsufficientFunds) &&
		!errors.Is(err, ErrUnknownAccount) &&
		!errors.Is(err, ErrInvalidAmount)
}

func validate(userID string, cents int64) error {
	if userID == "" {
		return ErrUnknownAccount
	}
	if cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

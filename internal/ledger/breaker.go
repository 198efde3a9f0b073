package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker fails ledger calls fast while the backing store keeps erroring, so
// a ledger outage costs each session one quick failure per tick instead of a
// full timeout.
type Breaker struct {
	store    Store
	archiver Archiver
	cb       *gobreaker.CircuitBreaker
}

// NewBreaker wraps store. archiver may be nil.
func NewBreaker(store Store, archiver Archiver, timeout time.Duration, maxFailures uint32) *Breaker {
	settings := gobreaker.Settings{
		Name:        "ledger",
		MaxRequests: 5,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// A definitive answer from the ledger is not a health failure.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrInsufficientFunds) ||
				errors.Is(err, ErrUnknownAccount) ||
				errors.Is(err, ErrInvalidAmount) ||
				errors.Is(err, ErrInvalidQuery)
		},
	}
	return &Breaker{store: store, archiver: archiver, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) State() gobreaker.State { return b.cb.State() }

func (b *Breaker) execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: breaker (%s): %w", ErrUnavailable, b.cb.Name(), err)
	}
	return err
}

func (b *Breaker) Debit(ctx context.Context, req DebitRequest) (DebitResult, error) {
	var res DebitResult
	err := b.execute(func() error {
		var err error
		res, err = b.store.Debit(ctx, req)
		return err
	})
	return res, err
}

func (b *Breaker) Credit(ctx context.Context, req CreditRequest) error {
	return b.execute(func() error {
		return b.store.Credit(ctx, req)
	})
}

func (b *Breaker) Balance(ctx context.Context, userID string) (int64, error) {
	var bal int64
	err := b.execute(func() error {
		var err error
		bal, err = b.store.Balance(ctx, userID)
		return err
	})
	return bal, err
}

func (b *Breaker) Archive(ctx context.Context, rec SessionRecord) error {
	if b.archiver == nil {
		return nil
	}
	return b.execute(func() error {
		return b.archiver.Archive(ctx, rec)
	})
}

// History reads through the breaker when the wrapped archiver can read back.
func (b *Breaker) History(ctx context.Context, q HistoryQuery) ([]SessionRecord, error) {
	reader, ok := b.archiver.(HistoryReader)
	if !ok {
		return []SessionRecord{}, nil
	}
	var out []SessionRecord
	err := b.execute(func() error {
		var err error
		out, err = reader.History(ctx, q)
		return err
	})
	return out, err
}

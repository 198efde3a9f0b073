package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDebitIsAtomicAndIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(map[string]int64{"usr_1": 100})

	_, err := m.Debit(ctx, DebitRequest{UserID: "usr_1", AmountCents: 200, Reference: "a"})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	bal, err := m.Balance(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal, "failed debit must not deduct")

	res, err := m.Debit(ctx, DebitRequest{UserID: "usr_1", AmountCents: 60, Reference: "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(40), res.NewBalanceCents)

	res, err = m.Debit(ctx, DebitRequest{UserID: "usr_1", AmountCents: 90, Reference: "b"})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, int64(60), res.AppliedCents)
	assert.Equal(t, int64(40), res.NewBalanceCents)
}

func TestMemoryCreditOpensAccount(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	require.NoError(t, m.Credit(ctx, CreditRequest{UserID: "rdr_1", AmountCents: 250, Reference: "x"}))
	require.NoError(t, m.Credit(ctx, CreditRequest{UserID: "rdr_1", AmountCents: 250, Reference: "x"}))

	bal, err := m.Balance(ctx, "rdr_1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), bal)
}

func TestMemoryOpeningBalance(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	_, err := m.Balance(ctx, "usr_new")
	require.ErrorIs(t, err, ErrUnknownAccount)

	m.OpeningBalance = 500
	res, err := m.Debit(ctx, DebitRequest{UserID: "usr_new", AmountCents: 20})
	require.NoError(t, err)
	assert.Equal(t, int64(480), res.NewBalanceCents)

	bal, err := m.Balance(ctx, "usr_new")
	require.NoError(t, err)
	assert.Equal(t, int64(480), bal, "opening balance applies once")
}

func TestMemoryArchiveKeepsFirstRecord(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	require.NoError(t, m.Archive(ctx, SessionRecord{SessionID: "ses_1", EndReason: "user_ended"}))
	require.NoError(t, m.Archive(ctx, SessionRecord{SessionID: "ses_1", EndReason: "error"}))

	rec, ok := m.Archived("ses_1")
	require.True(t, ok)
	assert.Equal(t, "user_ended", rec.EndReason)
}

func TestMemoryHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"ses_a", "ses_b", "ses_c"} {
		require.NoError(t, m.Archive(ctx, SessionRecord{
			SessionID:  id,
			ClientID:   "usr_1",
			ProviderID: "rdr_1",
			EndedAt:    base.Add(time.Duration(i) * time.Hour),
		}))
	}
	require.NoError(t, m.Archive(ctx, SessionRecord{SessionID: "ses_x", ClientID: "usr_2", ProviderID: "rdr_1", EndedAt: base}))

	recs, err := m.History(ctx, HistoryQuery{UserID: "usr_1", Role: "client", Limit: 2})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "ses_c", recs[0].SessionID)
	assert.Equal(t, "ses_b", recs[1].SessionID)

	recs, err = m.History(ctx, HistoryQuery{UserID: "rdr_1", Role: "provider"})
	require.NoError(t, err)
	assert.Len(t, recs, 4)

	recs, err = m.History(ctx, HistoryQuery{UserID: "usr_404", Role: "client"})
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestBreakerHistoryReadsThroughArchiver(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(nil)
	require.NoError(t, mem.Archive(ctx, SessionRecord{SessionID: "ses_1", ClientID: "usr_1", ProviderID: "rdr_1"}))
	b := NewBreaker(mem, mem, time.Minute, 1)

	recs, err := b.History(ctx, HistoryQuery{UserID: "usr_1", Role: "client"})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	_, err = b.History(ctx, HistoryQuery{UserID: "usr_1", Role: "nobody"})
	require.ErrorIs(t, err, ErrInvalidQuery)
	assert.Equal(t, gobreaker.StateClosed, b.State(), "a bad query is not a ledger failure")
}

type flakyStore struct {
	*Memory
	err   error
	calls int
}

func (f *flakyStore) Debit(ctx context.Context, req DebitRequest) (DebitResult, error) {
	f.calls++
	if f.err != nil {
		return DebitResult{}, f.err
	}
	return f.Memory.Debit(ctx, req)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Memory: NewMemory(map[string]int64{"usr_1": 1000}), err: errors.New("dial tcp: refused")}
	b := NewBreaker(store, nil, time.Minute, 2)

	for i := 0; i < 2; i++ {
		_, err := b.Debit(ctx, DebitRequest{UserID: "usr_1", AmountCents: 1})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	_, err := b.Debit(ctx, DebitRequest{UserID: "usr_1", AmountCents: 1})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, store.calls, "open breaker must not reach the store")
}

func TestBreakerIgnoresInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	b := NewBreaker(NewMemory(map[string]int64{"usr_1": 1}), nil, time.Minute, 1)

	for i := 0; i < 3; i++ {
		_, err := b.Debit(ctx, DebitRequest{UserID: "usr_1", AmountCents: 100})
		require.ErrorIs(t, err, ErrInsufficientFunds)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

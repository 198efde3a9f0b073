package ledger

import (
	"context"
	"sort"
	"sync"
)

type entry struct {
	amount       int64
	balanceAfter int64
}

// Memory is an in-process ledger used in dev mode and tests.
type Memory struct {
	mu       sync.Mutex
	balances map[string]int64
	applied  map[string]entry
	archive  map[string]SessionRecord
	// AutoCreate opens unknown accounts with a zero balance on credit.
	AutoCreate bool
	// OpeningBalance, when positive, opens unknown accounts with this many
	// cents on first debit or balance read. Dev mode only.
	OpeningBalance int64
}

func NewMemory(balances map[string]int64) *Memory {
	m := &Memory{
		balances:   make(map[string]int64, len(balances)),
		applied:    make(map[string]entry),
		archive:    make(map[string]SessionRecord),
		AutoCreate: true,
	}
	for id, cents := range balances {
		m.balances[id] = cents
	}
	return m
}

func (m *Memory) SetBalance(userID string, cents int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = cents
}

func (m *Memory) Debit(ctx context.Context, req DebitRequest) (DebitResult, error) {
	if err := ctx.Err(); err != nil {
		return DebitResult{}, err
	}
	if err := validate(req.UserID, req.AmountCents); err != nil {
		return DebitResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if req.Reference != "" {
		if e, ok := m.applied[req.Reference]; ok {
			return DebitResult{NewBalanceCents: e.balanceAfter, Duplicate: true, AppliedCents: e.amount}, nil
		}
	}
	bal, ok := m.accountLocked(req.UserID)
	if !ok {
		return DebitResult{}, ErrUnknownAccount
	}
	if bal < req.AmountCents {
		return DebitResult{NewBalanceCents: bal}, ErrInsufficientFunds
	}
	bal -= req.AmountCents
	m.balances[req.UserID] = bal
	if req.Reference != "" {
		m.applied[req.Reference] = entry{amount: req.AmountCents, balanceAfter: bal}
	}
	return DebitResult{NewBalanceCents: bal}, nil
}

func (m *Memory) Credit(ctx context.Context, req CreditRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(req.UserID, req.AmountCents); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if req.Reference != "" {
		if _, ok := m.applied[req.Reference]; ok {
			return nil
		}
	}
	bal, ok := m.balances[req.UserID]
	if !ok && !m.AutoCreate {
		return ErrUnknownAccount
	}
	bal += req.AmountCents
	m.balances[req.UserID] = bal
	if req.Reference != "" {
		m.applied[req.Reference] = entry{amount: req.AmountCents, balanceAfter: bal}
	}
	return nil
}

func (m *Memory) Balance(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.accountLocked(userID)
	if !ok {
		return 0, ErrUnknownAccount
	}
	return bal, nil
}

func (m *Memory) accountLocked(userID string) (int64, bool) {
	bal, ok := m.balances[userID]
	if !ok && m.OpeningBalance > 0 {
		bal, ok = m.OpeningBalance, true
		m.balances[userID] = bal
	}
	return bal, ok
}

func (m *Memory) Archive(ctx context.Context, rec SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.archive[rec.SessionID]; ok {
		return nil
	}
	m.archive[rec.SessionID] = rec
	return nil
}

// Archived returns the archived record for sessionID.
func (m *Memory) Archived(sessionID string) (SessionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.archive[sessionID]
	return rec, ok
}

func (m *Memory) History(ctx context.Context, q HistoryQuery) ([]SessionRecord, error) {
	q, err := q.normalize()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	out := []SessionRecord{}
	for _, rec := range m.archive {
		owner := rec.ClientID
		if q.Role == "provider" {
			owner = rec.ProviderID
		}
		if owner == q.UserID {
			out = append(out, rec)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].EndedAt.Equal(out[j].EndedAt) {
			return out[i].EndedAt.After(out[j].EndedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

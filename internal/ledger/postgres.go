package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of pgxpool.Pool the ledger needs.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type Postgres struct {
	db DB
}

func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

const (
	qEntryByReference = `
select amount_cents, balance_after_cents
from ledger_entries
where reference = $1`

	qDebit = `
update accounts
set balance_cents = balance_cents - $2, updated_at = now()
where id = $1 and balance_cents >= $2
returning balance_cents`

	qBalance = `
select balance_cents
from accounts
where id = $1`

	qCredit = `
insert into accounts (id, balance_cents)
values ($1, $2)
on conflict (id) do update
set balance_cents = accounts.balance_cents + excluded.balance_cents, updated_at = now()
returning balance_cents`

	qInsertEntry = `
insert into ledger_entries (reference, account_id, kind, amount_cents, balance_after_cents)
values ($1, $2, $3, $4, $5)`

	qArchive = `
insert into session_archive (
  session_id, client_id, provider_id, state, end_reason, rate_per_minute,
  created_at, connected_at, ended_at, duration_seconds, amount_charged_cents, unbilled_cents
) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
on conflict (session_id) do nothing`

	qHistoryColumns = `
select session_id, client_id, provider_id, state, end_reason, rate_per_minute::float8,
       created_at, connected_at, ended_at, duration_seconds, amount_charged_cents, unbilled_cents
from session_archive`

	qClientHistory   = qHistoryColumns + ` where client_id = $1 order by ended_at desc limit $2`
	qProviderHistory = qHistoryColumns + ` where provider_id = $1 order by ended_at desc limit $2`
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func (p *Postgres) Debit(ctx context.Context, req DebitRequest) (DebitResult, error) {
	if err := validate(req.UserID, req.AmountCents); err != nil {
		return DebitResult{}, err
	}
	if req.Reference == "" {
		req.Reference = uuid.NewString()
	}

	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return DebitResult{}, unavailable("begin", err)
	}
	defer tx.Rollback(ctx)

	var applied, bal int64
	err = tx.QueryRow(ctx, qEntryByReference, req.Reference).Scan(&applied, &bal)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return DebitResult{}, unavailable("commit", err)
		}
		return DebitResult{NewBalanceCents: bal, Duplicate: true, AppliedCents: applied}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return DebitResult{}, unavailable("lookup reference", err)
	}

	err = tx.QueryRow(ctx, qDebit, req.UserID, req.AmountCents).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the account does not exist or it cannot cover the amount.
		var cur int64
		if err := tx.QueryRow(ctx, qBalance, req.UserID).Scan(&cur); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return DebitResult{}, ErrUnknownAccount
			}
			return DebitResult{}, unavailable("balance", err)
		}
		return DebitResult{NewBalanceCents: cur}, ErrInsufficientFunds
	}
	if err != nil {
		return DebitResult{}, unavailable("debit", err)
	}

	if _, err := tx.Exec(ctx, qInsertEntry, req.Reference, req.UserID, "debit", req.AmountCents, bal); err != nil {
		return DebitResult{}, unavailable("insert entry", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return DebitResult{}, unavailable("commit", err)
	}
	return DebitResult{NewBalanceCents: bal}, nil
}

func (p *Postgres) Credit(ctx context.Context, req CreditRequest) error {
	if err := validate(req.UserID, req.AmountCents); err != nil {
		return err
	}
	if req.Reference == "" {
		req.Reference = uuid.NewString()
	}

	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return unavailable("begin", err)
	}
	defer tx.Rollback(ctx)

	var applied, bal int64
	err = tx.QueryRow(ctx, qEntryByReference, req.Reference).Scan(&applied, &bal)
	if err == nil {
		return tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return unavailable("lookup reference", err)
	}

	if err := tx.QueryRow(ctx, qCredit, req.UserID, req.AmountCents).Scan(&bal); err != nil {
		return unavailable("credit", err)
	}
	if _, err := tx.Exec(ctx, qInsertEntry, req.Reference, req.UserID, "credit", req.AmountCents, bal); err != nil {
		return unavailable("insert entry", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

func (p *Postgres) Balance(ctx context.Context, userID string) (int64, error) {
	var bal int64
	if err := p.db.QueryRow(ctx, qBalance, userID).Scan(&bal); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUnknownAccount
		}
		return 0, unavailable("balance", err)
	}
	return bal, nil
}

func (p *Postgres) Archive(ctx context.Context, rec SessionRecord) error {
	_, err := p.db.Exec(ctx, qArchive,
		rec.SessionID, rec.ClientID, rec.ProviderID, rec.State, rec.EndReason, rec.RatePerMinute,
		rec.CreatedAt, rec.ConnectedAt, rec.EndedAt, rec.DurationSeconds, rec.AmountChargedCents, rec.UnbilledCents,
	)
	if err != nil {
		return unavailable("archive", err)
	}
	return nil
}

func (p *Postgres) History(ctx context.Context, q HistoryQuery) ([]SessionRecord, error) {
	q, err := q.normalize()
	if err != nil {
		return nil, err
	}
	query := qClientHistory
	if q.Role == "provider" {
		query = qProviderHistory
	}
	rows, err := p.db.Query(ctx, query, q.UserID, q.Limit)
	if err != nil {
		return nil, unavailable("history", err)
	}
	defer rows.Close()

	out := []SessionRecord{}
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(
			&rec.SessionID, &rec.ClientID, &rec.ProviderID, &rec.State, &rec.EndReason, &rec.RatePerMinute,
			&rec.CreatedAt, &rec.ConnectedAt, &rec.EndedAt, &rec.DurationSeconds, &rec.AmountChargedCents, &rec.UnbilledCents,
		); err != nil {
			return nil, unavailable("history scan", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("history rows", err)
	}
	return out, nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/MeterForge/internal/domain/ledger"
	"github.com/Strob0t/MeterForge/internal/domain/usage"
	"github.com/Strob0t/MeterForge/internal/port/accountstore"
	"github.com/Strob0t/MeterForge/internal/port/chargewriter"
)

var (
	_ chargewriter.Recorder = (*Store)(nil)
	_ accountstore.Store    = (*Store)(nil)
)

// Store implements the ledger and account ports using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const entryColumns = `id, source_system, source_reference, run_id, attempt, billing_account_id,
	charged_credits, cost_usd::text, provenance, created_at`

// RecordChargeReceipt inserts the entry and debits the account in one
// transaction. The unique (source_system, source_reference) constraint makes
// a replayed receipt a no-op that leaves the balance untouched.
func (s *Store) RecordChargeReceipt(ctx context.Context, r ledger.Receipt) (bool, error) {
	var wasNew bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id string
		err := tx.QueryRow(ctx,
			`INSERT INTO ledger_entries
			   (id, source_system, source_reference, run_id, attempt, billing_account_id, charged_credits, cost_usd, provenance)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9)
			 ON CONFLICT (source_system, source_reference) DO NOTHING
			 RETURNING id`,
			r.ID, r.SourceSystem, r.SourceReference, r.RunID, r.Attempt, r.BillingAccountID,
			r.ChargedCredits, nullDecimal(r.CostUSD), string(r.Provenance),
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return classify(err, "insert ledger entry "+r.SourceReference)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE billing_accounts SET balance_credits = balance_credits - $1, updated_at = now() WHERE id = $2`,
			r.ChargedCredits, r.BillingAccountID)
		if err := execExpectOne(tag, err, "debit account %s", r.BillingAccountID); err != nil {
			return err
		}
		wasNew = true
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, err
		}
		return false, classify(err, "record charge receipt")
	}
	return wasNew, nil
}

// CreateAccount provisions an account with an opening balance.
func (s *Store) CreateAccount(ctx context.Context, id string, openingCredits int64) (*ledger.Account, error) {
	var a ledger.Account
	err := s.pool.QueryRow(ctx,
		`INSERT INTO billing_accounts (id, balance_credits) VALUES ($1, $2)
		 RETURNING id, balance_credits, updated_at`,
		id, openingCredits,
	).Scan(&a.ID, &a.BalanceCredits, &a.UpdatedAt)
	if err != nil {
		return nil, classify(err, "create account "+id)
	}
	return &a, nil
}

// GetAccount returns the account or domain.ErrNotFound.
func (s *Store) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	var a ledger.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, balance_credits, updated_at FROM billing_accounts WHERE id = $1`, id,
	).Scan(&a.ID, &a.BalanceCredits, &a.UpdatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get account %s", id)
	}
	return &a, nil
}

// EntriesByRun lists entries for one run attempt ordered by creation time.
func (s *Store) EntriesByRun(ctx context.Context, runID string, attempt int) ([]ledger.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE run_id = $1 AND attempt = $2 ORDER BY created_at, source_reference`,
		runID, attempt)
	if err != nil {
		return nil, classify(err, "list entries for run "+runID)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "list entries for run "+runID)
	}
	return orEmpty(entries), nil
}

func scanEntry(row scannable) (ledger.Entry, error) {
	var (
		e          ledger.Entry
		cost       *string
		provenance string
	)
	err := row.Scan(&e.ID, &e.SourceSystem, &e.SourceReference, &e.RunID, &e.Attempt,
		&e.BillingAccountID, &e.ChargedCredits, &cost, &provenance, &e.CreatedAt)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("scan ledger entry: %w", err)
	}
	e.CostUSD, err = parseDecimal(cost)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("scan ledger entry %s: %w", e.ID, err)
	}
	e.Provenance = usage.Provenance(provenance)
	return e, nil
}

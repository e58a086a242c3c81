package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Strob0t/MeterForge/internal/domain"
	"github.com/Strob0t/MeterForge/internal/domain/money"
)

// SQLSTATE codes the store maps onto domain errors.
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeAdminShutdown        = "57P01"
	codeTooManyConnections   = "53300"
)

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

// notFoundWrap checks whether err is pgx.ErrNoRows and, if so, wraps
// domain.ErrNotFound with the given message. Otherwise it classifies the
// original error.
func notFoundWrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	}
	return classify(err, msg)
}

// execExpectOne verifies that an Exec affected exactly one row. If not
// (and err is nil), it returns domain.ErrNotFound with the given message.
func execExpectOne(tag pgconn.CommandTag, err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		return classify(err, msg)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	}
	return nil
}

// classify wraps err with msg and, where Postgres tells us how the failure
// should be treated, a domain sentinel the ledger writer can act on.
func classify(err error, msg string) error {
	if errors.Is(err, domain.ErrTransient) || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%s: %w: %w", msg, domain.ErrConflict, err)
		case codeForeignKeyViolation:
			return fmt.Errorf("%s: %w: %w", msg, domain.ErrNotFound, err)
		case codeSerializationFailure, codeDeadlockDetected, codeAdminShutdown, codeTooManyConnections:
			return fmt.Errorf("%s: %w: %w", msg, domain.ErrTransient, err)
		}
		if strings.HasPrefix(pgErr.Code, "08") { // connection exception class
			return fmt.Errorf("%s: %w: %w", msg, domain.ErrTransient, err)
		}
		return fmt.Errorf("%s: %w", msg, err)
	}
	// A statement cut off by its deadline may or may not have committed;
	// the idempotent insert makes a retry safe either way.
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", msg, domain.ErrTransient, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%s: %w: %w", msg, domain.ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// nullDecimal renders an optional decimal as a nullable numeric parameter.
func nullDecimal(d *money.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

// parseDecimal is the inverse of nullDecimal for cost_usd::text columns.
func parseDecimal(s *string) (*money.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := money.New(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// orEmpty returns items unchanged if non-nil, or an empty slice if nil.
// Useful to ensure JSON serialization produces [] instead of null.
func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

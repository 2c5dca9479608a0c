package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:generate mockery --config=.mockery-pgx.yml

// PgxPool is a minimal subset of pgxpool.Pool used by the repos, kept
// narrow for easy stubbing in unit tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// truncate bounds an error message to the column limit used across the
// pipeline's error-carrying columns (last_error, detail).
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package postgres_test

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowStub implements pgx.Row
type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

// rowsStub implements pgx.Rows over an in-memory slice of scan functions.
type rowsStub struct {
	scans []func(dest ...any) error
	idx   int
	err   error
}

func (r *rowsStub) Close()                                       {}
func (r *rowsStub) Err() error                                   { return r.err }
func (r *rowsStub) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *rowsStub) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rowsStub) Next() bool                                   { return r.idx < len(r.scans) }
func (r *rowsStub) Scan(dest ...any) error {
	fn := r.scans[r.idx]
	r.idx++
	return fn(dest...)
}
func (r *rowsStub) Values() ([]any, error)      { return nil, nil }
func (r *rowsStub) RawValues() [][]byte         { return nil }
func (r *rowsStub) Conn() *pgx.Conn             { return nil }

// poolStub implements postgres.PgxPool for tests. It stubs Exec, QueryRow,
// Query and BeginTx behavior; each defaults to zero-value success when
// unconfigured.
type poolStub struct {
	execErr  error
	execTag  pgconn.CommandTag
	row      rowStub
	rows     *rowsStub
	queryErr error
	beginErr error
}

func (p *poolStub) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if p.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	if p.rows == nil {
		return &rowsStub{}, nil
	}
	return p.rows, nil
}

func (p *poolStub) BeginTx(_ context.Context, _ pgx.TxOptions) (pgx.Tx, error) {
	return nil, p.beginErr
}

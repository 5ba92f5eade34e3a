// Package tenancy is the tenancy guard: a scoped acquisition
// of a database transaction where the session variable
// app.current_user_id is set to the acting user for the transaction's
// entire life, with guaranteed release on every exit path. Every
// tenant-table operation in this codebase goes through WithUser; there is
// no ambient/global session state — the acting user id flows explicitly
// through arguments, never through a package-level variable.
package tenancy

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ledgerflow.dev/ingest/apierr"
)

// DB wraps a pgx connection pool. It never executes tenant-table
// statements directly — callers must go through WithUser to get a scoped
// *pgx.Tx.
type DB struct {
	pool *pgxpool.Pool
}

// New opens a pgx connection pool against connString and verifies
// connectivity.
func New(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "create connection pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apierr.Wrap(apierr.Internal, "ping database", err)
	}
	return &DB{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (d *DB) Close() { d.pool.Close() }

// Pool exposes the raw pool for non-tenant-scoped operations (schema
// introspection, health checks) that do not touch row-level-secured tables.
func (d *DB) Pool() *pgxpool.Pool { return d.pool }

// Session is a tenant-scoped transaction. Every statement issued through
// it runs with app.current_user_id set to the owning user, so row-level
// policies on tenant tables enforce isolation automatically.
type Session struct {
	tx *pgx.Tx
}

// Exec runs a statement within the scoped transaction.
func (s *Session) Exec(ctx context.Context, sql string, args ...interface{}) error {
	_, err := (*s.tx).Exec(ctx, sql, args...)
	return err
}

// Query runs a query within the scoped transaction.
func (s *Session) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	return (*s.tx).Query(ctx, sql, args...)
}

// QueryRow runs a single-row query within the scoped transaction.
func (s *Session) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return (*s.tx).QueryRow(ctx, sql, args...)
}

// Tx exposes the underlying transaction for callers that need pgx.Batch
// or CopyFrom directly, while still running under the session's scope.
func (s *Session) Tx() pgx.Tx { return *s.tx }

// WithUser acquires a transaction scoped to owner, runs fn, and commits on
// success or rolls back on error or panic, so the session is released on
// every exit path. The session variable is local to the transaction
// (SET LOCAL), so it is automatically cleared when the transaction ends
// regardless of how fn exits.
func (d *DB) WithUser(ctx context.Context, owner int64, fn func(ctx context.Context, s *Session) error) error {
	return d.withUser(ctx, owner, pgx.TxOptions{}, fn)
}

// WithUserSnapshot is WithUser for reads: the transaction is read-only at
// REPEATABLE READ, so every query inside fn observes one consistent
// snapshot regardless of concurrent ingest commits.
func (d *DB) WithUserSnapshot(ctx context.Context, owner int64, fn func(ctx context.Context, s *Session) error) error {
	return d.withUser(ctx, owner, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, fn)
}

func (d *DB) withUser(ctx context.Context, owner int64, opts pgx.TxOptions, fn func(ctx context.Context, s *Session) error) (err error) {
	tx, err := d.pool.BeginTx(ctx, opts)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	// SET LOCAL cannot be parameterized; set_config with is_local=true is
	// the equivalent that can.
	if _, err = tx.Exec(ctx, "SELECT set_config('app.current_user_id', $1, true)", strconv.FormatInt(owner, 10)); err != nil {
		return apierr.Wrap(apierr.Internal, "scope session to owner", err)
	}

	return fn(ctx, &Session{tx: &tx})
}

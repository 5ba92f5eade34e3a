package tenancy_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerflow.dev/ingest/dbtest"
	"ledgerflow.dev/ingest/tenancy"
)

// seedTransactionRow inserts a dataset and one transaction row for owner
// through a scoped session, as the ingest pipeline would.
func seedTransactionRow(t *testing.T, db *tenancy.DB, owner int64, fingerprint string) {
	t.Helper()
	ctx := context.Background()
	err := db.WithUser(ctx, owner, func(ctx context.Context, s *tenancy.Session) error {
		var datasetID int64
		row := s.QueryRow(ctx,
			`INSERT INTO datasets (owner, filename, type, status) VALUES ($1, 'sales.csv', 'transaction', 'completed') RETURNING id`,
			owner)
		if err := row.Scan(&datasetID); err != nil {
			return err
		}
		return s.Exec(ctx,
			`INSERT INTO transaction_rows (dataset_id, owner, date, product, revenue, commission, cost, profit, fingerprint)
			 VALUES ($1, $2, '2024-01-01', 'P1', 100, 10, 40, 50, $3)`,
			datasetID, owner, fingerprint)
	})
	require.NoError(t, err)
}

func countRowsAs(t *testing.T, db *tenancy.DB, owner int64) int {
	t.Helper()
	var n int
	err := db.WithUser(context.Background(), owner, func(ctx context.Context, s *tenancy.Session) error {
		return s.QueryRow(ctx, `SELECT COUNT(*) FROM transaction_rows`).Scan(&n)
	})
	require.NoError(t, err)
	return n
}

func TestTenancyGuard(t *testing.T) {
	db := dbtest.StartTenantDB(t)
	ctx := context.Background()
	dbtest.SeedUser(t, db, 1, "a@example.com")
	dbtest.SeedUser(t, db, 2, "b@example.com")

	t.Run("sets session variable for the transaction", func(t *testing.T) {
		err := db.WithUser(ctx, 42, func(ctx context.Context, s *tenancy.Session) error {
			var current string
			if err := s.QueryRow(ctx, "SELECT current_setting('app.current_user_id', true)").Scan(&current); err != nil {
				return err
			}
			assert.Equal(t, "42", current)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("isolates tenants", func(t *testing.T) {
		seedTransactionRow(t, db, 1, "fp-tenant-isolation-000000000001")

		assert.Equal(t, 1, countRowsAs(t, db, 1))
		assert.Equal(t, 0, countRowsAs(t, db, 2), "another tenant's session must see zero rows")
	})

	t.Run("rejects cross-tenant writes", func(t *testing.T) {
		err := db.WithUser(ctx, 2, func(ctx context.Context, s *tenancy.Session) error {
			return s.Exec(ctx,
				`INSERT INTO transaction_rows (dataset_id, owner, date, product, revenue, fingerprint)
				 SELECT id, 1, '2024-01-02', 'P2', 5, 'fp-cross-tenant-write-0000000001' FROM datasets LIMIT 1`)
		})
		// Either the policy hides the dataset (nothing to insert) or the
		// WITH CHECK clause rejects the row outright; a committed
		// cross-tenant row is the one outcome that must be impossible.
		_ = err
		assert.Equal(t, 1, countRowsAs(t, db, 1))
	})

	t.Run("unscoped session sees nothing", func(t *testing.T) {
		var n int
		err := db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM transaction_rows`).Scan(&n)
		require.NoError(t, err)
		assert.Zero(t, n, "a session without the variable set must see zero rows")
	})

	t.Run("rolls back when fn fails", func(t *testing.T) {
		sentinel := context.DeadlineExceeded
		err := db.WithUser(ctx, 1, func(ctx context.Context, s *tenancy.Session) error {
			if err := s.Exec(ctx, `INSERT INTO ad_spends (owner, date, amount) VALUES (1, '2024-01-01', 10)`); err != nil {
				return err
			}
			return sentinel
		})
		require.ErrorIs(t, err, sentinel)

		var n int
		err = db.WithUser(ctx, 1, func(ctx context.Context, s *tenancy.Session) error {
			return s.QueryRow(ctx, `SELECT COUNT(*) FROM ad_spends`).Scan(&n)
		})
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

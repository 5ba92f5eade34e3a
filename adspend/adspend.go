// Package adspend distributes recorded ad costs across rows: a
// recorded ad cost across the transaction rows it names, proportionally
// to each row's revenue, and keeps the operation idempotent so re-running
// it for the same (dataset, ad spend) pair is a no-op.
package adspend

import (
	"context"

	"github.com/shopspring/decimal"

	"ledgerflow.dev/ingest/apierr"
	"ledgerflow.dev/ingest/model"
	"ledgerflow.dev/ingest/tenancy"
)

// Allocate distributes spend.Amount across owner's transaction rows dated
// spend.Date with matching SubID (blank SubID matches rows with a blank
// sub_id), weighted by revenue. If every match has zero revenue, the
// amount is split equally by count. If there is no match at all, the
// spend is left recorded but unallocated; there is nowhere to apply it,
// which is not an error.
//
// Click rows never participate: allocation is transactions-only, and a
// ClickRow has no cost or profit field to record a share on.
func Allocate(ctx context.Context, db *tenancy.DB, owner int64, datasetID int64, spend *model.AdSpend) error {
	return db.WithUser(ctx, owner, func(ctx context.Context, s *tenancy.Session) error {
		var already bool
		row := s.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM ad_spend_allocations WHERE ad_spend_id = $1 AND dataset_id = $2)`,
			spend.ID, datasetID)
		if err := row.Scan(&already); err != nil {
			return apierr.Wrap(apierr.Internal, "check allocation idempotency", err)
		}
		if already {
			return nil
		}

		type match struct {
			id      int64
			revenue decimal.Decimal
			cost    decimal.Decimal
			commission decimal.Decimal
		}
		rows, err := s.Query(ctx,
			`SELECT id, revenue, cost, commission FROM transaction_rows
			 WHERE owner = $1 AND dataset_id = $2 AND date = $3 AND sub_id = $4`,
			owner, datasetID, spend.Date, spend.SubID)
		if err != nil {
			return apierr.Wrap(apierr.Internal, "find matching rows", err)
		}
		var matches []match
		for rows.Next() {
			var m match
			if err := rows.Scan(&m.id, &m.revenue, &m.cost, &m.commission); err != nil {
				rows.Close()
				return apierr.Wrap(apierr.Internal, "scan matching row", err)
			}
			matches = append(matches, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return apierr.Wrap(apierr.Internal, "iterate matching rows", err)
		}

		if len(matches) == 0 {
			_, err := s.Tx().Exec(ctx, `UPDATE ad_spends SET allocated = false WHERE id = $1`, spend.ID)
			return err
		}

		revenues := make([]decimal.Decimal, len(matches))
		for i, m := range matches {
			revenues[i] = m.revenue
		}
		shares := computeShares(spend.Amount, revenues)

		for i, m := range matches {
			newCost := m.cost.Add(shares[i])
			newProfit := m.revenue.Sub(newCost).Sub(m.commission)
			if err := s.Exec(ctx,
				`UPDATE transaction_rows SET cost = $1, profit = $2 WHERE id = $3`,
				newCost, newProfit, m.id); err != nil {
				return apierr.Wrap(apierr.Internal, "apply allocated cost", err)
			}
		}

		if err := s.Exec(ctx, `UPDATE ad_spends SET allocated = true WHERE id = $1`, spend.ID); err != nil {
			return apierr.Wrap(apierr.Internal, "mark ad spend allocated", err)
		}
		if err := s.Exec(ctx,
			`INSERT INTO ad_spend_allocations (ad_spend_id, dataset_id) VALUES ($1, $2)`,
			spend.ID, datasetID); err != nil {
			return apierr.Wrap(apierr.Internal, "record allocation ledger entry", err)
		}
		return nil
	})
}

// computeShares distributes amount across revenues proportionally, or
// equally by count if every revenue is zero. The final share absorbs the
// rounding remainder so the shares always sum to exactly amount.
func computeShares(amount decimal.Decimal, revenues []decimal.Decimal) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(revenues))
	if len(revenues) == 0 {
		return shares
	}

	total := decimal.Zero
	for _, r := range revenues {
		total = total.Add(r)
	}

	allocated := decimal.Zero
	for i, r := range revenues {
		if i == len(revenues)-1 {
			shares[i] = amount.Sub(allocated)
			continue
		}
		var share decimal.Decimal
		if total.IsZero() {
			share = amount.Div(decimal.NewFromInt(int64(len(revenues))))
		} else {
			share = amount.Mul(r).Div(total)
		}
		shares[i] = share
		allocated = allocated.Add(share)
	}
	return shares
}

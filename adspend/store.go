package adspend

import (
	"context"

	"github.com/shopspring/decimal"

	"ledgerflow.dev/ingest/apierr"
	"ledgerflow.dev/ingest/model"
	"ledgerflow.dev/ingest/tenancy"
)

// Create inserts a new ad spend for owner and fills in its assigned id.
func Create(ctx context.Context, db *tenancy.DB, owner int64, spend *model.AdSpend) error {
	if spend.Amount.IsNegative() {
		return apierr.New(apierr.Validation, "amount must not be negative")
	}
	spend.Owner = owner
	return db.WithUser(ctx, owner, func(ctx context.Context, s *tenancy.Session) error {
		row := s.QueryRow(ctx,
			`INSERT INTO ad_spends (owner, date, sub_id, amount, clicks) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			owner, spend.Date, spend.SubID, spend.Amount, spend.Clicks)
		if err := row.Scan(&spend.ID); err != nil {
			return apierr.Wrap(apierr.Internal, "create ad spend", err)
		}
		return nil
	})
}

// BulkCreate inserts a batch of ad spends in one transaction; either all
// land or none do.
func BulkCreate(ctx context.Context, db *tenancy.DB, owner int64, spends []*model.AdSpend) error {
	for _, spend := range spends {
		if spend.Amount.IsNegative() {
			return apierr.New(apierr.Validation, "amount must not be negative")
		}
	}
	return db.WithUser(ctx, owner, func(ctx context.Context, s *tenancy.Session) error {
		for _, spend := range spends {
			spend.Owner = owner
			row := s.QueryRow(ctx,
				`INSERT INTO ad_spends (owner, date, sub_id, amount, clicks) VALUES ($1, $2, $3, $4, $5) RETURNING id`,
				owner, spend.Date, spend.SubID, spend.Amount, spend.Clicks)
			if err := row.Scan(&spend.ID); err != nil {
				return apierr.Wrap(apierr.Internal, "create ad spend", err)
			}
		}
		return nil
	})
}

// List returns owner's ad spends, newest date first.
func List(ctx context.Context, db *tenancy.DB, owner int64) ([]model.AdSpend, error) {
	var spends []model.AdSpend
	err := db.WithUser(ctx, owner, func(ctx context.Context, s *tenancy.Session) error {
		rows, err := s.Query(ctx,
			`SELECT id, owner, date, COALESCE(sub_id, ''), amount, clicks, allocated
			 FROM ad_spends WHERE owner = $1 ORDER BY date DESC, id DESC`, owner)
		if err != nil {
			return apierr.Wrap(apierr.Internal, "list ad spends", err)
		}
		defer rows.Close()
		for rows.Next() {
			var sp model.AdSpend
			if err := rows.Scan(&sp.ID, &sp.Owner, &sp.Date, &sp.SubID, &sp.Amount, &sp.Clicks, &sp.Allocated); err != nil {
				return apierr.Wrap(apierr.Internal, "scan ad spend", err)
			}
			spends = append(spends, sp)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return spends, nil
}

// Get returns owner's ad spend by id, or NotFound.
func Get(ctx context.Context, db *tenancy.DB, owner, id int64) (*model.AdSpend, error) {
	var sp model.AdSpend
	err := db.WithUser(ctx, owner, func(ctx context.Context, s *tenancy.Session) error {
		row := s.QueryRow(ctx,
			`SELECT id, owner, date, COALESCE(sub_id, ''), amount, clicks, allocated
			 FROM ad_spends WHERE id = $1 AND owner = $2`, id, owner)
		if err := row.Scan(&sp.ID, &sp.Owner, &sp.Date, &sp.SubID, &sp.Amount, &sp.Clicks, &sp.Allocated); err != nil {
			return apierr.Wrap(apierr.NotFound, "ad spend not found", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sp, nil
}

// Patch updates the mutable fields of owner's ad spend. Nil fields are
// left unchanged. An already-allocated spend refuses modification: its
// cost has been applied to rows, so editing it would desynchronize the
// ledger.
type Patch struct {
	Date   *string
	SubID  *string
	Amount *decimal.Decimal
	Clicks *int
}

// Update applies patch to owner's ad spend by id.
func Update(ctx context.Context, db *tenancy.DB, owner, id int64, patch Patch) (*model.AdSpend, error) {
	if patch.Amount != nil && patch.Amount.IsNegative() {
		return nil, apierr.New(apierr.Validation, "amount must not be negative")
	}
	err := db.WithUser(ctx, owner, func(ctx context.Context, s *tenancy.Session) error {
		var allocated bool
		row := s.QueryRow(ctx, `SELECT allocated FROM ad_spends WHERE id = $1 AND owner = $2`, id, owner)
		if err := row.Scan(&allocated); err != nil {
			return apierr.Wrap(apierr.NotFound, "ad spend not found", err)
		}
		if allocated {
			return apierr.New(apierr.Conflict, "ad spend has already been allocated")
		}
		return s.Exec(ctx,
			`UPDATE ad_spends SET
			 date = COALESCE($1::date, date),
			 sub_id = COALESCE($2, sub_id),
			 amount = COALESCE($3::numeric, amount),
			 clicks = COALESCE($4::integer, clicks)
			 WHERE id = $5`,
			patch.Date, patch.SubID, patch.Amount, patch.Clicks, id)
	})
	if err != nil {
		return nil, err
	}
	return Get(ctx, db, owner, id)
}

// Delete removes owner's ad spend. Allocated spends refuse deletion for
// the same ledger-consistency reason as Update.
func Delete(ctx context.Context, db *tenancy.DB, owner, id int64) error {
	return db.WithUser(ctx, owner, func(ctx context.Context, s *tenancy.Session) error {
		var allocated bool
		row := s.QueryRow(ctx, `SELECT allocated FROM ad_spends WHERE id = $1 AND owner = $2`, id, owner)
		if err := row.Scan(&allocated); err != nil {
			return apierr.Wrap(apierr.NotFound, "ad spend not found", err)
		}
		if allocated {
			return apierr.New(apierr.Conflict, "ad spend has already been allocated")
		}
		return s.Exec(ctx, `DELETE FROM ad_spends WHERE id = $1`, id)
	})
}

package query

import (
	"context"

	"ledgerflow.dev/ingest/apierr"
	"ledgerflow.dev/ingest/model"
	"ledgerflow.dev/ingest/tenancy"
)

// Datasets lists owner's datasets, newest first.
func Datasets(ctx context.Context, db *tenancy.DB, owner int64) ([]model.Dataset, error) {
	var datasets []model.Dataset
	err := db.WithUser(ctx, owner, func(ctx context.Context, s *tenancy.Session) error {
		rows, err := s.Query(ctx,
			`SELECT id, owner, filename, type, status, row_count, uploaded_at
			 FROM datasets WHERE owner = $1 ORDER BY uploaded_at DESC, id DESC`, owner)
		if err != nil {
			return apierr.Wrap(apierr.Internal, "list datasets", err)
		}
		defer rows.Close()
		for rows.Next() {
			var d model.Dataset
			var dsType, status string
			if err := rows.Scan(&d.ID, &d.Owner, &d.Filename, &dsType, &status, &d.RowCount, &d.UploadedAt); err != nil {
				return apierr.Wrap(apierr.Internal, "scan dataset", err)
			}
			d.Type = model.DatasetType(dsType)
			d.Status = model.DatasetStatus(status)
			datasets = append(datasets, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return datasets, nil
}

// GetDataset returns owner's dataset by id. A dataset belonging to
// another tenant is indistinguishable from one that does not exist.
func GetDataset(ctx context.Context, db *tenancy.DB, owner, datasetID int64) (*model.Dataset, error) {
	var d model.Dataset
	err := db.WithUser(ctx, owner, func(ctx context.Context, s *tenancy.Session) error {
		var dsType, status string
		row := s.QueryRow(ctx,
			`SELECT id, owner, filename, type, status, row_count, uploaded_at
			 FROM datasets WHERE id = $1 AND owner = $2`, datasetID, owner)
		if err := row.Scan(&d.ID, &d.Owner, &d.Filename, &dsType, &status, &d.RowCount, &d.UploadedAt); err != nil {
			return apierr.Wrap(apierr.NotFound, "dataset not found", err)
		}
		d.Type = model.DatasetType(dsType)
		d.Status = model.DatasetStatus(status)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// DeleteDataset removes owner's dataset; its rows cascade at the schema
// level.
func DeleteDataset(ctx context.Context, db *tenancy.DB, owner, datasetID int64) error {
	return db.WithUser(ctx, owner, func(ctx context.Context, s *tenancy.Session) error {
		var id int64
		row := s.QueryRow(ctx, `DELETE FROM datasets WHERE id = $1 AND owner = $2 RETURNING id`, datasetID, owner)
		if err := row.Scan(&id); err != nil {
			return apierr.Wrap(apierr.NotFound, "dataset not found", err)
		}
		return nil
	})
}

// RowPage is one page of a dataset's rows. Exactly one of Transactions
// and Clicks is populated, matching the dataset's type.
type RowPage struct {
	Transactions []model.TransactionRow `json:"transactions,omitempty"`
	Clicks       []model.ClickRow       `json:"clicks,omitempty"`
	Limit        int                    `json:"limit"`
	Offset       int                    `json:"offset"`
	Total        int                    `json:"total"`
}

// Rows returns one page of a dataset's rows in insertion order.
func Rows(ctx context.Context, db *tenancy.DB, owner, datasetID int64, limit, offset int) (*RowPage, error) {
	dataset, err := GetDataset(ctx, db, owner, datasetID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	page := &RowPage{Limit: limit, Offset: offset}
	err = db.WithUser(ctx, owner, func(ctx context.Context, s *tenancy.Session) error {
		if dataset.Type == model.DatasetTypeClick {
			return scanClickPage(ctx, s, datasetID, page)
		}
		return scanTransactionPage(ctx, s, datasetID, page)
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func scanTransactionPage(ctx context.Context, s *tenancy.Session, datasetID int64, page *RowPage) error {
	row := s.QueryRow(ctx, `SELECT COUNT(*) FROM transaction_rows WHERE dataset_id = $1`, datasetID)
	if err := row.Scan(&page.Total); err != nil {
		return apierr.Wrap(apierr.Internal, "count rows", err)
	}

	rows, err := s.Query(ctx,
		`SELECT id, dataset_id, owner, date, time::text, platform, category, product, status,
		 sub_id, order_id, product_id, revenue, commission, cost, profit, quantity, fingerprint
		 FROM transaction_rows WHERE dataset_id = $1 ORDER BY id LIMIT $2 OFFSET $3`,
		datasetID, page.Limit, page.Offset)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "list rows", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r model.TransactionRow
		var platform, category, product, status, subID, orderID, productID *string
		if err := rows.Scan(&r.ID, &r.DatasetID, &r.Owner, &r.Date, &r.Time, &platform, &category,
			&product, &status, &subID, &orderID, &productID,
			&r.Revenue, &r.Commission, &r.Cost, &r.Profit, &r.Quantity, &r.Fingerprint); err != nil {
			return apierr.Wrap(apierr.Internal, "scan row", err)
		}
		r.Platform = deref(platform)
		r.Category = deref(category)
		r.Product = deref(product)
		r.Status = deref(status)
		r.SubID = deref(subID)
		r.OrderID = deref(orderID)
		r.ProductID = deref(productID)
		page.Transactions = append(page.Transactions, r)
	}
	return rows.Err()
}

func scanClickPage(ctx context.Context, s *tenancy.Session, datasetID int64, page *RowPage) error {
	row := s.QueryRow(ctx, `SELECT COUNT(*) FROM click_rows WHERE dataset_id = $1`, datasetID)
	if err := row.Scan(&page.Total); err != nil {
		return apierr.Wrap(apierr.Internal, "count rows", err)
	}

	rows, err := s.Query(ctx,
		`SELECT id, dataset_id, owner, date, time::text, channel, sub_id, clicks, fingerprint
		 FROM click_rows WHERE dataset_id = $1 ORDER BY id LIMIT $2 OFFSET $3`,
		datasetID, page.Limit, page.Offset)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "list rows", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r model.ClickRow
		var subID *string
		if err := rows.Scan(&r.ID, &r.DatasetID, &r.Owner, &r.Date, &r.Time, &r.Channel, &subID, &r.Clicks, &r.Fingerprint); err != nil {
			return apierr.Wrap(apierr.Internal, "scan row", err)
		}
		r.SubID = deref(subID)
		page.Clicks = append(page.Clicks, r)
	}
	return rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

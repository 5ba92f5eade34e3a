// Package query serves the dashboard reads: filtered KPI, period, and
// product aggregations over a tenant's transaction rows, each observed as
// a single consistent read-transaction snapshot via tenancy's WithUserSnapshot.
package query

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledgerflow.dev/ingest/apierr"
	"ledgerflow.dev/ingest/tenancy"
)

// Filters compose as conjunctions; a zero Filters means all of the
// owner's rows across all datasets.
type Filters struct {
	Start      *time.Time
	End        *time.Time
	Product    string // substring match, case-insensitive
	MinRevenue *decimal.Decimal
	MaxRevenue *decimal.Decimal
	Platform   string
	Category   string
	SubID      string
}

// KPIs is the set of dashboard summary totals.
type KPIs struct {
	Revenue       decimal.Decimal `json:"revenue"`
	Cost          decimal.Decimal `json:"cost"`
	Commission    decimal.Decimal `json:"commission"`
	Profit        decimal.Decimal `json:"profit"`
	Rows          int             `json:"rows"`
	DistinctOrder int             `json:"distinct_orders"`
}

// PeriodBucket is one day's totals within the filter range.
type PeriodBucket struct {
	Date    time.Time       `json:"date"`
	Revenue decimal.Decimal `json:"revenue"`
	Cost    decimal.Decimal `json:"cost"`
	Profit  decimal.Decimal `json:"profit"`
	Rows    int             `json:"rows"`
}

// ProductBucket is one product's totals, or the residual "other" bucket.
type ProductBucket struct {
	Product string          `json:"product"`
	Revenue decimal.Decimal `json:"revenue"`
	Cost    decimal.Decimal `json:"cost"`
	Profit  decimal.Decimal `json:"profit"`
	Rows    int             `json:"rows"`
	Other   bool            `json:"other,omitempty"`
}

// Dashboard is the combined response shape served to the dashboard API.
type Dashboard struct {
	KPIs     KPIs            `json:"kpis"`
	Period   []PeriodBucket  `json:"period"`
	Products []ProductBucket `json:"products"`
}

func (f Filters) whereClause(ownerArgIndex int) (string, []interface{}) {
	clauses := []string{}
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return placeholder(ownerArgIndex + len(args))
	}

	if f.Start != nil {
		clauses = append(clauses, "date >= "+arg(*f.Start))
	}
	if f.End != nil {
		clauses = append(clauses, "date <= "+arg(*f.End))
	}
	if f.Product != "" {
		clauses = append(clauses, "product ILIKE "+arg("%"+f.Product+"%"))
	}
	if f.MinRevenue != nil {
		clauses = append(clauses, "revenue >= "+arg(*f.MinRevenue))
	}
	if f.MaxRevenue != nil {
		clauses = append(clauses, "revenue <= "+arg(*f.MaxRevenue))
	}
	if f.Platform != "" {
		clauses = append(clauses, "platform = "+arg(f.Platform))
	}
	if f.Category != "" {
		clauses = append(clauses, "category = "+arg(f.Category))
	}
	if f.SubID != "" {
		clauses = append(clauses, "sub_id = "+arg(f.SubID))
	}

	where := ""
	if len(clauses) > 0 {
		where = " AND " + strings.Join(clauses, " AND ")
	}
	return where, args
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

// Run computes KPIs, the period aggregation, and the top-K product
// aggregation for owner under filters, all within one read-only snapshot
// transaction.
func Run(ctx context.Context, db *tenancy.DB, owner int64, filters Filters, topK int) (*Dashboard, error) {
	var result Dashboard

	err := db.WithUserSnapshot(ctx, owner, func(ctx context.Context, s *tenancy.Session) error {
		where, args := filters.whereClause(1)

		kpiSQL := `SELECT
			COALESCE(SUM(revenue), 0), COALESCE(SUM(cost), 0), COALESCE(SUM(commission), 0),
			COALESCE(SUM(profit), 0), COUNT(*), COUNT(DISTINCT NULLIF(order_id, ''))
			FROM transaction_rows WHERE owner = $1` + where
		row := s.QueryRow(ctx, kpiSQL, append([]interface{}{owner}, args...)...)
		if err := row.Scan(&result.KPIs.Revenue, &result.KPIs.Cost, &result.KPIs.Commission,
			&result.KPIs.Profit, &result.KPIs.Rows, &result.KPIs.DistinctOrder); err != nil {
			return apierr.Wrap(apierr.Internal, "compute kpis", err)
		}
		roundKPIs(&result.KPIs)

		periodSQL := `SELECT date, SUM(revenue), SUM(cost), SUM(profit), COUNT(*)
			FROM transaction_rows WHERE owner = $1` + where + `
			GROUP BY date ORDER BY date ASC`
		rows, err := s.Query(ctx, periodSQL, append([]interface{}{owner}, args...)...)
		if err != nil {
			return apierr.Wrap(apierr.Internal, "compute period aggregation", err)
		}
		defer rows.Close()
		for rows.Next() {
			var b PeriodBucket
			if err := rows.Scan(&b.Date, &b.Revenue, &b.Cost, &b.Profit, &b.Rows); err != nil {
				return apierr.Wrap(apierr.Internal, "scan period row", err)
			}
			roundDecimal(&b.Revenue)
			roundDecimal(&b.Cost)
			roundDecimal(&b.Profit)
			result.Period = append(result.Period, b)
		}
		if err := rows.Err(); err != nil {
			return apierr.Wrap(apierr.Internal, "iterate period rows", err)
		}

		productSQL := `SELECT product, SUM(revenue), SUM(cost), SUM(profit), COUNT(*)
			FROM transaction_rows WHERE owner = $1` + where + `
			GROUP BY product ORDER BY SUM(revenue) DESC, product ASC`
		prows, err := s.Query(ctx, productSQL, append([]interface{}{owner}, args...)...)
		if err != nil {
			return apierr.Wrap(apierr.Internal, "compute product aggregation", err)
		}
		defer prows.Close()
		var all []ProductBucket
		for prows.Next() {
			var b ProductBucket
			if err := prows.Scan(&b.Product, &b.Revenue, &b.Cost, &b.Profit, &b.Rows); err != nil {
				return apierr.Wrap(apierr.Internal, "scan product row", err)
			}
			all = append(all, b)
		}
		if err := prows.Err(); err != nil {
			return apierr.Wrap(apierr.Internal, "iterate product rows", err)
		}
		result.Products = topKWithResidual(all, topK)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Period == nil {
		result.Period = []PeriodBucket{}
	}
	if result.Products == nil {
		result.Products = []ProductBucket{}
	}
	return &result, nil
}

// topKWithResidual keeps the first k buckets (already ordered by revenue
// desc, product asc) and sums the tail into a residual "other" bucket.
func topKWithResidual(all []ProductBucket, k int) []ProductBucket {
	if k <= 0 || len(all) <= k {
		for i := range all {
			roundDecimal(&all[i].Revenue)
			roundDecimal(&all[i].Cost)
			roundDecimal(&all[i].Profit)
		}
		return all
	}

	kept := make([]ProductBucket, k)
	copy(kept, all[:k])
	for i := range kept {
		roundDecimal(&kept[i].Revenue)
		roundDecimal(&kept[i].Cost)
		roundDecimal(&kept[i].Profit)
	}

	other := ProductBucket{Product: "other", Other: true}
	for _, b := range all[k:] {
		other.Revenue = other.Revenue.Add(b.Revenue)
		other.Cost = other.Cost.Add(b.Cost)
		other.Profit = other.Profit.Add(b.Profit)
		other.Rows += b.Rows
	}
	roundDecimal(&other.Revenue)
	roundDecimal(&other.Cost)
	roundDecimal(&other.Profit)
	return append(kept, other)
}

func roundKPIs(k *KPIs) {
	roundDecimal(&k.Revenue)
	roundDecimal(&k.Cost)
	roundDecimal(&k.Commission)
	roundDecimal(&k.Profit)
}

// roundDecimal rounds to 2 decimal places at the response boundary;
// nothing upstream of it ever rounds mid-computation.
func roundDecimal(d *decimal.Decimal) {
	*d = d.Round(2)
}

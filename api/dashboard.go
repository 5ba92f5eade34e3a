package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"ledgerflow.dev/ingest/apierr"
	"ledgerflow.dev/ingest/model"
	"ledgerflow.dev/ingest/query"
	"ledgerflow.dev/ingest/security"
)

// Dashboard serves the KPI + period + product aggregations, filtered by
// query params. All filters compose as conjunctions; absent filters mean
// all of the owner's rows.
func (h *Handlers) Dashboard(c echo.Context) error {
	owner, err := security.OwnerID(c)
	if err != nil {
		return err
	}

	filters, err := parseFilters(c)
	if err != nil {
		return err
	}

	topK := h.TopProducts
	if raw := c.QueryParam("top_k"); raw != "" {
		k, err := strconv.Atoi(raw)
		if err != nil || k < 0 {
			return apierr.New(apierr.Validation, "top_k must be a non-negative integer")
		}
		topK = k
	}

	dashboard, err := query.Run(c.Request().Context(), h.DB, owner, filters, topK)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, dashboard)
}

func parseFilters(c echo.Context) (query.Filters, error) {
	var f query.Filters

	if raw := c.QueryParam("start"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return f, apierr.New(apierr.Validation, "start must be YYYY-MM-DD")
		}
		f.Start = &t
	}
	if raw := c.QueryParam("end"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return f, apierr.New(apierr.Validation, "end must be YYYY-MM-DD")
		}
		f.End = &t
	}
	if f.Start != nil && f.End != nil && f.End.Before(*f.Start) {
		return f, apierr.New(apierr.Validation, "end must not precede start")
	}

	f.Product = c.QueryParam("product")
	f.Platform = c.QueryParam("platform")
	f.Category = c.QueryParam("category")
	f.SubID = c.QueryParam("sub_id")

	if raw := c.QueryParam("min_value"); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return f, apierr.New(apierr.Validation, "min_value must be a number")
		}
		f.MinRevenue = &d
	}
	if raw := c.QueryParam("max_value"); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return f, apierr.New(apierr.Validation, "max_value must be a number")
		}
		f.MaxRevenue = &d
	}
	return f, nil
}

// ListDatasets returns the owner's datasets.
func (h *Handlers) ListDatasets(c echo.Context) error {
	owner, err := security.OwnerID(c)
	if err != nil {
		return err
	}
	datasets, err := query.Datasets(c.Request().Context(), h.DB, owner)
	if err != nil {
		return err
	}
	if datasets == nil {
		datasets = []model.Dataset{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"datasets": datasets})
}

// DeleteDataset removes a dataset; its rows cascade.
func (h *Handlers) DeleteDataset(c echo.Context) error {
	owner, err := security.OwnerID(c)
	if err != nil {
		return err
	}
	datasetID, err := parseEntityID(c)
	if err != nil {
		return err
	}
	if err := query.DeleteDataset(c.Request().Context(), h.DB, owner, datasetID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// DatasetRows serves one page of a dataset's rows.
func (h *Handlers) DatasetRows(c echo.Context) error {
	owner, err := security.OwnerID(c)
	if err != nil {
		return err
	}
	datasetID, err := parseEntityID(c)
	if err != nil {
		return err
	}

	limit, err := parsePositiveParam(c, "limit", 100)
	if err != nil {
		return err
	}
	offset, err := parsePositiveParam(c, "offset", 0)
	if err != nil {
		return err
	}

	page, err := query.Rows(c.Request().Context(), h.DB, owner, datasetID, limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func parseEntityID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		// An unparseable id cannot address anyone's entity.
		return 0, apierr.New(apierr.NotFound, "not found")
	}
	return id, nil
}

func parsePositiveParam(c echo.Context, name string, fallback int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apierr.New(apierr.Validation, name+" must be a non-negative integer")
	}
	return v, nil
}

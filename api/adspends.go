package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"ledgerflow.dev/ingest/adspend"
	"ledgerflow.dev/ingest/apierr"
	"ledgerflow.dev/ingest/model"
	"ledgerflow.dev/ingest/security"
)

// AdSpendRequest is the POST /ad_spends payload. Amount arrives as a
// string to avoid float loss.
type AdSpendRequest struct {
	Date   string `json:"date"`
	SubID  string `json:"sub_id"`
	Amount string `json:"amount"`
	Clicks int    `json:"clicks"`
}

func (r AdSpendRequest) toModel() (*model.AdSpend, error) {
	date, err := time.Parse("2006-01-02", r.Date)
	if err != nil {
		return nil, apierr.New(apierr.Validation, "date must be YYYY-MM-DD")
	}
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return nil, apierr.New(apierr.Validation, "amount must be a decimal string")
	}
	return &model.AdSpend{Date: date, SubID: r.SubID, Amount: amount, Clicks: r.Clicks}, nil
}

// ListAdSpends returns the owner's ad spends.
func (h *Handlers) ListAdSpends(c echo.Context) error {
	owner, err := security.OwnerID(c)
	if err != nil {
		return err
	}
	spends, err := adspend.List(c.Request().Context(), h.DB, owner)
	if err != nil {
		return err
	}
	if spends == nil {
		spends = []model.AdSpend{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"ad_spends": spends})
}

// CreateAdSpend records one ad spend.
func (h *Handlers) CreateAdSpend(c echo.Context) error {
	owner, err := security.OwnerID(c)
	if err != nil {
		return err
	}

	var req AdSpendRequest
	if err := c.Bind(&req); err != nil {
		return apierr.New(apierr.Validation, "malformed request body")
	}
	spend, err := req.toModel()
	if err != nil {
		return err
	}

	if err := adspend.Create(c.Request().Context(), h.DB, owner, spend); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, spend)
}

// BulkCreateAdSpends records a batch of ad spends atomically.
func (h *Handlers) BulkCreateAdSpends(c echo.Context) error {
	owner, err := security.OwnerID(c)
	if err != nil {
		return err
	}

	var req struct {
		AdSpends []AdSpendRequest `json:"ad_spends"`
	}
	if err := c.Bind(&req); err != nil {
		return apierr.New(apierr.Validation, "malformed request body")
	}
	if len(req.AdSpends) == 0 {
		return apierr.New(apierr.Validation, "ad_spends must not be empty")
	}

	spends := make([]*model.AdSpend, 0, len(req.AdSpends))
	for _, r := range req.AdSpends {
		spend, err := r.toModel()
		if err != nil {
			return err
		}
		spends = append(spends, spend)
	}

	if err := adspend.BulkCreate(c.Request().Context(), h.DB, owner, spends); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"ad_spends": spends})
}

// AdSpendPatchRequest carries partial updates; absent fields stay
// unchanged.
type AdSpendPatchRequest struct {
	Date   *string `json:"date"`
	SubID  *string `json:"sub_id"`
	Amount *string `json:"amount"`
	Clicks *int    `json:"clicks"`
}

// UpdateAdSpend applies a partial update to an unallocated ad spend.
func (h *Handlers) UpdateAdSpend(c echo.Context) error {
	owner, err := security.OwnerID(c)
	if err != nil {
		return err
	}
	id, err := parseEntityID(c)
	if err != nil {
		return err
	}

	var req AdSpendPatchRequest
	if err := c.Bind(&req); err != nil {
		return apierr.New(apierr.Validation, "malformed request body")
	}

	patch := adspend.Patch{Date: req.Date, SubID: req.SubID, Clicks: req.Clicks}
	if req.Date != nil {
		if _, err := time.Parse("2006-01-02", *req.Date); err != nil {
			return apierr.New(apierr.Validation, "date must be YYYY-MM-DD")
		}
	}
	if req.Amount != nil {
		amount, err := decimal.NewFromString(*req.Amount)
		if err != nil {
			return apierr.New(apierr.Validation, "amount must be a decimal string")
		}
		patch.Amount = &amount
	}

	spend, err := adspend.Update(c.Request().Context(), h.DB, owner, id, patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, spend)
}

// DeleteAdSpend removes an unallocated ad spend.
func (h *Handlers) DeleteAdSpend(c echo.Context) error {
	owner, err := security.OwnerID(c)
	if err != nil {
		return err
	}
	id, err := parseEntityID(c)
	if err != nil {
		return err
	}
	if err := adspend.Delete(c.Request().Context(), h.DB, owner, id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// AllocateAdSpend distributes an ad spend across a dataset's matching
// transaction rows. Re-allocating the same pair is a recorded no-op.
func (h *Handlers) AllocateAdSpend(c echo.Context) error {
	owner, err := security.OwnerID(c)
	if err != nil {
		return err
	}
	id, err := parseEntityID(c)
	if err != nil {
		return err
	}

	var req struct {
		DatasetID int64 `json:"dataset_id"`
	}
	if err := c.Bind(&req); err != nil {
		return apierr.New(apierr.Validation, "malformed request body")
	}
	if req.DatasetID <= 0 {
		return apierr.New(apierr.Validation, "dataset_id is required")
	}

	spend, err := adspend.Get(c.Request().Context(), h.DB, owner, id)
	if err != nil {
		return err
	}
	if err := adspend.Allocate(c.Request().Context(), h.DB, owner, req.DatasetID, spend); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "allocated"})
}

package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"ledgerflow.dev/ingest/version"
)

// HealthResponse enumerates subsystem status for the liveness contract.
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Queue    string `json:"queue"`
}

// Health returns 200 iff the database is reachable; the body reports each
// subsystem. A configured-but-unreachable queue also fails the check.
func (h *Handlers) Health(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Database: "ok", Queue: "unconfigured"}

	if err := h.DB.Pool().Ping(c.Request().Context()); err != nil {
		resp.Database = "down"
	}
	if h.Queue != nil {
		resp.Queue = "ok"
		if _, err := h.Queue.Depth(); err != nil {
			resp.Queue = "down"
		}
	}

	status := http.StatusOK
	if resp.Database == "down" || resp.Queue == "down" {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, resp)
}

// Version reports build information.
func (h *Handlers) Version(c echo.Context) error {
	return c.JSON(http.StatusOK, version.GetBuildInfo())
}

// Package api provides the HTTP handlers and routing for the ingestion
// and analytics service, versioned under /api/v1.
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"ledgerflow.dev/ingest/apierr"
	"ledgerflow.dev/ingest/auth"
	"ledgerflow.dev/ingest/common"
	"ledgerflow.dev/ingest/jobs"
	"ledgerflow.dev/ingest/security"
	"ledgerflow.dev/ingest/tenancy"
)

// Handlers contains the service dependencies required for API operations.
type Handlers struct {
	DB           *tenancy.DB
	Orchestrator *jobs.Orchestrator
	Users        *auth.UserStore
	Queue        QueueStatus // nil when no broker is configured
	TopProducts  int         // product aggregation cap; <= 0 disables the residual bucket
}

// QueueStatus is the slice of the task broker the health check needs.
type QueueStatus interface {
	Depth() (int, error)
}

// Config carries the routing-level settings.
type Config struct {
	JWTSecret string
}

// SetupRoutes registers the public and bearer-protected endpoints.
func SetupRoutes(e *echo.Echo, h *Handlers, cfg Config) {
	e.HTTPErrorHandler = errorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(requestLogger)

	e.GET("/health", h.Health)
	e.GET("/version", h.Version)

	v1 := e.Group("/api/v1")
	v1.Use(security.BearerMiddleware(cfg.JWTSecret))
	v1.Use(security.RequireActiveUser(h.Users))

	v1.POST("/jobs", h.CreateJob)
	v1.POST("/jobs/:id/commit", h.CommitJob)
	v1.GET("/jobs/:id", h.GetJob)
	v1.DELETE("/jobs/:id", h.DeleteJob)

	v1.GET("/datasets", h.ListDatasets)
	v1.DELETE("/datasets/:id", h.DeleteDataset)
	v1.GET("/datasets/:id/rows", h.DatasetRows)

	v1.GET("/dashboard", h.Dashboard)

	v1.GET("/ad_spends", h.ListAdSpends)
	v1.POST("/ad_spends", h.CreateAdSpend)
	v1.POST("/ad_spends/bulk", h.BulkCreateAdSpends)
	v1.PATCH("/ad_spends/:id", h.UpdateAdSpend)
	v1.DELETE("/ad_spends/:id", h.DeleteAdSpend)
	v1.POST("/ad_spends/:id/allocate", h.AllocateAdSpend)
}

// errorHandler maps every error to the uniform envelope. Internal causes
// are logged, never serialized.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var apiErr *apierr.Error
	if !apierr.As(err, &apiErr) {
		if httpErr, ok := err.(*echo.HTTPError); ok {
			apiErr = fromHTTPError(httpErr)
		}
	}
	if apiErr != nil && apiErr.Kind == apierr.Internal {
		common.Logger.WithError(err).Error("request failed")
	}

	status, envelope := apierr.ToEnvelope(err)
	if apiErr != nil {
		status, envelope = apiErr.Status(), apierr.Envelope{Error: apierr.EnvelopeBody{
			Kind:    apiErr.Kind,
			Message: apiErr.Message,
			Detail:  apiErr.Detail,
		}}
	}
	if jsonErr := c.JSON(status, envelope); jsonErr != nil {
		common.Logger.WithError(jsonErr).Error("failed to write error response")
	}
}

// fromHTTPError translates echo's own routing/middleware errors (404 on
// unknown paths, 405, body-limit) into the stable taxonomy.
func fromHTTPError(httpErr *echo.HTTPError) *apierr.Error {
	msg, _ := httpErr.Message.(string)
	if msg == "" {
		msg = http.StatusText(httpErr.Code)
	}
	switch httpErr.Code {
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return apierr.New(apierr.NotFound, msg)
	case http.StatusUnauthorized:
		return apierr.New(apierr.Unauthenticated, msg)
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return apierr.New(apierr.Validation, msg)
	default:
		return apierr.New(apierr.Internal, msg)
	}
}

func requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		common.Logger.WithFields(map[string]interface{}{
			"method": c.Request().Method,
			"path":   c.Request().URL.Path,
			"status": c.Response().Status,
		}).Debug("request handled")
		return err
	}
}

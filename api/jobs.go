package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"ledgerflow.dev/ingest/apierr"
	"ledgerflow.dev/ingest/model"
	"ledgerflow.dev/ingest/security"
)

// CreateJobRequest is the POST /jobs payload.
type CreateJobRequest struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
}

// CreateJobResponse returns the handle the client uploads against.
type CreateJobResponse struct {
	JobID      uuid.UUID `json:"job_id"`
	UploadURL  string    `json:"upload_url"`
	StorageKey string    `json:"storage_key"`
}

// CreateJob allocates a job and a presigned upload URL.
func (h *Handlers) CreateJob(c echo.Context) error {
	owner, err := security.OwnerID(c)
	if err != nil {
		return err
	}

	var req CreateJobRequest
	if err := c.Bind(&req); err != nil {
		return apierr.New(apierr.Validation, "malformed request body")
	}

	job, uploadURL, err := h.Orchestrator.CreateJob(c.Request().Context(), owner, model.DatasetType(req.Type), req.Filename)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, CreateJobResponse{
		JobID:      job.JobID,
		UploadURL:  uploadURL,
		StorageKey: job.StorageKey,
	})
}

// CommitJob enqueues processing for an uploaded object.
func (h *Handlers) CommitJob(c echo.Context) error {
	owner, err := security.OwnerID(c)
	if err != nil {
		return err
	}
	jobID, err := parseJobID(c)
	if err != nil {
		return err
	}

	if err := h.Orchestrator.CommitJob(c.Request().Context(), owner, jobID); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "enqueued"})
}

// JobStatusResponse is the GET /jobs/{id} shape.
type JobStatusResponse struct {
	JobID       uuid.UUID        `json:"job_id"`
	DatasetID   int64            `json:"dataset_id,omitempty"`
	Status      model.JobStatus  `json:"status"`
	TotalChunks int              `json:"total_chunks"`
	ChunksDone  int              `json:"chunks_done"`
	Errors      []model.JobError `json:"errors"`
}

// GetJob reports a job's progress.
func (h *Handlers) GetJob(c echo.Context) error {
	owner, err := security.OwnerID(c)
	if err != nil {
		return err
	}
	jobID, err := parseJobID(c)
	if err != nil {
		return err
	}

	job, err := h.Orchestrator.GetJob(c.Request().Context(), owner, jobID)
	if err != nil {
		return err
	}

	errors := job.Errors
	if errors == nil {
		errors = []model.JobError{}
	}
	return c.JSON(http.StatusOK, JobStatusResponse{
		JobID:       job.JobID,
		DatasetID:   job.DatasetID,
		Status:      job.Status,
		TotalChunks: job.TotalChunks,
		ChunksDone:  job.ChunksDone,
		Errors:      errors,
	})
}

// DeleteJob removes a job and its stored objects.
func (h *Handlers) DeleteJob(c echo.Context) error {
	owner, err := security.OwnerID(c)
	if err != nil {
		return err
	}
	jobID, err := parseJobID(c)
	if err != nil {
		return err
	}

	if err := h.Orchestrator.DeleteJob(c.Request().Context(), owner, jobID); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func parseJobID(c echo.Context) (uuid.UUID, error) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		// An unparseable id cannot address anyone's job; indistinguishable
		// from a missing one.
		return uuid.Nil, apierr.New(apierr.NotFound, "job not found")
	}
	return jobID, nil
}

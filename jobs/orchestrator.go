// Package jobs is the job orchestrator and chunk worker for CSV
// ingestion: it issues presigned uploads, drives the job lifecycle state
// machine (queued -> running -> {completed, failed}), and processes
// committed uploads into canonical rows via normalize and tenancy.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"ledgerflow.dev/ingest/apierr"
	"ledgerflow.dev/ingest/model"
	"ledgerflow.dev/ingest/objectstore"
	"ledgerflow.dev/ingest/queue"
	"ledgerflow.dev/ingest/tenancy"
)

// Mode selects how a committed upload is processed: a single task that
// batches rows in memory, or a splitter that persists fixed-size chunk
// objects and fans out one task per chunk.
type Mode string

const (
	ModeInMemory  Mode = "in_memory"
	ModePersisted Mode = "persisted_chunks"
)

// Config configures job creation and processing.
type Config struct {
	Mode             Mode
	BatchSize        int           // rows per committed batch in in-memory mode
	ChunkBytes       int64         // bytes per slice in persisted-chunks mode
	UploadTTL        time.Duration // presigned PUT URL lifetime
	QueueHighWater   int           // refuse create-job above this queue depth
	MaxChunkAttempts int           // retry cap for transient chunk failures
	SoftTimeout      time.Duration // processing soft deadline; commits the current batch and stops
	HardTimeout      time.Duration // processing hard deadline
	TempDir          string        // spool uploads here instead of memory; empty disables
}

// DefaultConfig returns production defaults sized for multi-megabyte
// uploads.
func DefaultConfig() Config {
	return Config{
		Mode:             ModeInMemory,
		BatchSize:        5000,
		ChunkBytes:       8 << 20,
		UploadTTL:        15 * time.Minute,
		QueueHighWater:   10000,
		MaxChunkAttempts: 5,
		SoftTimeout:      time.Hour,
		HardTimeout:      70 * time.Minute,
	}
}

// QueueDepther reports the current depth of the ingestion task queue, the
// backpressure signal create-job checks before accepting work.
type QueueDepther interface {
	Depth() (int, error)
}

// Orchestrator implements create-job / commit-job / job-status /
// delete-job against the job table and the task queue.
type Orchestrator struct {
	db        *tenancy.DB
	store     objectstore.Store
	publisher queue.MessagePublisher
	depth     QueueDepther
	cfg       Config
}

// NewOrchestrator wires the three collaborators the orchestrator needs:
// the tenancy-scoped database, the object store, and the task queue.
func NewOrchestrator(db *tenancy.DB, store objectstore.Store, publisher queue.MessagePublisher, depth QueueDepther, cfg Config) *Orchestrator {
	return &Orchestrator{db: db, store: store, publisher: publisher, depth: depth, cfg: cfg}
}

// CreateJob allocates a job record and a presigned upload URL. The job
// starts in the queued state; it does not become visible to workers until
// CommitJob is called. It refuses with Unavailable when the task queue is
// past its high-water mark, before any state is allocated.
func (o *Orchestrator) CreateJob(ctx context.Context, owner int64, datasetType model.DatasetType, filename string) (*model.Job, string, error) {
	if datasetType != model.DatasetTypeTransaction && datasetType != model.DatasetTypeClick {
		return nil, "", apierr.New(apierr.Validation, "type must be transaction or click")
	}
	if err := o.checkBackpressure(); err != nil {
		return nil, "", err
	}

	jobID := uuid.New()
	storageKey := fmt.Sprintf("uploads/%d/%s", owner, jobID)
	if filename == "" {
		filename = path.Base(storageKey)
	}

	uploadURL, err := o.store.PresignPut(ctx, storageKey, "text/csv", o.cfg.UploadTTL)
	if err != nil {
		return nil, "", err
	}

	job := &model.Job{
		JobID:      jobID,
		Owner:      owner,
		Type:       datasetType,
		StorageKey: storageKey,
		Status:     model.JobStatusQueued,
		Meta:       map[string]interface{}{"filename": filename},
	}

	metaJSON, err := json.Marshal(job.Meta)
	if err != nil {
		return nil, "", apierr.Wrap(apierr.Internal, "marshal job meta", err)
	}

	err = o.db.WithUser(ctx, owner, func(ctx context.Context, s *tenancy.Session) error {
		return s.Exec(ctx,
			`INSERT INTO jobs (job_id, owner, type, storage_key, status, total_chunks, chunks_done, meta, errors)
			 VALUES ($1, $2, $3, $4, $5, 0, 0, $6::jsonb, '[]'::jsonb)`,
			job.JobID, job.Owner, string(job.Type), job.StorageKey, string(job.Status), string(metaJSON))
	})
	if err != nil {
		return nil, "", apierr.Wrap(apierr.Internal, "create job record", err)
	}

	return job, uploadURL, nil
}

func (o *Orchestrator) checkBackpressure() error {
	if o.depth == nil {
		return nil
	}
	depth, err := o.depth.Depth()
	if err != nil {
		return apierr.Wrap(apierr.Unavailable, "check queue depth", err)
	}
	if depth >= o.cfg.QueueHighWater {
		return apierr.New(apierr.Unavailable, "ingestion queue is at capacity, retry later")
	}
	return nil
}

// CommitJob transitions a queued job to running, creates the dataset
// record its rows will attach to, and enqueues the processing task.
// Committing twice is a Conflict.
func (o *Orchestrator) CommitJob(ctx context.Context, owner int64, jobID uuid.UUID) error {
	var task queue.IngestTask
	err := o.db.WithUser(ctx, owner, func(ctx context.Context, s *tenancy.Session) error {
		var status, datasetType, storageKey string
		var meta map[string]interface{}
		row := s.QueryRow(ctx, `SELECT status, type, storage_key, meta FROM jobs WHERE job_id = $1 AND owner = $2`, jobID, owner)
		if err := row.Scan(&status, &datasetType, &storageKey, &meta); err != nil {
			return apierr.Wrap(apierr.NotFound, "job not found", err)
		}
		if status != string(model.JobStatusQueued) {
			return apierr.New(apierr.Conflict, "job has already been committed")
		}

		filename, _ := meta["filename"].(string)
		if filename == "" {
			filename = path.Base(storageKey)
		}

		var datasetID int64
		drow := s.QueryRow(ctx,
			`INSERT INTO datasets (owner, filename, type, status) VALUES ($1, $2, $3, 'processing') RETURNING id`,
			owner, filename, datasetType)
		if err := drow.Scan(&datasetID); err != nil {
			return apierr.Wrap(apierr.Internal, "create dataset record", err)
		}

		if err := s.Exec(ctx,
			`UPDATE jobs SET status = $1, dataset_id = $2, updated_at = now() WHERE job_id = $3`,
			string(model.JobStatusRunning), datasetID, jobID); err != nil {
			return apierr.Wrap(apierr.Internal, "transition job to running", err)
		}

		task = queue.IngestTask{
			JobID:      jobID,
			Owner:      owner,
			DatasetID:  datasetID,
			Type:       model.DatasetType(datasetType),
			StorageKey: storageKey,
			ChunkIndex: -1,
			EnqueuedAt: time.Now(),
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := o.publisher.PublishTask(task); err != nil {
		return apierr.Wrap(apierr.Upstream, "enqueue processing task", err)
	}
	return nil
}

// GetJob returns owner's job by id, or NotFound.
func (o *Orchestrator) GetJob(ctx context.Context, owner int64, jobID uuid.UUID) (*model.Job, error) {
	var job model.Job
	err := o.db.WithUser(ctx, owner, func(ctx context.Context, s *tenancy.Session) error {
		row := s.QueryRow(ctx,
			`SELECT job_id, dataset_id, owner, type, storage_key, status, total_chunks, chunks_done, meta, errors, created_at, updated_at
			 FROM jobs WHERE job_id = $1 AND owner = $2`, jobID, owner)
		var datasetID *int64
		var datasetType, status string
		var errsJSON []byte
		if err := row.Scan(&job.JobID, &datasetID, &job.Owner, &datasetType, &job.StorageKey,
			&status, &job.TotalChunks, &job.ChunksDone, &job.Meta, &errsJSON, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return apierr.Wrap(apierr.NotFound, "job not found", err)
		}
		if datasetID != nil {
			job.DatasetID = *datasetID
		}
		job.Type = model.DatasetType(datasetType)
		job.Status = model.JobStatus(status)
		if err := json.Unmarshal(errsJSON, &job.Errors); err != nil {
			return apierr.Wrap(apierr.Internal, "decode job errors", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// DeleteJob removes owner's job record, its persisted chunk objects, and
// the source upload. An already-enqueued task keeps running until it next
// touches the job row; committed rows stay with their dataset.
func (o *Orchestrator) DeleteJob(ctx context.Context, owner int64, jobID uuid.UUID) error {
	var keys []string
	err := o.db.WithUser(ctx, owner, func(ctx context.Context, s *tenancy.Session) error {
		var storageKey string
		row := s.QueryRow(ctx, `SELECT storage_key FROM jobs WHERE job_id = $1 AND owner = $2`, jobID, owner)
		if err := row.Scan(&storageKey); err != nil {
			return apierr.Wrap(apierr.NotFound, "job not found", err)
		}
		keys = append(keys, storageKey)

		rows, err := s.Query(ctx, `SELECT storage_key FROM job_chunks WHERE job_id = $1`, jobID)
		if err != nil {
			return apierr.Wrap(apierr.Internal, "list job chunks", err)
		}
		defer rows.Close()
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				return apierr.Wrap(apierr.Internal, "scan chunk key", err)
			}
			keys = append(keys, key)
		}
		if err := rows.Err(); err != nil {
			return apierr.Wrap(apierr.Internal, "iterate chunk keys", err)
		}

		return s.Exec(ctx, `DELETE FROM jobs WHERE job_id = $1`, jobID)
	})
	if err != nil {
		return err
	}

	for _, key := range keys {
		if err := o.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

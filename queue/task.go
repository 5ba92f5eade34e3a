package queue

import (
	"time"

	"github.com/google/uuid"

	"ledgerflow.dev/ingest/model"
)

// IngestTask is the message the orchestrator publishes when a job is
// committed and a chunk worker consumes to process the upload. In the
// in-memory batching mode this names the whole source object; in
// persisted-chunks mode it names one slice, distinguished by
// ChunkIndex >= 0.
type IngestTask struct {
	JobID      uuid.UUID         `json:"job_id"`
	Owner      int64             `json:"owner"`
	DatasetID  int64             `json:"dataset_id"`
	Type       model.DatasetType `json:"type"`
	StorageKey string            `json:"storage_key"`
	ChunkIndex int               `json:"chunk_index"` // -1 for a whole-object task in either mode
	Attempt    int               `json:"attempt"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
}

// IsChunk reports whether this task names one persisted-chunks-mode slice
// rather than a whole source object.
func (t IngestTask) IsChunk() bool { return t.ChunkIndex >= 0 }

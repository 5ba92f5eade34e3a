// Package model defines the entity types shared across the ingestion
// pipeline and the query engine: users, datasets, the two row-bearing
// tables, ad spends, and the job/chunk records that track an ingest.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DatasetType distinguishes the two kinds of uploadable tabular data.
type DatasetType string

const (
	DatasetTypeTransaction DatasetType = "transaction"
	DatasetTypeClick       DatasetType = "click"
)

// DatasetStatus tracks the lifecycle of one uploaded CSV.
type DatasetStatus string

const (
	DatasetStatusPending    DatasetStatus = "pending"
	DatasetStatusProcessing DatasetStatus = "processing"
	DatasetStatusCompleted  DatasetStatus = "completed"
	DatasetStatusFailed     DatasetStatus = "failed"
)

// JobStatus is the job lifecycle state machine:
// queued -> running -> {completed, failed}. Both terminal states are final.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// ChunkStatus tracks an individual persisted-mode chunk's retry state.
type ChunkStatus string

const (
	ChunkStatusQueued  ChunkStatus = "queued"
	ChunkStatusRunning ChunkStatus = "running"
	ChunkStatusOK      ChunkStatus = "ok"
	ChunkStatusFailed  ChunkStatus = "failed"
)

// User is a tenant-owning account. Registration, password reset, and
// billing are handled by an upstream identity service; this type only carries
// what the ingestion and query paths need to resolve an owner.
type User struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	PasswordHash []byte `json:"-"`
	Active       bool   `json:"active"`
}

// Dataset is the record of one successful CSV upload.
type Dataset struct {
	ID         int64         `json:"id"`
	Owner      int64         `json:"owner"`
	Filename   string        `json:"filename"`
	Type       DatasetType   `json:"type"`
	Status     DatasetStatus `json:"status"`
	RowCount   int           `json:"row_count"`
	UploadedAt time.Time     `json:"uploaded_at"`
}

// TransactionRow is one canonicalized sales record. The invariant
// profit = revenue - cost - commission is enforced at write time by
// normalize.Transaction and re-enforced after adspend.Allocate.
type TransactionRow struct {
	ID          int64           `json:"id"`
	DatasetID   int64           `json:"dataset_id"`
	Owner       int64           `json:"owner"`
	Date        time.Time       `json:"date"`
	Time        *string         `json:"time,omitempty"`
	Platform    string          `json:"platform,omitempty"`
	Category    string          `json:"category,omitempty"`
	Product     string          `json:"product,omitempty"`
	Status      string          `json:"status,omitempty"`
	SubID       string          `json:"sub_id,omitempty"`
	OrderID     string          `json:"order_id,omitempty"`
	ProductID   string          `json:"product_id,omitempty"`
	Revenue     decimal.Decimal `json:"revenue"`
	Commission  decimal.Decimal `json:"commission"`
	Cost        decimal.Decimal `json:"cost"`
	Profit      decimal.Decimal `json:"profit"`
	Quantity    int             `json:"quantity"`
	Fingerprint string          `json:"fingerprint"`
}

// ClickRow is one canonicalized click record.
type ClickRow struct {
	ID          int64     `json:"id"`
	DatasetID   int64     `json:"dataset_id"`
	Owner       int64     `json:"owner"`
	Date        time.Time `json:"date"`
	Time        *string   `json:"time,omitempty"`
	Channel     string    `json:"channel"`
	SubID       string    `json:"sub_id,omitempty"`
	Clicks      int       `json:"clicks"`
	Fingerprint string    `json:"fingerprint"`
}

// AdSpend is a user-authored ad cost record, independent of any dataset
// until adspend.Allocate distributes it across matching transaction rows.
type AdSpend struct {
	ID        int64           `json:"id"`
	Owner     int64           `json:"owner"`
	Date      time.Time       `json:"date"`
	SubID     string          `json:"sub_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Clicks    int             `json:"clicks"`
	Allocated bool            `json:"allocated"`
}

// JobError is one entry in a job's errors[] tally: either a row-level
// normalization rejection or a permanently-failed chunk.
type JobError struct {
	ChunkIndex int    `json:"chunk_index,omitempty"`
	RowIndex   int    `json:"row_index,omitempty"`
	Reason     string `json:"reason"`
}

// Job is the server-side record of one CSV ingestion.
// Invariant: 0 <= ChunksDone <= TotalChunks; Completed iff ChunksDone ==
// TotalChunks and Errors contains no chunk-level entry.
type Job struct {
	JobID       uuid.UUID              `json:"job_id"`
	DatasetID   int64                  `json:"dataset_id"`
	Owner       int64                  `json:"owner"`
	Type        DatasetType            `json:"type"`
	StorageKey  string                 `json:"storage_key"`
	Status      JobStatus              `json:"status"`
	TotalChunks int                    `json:"total_chunks"`
	ChunksDone  int                    `json:"chunks_done"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
	Errors      []JobError             `json:"errors,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// JobChunk is one persisted-mode byte range of a job's source object.
type JobChunk struct {
	JobID      uuid.UUID   `json:"job_id"`
	ChunkIndex int         `json:"chunk_index"`
	StorageKey string      `json:"storage_key"`
	Status     ChunkStatus `json:"status"`
	Error      string      `json:"error,omitempty"`
	Attempts   int         `json:"attempts"`
}

// Done reports whether the job has reached a terminal state.
func (j *Job) Done() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

package jobs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/streadway/amqp"

	"ledgerflow.dev/ingest/apierr"
	"ledgerflow.dev/ingest/common"
	"ledgerflow.dev/ingest/model"
	"ledgerflow.dev/ingest/normalize"
	"ledgerflow.dev/ingest/objectstore"
	"ledgerflow.dev/ingest/queue"
	"ledgerflow.dev/ingest/tenancy"
)

// errSoftTimeout aborts processing after the current batch has been
// committed. It is never retried; the job keeps its partial progress.
var errSoftTimeout = errors.New("soft time limit exceeded")

// ChunkWorker processes IngestTasks dequeued from the ingestion queue: it
// streams the named object, canonicalizes rows in batches, and commits
// each batch atomically. A whole-object task is either processed directly
// (in-memory batching mode) or sliced into persisted chunk objects that
// fan back out through the queue as one task per chunk.
type ChunkWorker struct {
	db        *tenancy.DB
	store     objectstore.Store
	publisher queue.MessagePublisher
	cfg       Config
}

// NewChunkWorker wires a ChunkWorker to its database, object store, and
// the queue it fans persisted chunks out on.
func NewChunkWorker(db *tenancy.DB, store objectstore.Store, publisher queue.MessagePublisher, cfg Config) *ChunkWorker {
	return &ChunkWorker{db: db, store: store, publisher: publisher, cfg: cfg}
}

// Run drains deliveries until ctx is cancelled or the channel closes,
// processing one task at a time per goroutine. id identifies this worker
// instance for logging.
func (w *ChunkWorker) Run(ctx context.Context, id int, deliveries <-chan amqp.Delivery) {
	log := common.WorkerLogger(id)
	log.Info("chunk worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("chunk worker stopped")
			return
		case d, ok := <-deliveries:
			if !ok {
				log.Info("chunk worker stopped: deliveries closed")
				return
			}
			w.handle(ctx, log, d)
		}
	}
}

func (w *ChunkWorker) handle(ctx context.Context, log *common.ContextLogger, d amqp.Delivery) {
	var task queue.IngestTask
	if err := decodeTask(d.Body, &task); err != nil {
		log.WithError(err).Error("dropping malformed task")
		d.Nack(false, false)
		return
	}

	taskLog := log.WithFields(map[string]interface{}{"job_id": task.JobID, "owner": task.Owner})
	runCtx, cancel := context.WithTimeout(ctx, w.cfg.HardTimeout)
	defer cancel()

	var err error
	switch {
	case task.IsChunk():
		err = w.handleChunk(runCtx, task)
	case w.cfg.Mode == ModePersisted:
		err = w.processWithRetry(runCtx, task, w.split)
	default:
		err = w.processWithRetry(runCtx, task, w.processWhole)
	}

	if err != nil {
		taskLog.WithError(err).Error("task processing failed")
		if markErr := w.failJob(ctx, task, err); markErr != nil {
			taskLog.WithError(markErr).Error("failed to record job failure")
		}
		d.Nack(false, false)
		return
	}

	taskLog.Info("task processed")
	d.Ack(false)
}

// processWithRetry retries transient failures with exponential backoff and
// jitter, capped at cfg.MaxChunkAttempts. Validation errors (unparseable
// header, malformed stream) and the soft-timeout sentinel are permanent
// and never retried.
func (w *ChunkWorker) processWithRetry(ctx context.Context, task queue.IngestTask, fn func(context.Context, queue.IngestTask) error) error {
	var err error
	for attempt := 1; attempt <= w.cfg.MaxChunkAttempts; attempt++ {
		err = fn(ctx, task)
		if err == nil || isPermanent(err) || attempt == w.cfg.MaxChunkAttempts {
			return err
		}

		backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
		jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}
	return err
}

func isPermanent(err error) bool {
	if errors.Is(err, errSoftTimeout) {
		return true
	}
	var apiErr *apierr.Error
	return apierr.As(err, &apiErr) && apiErr.Kind == apierr.Validation
}

// processWhole streams task's whole object, canonicalizes rows in batches
// of cfg.BatchSize, and commits each batch as one tenancy-scoped
// transaction. Row-level rejections are tallied into the job's errors[]
// but never fail the job; only a stream-level fault does. Fingerprints
// make batch order irrelevant to the result.
func (w *ChunkWorker) processWhole(ctx context.Context, task queue.IngestTask) error {
	raw, err := w.fetchObject(ctx, task.StorageKey)
	if err != nil {
		return err
	}

	if err := w.consumeCSV(ctx, task, normalize.DecodeBestEffort(raw), w.recordBatchProgress); err != nil {
		return err
	}
	return w.completeJob(ctx, task)
}

// fetchObject reads the object at key. With TempDir set the stream is
// spooled to a local file first, so the storage connection is released
// before the long batch-commit phase begins.
func (w *ChunkWorker) fetchObject(ctx context.Context, key string) ([]byte, error) {
	body, err := w.store.StreamGet(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	if w.cfg.TempDir == "" {
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, apierr.Wrap(apierr.Storage, "read upload stream", err)
		}
		return raw, nil
	}

	tmp, err := os.CreateTemp(w.cfg.TempDir, "upload-*.csv")
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "create spool file", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := io.Copy(tmp, body); err != nil {
		return nil, apierr.Wrap(apierr.Storage, "spool upload stream", err)
	}
	body.Close()

	raw, err := os.ReadFile(tmp.Name())
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "read spool file", err)
	}
	return raw, nil
}

// consumeCSV parses content with an auto-detected separator, batches rows,
// and hands each committed batch to progress. It honors the soft time
// limit between batches: the in-flight batch is committed before the
// sentinel is returned.
func (w *ChunkWorker) consumeCSV(ctx context.Context, task queue.IngestTask, content string, progress func(context.Context, queue.IngestTask, int, []model.JobError) error) error {
	firstLine := content
	if i := strings.IndexByte(content, '\n'); i >= 0 {
		firstLine = content[:i]
	}
	if strings.TrimSpace(firstLine) == "" {
		return apierr.New(apierr.Validation, "empty upload")
	}

	r := csv.NewReader(strings.NewReader(content))
	r.Comma = normalize.ParseDelimitedHeader(firstLine)
	r.FieldsPerRecord = -1

	headers, err := r.Read()
	if err != nil {
		return apierr.Wrap(apierr.Validation, "read header row", err)
	}

	softDeadline := time.Now().Add(w.cfg.SoftTimeout)
	rowIndex := 0
	var batch []normalize.Record
	var rejections []model.JobError

	flush := func() error {
		if len(batch) == 0 && len(rejections) == 0 {
			return nil
		}
		n, errs, err := w.commitBatch(ctx, task, batch)
		if err != nil {
			return err
		}
		rejections = append(rejections, errs...)
		if err := progress(ctx, task, n, rejections); err != nil {
			return err
		}
		rejections = nil
		batch = batch[:0]
		return nil
	}

	for {
		values, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			rejections = append(rejections, model.JobError{RowIndex: rowIndex, Reason: err.Error()})
			rowIndex++
			continue
		}

		batch = append(batch, normalize.Record{Headers: headers, Values: values})
		rowIndex++

		if len(batch) >= w.cfg.BatchSize {
			if err := flush(); err != nil {
				return err
			}
			if time.Now().After(softDeadline) {
				return errSoftTimeout
			}
		}
	}
	return flush()
}

// commitBatch canonicalizes records and inserts them in one atomic,
// tenancy-scoped transaction using ON CONFLICT (fingerprint) DO NOTHING
// so re-delivered batches are idempotent.
func (w *ChunkWorker) commitBatch(ctx context.Context, task queue.IngestTask, batch []normalize.Record) (int, []model.JobError, error) {
	if len(batch) == 0 {
		return 0, nil, nil
	}
	var rejections []model.JobError
	committed := 0

	err := w.db.WithUser(ctx, task.Owner, func(ctx context.Context, s *tenancy.Session) error {
		for i, rec := range batch {
			switch task.Type {
			case model.DatasetTypeClick:
				row, err := normalize.Click(rec)
				if err != nil {
					rejections = append(rejections, model.JobError{RowIndex: i, Reason: err.Error()})
					continue
				}
				if err := s.Exec(ctx,
					`INSERT INTO click_rows (dataset_id, owner, date, time, channel, sub_id, clicks, fingerprint)
					 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (fingerprint) DO NOTHING`,
					task.DatasetID, task.Owner, row.Date, row.Time, row.Channel, row.SubID, row.Clicks, row.Fingerprint); err != nil {
					return apierr.Wrap(apierr.Internal, "insert click row", err)
				}
				committed++
			default:
				row, err := normalize.Transaction(rec)
				if err != nil {
					rejections = append(rejections, model.JobError{RowIndex: i, Reason: err.Error()})
					continue
				}
				if err := s.Exec(ctx,
					`INSERT INTO transaction_rows (dataset_id, owner, date, time, platform, category, product, status,
					 sub_id, order_id, product_id, revenue, commission, cost, profit, quantity, fingerprint)
					 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17) ON CONFLICT (fingerprint) DO NOTHING`,
					task.DatasetID, task.Owner, row.Date, row.Time, row.Platform, row.Category, row.Product, row.Status,
					row.SubID, row.OrderID, row.ProductID, row.Revenue, row.Commission, row.Cost, row.Profit, row.Quantity, row.Fingerprint); err != nil {
					return apierr.Wrap(apierr.Internal, "insert transaction row", err)
				}
				committed++
			}
		}
		return nil
	})
	if err != nil {
		// The whole batch is one transaction; on a transport/DB fault none
		// of it landed, so the error goes back to the caller's retry loop,
		// which reprocesses the task; rows from earlier committed batches
		// are skipped there by the fingerprint conflict.
		return 0, nil, err
	}
	return committed, rejections, nil
}

// recordBatchProgress is the in-memory mode progress hook: total_chunks
// grows lazily as batches are formed, chunks_done per committed batch.
func (w *ChunkWorker) recordBatchProgress(ctx context.Context, task queue.IngestTask, committed int, rejections []model.JobError) error {
	errsJSON, err := marshalErrors(rejections)
	if err != nil {
		return err
	}
	return w.db.WithUser(ctx, task.Owner, func(ctx context.Context, s *tenancy.Session) error {
		return s.Exec(ctx,
			`UPDATE jobs SET total_chunks = total_chunks + 1, chunks_done = chunks_done + 1,
			 errors = errors || $1::jsonb, updated_at = now() WHERE job_id = $2`,
			errsJSON, task.JobID)
	})
}

// completeJob finalizes the dataset (row count, status) and transitions
// the job to completed.
func (w *ChunkWorker) completeJob(ctx context.Context, task queue.IngestTask) error {
	table := "transaction_rows"
	if task.Type == model.DatasetTypeClick {
		table = "click_rows"
	}
	return w.db.WithUser(ctx, task.Owner, func(ctx context.Context, s *tenancy.Session) error {
		if err := s.Exec(ctx,
			`UPDATE datasets SET status = 'completed',
			 row_count = (SELECT COUNT(*) FROM `+table+` WHERE dataset_id = $1) WHERE id = $1`,
			task.DatasetID); err != nil {
			return apierr.Wrap(apierr.Internal, "finalize dataset", err)
		}
		return s.Exec(ctx,
			`UPDATE jobs SET status = $1, updated_at = now() WHERE job_id = $2`,
			string(model.JobStatusCompleted), task.JobID)
	})
}

// failJob records the cause in the job's errors[] and transitions job and
// dataset to failed. Rows already committed stay visible.
func (w *ChunkWorker) failJob(ctx context.Context, task queue.IngestTask, cause error) error {
	reason := cause.Error()
	if errors.Is(cause, errSoftTimeout) {
		reason = "timeout"
	}
	entry := model.JobError{Reason: reason}
	if task.IsChunk() {
		entry.ChunkIndex = task.ChunkIndex
	}
	errsJSON, err := marshalErrors([]model.JobError{entry})
	if err != nil {
		return err
	}
	return w.db.WithUser(ctx, task.Owner, func(ctx context.Context, s *tenancy.Session) error {
		if err := s.Exec(ctx,
			`UPDATE jobs SET status = $1, errors = errors || $2::jsonb, updated_at = now() WHERE job_id = $3`,
			string(model.JobStatusFailed), errsJSON, task.JobID); err != nil {
			return err
		}
		return s.Exec(ctx, `UPDATE datasets SET status = 'failed' WHERE id = $1`, task.DatasetID)
	})
}

// split slices the source object into persisted chunk objects along line
// boundaries, records a JobChunk per slice with total_chunks set up
// front, and fans out one task per chunk. Each slice carries the header
// line so chunks parse independently.
func (w *ChunkWorker) split(ctx context.Context, task queue.IngestTask) error {
	body, err := w.store.StreamGet(ctx, task.StorageKey)
	if err != nil {
		return err
	}
	defer body.Close()

	var keys []string
	emit := func(index int, data []byte) error {
		key := fmt.Sprintf("%s.chunk.%d", task.StorageKey, index)
		if err := w.store.Put(ctx, key, "text/csv", bytes.NewReader(data)); err != nil {
			return err
		}
		keys = append(keys, key)
		return nil
	}
	if err := sliceStream(body, w.cfg.ChunkBytes, emit); err != nil {
		return err
	}

	err = w.db.WithUser(ctx, task.Owner, func(ctx context.Context, s *tenancy.Session) error {
		for i, key := range keys {
			if err := s.Exec(ctx,
				`INSERT INTO job_chunks (job_id, chunk_index, storage_key, status)
				 VALUES ($1, $2, $3, 'queued') ON CONFLICT (job_id, chunk_index) DO NOTHING`,
				task.JobID, i, key); err != nil {
				return apierr.Wrap(apierr.Internal, "record job chunk", err)
			}
		}
		return s.Exec(ctx,
			`UPDATE jobs SET total_chunks = $1, updated_at = now() WHERE job_id = $2`,
			len(keys), task.JobID)
	})
	if err != nil {
		return err
	}

	// A header-only file produces zero chunks; the job is complete as
	// soon as the split finishes.
	if len(keys) == 0 {
		return w.completeJob(ctx, task)
	}

	for i, key := range keys {
		chunkTask := task
		chunkTask.ChunkIndex = i
		chunkTask.StorageKey = key
		chunkTask.EnqueuedAt = time.Now()
		if err := w.publisher.PublishTask(chunkTask); err != nil {
			return apierr.Wrap(apierr.Upstream, "enqueue chunk task", err)
		}
	}
	return nil
}

// sliceStream cuts r into slices that each grow until they reach
// chunkBytes (the last one may be shorter), always on line boundaries, each prefixed with the header line so it parses
// independently, and hands each slice to emit. A header-only stream
// emits nothing.
func sliceStream(r io.Reader, chunkBytes int64, emit func(index int, data []byte) error) error {
	reader := bufio.NewReaderSize(r, 64*1024)
	header, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return apierr.Wrap(apierr.Storage, "read upload stream", err)
	}
	if strings.TrimSpace(header) == "" {
		return apierr.New(apierr.Validation, "empty upload")
	}
	if !strings.HasSuffix(header, "\n") {
		header += "\n"
	}

	index := 0
	buf := bytes.NewBufferString(header)
	flush := func() error {
		if buf.Len() <= len(header) {
			return nil
		}
		if err := emit(index, append([]byte(nil), buf.Bytes()...)); err != nil {
			return err
		}
		index++
		buf.Reset()
		buf.WriteString(header)
		return nil
	}

	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			buf.WriteString(line)
			if int64(buf.Len()) >= chunkBytes {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return apierr.Wrap(apierr.Storage, "read upload stream", err)
		}
	}
	return flush()
}

// handleChunk processes one persisted slice: parse, commit batches, mark
// the chunk ok, and complete the job when it was the last one. Chunk
// failures retry up to the attempt cap before they are recorded
// permanently. A redelivered task whose chunk is already ok (lost ack)
// skips processing entirely so chunks_done is bumped at most once per
// chunk.
func (w *ChunkWorker) handleChunk(ctx context.Context, task queue.IngestTask) error {
	claimed, err := w.claimChunk(ctx, task)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	err = w.processWithRetry(ctx, task, w.processChunkSlice)
	if err != nil {
		if markErr := w.markChunkFailed(ctx, task, err); markErr != nil {
			return markErr
		}
		return err
	}

	return w.finishChunk(ctx, task)
}

func (w *ChunkWorker) processChunkSlice(ctx context.Context, task queue.IngestTask) error {
	raw, err := w.fetchObject(ctx, task.StorageKey)
	if err != nil {
		return err
	}

	// total_chunks was fixed at split time, so only the rejection tally
	// is merged here; chunks_done moves in finishChunk.
	progress := func(ctx context.Context, task queue.IngestTask, committed int, rejections []model.JobError) error {
		if len(rejections) == 0 {
			return nil
		}
		errsJSON, err := marshalErrors(rejections)
		if err != nil {
			return err
		}
		return w.db.WithUser(ctx, task.Owner, func(ctx context.Context, s *tenancy.Session) error {
			return s.Exec(ctx,
				`UPDATE jobs SET errors = errors || $1::jsonb, updated_at = now() WHERE job_id = $2`,
				errsJSON, task.JobID)
		})
	}
	return w.consumeCSV(ctx, task, normalize.DecodeBestEffort(raw), progress)
}

// claimChunk transitions the chunk to running and counts the attempt.
// It reports false, without error, when the chunk is already ok — the
// broker redelivered a task whose ack was lost.
func (w *ChunkWorker) claimChunk(ctx context.Context, task queue.IngestTask) (bool, error) {
	claimed := false
	err := w.db.WithUser(ctx, task.Owner, func(ctx context.Context, s *tenancy.Session) error {
		row := s.QueryRow(ctx,
			`UPDATE job_chunks SET status = $1, attempts = attempts + 1
			 WHERE job_id = $2 AND chunk_index = $3 AND status <> 'ok'
			 RETURNING chunk_index`,
			string(model.ChunkStatusRunning), task.JobID, task.ChunkIndex)
		var idx int
		if err := row.Scan(&idx); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return apierr.Wrap(apierr.Internal, "claim chunk", err)
		}
		claimed = true
		return nil
	})
	return claimed, err
}

func (w *ChunkWorker) markChunkFailed(ctx context.Context, task queue.IngestTask, cause error) error {
	return w.db.WithUser(ctx, task.Owner, func(ctx context.Context, s *tenancy.Session) error {
		return s.Exec(ctx,
			`UPDATE job_chunks SET status = $1, error = $2 WHERE job_id = $3 AND chunk_index = $4`,
			string(model.ChunkStatusFailed), cause.Error(), task.JobID, task.ChunkIndex)
	})
}

// finishChunk marks the chunk ok and bumps chunks_done in one
// transaction, then finalizes the job once every chunk is ok. Both
// updates are guarded so a racing redelivery can neither double-count a
// chunk nor push chunks_done past total_chunks; the final transition
// races benignly across workers because completeJob is idempotent.
func (w *ChunkWorker) finishChunk(ctx context.Context, task queue.IngestTask) error {
	var done, total int
	counted := false
	err := w.db.WithUser(ctx, task.Owner, func(ctx context.Context, s *tenancy.Session) error {
		row := s.QueryRow(ctx,
			`UPDATE job_chunks SET status = $1, error = NULL
			 WHERE job_id = $2 AND chunk_index = $3 AND status <> 'ok'
			 RETURNING chunk_index`,
			string(model.ChunkStatusOK), task.JobID, task.ChunkIndex)
		var idx int
		if err := row.Scan(&idx); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return apierr.Wrap(apierr.Internal, "record chunk completion", err)
		}

		row = s.QueryRow(ctx,
			`UPDATE jobs SET chunks_done = chunks_done + 1, updated_at = now()
			 WHERE job_id = $1 AND chunks_done < total_chunks
			 RETURNING chunks_done, total_chunks`, task.JobID)
		if err := row.Scan(&done, &total); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return apierr.Wrap(apierr.Internal, "record chunk completion", err)
		}
		counted = true
		return nil
	})
	if err != nil {
		return err
	}
	if !counted || done < total {
		return nil
	}
	return w.completeJob(ctx, task)
}

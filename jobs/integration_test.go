package jobs_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerflow.dev/ingest/apierr"
	"ledgerflow.dev/ingest/dbtest"
	"ledgerflow.dev/ingest/jobs"
	"ledgerflow.dev/ingest/model"
	"ledgerflow.dev/ingest/objectstore"
	"ledgerflow.dev/ingest/query"
	"ledgerflow.dev/ingest/queue"
	"ledgerflow.dev/ingest/tenancy"
)

const twoRowCSV = "date,product,revenue,cost,commission\n" +
	"2024-01-01,P1,100,40,10\n" +
	"2024-01-01,P2,200,80,20\n"

// capturePublisher collects published tasks instead of sending them to a
// broker; tests replay them through the worker as raw deliveries.
type capturePublisher struct {
	mu    sync.Mutex
	tasks []queue.IngestTask
}

func (p *capturePublisher) PublishTask(task queue.IngestTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, task)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) drain() []queue.IngestTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	tasks := p.tasks
	p.tasks = nil
	return tasks
}

type pipelineEnv struct {
	db     *tenancy.DB
	store  *objectstore.MemStore
	pub    *capturePublisher
	orch   *jobs.Orchestrator
	worker *jobs.ChunkWorker
}

func newPipelineEnv(t *testing.T, cfg jobs.Config) *pipelineEnv {
	t.Helper()
	db := dbtest.StartTenantDB(t)
	store := objectstore.NewMemStore()
	pub := &capturePublisher{}
	return &pipelineEnv{
		db:     db,
		store:  store,
		pub:    pub,
		orch:   jobs.NewOrchestrator(db, store, pub, nil, cfg),
		worker: jobs.NewChunkWorker(db, store, pub, cfg),
	}
}

func deliveriesFor(t *testing.T, tasks []queue.IngestTask) chan amqp.Delivery {
	t.Helper()
	ch := make(chan amqp.Delivery, len(tasks))
	for _, task := range tasks {
		body, err := json.Marshal(task)
		require.NoError(t, err)
		ch <- amqp.Delivery{Body: body}
	}
	close(ch)
	return ch
}

// runPending replays captured tasks through the worker until the queue
// drains, following persisted-mode fan-out as far as it goes.
func (e *pipelineEnv) runPending(t *testing.T) {
	t.Helper()
	for tasks := e.pub.drain(); len(tasks) > 0; tasks = e.pub.drain() {
		e.worker.Run(context.Background(), 1, deliveriesFor(t, tasks))
	}
}

// ingest drives the full submit-upload-commit-process cycle and returns
// the final job record.
func (e *pipelineEnv) ingest(t *testing.T, owner int64, csv string) *model.Job {
	t.Helper()
	ctx := context.Background()

	job, uploadURL, err := e.orch.CreateJob(ctx, owner, model.DatasetTypeTransaction, "sales.csv")
	require.NoError(t, err)
	require.NotEmpty(t, uploadURL)

	e.store.Seed(job.StorageKey, []byte(csv))
	require.NoError(t, e.orch.CommitJob(ctx, owner, job.JobID))
	e.runPending(t)

	final, err := e.orch.GetJob(ctx, owner, job.JobID)
	require.NoError(t, err)
	return final
}

func TestInMemoryPipeline(t *testing.T) {
	env := newPipelineEnv(t, jobs.DefaultConfig())
	ctx := context.Background()
	for id, email := range map[int64]string{1: "a@example.com", 2: "b@example.com", 3: "c@example.com", 4: "d@example.com"} {
		dbtest.SeedUser(t, env.db, id, email)
	}

	var firstDataset int64

	t.Run("happy path ingest and dashboard", func(t *testing.T) {
		job := env.ingest(t, 1, twoRowCSV)
		assert.Equal(t, model.JobStatusCompleted, job.Status)
		assert.Equal(t, job.TotalChunks, job.ChunksDone)
		assert.Empty(t, job.Errors)
		firstDataset = job.DatasetID

		dataset, err := query.GetDataset(ctx, env.db, 1, job.DatasetID)
		require.NoError(t, err)
		assert.Equal(t, model.DatasetStatusCompleted, dataset.Status)
		assert.Equal(t, 2, dataset.RowCount)

		dash, err := query.Run(ctx, env.db, 1, query.Filters{}, 10)
		require.NoError(t, err)
		assert.True(t, dash.KPIs.Revenue.Equal(decimal.NewFromInt(300)), dash.KPIs.Revenue.String())
		assert.True(t, dash.KPIs.Cost.Equal(decimal.NewFromInt(120)))
		assert.True(t, dash.KPIs.Commission.Equal(decimal.NewFromInt(30)))
		assert.True(t, dash.KPIs.Profit.Equal(decimal.NewFromInt(150)))
		assert.Equal(t, 2, dash.KPIs.Rows)

		require.Len(t, dash.Period, 1)
		assert.Equal(t, "2024-01-01", dash.Period[0].Date.Format("2006-01-02"))

		require.Len(t, dash.Products, 2)
		assert.Equal(t, "P2", dash.Products[0].Product)
		assert.Equal(t, "P1", dash.Products[1].Product)
	})

	t.Run("re-uploading the same file is idempotent", func(t *testing.T) {
		job := env.ingest(t, 1, twoRowCSV)
		assert.Equal(t, model.JobStatusCompleted, job.Status)

		dash, err := query.Run(ctx, env.db, 1, query.Filters{}, 10)
		require.NoError(t, err)
		assert.Equal(t, 2, dash.KPIs.Rows, "duplicate fingerprints must be discarded")
		assert.True(t, dash.KPIs.Revenue.Equal(decimal.NewFromInt(300)))
	})

	t.Run("profit equals revenue minus cost minus commission", func(t *testing.T) {
		var violations int
		err := env.db.WithUser(ctx, 1, func(ctx context.Context, s *tenancy.Session) error {
			return s.QueryRow(ctx,
				`SELECT COUNT(*) FROM transaction_rows WHERE profit <> revenue - cost - commission`).Scan(&violations)
		})
		require.NoError(t, err)
		assert.Zero(t, violations)
	})

	t.Run("other tenants see nothing", func(t *testing.T) {
		dash, err := query.Run(ctx, env.db, 2, query.Filters{}, 10)
		require.NoError(t, err)
		assert.Zero(t, dash.KPIs.Rows)
		assert.True(t, dash.KPIs.Revenue.IsZero())

		_, err = query.GetDataset(ctx, env.db, 2, firstDataset)
		require.Error(t, err)
		var apiErr *apierr.Error
		require.True(t, apierr.As(err, &apiErr))
		assert.Equal(t, apierr.NotFound, apiErr.Kind)
	})

	t.Run("filters outside the data range return zeros", func(t *testing.T) {
		start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
		end := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
		dash, err := query.Run(ctx, env.db, 1, query.Filters{Start: &start, End: &end}, 10)
		require.NoError(t, err)
		assert.Zero(t, dash.KPIs.Rows)
		assert.True(t, dash.KPIs.Revenue.IsZero())
		assert.Empty(t, dash.Period)
		assert.Empty(t, dash.Products)
	})

	t.Run("header-only upload completes with zero rows", func(t *testing.T) {
		job := env.ingest(t, 3, "date,product,revenue\n")
		assert.Equal(t, model.JobStatusCompleted, job.Status)
		assert.Empty(t, job.Errors)

		dataset, err := query.GetDataset(ctx, env.db, 3, job.DatasetID)
		require.NoError(t, err)
		assert.Zero(t, dataset.RowCount)
	})

	t.Run("all-invalid upload completes with one error per row", func(t *testing.T) {
		csv := "date,product,revenue\n" +
			"2024-01-01,,100\n" +
			"not-a-date,P1,50\n"
		job := env.ingest(t, 4, csv)
		assert.Equal(t, model.JobStatusCompleted, job.Status)
		assert.Len(t, job.Errors, 2)

		dataset, err := query.GetDataset(ctx, env.db, 4, job.DatasetID)
		require.NoError(t, err)
		assert.Zero(t, dataset.RowCount)
	})
}

func TestPersistedChunksPipeline(t *testing.T) {
	cfg := jobs.DefaultConfig()
	cfg.Mode = jobs.ModePersisted
	cfg.ChunkBytes = 64 // force several slices out of a small file
	cfg.MaxChunkAttempts = 1
	env := newPipelineEnv(t, cfg)
	ctx := context.Background()
	dbtest.SeedUser(t, env.db, 1, "a@example.com")
	dbtest.SeedUser(t, env.db, 2, "b@example.com")

	fourRowCSV := "date,product,revenue,cost,commission\n" +
		"2024-01-01,P1,100,40,10\n" +
		"2024-01-01,P2,200,80,20\n" +
		"2024-01-02,P3,50,10,5\n" +
		"2024-01-02,P4,75,25,5\n"

	t.Run("splits, fans out, and completes", func(t *testing.T) {
		job := env.ingest(t, 1, fourRowCSV)
		assert.Equal(t, model.JobStatusCompleted, job.Status)
		assert.GreaterOrEqual(t, job.TotalChunks, 2)
		assert.Equal(t, job.TotalChunks, job.ChunksDone)

		dataset, err := query.GetDataset(ctx, env.db, 1, job.DatasetID)
		require.NoError(t, err)
		assert.Equal(t, 4, dataset.RowCount)
	})

	t.Run("redelivered chunks never push chunks_done past total", func(t *testing.T) {
		csv := "date,product,revenue,cost,commission\n" +
			"2024-02-01,Q1,100,40,10\n" +
			"2024-02-01,Q2,200,80,20\n" +
			"2024-02-02,Q3,50,10,5\n" +
			"2024-02-02,Q4,75,25,5\n"
		job, _, err := env.orch.CreateJob(ctx, 2, model.DatasetTypeTransaction, "sales.csv")
		require.NoError(t, err)
		env.store.Seed(job.StorageKey, []byte(csv))
		require.NoError(t, env.orch.CommitJob(ctx, 2, job.JobID))

		// Run the split, then replay every chunk task twice, simulating a
		// broker that redelivers after a lost ack.
		env.worker.Run(ctx, 1, deliveriesFor(t, env.pub.drain()))
		chunkTasks := env.pub.drain()
		require.NotEmpty(t, chunkTasks)
		env.worker.Run(ctx, 1, deliveriesFor(t, append(chunkTasks, chunkTasks...)))

		final, err := env.orch.GetJob(ctx, 2, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, final.Status)
		assert.Equal(t, final.TotalChunks, final.ChunksDone)
	})

	t.Run("one failing chunk fails the job but keeps committed rows", func(t *testing.T) {
		csv := "date,product,revenue,cost,commission\n" +
			"2024-03-01,R1,100,40,10\n" +
			"2024-03-01,R2,200,80,20\n" +
			"2024-03-02,R3,50,10,5\n" +
			"2024-03-02,R4,75,25,5\n"
		job, _, err := env.orch.CreateJob(ctx, 1, model.DatasetTypeTransaction, "sales.csv")
		require.NoError(t, err)
		env.store.Seed(job.StorageKey, []byte(csv))
		require.NoError(t, env.orch.CommitJob(ctx, 1, job.JobID))

		env.worker.Run(ctx, 1, deliveriesFor(t, env.pub.drain()))
		chunkTasks := env.pub.drain()
		require.Greater(t, len(chunkTasks), 1)

		// Losing one slice's object makes that chunk permanently
		// unreadable while the rest process normally.
		failing := chunkTasks[len(chunkTasks)-1]
		require.NoError(t, env.store.Delete(ctx, failing.StorageKey))
		env.worker.Run(ctx, 1, deliveriesFor(t, chunkTasks))

		final, err := env.orch.GetJob(ctx, 1, job.JobID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, final.Status)
		assert.Less(t, final.ChunksDone, final.TotalChunks)

		found := false
		for _, jobErr := range final.Errors {
			if jobErr.ChunkIndex == failing.ChunkIndex {
				found = true
			}
		}
		assert.True(t, found, "errors[] must identify the failing chunk")

		var committed int
		err = env.db.WithUser(ctx, 1, func(ctx context.Context, s *tenancy.Session) error {
			return s.QueryRow(ctx,
				`SELECT COUNT(*) FROM transaction_rows WHERE dataset_id = $1`, final.DatasetID).Scan(&committed)
		})
		require.NoError(t, err)
		assert.Greater(t, committed, 0, "rows from successful chunks stay visible")
	})
}

// Package cli provides the command-line entrypoints for the ingestion
// service: the API server (root command) and the chunk-worker pool
// (worker subcommand). It orchestrates configuration loading, service
// wiring, and graceful shutdown.
//
// Configuration follows the precedence flags > environment > config file
// > defaults, with viper binding each flag to its dotted config key
// (e.g. --db-url binds db.url, overridable via INGEST_DB_URL). The
// resolved state is snapshotted into a config.Config and validated
// before anything connects.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledgerflow.dev/ingest/api"
	"ledgerflow.dev/ingest/auth"
	"ledgerflow.dev/ingest/common"
	"ledgerflow.dev/ingest/config"
	"ledgerflow.dev/ingest/jobs"
	"ledgerflow.dev/ingest/objectstore"
	"ledgerflow.dev/ingest/queue"
	"ledgerflow.dev/ingest/tenancy"
	"ledgerflow.dev/ingest/worker"
)

// cfgFile holds the path to the configuration file specified via the
// --config flag. When empty, $HOME/.ingest.yaml and ./.ingest.yaml are
// searched.
var cfgFile string

// RootCmd runs the HTTP API server.
var RootCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Multi-tenant CSV ingestion and analytics service",
	Long: `ingest serves the job orchestration, dashboard, and ad-spend API.

The server accepts presigned-upload job submissions, enqueues processing
tasks onto the task broker, and serves analytical aggregations over the
ingested rows. Run "ingest worker" alongside it to process the queue.`,
	Run: runServer,
}

// workerCmd runs the chunk-worker pool consuming the ingestion queue.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the chunk-processing worker pool",
	Run:   runWorker,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.ingest.yaml)")
	RootCmd.PersistentFlags().String("port", "8080", "Server port")
	RootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	RootCmd.PersistentFlags().String("log-format", "text", "Log format: text or json")
	RootCmd.PersistentFlags().String("db-url", "", "Postgres connection string")
	RootCmd.PersistentFlags().String("queue-url", "", "Task broker (RabbitMQ) URL")
	RootCmd.PersistentFlags().String("queue-name", "ingest-tasks", "Task queue name")
	RootCmd.PersistentFlags().Int("queue-high-water", 10000, "Refuse new jobs above this queue depth")
	RootCmd.PersistentFlags().String("storage-endpoint", "", "Object store endpoint (blank for AWS)")
	RootCmd.PersistentFlags().String("storage-bucket", "", "Object store bucket")
	RootCmd.PersistentFlags().String("storage-access-key", "", "Object store access key")
	RootCmd.PersistentFlags().String("storage-secret-key", "", "Object store secret key")
	RootCmd.PersistentFlags().String("storage-region", "us-east-1", "Object store region")
	RootCmd.PersistentFlags().String("jwt-secret", "", "Bearer token signing secret")
	RootCmd.PersistentFlags().String("pipeline-mode", "in_memory", "Processing mode: in_memory or persisted_chunks")
	RootCmd.PersistentFlags().Int("worker-batch-size", 5000, "Rows per batch commit")
	RootCmd.PersistentFlags().Int64("worker-chunk-bytes", 8<<20, "Bytes per persisted chunk")
	RootCmd.PersistentFlags().Int("workers", 4, "Concurrent chunk workers")
	RootCmd.PersistentFlags().Int("worker-max-attempts", 5, "Retry cap for transient chunk failures")
	RootCmd.PersistentFlags().Duration("job-soft-timeout", time.Hour, "Soft processing time limit")
	RootCmd.PersistentFlags().Duration("job-hard-timeout", 70*time.Minute, "Hard processing time limit")
	RootCmd.PersistentFlags().String("upload-temp-dir", "", "Spool uploads to this directory instead of memory")

	viper.BindPFlag("port", RootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log.level", RootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", RootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("db.url", RootCmd.PersistentFlags().Lookup("db-url"))
	viper.BindPFlag("queue.url", RootCmd.PersistentFlags().Lookup("queue-url"))
	viper.BindPFlag("queue.name", RootCmd.PersistentFlags().Lookup("queue-name"))
	viper.BindPFlag("queue.high_water", RootCmd.PersistentFlags().Lookup("queue-high-water"))
	viper.BindPFlag("storage.endpoint", RootCmd.PersistentFlags().Lookup("storage-endpoint"))
	viper.BindPFlag("storage.bucket", RootCmd.PersistentFlags().Lookup("storage-bucket"))
	viper.BindPFlag("storage.access_key", RootCmd.PersistentFlags().Lookup("storage-access-key"))
	viper.BindPFlag("storage.secret_key", RootCmd.PersistentFlags().Lookup("storage-secret-key"))
	viper.BindPFlag("storage.region", RootCmd.PersistentFlags().Lookup("storage-region"))
	viper.BindPFlag("jwt.secret", RootCmd.PersistentFlags().Lookup("jwt-secret"))
	viper.BindPFlag("pipeline.mode", RootCmd.PersistentFlags().Lookup("pipeline-mode"))
	viper.BindPFlag("worker.batch_size", RootCmd.PersistentFlags().Lookup("worker-batch-size"))
	viper.BindPFlag("worker.chunk_bytes", RootCmd.PersistentFlags().Lookup("worker-chunk-bytes"))
	viper.BindPFlag("worker.count", RootCmd.PersistentFlags().Lookup("workers"))
	viper.BindPFlag("worker.max_attempts", RootCmd.PersistentFlags().Lookup("worker-max-attempts"))
	viper.BindPFlag("job.soft_timeout", RootCmd.PersistentFlags().Lookup("job-soft-timeout"))
	viper.BindPFlag("job.hard_timeout", RootCmd.PersistentFlags().Lookup("job-hard-timeout"))
	viper.BindPFlag("upload.temp_dir", RootCmd.PersistentFlags().Lookup("upload-temp-dir"))

	RootCmd.AddCommand(workerCmd)
}

// initConfig reads the config file and environment variables. Environment
// variables use the INGEST_ prefix with dots replaced by underscores
// (db.url -> INGEST_DB_URL).
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".ingest")
	}

	viper.SetEnvPrefix("INGEST")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		common.Logger.WithField("file", viper.ConfigFileUsed()).Info("loaded config file")
	}
}

// loadConfig snapshots and validates the resolved configuration, and
// applies the logging settings.
func loadConfig() (config.Config, error) {
	cfg := config.FromViper(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	common.ConfigureLogger(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func jobConfig(p config.Pipeline) jobs.Config {
	return jobs.Config{
		Mode:             jobs.Mode(p.Mode),
		BatchSize:        p.BatchSize,
		ChunkBytes:       p.ChunkBytes,
		UploadTTL:        15 * time.Minute,
		QueueHighWater:   p.QueueHighWater,
		MaxChunkAttempts: p.MaxAttempts,
		SoftTimeout:      p.SoftTimeout,
		HardTimeout:      p.HardTimeout,
		TempDir:          p.TempDir,
	}
}

// dependencies holds the shared infrastructure both processes wire up.
type dependencies struct {
	db    *tenancy.DB
	store *objectstore.S3Store
	queue *queue.RabbitMQService
}

func buildDependencies(ctx context.Context, cfg config.Config) (*dependencies, error) {
	db, err := tenancy.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	store, err := objectstore.New(ctx, objectstore.Config{
		Endpoint:  cfg.Storage.Endpoint,
		Bucket:    cfg.Storage.Bucket,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Region:    cfg.Storage.Region,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("configure object store: %w", err)
	}
	common.Logger.WithFields(map[string]interface{}{
		"bucket":     cfg.Storage.Bucket,
		"access_key": common.MaskSecret(cfg.Storage.AccessKey),
	}).Info("object store configured")

	rabbit, err := queue.NewRabbitMQService(queue.Config{
		URL:       cfg.Queue.URL,
		QueueName: cfg.Queue.Name,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to task broker: %w", err)
	}

	return &dependencies{db: db, store: store, queue: rabbit}, nil
}

func (d *dependencies) Close() {
	d.queue.Close()
	d.db.Close()
}

// runServer wires the API process and blocks until SIGINT/SIGTERM, then
// shuts down gracefully.
func runServer(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		common.Logger.WithError(err).Fatal("invalid configuration")
	}

	deps, err := buildDependencies(ctx, cfg)
	if err != nil {
		common.Logger.WithError(err).Fatal("failed to initialize services")
	}
	defer deps.Close()

	orch := jobs.NewOrchestrator(deps.db, deps.store, deps.queue, deps.queue, jobConfig(cfg.Pipeline))

	e := echo.New()
	e.HideBanner = true
	handlers := &api.Handlers{
		DB:           deps.db,
		Orchestrator: orch,
		Users:        auth.NewUserStore(deps.db.Pool()),
		Queue:        deps.queue,
		TopProducts:  10,
	}
	api.SetupRoutes(e, handlers, api.Config{JWTSecret: cfg.JWTSecret})

	go func() {
		addr := ":" + cfg.Port
		common.Logger.WithField("addr", addr).Info("starting API server")
		if err := e.Start(addr); err != nil {
			common.Logger.WithError(err).Info("server stopped")
		}
	}()

	waitForSignal()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		common.Logger.WithError(err).Error("forced shutdown")
	}
	common.Logger.Info("server exited")
}

// runWorker wires the chunk-worker pool and blocks until SIGINT/SIGTERM.
func runWorker(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		common.Logger.WithError(err).Fatal("invalid configuration")
	}

	deps, err := buildDependencies(ctx, cfg)
	if err != nil {
		common.Logger.WithError(err).Fatal("failed to initialize services")
	}
	defer deps.Close()

	chunkWorker := jobs.NewChunkWorker(deps.db, deps.store, deps.queue, jobConfig(cfg.Pipeline))
	pool := worker.NewPool(deps.queue, chunkWorker, worker.Config{
		Workers:     cfg.Pipeline.Workers,
		ConsumerTag: "ingest-worker",
	})

	if err := pool.Start(ctx); err != nil {
		common.Logger.WithError(err).Fatal("failed to start worker pool")
	}

	waitForSignal()
	pool.Stop()
	common.Logger.Info("worker exited")
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	common.Logger.Info("shutdown signal received")
}

// Package config resolves the typed runtime configuration shared by the
// API server and the worker from the viper state the CLI binds flags,
// environment variables, and the config file into.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is everything one process needs to start.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	DatabaseURL string
	JWTSecret   string

	Storage  Storage
	Queue    Queue
	Pipeline Pipeline
}

// Storage carries the object store credentials and bucket.
type Storage struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
}

// Queue carries the task broker connection parameters.
type Queue struct {
	URL  string
	Name string
}

// Pipeline carries the job/worker processing settings.
type Pipeline struct {
	Mode           string
	BatchSize      int
	ChunkBytes     int64
	Workers        int
	SoftTimeout    time.Duration
	HardTimeout    time.Duration
	QueueHighWater int
	MaxAttempts    int
	TempDir        string
}

// FromViper reads the resolved configuration out of v. Keys follow the
// dotted names the CLI binds (db.url, storage.bucket, pipeline.mode, ...).
func FromViper(v *viper.Viper) Config {
	return Config{
		Port:        v.GetString("port"),
		LogLevel:    v.GetString("log.level"),
		LogFormat:   v.GetString("log.format"),
		DatabaseURL: v.GetString("db.url"),
		JWTSecret:   v.GetString("jwt.secret"),
		Storage: Storage{
			Endpoint:  v.GetString("storage.endpoint"),
			Bucket:    v.GetString("storage.bucket"),
			AccessKey: v.GetString("storage.access_key"),
			SecretKey: v.GetString("storage.secret_key"),
			Region:    v.GetString("storage.region"),
		},
		Queue: Queue{
			URL:  v.GetString("queue.url"),
			Name: v.GetString("queue.name"),
		},
		Pipeline: Pipeline{
			Mode:           v.GetString("pipeline.mode"),
			BatchSize:      v.GetInt("worker.batch_size"),
			ChunkBytes:     v.GetInt64("worker.chunk_bytes"),
			Workers:        v.GetInt("worker.count"),
			SoftTimeout:    v.GetDuration("job.soft_timeout"),
			HardTimeout:    v.GetDuration("job.hard_timeout"),
			QueueHighWater: v.GetInt("queue.high_water"),
			MaxAttempts:    v.GetInt("worker.max_attempts"),
			TempDir:        v.GetString("upload.temp_dir"),
		},
	}
}

// Validate checks the invariants both processes need before connecting
// anywhere, collecting every problem rather than stopping at the first.
func (c Config) Validate() error {
	var problems []string
	require := func(field, value string) {
		if value == "" {
			problems = append(problems, field+" is required")
		}
	}

	require("db.url", c.DatabaseURL)
	require("jwt.secret", c.JWTSecret)
	require("queue.url", c.Queue.URL)
	require("queue.name", c.Queue.Name)
	require("storage.bucket", c.Storage.Bucket)

	if c.Pipeline.Mode != "in_memory" && c.Pipeline.Mode != "persisted_chunks" {
		problems = append(problems, "pipeline.mode must be in_memory or persisted_chunks")
	}
	if c.Pipeline.BatchSize <= 0 {
		problems = append(problems, "worker.batch_size must be positive")
	}
	if c.Pipeline.Mode == "persisted_chunks" && c.Pipeline.ChunkBytes <= 0 {
		problems = append(problems, "worker.chunk_bytes must be positive in persisted_chunks mode")
	}
	if c.Pipeline.HardTimeout > 0 && c.Pipeline.SoftTimeout > c.Pipeline.HardTimeout {
		problems = append(problems, "job.soft_timeout must not exceed job.hard_timeout")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

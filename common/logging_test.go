package common

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputSplitter_RoutesByLevel(t *testing.T) {
	var stdout, stderr bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&OutputSplitter{Stdout: &stdout, Stderr: &stderr})
	logger.SetFormatter(&logrus.TextFormatter{DisableColors: true})

	logger.Info("upload accepted")
	logger.Error("batch commit failed")

	assert.Contains(t, stdout.String(), "upload accepted")
	assert.NotContains(t, stdout.String(), "batch commit failed")
	assert.Contains(t, stderr.String(), "batch commit failed")
}

func TestOutputSplitter_JSONFormat(t *testing.T) {
	var stdout, stderr bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&OutputSplitter{Stdout: &stdout, Stderr: &stderr})
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.Error("chunk failed")

	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), "chunk failed")
}

func TestContextLogger_CarriesFields(t *testing.T) {
	var out bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&out)
	logger.SetFormatter(&logrus.JSONFormatter{})

	log := NewContextLogger(logger, map[string]interface{}{"worker_id": 3})
	log.WithFields(map[string]interface{}{"job_id": "j-1", "owner": 42}).Info("task processed")

	line := out.String()
	require.Contains(t, line, `"worker_id":3`)
	assert.Contains(t, line, `"job_id":"j-1"`)
	assert.Contains(t, line, `"owner":42`)
}

func TestContextLogger_WithDoesNotMutateReceiver(t *testing.T) {
	var out bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&out)
	logger.SetFormatter(&logrus.JSONFormatter{})

	base := NewContextLogger(logger, map[string]interface{}{"worker_id": 1})
	_ = base.WithField("job_id", "j-9")
	base.Info("idle")

	assert.NotContains(t, out.String(), "j-9")
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "<not set>", MaskSecret(""))
	assert.Equal(t, "***", MaskSecret("short"))
	assert.Equal(t, "mini...retK", MaskSecret("minioAccessSecretK"))
}

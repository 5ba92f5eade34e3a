package jobs

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerflow.dev/ingest/apierr"
	"ledgerflow.dev/ingest/model"
	"ledgerflow.dev/ingest/queue"
)

func TestSliceStream_LineBoundaries(t *testing.T) {
	csv := "date,product,revenue\n" +
		"2024-01-01,P1,100\n" +
		"2024-01-02,P2,200\n" +
		"2024-01-03,P3,300\n"

	var slices [][]byte
	err := sliceStream(strings.NewReader(csv), 30, func(index int, data []byte) error {
		assert.Equal(t, len(slices), index)
		slices = append(slices, data)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, slices)

	// Every slice is independently parseable: header first, whole lines only.
	total := 0
	for _, s := range slices {
		lines := strings.Split(strings.TrimRight(string(s), "\n"), "\n")
		assert.Equal(t, "date,product,revenue", lines[0])
		for _, line := range lines {
			assert.True(t, strings.HasSuffix(string(s), "\n"))
			assert.NotEmpty(t, line)
		}
		total += len(lines) - 1
	}
	assert.Equal(t, 3, total)
}

func TestSliceStream_HeaderOnlyEmitsNothing(t *testing.T) {
	calls := 0
	err := sliceStream(strings.NewReader("date,product,revenue\n"), 1024, func(int, []byte) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, calls)
}

func TestSliceStream_EmptyUploadRejected(t *testing.T) {
	err := sliceStream(strings.NewReader(""), 1024, func(int, []byte) error { return nil })
	require.Error(t, err)
	var apiErr *apierr.Error
	require.True(t, apierr.As(err, &apiErr))
	assert.Equal(t, apierr.Validation, apiErr.Kind)
}

func TestSliceStream_NoTrailingNewline(t *testing.T) {
	csv := "date,product\n2024-01-01,P1"
	var slices [][]byte
	err := sliceStream(strings.NewReader(csv), 1<<20, func(index int, data []byte) error {
		slices = append(slices, data)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, slices, 1)
	assert.Contains(t, string(slices[0]), "2024-01-01,P1")
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, isPermanent(errSoftTimeout))
	assert.True(t, isPermanent(apierr.New(apierr.Validation, "bad header")))
	assert.False(t, isPermanent(apierr.New(apierr.Storage, "connection reset")))
	assert.False(t, isPermanent(errors.New("plain failure")))
}

func TestDecodeTask_RoundTrip(t *testing.T) {
	task := queue.IngestTask{
		JobID:      uuid.New(),
		Owner:      7,
		DatasetID:  3,
		Type:       model.DatasetTypeTransaction,
		StorageKey: "uploads/7/abc",
		ChunkIndex: -1,
	}
	body, err := encodeTask(task)
	require.NoError(t, err)

	var decoded queue.IngestTask
	require.NoError(t, decodeTask(body, &decoded))
	assert.Equal(t, task.JobID, decoded.JobID)
	assert.Equal(t, task.Owner, decoded.Owner)
	assert.False(t, decoded.IsChunk())
}

func TestDecodeTask_Malformed(t *testing.T) {
	var task queue.IngestTask
	err := decodeTask([]byte("{not json"), &task)
	require.Error(t, err)
	var apiErr *apierr.Error
	require.True(t, apierr.As(err, &apiErr))
	assert.Equal(t, apierr.Validation, apiErr.Kind)
}

func TestMarshalErrors_NilBecomesEmptyArray(t *testing.T) {
	out, err := marshalErrors(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", out)

	out, err = marshalErrors([]model.JobError{{ChunkIndex: 2, Reason: "truncated"}})
	require.NoError(t, err)
	assert.Contains(t, out, `"chunk_index":2`)
	assert.Contains(t, out, "truncated")
}

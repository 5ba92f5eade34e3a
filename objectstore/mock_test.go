package objectstore

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	require.NoError(t, store.Put(ctx, "uploads/1/a", "text/csv", bytes.NewReader([]byte("date,product\n"))))

	body, err := store.StreamGet(ctx, "uploads/1/a")
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, "date,product\n", string(data))

	require.NoError(t, store.Delete(ctx, "uploads/1/a"))
	body, err = store.StreamGet(ctx, "uploads/1/a")
	require.NoError(t, err)
	data, _ = io.ReadAll(body)
	assert.Empty(t, data)
}

func TestMemStore_PresignPut(t *testing.T) {
	store := NewMemStore()
	url, err := store.PresignPut(context.Background(), "uploads/1/b", "text/csv", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://mem.local/uploads/1/b", url)
}

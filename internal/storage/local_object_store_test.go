package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestObjectStore(t *testing.T) (*LocalObjectStore, string) {
	t.Helper()
	dir := t.TempDir()
	objectStore, err := NewLocalObjectStore(dir)
	require.NoError(t, err)
	return objectStore, dir
}

func TestLocalObjectStore_PutGetObject(t *testing.T) {
	objectStore, baseDir := setupTestObjectStore(t)

	bucket := "transcripts"
	key := "owner/conversation.json"
	content := []byte(`{"id":"x"}`)

	require.NoError(t, objectStore.PutObject(context.Background(), bucket, key, bytes.NewReader(content)))

	data, err := os.ReadFile(filepath.Join(baseDir, bucket, key))
	require.NoError(t, err)
	assert.Equal(t, content, data)

	data, err = objectStore.GetObject(context.Background(), bucket, key)
	require.NoError(t, err)
	assert.Equal(t, content, data)

	require.NoError(t, objectStore.PutObject(context.Background(), bucket, key, bytes.NewReader([]byte("v2"))))
	data, err = objectStore.GetObject(context.Background(), bucket, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)

	entries, err := os.ReadDir(filepath.Join(baseDir, bucket, "owner"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLocalObjectStore_GetMissingObject(t *testing.T) {
	objectStore, _ := setupTestObjectStore(t)

	_, err := objectStore.GetObject(context.Background(), "bucket", "missing.json")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalObjectStore_CreateBucket(t *testing.T) {
	objectStore, baseDir := setupTestObjectStore(t)

	require.NoError(t, objectStore.CreateBucket(context.Background(), "transcripts"))
	require.NoError(t, objectStore.CreateBucket(context.Background(), "transcripts"))

	info, err := os.Stat(filepath.Join(baseDir, "transcripts"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLocalObjectStore_RejectsEscapingKeys(t *testing.T) {
	objectStore, _ := setupTestObjectStore(t)

	err := objectStore.PutObject(context.Background(), "bucket", "../../etc/passwd", bytes.NewReader([]byte("x")))
	assert.Error(t, err)
}

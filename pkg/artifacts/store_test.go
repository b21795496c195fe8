package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_PutGet(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	data := []byte(`{"format_version":"1.0.0"}`)

	hash, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "sha256:"))
	assert.Equal(t, ContentHash(data), hash)

	again, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, hash, again)

	got, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := s.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStore_Missing(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	missing := ContentHash([]byte("never stored"))

	_, err = s.Get(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_RejectsBadHash(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, h := range []string{"", "md5:abcd", "sha256:zz", "sha256:../../etc/passwd", "sha256:abcd"} {
		_, err := s.Get(ctx, h)
		assert.Error(t, err, h)
		assert.NotErrorIs(t, err, ErrNotFound, h)
	}
}

func TestNew_Backends(t *testing.T) {
	dir := t.TempDir()
	st, err := New(context.Background(), Config{Backend: BackendFS, DataDir: dir})
	require.NoError(t, err)
	fs, ok := st.(*FileStore)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "artifacts"), fs.baseDir)

	_, err = New(context.Background(), Config{Backend: BackendS3})
	assert.ErrorContains(t, err, "ARTIFACT_S3_BUCKET is required")

	_, err = New(context.Background(), Config{Backend: BackendGCS})
	assert.ErrorContains(t, err, "ARTIFACT_GCS_BUCKET is required")

	_, err = New(context.Background(), Config{Backend: "ftp"})
	assert.ErrorContains(t, err, "unsupported artifact storage type")
}

// TestS3Store_Integration runs against a real bucket when one is configured.
func TestS3Store_Integration(t *testing.T) {
	bucket := os.Getenv("QRGOV_TEST_S3_BUCKET")
	if bucket == "" {
		t.Skip("Skipping S3 integration test: QRGOV_TEST_S3_BUCKET not set")
	}
	ctx := context.Background()
	s, err := NewS3Store(ctx, S3Config{
		Bucket:   bucket,
		Region:   "us-east-1",
		Endpoint: os.Getenv("QRGOV_TEST_S3_ENDPOINT"),
		Prefix:   "qrgov-test/",
	})
	require.NoError(t, err)

	data := []byte(`{"sample":true}`)
	hash, err := s.Put(ctx, data)
	require.NoError(t, err)
	got, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

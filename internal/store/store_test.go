package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-cli/internal/session"
)

func TestOpen_SQLiteMigrates(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, "", filepath.Join(t.TempDir(), "open.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck

	n, err := s.CountDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "dsn", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown driver "mysql"`)
}

func TestOpen_BadPostgresDSN(t *testing.T) {
	_, err := Open(context.Background(), DriverPostgres, "://not a dsn", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: parse config")
}

func TestSessionBlobs_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	var blobs session.BlobStore = SessionBlobs(st)
	ctx := context.Background()

	require.NoError(t, blobs.Put(ctx, "site", []byte("blob")))
	data, err := blobs.Get(ctx, "site")
	require.NoError(t, err)
	assert.Equal(t, "blob", string(data))

	require.NoError(t, blobs.Delete(ctx, "site"))
	data, err = blobs.Get(ctx, "site")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestListLimit(t *testing.T) {
	assert.Equal(t, defaultListLimit, listLimit(0))
	assert.Equal(t, defaultListLimit, listLimit(-3))
	assert.Equal(t, 7, listLimit(7))
}

package querycache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestCache(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "queries")
	c, err := New(dir)
	require.NoError(t, err)

	_, err = c.Get("/api/v1/funds/watchlist")
	require.True(t, trace.IsNotFound(err))

	require.NoError(t, c.Put("/api/v1/funds/watchlist", []byte(`[{"code":"0050"}]`)))
	require.NoError(t, c.Put("/api/v1/funds/watchlist?page=2", []byte(`[]`)))
	require.Equal(t, 2, c.Len())

	e, err := c.Get("/api/v1/funds/watchlist")
	require.NoError(t, err)
	require.Equal(t, "/api/v1/funds/watchlist", e.Key)
	require.JSONEq(t, `[{"code":"0050"}]`, string(e.Body))
	require.False(t, e.FetchedAt.IsZero())

	// a second handle on the same dir sees the persisted data
	reopened, err := New(dir)
	require.NoError(t, err)
	require.Equal(t, 2, reopened.Len())

	require.NoError(t, c.Purge())
	require.Zero(t, c.Len())
	_, err = reopened.Get("/api/v1/funds/watchlist")
	require.True(t, trace.IsNotFound(err))

	require.NoError(t, c.Purge(), "purging an empty cache is a no-op")
}

func TestCache_CorruptEntry(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, fileName("k")), []byte("{oops"), 0o600))
	_, err = c.Get("k")
	require.Error(t, err)
	require.False(t, trace.IsNotFound(err))
}

func TestNew_RequiresDir(t *testing.T) {
	_, err := New("")
	require.True(t, trace.IsBadParameter(err))
}

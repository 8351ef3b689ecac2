package fetcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vcpd/internal/vcperr"
)

type fakeDistributed struct {
	sessions bool
	files    map[string][]byte
	mime     string
	calls    int
}

func (d *fakeDistributed) HasSessions() bool { return d.sessions }

func (d *fakeDistributed) FetchFile(_ context.Context, path string) ([]byte, string, error) {
	d.calls++
	if data, ok := d.files[path]; ok {
		return data, d.mime, nil
	}
	return nil, "", errors.New("no worker has file")
}

func newFetcher(t *testing.T, distributed Distributed) *Fetcher {
	t.Helper()
	return New(Config{CacheDir: filepath.Join(t.TempDir(), "cache")}, distributed, nil, nil)
}

func TestFetchLocalFileAndCache(t *testing.T) {
	f := newFetcher(t, nil)
	path := filepath.Join(t.TempDir(), "note.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	res, err := f.Fetch(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), res.Data)
	assert.Equal(t, "text/plain", res.Mime)
	assert.Equal(t, 5, res.Size)
	assert.False(t, res.FromCache)
	assert.Equal(t, SourceLocal, res.Source)

	// Remove the original; the cache layer must now serve it.
	require.NoError(t, os.Remove(path))
	res, err = f.Fetch(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), res.Data)
	assert.True(t, res.FromCache)
	assert.Equal(t, SourceLocal, res.Source)
}

func TestFetchNormalizesFileScheme(t *testing.T) {
	f := newFetcher(t, nil)
	path := filepath.Join(t.TempDir(), "doc.md")
	require.NoError(t, os.WriteFile(path, []byte("# hi"), 0o644))

	res, err := f.Fetch(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, []byte("# hi"), res.Data)
	assert.Equal(t, "text/markdown", res.Mime)
}

func TestFetchDistributedLayer(t *testing.T) {
	dist := &fakeDistributed{
		sessions: true,
		files:    map[string][]byte{"/remote/pic.png": {1, 2, 3}},
		mime:     "image/png",
	}
	f := newFetcher(t, dist)

	res, err := f.Fetch(context.Background(), "/remote/pic.png")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, res.Data)
	assert.Equal(t, "image/png", res.Mime)
	assert.Equal(t, SourceDistributed, res.Source)

	// Second fetch is served from cache without another worker call.
	res, err = f.Fetch(context.Background(), "/remote/pic.png")
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	assert.Equal(t, 1, dist.calls)
}

func TestFetchSkipsDistributedWithoutSessions(t *testing.T) {
	dist := &fakeDistributed{sessions: false, files: map[string][]byte{"/x": {1}}}
	f := newFetcher(t, dist)

	_, err := f.Fetch(context.Background(), "/x")
	require.Error(t, err)
	assert.Zero(t, dist.calls)
}

func TestFetchAllLayersMiss(t *testing.T) {
	f := newFetcher(t, &fakeDistributed{sessions: true})

	_, err := f.Fetch(context.Background(), "/nowhere/gone.bin")
	require.Error(t, err)
	assert.True(t, vcperr.IsKind(err, vcperr.KindToolExecution))
	assert.Equal(t, "/nowhere/gone.bin", vcperr.Detail(err, "path"))
}

func TestClearCache(t *testing.T) {
	f := newFetcher(t, nil)
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	_, err := f.Fetch(context.Background(), path)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	require.NoError(t, f.ClearCache())

	_, err = f.Fetch(context.Background(), path)
	assert.Error(t, err)
	assert.Zero(t, f.Stats().CachedFiles)
}

func TestStats(t *testing.T) {
	f := newFetcher(t, nil)
	path := filepath.Join(t.TempDir(), "s.txt")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	_, err := f.Fetch(context.Background(), path)
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), path)
	require.NoError(t, err)

	stats := f.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
	assert.Equal(t, 1, stats.CachedFiles)
	assert.Equal(t, int64(3), stats.CachedBytes)
}

func TestMimeTable(t *testing.T) {
	assert.Equal(t, "application/json", mimeFor("/a/b.JSON"))
	assert.Equal(t, "audio/mpeg", mimeFor("song.mp3"))
	assert.Equal(t, "application/octet-stream", mimeFor("blob.weird"))
}

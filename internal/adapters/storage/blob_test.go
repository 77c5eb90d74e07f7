package storage

import (
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudmover/mover/internal/core/services"
	"github.com/cloudmover/mover/internal/util/hashing"
)

func TestBlobStore_WriteAndOpen(t *testing.T) {
	store := NewBlobStore(afero.NewMemMapFs())

	content := []byte("hello world")
	blob, err := store.Write(content)
	require.NoError(t, err)

	assert.Equal(t, int64(len(content)), blob.Size)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", blob.Checksum)
	assert.True(t, isLocation(blob.Location))
	assert.True(t, store.Exists(blob.Location))

	rc, err := store.Open(blob.Location)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestBlobStore_SameContentGetsDistinctLocations(t *testing.T) {
	store := NewBlobStore(afero.NewMemMapFs())

	a, err := store.Write([]byte("same"))
	require.NoError(t, err)
	b, err := store.Write([]byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, a.Location, b.Location)
	assert.Equal(t, a.Checksum, b.Checksum)

	blobs, err := store.ListBlobs()
	require.NoError(t, err)
	assert.Len(t, blobs, 2)
}

func TestBlobStore_Remove(t *testing.T) {
	store := NewBlobStore(afero.NewMemMapFs())

	blob, err := store.Write([]byte("to be deleted"))
	require.NoError(t, err)

	r := store.Remove(blob.Location)
	assert.True(t, r.OK())
	assert.False(t, r.Missing)
	assert.False(t, store.Exists(blob.Location))

	again := store.Remove(blob.Location)
	assert.True(t, again.OK(), "removing a missing blob is not an error")
	assert.True(t, again.Missing)
}

func TestBlobStore_RemoveRejectsTraversal(t *testing.T) {
	store := NewBlobStore(afero.NewMemMapFs())

	r := store.Remove("../registry.db")
	assert.False(t, r.OK())
}

func TestBlobStore_OpenMissing(t *testing.T) {
	store := NewBlobStore(afero.NewMemMapFs())

	_, err := store.Open("00000000000000000000000000000000")
	assert.ErrorIs(t, err, services.ErrNotFound)

	_, err = store.Open("not-a-location")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestBlobStore_ReadOnlyFilesystem(t *testing.T) {
	mem := afero.NewMemMapFs()
	store := NewBlobStore(afero.NewReadOnlyFs(mem))

	_, err := store.Write([]byte("nope"))
	require.Error(t, err)

	blobs, err := NewBlobStore(mem).ListBlobs()
	require.NoError(t, err)
	assert.Empty(t, blobs)
}

func TestBlobStore_NoTempFilesLeft(t *testing.T) {
	mem := afero.NewMemMapFs()
	store := NewBlobStore(mem)

	_, err := store.Write([]byte("atomic test"))
	require.NoError(t, err)

	entries, err := afero.ReadDir(mem, tmpDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBlobStore_PruneTemp(t *testing.T) {
	mem := afero.NewMemMapFs()
	store := NewBlobStore(mem)

	stale := filepath.Join(tmpDir, tmpPrefix+"crashed")
	fresh := filepath.Join(tmpDir, tmpPrefix+"writing")
	foreign := filepath.Join(tmpDir, "notes.txt")
	for _, p := range []string{stale, fresh, foreign} {
		require.NoError(t, afero.WriteFile(mem, p, []byte("partial"), 0o644))
	}
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, mem.Chtimes(stale, old, old))
	require.NoError(t, mem.Chtimes(foreign, old, old))

	n, err := store.PruneTemp(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ok, _ := afero.Exists(mem, stale)
	assert.False(t, ok)
	ok, _ = afero.Exists(mem, fresh)
	assert.True(t, ok, "a write still in progress must survive")
	ok, _ = afero.Exists(mem, foreign)
	assert.True(t, ok)

	n, err = NewBlobStore(afero.NewMemMapFs()).PruneTemp(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBlobStore_ListSkipsForeignFiles(t *testing.T) {
	mem := afero.NewMemMapFs()
	store := NewBlobStore(mem)

	blob, err := store.Write([]byte("file1"))
	require.NoError(t, err)

	shard := filepath.Join(blobsDir, hashing.BlobDir(blob.Location))
	require.NoError(t, afero.WriteFile(mem, filepath.Join(shard, "README"), []byte("x"), 0o644))
	require.NoError(t, afero.WriteFile(mem, filepath.Join(blobsDir, "stray"), []byte("x"), 0o644))

	blobs, err := store.ListBlobs()
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.Equal(t, blob.Location, blobs[0].Location)
	assert.Equal(t, int64(5), blobs[0].Size)
	assert.WithinDuration(t, time.Now(), blobs[0].ModTime, time.Minute)
}

func TestBlobStore_ConcurrentWrites(t *testing.T) {
	store := NewBlobStore(afero.NewMemMapFs())

	const workers = 8
	locations := make(chan string, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			blob, err := store.Write([]byte("same-content"))
			if err != nil {
				t.Errorf("Write: %v", err)
				return
			}
			locations <- blob.Location
		}()
	}
	wg.Wait()
	close(locations)

	seen := make(map[string]bool)
	for loc := range locations {
		seen[loc] = true
	}
	assert.Len(t, seen, workers)
}

func TestNewDiskBlobStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewDiskBlobStore(dir)
	require.NoError(t, err)

	blob, err := store.Write([]byte("on disk"))
	require.NoError(t, err)

	path := filepath.Join(dir, blobsDir, hashing.BlobDir(blob.Location), blob.Location)
	ok, err := afero.Exists(afero.NewOsFs(), path)
	require.NoError(t, err)
	assert.True(t, ok)
}

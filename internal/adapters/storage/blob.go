package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/cloudmover/mover/internal/core/services"
	"github.com/cloudmover/mover/internal/util/hashing"
)

const (
	blobsDir  = "blobs"
	tmpDir    = "tmp"
	tmpPrefix = "upload-"
)

// BlobStore keeps artifact payloads under randomly named files, sharded by
// the first two characters of the name.
type BlobStore struct {
	fs afero.Fs
}

// NewBlobStore wraps an existing filesystem. Directories are created lazily.
func NewBlobStore(fsys afero.Fs) *BlobStore {
	return &BlobStore{fs: fsys}
}

// NewDiskBlobStore roots a BlobStore at dataDir on the host filesystem.
func NewDiskBlobStore(dataDir string) (*BlobStore, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, blobsDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return NewBlobStore(afero.NewBasePathFs(afero.NewOsFs(), dataDir)), nil
}

// Write persists data under a fresh location. The payload goes to a temp file
// first and is renamed into place, so a failed write never leaves a partial
// blob at a real location.
func (s *BlobStore) Write(data []byte) (services.StoredBlob, error) {
	if err := s.fs.MkdirAll(tmpDir, 0o755); err != nil {
		return services.StoredBlob{}, fmt.Errorf("creating temp directory: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, tmpDir, tmpPrefix+"*")
	if err != nil {
		return services.StoredBlob{}, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			s.fs.Remove(tmpPath)
		}
	}()

	hw := newHashingWriter(tmp)
	if _, err := hw.Write(data); err != nil {
		return services.StoredBlob{}, fmt.Errorf("writing blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return services.StoredBlob{}, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return services.StoredBlob{}, fmt.Errorf("closing temp file: %w", err)
	}

	name := newLocation()
	dir := filepath.Join(blobsDir, hashing.BlobDir(name))
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return services.StoredBlob{}, fmt.Errorf("creating blob subdirectory: %w", err)
	}
	if err := s.fs.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		return services.StoredBlob{}, fmt.Errorf("moving blob to final path: %w", err)
	}

	success = true
	return services.StoredBlob{Location: name, Checksum: hw.Hash(), Size: hw.total}, nil
}

// Open returns a reader for the blob at location.
func (s *BlobStore) Open(location string) (io.ReadCloser, error) {
	if !isLocation(location) {
		return nil, fmt.Errorf("%w: blob %q", services.ErrNotFound, location)
	}
	f, err := s.fs.Open(s.path(location))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: blob %s", services.ErrNotFound, location)
		}
		return nil, fmt.Errorf("opening blob: %w", err)
	}
	return f, nil
}

// Exists checks if a blob exists. It is not part of services.BlobStorage;
// the request path always opens the blob instead, so only tests use it.
func (s *BlobStore) Exists(location string) bool {
	if !isLocation(location) {
		return false
	}
	_, err := s.fs.Stat(s.path(location))
	return err == nil
}

// Remove deletes the blob at location. A blob that is already gone counts as
// removed.
func (s *BlobStore) Remove(location string) services.Removal {
	r := services.Removal{Location: location}
	if !isLocation(location) {
		r.Err = fmt.Errorf("refusing to remove malformed location %q", location)
		return r
	}
	err := s.fs.Remove(s.path(location))
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		r.Missing = true
	default:
		r.Err = fmt.Errorf("removing blob: %w", err)
	}
	return r
}

// ListBlobs walks the shard directories and returns every well-formed blob.
func (s *BlobStore) ListBlobs() ([]services.BlobInfo, error) {
	shards, err := afero.ReadDir(s.fs, blobsDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading blob directory: %w", err)
	}

	var blobs []services.BlobInfo
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		entries, err := afero.ReadDir(s.fs, filepath.Join(blobsDir, shard.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading blob subdirectory: %w", err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasPrefix(name, shard.Name()) || !isLocation(name) {
				continue
			}
			blobs = append(blobs, services.BlobInfo{
				Location: name,
				Size:     entry.Size(),
				ModTime:  entry.ModTime(),
			})
		}
	}
	return blobs, nil
}

// PruneTemp removes temp files a crashed Write left behind once they are older
// than grace. Younger files may belong to a write still in progress.
func (s *BlobStore) PruneTemp(grace time.Duration) (int, error) {
	entries, err := afero.ReadDir(s.fs, tmpDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading temp directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), tmpPrefix) || time.Since(entry.ModTime()) < grace {
			continue
		}
		err := s.fs.Remove(filepath.Join(tmpDir, entry.Name()))
		switch {
		case err == nil:
			removed++
		case errors.Is(err, fs.ErrNotExist):
		default:
			return removed, fmt.Errorf("removing temp file: %w", err)
		}
	}
	return removed, nil
}

func (s *BlobStore) path(location string) string {
	return filepath.Join(blobsDir, hashing.BlobDir(location), location)
}

func newLocation() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// isLocation reports whether v looks like a name produced by newLocation.
// Anything else could escape the blob directory.
func isLocation(v string) bool {
	if len(v) != 32 {
		return false
	}
	for i := 0; i < len(v); i++ {
		ch := v[i]
		if (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f') {
			continue
		}
		return false
	}
	return true
}

// Package artifacts binds codes to uploaded blobs and enforces their expiry.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/cloudmover/mover/internal/core/models"
	"github.com/cloudmover/mover/internal/core/services"
	"github.com/cloudmover/mover/internal/util/logging"
)

// Store is the only component that creates or deletes blob files. It keeps
// the blob and its metadata record in step: a blob is written before its
// record commits, and a superseded blob is removed only after the record
// that replaced it has committed.
type Store struct {
	blobs   services.BlobStorage
	records services.ArtifactRecords
	logger  zerolog.Logger
	now     func() time.Time
}

// NewStore creates a Store.
func NewStore(blobs services.BlobStorage, records services.ArtifactRecords, logger zerolog.Logger) *Store {
	return &Store{
		blobs:   blobs,
		records: records,
		logger:  logger,
		now:     time.Now,
	}
}

// Create writes data and binds it to a code that has never been issued.
// A code collision is reported as services.ErrConflict and leaves no blob
// behind.
func (s *Store) Create(ctx context.Context, code string, data []byte, ttl time.Duration) (*models.Artifact, error) {
	a, _, err := s.put(ctx, code, data, ttl, func(a *models.Artifact) (*models.Artifact, error) {
		return nil, s.records.CreateArtifact(ctx, a)
	})
	return a, err
}

// Replace writes data and rebinds the live artifact under code to it. If any
// step fails the existing artifact stays as it was.
func (s *Store) Replace(ctx context.Context, code string, data []byte, ttl time.Duration) (*models.Artifact, *models.Artifact, error) {
	return s.put(ctx, code, data, ttl, func(a *models.Artifact) (*models.Artifact, error) {
		return s.records.ReplaceArtifact(ctx, a, a.CreatedAt)
	})
}

// put persists data as a new blob and runs commit to bind it. The new blob is
// removed when commit fails; the superseded one is removed when it succeeds.
func (s *Store) put(ctx context.Context, code string, data []byte, ttl time.Duration, commit func(*models.Artifact) (*models.Artifact, error)) (*models.Artifact, *models.Artifact, error) {
	if ttl <= 0 {
		return nil, nil, fmt.Errorf("%w: ttl must be positive", services.ErrValidation)
	}

	blob, err := s.blobs.Write(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: writing blob: %w", services.ErrStorage, err)
	}

	created := s.now().UTC().Truncate(time.Millisecond)
	a := &models.Artifact{
		Code:            code,
		StorageLocation: blob.Location,
		Size:            blob.Size,
		Checksum:        blob.Checksum,
		ContentType:     mimetype.Detect(data).String(),
		CreatedAt:       created,
		ExpiresAt:       created.Add(ttl),
	}

	old, err := commit(a)
	if err != nil {
		s.discard(ctx, blob.Location, "discarding uncommitted blob")
		return nil, nil, services.StorageFailure("committing artifact", err)
	}

	if old != nil && old.StorageLocation != a.StorageLocation {
		s.discard(ctx, old.StorageLocation, "removing superseded blob")
	}
	return a, old, nil
}

// Get returns the artifact for code if it has not expired. Expired records
// are absent here whether or not the reaper has run.
func (s *Store) Get(ctx context.Context, code string) (*models.Artifact, error) {
	a, err := s.records.GetArtifact(ctx, code, s.now())
	if err != nil {
		return nil, services.StorageFailure("getting artifact", err)
	}
	return a, nil
}

// openAttempts bounds how often Open follows a record to a new blob.
const openAttempts = 8

// Open resolves code and opens its blob. A blob that vanishes under a record
// is normal while a Replace or a sweep commits, so the record is read again:
// a moved location is followed and a record that is gone is not found. Only a
// live record that still points at a missing blob is an integrity anomaly;
// it is logged and reported as both ErrIntegrity and ErrNotFound so callers
// can treat it as absent.
func (s *Store) Open(ctx context.Context, code string) (*models.Artifact, io.ReadCloser, error) {
	a, err := s.Get(ctx, code)
	if err != nil {
		return nil, nil, err
	}

	for attempt := 1; ; attempt++ {
		rc, err := s.blobs.Open(a.StorageLocation)
		if err == nil {
			return a, rc, nil
		}
		if !errors.Is(err, services.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: %w", services.ErrStorage, err)
		}

		current, err := s.Get(ctx, code)
		if err != nil {
			return nil, nil, err
		}
		if current.StorageLocation == a.StorageLocation {
			s.logger.Error().
				Str("request_id", logging.RequestID(ctx)).
				Str("code", code).
				Str("location", a.StorageLocation).
				Msg("live artifact has no blob")
			return a, nil, fmt.Errorf("%w: %w: artifact %s", services.ErrIntegrity, services.ErrNotFound, code)
		}
		if attempt == openAttempts {
			return nil, nil, fmt.Errorf("%w: artifact %s kept moving while opening", services.ErrStorage, code)
		}
		a = current
	}
}

// Delete removes the record and then the blob, reporting whether a record
// existed. Deleting an unknown code is not an error.
func (s *Store) Delete(ctx context.Context, code string) (bool, error) {
	a, err := s.records.DeleteArtifact(ctx, code)
	if err != nil {
		return false, services.StorageFailure("deleting artifact", err)
	}
	if a == nil {
		return false, nil
	}
	s.discard(ctx, a.StorageLocation, "removing deleted blob")
	return true, nil
}

// discard removes a blob and logs a failure instead of returning it.
func (s *Store) discard(ctx context.Context, location, msg string) {
	r := s.blobs.Remove(location)
	if r.OK() {
		return
	}
	s.logger.Warn().
		Err(r.Err).
		Str("request_id", logging.RequestID(ctx)).
		Str("location", location).
		Msg(msg)
}

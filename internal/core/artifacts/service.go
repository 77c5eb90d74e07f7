package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/cloudmover/mover/internal/core/audit"
	"github.com/cloudmover/mover/internal/core/codes"
	"github.com/cloudmover/mover/internal/core/models"
	"github.com/cloudmover/mover/internal/core/services"
	"github.com/cloudmover/mover/internal/util/logging"
)

// Limits bound what an upload may carry.
type Limits struct {
	MaxUploadSize int64
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
}

// Service is the upload and download surface over a Store.
type Service struct {
	store   *Store
	audit   *audit.Recorder
	metrics services.Metrics
	logger  zerolog.Logger
	limits  Limits
	gen     codes.Generator
}

// NewService creates a Service that issues codes with codes.Generate.
func NewService(store *Store, rec *audit.Recorder, metrics services.Metrics, limits Limits, logger zerolog.Logger) *Service {
	return &Service{
		store:   store,
		audit:   rec,
		metrics: metrics,
		logger:  logger,
		limits:  limits,
		gen:     codes.Generate,
	}
}

// Upload stores data under a freshly issued code.
func (s *Service) Upload(ctx context.Context, data []byte, ttlHours int) (*models.Artifact, error) {
	ttl, err := s.checkUpload(data, ttlHours)
	if err != nil {
		s.metrics.IncUploads(resultOf(err))
		return nil, err
	}

	var artifact *models.Artifact
	code, err := codes.Issue(ctx, s.gen, func(ctx context.Context, code string) error {
		a, err := s.store.Create(ctx, code, data, ttl)
		if err != nil {
			return err
		}
		artifact = a
		return nil
	})
	if err != nil {
		if errors.Is(err, services.ErrKeyspaceExhausted) {
			s.logger.Error().Err(err).Str("request_id", logging.RequestID(ctx)).Msg("code generation exhausted")
		}
		s.metrics.IncUploads(resultOf(err))
		return nil, err
	}

	s.audit.Record(ctx, models.ActionGenerate, code, nil)
	s.audit.Record(ctx, models.ActionUpload, code, map[string]any{
		"size":         artifact.Size,
		"content_type": artifact.ContentType,
		"expires_at":   artifact.ExpiresAt,
	})
	s.metrics.IncUploads("ok")
	s.logger.Info().
		Str("request_id", logging.RequestID(ctx)).
		Str("code", code).
		Int64("size", artifact.Size).
		Time("expires_at", artifact.ExpiresAt).
		Msg("artifact uploaded")
	return artifact, nil
}

// Replace swaps the payload of the live artifact under code and restarts its
// expiry. The old payload survives any failure.
func (s *Service) Replace(ctx context.Context, code string, data []byte, ttlHours int) (*models.Artifact, error) {
	if !codes.IsValid(code) {
		s.metrics.IncUploads("not_found")
		return nil, fmt.Errorf("%w: malformed code", services.ErrNotFound)
	}
	ttl, err := s.checkUpload(data, ttlHours)
	if err != nil {
		s.metrics.IncUploads(resultOf(err))
		return nil, err
	}

	artifact, old, err := s.store.Replace(ctx, code, data, ttl)
	if err != nil {
		s.metrics.IncUploads(resultOf(err))
		return nil, err
	}

	s.audit.Record(ctx, models.ActionReplace, code, map[string]any{
		"size":     artifact.Size,
		"old_size": old.Size,
	})
	s.metrics.IncUploads("replaced")
	s.logger.Info().
		Str("request_id", logging.RequestID(ctx)).
		Str("code", code).
		Int64("size", artifact.Size).
		Msg("artifact replaced")
	return artifact, nil
}

// Delete withdraws the artifact under code before its expiry. It is
// idempotent; only a removal that found a record is audited.
func (s *Service) Delete(ctx context.Context, code string) error {
	if !codes.IsValid(code) {
		return fmt.Errorf("%w: malformed code", services.ErrNotFound)
	}
	removed, err := s.store.Delete(ctx, code)
	if err != nil {
		return err
	}
	if removed {
		s.audit.Record(ctx, models.ActionDelete, code, nil)
		s.logger.Info().
			Str("request_id", logging.RequestID(ctx)).
			Str("code", code).
			Msg("artifact deleted")
	}
	return nil
}

// Download opens the live artifact under code. Malformed, unknown, expired
// and orphaned codes all come back as services.ErrNotFound.
func (s *Service) Download(ctx context.Context, code string) (*models.Artifact, io.ReadCloser, error) {
	if !codes.IsValid(code) {
		s.metrics.IncDownloads("artifact", "not_found")
		return nil, nil, fmt.Errorf("%w: malformed code", services.ErrNotFound)
	}

	a, rc, err := s.store.Open(ctx, code)
	if err != nil {
		if errors.Is(err, services.ErrIntegrity) {
			s.metrics.IncIntegrityAnomalies()
			s.audit.Record(ctx, models.ActionIntegrity, code, map[string]any{"location": a.StorageLocation})
		}
		s.metrics.IncDownloads("artifact", resultOf(err))
		return nil, nil, err
	}

	s.audit.Record(ctx, models.ActionDownload, code, map[string]any{"size": a.Size})
	s.metrics.IncDownloads("artifact", "ok")
	return a, rc, nil
}

// Status reports the live artifact under code without opening its blob.
func (s *Service) Status(ctx context.Context, code string) (*models.Artifact, error) {
	if !codes.IsValid(code) {
		return nil, fmt.Errorf("%w: malformed code", services.ErrNotFound)
	}
	return s.store.Get(ctx, code)
}

// checkUpload runs every size and ttl check before anything touches disk.
func (s *Service) checkUpload(data []byte, ttlHours int) (time.Duration, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: empty upload", services.ErrValidation)
	}
	if s.limits.MaxUploadSize > 0 && int64(len(data)) > s.limits.MaxUploadSize {
		return 0, fmt.Errorf("%w: %s exceeds the %s limit", services.ErrTooLarge,
			humanize.IBytes(uint64(len(data))), humanize.IBytes(uint64(s.limits.MaxUploadSize)))
	}

	// Zero or negative means the configured default.
	ttl := s.limits.DefaultTTL
	if ttlHours > 0 {
		ttl = time.Duration(ttlHours) * time.Hour
	}
	if s.limits.MaxTTL > 0 && ttl > s.limits.MaxTTL {
		return 0, fmt.Errorf("%w: ttl of %s exceeds the maximum of %s", services.ErrValidation, ttl, s.limits.MaxTTL)
	}
	return ttl, nil
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, services.ErrNotFound):
		return "not_found"
	case errors.Is(err, services.ErrTooLarge):
		return "too_large"
	case errors.Is(err, services.ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}

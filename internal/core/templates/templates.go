// Package templates shares small text documents under the same code and
// expiry rules as artifacts. Content lives inline in the record.
package templates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/cloudmover/mover/internal/core/audit"
	"github.com/cloudmover/mover/internal/core/codes"
	"github.com/cloudmover/mover/internal/core/models"
	"github.com/cloudmover/mover/internal/core/services"
	"github.com/cloudmover/mover/internal/util/logging"
)

// Limits bound what a template may carry.
type Limits struct {
	MaxContentSize int64
	TTL            time.Duration
}

// ShareRequest is the input to Share.
type ShareRequest struct {
	Kind        models.TemplateKind
	Title       string
	Description string
	Content     string
}

// Service creates and fetches templates.
type Service struct {
	records services.TemplateRecords
	audit   *audit.Recorder
	metrics services.Metrics
	logger  zerolog.Logger
	limits  Limits
	gen     codes.Generator
	now     func() time.Time
}

// NewService creates a template Service.
func NewService(records services.TemplateRecords, rec *audit.Recorder, metrics services.Metrics, limits Limits, logger zerolog.Logger) *Service {
	return &Service{
		records: records,
		audit:   rec,
		metrics: metrics,
		logger:  logger,
		limits:  limits,
		gen:     codes.Generate,
		now:     time.Now,
	}
}

// Share validates req and stores it under a new code.
func (s *Service) Share(ctx context.Context, req ShareRequest) (*models.Template, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown template kind %q", services.ErrValidation, req.Kind)
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title is required", services.ErrValidation)
	}
	if req.Content == "" {
		return nil, fmt.Errorf("%w: content is required", services.ErrValidation)
	}
	size := int64(len(req.Content))
	if s.limits.MaxContentSize > 0 && size > s.limits.MaxContentSize {
		return nil, fmt.Errorf("%w: content is %s, limit is %s", services.ErrTooLarge,
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(s.limits.MaxContentSize)))
	}

	created := s.now().UTC().Truncate(time.Millisecond)
	tmpl := &models.Template{
		Kind:        req.Kind,
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Content:     req.Content,
		Size:        size,
		CreatedAt:   created,
		ExpiresAt:   created.Add(s.limits.TTL),
	}

	code, err := codes.Issue(ctx, s.gen, func(ctx context.Context, code string) error {
		tmpl.Code = code
		return s.records.CreateTemplate(ctx, tmpl)
	})
	if err != nil {
		return nil, services.StorageFailure("sharing template", err)
	}

	s.audit.Record(ctx, models.ActionTemplateShare, code, map[string]any{
		"kind": string(tmpl.Kind),
		"size": size,
	})
	s.metrics.IncTemplatesShared(string(tmpl.Kind))
	s.logger.Info().
		Str("request_id", logging.RequestID(ctx)).
		Str("code", code).
		Str("kind", string(tmpl.Kind)).
		Int64("size", size).
		Msg("template shared")
	return tmpl, nil
}

// Fetch returns a live template with its metadata. It does not count as a
// download.
func (s *Service) Fetch(ctx context.Context, code string) (*models.Template, error) {
	if !codes.IsValid(code) {
		s.metrics.IncDownloads("template", "not_found")
		return nil, fmt.Errorf("%w: malformed code", services.ErrNotFound)
	}
	t, err := s.records.GetTemplate(ctx, code, s.now())
	if err != nil {
		s.metrics.IncDownloads("template", result(err))
		return nil, services.StorageFailure("fetching template", err)
	}
	s.metrics.IncDownloads("template", "ok")
	return t, nil
}

// FetchRaw returns the content of a live template and counts the download.
func (s *Service) FetchRaw(ctx context.Context, code string) (*models.Template, error) {
	if !codes.IsValid(code) {
		s.metrics.IncDownloads("template_raw", "not_found")
		return nil, fmt.Errorf("%w: malformed code", services.ErrNotFound)
	}
	t, err := s.records.CountTemplateDownload(ctx, code, s.now())
	if err != nil {
		s.metrics.IncDownloads("template_raw", result(err))
		return nil, services.StorageFailure("fetching template content", err)
	}

	s.audit.Record(ctx, models.ActionTemplateFetch, code, map[string]any{"download_count": t.DownloadCount})
	s.metrics.IncDownloads("template_raw", "ok")
	return t, nil
}

func result(err error) string {
	if errors.Is(err, services.ErrNotFound) {
		return "not_found"
	}
	return "error"
}

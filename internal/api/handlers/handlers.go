package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudmover/mover/internal/core/models"
	"github.com/cloudmover/mover/internal/core/services"
	"github.com/cloudmover/mover/internal/core/templates"
	"github.com/cloudmover/mover/internal/util/logging"
)

// Artifacts is the upload and download surface the handlers call.
type Artifacts interface {
	Upload(ctx context.Context, data []byte, ttlHours int) (*models.Artifact, error)
	Replace(ctx context.Context, code string, data []byte, ttlHours int) (*models.Artifact, error)
	Download(ctx context.Context, code string) (*models.Artifact, io.ReadCloser, error)
	Status(ctx context.Context, code string) (*models.Artifact, error)
	Delete(ctx context.Context, code string) error
}

// Templates is the template surface the handlers call.
type Templates interface {
	Share(ctx context.Context, req templates.ShareRequest) (*models.Template, error)
	Fetch(ctx context.Context, code string) (*models.Template, error)
	FetchRaw(ctx context.Context, code string) (*models.Template, error)
}

// Sweeper runs a reaper pass on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (models.SweepResult, error)
}

// AuditReader lists audit entries.
type AuditReader interface {
	List(ctx context.Context, code string, limit int) ([]models.AuditEntry, error)
}

// Options carries the limits and presentation settings the handlers need.
type Options struct {
	BaseURL         string
	MaxUploadSize   int64
	MaxTemplateSize int64
	ArtifactTTL     time.Duration
	TemplateTTL     time.Duration
	LookupRate      float64
	LookupBurst     int
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// multipartOverhead allows for part headers and boundaries around the file.
const multipartOverhead = 1 << 20

// Handler holds all HTTP handlers and their dependencies.
type Handler struct {
	artifacts Artifacts
	templates Templates
	sweeper   Sweeper
	audit     AuditReader
	auth      services.Authenticator
	logger    zerolog.Logger
	opts      Options
	validate  *validator.Validate
	limiter   *lookupLimiter
}

// New creates a new Handler with the given dependencies.
func New(artifacts Artifacts, tmpls Templates, sweeper Sweeper, audit AuditReader, auth services.Authenticator, opts Options, logger zerolog.Logger) *Handler {
	return &Handler{
		artifacts: artifacts,
		templates: tmpls,
		sweeper:   sweeper,
		audit:     audit,
		auth:      auth,
		logger:    logger,
		opts:      opts,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		limiter:   newLookupLimiter(opts.LookupRate, opts.LookupBurst),
	}
}

// Router returns the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requestIDMiddleware)
	r.Use(h.loggingMiddleware)

	r.Get("/", h.Usage)
	r.Get("/healthz", h.Health)
	if h.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.opts.Metrics)
	}

	r.Post("/upload", h.Upload)
	r.Put("/upload/{code}", h.Replace)
	r.Post("/templates", h.ShareTemplate)

	r.Group(func(r chi.Router) {
		r.Use(h.lookupRateMiddleware)
		r.Get("/download/{code}", h.Download)
		r.Get("/status/{code}", h.Status)
		r.Get("/templates/{code}", h.GetTemplate)
		r.Get("/templates/{code}/raw", h.GetTemplateRaw)
	})

	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(h.authMiddleware)
		r.Post("/sweep", h.Sweep)
		r.Get("/audit", h.Audit)
		r.Delete("/artifacts/{code}", h.DeleteArtifact)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

// requestIDMiddleware adds a unique request ID to each request.
func (h *Handler) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		ctx := logging.WithRequestID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs each request.
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logging.LogRequest(h.logger, r.Context(), r.Method, r.URL.Path, clientAddr(r), rw.status, rw.written, time.Since(start))
	})
}

// authMiddleware validates the operator bearer token.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing or invalid authorization header")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if h.auth == nil || !h.auth.ValidateToken(token) {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// lookupRateMiddleware throttles code lookups per client address so codes
// cannot be brute forced.
func (h *Handler) lookupRateMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow(clientAddr(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too many lookups, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Usage handles GET /
func (h *Handler) Usage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, usageText(h.opts))
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Upload handles POST /upload
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	data, ttlHours, err := h.readUpload(w, r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	artifact, err := h.artifacts.Upload(r.Context(), data, ttlHours)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, models.UploadResponse{
		Code:      artifact.Code,
		ExpiresAt: artifact.ExpiresAt.Format(time.RFC3339),
		Size:      artifact.Size,
		Checksum:  artifact.Checksum,
		Message:   "Upload complete. Keep this code to download the file before it expires.",
	})
}

// Replace handles PUT /upload/{code}
func (h *Handler) Replace(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	data, ttlHours, err := h.readUpload(w, r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	artifact, err := h.artifacts.Replace(r.Context(), code, data, ttlHours)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.UploadResponse{
		Code:      artifact.Code,
		ExpiresAt: artifact.ExpiresAt.Format(time.RFC3339),
		Size:      artifact.Size,
		Checksum:  artifact.Checksum,
		Message:   "Upload replaced. The code now points at the new file.",
	})
}

// Download handles GET /download/{code}
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	artifact, reader, err := h.artifacts.Download(r.Context(), code)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	defer reader.Close()

	filename := "cloud-mover-" + artifact.Code
	if m := mimetype.Lookup(artifact.ContentType); m != nil {
		filename += m.Extension()
	}

	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(artifact.Size, 10))
	w.Header().Set("X-Checksum-SHA256", artifact.Checksum)
	w.Header().Set("X-Expires-At", artifact.ExpiresAt.Format(time.RFC3339))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		h.logger.Error().
			Err(err).
			Str("request_id", logging.RequestID(r.Context())).
			Str("code", code).
			Msg("streaming artifact response")
	}
}

// Status handles GET /status/{code}. Unknown, expired and malformed codes
// all report has_backup=false.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	artifact, err := h.artifacts.Status(r.Context(), code)
	if errors.Is(err, services.ErrNotFound) {
		writeJSON(w, http.StatusOK, models.StatusResponse{Code: code, HasBackup: false})
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.StatusResponse{
		Code:      artifact.Code,
		HasBackup: true,
		ExpiresAt: artifact.ExpiresAt.Format(time.RFC3339),
		Size:      artifact.Size,
	})
}

// ShareTemplate handles POST /templates
func (h *Handler) ShareTemplate(w http.ResponseWriter, r *http.Request) {
	// JSON escaping can roughly double the content, plus the other fields.
	limit := 2*h.opts.MaxTemplateSize + 16<<10
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var req models.ShareTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "template body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, describeValidation(err))
		return
	}

	tmpl, err := h.templates.Share(r.Context(), templates.ShareRequest{
		Kind:        models.TemplateKind(req.Kind),
		Title:       req.Title,
		Description: req.Description,
		Content:     req.Content,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, models.ShareTemplateResponse{
		Code:      tmpl.Code,
		ExpiresAt: tmpl.ExpiresAt.Format(time.RFC3339),
		Message:   "Template shared. Fetch it with this code before it expires.",
	})
}

// GetTemplate handles GET /templates/{code}
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := h.templates.Fetch(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

// GetTemplateRaw handles GET /templates/{code}/raw
func (h *Handler) GetTemplateRaw(w http.ResponseWriter, r *http.Request) {
	tmpl, err := h.templates.FetchRaw(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Download-Count", strconv.FormatInt(tmpl.DownloadCount, 10))
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, tmpl.Content)
}

// Sweep handles POST /api/v1/admin/sweep
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// DeleteArtifact handles DELETE /api/v1/admin/artifacts/{code}
func (h *Handler) DeleteArtifact(w http.ResponseWriter, r *http.Request) {
	if err := h.artifacts.Delete(r.Context(), chi.URLParam(r, "code")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Audit handles GET /api/v1/admin/audit
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	entries, err := h.audit.List(r.Context(), r.URL.Query().Get("code"), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// readUpload reads the payload from a multipart "file" field or the raw body,
// stopping one byte past the configured limit so the size check never needs
// more memory than that.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, int, error) {
	limit := h.opts.MaxUploadSize
	ttlHours, err := parseTTL(r.URL.Query().Get("ttl_hours"))
	if err != nil {
		return nil, 0, err
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		if r.ContentLength > limit {
			return nil, 0, fmt.Errorf("%w: declared length %d exceeds limit", services.ErrTooLarge, r.ContentLength)
		}
		data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		if err != nil {
			return nil, 0, fmt.Errorf("%w: reading body: %w", services.ErrValidation, err)
		}
		return data, ttlHours, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", services.ErrValidation, err)
	}

	var data []byte
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, multipartError(err)
		}
		switch part.FormName() {
		case "file":
			data, err = io.ReadAll(io.LimitReader(part, limit+1))
		case "ttl_hours":
			var raw []byte
			raw, err = io.ReadAll(io.LimitReader(part, 16))
			if err == nil {
				ttlHours, err = parseTTL(string(raw))
			}
		}
		part.Close()
		if err != nil {
			return nil, 0, multipartError(err)
		}
	}
	if data == nil {
		return nil, 0, fmt.Errorf("%w: multipart field \"file\" is required", services.ErrValidation)
	}
	return data, ttlHours, nil
}

func parseTTL(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: ttl_hours must be a non-negative integer", services.ErrValidation)
	}
	return n, nil
}

func multipartError(err error) error {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return fmt.Errorf("%w: request body exceeds %d bytes", services.ErrTooLarge, tooBig.Limit)
	}
	if errors.Is(err, services.ErrValidation) {
		return err
	}
	return fmt.Errorf("%w: malformed multipart body: %w", services.ErrValidation, err)
}

// writeServiceError maps service errors to HTTP statuses. Integrity anomalies
// are already logged by the store and look like any other missing code here.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		writeError(w, http.StatusNotFound, "code not found or expired")
	case errors.Is(err, services.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, services.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error().
			Err(err).
			Str("request_id", logging.RequestID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s characters", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{
		Error:   http.StatusText(status),
		Code:    status,
		Message: msg,
	})
}

// responseWriter wraps http.ResponseWriter to capture status and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Package audit appends lifecycle events to the audit log. Recording is
// observational: a failed append is logged and never fails the caller.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudmover/mover/internal/core/models"
	"github.com/cloudmover/mover/internal/core/services"
	"github.com/cloudmover/mover/internal/util/logging"
)

// Recorder writes audit entries to a services.AuditLog.
type Recorder struct {
	log    services.AuditLog
	logger zerolog.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder. A nil log makes Record a no-op.
func NewRecorder(log services.AuditLog, logger zerolog.Logger) *Recorder {
	return &Recorder{log: log, logger: logger, now: time.Now}
}

// Record appends one entry.
func (r *Recorder) Record(ctx context.Context, action models.AuditAction, code string, details map[string]any) {
	if r == nil || r.log == nil {
		return
	}
	entry := models.AuditEntry{
		Action:    action,
		Code:      code,
		Details:   details,
		CreatedAt: r.now().UTC(),
	}
	// The entry outlives a request that was cancelled after the fact.
	if err := r.log.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Warn().
			Err(err).
			Str("request_id", logging.RequestID(ctx)).
			Str("action", string(action)).
			Str("code", code).
			Msg("audit append failed")
	}
}

// List returns recent entries, newest first.
func (r *Recorder) List(ctx context.Context, code string, limit int) ([]models.AuditEntry, error) {
	if r == nil || r.log == nil {
		return nil, nil
	}
	return r.log.ListAudit(ctx, code, limit)
}

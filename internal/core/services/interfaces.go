package services

import (
	"context"
	"io"
	"time"

	"github.com/cloudmover/mover/internal/core/models"
)

// StoredBlob describes a blob after it has been written.
type StoredBlob struct {
	Location string
	Checksum string
	Size     int64
}

// Removal is the outcome of a best-effort blob removal. Callers log a failed
// Removal and carry on; metadata is the source of truth.
type Removal struct {
	Location string
	Missing  bool
	Err      error
}

// OK reports whether the blob is gone, including when it was never there.
func (r Removal) OK() bool {
	return r.Err == nil
}

// BlobStorage owns artifact payload files.
type BlobStorage interface {
	// Write persists data under a new random location.
	Write(data []byte) (StoredBlob, error)

	// Open returns a ReadCloser for the blob at location. A missing blob
	// yields an error wrapping ErrNotFound.
	Open(location string) (io.ReadCloser, error)

	// Remove deletes a blob. It never fails loudly.
	Remove(location string) Removal

	// ListBlobs returns every blob on disk.
	ListBlobs() ([]BlobInfo, error)

	// PruneTemp removes partial writes older than grace and returns how many
	// went.
	PruneTemp(grace time.Duration) (int, error)
}

// BlobInfo describes a blob found on disk.
type BlobInfo struct {
	Location string
	Size     int64
	ModTime  time.Time
}

// ArtifactRecords is the transactional metadata store for artifacts.
type ArtifactRecords interface {
	// CreateArtifact claims a.Code and inserts the record in one transaction.
	// A code that was ever issued before yields ErrConflict.
	CreateArtifact(ctx context.Context, a *models.Artifact) error

	// ReplaceArtifact swaps the record under a.Code if it is live at now and
	// returns the superseded record. No live record yields ErrNotFound.
	ReplaceArtifact(ctx context.Context, a *models.Artifact, now time.Time) (*models.Artifact, error)

	// GetArtifact returns the record only if it expires after now.
	GetArtifact(ctx context.Context, code string, now time.Time) (*models.Artifact, error)

	// DeleteArtifact removes the record and returns it, or nil if absent.
	DeleteArtifact(ctx context.Context, code string) (*models.Artifact, error)
}

// TemplateRecords is the transactional metadata store for templates.
type TemplateRecords interface {
	CreateTemplate(ctx context.Context, t *models.Template) error
	GetTemplate(ctx context.Context, code string, now time.Time) (*models.Template, error)
	// CountTemplateDownload atomically increments the download counter of a
	// live template and returns the updated record.
	CountTemplateDownload(ctx context.Context, code string, now time.Time) (*models.Template, error)
}

// Sweeper removes expired records in one transaction. release runs for every
// expired artifact before its row is deleted.
type Sweeper interface {
	DeleteExpired(ctx context.Context, now time.Time, release func(models.Artifact) Removal) (models.SweepResult, error)

	// ReferencedLocations returns the storage location of every artifact row,
	// expired or not.
	ReferencedLocations(ctx context.Context) (map[string]bool, error)
}

// AuditLog is the append-only lifecycle record.
type AuditLog interface {
	AppendAudit(ctx context.Context, e models.AuditEntry) error
	ListAudit(ctx context.Context, code string, limit int) ([]models.AuditEntry, error)
}

// Metrics receives lifecycle counters.
type Metrics interface {
	IncUploads(result string)
	IncDownloads(kind, result string)
	IncTemplatesShared(kind string)
	IncIntegrityAnomalies()
	AddReaped(kind string, n int)
	IncOrphansRemoved(n int)
	ObserveSweep(seconds float64)
}

// Authenticator validates operator tokens.
type Authenticator interface {
	// ValidateToken checks if a token is valid.
	ValidateToken(token string) bool
}

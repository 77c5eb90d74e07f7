package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudmover/mover/internal/core/models"
	"github.com/cloudmover/mover/internal/core/services"

	_ "modernc.org/sqlite"
)

// SQLiteStore holds artifact, template and audit records. Every mutation runs
// in a transaction and the pool is capped at one connection, so transactions
// are serialized and nobody observes a half-applied change.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database under dataDir and runs
// migrations.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dsn := "file:" + filepath.Join(dataDir, "mover.db") +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS issued_codes (
			code      TEXT PRIMARY KEY,
			kind      TEXT NOT NULL,
			issued_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS artifacts (
			code             TEXT PRIMARY KEY REFERENCES issued_codes(code),
			storage_location TEXT NOT NULL UNIQUE,
			size             INTEGER NOT NULL,
			checksum         TEXT NOT NULL,
			content_type     TEXT NOT NULL,
			created_at       INTEGER NOT NULL,
			expires_at       INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_artifacts_expires_at ON artifacts(expires_at);
		CREATE TABLE IF NOT EXISTS templates (
			code           TEXT PRIMARY KEY REFERENCES issued_codes(code),
			kind           TEXT NOT NULL,
			title          TEXT NOT NULL,
			description    TEXT NOT NULL DEFAULT '',
			content        TEXT NOT NULL,
			size           INTEGER NOT NULL,
			download_count INTEGER NOT NULL DEFAULT 0,
			created_at     INTEGER NOT NULL,
			expires_at     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_templates_expires_at ON templates(expires_at);
		CREATE TABLE IF NOT EXISTS audit_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			action     TEXT NOT NULL,
			code       TEXT NOT NULL DEFAULT '',
			details    TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_log_code ON audit_log(code);
	`)
	return err
}

const artifactColumns = "code, storage_location, size, checksum, content_type, created_at, expires_at"

// CreateArtifact claims a.Code and inserts its record. Codes are never
// recycled: a code issued to any earlier artifact or template is a conflict.
func (s *SQLiteStore) CreateArtifact(ctx context.Context, a *models.Artifact) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := claimCode(ctx, tx, a.Code, "artifact", a.CreatedAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO artifacts ("+artifactColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
			a.Code, a.StorageLocation, a.Size, a.Checksum, a.ContentType, toMillis(a.CreatedAt), toMillis(a.ExpiresAt),
		)
		if err != nil {
			return fmt.Errorf("inserting artifact: %w", err)
		}
		return nil
	})
}

// ReplaceArtifact points a live code at a new blob and refreshes its expiry.
// It returns the record that was superseded.
func (s *SQLiteStore) ReplaceArtifact(ctx context.Context, a *models.Artifact, now time.Time) (*models.Artifact, error) {
	var old *models.Artifact
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		old, err = scanArtifact(tx.QueryRowContext(ctx,
			"SELECT "+artifactColumns+" FROM artifacts WHERE code = ? AND expires_at > ?",
			a.Code, toMillis(now),
		))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: artifact %s", services.ErrNotFound, a.Code)
		}
		if err != nil {
			return fmt.Errorf("loading artifact: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE artifacts
			SET storage_location = ?, size = ?, checksum = ?, content_type = ?, created_at = ?, expires_at = ?
			WHERE code = ?
		`, a.StorageLocation, a.Size, a.Checksum, a.ContentType, toMillis(a.CreatedAt), toMillis(a.ExpiresAt), a.Code)
		if err != nil {
			return fmt.Errorf("updating artifact: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return old, nil
}

// GetArtifact returns the record for code if it expires after now.
func (s *SQLiteStore) GetArtifact(ctx context.Context, code string, now time.Time) (*models.Artifact, error) {
	a, err := scanArtifact(s.db.QueryRowContext(ctx,
		"SELECT "+artifactColumns+" FROM artifacts WHERE code = ? AND expires_at > ?",
		code, toMillis(now),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: artifact %s", services.ErrNotFound, code)
	}
	if err != nil {
		return nil, fmt.Errorf("getting artifact: %w", err)
	}
	return a, nil
}

// DeleteArtifact removes the record for code regardless of expiry. It returns
// nil, nil when there was nothing to delete.
func (s *SQLiteStore) DeleteArtifact(ctx context.Context, code string) (*models.Artifact, error) {
	var deleted *models.Artifact
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		a, err := scanArtifact(tx.QueryRowContext(ctx,
			"DELETE FROM artifacts WHERE code = ? RETURNING "+artifactColumns, code,
		))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("deleting artifact: %w", err)
		}
		deleted = a
		return nil
	})
	return deleted, err
}

// ReferencedLocations returns the blob location of every artifact row.
func (s *SQLiteStore) ReferencedLocations(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT storage_location FROM artifacts")
	if err != nil {
		return nil, fmt.Errorf("querying referenced locations: %w", err)
	}
	defer rows.Close()

	refs := make(map[string]bool)
	for rows.Next() {
		var loc string
		if err := rows.Scan(&loc); err != nil {
			return nil, fmt.Errorf("scanning location: %w", err)
		}
		refs[loc] = true
	}
	return refs, rows.Err()
}

const templateColumns = "code, kind, title, description, content, size, download_count, created_at, expires_at"

// CreateTemplate claims t.Code and inserts the template.
func (s *SQLiteStore) CreateTemplate(ctx context.Context, t *models.Template) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := claimCode(ctx, tx, t.Code, "template", t.CreatedAt); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO templates ("+templateColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
			t.Code, string(t.Kind), t.Title, t.Description, t.Content, t.Size, t.DownloadCount,
			toMillis(t.CreatedAt), toMillis(t.ExpiresAt),
		)
		if err != nil {
			return fmt.Errorf("inserting template: %w", err)
		}
		return nil
	})
}

// GetTemplate returns the template for code if it expires after now.
func (s *SQLiteStore) GetTemplate(ctx context.Context, code string, now time.Time) (*models.Template, error) {
	t, err := scanTemplate(s.db.QueryRowContext(ctx,
		"SELECT "+templateColumns+" FROM templates WHERE code = ? AND expires_at > ?",
		code, toMillis(now),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: template %s", services.ErrNotFound, code)
	}
	if err != nil {
		return nil, fmt.Errorf("getting template: %w", err)
	}
	return t, nil
}

// CountTemplateDownload bumps download_count of a live template in a single
// statement and returns the row as updated.
func (s *SQLiteStore) CountTemplateDownload(ctx context.Context, code string, now time.Time) (*models.Template, error) {
	t, err := scanTemplate(s.db.QueryRowContext(ctx,
		"UPDATE templates SET download_count = download_count + 1 WHERE code = ? AND expires_at > ? RETURNING "+templateColumns,
		code, toMillis(now),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: template %s", services.ErrNotFound, code)
	}
	if err != nil {
		return nil, fmt.Errorf("counting template download: %w", err)
	}
	return t, nil
}

// DeleteExpired removes every artifact and template with expires_at before
// now in one transaction. release is called for each expired artifact before
// its row goes; a failed release is counted but does not keep the row.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time, release func(models.Artifact) services.Removal) (models.SweepResult, error) {
	var result models.SweepResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		result = models.SweepResult{}

		rows, err := tx.QueryContext(ctx,
			"SELECT "+artifactColumns+" FROM artifacts WHERE expires_at < ?", toMillis(now),
		)
		if err != nil {
			return fmt.Errorf("selecting expired artifacts: %w", err)
		}
		var expired []models.Artifact
		for rows.Next() {
			a, err := scanArtifact(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scanning expired artifact: %w", err)
			}
			expired = append(expired, *a)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, a := range expired {
			if release != nil && !release(a).OK() {
				result.BlobFailures++
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM artifacts WHERE code = ?", a.Code); err != nil {
				return fmt.Errorf("deleting expired artifact %s: %w", a.Code, err)
			}
			result.Artifacts++
		}

		res, err := tx.ExecContext(ctx, "DELETE FROM templates WHERE expires_at < ?", toMillis(now))
		if err != nil {
			return fmt.Errorf("deleting expired templates: %w", err)
		}
		n, _ := res.RowsAffected()
		result.Templates = int(n)
		return nil
	})
	if err != nil {
		return models.SweepResult{}, err
	}
	return result, nil
}

// AppendAudit inserts an audit entry. Entries are never updated.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e models.AuditEntry) error {
	details := "{}"
	if len(e.Details) > 0 {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("encoding audit details: %w", err)
		}
		details = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_log (action, code, details, created_at) VALUES (?, ?, ?, ?)",
		string(e.Action), e.Code, details, toMillis(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// ListAudit returns the newest entries first, optionally filtered by code.
func (s *SQLiteStore) ListAudit(ctx context.Context, code string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT id, action, code, details, created_at FROM audit_log"
	args := []any{}
	if code != "" {
		query += " WHERE code = ?"
		args = append(args, code)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var (
			e       models.AuditEntry
			action  string
			details string
			created int64
		)
		if err := rows.Scan(&e.ID, &action, &e.Code, &details, &created); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Action = models.AuditAction(action)
		e.CreatedAt = fromMillis(created)
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("decoding audit details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// inTx runs fn in a transaction and commits only if fn succeeds.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func claimCode(ctx context.Context, tx *sql.Tx, code, kind string, at time.Time) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO issued_codes (code, kind, issued_at) VALUES (?, ?, ?)",
		code, kind, toMillis(at),
	)
	if err != nil {
		if isUniqueConstraint(err) {
			return fmt.Errorf("%w: code %s already issued", services.ErrConflict, code)
		}
		return fmt.Errorf("claiming code: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*models.Artifact, error) {
	var (
		a                  models.Artifact
		created, expiresAt int64
	)
	if err := row.Scan(&a.Code, &a.StorageLocation, &a.Size, &a.Checksum, &a.ContentType, &created, &expiresAt); err != nil {
		return nil, err
	}
	a.CreatedAt = fromMillis(created)
	a.ExpiresAt = fromMillis(expiresAt)
	return &a, nil
}

func scanTemplate(row rowScanner) (*models.Template, error) {
	var (
		t                  models.Template
		kind               string
		created, expiresAt int64
	)
	if err := row.Scan(&t.Code, &kind, &t.Title, &t.Description, &t.Content, &t.Size, &t.DownloadCount, &created, &expiresAt); err != nil {
		return nil, err
	}
	t.Kind = models.TemplateKind(kind)
	t.CreatedAt = fromMillis(created)
	t.ExpiresAt = fromMillis(expiresAt)
	return &t, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

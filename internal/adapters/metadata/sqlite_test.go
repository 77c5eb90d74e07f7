package metadata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cloudmover/mover/internal/core/models"
	"github.com/cloudmover/mover/internal/core/services"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewSQLiteStore(dir)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testArtifact(code, location string, ttl time.Duration) *models.Artifact {
	return &models.Artifact{
		Code:            code,
		StorageLocation: location,
		Size:            42,
		Checksum:        "deadbeef",
		ContentType:     "application/zip",
		CreatedAt:       base,
		ExpiresAt:       base.Add(ttl),
	}
}

func TestCreateAndGetArtifact(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := testArtifact("abc123", "loc1", time.Hour)
	if err := store.CreateArtifact(ctx, want); err != nil {
		t.Fatalf("CreateArtifact: %v", err)
	}

	got, err := store.GetArtifact(ctx, "abc123", base)
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if got.StorageLocation != "loc1" || got.Size != 42 || got.ContentType != "application/zip" {
		t.Errorf("unexpected artifact: %+v", got)
	}
	if !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("expires_at = %v, want %v", got.ExpiresAt, want.ExpiresAt)
	}
}

func TestGetArtifactExpiryBoundary(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateArtifact(ctx, testArtifact("abc123", "loc1", time.Hour)); err != nil {
		t.Fatalf("CreateArtifact: %v", err)
	}

	if _, err := store.GetArtifact(ctx, "abc123", base.Add(time.Hour-time.Millisecond)); err != nil {
		t.Errorf("expected live artifact just before expiry, got %v", err)
	}
	// expires_at must be strictly in the future.
	if _, err := store.GetArtifact(ctx, "abc123", base.Add(time.Hour)); !errors.Is(err, services.ErrNotFound) {
		t.Errorf("expected ErrNotFound at expiry, got %v", err)
	}
}

func TestGetArtifactNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetArtifact(context.Background(), "zzzzzz", base)
	if !errors.Is(err, services.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCodesAreNeverRecycled(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateArtifact(ctx, testArtifact("abc123", "loc1", time.Hour)); err != nil {
		t.Fatalf("CreateArtifact: %v", err)
	}
	if _, err := store.DeleteArtifact(ctx, "abc123"); err != nil {
		t.Fatalf("DeleteArtifact: %v", err)
	}

	err := store.CreateArtifact(ctx, testArtifact("abc123", "loc2", time.Hour))
	if !errors.Is(err, services.ErrConflict) {
		t.Errorf("expected ErrConflict reusing a retired code, got %v", err)
	}

	tmpl := &models.Template{Code: "abc123", Kind: models.KindSkill, Title: "t", Content: "c", CreatedAt: base, ExpiresAt: base.Add(time.Hour)}
	if err := store.CreateTemplate(ctx, tmpl); !errors.Is(err, services.ErrConflict) {
		t.Errorf("expected ErrConflict for template on artifact code, got %v", err)
	}
}

func TestReplaceArtifact(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateArtifact(ctx, testArtifact("abc123", "loc1", time.Hour)); err != nil {
		t.Fatalf("CreateArtifact: %v", err)
	}

	next := testArtifact("abc123", "loc2", 2*time.Hour)
	next.CreatedAt = base.Add(30 * time.Minute)
	next.ExpiresAt = next.CreatedAt.Add(2 * time.Hour)

	old, err := store.ReplaceArtifact(ctx, next, next.CreatedAt)
	if err != nil {
		t.Fatalf("ReplaceArtifact: %v", err)
	}
	if old.StorageLocation != "loc1" {
		t.Errorf("superseded location = %q, want loc1", old.StorageLocation)
	}

	got, err := store.GetArtifact(ctx, "abc123", next.CreatedAt)
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if got.StorageLocation != "loc2" || !got.ExpiresAt.Equal(next.ExpiresAt) {
		t.Errorf("replacement not applied: %+v", got)
	}
}

func TestReplaceExpiredArtifact(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateArtifact(ctx, testArtifact("abc123", "loc1", time.Hour)); err != nil {
		t.Fatalf("CreateArtifact: %v", err)
	}

	_, err := store.ReplaceArtifact(ctx, testArtifact("abc123", "loc2", time.Hour), base.Add(2*time.Hour))
	if !errors.Is(err, services.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// The expired row is untouched.
	refs, err := store.ReferencedLocations(ctx)
	if err != nil {
		t.Fatalf("ReferencedLocations: %v", err)
	}
	if !refs["loc1"] || refs["loc2"] {
		t.Errorf("unexpected references after failed replace: %v", refs)
	}
}

func TestDeleteArtifactIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateArtifact(ctx, testArtifact("abc123", "loc1", time.Hour)); err != nil {
		t.Fatalf("CreateArtifact: %v", err)
	}

	deleted, err := store.DeleteArtifact(ctx, "abc123")
	if err != nil {
		t.Fatalf("DeleteArtifact: %v", err)
	}
	if deleted == nil || deleted.StorageLocation != "loc1" {
		t.Fatalf("expected deleted record, got %+v", deleted)
	}

	deleted, err = store.DeleteArtifact(ctx, "abc123")
	if err != nil {
		t.Fatalf("second DeleteArtifact: %v", err)
	}
	if deleted != nil {
		t.Errorf("expected nil on second delete, got %+v", deleted)
	}
}

func TestTemplateDownloadCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tmpl := &models.Template{
		Code:        "tpl001",
		Kind:        models.KindClaudeMD,
		Title:       "Project rules",
		Description: "house style",
		Content:     "# rules",
		Size:        7,
		CreatedAt:   base,
		ExpiresAt:   base.Add(time.Hour),
	}
	if err := store.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.CountTemplateDownload(ctx, "tpl001", base); err != nil {
				t.Errorf("CountTemplateDownload: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := store.GetTemplate(ctx, "tpl001", base)
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if got.DownloadCount != n {
		t.Errorf("download_count = %d, want %d", got.DownloadCount, n)
	}
	if got.Kind != models.KindClaudeMD || got.Description != "house style" {
		t.Errorf("unexpected template: %+v", got)
	}

	if _, err := store.CountTemplateDownload(ctx, "tpl001", base.Add(time.Hour)); !errors.Is(err, services.ErrNotFound) {
		t.Errorf("expected ErrNotFound counting expired template, got %v", err)
	}
}

func TestDeleteExpired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, ttl := range []time.Duration{time.Minute, 2 * time.Minute, 3 * time.Hour} {
		a := testArtifact(fmt.Sprintf("art%03d", i), fmt.Sprintf("loc%d", i), ttl)
		if err := store.CreateArtifact(ctx, a); err != nil {
			t.Fatalf("CreateArtifact: %v", err)
		}
	}
	tmpl := &models.Template{Code: "tpl001", Kind: models.KindCommand, Title: "t", Content: "c", CreatedAt: base, ExpiresAt: base.Add(time.Minute)}
	if err := store.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}

	var released []string
	release := func(a models.Artifact) services.Removal {
		released = append(released, a.StorageLocation)
		if a.StorageLocation == "loc1" {
			return services.Removal{Location: a.StorageLocation, Err: errors.New("permission denied")}
		}
		return services.Removal{Location: a.StorageLocation}
	}

	now := base.Add(time.Hour)
	result, err := store.DeleteExpired(ctx, now, release)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if result.Artifacts != 2 || result.Templates != 1 || result.BlobFailures != 1 {
		t.Errorf("unexpected result: %+v", result)
	}
	if len(released) != 2 {
		t.Errorf("released %v, want two locations", released)
	}

	refs, err := store.ReferencedLocations(ctx)
	if err != nil {
		t.Fatalf("ReferencedLocations: %v", err)
	}
	if len(refs) != 1 || !refs["loc2"] {
		t.Errorf("rows with failed blob removal must still be deleted, refs = %v", refs)
	}

	again, err := store.DeleteExpired(ctx, now, release)
	if err != nil {
		t.Fatalf("second DeleteExpired: %v", err)
	}
	if again.Total() != 0 {
		t.Errorf("second sweep removed %d records, want 0", again.Total())
	}
}

func TestDeleteExpiredRollsBackOnCancel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateArtifact(ctx, testArtifact("abc123", "loc1", time.Minute)); err != nil {
		t.Fatalf("CreateArtifact: %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	_, err := store.DeleteExpired(cctx, base.Add(time.Hour), func(a models.Artifact) services.Removal {
		cancel()
		return services.Removal{Location: a.StorageLocation}
	})
	if err == nil {
		t.Fatal("expected cancelled sweep to fail")
	}

	refs, err := store.ReferencedLocations(ctx)
	if err != nil {
		t.Fatalf("ReferencedLocations: %v", err)
	}
	if !refs["loc1"] {
		t.Error("cancelled sweep must not delete any row")
	}
}

func TestAuditLog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entries := []models.AuditEntry{
		{Action: models.ActionUpload, Code: "abc123", Details: map[string]any{"size": 10}, CreatedAt: base},
		{Action: models.ActionDownload, Code: "abc123", CreatedAt: base.Add(time.Minute)},
		{Action: models.ActionCleanup, Details: map[string]any{"artifacts": 3}, CreatedAt: base.Add(time.Hour)},
	}
	for _, e := range entries {
		if err := store.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	all, err := store.ListAudit(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[0].Action != models.ActionCleanup {
		t.Errorf("newest entry = %s, want cleanup", all[0].Action)
	}
	if all[0].Details["artifacts"] != float64(3) {
		t.Errorf("details = %v", all[0].Details)
	}

	forCode, err := store.ListAudit(ctx, "abc123", 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(forCode) != 2 {
		t.Errorf("expected 2 entries for abc123, got %d", len(forCode))
	}
}

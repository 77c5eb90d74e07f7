// Package reaper deletes expired artifacts and templates on a timer.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudmover/mover/internal/core/audit"
	"github.com/cloudmover/mover/internal/core/models"
	"github.com/cloudmover/mover/internal/core/services"
)

const (
	DefaultInterval    = time.Hour
	DefaultOrphanGrace = time.Hour
)

// Config tunes a Reaper.
type Config struct {
	Interval time.Duration
	// OrphanGrace is how old an unreferenced blob must be before it is
	// removed. It covers blobs written by uploads whose record has not
	// committed yet.
	OrphanGrace time.Duration
}

// Reaper sweeps expired records through the same transactional store the
// request path uses, so a record is never seen half deleted.
type Reaper struct {
	records services.Sweeper
	blobs   services.BlobStorage
	audit   *audit.Recorder
	metrics services.Metrics
	logger  zerolog.Logger
	cfg     Config
	now     func() time.Time
}

// New creates a Reaper.
func New(records services.Sweeper, blobs services.BlobStorage, rec *audit.Recorder, metrics services.Metrics, cfg Config, logger zerolog.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = DefaultOrphanGrace
	}
	return &Reaper{
		records: records,
		blobs:   blobs,
		audit:   rec,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run sweeps once immediately and then every interval until ctx is done. A
// sweep in progress when ctx is cancelled runs to completion first.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info().Dur("interval", r.cfg.Interval).Msg("reaper started")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(context.WithoutCancel(ctx)); err != nil {
			r.logger.Error().Err(err).Msg("sweep failed")
		}

		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reaper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep removes every artifact and template whose expiry has passed, then
// clears blob files no record points at and stale partial writes. Failing to
// delete one blob does not stop the batch.
func (r *Reaper) Sweep(ctx context.Context) (models.SweepResult, error) {
	start := time.Now()
	defer func() { r.metrics.ObserveSweep(time.Since(start).Seconds()) }()

	now := r.now()
	result, err := r.records.DeleteExpired(ctx, now, r.release)
	if err != nil {
		return models.SweepResult{}, fmt.Errorf("deleting expired records: %w", err)
	}

	orphans, err := r.removeOrphans(ctx)
	if err != nil {
		// The expiry batch already committed; report it anyway.
		r.logger.Warn().Err(err).Msg("orphan blob scan failed")
	}
	result.OrphanBlobs = orphans

	temps, err := r.blobs.PruneTemp(r.cfg.OrphanGrace)
	if err != nil {
		r.logger.Warn().Err(err).Msg("temp file scan failed")
	}
	result.TempFiles = temps

	r.metrics.AddReaped("artifact", result.Artifacts)
	r.metrics.AddReaped("template", result.Templates)
	r.metrics.IncOrphansRemoved(orphans)

	if result.Total() > 0 || orphans > 0 || temps > 0 {
		r.audit.Record(ctx, models.ActionCleanup, "", map[string]any{
			"artifacts":     result.Artifacts,
			"templates":     result.Templates,
			"blob_failures": result.BlobFailures,
			"orphan_blobs":  orphans,
			"temp_files":    temps,
		})
		r.logger.Info().
			Int("artifacts", result.Artifacts).
			Int("templates", result.Templates).
			Int("blob_failures", result.BlobFailures).
			Int("orphan_blobs", orphans).
			Int("temp_files", temps).
			Dur("took", time.Since(start)).
			Msg("sweep completed")
	}
	return result, nil
}

func (r *Reaper) release(a models.Artifact) services.Removal {
	rm := r.blobs.Remove(a.StorageLocation)
	if !rm.OK() {
		r.logger.Warn().
			Err(rm.Err).
			Str("code", a.Code).
			Str("location", a.StorageLocation).
			Msg("failed to remove expired blob")
	}
	return rm
}

// removeOrphans deletes blobs that no artifact record references once their
// file has been on disk for the grace period, measured by wall clock.
func (r *Reaper) removeOrphans(ctx context.Context) (int, error) {
	blobs, err := r.blobs.ListBlobs()
	if err != nil {
		return 0, err
	}
	if len(blobs) == 0 {
		return 0, nil
	}
	refs, err := r.records.ReferencedLocations(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, b := range blobs {
		if refs[b.Location] || time.Since(b.ModTime) < r.cfg.OrphanGrace {
			continue
		}
		rm := r.blobs.Remove(b.Location)
		if !rm.OK() {
			r.logger.Warn().Err(rm.Err).Str("location", b.Location).Msg("failed to remove orphan blob")
			continue
		}
		if !rm.Missing {
			removed++
		}
	}
	return removed, nil
}

package audit

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudmover/mover/internal/core/models"
)

type memLog struct {
	mu      sync.Mutex
	entries []models.AuditEntry
	err     error
}

func (m *memLog) AppendAudit(_ context.Context, e models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memLog) ListAudit(_ context.Context, code string, _ int) ([]models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEntry
	for _, e := range m.entries {
		if code == "" || e.Code == code {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestRecord(t *testing.T) {
	log := &memLog{}
	r := NewRecorder(log, zerolog.Nop())
	r.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	r.Record(context.Background(), models.ActionUpload, "abc123", map[string]any{"size": 3})

	entries, err := r.List(context.Background(), "abc123", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActionUpload, entries[0].Action)
	assert.Equal(t, 3, entries[0].Details["size"])
	assert.Equal(t, 2026, entries[0].CreatedAt.Year())
}

func TestRecordFailureIsLoggedNotReturned(t *testing.T) {
	var buf bytes.Buffer
	r := NewRecorder(&memLog{err: errors.New("database is locked")}, zerolog.New(&buf))

	r.Record(context.Background(), models.ActionDownload, "abc123", nil)

	assert.Contains(t, buf.String(), "audit append failed")
	assert.Contains(t, buf.String(), "database is locked")
}

func TestRecordSurvivesCancelledContext(t *testing.T) {
	log := &memLog{}
	r := NewRecorder(log, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Record(ctx, models.ActionCleanup, "", map[string]any{"artifacts": 1})

	assert.Len(t, log.entries, 1)
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), models.ActionGenerate, "abc123", nil)
	entries, err := r.List(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Nil(t, entries)
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromCounters(t *testing.T) {
	p := NewProm("mover")

	p.IncUploads("ok")
	p.IncUploads("ok")
	p.IncDownloads("artifact", "not_found")
	p.IncIntegrityAnomalies()
	p.AddReaped("artifact", 3)
	p.AddReaped("template", 0)
	p.IncOrphansRemoved(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.uploads.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.downloads.WithLabelValues("artifact", "not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.integrity))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.reaped.WithLabelValues("artifact")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.orphans))
}

func TestPromInstancesAreIndependent(t *testing.T) {
	a := NewProm("mover")
	b := NewProm("mover")

	a.IncTemplatesShared("skill")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.templatesShared.WithLabelValues("skill")))
}

func TestHandler(t *testing.T) {
	p := NewProm("mover")
	p.ObserveSweep(0.25)

	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "mover_sweep_duration_seconds_count 1")
}

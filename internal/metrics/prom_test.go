package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"workq/internal/domain"
)

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPromMetrics(reg)

	m.TaskSubmitted("dummy")
	m.TaskSubmitted("dummy")
	m.TaskStarted("dummy")
	m.TaskFinished("dummy", domain.StatusDone, 10*time.Millisecond)
	m.InFlight(2)
	m.TasksCleaned(3, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.submitted.WithLabelValues("dummy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.started.WithLabelValues("dummy")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.finished.WithLabelValues("dummy", "done")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.inFlight))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.deleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reclaimed))
}

func TestOrNop(t *testing.T) {
	assert.IsType(t, Nop{}, OrNop(nil))

	m := NewPromMetrics(prometheus.NewRegistry())
	assert.Same(t, m, OrNop(m))
}

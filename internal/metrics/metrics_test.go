package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarth-shah20/stasis/internal/launcher"
)

func TestRecorder_CountsTransitions(t *testing.T) {
	r := NewRecorder()

	r.Transition("db", launcher.Pending, launcher.ResolvingImage)
	r.Transition("db", launcher.ResolvingImage, launcher.Starting)
	r.Transition("db", launcher.Starting, launcher.Running)
	r.Transition("db", launcher.Running, launcher.Restarting)
	r.Restarted("db")
	r.Transition("db", launcher.Restarting, launcher.Starting)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.transitions.WithLabelValues("db", "starting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.restarts.WithLabelValues("db")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.running.WithLabelValues("db")))

	r.Transition("db", launcher.Starting, launcher.Running)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.running.WithLabelValues("db")))
}

func TestRecorder_Handler(t *testing.T) {
	r := NewRecorder()
	r.ImageResolved("app", "build", 3*time.Second)
	r.Transition("app", launcher.Starting, launcher.Running)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `stasis_image_resolve_duration_seconds_count{kind="build",service="app"} 1`)
	assert.Contains(t, string(body), `stasis_service_transitions_total{service="app",state="running"} 1`)
}

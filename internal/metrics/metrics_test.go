package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/fanbridge/internal/frame"
	"github.com/shaunagostinho/fanbridge/internal/state"
)

func TestMetrics_FollowState(t *testing.T) {
	st := state.New()
	m := New()
	m.Attach(st)

	assert.Equal(t, 25.0, testutil.ToFloat64(m.activationTemp))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.autoMode))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connection.WithLabelValues("idle")))

	st.ApplyTelemetry(frame.Fields{PeopleCount: 5, Temperature: 36, FanSpeed: 80})
	st.SetMode(state.ModeManual)
	require.NoError(t, st.Transition(state.SearchingPort))

	assert.Equal(t, 5.0, testutil.ToFloat64(m.peopleCount))
	assert.Equal(t, 36.0, testutil.ToFloat64(m.temperature))
	assert.Equal(t, 80.0, testutil.ToFloat64(m.fanSpeed))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.autoMode))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.connection.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connection.WithLabelValues("searching_port")))
}

func TestMetrics_FrameCounters(t *testing.T) {
	m := New()
	m.FrameDecoded(frame.Fields{})
	m.FrameDecoded(frame.Fields{})
	m.FrameRejected(errors.New("bad"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesDecoded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesRejected))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Attach(state.New())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "fanbridge_start_fan_speed_percent 50")
	assert.Contains(t, string(body), `fanbridge_link_state{state="idle"} 1`)
}

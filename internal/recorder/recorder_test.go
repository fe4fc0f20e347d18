package recorder

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shaunagostinho/fanbridge/internal/frame"
	"github.com/shaunagostinho/fanbridge/internal/state"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func readCSV(t *testing.T, dir string) [][]string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "fanbridge_*.csv"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestRecorder_WritesThrottledRows(t *testing.T) {
	dir := t.TempDir()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	r := New(Config{Enabled: true, Path: dir, IntervalMs: 1000}, zaptest.NewLogger(t).Sugar())
	r.now = clock.now
	defer r.Close()

	st := state.New()
	st.Subscribe(r.Observe)

	st.ApplyTelemetry(frame.Fields{PeopleCount: 5, Temperature: 36, FanSpeed: 80})
	clock.t = clock.t.Add(200 * time.Millisecond)
	st.SetFanSpeed(30) // inside the interval, dropped
	clock.t = clock.t.Add(time.Second)
	st.SetMode(state.ModeManual)

	rows := readCSV(t, dir)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{"2026-03-01T12:00:00Z", "idle", "auto", "5", "36", "80", "25", "50"}, rows[1])
	assert.Equal(t, []string{"idle", "manual", "5", "36", "30", "25", "50"}, rows[2][1:])
}

func TestRecorder_Disabled(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Enabled: false, Path: dir}, zaptest.NewLogger(t).Sugar())
	r.Record(state.New().Snapshot())
	r.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.False(t, r.IsEnabled())
}

func TestRecorder_SetEnabledClosesFile(t *testing.T) {
	dir := t.TempDir()
	r := New(Config{Enabled: true, Path: dir}, zaptest.NewLogger(t).Sugar())
	r.Record(state.New().Snapshot())
	require.NotNil(t, r.file)

	r.SetEnabled(false)
	assert.Nil(t, r.file)
	assert.Len(t, readCSV(t, dir), 2)
}

func TestNew_Defaults(t *testing.T) {
	r := New(Config{IntervalMs: 10}, zaptest.NewLogger(t).Sugar())
	assert.Equal(t, time.Second, r.interval)
	assert.Equal(t, DefaultPath, r.dir)
}

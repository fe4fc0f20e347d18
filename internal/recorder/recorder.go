// Package recorder writes timestamped controller state to CSV files with
// automatic rotation.
package recorder

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/fanbridge/internal/state"
)

// Recorder appends one CSV row per state change, at most once per interval.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	log      *zap.SugaredLogger
	now      func() time.Time

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds recorder configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

const (
	DefaultPath = "/var/log/fanbridge"

	maxRowsPerFile = 100_000 // ~28 hrs at 1 Hz
)

var csvHeader = []string{
	"timestamp", "connection", "mode",
	"people_count", "temperature_c", "fan_speed_pct",
	"activation_temp_c", "start_fan_speed_pct",
}

// New creates a Recorder. Files are opened lazily on the first row.
func New(cfg Config, log *zap.SugaredLogger) *Recorder {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = time.Second
	}
	return &Recorder{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		log:      log.Named("recorder"),
		now:      time.Now,
	}
}

// SetEnabled allows toggling recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on && r.file != nil {
		r.closeFile()
	}
}

// IsEnabled returns whether recording is active.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Observe records the state carried by a change. It has the signature of
// a state.Listener.
func (r *Recorder) Observe(ch state.Change) {
	r.Record(ch.State)
}

// Record writes a snapshot if the minimum interval has elapsed.
func (r *Recorder) Record(s state.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}

	now := r.now()
	if now.Sub(r.lastTs) < r.interval {
		return
	}
	r.lastTs = now

	if r.writer == nil || r.rows >= maxRowsPerFile {
		if err := r.rotateFile(now); err != nil {
			r.log.Warnw("rotate failed", "error", err)
			return
		}
	}

	if err := r.writer.Write(buildRow(now, s)); err != nil {
		r.log.Warnw("write failed", "error", err)
		return
	}
	r.writer.Flush()
	r.rows++
}

// Close flushes and closes the current file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	filename := fmt.Sprintf("fanbridge_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(r.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0

	if err := r.writer.Write(csvHeader); err != nil {
		return err
	}
	r.writer.Flush()

	r.log.Infow("opened recording", "path", path)
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

func buildRow(ts time.Time, s state.Snapshot) []string {
	return []string{
		ts.Format(time.RFC3339Nano),
		s.Connection.String(),
		s.Mode.String(),
		strconv.Itoa(s.PeopleCount),
		strconv.Itoa(s.Temperature),
		strconv.Itoa(s.FanSpeed),
		strconv.Itoa(s.ActivationTemp),
		strconv.Itoa(s.StartFanSpeed),
	}
}

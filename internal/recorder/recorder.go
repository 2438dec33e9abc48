package recorder

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shaunagostinho/cobot-link/internal/cobot"
)

// Recorder writes timestamped arm telemetry to CSV files with automatic
// rotation.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	maxRows  int
	log      zerolog.Logger

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds recorder configuration.
type Config struct {
	Enabled    bool
	Path       string
	IntervalMs int
	MaxRows    int // rows per file before rotating; 0 uses the default
}

const (
	defaultMaxRows = 100_000 // ~2.7 hrs at 10 Hz
	defaultPath    = "/var/log/cobot-link"
)

var csvHeader = buildHeader()

func buildHeader() []string {
	h := []string{"timestamp", "connected", "powered", "moving", "in_position", "speed_pct"}
	for _, group := range []string{"angle", "coord", "encoder", "servo_speed", "voltage", "load"} {
		for i := 1; i <= 6; i++ {
			h = append(h, fmt.Sprintf("%s_%d", group, i))
		}
	}
	return h
}

// New creates a Recorder. No file is opened until the first row.
func New(cfg Config) *Recorder {
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 20*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Recorder{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		maxRows:  cfg.MaxRows,
		log:      log.With().Str("component", "recorder").Logger(),
	}
}

// SetEnabled toggles recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on && r.file != nil {
		r.closeFile()
	}
}

func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Record writes a state snapshot if the minimum interval has elapsed.
func (r *Recorder) Record(st cobot.RobotState, connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}

	now := time.Now()
	if now.Sub(r.lastTs) < r.interval {
		return
	}
	r.lastTs = now

	if r.writer == nil || r.rows >= r.maxRows {
		if err := r.rotateFile(now); err != nil {
			r.log.Error().Err(err).Msg("rotate failed")
			return
		}
	}

	if err := r.writer.Write(buildRow(now, st, connected)); err != nil {
		r.log.Error().Err(err).Msg("write failed")
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

	path := filepath.Join(r.dir, fmt.Sprintf("cobot_%s.csv", now.Format("2006-01-02_150405.000")))
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

	r.log.Info().Str("path", path).Msg("opened")
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

func buildRow(ts time.Time, st cobot.RobotState, connected bool) []string {
	row := make([]string, 0, len(csvHeader))
	row = append(row,
		ts.Format(time.RFC3339Nano),
		boolStr(connected),
		boolStr(st.Powered),
		boolStr(st.Moving),
		boolStr(st.InPosition),
		fmt.Sprintf("%.0f", st.Speed),
	)
	for _, v := range st.Angles {
		row = append(row, fmt.Sprintf("%.2f", v))
	}
	for i, v := range st.Coords {
		if i < 3 {
			row = append(row, fmt.Sprintf("%.1f", v))
		} else {
			row = append(row, fmt.Sprintf("%.2f", v))
		}
	}
	for _, group := range [][6]int{st.Encoders, st.Speeds} {
		for _, v := range group {
			row = append(row, strconv.Itoa(v))
		}
	}
	for _, v := range st.Voltages {
		row = append(row, fmt.Sprintf("%.1f", v))
	}
	for _, v := range st.Loads {
		row = append(row, strconv.Itoa(v))
	}
	return row
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel     = "COBOT_LOG_LEVEL"
	EnvLogTimestamp = "COBOT_LOG_TIMESTAMP"
	EnvLogNoColor   = "COBOT_LOG_NOCOLOR"
	EnvLogJSON      = "COBOT_LOG_JSON"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Config is the log section of the daemon config file.
type Config struct {
	Level     string `yaml:"level" json:"level" toml:"level"`
	JSON      bool   `yaml:"json" json:"json" toml:"json"`
	NoColor   bool   `yaml:"no_color" json:"noColor" toml:"no_color"`
	Timestamp bool   `yaml:"timestamp" json:"timestamp" toml:"timestamp"`
}

type settings struct {
	level     zerolog.Level
	json      bool
	noColor   bool
	timestamp bool
}

var configureOnce sync.Once

func ConfigureRuntime(file Config) {
	Configure(ProfileRuntime, file)
}

func ConfigureTests() {
	Configure(ProfileTest, Config{})
}

// Configure installs the global logger once. Profile defaults are overlaid
// by the config file, then by environment variables.
func Configure(profile Profile, file Config) {
	configureOnce.Do(func() {
		s := defaultSettings(profile)
		applyFile(&s, file)
		applyEnvOverrides(&s)
		log.Logger = newLogger(s, os.Stderr)
		zerolog.SetGlobalLevel(s.level)
	})
}

// New builds a logger from cfg writing to w, without touching globals.
func New(cfg Config, w io.Writer) zerolog.Logger {
	s := defaultSettings(ProfileRuntime)
	applyFile(&s, cfg)
	return newLogger(s, w).Level(s.level)
}

func defaultSettings(profile Profile) settings {
	switch profile {
	case ProfileTest:
		return settings{level: zerolog.DebugLevel, timestamp: false}
	default:
		return settings{level: zerolog.InfoLevel, timestamp: true}
	}
}

func applyFile(s *settings, c Config) {
	if lvl, ok := parseLevel(c.Level); ok {
		s.level = lvl
	}
	if c.JSON {
		s.json = true
	}
	if c.NoColor {
		s.noColor = true
	}
	if c.Timestamp {
		s.timestamp = true
	}
}

func applyEnvOverrides(s *settings) {
	if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		s.level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		s.timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		s.noColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogJSON)); ok {
		s.json = v
	}
}

func newLogger(s settings, w io.Writer) zerolog.Logger {
	out := w
	if !s.json {
		cw := zerolog.ConsoleWriter{Out: w, NoColor: s.noColor, TimeFormat: time.TimeOnly}
		if !s.timestamp {
			cw.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		out = cw
	}
	ctx := zerolog.New(out).With()
	if s.timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace", "wire":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

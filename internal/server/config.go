package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/cobot-link/internal/cobot"
	"github.com/shaunagostinho/cobot-link/internal/logging"
)

// Config holds all daemon configuration.
type Config struct {
	mu sync.RWMutex

	Arm      ArmConfig      `yaml:"arm" json:"arm" toml:"arm"`
	Recorder RecorderConfig `yaml:"recorder" json:"recorder" toml:"recorder"`
	Log      logging.Config `yaml:"log" json:"log" toml:"log"`
	Server   ServerConfig   `yaml:"server" json:"server" toml:"server"`

	path string // file path for save/load
}

type ArmConfig struct {
	Driver   string `yaml:"driver" json:"driver" toml:"driver"`          // "bugst", "tarm", "tcp" or "demo"
	PortPath string `yaml:"port_path" json:"portPath" toml:"port_path"` // e.g. /dev/ttyJETCOBOT
	BaudRate int    `yaml:"baud_rate" json:"baudRate" toml:"baud_rate"`
	Address  string `yaml:"address" json:"address" toml:"address"` // host:port for the tcp driver

	RequestTimeoutMs int      `yaml:"request_timeout_ms" json:"requestTimeoutMs" toml:"request_timeout_ms"`
	QueryTimeoutMs   int      `yaml:"query_timeout_ms" json:"queryTimeoutMs" toml:"query_timeout_ms"`
	PollMs           int      `yaml:"poll_ms" json:"pollMs" toml:"poll_ms"` // 0 disables auto-polling
	PollRotation     []string `yaml:"poll_rotation" json:"pollRotation" toml:"poll_rotation"`
	MaxLinearSpeed   int      `yaml:"max_linear_speed" json:"maxLinearSpeed" toml:"max_linear_speed"`
}

type RecorderConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" toml:"enabled"`
	Path     string `yaml:"path" json:"path" toml:"path"`
	Interval int    `yaml:"interval_ms" json:"intervalMs" toml:"interval_ms"` // ms between rows
}

type ServerConfig struct {
	ListenAddr  string `yaml:"listen_addr" json:"listenAddr" toml:"listen_addr"`
	BroadcastMs int    `yaml:"broadcast_ms" json:"broadcastMs" toml:"broadcast_ms"` // websocket push period
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Arm: ArmConfig{
			Driver:           cobot.DriverBugst,
			PortPath:         "/dev/ttyJETCOBOT",
			BaudRate:         1000000,
			RequestTimeoutMs: 500,
			QueryTimeoutMs:   1000,
			PollMs:           50,
			PollRotation:     []string{"angles", "coords", "speeds", "voltages"},
			MaxLinearSpeed:   200,
		},
		Recorder: RecorderConfig{
			Enabled:  false,
			Path:     "/var/log/cobot-link",
			Interval: 100,
		},
		Log: logging.Config{
			Level:     "info",
			Timestamp: true,
		},
		Server: ServerConfig{
			ListenAddr:  ":8080",
			BroadcastMs: 50,
		},
	}
}

// EngineConfig converts the arm section into engine configuration.
func (a ArmConfig) EngineConfig() (cobot.Config, error) {
	cfg := cobot.Config{
		Driver:         a.Driver,
		PortPath:       a.PortPath,
		BaudRate:       a.BaudRate,
		Address:        a.Address,
		RequestTimeout: time.Duration(a.RequestTimeoutMs) * time.Millisecond,
		QueryTimeout:   time.Duration(a.QueryTimeoutMs) * time.Millisecond,
		MaxLinearSpeed: a.MaxLinearSpeed,
	}
	for _, name := range a.PollRotation {
		k, err := cobot.ParseRequestKind(name)
		if err != nil {
			return cobot.Config{}, fmt.Errorf("arm.poll_rotation: %w", err)
		}
		cfg.PollRotation = append(cfg.PollRotation, k)
	}
	return cfg, nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadConfig reads config from a YAML or TOML file (chosen by extension),
// then applies .env and environment variable overrides. Falls back to
// defaults if the file is missing or invalid.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info().Str("component", "config").Str("path", path).Msg("no config file, using defaults")
	} else if err := cfg.decode(data); err != nil {
		log.Error().Str("component", "config").Str("path", path).Err(err).Msg("error parsing config, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info().Str("component", "config").Str("path", path).Msg("config loaded")
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) decode(data []byte) error {
	if isTOML(c.path) {
		_, err := toml.Decode(string(data), c)
		return err
	}
	return yaml.Unmarshal(data, c)
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Debug().Str("component", "config").Str("path", path).Msg("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence.
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: ARM_DRIVER, ARM_PORT, ARM_BAUD, ARM_ADDR, ARM_POLL_MS,
// LISTEN_ADDR, REC_ENABLED, REC_PATH, REC_INTERVAL_MS
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ARM_DRIVER"); v != "" {
		c.Arm.Driver = v
	}
	if v := os.Getenv("ARM_PORT"); v != "" {
		c.Arm.PortPath = v
	}
	if v := os.Getenv("ARM_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Arm.BaudRate = n
		}
	}
	if v := os.Getenv("ARM_ADDR"); v != "" {
		c.Arm.Address = v
	}
	if v := os.Getenv("ARM_POLL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Arm.PollMs = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("REC_ENABLED"); v != "" {
		c.Recorder.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("REC_PATH"); v != "" {
		c.Recorder.Path = v
	}
	if v := os.Getenv("REC_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Recorder.Interval = n
		}
	}
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Snapshot returns a copy of the config sections under the read lock.
func (c *Config) Snapshot() (ArmConfig, RecorderConfig, ServerConfig) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	arm := c.Arm
	arm.PollRotation = append([]string(nil), c.Arm.PollRotation...)
	return arm, c.Recorder, c.Server
}

// Save writes the config back to its file in the file's format.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/cobot-link/config.yaml"
	}

	var data []byte
	if isTOML(c.path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return err
		}
		data = buf.Bytes()
	} else {
		var err error
		if data, err = yaml.Marshal(c); err != nil {
			return err
		}
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

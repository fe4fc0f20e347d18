package server

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/fanbridge/internal/frame"
	"github.com/shaunagostinho/fanbridge/internal/link"
	"github.com/shaunagostinho/fanbridge/internal/publish"
	"github.com/shaunagostinho/fanbridge/internal/recorder"
)

// Config holds all bridge configuration. It is read once at startup;
// nothing writes it back to disk.
type Config struct {
	Device    DeviceConfig    `yaml:"device" json:"device"`
	Reconnect ReconnectConfig `yaml:"reconnect" json:"reconnect"`
	Recording recorder.Config `yaml:"recording" json:"recording"`
	MQTT      publish.Config  `yaml:"mqtt" json:"mqtt"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Server    ServerConfig    `yaml:"server" json:"server"`

	path string
}

type DeviceConfig struct {
	Type     string `yaml:"type" json:"type"`          // "serial" or "demo"
	Filter   string `yaml:"filter" json:"filter"`      // matched against the USB product description
	PortPath string `yaml:"port_path" json:"portPath"` // skips discovery when set
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	SettleMs int    `yaml:"settle_ms" json:"settleMs"`
	Decode   string `yaml:"decode" json:"decode"` // "partial" or "full"
}

// SettleDelay converts SettleMs, treating negatives as zero.
func (d DeviceConfig) SettleDelay() time.Duration {
	if d.SettleMs < 0 {
		return 0
	}
	return time.Duration(d.SettleMs) * time.Millisecond
}

// Level parses Decode, falling back to partial for unknown values.
func (d DeviceConfig) Level() frame.Level {
	l, err := frame.ParseLevel(d.Decode)
	if err != nil {
		return frame.LevelPartial
	}
	return l
}

type ReconnectConfig struct {
	Enabled        bool `yaml:"enabled" json:"enabled"`
	MaxAttempts    int  `yaml:"max_attempts" json:"maxAttempts"` // 0 = unlimited
	InitialDelayMs int  `yaml:"initial_delay_ms" json:"initialDelayMs"`
	MaxDelayMs     int  `yaml:"max_delay_ms" json:"maxDelayMs"`
}

// Policy converts the config into a link.RetryPolicy.
func (r ReconnectConfig) Policy() link.RetryPolicy {
	return link.RetryPolicy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: time.Duration(r.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(r.MaxDelayMs) * time.Millisecond,
	}
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // "console" or "json"
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Type:     "serial",
			Filter:   link.DefaultFilter,
			BaudRate: link.DefaultBaudRate,
			SettleMs: int(link.DefaultSettleDelay / time.Millisecond),
			Decode:   frame.LevelPartial.String(),
		},
		Reconnect: ReconnectConfig{
			Enabled:        false,
			MaxAttempts:    10,
			InitialDelayMs: 1000,
			MaxDelayMs:     60000,
		},
		Recording: recorder.Config{
			Enabled:    false,
			Path:       recorder.DefaultPath,
			IntervalMs: 1000,
		},
		MQTT: publish.Config{
			Enabled:     false,
			Broker:      "tcp://localhost:1883",
			ClientID:    "fanbridge",
			TopicPrefix: "fanbridge",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string, log *zap.SugaredLogger) *Config {
	log = log.Named("config")
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Infow("no config file, using defaults", "path", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warnw("error parsing config, using defaults", "path", path, "error", err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Infow("loaded config", "path", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep, log)
	}

	cfg.applyEnvOverrides()

	if _, err := frame.ParseLevel(cfg.Device.Decode); err != nil {
		log.Warnw("unknown decode level, using partial", "decode", cfg.Device.Decode)
		cfg.Device.Decode = frame.LevelPartial.String()
	}
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string, log *zap.SugaredLogger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Infow("loading .env", "path", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		val = strings.Trim(val, `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || v == "true" || v == "yes"
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
func (c *Config) applyEnvOverrides() {
	envString("DEVICE_TYPE", &c.Device.Type)
	envString("DEVICE_FILTER", &c.Device.Filter)
	envString("DEVICE_PORT", &c.Device.PortPath)
	envInt("DEVICE_BAUD", &c.Device.BaudRate)
	envInt("DEVICE_SETTLE_MS", &c.Device.SettleMs)
	envString("DEVICE_DECODE", &c.Device.Decode)

	envBool("RECONNECT_ENABLED", &c.Reconnect.Enabled)

	envBool("RECORD_ENABLED", &c.Recording.Enabled)
	envString("RECORD_PATH", &c.Recording.Path)
	envInt("RECORD_INTERVAL_MS", &c.Recording.IntervalMs)

	envBool("MQTT_ENABLED", &c.MQTT.Enabled)
	envString("MQTT_BROKER", &c.MQTT.Broker)
	envString("MQTT_USERNAME", &c.MQTT.Username)
	envString("MQTT_PASSWORD", &c.MQTT.Password)

	envString("LOG_LEVEL", &c.Log.Level)
	envString("LOG_FORMAT", &c.Log.Format)

	envString("LISTEN_ADDR", &c.Server.ListenAddr)
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	return json.Marshal(c)
}

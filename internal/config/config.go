// Package config manages miiod/miioctl configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete miiod configuration.
type Config struct {
	Metrics MetricsConfig  `koanf:"metrics"`
	Log     LogConfig      `koanf:"log"`
	Client  ClientConfig   `koanf:"client"`
	Devices []DeviceConfig `koanf:"devices"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// ClientConfig holds the miio.Client tuning parameters applied to every
// declared device. DeviceConfig has no per-device override for these
// values; only the port can be set per device.
type ClientConfig struct {
	// HandshakeTTL is how long a completed handshake stays valid before a
	// fresh one is required.
	HandshakeTTL time.Duration `koanf:"handshake_ttl"`
	// RequestTimeout is the per-attempt deadline for a handshake or a
	// Normal call.
	RequestTimeout time.Duration `koanf:"request_timeout"`
	// MaxAttempts is the maximum number of attempts per call, the first one
	// included, before giving up with a RetryExhaustedError.
	MaxAttempts int `koanf:"max_attempts"`
}

// DeviceConfig describes one device miiod polls on startup.
type DeviceConfig struct {
	// Name is a human-friendly label used in logs and metrics.
	Name string `koanf:"name"`
	// Address is the device's IP address.
	Address string `koanf:"address"`
	// Port overrides miio.DefaultPort when nonzero.
	Port uint16 `koanf:"port"`
	// Token is the device's 32-hex-character pre-shared token.
	Token string `koanf:"token"`
	// PollInterval is how often miiod issues a status call to this device.
	PollInterval time.Duration `koanf:"poll_interval"`
	// PollMethod is the JSON-RPC method miiod polls with (e.g. "miIO.info").
	PollMethod string `koanf:"poll_method"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Client: ClientConfig{
			HandshakeTTL:   10 * time.Second,
			RequestTimeout: 10 * time.Second,
			MaxAttempts:    3,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for miiod configuration.
// Variables are named MIIO_<section>_<key>, e.g., MIIO_METRICS_ADDR.
const envPrefix = "MIIO_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (MIIO_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	MIIO_METRICS_ADDR        -> metrics.addr
//	MIIO_METRICS_PATH        -> metrics.path
//	MIIO_LOG_LEVEL           -> log.level
//	MIIO_LOG_FORMAT          -> log.format
//	MIIO_CLIENT_MAX_ATTEMPTS -> client.max_attempts
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms MIIO_CLIENT_MAX_ATTEMPTS -> client.max_attempts.
// Strips the MIIO_ prefix, lowercases, and replaces the first _ (the
// section separator) with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"metrics.addr":           defaults.Metrics.Addr,
		"metrics.path":           defaults.Metrics.Path,
		"log.level":              defaults.Log.Level,
		"log.format":             defaults.Log.Format,
		"client.handshake_ttl":   defaults.Client.HandshakeTTL.String(),
		"client.request_timeout": defaults.Client.RequestTimeout.String(),
		"client.max_attempts":    defaults.Client.MaxAttempts,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyMetricsAddr indicates the metrics listen address is empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")

	// ErrInvalidMaxAttempts indicates client.max_attempts is less than 1.
	ErrInvalidMaxAttempts = errors.New("client.max_attempts must be >= 1")

	// ErrInvalidRequestTimeout indicates client.request_timeout is not positive.
	ErrInvalidRequestTimeout = errors.New("client.request_timeout must be > 0")

	// ErrDeviceMissingName indicates a device entry has no name.
	ErrDeviceMissingName = errors.New("device name must not be empty")

	// ErrDeviceMissingAddress indicates a device entry has no address.
	ErrDeviceMissingAddress = errors.New("device address must not be empty")

	// ErrDeviceInvalidToken indicates a device token did not decode to 16 bytes.
	ErrDeviceInvalidToken = errors.New("device token must be 32 hex characters")

	// ErrDuplicateDeviceName indicates two device entries share a name.
	ErrDuplicateDeviceName = errors.New("duplicate device name")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}
	if cfg.Client.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	if cfg.Client.RequestTimeout <= 0 {
		return ErrInvalidRequestTimeout
	}
	if err := validateDevices(cfg.Devices); err != nil {
		return err
	}
	return nil
}

func validateDevices(devices []DeviceConfig) error {
	seen := make(map[string]struct{}, len(devices))

	for i, d := range devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d]: %w", i, ErrDeviceMissingName)
		}
		if d.Address == "" {
			return fmt.Errorf("devices[%d] %q: %w", i, d.Name, ErrDeviceMissingAddress)
		}
		if tok, err := hex.DecodeString(d.Token); err != nil || len(tok) != 16 {
			return fmt.Errorf("devices[%d] %q: %w", i, d.Name, ErrDeviceInvalidToken)
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("devices[%d] name %q: %w", i, d.Name, ErrDuplicateDeviceName)
		}
		seen[d.Name] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

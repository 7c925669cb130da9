// Package config manages testimonyd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides layered on top of
// built-in defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete testimonyd configuration.
type Config struct {
	Metrics   MetricsConfig    `koanf:"metrics"`
	Log       LogConfig        `koanf:"log"`
	Listeners []ListenerConfig `koanf:"listeners"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9200").
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

// ListenerConfig describes one control socket: the interface it captures
// from, the tpacket_v3 ring geometry used to bind that interface, and the
// fanout group clients of that socket share.
type ListenerConfig struct {
	// SocketPath is the Unix domain socket path clients connect to.
	SocketPath string `koanf:"socket_path"`

	// SocketMode is the filesystem permission bits applied to SocketPath
	// after bind, e.g. 0660.
	SocketMode uint32 `koanf:"socket_mode"`

	// Interface is the network interface to capture from.
	Interface string `koanf:"interface"`

	// BlockSize is the tpacket_v3 ring block size in bytes. Must be a
	// power of two, 2^k with k in [12,32].
	BlockSize uint32 `koanf:"block_size"`

	// BlockCount is the number of blocks in the ring.
	BlockCount uint32 `koanf:"block_count"`

	// BlockTimeoutMillis is the kernel's retire_blk_tov: the maximum time
	// a partially-filled block is held before being retired to userspace.
	BlockTimeoutMillis uint32 `koanf:"block_timeout_ms"`

	// FanoutID distinguishes this group from others bound to the same
	// interface. It is passed to the kernel as given; 0 is used as is and
	// no value is derived from the socket path.
	FanoutID uint16 `koanf:"fanout_id"`

	// FanoutSize is the number of independent shards the ring is split
	// into; each connecting client claims exactly one shard.
	FanoutSize int `koanf:"fanout_size"`

	// FanoutKind selects the kernel load-balancing strategy: "lb", "hash",
	// "cpu", "rollover", "random", or "qm".
	FanoutKind string `koanf:"fanout_kind"`

	// Filter is an optional classic BPF program, a list of sock_filter
	// entries each with code, jt, jf and k keys. If empty, no filter is
	// attached.
	Filter []BPFInstruction `koanf:"filter"`
}

// BPFInstruction is one classic BPF instruction, expressed the way
// tcpdump -dd prints them.
type BPFInstruction struct {
	Code uint16 `koanf:"code"`
	Jt   uint8  `koanf:"jt"`
	Jf   uint8  `koanf:"jf"`
	K    uint32 `koanf:"k"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			Addr: ":9200",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for testimonyd configuration.
// Variables are named TESTIMONYD_<section>_<key>, e.g. TESTIMONYD_METRICS_ADDR.
const envPrefix = "TESTIMONYD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (TESTIMONYD_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
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

// envKeyMapper transforms TESTIMONYD_METRICS_ADDR -> metrics.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"metrics.addr": defaults.Metrics.Addr,
		"metrics.path": defaults.Metrics.Path,
		"log.level":    defaults.Log.Level,
		"log.format":   defaults.Log.Format,
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
	// ErrNoListeners indicates the configuration declares no control sockets.
	ErrNoListeners = errors.New("at least one listener must be configured")

	// ErrEmptySocketPath indicates a listener has no socket path.
	ErrEmptySocketPath = errors.New("listener socket_path must not be empty")

	// ErrEmptyInterface indicates a listener has no capture interface.
	ErrEmptyInterface = errors.New("listener interface must not be empty")

	// ErrInvalidBlockSize indicates block_size is not a power of two in [2^12,2^32].
	ErrInvalidBlockSize = errors.New("listener block_size must be a power of two, 2^12..2^32")

	// ErrInvalidBlockCount indicates block_count is zero.
	ErrInvalidBlockCount = errors.New("listener block_count must be >= 1")

	// ErrInvalidFanoutSize indicates fanout_size is zero.
	ErrInvalidFanoutSize = errors.New("listener fanout_size must be >= 1")

	// ErrInvalidFanoutKind indicates an unrecognized fanout_kind string.
	ErrInvalidFanoutKind = errors.New("listener fanout_kind is not recognized")

	// ErrDuplicateSocketPath indicates two listeners share a socket path.
	ErrDuplicateSocketPath = errors.New("duplicate listener socket_path")
)

// ValidFanoutKinds lists the recognized fanout_kind strings.
var ValidFanoutKinds = map[string]bool{
	"lb":       true,
	"hash":     true,
	"cpu":      true,
	"rollover": true,
	"random":   true,
	"qm":       true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if len(cfg.Listeners) == 0 {
		return ErrNoListeners
	}

	seen := make(map[string]struct{}, len(cfg.Listeners))
	for i, lc := range cfg.Listeners {
		if err := validateListener(lc); err != nil {
			return fmt.Errorf("listeners[%d]: %w", i, err)
		}

		if _, dup := seen[lc.SocketPath]; dup {
			return fmt.Errorf("listeners[%d] %q: %w", i, lc.SocketPath, ErrDuplicateSocketPath)
		}
		seen[lc.SocketPath] = struct{}{}
	}

	return nil
}

func validateListener(lc ListenerConfig) error {
	if lc.SocketPath == "" {
		return ErrEmptySocketPath
	}
	if lc.Interface == "" {
		return ErrEmptyInterface
	}
	if !isPowerOfTwoInRange(lc.BlockSize) {
		return ErrInvalidBlockSize
	}
	if lc.BlockCount < 1 {
		return ErrInvalidBlockCount
	}
	if lc.FanoutSize < 1 {
		return ErrInvalidFanoutSize
	}
	kind := lc.FanoutKind
	if kind == "" {
		kind = "hash"
	}
	if !ValidFanoutKinds[kind] {
		return fmt.Errorf("fanout_kind %q: %w", lc.FanoutKind, ErrInvalidFanoutKind)
	}
	return nil
}

func isPowerOfTwoInRange(v uint32) bool {
	if v == 0 || v&(v-1) != 0 {
		return false
	}
	bits := 0
	for n := v; n > 1; n >>= 1 {
		bits++
	}
	return bits >= 12
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
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

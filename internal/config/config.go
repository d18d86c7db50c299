package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/gatewaynode/internal/model"
)

// Config holds all gateway configuration.
type Config struct {
	Peripherals []PeripheralConfig `yaml:"peripherals"`
	ServerKey   Key                `yaml:"server_key"`
	KeyService  KeyServiceConfig   `yaml:"key_service"`
	Relay       RelayConfig        `yaml:"relay"`
	BLE         BLEConfig          `yaml:"ble"`
	Control     ControlConfig      `yaml:"control"`
	Metrics     MetricsConfig      `yaml:"metrics"`
	LogLevel    string             `yaml:"log_level"`
	LogFormat   string             `yaml:"log_format"` // "text" or "json"
}

// PeripheralConfig describes one field node.
type PeripheralConfig struct {
	Address string     `yaml:"address"`
	ID      string     `yaml:"id"`
	Kind    model.Kind `yaml:"kind"` // "sensor" or "actuator"
	Key     Key        `yaml:"key"`
}

// KeyServiceConfig holds session-key service settings.
type KeyServiceConfig struct {
	Listen           string        `yaml:"listen"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// RelayConfig holds user relay service settings.
type RelayConfig struct {
	Listen string `yaml:"listen"`
}

// BLEConfig holds link engine settings.
type BLEConfig struct {
	ScanDuration time.Duration `yaml:"scan_duration"`
	ReadAttempts int           `yaml:"read_attempts"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
}

// ControlConfig holds coordinator settings and the automatic light control
// wiring.
type ControlConfig struct {
	LightSensor  string          `yaml:"light_sensor"`
	Actuator     string          `yaml:"actuator"`
	PollInterval time.Duration   `yaml:"poll_interval"`
	Options      map[string]bool `yaml:"options"`
}

// MetricsConfig holds the Prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Key is a 16-byte AES key written in YAML as 32 hex characters or as 16 raw
// ASCII characters.
type Key []byte

// UnmarshalYAML implements yaml.Unmarshaler.
func (k *Key) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("key must be a string: %w", err)
	}
	switch len(s) {
	case 0:
		*k = nil
	case 32:
		b, err := hex.DecodeString(s)
		if err != nil {
			return fmt.Errorf("key: invalid hex: %w", err)
		}
		*k = b
	case 16:
		*k = []byte(s)
	default:
		return fmt.Errorf("key must be 32 hex or 16 raw characters, got %d", len(s))
	}
	return nil
}

// MarshalYAML writes keys as hex.
func (k Key) MarshalYAML() (any, error) {
	return hex.EncodeToString(k), nil
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gatewaynode")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values. It has no
// peripherals and no server key; both must come from a config file.
func Default() *Config {
	return &Config{
		KeyService: KeyServiceConfig{
			Listen:           ":50000",
			HandshakeTimeout: 5 * time.Second,
		},
		Relay: RelayConfig{
			Listen: ":50001",
		},
		BLE: BLEConfig{
			ScanDuration: time.Second,
			ReadAttempts: 5,
			SettleDelay:  100 * time.Millisecond,
		},
		Control: ControlConfig{
			LightSensor:  "1",
			Actuator:     "2",
			PollInterval: 100 * time.Millisecond,
			Options:      map[string]bool{"Automatic Light Control": true},
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if len(c.ServerKey) != 16 {
		return fmt.Errorf("server_key must be 16 bytes, got %d", len(c.ServerKey))
	}

	seen := make(map[string]bool, len(c.Peripherals))
	for i, p := range c.Peripherals {
		if p.ID == "" {
			return fmt.Errorf("peripherals[%d].id must not be empty", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("peripherals[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if p.Address == "" {
			return fmt.Errorf("peripherals[%d].address must not be empty", i)
		}
		if !p.Kind.Valid() {
			return fmt.Errorf("peripherals[%d].kind must be \"sensor\" or \"actuator\", got %q", i, p.Kind)
		}
		if len(p.Key) != 16 {
			return fmt.Errorf("peripherals[%d].key must be 16 bytes, got %d", i, len(p.Key))
		}
	}

	if c.KeyService.Listen == "" {
		return fmt.Errorf("key_service.listen must not be empty")
	}
	if c.KeyService.HandshakeTimeout <= 0 {
		return fmt.Errorf("key_service.handshake_timeout must be > 0")
	}
	if c.Relay.Listen == "" {
		return fmt.Errorf("relay.listen must not be empty")
	}
	if c.BLE.ScanDuration <= 0 {
		return fmt.Errorf("ble.scan_duration must be > 0")
	}
	if c.BLE.ReadAttempts <= 0 {
		return fmt.Errorf("ble.read_attempts must be > 0")
	}
	if c.BLE.SettleDelay < 0 {
		return fmt.Errorf("ble.settle_delay must be >= 0")
	}
	if c.Control.PollInterval <= 0 {
		return fmt.Errorf("control.poll_interval must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	return nil
}

const defaultHeader = `# gatewaynode configuration
#
# server_key and every peripheral key are 32 hex characters or 16 raw
# characters. Example peripheral:
#
#   peripherals:
#     - address: "78:21:84:87:c5:e6"
#       id: "1"
#       kind: sensor
#       key: "6162636465666768696a6b6c6d6e6f70"
#
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" if a file was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	body, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("marshaling default config: %w", err)
	}

	if err := os.WriteFile(path, append([]byte(defaultHeader), body...), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// PeripheralModels converts the configured peripherals to model values.
func (c *Config) PeripheralModels() []model.Peripheral {
	out := make([]model.Peripheral, 0, len(c.Peripherals))
	for _, p := range c.Peripherals {
		out = append(out, model.Peripheral{
			Address: p.Address,
			ID:      p.ID,
			Kind:    p.Kind,
			Key:     append([]byte(nil), p.Key...),
		})
	}
	return out
}

// ParseLogLevel converts a level name to a slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

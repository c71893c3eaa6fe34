package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix is the prefix for environment overrides, e.g. EVAL_LOG_LEVEL.
const EnvPrefix = "EVAL"

// Duration is a time.Duration that decodes from strings such as "5s" in
// YAML, TOML and environment variables alike.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Transport modes.
const (
	TransportStdio     = "stdio"
	TransportWebSocket = "websocket"
	TransportGRPC      = "grpc"
)

// Config holds all worker configuration.
type Config struct {
	Logging     LogConfig         `yaml:"logging" toml:"logging" envconfig:"LOG"`
	Inspect     InspectConfig     `yaml:"inspect" toml:"inspect" envconfig:"INSPECT"`
	Addons      AddonConfig       `yaml:"addons" toml:"addons" envconfig:"ADDON"`
	Sandbox     SandboxConfig     `yaml:"sandbox" toml:"sandbox" envconfig:"SANDBOX"`
	Send        SendConfig        `yaml:"send" toml:"send" envconfig:"SEND"`
	Transport   TransportConfig   `yaml:"transport" toml:"transport" envconfig:"TRANSPORT"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics" toml:"diagnostics" envconfig:"DIAGNOSTICS"`

	// SetupFiles are glob patterns of scripts run before serving requests.
	SetupFiles []string `yaml:"setupFiles" toml:"setupFiles" envconfig:"SETUP_FILES"`
	// HostCallTimeout bounds every call the worker makes back into the host.
	HostCallTimeout Duration `yaml:"hostCallTimeout" toml:"hostCallTimeout" envconfig:"HOST_CALL_TIMEOUT"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `yaml:"level" toml:"level" envconfig:"LEVEL"`
	Development bool   `yaml:"development" toml:"development" envconfig:"DEV"`
	Timestamp   string `yaml:"timestamp" toml:"timestamp" envconfig:"TIMESTAMP"`
}

// InspectConfig controls how values are rendered back to the host.
type InspectConfig struct {
	Depth           int `yaml:"depth" toml:"depth" envconfig:"DEPTH"`
	MaxArrayLength  int `yaml:"maxArrayLength" toml:"maxArrayLength" envconfig:"MAX_ARRAY_LENGTH"`
	MaxStringLength int `yaml:"maxStringLength" toml:"maxStringLength" envconfig:"MAX_STRING_LENGTH"`
	BreakLength     int `yaml:"breakLength" toml:"breakLength" envconfig:"BREAK_LENGTH"`
}

// AddonConfig describes where addons come from.
type AddonConfig struct {
	Root      string   `yaml:"root" toml:"root" envconfig:"ROOT"`
	Names     []string `yaml:"names" toml:"names" envconfig:"NAMES"`
	CacheFile string   `yaml:"cacheFile" toml:"cacheFile" envconfig:"CACHE_FILE"`
}

// SandboxConfig holds interpreter limits.
type SandboxConfig struct {
	Timeout          Duration `yaml:"timeout" toml:"timeout" envconfig:"TIMEOUT"`
	MaxCallStackSize int      `yaml:"maxCallStackSize" toml:"maxCallStackSize" envconfig:"MAX_CALL_STACK"`
	EnableConsole    bool     `yaml:"enableConsole" toml:"enableConsole" envconfig:"CONSOLE"`
}

// SendConfig limits outbound messages per invocation.
type SendConfig struct {
	RatePerSecond float64 `yaml:"ratePerSecond" toml:"ratePerSecond" envconfig:"RATE"`
	Burst         int     `yaml:"burst" toml:"burst" envconfig:"BURST"`
}

// TransportConfig selects how the worker talks to its host.
type TransportConfig struct {
	Mode    string `yaml:"mode" toml:"mode" envconfig:"MODE"`
	Address string `yaml:"address" toml:"address" envconfig:"ADDRESS"`
}

// DiagnosticsConfig holds the health/metrics server settings.
// An empty address disables the server.
type DiagnosticsConfig struct {
	Address string `yaml:"address" toml:"address" envconfig:"ADDRESS"`
	// AllowOrigins enables CORS on the router and lets browser hosts
	// from these origins open the websocket channel.
	AllowOrigins []string `yaml:"allowOrigins" toml:"allowOrigins" envconfig:"ALLOW_ORIGINS"`
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Logging: LogConfig{
			Level:       "info",
			Development: false,
			Timestamp:   "iso8601",
		},
		Inspect: InspectConfig{
			Depth:           2,
			MaxArrayLength:  100,
			MaxStringLength: 10000,
			BreakLength:     80,
		},
		Addons: AddonConfig{
			Root: "addons",
		},
		Sandbox: SandboxConfig{
			Timeout:          Duration(5 * time.Second),
			MaxCallStackSize: 1024,
			EnableConsole:    true,
		},
		Send: SendConfig{
			RatePerSecond: 5,
			Burst:         10,
		},
		Transport: TransportConfig{
			Mode: TransportStdio,
		},
		HostCallTimeout: Duration(30 * time.Second),
	}
}

// Load reads the optional config file at path (YAML or TOML by extension),
// then applies EVAL_* environment overrides on top of it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
	}

	// Fields carry no default tags, so unset variables leave file values alone.
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration or returns the default on any error.
func LoadOrDefault(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		return Default()
	}
	return cfg
}

func (c *Config) decodeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse yaml config %s: %w", path, err)
		}
	case ".toml":
		if err := toml.NewDecoder(bytes.NewReader(data)).Decode(c); err != nil {
			return fmt.Errorf("failed to parse toml config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
	return nil
}

// Validate rejects configurations the worker cannot run with.
func (c *Config) Validate() error {
	switch c.Transport.Mode {
	case TransportStdio:
	case TransportWebSocket, TransportGRPC:
		if c.Transport.Address == "" {
			return fmt.Errorf("transport %s requires an address", c.Transport.Mode)
		}
	default:
		return fmt.Errorf("unknown transport mode %q", c.Transport.Mode)
	}

	if c.Inspect.Depth < 0 || c.Inspect.MaxArrayLength < 0 || c.Inspect.MaxStringLength < 0 {
		return fmt.Errorf("inspect limits must not be negative")
	}
	if c.Sandbox.Timeout < 0 {
		return fmt.Errorf("sandbox timeout must not be negative")
	}
	if c.Send.RatePerSecond < 0 || c.Send.Burst < 0 {
		return fmt.Errorf("send rate must not be negative")
	}
	if c.HostCallTimeout <= 0 {
		return fmt.Errorf("host call timeout must be positive")
	}
	return nil
}

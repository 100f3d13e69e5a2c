// Package config provides configuration parsing and validation for socks5tun.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration.
type Config struct {
	Agent   AgentConfig   `yaml:"agent"`
	Local   LocalConfig   `yaml:"local"`
	Remote  RemoteConfig  `yaml:"remote"`
	Cipher  CipherConfig  `yaml:"cipher"`
	Limits  LimitsConfig  `yaml:"limits"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// AgentConfig contains process-wide ambient settings.
type AgentConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// LocalConfig configures the SOCKS5 listener the engine accepts client
// connections on.
type LocalConfig struct {
	Address        string `yaml:"address"`         // listen address, e.g. "127.0.0.1:1080"
	MaxConnections int    `yaml:"max_connections"` // 0 = unlimited
}

// RemoteConfig configures the set of relay servers this engine tunnels to.
// One is chosen per connection; see internal/socks5.Dialer.
type RemoteConfig struct {
	Hosts          []string      `yaml:"hosts"` // candidate remote relay hosts
	Port           int           `yaml:"port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// CipherConfig configures the stream cipher applied to the remote leg.
type CipherConfig struct {
	Method   string `yaml:"method"` // none, rc4-md5, aes-128-ctr, aes-256-ctr, chacha20
	Password string `yaml:"password"`
}

// LimitsConfig tunes acceptor-side resource controls.
type LimitsConfig struct {
	// AcceptRate bounds sustained accepted connections per second. 0 disables
	// the limiter.
	AcceptRate float64 `yaml:"accept_rate"`
	// AcceptBurst is the token bucket burst size for AcceptRate.
	AcceptBurst int `yaml:"accept_burst"`
	// BufferSize is the per-direction relay copy buffer size, in bytes.
	BufferSize int `yaml:"buffer_size"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Local: LocalConfig{
			Address:        "127.0.0.1:1080",
			MaxConnections: 1000,
		},
		Remote: RemoteConfig{
			Port:           8388,
			ConnectTimeout: 10 * time.Second,
		},
		Cipher: CipherConfig{
			Method: "aes-256-ctr",
		},
		Limits: LimitsConfig{
			AcceptRate:  0,
			AcceptBurst: 64,
			BufferSize:  16 * 1024,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR}, ${VAR:-default} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// validMethods enumerates the stream cipher methods this engine supports.
// Kept in sync with internal/cipherstream.Method.
var validMethods = map[string]bool{
	"none":        true,
	"rc4-md5":     true,
	"aes-128-ctr": true,
	"aes-256-ctr": true,
	"chacha20":    true,
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	if c.Local.Address == "" {
		errs = append(errs, "local.address is required")
	}
	if c.Local.MaxConnections < 0 {
		errs = append(errs, "local.max_connections must not be negative")
	}

	if len(c.Remote.Hosts) == 0 {
		errs = append(errs, "remote.hosts must contain at least one host")
	}
	if c.Remote.Port < 1 || c.Remote.Port > 65535 {
		errs = append(errs, "remote.port must be between 1 and 65535")
	}
	if c.Remote.ConnectTimeout <= 0 {
		errs = append(errs, "remote.connect_timeout must be positive")
	}

	if !validMethods[c.Cipher.Method] {
		errs = append(errs, fmt.Sprintf("invalid cipher.method: %s", c.Cipher.Method))
	}
	if c.Cipher.Method != "none" && c.Cipher.Password == "" {
		errs = append(errs, "cipher.password is required unless cipher.method is none")
	}

	if c.Limits.AcceptRate < 0 {
		errs = append(errs, "limits.accept_rate must not be negative")
	}
	if c.Limits.BufferSize < 512 {
		errs = append(errs, "limits.buffer_size must be at least 512")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when metrics.enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with the cipher password redacted.
// Safe to log or display.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Cipher.Password != "" {
		redacted.Cipher.Password = redactedValue
	}

	return redacted
}

// String returns a redacted YAML representation of the config, for logging.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// Package config provides configuration parsing and validation for Reitti Rele.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete proxy configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Buffers   BuffersConfig   `yaml:"buffers"`
	DNS       DNSConfig       `yaml:"dns"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	HTTP      HTTPConfig      `yaml:"http"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// ServerConfig contains listener and runtime settings.
type ServerConfig struct {
	// Address is the SOCKS5 listen address (host:port). IPv4 and IPv6
	// listen addresses are both supported.
	Address string `yaml:"address"`

	// MaxConnections limits concurrent client connections (0 = unlimited).
	MaxConnections int `yaml:"max_connections"`

	// WorkerThreads caps the scheduler's OS threads (0 = hardware
	// concurrency).
	WorkerThreads int `yaml:"worker_threads"`

	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// AuthConfig defines SOCKS5 authentication settings. When disabled, only the
// no-auth method is offered; when enabled, only username/password.
type AuthConfig struct {
	Enabled bool         `yaml:"enabled"`
	Users   []UserConfig `yaml:"users"`
}

// UserConfig defines a SOCKS5 user.
type UserConfig struct {
	Username string `yaml:"username"`
	// Password is the plaintext password (deprecated, use PasswordHash).
	Password string `yaml:"password,omitempty"`
	// PasswordHash is the bcrypt hash of the password (recommended).
	// Generate with: reitti-rele hash
	PasswordHash string `yaml:"password_hash,omitempty"`
}

// TimeoutsConfig defines the protocol timers.
type TimeoutsConfig struct {
	// Idle surrounds each logical protocol message read.
	Idle time.Duration `yaml:"idle"`
	// BindWait bounds the wait for the inbound BIND peer.
	BindWait time.Duration `yaml:"bind_wait"`
	// Connect bounds the outbound CONNECT dial.
	Connect time.Duration `yaml:"connect"`
}

// BuffersConfig sizes the relay buffers.
type BuffersConfig struct {
	TCP int `yaml:"tcp"`
	UDP int `yaml:"udp"`
}

// DNSConfig defines name resolution settings.
type DNSConfig struct {
	// Servers lists explicit DNS servers (host:port); empty uses the
	// system resolver.
	Servers []string      `yaml:"servers"`
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig toggles Prometheus instrumentation.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// HTTPConfig defines the status HTTP server.
type HTTPConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Pprof controls the /debug/pprof/* endpoints. Use a pointer to
	// distinguish "not set" (nil = enabled) from "explicitly false".
	Pprof *bool `yaml:"pprof"`
}

// PprofEnabled returns whether the /debug/pprof/* endpoints are enabled.
func (h HTTPConfig) PprofEnabled() bool {
	return h.Pprof == nil || *h.Pprof
}

// WebSocketConfig defines the optional SOCKS5-over-WebSocket ingress.
type WebSocketConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Path      string `yaml:"path"`
	PlainText bool   `yaml:"plaintext"` // allow plain WS (reverse proxy mode)
	Cert      string `yaml:"cert"`      // TLS certificate file path
	Key       string `yaml:"key"`       // TLS private key file path
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        "127.0.0.1:1080",
			MaxConnections: 1000,
			LogLevel:       "info",
			LogFormat:      "text",
		},
		Timeouts: TimeoutsConfig{
			Idle:     60 * time.Second,
			BindWait: 30 * time.Second,
			Connect:  30 * time.Second,
		},
		Buffers: BuffersConfig{
			TCP: 16384,
			UDP: 65535,
		},
		DNS: DNSConfig{
			Servers: []string{},
			Timeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		HTTP: HTTPConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		WebSocket: WebSocketConfig{
			Enabled: false,
			Path:    "/socks5",
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
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
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

		// Handle default values: ${VAR:-default}
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
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Address == "" {
		errs = append(errs, "server.address is required")
	} else if _, _, err := net.SplitHostPort(c.Server.Address); err != nil {
		errs = append(errs, fmt.Sprintf("invalid server.address: %v", err))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, "server.max_connections must not be negative")
	}
	if c.Server.WorkerThreads < 0 {
		errs = append(errs, "server.worker_threads must not be negative")
	}
	if !isValidLogLevel(c.Server.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Server.LogLevel))
	}
	if !isValidLogFormat(c.Server.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Server.LogFormat))
	}

	if c.Auth.Enabled {
		if len(c.Auth.Users) == 0 {
			errs = append(errs, "auth.users is required when auth is enabled")
		}
		for i, u := range c.Auth.Users {
			if u.Username == "" {
				errs = append(errs, fmt.Sprintf("auth.users[%d]: username is required", i))
			}
			if len(u.Username) > 255 {
				errs = append(errs, fmt.Sprintf("auth.users[%d]: username exceeds 255 bytes", i))
			}
			if u.Password == "" && u.PasswordHash == "" {
				errs = append(errs, fmt.Sprintf("auth.users[%d]: password or password_hash is required", i))
			}
			if len(u.Password) > 255 {
				errs = append(errs, fmt.Sprintf("auth.users[%d]: password exceeds 255 bytes", i))
			}
		}
	}

	if c.Timeouts.Idle < 0 || c.Timeouts.BindWait < 0 || c.Timeouts.Connect < 0 {
		errs = append(errs, "timeouts must not be negative")
	}
	if c.Buffers.TCP < 0 || c.Buffers.UDP < 0 {
		errs = append(errs, "buffer sizes must not be negative")
	}

	for i, server := range c.DNS.Servers {
		if _, _, err := net.SplitHostPort(server); err != nil {
			errs = append(errs, fmt.Sprintf("dns.servers[%d]: %v", i, err))
		}
	}

	if c.HTTP.Enabled && c.HTTP.Address == "" {
		errs = append(errs, "http.address is required when enabled")
	}

	if c.WebSocket.Enabled {
		if c.WebSocket.Address == "" {
			errs = append(errs, "websocket.address is required when enabled")
		}
		if !c.WebSocket.PlainText && (c.WebSocket.Cert == "" || c.WebSocket.Key == "") {
			errs = append(errs, "websocket requires cert and key unless plaintext is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}

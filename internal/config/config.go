// Package config provides configuration parsing and validation for the relay hub.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/relayhub/internal/protocol"
)

// Config represents the complete hub configuration.
type Config struct {
	Hub       HubConfig       `yaml:"hub"`
	Listener  ListenerConfig  `yaml:"listener"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Auth      AuthConfig      `yaml:"auth"`
	Requests  RequestsConfig  `yaml:"requests"`
	Bans      BansConfig      `yaml:"bans"`
	Debug     DebugConfig     `yaml:"debug"`
	Messages  MessagesConfig  `yaml:"messages"`
	Health    HealthConfig    `yaml:"health"`
	Control   ControlConfig   `yaml:"control"`
}

// HubConfig contains process-wide settings.
type HubConfig struct {
	DataDir   string `yaml:"data_dir"`   // Directory for persistent state
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// ListenerConfig defines the framed TCP listener agents connect to.
type ListenerConfig struct {
	Address        string        `yaml:"address"`
	MaxConnections int           `yaml:"max_connections"` // 0 = unlimited
	AuthTimeout    time.Duration `yaml:"auth_timeout"`
	MaxFrameSize   int           `yaml:"max_frame_size"`
	AcceptRate     float64       `yaml:"accept_rate"` // connections per second, 0 = unlimited
	AcceptBurst    int           `yaml:"accept_burst"`
	GateTimeout    time.Duration `yaml:"gate_timeout"` // ban lookup deadline on accept
}

// WebSocketConfig defines the optional WebSocket agent listener.
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// AuthConfig defines how agents prove knowledge of the shared secret.
type AuthConfig struct {
	SecretFile string `yaml:"secret_file"` // relative to hub.data_dir unless absolute
	SecretHash string `yaml:"secret_hash"` // optional bcrypt hash, overrides the file
}

// RequestsConfig defines request correlation and selection behavior.
type RequestsConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	SelectionTTL  time.Duration `yaml:"selection_ttl"`
	MaxSelections int           `yaml:"max_selections"`
}

// BansConfig defines the escalating IP ban policy.
type BansConfig struct {
	Dir          string        `yaml:"dir"` // relative to hub.data_dir unless absolute
	Threshold    int           `yaml:"threshold"`
	InitialBlock time.Duration `yaml:"initial_block"`
	MaxBlock     time.Duration `yaml:"max_block"`
}

// DebugConfig toggles logging categories. They only change verbosity.
type DebugConfig struct {
	Connections          bool `yaml:"connections"`
	Authentication       bool `yaml:"authentication"`
	CommandRegistrations bool `yaml:"command_registrations"`
	ClientResponses      bool `yaml:"client_responses"`
	Errors               bool `yaml:"errors"`
	BannedConnections    bool `yaml:"banned_connections"`
}

// MessagesConfig holds the user-visible texts returned to callers.
type MessagesConfig struct {
	CommandUnavailable string `yaml:"command_unavailable"`
	SelectServer       string `yaml:"select_server"`
	SelectionExpired   string `yaml:"selection_expired"`
	ServerNotFound     string `yaml:"server_not_found"`
	ResponseTimeout    string `yaml:"response_timeout"`
	ReloadSuccess      string `yaml:"reload_success"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Hub: HubConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Listener: ListenerConfig{
			Address:        "0.0.0.0:8086",
			MaxConnections: 1000,
			AuthTimeout:    30 * time.Second,
			MaxFrameSize:   protocol.MaxFrameSize,
			AcceptRate:     0,
			AcceptBurst:    50,
			GateTimeout:    5 * time.Second,
		},
		WebSocket: WebSocketConfig{
			Enabled: false,
			Address: "0.0.0.0:8087",
			Path:    "/agent",
		},
		Auth: AuthConfig{
			SecretFile: "secret.complete.code",
		},
		Requests: RequestsConfig{
			Timeout:       10 * time.Second,
			SelectionTTL:  5 * time.Minute,
			MaxSelections: 1024,
		},
		Bans: BansConfig{
			Dir:          "bans",
			Threshold:    10,
			InitialBlock: 5 * time.Minute,
			MaxBlock:     time.Hour,
		},
		Debug: DebugConfig{
			Connections:    true,
			Authentication: true,
			Errors:         true,
		},
		Messages: MessagesConfig{
			CommandUnavailable: "This command is currently unavailable.",
			SelectServer:       "Select a server:",
			SelectionExpired:   "This selection has expired.",
			ServerNotFound:     "Server not found.",
			ResponseTimeout:    "Response timeout.",
			ReloadSuccess:      "Configuration reloaded.",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    true,
			SocketPath: "./data/control.sock",
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

// Save writes cfg as YAML to path, creating parent directories.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
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

		// ${VAR:-default}
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

	if c.Hub.DataDir == "" {
		errs = append(errs, "hub.data_dir is required")
	}
	if !isValidLogLevel(c.Hub.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Hub.LogLevel))
	}
	if !isValidLogFormat(c.Hub.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Hub.LogFormat))
	}

	if !isValidAddress(c.Listener.Address) {
		errs = append(errs, fmt.Sprintf("listener.address is invalid: %q", c.Listener.Address))
	}
	if c.Listener.MaxConnections < 0 {
		errs = append(errs, "listener.max_connections must not be negative")
	}
	if c.Listener.AuthTimeout <= 0 {
		errs = append(errs, "listener.auth_timeout must be positive")
	}
	if c.Listener.MaxFrameSize < 1 || c.Listener.MaxFrameSize > protocol.MaxFrameSize {
		errs = append(errs, fmt.Sprintf("listener.max_frame_size must be between 1 and %d", protocol.MaxFrameSize))
	}
	if c.Listener.AcceptRate < 0 {
		errs = append(errs, "listener.accept_rate must not be negative")
	}
	if c.Listener.AcceptRate > 0 && c.Listener.AcceptBurst < 1 {
		errs = append(errs, "listener.accept_burst must be positive when accept_rate is set")
	}
	if c.Listener.GateTimeout <= 0 {
		errs = append(errs, "listener.gate_timeout must be positive")
	}

	if c.WebSocket.Enabled {
		if !isValidAddress(c.WebSocket.Address) {
			errs = append(errs, fmt.Sprintf("websocket.address is invalid: %q", c.WebSocket.Address))
		}
		if !strings.HasPrefix(c.WebSocket.Path, "/") {
			errs = append(errs, "websocket.path must start with /")
		}
	}

	if c.Auth.SecretFile == "" && c.Auth.SecretHash == "" {
		errs = append(errs, "auth.secret_file or auth.secret_hash is required")
	}
	if c.Auth.SecretHash != "" && !strings.HasPrefix(c.Auth.SecretHash, "$2") {
		errs = append(errs, "auth.secret_hash must be a bcrypt hash")
	}

	if c.Requests.Timeout <= 0 {
		errs = append(errs, "requests.timeout must be positive")
	}
	if c.Requests.SelectionTTL <= 0 {
		errs = append(errs, "requests.selection_ttl must be positive")
	}
	if c.Requests.MaxSelections < 1 {
		errs = append(errs, "requests.max_selections must be positive")
	}

	if c.Bans.Dir == "" {
		errs = append(errs, "bans.dir is required")
	}
	if c.Bans.Threshold < 1 {
		errs = append(errs, "bans.threshold must be positive")
	}
	if c.Bans.InitialBlock < time.Second {
		errs = append(errs, "bans.initial_block must be at least 1s")
	}
	if c.Bans.MaxBlock < c.Bans.InitialBlock {
		errs = append(errs, "bans.max_block must be >= initial_block")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// SecretPath returns the resolved path of the shared secret file.
func (c *Config) SecretPath() string {
	return c.resolve(c.Auth.SecretFile)
}

// BansPath returns the resolved directory of the ban database.
func (c *Config) BansPath() string {
	return c.resolve(c.Bans.Dir)
}

func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Hub.DataDir, p)
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

func isValidAddress(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port != ""
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Auth.SecretHash != "" {
		redacted.Auth.SecretHash = redactedValue
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	return c.Auth.SecretHash != ""
}

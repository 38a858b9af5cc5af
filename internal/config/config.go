// Package config provides configuration parsing and validation for deskcast.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deskcast/deskcast/internal/capture"
	"github.com/deskcast/deskcast/internal/engine"
	"github.com/deskcast/deskcast/internal/server"
	"github.com/deskcast/deskcast/internal/token"
)

// Config represents the complete deskcast configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
	Engine  EngineConfig  `yaml:"engine"`
	Retry   RetryConfig   `yaml:"retry"`
	Stream  StreamConfig  `yaml:"stream"`
	Capture CaptureConfig `yaml:"capture"`
	Health  HealthConfig  `yaml:"health"`
	Viewer  ViewerConfig  `yaml:"viewer"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ServerConfig defines the UDP listener and session limits.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	MaxDatagramSize int           `yaml:"max_datagram_size"`
	ConnIDLen       int           `yaml:"conn_id_len"`
	RecvBuffer      int           `yaml:"recv_buffer"`
	SocketBuffer    int           `yaml:"socket_buffer"` // 0 = kernel default
	DSCP            int           `yaml:"dscp"`
	MaxSessions     int           `yaml:"max_sessions"` // 0 = unlimited
	IdleTimeout     time.Duration `yaml:"idle_timeout"` // 0 = disabled
}

// EngineConfig defines transport parameters advertised to peers.
type EngineConfig struct {
	MaxData        uint64   `yaml:"max_data"`
	MaxStreamData  uint64   `yaml:"max_stream_data"`
	MaxStreamsBidi uint64   `yaml:"max_streams_bidi"`
	EarlyData      bool     `yaml:"early_data"`
	ALPN           []string `yaml:"alpn"`
}

// RetryConfig defines retry token settings.
type RetryConfig struct {
	TokenMode string        `yaml:"token_mode"` // plain, sealed
	Secret    string        `yaml:"secret"`     // required for sealed
	MaxAge    time.Duration `yaml:"max_age"`
	RateLimit float64       `yaml:"rate_limit"` // retries per second, 0 = unlimited
	Burst     int           `yaml:"burst"`
}

// StreamConfig defines the media application protocol.
type StreamConfig struct {
	Path            string `yaml:"path"`
	MaxRequestSize  int    `yaml:"max_request_size"`
	MaxPendingBytes int    `yaml:"max_pending_bytes"`
}

// CaptureConfig defines the frame source.
type CaptureConfig struct {
	Source       string        `yaml:"source"` // synthetic, file
	Path         string        `yaml:"path"`
	FPS          int           `yaml:"fps"`
	GOP          int           `yaml:"gop"`
	FrameSize    int           `yaml:"frame_size"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	StallAfter   time.Duration `yaml:"stall_after"` // 0 = never report stalled
	Pprof        bool          `yaml:"pprof"`
}

// ViewerConfig defines the client used by "deskcast view".
type ViewerConfig struct {
	Server       string        `yaml:"server"`
	Path         string        `yaml:"path"`
	Output       string        `yaml:"output"` // file path, "-" for stdout
	Timeout      time.Duration `yaml:"timeout"`
	TickInterval time.Duration `yaml:"tick_interval"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Listen:          server.DefaultListen,
			MaxDatagramSize: engine.DefaultMaxDatagramSize,
			ConnIDLen:       engine.DefaultConnIDLen,
			RecvBuffer:      server.DefaultRecvBuffer,
		},
		Engine: EngineConfig{
			MaxData:        engine.DefaultMaxData,
			MaxStreamData:  engine.DefaultMaxStreamData,
			MaxStreamsBidi: engine.DefaultMaxStreamsBidi,
			ALPN:           append([]string(nil), engine.DefaultALPN...),
		},
		Retry: RetryConfig{
			TokenMode: token.ModePlain,
		},
		Stream: StreamConfig{
			Path:            server.DefaultStreamPath,
			MaxRequestSize:  server.DefaultMaxRequestSize,
			MaxPendingBytes: server.DefaultMaxPendingBytes,
		},
		Capture: CaptureConfig{
			Source:       capture.SourceSynthetic,
			FPS:          30,
			GOP:          60,
			FrameSize:    16 * 1024,
			TickInterval: time.Millisecond,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			StallAfter:   5 * time.Second,
		},
		Viewer: ViewerConfig{
			Server:       "127.0.0.1:1337",
			Path:         server.DefaultStreamPath,
			Output:       "-",
			Timeout:      10 * time.Second,
			TickInterval: time.Millisecond,
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
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if err := c.ServerConfig().Validate(); err != nil {
		errs = append(errs, prefixed("server", err)...)
	}
	if err := c.EngineConfig().Validate(); err != nil {
		errs = append(errs, prefixed("engine", err)...)
	}

	switch c.Retry.TokenMode {
	case token.ModePlain:
	case token.ModeSealed:
		if c.Retry.Secret == "" {
			errs = append(errs, "retry.secret is required when token_mode is sealed")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid retry.token_mode: %s (must be plain or sealed)", c.Retry.TokenMode))
	}
	if c.Retry.MaxAge < 0 {
		errs = append(errs, "retry.max_age must not be negative")
	}

	switch c.Capture.Source {
	case capture.SourceSynthetic:
		if c.Capture.GOP < 1 {
			errs = append(errs, "capture.gop must be positive")
		}
		if c.Capture.FrameSize < 16 {
			errs = append(errs, "capture.frame_size must be at least 16")
		}
	case capture.SourceFile:
		if c.Capture.Path == "" {
			errs = append(errs, "capture.path is required for the file source")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid capture.source: %s (must be synthetic or file)", c.Capture.Source))
	}
	if c.Capture.FPS < 1 || c.Capture.FPS > 240 {
		errs = append(errs, "capture.fps must be between 1 and 240")
	}
	if c.Capture.TickInterval <= 0 {
		errs = append(errs, "capture.tick_interval must be positive")
	}

	if c.Health.Enabled {
		if _, _, err := net.SplitHostPort(c.Health.Address); err != nil {
			errs = append(errs, fmt.Sprintf("health.address: %v", err))
		}
		if c.Health.StallAfter < 0 {
			errs = append(errs, "health.stall_after must not be negative")
		}
	}

	if c.Viewer.Path == "" || c.Viewer.Path[0] != '/' {
		errs = append(errs, "viewer.path must start with /")
	}
	if c.Viewer.TickInterval <= 0 {
		errs = append(errs, "viewer.tick_interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// prefixed splits a joined error into lines tagged with the section name.
func prefixed(section string, err error) []string {
	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		out = append(out, section+": "+line)
	}
	return out
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

// ServerConfig converts the server section.
func (c *Config) ServerConfig() server.Config {
	return server.Config{
		Listen:          c.Server.Listen,
		RecvBuffer:      c.Server.RecvBuffer,
		SocketBuffer:    c.Server.SocketBuffer,
		DSCP:            c.Server.DSCP,
		MaxSessions:     c.Server.MaxSessions,
		IdleTimeout:     c.Server.IdleTimeout,
		RetryRateLimit:  c.Retry.RateLimit,
		RetryBurst:      c.Retry.Burst,
		StreamPath:      c.Stream.Path,
		MaxRequestSize:  c.Stream.MaxRequestSize,
		MaxPendingBytes: c.Stream.MaxPendingBytes,
	}
}

// EngineConfig converts the engine section.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		MaxDatagramSize: c.Server.MaxDatagramSize,
		ConnIDLen:       c.Server.ConnIDLen,
		MaxData:         c.Engine.MaxData,
		MaxStreamData:   c.Engine.MaxStreamData,
		MaxStreamsBidi:  c.Engine.MaxStreamsBidi,
		EnableEarlyData: c.Engine.EarlyData,
		ALPN:            append([]string(nil), c.Engine.ALPN...),
	}
}

// TokenConfig converts the retry section.
func (c *Config) TokenConfig() token.Config {
	return token.Config{
		Mode:   c.Retry.TokenMode,
		Secret: c.Retry.Secret,
		MaxAge: c.Retry.MaxAge,
	}
}

// CaptureConfig converts the capture section.
func (c *Config) CaptureConfig() capture.Config {
	return capture.Config{
		Source:    c.Capture.Source,
		Path:      c.Capture.Path,
		FPS:       c.Capture.FPS,
		GOP:       c.Capture.GOP,
		FrameSize: c.Capture.FrameSize,
	}
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
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

	if redacted.Retry.Secret != "" {
		redacted.Retry.Secret = redactedValue
	}
	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	return c.Retry.Secret != ""
}

// Package config loads client and stub server settings from twin.yaml and
// TWIN_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is read when no config file is named. It is optional.
const DefaultPath = "twin.yaml"

const envPrefix = "TWIN_"

type Config struct {
	Endpoint  string          `koanf:"endpoint"`
	UserAgent string          `koanf:"user_agent"`
	Timeouts  TimeoutConfig   `koanf:"timeouts"`
	Stream    StreamConfig    `koanf:"stream"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Export    ExportConfig    `koanf:"export"`
	Tokens    TokensConfig    `koanf:"tokens"`
	Stub      StubConfig      `koanf:"stub"`
}

// TimeoutConfig bounds connection setup. Reading the reply has no deadline.
type TimeoutConfig struct {
	Connect        time.Duration `koanf:"connect"`
	ResponseHeader time.Duration `koanf:"response_header"`
}

type StreamConfig struct {
	MaxLineBytes     int `koanf:"max_line_bytes"`
	SubscriberBuffer int `koanf:"subscriber_buffer"`
}

type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // text, json
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

type ExportConfig struct {
	Dir string `koanf:"dir"`
}

type TokensConfig struct {
	Encoding string `koanf:"encoding"`
}

// StubConfig configures the local stand-in for the chat service.
type StubConfig struct {
	Port  int           `koanf:"port"`
	Delay time.Duration `koanf:"delay"` // pause between streamed words
}

var defaults = map[string]any{
	"endpoint":                 "http://localhost:8000/chat/stream",
	"user_agent":               "twin-chat/1.0",
	"timeouts.connect":         5 * time.Second,
	"timeouts.response_header": 30 * time.Second,
	"stream.max_line_bytes":    1 << 20,
	"stream.subscriber_buffer": 64,
	"log.level":                "info",
	"log.format":               "text",
	"telemetry.enabled":        false,
	"export.dir":               ".",
	"tokens.encoding":          "cl100k_base",
	"stub.port":                8000,
	"stub.delay":               30 * time.Millisecond,
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path, then TWIN_ environment variables on top. An empty path
// means DefaultPath, which may be absent; an explicit path must exist.
// Nested keys use a double underscore: TWIN_TIMEOUTS__CONNECT=2s.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	optional := path == ""
	if optional {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !optional || !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Endpoint = substituteEnvVars(cfg.Endpoint)
	cfg.UserAgent = substituteEnvVars(cfg.UserAgent)
	cfg.Export.Dir = substituteEnvVars(cfg.Export.Dir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail later and less clearly.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("endpoint %q must be an http or https URL", c.Endpoint))
	}
	if c.Stream.MaxLineBytes <= 0 {
		errs = append(errs, errors.New("stream.max_line_bytes must be positive"))
	}
	if c.Timeouts.Connect < 0 || c.Timeouts.ResponseHeader < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if c.Stub.Port <= 0 || c.Stub.Port > 65535 {
		errs = append(errs, fmt.Errorf("stub.port %d out of range", c.Stub.Port))
	}

	return errors.Join(errs...)
}

// SlogLevel parses the configured level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return level, nil
}

// NewLogger builds the process logger described by l.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

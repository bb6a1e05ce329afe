// Package config loads the layered application configuration: baked-in
// defaults, then an optional TOML file, then POLYBRIDGE_ environment
// variables, each layer overriding the previous one.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces the environment variable layer.
const envPrefix = "POLYBRIDGE_"

// Config is the full application configuration.
type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Logging   LoggingConfig    `koanf:"logging"`
	Storage   StorageConfig    `koanf:"storage"`
	Providers []ProviderConfig `koanf:"providers" validate:"dive"`
}

// ServerConfig configures the local HTTP listener the editor connects to.
type ServerConfig struct {
	Host string `koanf:"host" validate:"required"`
	Port int    `koanf:"port" validate:"min=1,max=65535"`
	// MaxRequestBytes bounds incoming request bodies.
	MaxRequestBytes int64 `koanf:"max_request_bytes" validate:"min=1"`
}

// LoggingConfig configures the slog backend.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json otlp"`
}

// StorageConfig locates durable state.
type StorageConfig struct {
	// Path is the SQLite database holding registry and quota slots.
	Path string `koanf:"path" validate:"required"`
}

// ProviderConfig is one upstream backend.
type ProviderConfig struct {
	Name    string `koanf:"name" validate:"required"`
	Dialect string `koanf:"dialect" validate:"oneof=openai anthropic gemini"`
	BaseURL string `koanf:"base_url" validate:"required,url"`
	// RequestsPerSecond caps the outbound rate; zero disables the limiter.
	RequestsPerSecond float64 `koanf:"requests_per_second" validate:"min=0"`
}

// defaults is the bottom configuration layer.
var defaults = map[string]any{
	"server.host":              "127.0.0.1",
	"server.port":              4141,
	"server.max_request_bytes": int64(10 << 20),
	"logging.level":            "info",
	"logging.format":           "text",
	"storage.path":             defaultStoragePath(),
}

func defaultStoragePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "polybridge.db"
	}
	return dir + "/polybridge/state.db"
}

// Load builds the configuration from defaults, the optional TOML file at
// path, and the environment. An empty path skips the file layer; a named
// file that does not exist is an error.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return Config{}, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return Config{}, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// POLYBRIDGE_SERVER__PORT=4242 overrides server.port; the double
	// underscore separates nesting levels so single underscores survive in
	// key names.
	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
			return strings.ReplaceAll(key, "__", "."), value
		},
	}), nil); err != nil {
		return Config{}, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ListenAddr is the host:port pair for the HTTP listener.
func (c ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

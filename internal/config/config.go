// Package config loads and validates gateway configuration via Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Converter ConverterConfig `mapstructure:"converter"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                     int   `mapstructure:"port"`
	MaxBodyBytes             int64 `mapstructure:"max_body_bytes"`
	TrustProxy               bool  `mapstructure:"trust_proxy"`
	ShutdownTimeoutSeconds   int   `mapstructure:"shutdown_timeout_seconds"`
	ReadHeaderTimeoutSeconds int   `mapstructure:"read_header_timeout_seconds"`
}

// WorkspaceConfig locates the shared temp directory.
type WorkspaceConfig struct {
	Dir string `mapstructure:"dir"`
}

// ConverterConfig selects the external converter binary.
type ConverterConfig struct {
	Binary         string `mapstructure:"binary"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// RateLimitConfig sets the per-client quota.
type RateLimitConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxRequests   int  `mapstructure:"max_requests"`
	WindowSeconds int  `mapstructure:"window_seconds"`
}

// CORSConfig lists origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DOCCONVERT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Container platforms inject the listening port as PORT.
	if raw := os.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_body_bytes", 100*1024)
	v.SetDefault("server.trust_proxy", false)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("server.read_header_timeout_seconds", 5)
	v.SetDefault("workspace.dir", filepath.Join(os.TempDir(), "docconvert"))
	v.SetDefault("converter.binary", "pandoc")
	v.SetDefault("converter.timeout_seconds", 0)
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.max_requests", 100)
	v.SetDefault("ratelimit.window_seconds", 15*60)
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be > 0")
	}
	if strings.TrimSpace(c.Workspace.Dir) == "" {
		return fmt.Errorf("workspace.dir must be set")
	}
	if strings.TrimSpace(c.Converter.Binary) == "" {
		return fmt.Errorf("converter.binary must be set")
	}
	if c.Converter.TimeoutSeconds < 0 {
		return fmt.Errorf("converter.timeout_seconds must be >= 0")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.MaxRequests <= 0 {
			return fmt.Errorf("ratelimit.max_requests must be > 0 when rate limiting is enabled")
		}
		if c.RateLimit.WindowSeconds <= 0 {
			return fmt.Errorf("ratelimit.window_seconds must be > 0 when rate limiting is enabled")
		}
	}
	return nil
}

// ConverterTimeout returns the per-run converter timeout; zero means none.
func (c Config) ConverterTimeout() time.Duration {
	return time.Duration(c.Converter.TimeoutSeconds) * time.Second
}

// RateLimitWindow returns the rate-limit window as a duration.
func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// ReadHeaderTimeout bounds how long a client may take to send headers.
func (c Config) ReadHeaderTimeout() time.Duration {
	if c.Server.ReadHeaderTimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Server.ReadHeaderTimeoutSeconds) * time.Second
}

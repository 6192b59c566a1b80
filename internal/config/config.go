// Package config loads runtime configuration from file, environment and
// defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	// Server hosts the REST and websocket surface.
	Server ServerConfig `mapstructure:"server"`

	// Storage selects and configures the persistence backend.
	Storage StorageConfig `mapstructure:"storage"`

	// Browser configures launched browser instances.
	Browser BrowserConfig `mapstructure:"browser"`

	// Sessions configures the browser session pool.
	Sessions SessionConfig `mapstructure:"sessions"`

	// Oracle configures the decision oracle backend.
	Oracle OracleConfig `mapstructure:"oracle"`

	// Artifacts configures blob storage for artifacts.
	Artifacts ArtifactConfig `mapstructure:"artifacts"`

	// Engine tunes task execution.
	Engine EngineConfig `mapstructure:"engine"`

	// Log configures logging.
	Log LogConfig `mapstructure:"log"`
}

type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string `mapstructure:"addr"`

	// WebhookSigningSecret signs outgoing webhook payloads when set.
	WebhookSigningSecret string `mapstructure:"webhook_signing_secret"`
}

type StorageConfig struct {
	// Driver is "memory", "sqlite" or "pgx".
	Driver string `mapstructure:"driver"`

	// DSN is the database connection string (ignored for memory).
	DSN string `mapstructure:"dsn"`
}

type BrowserConfig struct {
	// Headless controls whether browsers run without a display.
	Headless bool `mapstructure:"headless"`

	// Engine selects the browser (chromium, firefox, webkit).
	Engine string `mapstructure:"engine"`

	// Binary is the browser executable launched over the DevTools
	// protocol.
	Binary string `mapstructure:"binary"`

	// ProxyLocation selects the egress proxy, if any.
	ProxyLocation string `mapstructure:"proxy_location"`
}

type SessionConfig struct {
	// GlobalMax caps concurrent sessions process-wide.
	GlobalMax int `mapstructure:"global_max"`

	// TenantMax caps concurrent sessions per organization.
	TenantMax int `mapstructure:"tenant_max"`

	// AcquireWait bounds acquisition under pool exhaustion.
	AcquireWait time.Duration `mapstructure:"acquire_wait"`

	// IdleTTL is how long idle sessions survive before the reaper.
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

type OracleConfig struct {
	// Provider is "anthropic" or "fake".
	Provider string `mapstructure:"provider"`

	// APIKey authenticates the provider.
	APIKey string `mapstructure:"api_key"`

	// Model overrides the provider default.
	Model string `mapstructure:"model"`
}

type ArtifactConfig struct {
	// Dir is the filesystem blob root; empty keeps blobs in memory.
	Dir string `mapstructure:"dir"`
}

type EngineConfig struct {
	// StrictExtraction fails extract actions whose data does not satisfy
	// the task schema.
	StrictExtraction bool `mapstructure:"strict_extraction"`

	// DecisionCache enables decision reuse across runs.
	DecisionCache bool `mapstructure:"decision_cache"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`

	// Format is "text" or "json".
	Format string `mapstructure:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server:  ServerConfig{Addr: ":8000"},
		Storage: StorageConfig{Driver: "sqlite", DSN: "skyvern.db"},
		Browser: BrowserConfig{Headless: true, Engine: "chromium", Binary: "chromium"},
		Sessions: SessionConfig{
			GlobalMax:   100,
			TenantMax:   10,
			AcquireWait: 30 * time.Second,
			IdleTTL:     15 * time.Minute,
		},
		Oracle:    OracleConfig{Provider: "anthropic"},
		Artifacts: ArtifactConfig{Dir: "artifacts"},
		Engine:    EngineConfig{DecisionCache: true},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from the optional file path, then the
// environment (SKYVERN_ prefix, dots as underscores), over the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SKYVERN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("server.addr", def.Server.Addr)
	v.SetDefault("storage.driver", def.Storage.Driver)
	v.SetDefault("storage.dsn", def.Storage.DSN)
	v.SetDefault("browser.headless", def.Browser.Headless)
	v.SetDefault("browser.engine", def.Browser.Engine)
	v.SetDefault("browser.binary", def.Browser.Binary)
	v.SetDefault("sessions.global_max", def.Sessions.GlobalMax)
	v.SetDefault("sessions.tenant_max", def.Sessions.TenantMax)
	v.SetDefault("sessions.acquire_wait", def.Sessions.AcquireWait)
	v.SetDefault("sessions.idle_ttl", def.Sessions.IdleTTL)
	v.SetDefault("oracle.provider", def.Oracle.Provider)
	v.SetDefault("artifacts.dir", def.Artifacts.Dir)
	v.SetDefault("engine.decision_cache", def.Engine.DecisionCache)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate rejects unusable configurations.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "pgx":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		return fmt.Errorf("storage driver %q needs a dsn", c.Storage.Driver)
	}
	switch c.Oracle.Provider {
	case "anthropic", "fake":
	default:
		return fmt.Errorf("unknown oracle provider %q", c.Oracle.Provider)
	}
	if c.Oracle.Provider == "anthropic" && c.Oracle.APIKey == "" {
		return fmt.Errorf("oracle provider anthropic needs an api key")
	}
	return nil
}

// Package config provides configuration management for playarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/jmylchreest/playarr/internal/version"
)

// Default configuration values.
const (
	defaultServerPort      = 8090
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 5
	defaultConnMaxIdleTime = 30 * time.Minute
	defaultHistoryDays     = 30

	defaultSampleInterval   = 1500 * time.Millisecond
	defaultStallThreshold   = 2
	defaultLoadTimeout      = 10 * time.Second
	defaultMaxAttempts      = 3
	defaultBackoff          = time.Second
	defaultStableSamples    = 2
	defaultPlayRetries      = 3
	defaultPlayRetryDelay   = 250 * time.Millisecond
	defaultNarrowViewport   = 768
	defaultMaxManifestBytes = 4 * 1024 * 1024
	defaultLiveSyncSegments = 3
	defaultMaxBuffer        = 30 * time.Second
	defaultManifestTimeout  = 10 * time.Second
	defaultMaxDecodeErrors  = 3

	defaultHTTPTimeout      = 30 * time.Second
	defaultRetryAttempts    = 3
	defaultRetryDelay       = 500 * time.Millisecond
	defaultRetryMaxDelay    = 5 * time.Second
	defaultCircuitThreshold = 5
	defaultCircuitTimeout   = 30 * time.Second

	defaultProbeWindow = 20 * time.Second
)

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Player   PlayerConfig   `mapstructure:"player"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Probe    ProbeConfig    `mapstructure:"probe"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// PlayerConfig tunes the playback engine.
type PlayerConfig struct {
	// Autoplay is the sink autoplay policy: muted, allowed or denied.
	Autoplay string `mapstructure:"autoplay"`
	// ProxyBaseURL rewrites every source to <base>/stream?url=<source>.
	ProxyBaseURL               string `mapstructure:"proxy_base_url"`
	DisableSegmented           bool   `mapstructure:"disable_segmented"`
	DisableManifestDescription bool   `mapstructure:"disable_manifest_description"`
	// NativeTypes are extra MIME types the native engine accepts.
	NativeTypes []string `mapstructure:"native_types"`

	SampleInterval time.Duration `mapstructure:"sample_interval"`
	StallThreshold int           `mapstructure:"stall_threshold"`
	LoadTimeout    time.Duration `mapstructure:"load_timeout"`

	MaxAttempts    int           `mapstructure:"max_attempts"`
	Backoff        time.Duration `mapstructure:"backoff"`
	StableSamples  int           `mapstructure:"stable_samples"`
	PlayRetries    int           `mapstructure:"play_retries"`
	PlayRetryDelay time.Duration `mapstructure:"play_retry_delay"`

	NarrowViewport int `mapstructure:"narrow_viewport_px"`

	MaxManifestBytes ByteSize      `mapstructure:"max_manifest_bytes"`
	LiveSyncSegments int           `mapstructure:"live_sync_segments"`
	MaxBuffer        time.Duration `mapstructure:"max_buffer"`
	ManifestTimeout  time.Duration `mapstructure:"manifest_timeout"`
	MaxDecodeErrors  int           `mapstructure:"max_decode_errors"`
}

// HTTPConfig configures the client that fetches manifests and segments.
type HTTPConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	CircuitThreshold int           `mapstructure:"circuit_threshold"`
	CircuitTimeout   time.Duration `mapstructure:"circuit_timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
}

// ServerConfig holds the control API configuration.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"` // zero for event streams
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds the session history store configuration.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
	// Retention is how long session records are kept, e.g. "30d".
	Retention Duration `mapstructure:"retention"`
}

// ProbeConfig configures scheduled source probing.
type ProbeConfig struct {
	// Schedule is a 6-field cron expression; empty disables scheduling.
	Schedule string `mapstructure:"schedule"`
	// Window is how long each source plays before its outcome is recorded.
	Window time.Duration `mapstructure:"window"`
	// SourcesFile lists the source sets to probe.
	SourcesFile string `mapstructure:"sources_file"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with PLAYARR_ and use underscores for nesting.
// Example: PLAYARR_PLAYER_MAX_ATTEMPTS=5.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/playarr")
		v.AddConfigPath("$HOME/.playarr")
	}

	v.SetEnvPrefix("PLAYARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("player.autoplay", "muted")
	v.SetDefault("player.proxy_base_url", "")
	v.SetDefault("player.disable_segmented", false)
	v.SetDefault("player.disable_manifest_description", false)
	v.SetDefault("player.native_types", []string{})
	v.SetDefault("player.sample_interval", defaultSampleInterval)
	v.SetDefault("player.stall_threshold", defaultStallThreshold)
	v.SetDefault("player.load_timeout", defaultLoadTimeout)
	v.SetDefault("player.max_attempts", defaultMaxAttempts)
	v.SetDefault("player.backoff", defaultBackoff)
	v.SetDefault("player.stable_samples", defaultStableSamples)
	v.SetDefault("player.play_retries", defaultPlayRetries)
	v.SetDefault("player.play_retry_delay", defaultPlayRetryDelay)
	v.SetDefault("player.narrow_viewport_px", defaultNarrowViewport)
	v.SetDefault("player.max_manifest_bytes", defaultMaxManifestBytes)
	v.SetDefault("player.live_sync_segments", defaultLiveSyncSegments)
	v.SetDefault("player.max_buffer", defaultMaxBuffer)
	v.SetDefault("player.manifest_timeout", defaultManifestTimeout)
	v.SetDefault("player.max_decode_errors", defaultMaxDecodeErrors)

	v.SetDefault("http.timeout", defaultHTTPTimeout)
	v.SetDefault("http.retry_attempts", defaultRetryAttempts)
	v.SetDefault("http.retry_delay", defaultRetryDelay)
	v.SetDefault("http.retry_max_delay", defaultRetryMaxDelay)
	v.SetDefault("http.circuit_threshold", defaultCircuitThreshold)
	v.SetDefault("http.circuit_timeout", defaultCircuitTimeout)
	v.SetDefault("http.user_agent", version.UserAgent())

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	// Zero keeps snapshot event streams open.
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "playarr.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("database.retention", fmt.Sprintf("%dd", defaultHistoryDays))

	v.SetDefault("probe.schedule", "")
	v.SetDefault("probe.window", defaultProbeWindow)
	v.SetDefault("probe.sources_file", "")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if err := c.Player.validate(); err != nil {
		return err
	}

	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive")
	}
	if c.HTTP.RetryAttempts < 0 {
		return fmt.Errorf("http.retry_attempts must not be negative")
	}

	const maxPort = 65535
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > maxPort) {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	if c.Database.Enabled {
		validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
		if !validDrivers[c.Database.Driver] {
			return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
		}
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required")
		}
	}

	if c.Probe.Schedule != "" {
		if _, err := cron.NewParser(cronFields).Parse(c.Probe.Schedule); err != nil {
			return fmt.Errorf("probe.schedule: %w", err)
		}
	}
	if c.Probe.Window <= 0 {
		return fmt.Errorf("probe.window must be positive")
	}
	return nil
}

// cronFields is the 6-field format with seconds used by probe.schedule.
const cronFields = cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor

// CronParser returns the parser matching probe.schedule's format.
func CronParser() cron.Parser {
	return cron.NewParser(cronFields)
}

func (p *PlayerConfig) validate() error {
	switch p.Autoplay {
	case "muted", "allowed", "denied":
	default:
		return fmt.Errorf("player.autoplay must be one of: muted, allowed, denied")
	}
	if p.SampleInterval <= 0 {
		return fmt.Errorf("player.sample_interval must be positive")
	}
	if p.StallThreshold < 1 {
		return fmt.Errorf("player.stall_threshold must be at least 1")
	}
	if p.LoadTimeout <= 0 {
		return fmt.Errorf("player.load_timeout must be positive")
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("player.max_attempts must be at least 1")
	}
	if p.Backoff < 0 {
		return fmt.Errorf("player.backoff must not be negative")
	}
	if p.MaxManifestBytes <= 0 {
		return fmt.Errorf("player.max_manifest_bytes must be positive")
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

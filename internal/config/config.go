package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Browser Browser `mapstructure:"browser"`
	Segment Segment `mapstructure:"segment"`
	Storage Storage `mapstructure:"storage"`
	Export  Export  `mapstructure:"export"`
	Metrics Metrics `mapstructure:"metrics"`
	Logging Logging `mapstructure:"logging"`
}

// Browser holds browser-instrumentation configuration
type Browser struct {
	DebuggerURL       string        `mapstructure:"debugger_url"` // Chrome DevTools websocket endpoint
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ErrorBackoff      time.Duration `mapstructure:"error_backoff"`
	DriftMissLimit    int           `mapstructure:"drift_miss_limit"`
	SourcePreference  string        `mapstructure:"source_preference"` // ws | console | both
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	ReadLimitBytes    int64         `mapstructure:"read_limit_bytes"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
}

// Segment holds segmentation engine configuration
type Segment struct {
	StartConfirmations int     `mapstructure:"start_confirmations"`
	EndConfirmations   int     `mapstructure:"end_confirmations"`
	SidebetWindowS     float64 `mapstructure:"sidebet_window_s"`
}

// Storage holds storage and persistence configuration
type Storage struct {
	DBPath string `mapstructure:"db_path"`
}

// Export holds the read-only reporting server configuration
type Export struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	RecentN    int    `mapstructure:"recent_n"`
}

// Metrics holds the Prometheus endpoint configuration
type Metrics struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// Logging holds logging configuration
type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	setDefaults(v)

	v.SetEnvPrefix("RUGSCOPE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Browser defaults
	v.SetDefault("browser.debugger_url", "ws://127.0.0.1:9222/devtools/page/main")
	v.SetDefault("browser.poll_interval", "200ms")
	v.SetDefault("browser.error_backoff", "1s")
	v.SetDefault("browser.drift_miss_limit", 10)
	v.SetDefault("browser.source_preference", "both")
	v.SetDefault("browser.handshake_timeout", "10s")
	v.SetDefault("browser.read_limit_bytes", 1<<20)
	v.SetDefault("browser.reconnect_interval", "5s")

	// Segment defaults: starting is debounced harder than ending on purpose.
	// A missed round end poisons downstream labels, a missed start does not.
	v.SetDefault("segment.start_confirmations", 2)
	v.SetDefault("segment.end_confirmations", 1)
	v.SetDefault("segment.sidebet_window_s", 10.0)

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/rugs.sqlite")

	// Export defaults
	v.SetDefault("export.enabled", true)
	v.SetDefault("export.listen_addr", ":8090")
	v.SetDefault("export.recent_n", 100)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9095")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Browser.DebuggerURL == "" {
		return fmt.Errorf("browser.debugger_url is required")
	}
	if c.Browser.PollInterval < 50*time.Millisecond {
		return fmt.Errorf("browser.poll_interval must be at least 50ms")
	}
	if c.Browser.ErrorBackoff < c.Browser.PollInterval {
		return fmt.Errorf("browser.error_backoff must be at least the poll interval")
	}
	if c.Browser.DriftMissLimit < 1 {
		return fmt.Errorf("browser.drift_miss_limit must be at least 1")
	}
	switch c.Browser.SourcePreference {
	case "ws", "console", "both":
	default:
		return fmt.Errorf("browser.source_preference must be one of: ws, console, both")
	}

	if c.Segment.StartConfirmations < 1 {
		return fmt.Errorf("segment.start_confirmations must be at least 1")
	}
	if c.Segment.EndConfirmations < 1 {
		return fmt.Errorf("segment.end_confirmations must be at least 1")
	}
	if c.Segment.SidebetWindowS <= 0 {
		return fmt.Errorf("segment.sidebet_window_s must be positive")
	}

	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}

	if c.Export.Enabled {
		if c.Export.ListenAddr == "" {
			return fmt.Errorf("export.listen_addr is required when export is enabled")
		}
		if c.Export.RecentN < 1 {
			return fmt.Errorf("export.recent_n must be at least 1")
		}
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics is enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           int      `mapstructure:"port"`
	DatabasePath   string   `mapstructure:"database_path"`
	LogLevel       string   `mapstructure:"log_level"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// Remote authority
	APIBaseURL     string `mapstructure:"api_base_url"`
	TokenPath      string `mapstructure:"token_path"`       // file holding the bearer token issued by the auth flow
	HTTPTimeoutSec int    `mapstructure:"http_timeout_sec"` // per-request timeout for remote calls

	// Campus definitions
	CampusFile string `mapstructure:"campus_file"`

	// Session lifecycle. One coherent constant set; the historic 10s/60s gap
	// split collapsed into min_session_gap_sec.
	TickIntervalSec    int `mapstructure:"tick_interval_sec"`
	MinSessionGapSec   int `mapstructure:"min_session_gap_sec"`
	StaleThresholdSec  int `mapstructure:"stale_threshold_sec"`
	BackgroundGraceSec int `mapstructure:"background_grace_sec"`
	MaxBackgroundSec   int `mapstructure:"max_background_sec"`
	LockTimeoutSec     int `mapstructure:"lock_timeout_sec"`

	// Sync
	SyncRatePerSec float64 `mapstructure:"sync_rate_per_sec"` // token bucket for background-sync submissions; 0 = no limit
	SyncBurst      int     `mapstructure:"sync_burst"`

	ShutdownTimeoutSec int `mapstructure:"shutdown_timeout_sec"`

	// Tracing
	OTLPEndpoint      string  `mapstructure:"otlp_endpoint"` // empty = tracing disabled
	TraceSamplingRate float64 `mapstructure:"trace_sampling_rate"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/attendance/")
	viper.AddConfigPath("$HOME/.attendance")
	viper.AddConfigPath(".")

	// Defaults
	viper.SetDefault("port", 7600)
	viper.SetDefault("database_path", "./attendance.db")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("allowed_origins", []string{"*"})
	viper.SetDefault("api_base_url", "")
	viper.SetDefault("token_path", "")
	viper.SetDefault("http_timeout_sec", 10)
	viper.SetDefault("campus_file", "./campuses.yaml")
	viper.SetDefault("tick_interval_sec", 300)
	viper.SetDefault("min_session_gap_sec", 60)
	viper.SetDefault("stale_threshold_sec", 600)
	viper.SetDefault("background_grace_sec", 300)
	viper.SetDefault("max_background_sec", 18000) // 5h worst-case cap
	viper.SetDefault("lock_timeout_sec", 3)
	viper.SetDefault("sync_rate_per_sec", 5.0)
	viper.SetDefault("sync_burst", 5)
	viper.SetDefault("shutdown_timeout_sec", 15)
	viper.SetDefault("otlp_endpoint", "")
	viper.SetDefault("trace_sampling_rate", 0.1)

	// Environment variables
	viper.SetEnvPrefix("ATTENDANCE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults and env vars
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) TickInterval() time.Duration    { return time.Duration(c.TickIntervalSec) * time.Second }
func (c *Config) MinSessionGap() time.Duration   { return time.Duration(c.MinSessionGapSec) * time.Second }
func (c *Config) StaleThreshold() time.Duration  { return time.Duration(c.StaleThresholdSec) * time.Second }
func (c *Config) BackgroundGrace() time.Duration { return time.Duration(c.BackgroundGraceSec) * time.Second }
func (c *Config) MaxBackground() time.Duration   { return time.Duration(c.MaxBackgroundSec) * time.Second }
func (c *Config) LockTimeout() time.Duration     { return time.Duration(c.LockTimeoutSec) * time.Second }
func (c *Config) HTTPTimeout() time.Duration     { return time.Duration(c.HTTPTimeoutSec) * time.Second }

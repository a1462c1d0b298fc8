package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the sync daemon.
type Config struct {
	Venue   Venue   `mapstructure:"venue"`
	Sync    Sync    `mapstructure:"sync"`
	Cache   Cache   `mapstructure:"cache"`
	Storage Storage `mapstructure:"storage"`
	Legacy  Legacy  `mapstructure:"legacy"`
	Logger  Logger  `mapstructure:"logger"`
}

// AccountKeys holds one account's venue API credentials.
type AccountKeys struct {
	ApiKey    string `mapstructure:"apiKey"`
	SecretKey string `mapstructure:"secretKey"`
}

// Venue holds the configuration for the trading venue API.
type Venue struct {
	BaseURL        string                 `mapstructure:"base_url"`
	RecvWindow     string                 `mapstructure:"recv_window"`
	RateLimit      float64                `mapstructure:"rate_limit"`
	RateLimitBurst int                    `mapstructure:"rate_limit_burst"`
	Accounts       map[string]AccountKeys `mapstructure:"accounts"`
}

// Sync holds the chunked history fetch tuning.
type Sync struct {
	LookbackDays     int   `mapstructure:"lookback_days"`
	ChunkDays        int   `mapstructure:"chunk_days"`
	MaxPagesPerChunk int   `mapstructure:"max_pages_per_chunk"`
	PageLimit        int   `mapstructure:"page_limit"`
	CallDelayMs      int   `mapstructure:"call_delay_ms"`
	AccountDelayMs   int   `mapstructure:"account_delay_ms"`
	FallbackWindows  []int `mapstructure:"fallback_windows_days"`
}

// Cache holds the freshness and incremental-update tuning.
type Cache struct {
	FreshnessHours  int `mapstructure:"freshness_hours"`
	OverlapDays     int `mapstructure:"overlap_days"`
	RefreshInterval int `mapstructure:"refresh_interval_minutes"`
}

// Storage holds the partitioned-store layout settings.
type Storage struct {
	DataRoot     string `mapstructure:"data_root"`
	MonthsToKeep int    `mapstructure:"months_to_keep"`
}

// Legacy holds the pre-partitioning single-blob store location.
type Legacy struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file or environment variables.
func Load(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yml")

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Provider-safe defaults; the 7-day chunk width is the venue's maximum
	// span for execution-style endpoints.
	viper.SetDefault("venue.base_url", "https://api.bybit.com")
	viper.SetDefault("venue.recv_window", "5000")
	viper.SetDefault("venue.rate_limit", 10) // requests per second
	viper.SetDefault("venue.rate_limit_burst", 5)
	viper.SetDefault("sync.lookback_days", 180)
	viper.SetDefault("sync.chunk_days", 7)
	viper.SetDefault("sync.max_pages_per_chunk", 5)
	viper.SetDefault("sync.page_limit", 100)
	viper.SetDefault("sync.call_delay_ms", 150)
	viper.SetDefault("sync.account_delay_ms", 500)
	viper.SetDefault("sync.fallback_windows_days", []int{0, 30, 90, 730})
	viper.SetDefault("cache.freshness_hours", 24)
	viper.SetDefault("cache.overlap_days", 2)
	viper.SetDefault("cache.refresh_interval_minutes", 60)
	viper.SetDefault("storage.data_root", "./data")
	viper.SetDefault("storage.months_to_keep", 24)

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}

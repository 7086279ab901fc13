// Package config loads and validates grabber configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/segin/efgrabber/internal/grabber"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Storage   StorageConfig              `mapstructure:"storage"`
	DB        DBConfig                   `mapstructure:"db"`
	HTTP      HTTPConfig                 `mapstructure:"http"`
	Downloads DownloadConfig             `mapstructure:"downloads"`
	Scrape    ScrapeConfig               `mapstructure:"scrape"`
	Server    ServerConfig               `mapstructure:"server"`
	PubSub    PubSubConfig               `mapstructure:"pubsub"`
	Logging   LoggingConfig              `mapstructure:"logging"`
	DataSets  []grabber.DataSetConfig    `mapstructure:"data_sets"`
}

// StorageConfig controls the on-disk artifact layout.
type StorageConfig struct {
	Root      string `mapstructure:"root"`
	Overwrite bool   `mapstructure:"overwrite_existing"`
}

// DBConfig selects and configures the work store backend.
type DBConfig struct {
	// Driver is one of sqlite, postgres, memory.
	Driver string `mapstructure:"driver"`
	// Path is the SQLite database file.
	Path string `mapstructure:"path"`
	// DSN is the Postgres connection string.
	DSN string `mapstructure:"dsn"`
}

// HTTPConfig governs outbound transfers.
type HTTPConfig struct {
	UserAgent              string `mapstructure:"user_agent"`
	Cookie                 string `mapstructure:"cookie"`
	CookieFile             string `mapstructure:"cookie_file"`
	DownloadTimeoutSeconds int    `mapstructure:"download_timeout_seconds"`
	PageTimeoutSeconds     int    `mapstructure:"page_timeout_seconds"`
	ConnectTimeoutSeconds  int    `mapstructure:"connect_timeout_seconds"`
	// LowSpeedLimit aborts a transfer when throughput stays below this many
	// bytes/second for LowSpeedTimeSeconds.
	LowSpeedLimit       int `mapstructure:"low_speed_limit_bytes"`
	LowSpeedTimeSeconds int `mapstructure:"low_speed_time_seconds"`
	MaxRedirects        int `mapstructure:"max_redirects"`
}

// DownloadConfig governs the dispatcher.
type DownloadConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// MaxPool is the hard ceiling on pool goroutines; effective concurrency
	// is enforced by admission control, not pool size.
	MaxPool    int `mapstructure:"max_pool"`
	MaxRetries int `mapstructure:"max_retries"`
}

// ScrapeConfig governs the scraper worker.
type ScrapeConfig struct {
	MaxConcurrent   int  `mapstructure:"max_concurrent"`
	ProbeUpperBound int  `mapstructure:"probe_upper_bound"`
	UseColly        bool `mapstructure:"use_colly"`
	// Headless routes index-page fetches through a browser renderer for
	// hosts with JavaScript-driven anti-bot gating.
	Headless bool `mapstructure:"headless"`
}

// ServerConfig controls the control-API listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// PubSubConfig holds metadata for completion-event publishing.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EFGRABBER")
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.root", "downloads")
	v.SetDefault("storage.overwrite_existing", false)
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.path", "efgrabber.db")
	v.SetDefault("http.user_agent", grabber.DefaultUserAgent)
	v.SetDefault("http.cookie", grabber.RequiredCookie)
	v.SetDefault("http.download_timeout_seconds", 300)
	v.SetDefault("http.page_timeout_seconds", 60)
	v.SetDefault("http.connect_timeout_seconds", 30)
	v.SetDefault("http.low_speed_limit_bytes", 1024)
	v.SetDefault("http.low_speed_time_seconds", 10)
	v.SetDefault("http.max_redirects", 10)
	v.SetDefault("downloads.max_concurrent", 8)
	v.SetDefault("downloads.max_pool", 500)
	v.SetDefault("downloads.max_retries", 3)
	v.SetDefault("scrape.max_concurrent", 30)
	v.SetDefault("scrape.probe_upper_bound", 100000)
	v.SetDefault("scrape.use_colly", true)
	v.SetDefault("scrape.headless", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root must be set")
	}
	switch c.DB.Driver {
	case "sqlite":
		if c.DB.Path == "" {
			return fmt.Errorf("db.path must be set for the sqlite driver")
		}
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown db.driver: %s", c.DB.Driver)
	}
	if c.Downloads.MaxConcurrent <= 0 {
		return fmt.Errorf("downloads.max_concurrent must be > 0")
	}
	if c.Downloads.MaxPool < c.Downloads.MaxConcurrent {
		return fmt.Errorf("downloads.max_pool must be >= downloads.max_concurrent")
	}
	if c.Downloads.MaxRetries < 0 {
		return fmt.Errorf("downloads.max_retries must be >= 0")
	}
	if c.Scrape.MaxConcurrent <= 0 {
		return fmt.Errorf("scrape.max_concurrent must be > 0")
	}
	if c.HTTP.DownloadTimeoutSeconds <= 0 || c.HTTP.PageTimeoutSeconds <= 0 {
		return fmt.Errorf("http timeouts must be > 0")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicID == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_id must be set when pubsub is enabled")
	}
	for _, ds := range c.DataSets {
		if err := ds.Validate(); err != nil {
			return fmt.Errorf("data set %d: %w", ds.ID, err)
		}
	}
	return nil
}

// DataSet resolves a data-set id against the configured overrides, falling
// back to the built-in catalog.
func (c Config) DataSet(id int) (grabber.DataSetConfig, error) {
	for _, ds := range c.DataSets {
		if ds.ID == id {
			return ds, nil
		}
	}
	if id < grabber.MinDataSet || id > grabber.MaxDataSet {
		return grabber.DataSetConfig{}, fmt.Errorf("%w: unknown data set %d", grabber.ErrConfig, id)
	}
	return grabber.DataSet(id), nil
}

// DownloadTimeout converts the configured timeout to a duration.
func (c Config) DownloadTimeout() time.Duration {
	return time.Duration(c.HTTP.DownloadTimeoutSeconds) * time.Second
}

// PageTimeout converts the configured page timeout to a duration.
func (c Config) PageTimeout() time.Duration {
	return time.Duration(c.HTTP.PageTimeoutSeconds) * time.Second
}

// Package config provides configuration management for the reference-graph service.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// AppName names the per-user data directory and the system config path.
const AppName = "inspire-refgraph"

// Config holds all configuration for the reference-graph service.
type Config struct {
	// Server contains HTTP server settings.
	Server ServerConfig `mapstructure:"server"`
	// Logging contains structured logging settings.
	Logging LoggingConfig `mapstructure:"logging"`
	// Metrics contains Prometheus metrics exposure settings.
	Metrics MetricsConfig `mapstructure:"metrics"`
	// Inspire contains the literature API endpoint settings.
	Inspire InspireConfig `mapstructure:"inspire"`
	// Fetcher contains the shared outbound rate limiter settings.
	Fetcher FetcherConfig `mapstructure:"fetcher"`
	// Pagination contains the paginated search pipeline limits.
	Pagination PaginationConfig `mapstructure:"pagination"`
	// Cache contains the memory and disk cache settings.
	Cache CacheConfig `mapstructure:"cache"`
	// Enrichment contains the background metadata filler settings.
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	// Related contains the related-papers ranker settings.
	Related RelatedConfig `mapstructure:"related"`
	// Library contains the local library database settings.
	Library LibraryConfig `mapstructure:"library"`
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Host is the address to bind the server to (default: 127.0.0.1).
	Host string `mapstructure:"host"`
	// HTTPPort is the HTTP server port (default: 8080).
	HTTPPort int `mapstructure:"http_port" validate:"min=1,max=65535"`
	// ReadTimeout is the maximum duration for reading request body.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the maximum duration for writing a JSON response.
	// Streaming endpoints are exempt.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (trace, debug, info, warn, error, fatal, panic).
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn error fatal panic"`
	// Format is the log format (json, console).
	Format string `mapstructure:"format" validate:"oneof=json console pretty"`
	// Output is the log output destination (stdout, stderr, file path).
	Output string `mapstructure:"output"`
	// AddSource adds source file and line to log output.
	AddSource bool `mapstructure:"add_source"`
	// TimeFormat is the timestamp format.
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled enables metrics collection and exposure.
	Enabled bool `mapstructure:"enabled"`
	// Path is the HTTP path for metrics endpoint.
	Path string `mapstructure:"path"`
	// Namespace prefixes every metric name.
	Namespace string `mapstructure:"namespace" validate:"required"`
}

// InspireConfig holds the literature API settings.
type InspireConfig struct {
	// BaseURL is the API root, e.g. https://inspirehep.net/api.
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration `mapstructure:"timeout"`
	// UserAgent is sent with every request.
	UserAgent string `mapstructure:"user_agent"`
}

// FetcherConfig holds the shared outbound request gate settings.
type FetcherConfig struct {
	// RateLimit is the sustained number of requests per second.
	RateLimit float64 `mapstructure:"rate_limit" validate:"gt=0"`
	// BurstSize is the token bucket depth.
	BurstSize int `mapstructure:"burst_size" validate:"min=1"`
	// MaxConcurrent bounds requests in flight across the process.
	MaxConcurrent int `mapstructure:"max_concurrent" validate:"min=1,max=64"`
	// ThrottleQueueThreshold is the queue length at which the status feed
	// reports throttling.
	ThrottleQueueThreshold int `mapstructure:"throttle_queue_threshold" validate:"min=1"`
	// MaxRetries is the number of retries after a 429 response.
	MaxRetries int `mapstructure:"max_retries" validate:"min=0,max=10"`
	// RetryDelay is used when a 429 response carries no Retry-After header.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// MaxBodyBytes caps a single response body.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" validate:"min=1024"`
}

// PaginationConfig holds the paginated search limits.
type PaginationConfig struct {
	// PageSize is the number of hits requested per page.
	PageSize int `mapstructure:"page_size" validate:"min=1,max=1000"`
	// MaxResults caps the number of entries assembled for one query.
	MaxResults int `mapstructure:"max_results" validate:"min=1"`
	// MaxPages caps the number of pages requested for one query.
	MaxPages int `mapstructure:"max_pages" validate:"min=1"`
	// BatchParallelism is the number of pages fetched concurrently after page 1.
	BatchParallelism int `mapstructure:"batch_parallelism" validate:"min=1,max=10"`
}

// CacheConfig holds memory and disk cache settings.
type CacheConfig struct {
	// TTLHours is the lifetime of non-permanent disk records.
	TTLHours int `mapstructure:"ttl_hours" validate:"min=1"`
	// Compression enables gzip for newly written disk records.
	Compression bool `mapstructure:"compression"`
	// Directory is the disk cache location; empty selects the platform data dir.
	Directory string `mapstructure:"directory"`
	// SplitThreshold is the entry count above which each sort order gets its own file.
	SplitThreshold int `mapstructure:"split_threshold" validate:"min=1"`
	// PurgeDelay is the wait before the startup purge of expired records.
	PurgeDelay time.Duration `mapstructure:"purge_delay"`
	// WriteQueueSize bounds pending asynchronous disk writes.
	WriteQueueSize int `mapstructure:"write_queue_size" validate:"min=1"`
	// Memory contains the in-memory tier capacities.
	Memory MemoryCacheConfig `mapstructure:"memory"`
}

// MemoryCacheConfig holds the capacities of the bounded in-memory caches.
type MemoryCacheConfig struct {
	ListCapacity     int `mapstructure:"list_capacity" validate:"min=1"`
	MetadataCapacity int `mapstructure:"metadata_capacity" validate:"min=1"`
	RelatedCapacity  int `mapstructure:"related_capacity" validate:"min=1"`
	CitingCapacity   int `mapstructure:"citing_capacity" validate:"min=1"`
}

// TTL returns the disk record lifetime.
func (c *CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// EnrichmentConfig holds the background enrichment settings.
type EnrichmentConfig struct {
	// BatchSize is the number of recids resolved per remote query.
	BatchSize int `mapstructure:"batch_size" validate:"min=25,max=200"`
	// Parallelism is the number of concurrent enrichment workers.
	Parallelism int `mapstructure:"parallelism" validate:"min=1,max=5"`
	// LocalLookupChunk is the number of recids per local library query.
	LocalLookupChunk int `mapstructure:"local_lookup_chunk" validate:"min=1,max=999"`
}

// RelatedConfig holds the related-papers ranker settings.
type RelatedConfig struct {
	// MaxAnchors is the number of seed references used as anchors.
	MaxAnchors int `mapstructure:"max_anchors" validate:"min=1"`
	// CitingPerAnchor is the number of citing papers fetched per anchor.
	CitingPerAnchor int `mapstructure:"citing_per_anchor" validate:"min=1,max=250"`
	// CoCitationBudget is the number of top candidates refined with co-citation counts.
	CoCitationBudget int `mapstructure:"co_citation_budget" validate:"min=0"`
	// MaxResults caps the returned recommendations.
	MaxResults int `mapstructure:"max_results" validate:"min=1"`
	// ExcludeReviews drops review articles from the anchor set.
	ExcludeReviews bool `mapstructure:"exclude_reviews"`
	// ExcludedAnchors are recids never used as anchors.
	ExcludedAnchors []string `mapstructure:"excluded_anchors"`
	// Parallelism bounds concurrent anchor and co-citation lookups.
	Parallelism int `mapstructure:"parallelism" validate:"min=1,max=10"`
}

// LibraryConfig holds the local library database settings.
type LibraryConfig struct {
	// Enabled opens the local library database. When disabled, entries are
	// never matched against local items.
	Enabled bool `mapstructure:"enabled"`
	// Path is the SQLite database file; empty selects the platform data dir.
	Path string `mapstructure:"path"`
	// MigrateOnStart applies pending migrations when the database is opened.
	MigrateOnStart bool `mapstructure:"migrate_on_start"`
}

// HTTPAddress returns the HTTP server address.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("REFGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/" + AppName)

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// resolvePaths fills empty file locations from the platform data directory.
func (c *Config) resolvePaths() error {
	if c.Cache.Directory != "" && c.Library.Path != "" {
		return nil
	}
	base, err := DataDir()
	if err != nil {
		return fmt.Errorf("resolve data directory: %w", err)
	}
	if c.Cache.Directory == "" {
		c.Cache.Directory = filepath.Join(base, "cache")
	}
	if c.Library.Path == "" {
		c.Library.Path = filepath.Join(base, "library.db")
	}
	return nil
}

// DataDir returns the per-user data directory of the application.
func DataDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, AppName), nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "refgraph")

	// Literature API defaults
	v.SetDefault("inspire.base_url", "https://inspirehep.net/api")
	v.SetDefault("inspire.timeout", "30s")
	v.SetDefault("inspire.user_agent", "inspire-refgraph/1.0")

	// Fetcher defaults. INSPIRE allows 15 requests per 5 seconds.
	v.SetDefault("fetcher.rate_limit", 3.0)
	v.SetDefault("fetcher.burst_size", 15)
	v.SetDefault("fetcher.max_concurrent", 4)
	v.SetDefault("fetcher.throttle_queue_threshold", 1)
	v.SetDefault("fetcher.max_retries", 2)
	v.SetDefault("fetcher.retry_delay", "2s")
	v.SetDefault("fetcher.max_body_bytes", 64<<20)

	// Pagination defaults
	v.SetDefault("pagination.page_size", 250)
	v.SetDefault("pagination.max_results", 10000)
	v.SetDefault("pagination.max_pages", 40)
	v.SetDefault("pagination.batch_parallelism", 3)

	// Cache defaults
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("cache.compression", true)
	v.SetDefault("cache.directory", "")
	v.SetDefault("cache.split_threshold", 10000)
	v.SetDefault("cache.purge_delay", "30s")
	v.SetDefault("cache.write_queue_size", 64)
	v.SetDefault("cache.memory.list_capacity", 50)
	v.SetDefault("cache.memory.metadata_capacity", 500)
	v.SetDefault("cache.memory.related_capacity", 50)
	v.SetDefault("cache.memory.citing_capacity", 200)

	// Enrichment defaults
	v.SetDefault("enrichment.batch_size", 100)
	v.SetDefault("enrichment.parallelism", 4)
	v.SetDefault("enrichment.local_lookup_chunk", 500)

	// Related-papers defaults
	v.SetDefault("related.max_anchors", 40)
	v.SetDefault("related.citing_per_anchor", 50)
	v.SetDefault("related.co_citation_budget", 25)
	v.SetDefault("related.max_results", 50)
	v.SetDefault("related.exclude_reviews", true)
	// Review of Particle Physics; it is cited by nearly everything.
	v.SetDefault("related.excluded_anchors", []string{"2104524"})
	v.SetDefault("related.parallelism", 3)

	// Library defaults
	v.SetDefault("library.enabled", true)
	v.SetDefault("library.path", "")
	v.SetDefault("library.migrate_on_start", true)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: %v fails %q", strings.ToLower(fe.Namespace()), fe.Value(), fe.Tag())
		}
		return err
	}

	if c.Pagination.PageSize*c.Pagination.MaxPages < c.Pagination.MaxResults {
		return fmt.Errorf("pagination: %d pages of %d cannot reach max_results %d",
			c.Pagination.MaxPages, c.Pagination.PageSize, c.Pagination.MaxResults)
	}
	if c.Related.CoCitationBudget > c.Related.MaxAnchors*c.Related.CitingPerAnchor {
		return fmt.Errorf("related: co_citation_budget %d exceeds possible candidates", c.Related.CoCitationBudget)
	}

	return nil
}

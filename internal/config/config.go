// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// LISTING_SOURCE_PAGES=3.
const EnvPrefix = "LISTING"

// Fetcher modes.
const (
	FetcherColly    = "colly"
	FetcherHeadless = "headless"
	// FetcherAuto fetches with colly and refetches headless when the page
	// looks like a browser challenge.
	FetcherAuto = "auto"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Source    SourceConfig    `mapstructure:"source"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Parser    ParserConfig    `mapstructure:"parser"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SourceConfig names the listing being paginated.
type SourceConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	Filter   string `mapstructure:"filter"`
	Category string `mapstructure:"category"`
	Query    string `mapstructure:"query"`
	Pages    int    `mapstructure:"pages"`
}

// FetcherConfig selects and tunes the page fetcher.
type FetcherConfig struct {
	Mode                string        `mapstructure:"mode"`
	UserAgent           string        `mapstructure:"user_agent"`
	Timeout             time.Duration `mapstructure:"timeout"`
	HeadlessMaxParallel int           `mapstructure:"headless_max_parallel"`
	// PromoteThreshold is the body size below which a script-heavy page is
	// refetched headless in auto mode.
	PromoteThreshold int `mapstructure:"promote_threshold"`
}

// PipelineConfig controls run pacing, chunking, and subscriber buffering.
type PipelineConfig struct {
	ChunkSize   int           `mapstructure:"chunk_size"`
	PageDelay   time.Duration `mapstructure:"page_delay"`
	ChunkDelay  time.Duration `mapstructure:"chunk_delay"`
	OutboxSize  int           `mapstructure:"outbox_size"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

// ParserConfig tunes record extraction.
type ParserConfig struct {
	SearchURLTemplate string `mapstructure:"search_url_template"`
}

// RateLimitConfig bounds requests per upstream host across all runs.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// ArchiveConfig enables raw page archiving.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls the run audit database. An empty DSN disables it.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds run notification settings. An empty project disables
// publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk and environment. An empty path uses
// defaults and environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("logging.development", false)
	v.SetDefault("source.base_url", "https://sukebei.nyaa.si")
	v.SetDefault("source.filter", "2")
	v.SetDefault("source.category", "2_2")
	v.SetDefault("source.query", "-FC2")
	v.SetDefault("source.pages", 1)
	v.SetDefault("fetcher.mode", FetcherColly)
	v.SetDefault("fetcher.user_agent", "Mozilla/5.0")
	v.SetDefault("fetcher.timeout", "30s")
	v.SetDefault("fetcher.headless_max_parallel", 1)
	v.SetDefault("fetcher.promote_threshold", 2048)
	v.SetDefault("pipeline.chunk_size", 10)
	v.SetDefault("pipeline.page_delay", "100ms")
	v.SetDefault("pipeline.chunk_delay", "100ms")
	v.SetDefault("pipeline.outbox_size", 64)
	v.SetDefault("pipeline.send_timeout", "5s")
	v.SetDefault("parser.search_url_template", "https://www.google.com/search?q=%s")
	v.SetDefault("ratelimit.rps", 2)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.backend", "local")
	v.SetDefault("archive.dir", "archive")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "raw")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "listing_runs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "listing-runs")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0, "server.port must be > 0")
	check(strings.HasPrefix(c.Source.BaseURL, "http://") || strings.HasPrefix(c.Source.BaseURL, "https://"),
		"source.base_url must be an http(s) URL, got %q", c.Source.BaseURL)
	check(c.Source.Pages >= 0, "source.pages must be >= 0")
	check(c.Fetcher.Mode == FetcherColly || c.Fetcher.Mode == FetcherHeadless || c.Fetcher.Mode == FetcherAuto,
		"fetcher.mode must be %q, %q, or %q, got %q", FetcherColly, FetcherHeadless, FetcherAuto, c.Fetcher.Mode)
	check(c.Fetcher.Timeout > 0, "fetcher.timeout must be > 0")
	check(c.Fetcher.Mode == FetcherColly || c.Fetcher.HeadlessMaxParallel > 0,
		"fetcher.headless_max_parallel must be > 0 when a headless browser is used")
	check(c.Pipeline.ChunkSize > 0, "pipeline.chunk_size must be > 0")
	check(c.Pipeline.PageDelay >= 0, "pipeline.page_delay must be >= 0")
	check(c.Pipeline.ChunkDelay >= 0, "pipeline.chunk_delay must be >= 0")
	check(c.Pipeline.OutboxSize > 0, "pipeline.outbox_size must be > 0")
	check(c.Pipeline.SendTimeout > 0, "pipeline.send_timeout must be > 0")
	check(c.Parser.SearchURLTemplate == "" || validSearchTemplate(c.Parser.SearchURLTemplate),
		"parser.search_url_template must contain exactly one %%s and no other verbs (write a literal %% as %%%%)")
	check(c.RateLimit.RPS >= 0, "ratelimit.rps must be >= 0")
	if c.Archive.Enabled {
		switch c.Archive.Backend {
		case "local":
			check(c.Archive.Dir != "", "archive.dir is required for the local backend")
		case "gcs":
			check(c.Archive.GCSBucket != "", "archive.gcs_bucket is required for the gcs backend")
		case "memory":
		default:
			check(false, "archive.backend must be local, gcs, or memory, got %q", c.Archive.Backend)
		}
	}
	check(c.PubSub.ProjectID == "" || c.PubSub.TopicName != "", "pubsub.topic_name is required when pubsub.project_id is set")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// validSearchTemplate reports whether tmpl has exactly one %s verb; any other
// percent sign must be the escaped form %%.
func validSearchTemplate(tmpl string) bool {
	rest := strings.ReplaceAll(tmpl, "%%", "")
	if strings.Count(rest, "%s") != 1 {
		return false
	}
	return !strings.Contains(strings.Replace(rest, "%s", "", 1), "%")
}

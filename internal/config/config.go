// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/webimporter/internal/api"
	"github.com/JakeFAU/webimporter/internal/batch"
	"github.com/JakeFAU/webimporter/internal/committer"
	blevecommitter "github.com/JakeFAU/webimporter/internal/committer/bleve"
	escommitter "github.com/JakeFAU/webimporter/internal/committer/elasticsearch"
	fscommitter "github.com/JakeFAU/webimporter/internal/committer/fs"
	natscommitter "github.com/JakeFAU/webimporter/internal/committer/nats"
	pubsubcommitter "github.com/JakeFAU/webimporter/internal/committer/pubsub"
	rediscommitter "github.com/JakeFAU/webimporter/internal/committer/redis"
	"github.com/JakeFAU/webimporter/internal/fetch/headless"
	"github.com/JakeFAU/webimporter/internal/fetch/httpfetch"
	"github.com/JakeFAU/webimporter/internal/fetch/phantomjs"
	"github.com/JakeFAU/webimporter/internal/fetch/webdriver"
	"github.com/JakeFAU/webimporter/internal/handler/registry"
	"github.com/JakeFAU/webimporter/internal/importer"
	"github.com/JakeFAU/webimporter/internal/jobs"
	"github.com/JakeFAU/webimporter/internal/logging"
	"github.com/JakeFAU/webimporter/internal/policy/ratelimit"
	"github.com/JakeFAU/webimporter/internal/scheduler"
	"github.com/JakeFAU/webimporter/internal/storage/gcs"
	"github.com/JakeFAU/webimporter/internal/storage/local"
	pgstore "github.com/JakeFAU/webimporter/internal/storage/postgres"
	"github.com/JakeFAU/webimporter/internal/telemetry"
	"github.com/JakeFAU/webimporter/internal/worker"
)

// EnvPrefix namespaces environment overrides, e.g. WEBIMPORTER_SERVER_PORT.
const EnvPrefix = "WEBIMPORTER"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
	BackendNone     = "none"
)

// Browser fetcher kinds.
const (
	BrowserHeadless  = "headless"
	BrowserWebDriver = "webdriver"
	BrowserPhantomJS = "phantomjs"
)

// HandlerSpec configures one import pipeline step.
type HandlerSpec = registry.Spec

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig               `mapstructure:"server"`
	Auth       AuthConfig                 `mapstructure:"auth"`
	Logging    logging.Config             `mapstructure:"logging"`
	API        api.Config                 `mapstructure:"api"`
	Worker     WorkerConfig               `mapstructure:"worker"`
	RateLimit  ratelimit.Config           `mapstructure:"rate_limit"`
	Fetch      FetchConfig                `mapstructure:"fetch"`
	Importer   ImporterConfig             `mapstructure:"importer"`
	Storage    StorageConfig              `mapstructure:"storage"`
	DB         pgstore.Config             `mapstructure:"db"`
	Committers CommittersConfig           `mapstructure:"committers"`
	Progress   ProgressConfig             `mapstructure:"progress"`
	Tracing    telemetry.Config           `mapstructure:"tracing"`
	Templates  map[string]jobs.Parameters `mapstructure:"templates"`
	Schedules  []scheduler.Schedule       `mapstructure:"schedules"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// WorkerConfig governs dispatcher fan-out and the per-job pipeline.
type WorkerConfig struct {
	worker.Config `mapstructure:",squash"`

	Concurrency int `mapstructure:"concurrency"`
	QueueDepth  int `mapstructure:"queue_depth"`
}

// FetchConfig selects and tunes fetchers.
type FetchConfig struct {
	// Retries is the number of extra attempts per fetcher.
	Retries        int              `mapstructure:"retries"`
	RetryBaseDelay time.Duration    `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration    `mapstructure:"retry_max_delay"`
	HTTP           httpfetch.Config `mapstructure:"http"`
	File           FileConfig       `mapstructure:"file"`
	Browser        BrowserConfig    `mapstructure:"browser"`
}

// FileConfig toggles the local file fetcher.
type FileConfig struct {
	Enabled     bool  `mapstructure:"enabled"`
	MaxBodySize int64 `mapstructure:"max_body_size"`
}

// BrowserConfig picks at most one browser fetcher. Kind empty disables
// browser fetching.
type BrowserConfig struct {
	Kind string `mapstructure:"kind"`
	// Promote lets the detector re-fetch script-heavy pages in the browser.
	Promote       bool             `mapstructure:"promote"`
	MinTextLength int              `mapstructure:"min_text_length"`
	ScriptShare   int              `mapstructure:"script_share"`
	Headless      headless.Config  `mapstructure:"headless"`
	WebDriver     webdriver.Config `mapstructure:"webdriver"`
	PhantomJS     phantomjs.Config `mapstructure:"phantomjs"`
}

// ImporterConfig describes the handler pipeline around the parse step.
type ImporterConfig struct {
	Parser    importer.ParserConfig `mapstructure:"parser"`
	PreParse  []HandlerSpec         `mapstructure:"pre_parse"`
	PostParse []HandlerSpec         `mapstructure:"post_parse"`
}

// StorageConfig picks the job store and the raw content blob store.
type StorageConfig struct {
	Jobs  string       `mapstructure:"jobs"`
	Blobs string       `mapstructure:"blobs"`
	Local local.Config `mapstructure:"local"`
	GCS   gcs.Config   `mapstructure:"gcs"`
}

// CommittersConfig enables document sinks. A nil section is disabled.
type CommittersConfig struct {
	committer.BatcherConfig `mapstructure:",squash"`

	Memory        bool                     `mapstructure:"memory"`
	FS            *fscommitter.Config      `mapstructure:"fs"`
	Blob          *BlobCommitterConfig     `mapstructure:"blob"`
	Postgres      *PostgresCommitterConfig `mapstructure:"postgres"`
	PubSub        *pubsubcommitter.Config  `mapstructure:"pubsub"`
	Elasticsearch *escommitter.Config      `mapstructure:"elasticsearch"`
	Bleve         *blevecommitter.Config   `mapstructure:"bleve"`
	NATS          *natscommitter.Config    `mapstructure:"nats"`
	Redis         *rediscommitter.Config   `mapstructure:"redis"`
}

// BlobCommitterConfig writes entries to the configured blob store.
type BlobCommitterConfig struct {
	Prefix string `mapstructure:"prefix"`
}

// PostgresCommitterConfig writes entries to a table in the db pool.
type PostgresCommitterConfig struct {
	Table string `mapstructure:"table"`
}

// ProgressConfig controls the progress hub and its sinks.
type ProgressConfig struct {
	Batch       batch.Config  `mapstructure:"batch"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
	Log         bool          `mapstructure:"log"`
	Prometheus  bool          `mapstructure:"prometheus"`
}

// Enabled lists the names of the configured committers.
func (c CommittersConfig) Enabled() []string {
	var out []string
	if c.Memory {
		out = append(out, "memory")
	}
	if c.FS != nil {
		out = append(out, "fs")
	}
	if c.Blob != nil {
		out = append(out, "blob")
	}
	if c.Postgres != nil {
		out = append(out, "postgres")
	}
	if c.PubSub != nil {
		out = append(out, "pubsub")
	}
	if c.Elasticsearch != nil {
		out = append(out, "elasticsearch")
	}
	if c.Bleve != nil {
		out = append(out, "bleve")
	}
	if c.NATS != nil {
		out = append(out, "nats")
	}
	if c.Redis != nil {
		out = append(out, "redis")
	}
	return out
}

// LoadDotEnv exports variables from the given .env files. Missing files
// are skipped; variables already set win.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load builds a Config from disk/environment.
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
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		registry.DecodeHook(),
		mapstructure.TextUnmarshallerHookFunc(),
	))); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("api.request_timeout", "60s")
	v.SetDefault("api.max_references", 1000)
	v.SetDefault("api.defaults.follow_redirects", true)
	v.SetDefault("api.defaults.max_redirects", 5)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_depth", 64)
	v.SetDefault("worker.blob_prefix", "documents")
	v.SetDefault("worker.fetch_timeout", "60s")
	v.SetDefault("worker.max_redirects", 5)
	v.SetDefault("rate_limit.default_rps", 1.0)
	v.SetDefault("rate_limit.default_burst", 1)
	v.SetDefault("fetch.retries", 2)
	v.SetDefault("fetch.retry_base_delay", "250ms")
	v.SetDefault("fetch.retry_max_delay", "5s")
	v.SetDefault("fetch.http.userAgent", "webimporter/1.0")
	v.SetDefault("fetch.http.respectRobots", true)
	v.SetDefault("fetch.file.enabled", true)
	v.SetDefault("fetch.browser.kind", "")
	v.SetDefault("fetch.browser.promote", false)
	v.SetDefault("fetch.browser.min_text_length", 2048)
	v.SetDefault("fetch.browser.script_share", 25)
	v.SetDefault("storage.jobs", BackendMemory)
	v.SetDefault("storage.blobs", BackendMemory)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.migrate", true)
	v.SetDefault("committers.op_timeout", "30s")
	v.SetDefault("progress.log", true)
	v.SetDefault("tracing.service_name", "webimporter")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("progress.prometheus", true)
	v.SetDefault("progress.sink_timeout", "10s")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.QueueDepth <= 0 {
		return fmt.Errorf("worker.queue_depth must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	if c.Fetch.Retries < 0 {
		return fmt.Errorf("fetch.retries must be >= 0")
	}
	switch c.Storage.Jobs {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.jobs is postgres")
		}
	default:
		return fmt.Errorf("storage.jobs must be memory or postgres, got %q", c.Storage.Jobs)
	}
	switch c.Storage.Blobs {
	case BackendMemory, BackendNone:
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set when storage.blobs is local")
		}
	case BackendGCS:
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set when storage.blobs is gcs")
		}
	default:
		return fmt.Errorf("storage.blobs must be memory, local, gcs or none, got %q", c.Storage.Blobs)
	}
	switch c.Fetch.Browser.Kind {
	case "", BrowserHeadless, BrowserWebDriver, BrowserPhantomJS:
	default:
		return fmt.Errorf("fetch.browser.kind %q is not supported", c.Fetch.Browser.Kind)
	}
	if c.Committers.Postgres != nil && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set for the postgres committer")
	}
	if c.Committers.Blob != nil && c.Storage.Blobs == BackendNone {
		return fmt.Errorf("the blob committer needs a blob store")
	}
	for name := range c.Templates {
		if len(c.Templates[name].References) == 0 {
			return fmt.Errorf("templates.%s has no references", name)
		}
	}
	for i, s := range c.Schedules {
		if _, ok := c.Templates[s.Template]; !ok {
			return fmt.Errorf("schedules[%d]: template %q not found", i, s.Template)
		}
	}
	return nil
}

// APIConfig merges the auth section into the API settings.
func (c Config) APIConfig() api.Config {
	out := c.API
	if c.Auth.Enabled {
		out.APIKey = c.Auth.APIKey
	}
	if out.Templates == nil {
		out.Templates = c.Templates
	}
	return out
}

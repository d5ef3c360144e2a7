package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Google     GoogleConfig     `yaml:"google" mapstructure:"google"`
	Scrape     ScrapeConfig     `yaml:"scrape" mapstructure:"scrape"`
	Enrichment EnrichmentConfig `yaml:"enrichment" mapstructure:"enrichment"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the Postgres database.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// QueueConfig selects the durable queue backend.
type QueueConfig struct {
	Driver     string `yaml:"driver" mapstructure:"driver"`
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// GoogleConfig holds Places API settings.
type GoogleConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	RateLimit   float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ScrapeConfig configures website scraping.
type ScrapeConfig struct {
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	Concurrency int    `yaml:"concurrency" mapstructure:"concurrency"`
}

// EnrichmentConfig holds the enrichment provider settings.
type EnrichmentConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// PipelineConfig tunes batch sizes, leases and run limits.
type PipelineConfig struct {
	ScrapeBatchSize      int `yaml:"scrape_batch_size" mapstructure:"scrape_batch_size"`
	FilterBatchSize      int `yaml:"filter_batch_size" mapstructure:"filter_batch_size"`
	EnrichBatchSize      int `yaml:"enrich_batch_size" mapstructure:"enrich_batch_size"`
	MigrateBatchSize     int `yaml:"migrate_batch_size" mapstructure:"migrate_batch_size"`
	RunVisibilitySecs    int `yaml:"run_visibility_secs" mapstructure:"run_visibility_secs"`
	EnrichVisibilitySecs int `yaml:"enrich_visibility_secs" mapstructure:"enrich_visibility_secs"`
	RunMaxDeliveries     int `yaml:"run_max_deliveries" mapstructure:"run_max_deliveries"`
	EnrichConcurrency    int `yaml:"enrich_concurrency" mapstructure:"enrich_concurrency"`
	MaxPagesPerRun       int `yaml:"max_pages_per_run" mapstructure:"max_pages_per_run"`
	CreditsPerPage       int `yaml:"credits_per_page" mapstructure:"credits_per_page"`
	StuckAfterMins       int `yaml:"stuck_after_mins" mapstructure:"stuck_after_mins"`
	SearchRetryBackoffMs int `yaml:"search_retry_backoff_ms" mapstructure:"search_retry_backoff_ms"`
}

// RunVisibility is the lease held on a run message.
func (p PipelineConfig) RunVisibility() time.Duration {
	return time.Duration(p.RunVisibilitySecs) * time.Second
}

// EnrichVisibility is the lease held on an enrichment message.
func (p PipelineConfig) EnrichVisibility() time.Duration {
	return time.Duration(p.EnrichVisibilitySecs) * time.Second
}

// StuckAfter is how long a run or scrape may go without progress.
func (p PipelineConfig) StuckAfter() time.Duration {
	return time.Duration(p.StuckAfterMins) * time.Minute
}

// SchedulerConfig holds cron specs per job. An empty spec disables the job.
type SchedulerConfig struct {
	Orchestrate   string `yaml:"orchestrate" mapstructure:"orchestrate"`
	Scrape        string `yaml:"scrape" mapstructure:"scrape"`
	Filter        string `yaml:"filter" mapstructure:"filter"`
	EnrichEnqueue string `yaml:"enrich_enqueue" mapstructure:"enrich_enqueue"`
	Enrich        string `yaml:"enrich" mapstructure:"enrich"`
	Migrate       string `yaml:"migrate" mapstructure:"migrate"`
	Watchdog      string `yaml:"watchdog" mapstructure:"watchdog"`
}

// MonitoringConfig configures health alerts sent after each watchdog pass.
type MonitoringConfig struct {
	WebhookURL         string `yaml:"webhook_url" mapstructure:"webhook_url"`
	QueueDepthAlert    int    `yaml:"queue_depth_alert" mapstructure:"queue_depth_alert"`
	AuditFailuresAlert int64  `yaml:"audit_failures_alert" mapstructure:"audit_failures_alert"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Validation modes, one per kind of command.
const (
	ModeStore  = "store"
	ModeWorker = "worker"
	ModeServe  = "serve"
)

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEADPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("queue.driver", "postgres")
	v.SetDefault("queue.sqlite_path", "leadpipe-queue.db")
	v.SetDefault("google.key", "")
	v.SetDefault("google.base_url", "https://places.googleapis.com")
	v.SetDefault("google.rate_limit", 5.0)
	v.SetDefault("google.timeout_secs", 20)
	v.SetDefault("scrape.timeout_secs", 15)
	v.SetDefault("scrape.max_attempts", 3)
	v.SetDefault("scrape.user_agent", "")
	v.SetDefault("scrape.concurrency", 5)
	v.SetDefault("enrichment.key", "")
	v.SetDefault("enrichment.base_url", "")
	v.SetDefault("enrichment.timeout_secs", 20)
	v.SetDefault("pipeline.scrape_batch_size", 50)
	v.SetDefault("pipeline.filter_batch_size", 200)
	v.SetDefault("pipeline.enrich_batch_size", 50)
	v.SetDefault("pipeline.migrate_batch_size", 50)
	v.SetDefault("pipeline.run_visibility_secs", 900)
	v.SetDefault("pipeline.enrich_visibility_secs", 120)
	v.SetDefault("pipeline.run_max_deliveries", 3)
	v.SetDefault("pipeline.enrich_concurrency", 5)
	v.SetDefault("pipeline.max_pages_per_run", 50)
	v.SetDefault("pipeline.credits_per_page", 1)
	v.SetDefault("pipeline.stuck_after_mins", 15)
	v.SetDefault("pipeline.search_retry_backoff_ms", 500)
	v.SetDefault("scheduler.orchestrate", "@every 30s")
	v.SetDefault("scheduler.scrape", "@every 30s")
	v.SetDefault("scheduler.filter", "@every 30s")
	v.SetDefault("scheduler.enrich_enqueue", "@every 30s")
	v.SetDefault("scheduler.enrich", "@every 30s")
	v.SetDefault("scheduler.migrate", "@every 30s")
	v.SetDefault("scheduler.watchdog", "@every 5m")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.queue_depth_alert", 1000)
	v.SetDefault("monitoring.audit_failures_alert", 1)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the settings mode needs are present and sane.
func (c *Config) Validate(mode string) error {
	var errs []string
	switch mode {
	case ModeStore, ModeWorker, ModeServe:
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	switch c.Queue.Driver {
	case "postgres":
	case "sqlite":
		if c.Queue.SQLitePath == "" {
			errs = append(errs, "queue.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("queue.driver %q is not postgres or sqlite", c.Queue.Driver))
	}

	switch mode {
	case ModeWorker:
		if c.Google.Key == "" {
			errs = append(errs, "google.key is required")
		}
		if c.Enrichment.BaseURL == "" {
			errs = append(errs, "enrichment.base_url is required")
		}
		if c.Pipeline.MaxPagesPerRun < 1 {
			errs = append(errs, "pipeline.max_pages_per_run must be > 0")
		}
		if c.Scrape.MaxAttempts < 1 {
			errs = append(errs, "scrape.max_attempts must be > 0")
		}
	case ModeServe:
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

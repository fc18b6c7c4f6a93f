// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/JakeFAU/scrape-scheduler/internal/api"
	"github.com/JakeFAU/scrape-scheduler/internal/browser"
	"github.com/JakeFAU/scrape-scheduler/internal/extract"
	"github.com/JakeFAU/scrape-scheduler/internal/logging"
	"github.com/JakeFAU/scrape-scheduler/internal/policy/breaker"
	"github.com/JakeFAU/scrape-scheduler/internal/policy/ratelimit"
	"github.com/JakeFAU/scrape-scheduler/internal/policy/retry"
	"github.com/JakeFAU/scrape-scheduler/internal/proxy"
	"github.com/JakeFAU/scrape-scheduler/internal/publisher/pubsub"
	"github.com/JakeFAU/scrape-scheduler/internal/scheduler"
	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
	"github.com/JakeFAU/scrape-scheduler/internal/storage/gcs"
	"github.com/JakeFAU/scrape-scheduler/internal/storage/local"
	"github.com/JakeFAU/scrape-scheduler/internal/storage/postgres"
)

// EnvPrefix namespaces environment overrides, e.g. SCRAPER_SCHEDULER_MAX_INSTANCES.
const EnvPrefix = "SCRAPER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    api.Config             `mapstructure:"server"`
	Logging   logging.Config         `mapstructure:"logging"`
	Scheduler scheduler.Config       `mapstructure:"scheduler"`
	Retry     retry.Config           `mapstructure:"retry"`
	Breaker   breaker.Config         `mapstructure:"breaker"`
	Browser   BrowserConfig          `mapstructure:"browser"`
	Proxy     ProxyConfig            `mapstructure:"proxy"`
	RateLimit RateLimitConfig        `mapstructure:"rate_limit"`
	Database  DatabaseConfig         `mapstructure:"database"`
	PubSub    PubSubConfig           `mapstructure:"pubsub"`
	Storage   StorageConfig          `mapstructure:"storage"`
	Extract   extract.SnapshotConfig `mapstructure:"extract"`
	Tasks     []TaskSeed             `mapstructure:"tasks"`
}

// BrowserConfig is the browser pool plus the Chrome launch settings.
type BrowserConfig struct {
	browser.Config `mapstructure:",squash"`
	Chromedp       browser.ChromedpConfig `mapstructure:"chromedp"`
}

// ProxyConfig is the registry tuning plus where proxies come from.
type ProxyConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	proxy.Config `mapstructure:",squash"`
	URLs         []string                `mapstructure:"urls"`
	Prober       proxy.CollyProberConfig `mapstructure:"prober"`
}

// RateLimitConfig selects the counter store and the quotas. Per-domain rules are a
// list because viper splits map keys on dots.
type RateLimitConfig struct {
	// Store is "memory" or "postgres".
	Store      string         `mapstructure:"store"`
	Table      string         `mapstructure:"table"`
	Default    ratelimit.Rule `mapstructure:"default"`
	MaxBackoff time.Duration  `mapstructure:"max_backoff"`
	Domains    []DomainRule   `mapstructure:"domains"`
}

// DomainRule overrides the default quota for one domain.
type DomainRule struct {
	Domain         string `mapstructure:"domain"`
	ratelimit.Rule `mapstructure:",squash"`
}

// LimiterConfig converts the section into the limiter's shape.
func (c RateLimitConfig) LimiterConfig() ratelimit.Config {
	out := ratelimit.Config{
		Default:    c.Default,
		MaxBackoff: c.MaxBackoff,
		Domains:    make(map[string]ratelimit.Rule, len(c.Domains)),
	}
	for _, d := range c.Domains {
		out.Domains[d.Domain] = d.Rule
	}
	return out
}

// DatabaseConfig controls access to Postgres. An empty DSN disables the
// execution store.
type DatabaseConfig struct {
	postgres.ExecutionStoreConfig `mapstructure:",squash"`
}

// PubSubConfig holds metadata for result notifications.
type PubSubConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	pubsub.Config  `mapstructure:",squash"`
	DeliverTimeout time.Duration `mapstructure:"deliver_timeout"`
}

// StorageConfig selects where page snapshots are archived.
type StorageConfig struct {
	// Backend is "memory", "local" or "gcs".
	Backend string       `mapstructure:"backend"`
	Local   local.Config `mapstructure:"local"`
	GCS     gcs.Config   `mapstructure:"gcs"`
}

// TaskSeed is a task scheduled at startup.
type TaskSeed struct {
	ID                string `mapstructure:"id"`
	scrape.TaskConfig `mapstructure:",squash"`
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
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
	))); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)

	v.SetDefault("scheduler.max_instances", 100)
	v.SetDefault("scheduler.misfire_grace_time", "60s")
	v.SetDefault("scheduler.rate_limit_timeout", "5s")
	v.SetDefault("scheduler.proxy_timeout", "5s")
	v.SetDefault("scheduler.browser_timeout", "30s")
	v.SetDefault("scheduler.default_timeout", "60s")
	v.SetDefault("scheduler.shutdown_timeout", "30s")
	v.SetDefault("scheduler.history_limit", 10000)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", "1s")
	v.SetDefault("retry.max_delay", "60s")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.1)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", "30s")

	v.SetDefault("browser.pool_size", 10)
	v.SetDefault("browser.health_check_interval", "60s")
	v.SetDefault("browser.probe_timeout", "5s")
	v.SetDefault("browser.stale_timeout", "30m")
	v.SetDefault("browser.sweep_interval", "300s")
	v.SetDefault("browser.memory_limit_mb", 4096)
	v.SetDefault("browser.defaults.acquire_timeout", "30s")
	v.SetDefault("browser.defaults.viewport.width", 1920)
	v.SetDefault("browser.defaults.viewport.height", 1080)
	v.SetDefault("browser.chromedp.headless", true)
	v.SetDefault("browser.chromedp.navigation_timeout", "45s")
	v.SetDefault("browser.chromedp.launch_timeout", "30s")

	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.pool_size", 100)
	v.SetDefault("proxy.success_threshold", 0.95)
	v.SetDefault("proxy.health_check_interval", "300s")
	v.SetDefault("proxy.rotation_interval", "600s")
	v.SetDefault("proxy.probe_timeout", "10s")
	v.SetDefault("proxy.probe_concurrency", 10)
	v.SetDefault("proxy.breaker.failure_threshold", 5)
	v.SetDefault("proxy.breaker.recovery_timeout", "30s")
	v.SetDefault("proxy.prober.health_url", "https://www.google.com/generate_204")
	v.SetDefault("proxy.prober.timeout", "10s")

	v.SetDefault("rate_limit.store", "memory")
	v.SetDefault("rate_limit.table", "rate_limits")
	v.SetDefault("rate_limit.default.limit", 1000)
	v.SetDefault("rate_limit.default.window", "60s")
	v.SetDefault("rate_limit.default.burst_multiplier", 0.05)
	v.SetDefault("rate_limit.max_backoff", "300s")

	v.SetDefault("database.execution_table", "task_executions")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.deliver_timeout", "10s")

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local.base_dir", "data/snapshots")
	v.SetDefault("extract.prefix", "snapshots")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("server.addr must be set")
	}
	if c.Scheduler.MaxInstances <= 0 {
		return fmt.Errorf("scheduler.max_instances must be > 0")
	}
	if c.Scheduler.MisfireGraceTime < 0 {
		return fmt.Errorf("scheduler.misfire_grace_time must be >= 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be within [0, 1]")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0")
	}
	if c.Browser.PoolSize <= 0 {
		return fmt.Errorf("browser.pool_size must be > 0")
	}
	if c.Proxy.Enabled {
		if c.Proxy.SuccessThreshold < 0 || c.Proxy.SuccessThreshold > 1 {
			return fmt.Errorf("proxy.success_threshold must be within [0, 1]")
		}
		if len(c.Proxy.URLs) == 0 {
			return fmt.Errorf("proxy.urls must be set when proxies are enabled")
		}
		for _, raw := range c.Proxy.URLs {
			if err := proxy.Validate(raw, c.Proxy.Validation); err != nil {
				return fmt.Errorf("proxy.urls: %w", err)
			}
		}
	}
	switch c.RateLimit.Store {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set when rate_limit.store is postgres")
		}
	default:
		return fmt.Errorf("rate_limit.store must be memory or postgres, got %q", c.RateLimit.Store)
	}
	if c.RateLimit.Default.Limit <= 0 {
		return fmt.Errorf("rate_limit.default.limit must be > 0")
	}
	for i, d := range c.RateLimit.Domains {
		if strings.TrimSpace(d.Domain) == "" {
			return fmt.Errorf("rate_limit.domains[%d].domain must be set", i)
		}
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local or gcs, got %q", c.Storage.Backend)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicID == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_id must be set when pubsub is enabled")
	}
	seen := make(map[string]bool, len(c.Tasks))
	for i, task := range c.Tasks {
		if task.ID == "" {
			return fmt.Errorf("tasks[%d].id must be set", i)
		}
		if seen[task.ID] {
			return fmt.Errorf("tasks[%d].id %q is duplicated", i, task.ID)
		}
		seen[task.ID] = true
		if err := task.TaskConfig.Validate(); err != nil {
			return fmt.Errorf("tasks[%d] (%s): %w", i, task.ID, err)
		}
	}
	return nil
}

// SchedulerConfig folds the shared retry and breaker sections into the
// scheduler section.
func (c Config) SchedulerConfig() scheduler.Config {
	out := c.Scheduler
	out.Retry = c.Retry
	out.Breaker = c.Breaker
	return out
}

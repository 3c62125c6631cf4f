// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/forumwatch/crawlerd/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Control   ControlConfig   `mapstructure:"control"`
	Locks     LocksConfig     `mapstructure:"locks"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the crawl pipeline.
type CrawlerConfig struct {
	UserAgent        string            `mapstructure:"user_agent"`
	RespectRobots    bool              `mapstructure:"respect_robots"`
	TimeoutSeconds   int               `mapstructure:"timeout_seconds"`
	PageDelayMs      int               `mapstructure:"page_delay_ms"`
	// RatePerSecond switches politeness to token bucket pacing when > 0;
	// page_delay_ms is ignored in that mode.
	RatePerSecond    float64           `mapstructure:"rate_per_second"`
	BreakerThreshold int               `mapstructure:"breaker_threshold"`
	BreakerResetSec  int               `mapstructure:"breaker_reset_seconds"`
	Sections         []crawler.Section `mapstructure:"sections"`
}

// ControlConfig wires state persistence and the signal mailbox.
type ControlConfig struct {
	// StateFile is where the coordinator persists crawl state.
	StateFile string `mapstructure:"state_file"`
	// Mailbox selects the signal backend: file, badger, or memory.
	Mailbox string `mapstructure:"mailbox"`
	// SignalFile is the shared signal file for the file backend.
	SignalFile string `mapstructure:"signal_file"`
	// BadgerDir is the database directory for the badger backend.
	BadgerDir       string `mapstructure:"badger_dir"`
	CheckIntervalMs int    `mapstructure:"check_interval_ms"`
	BatchSize       int    `mapstructure:"batch_size"`
}

// LocksConfig controls file-based task locking.
type LocksConfig struct {
	Dir               string `mapstructure:"dir"`
	AcquireTimeoutSec int    `mapstructure:"acquire_timeout_seconds"`
	LockTimeoutSec    int    `mapstructure:"lock_timeout_seconds"`
}

// DBConfig controls access to the relational database. An empty DSN runs
// with the in-memory record store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications. An
// empty project disables publishing; state changes are only logged.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// SchedulerConfig turns the embedded cron runner on and off.
type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// CrawlSpec is the cron expression for the recurring full crawl.
	CrawlSpec string `mapstructure:"crawl_spec"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLERD")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawler.user_agent", "forumwatch-bot/1.0")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.timeout_seconds", 15)
	v.SetDefault("crawler.page_delay_ms", 1000)
	v.SetDefault("crawler.breaker_threshold", 5)
	v.SetDefault("crawler.breaker_reset_seconds", 30)
	v.SetDefault("control.state_file", "data/crawler_state.json")
	v.SetDefault("control.mailbox", "file")
	v.SetDefault("control.signal_file", "data/signal_queue.json")
	v.SetDefault("control.badger_dir", "data/signals")
	v.SetDefault("control.check_interval_ms", 500)
	v.SetDefault("control.batch_size", 10)
	v.SetDefault("locks.dir", "data/locks")
	v.SetDefault("locks.acquire_timeout_seconds", 30)
	v.SetDefault("locks.lock_timeout_seconds", 3600)
	v.SetDefault("db.table", "thread_records")
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.crawl_spec", "0 3 * * *")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.TimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.timeout_seconds must be > 0")
	}
	switch c.Control.Mailbox {
	case "file", "badger", "memory":
	default:
		return fmt.Errorf("control.mailbox must be file, badger, or memory, got %q", c.Control.Mailbox)
	}
	if c.Control.Mailbox == "file" && c.Control.SignalFile == "" {
		return fmt.Errorf("control.signal_file is required for the file mailbox")
	}
	if c.Control.Mailbox == "badger" && c.Control.BadgerDir == "" {
		return fmt.Errorf("control.badger_dir is required for the badger mailbox")
	}
	if c.Control.StateFile == "" {
		return fmt.Errorf("control.state_file is required")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	for i, s := range c.Crawler.Sections {
		if s.Name == "" || s.BaseURL == "" {
			return fmt.Errorf("crawler.sections[%d] needs name and base_url", i)
		}
	}
	return nil
}

// FetchTimeout returns the per-request fetch timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Crawler.TimeoutSeconds) * time.Second
}

// PageDelay returns the politeness delay between page fetches.
func (c Config) PageDelay() time.Duration {
	return time.Duration(c.Crawler.PageDelayMs) * time.Millisecond
}

// CheckInterval returns the signal check cadence.
func (c Config) CheckInterval() time.Duration {
	return time.Duration(c.Control.CheckIntervalMs) * time.Millisecond
}

// BreakerReset returns the circuit breaker probe window.
func (c Config) BreakerReset() time.Duration {
	return time.Duration(c.Crawler.BreakerResetSec) * time.Second
}

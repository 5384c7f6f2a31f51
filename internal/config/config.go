// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

// Package config loads and validates scheduler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/changkun/monsched"
	"github.com/changkun/monsched/policy"
)

// Config captures all process configuration knobs loaded via Viper.
type Config struct {
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Backoff   BackoffConfig   `mapstructure:"backoff"`
	Policy    policy.Table    `mapstructure:"policy"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// RedisConfig controls the shared store connection.
type RedisConfig struct {
	URL            string `mapstructure:"url"`
	MaxIdle        int    `mapstructure:"max_idle"`
	MaxActive      int    `mapstructure:"max_active"`
	IdleTimeoutSec int    `mapstructure:"idle_timeout_seconds"`
	DialTimeoutMs  int    `mapstructure:"dial_timeout_ms"`
	CallTimeoutMs  int    `mapstructure:"call_timeout_ms"`
	Retries        int    `mapstructure:"retries"`
	RetryBackoffMs int    `mapstructure:"retry_backoff_ms"`
}

// SchedulerConfig governs the poller and the locks.
type SchedulerConfig struct {
	PollMinSec        int    `mapstructure:"poll_min_seconds"`
	PollMaxSec        int    `mapstructure:"poll_max_seconds"`
	BatchSize         int    `mapstructure:"batch_size"`
	MonitorLockTTLSec int    `mapstructure:"monitor_lock_ttl_seconds"`
	RunLockTTLSec     int    `mapstructure:"run_lock_ttl_seconds"`
	KeyPrefix         string `mapstructure:"key_prefix"`
	MalformedPolicy   string `mapstructure:"malformed_policy"`
}

// BackoffConfig shapes the delay of throttled monitors.
type BackoffConfig struct {
	StepsSec []int   `mapstructure:"steps_seconds"`
	Jitter   float64 `mapstructure:"jitter"`
	MaxSec   int     `mapstructure:"max_seconds"`
}

// ServerConfig controls the operations HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	// JobLogPath receives a copy of every engine line tagged with its job.
	JobLogPath string `mapstructure:"job_log_path"`
}

// DBConfig controls the Postgres audit log. An empty DSN logs audit events
// instead.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	Table           string `mapstructure:"table"`
	MaxConns        int    `mapstructure:"max_conns"`
	MaxConnLifetime int    `mapstructure:"max_conn_lifetime_seconds"`
}

// PubSubConfig holds the topic run notifications are published to. An
// empty project logs runs instead.
type PubSubConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	TopicName       string `mapstructure:"topic_name"`
	CredentialsFile string `mapstructure:"credentials_file"`
	Endpoint        string `mapstructure:"endpoint"`
	// Ordering publishes the runs of a monitor in order.
	Ordering bool `mapstructure:"ordering"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MONSCHED")
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
	defaults := policy.DefaultTable()
	if len(cfg.Policy.Tiers) == 0 {
		cfg.Policy.Tiers = defaults.Tiers
	}
	if len(cfg.Policy.Marketplaces) == 0 {
		cfg.Policy.Marketplaces = defaults.Marketplaces
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.url", "redis://127.0.0.1:6379/0")
	v.SetDefault("redis.max_idle", 10)
	v.SetDefault("redis.max_active", 0)
	v.SetDefault("redis.idle_timeout_seconds", 240)
	v.SetDefault("redis.dial_timeout_ms", 5000)
	v.SetDefault("redis.call_timeout_ms", 2000)
	v.SetDefault("redis.retries", 2)
	v.SetDefault("redis.retry_backoff_ms", 50)
	v.SetDefault("scheduler.poll_min_seconds", int(monsched.DefaultPollMin/time.Second))
	v.SetDefault("scheduler.poll_max_seconds", int(monsched.DefaultPollMax/time.Second))
	v.SetDefault("scheduler.batch_size", monsched.DefaultBatchSize)
	v.SetDefault("scheduler.monitor_lock_ttl_seconds", int(monsched.DefaultMonitorLockTTL/time.Second))
	v.SetDefault("scheduler.run_lock_ttl_seconds", int(monsched.DefaultRunLockTTL/time.Second))
	v.SetDefault("scheduler.key_prefix", "")
	v.SetDefault("scheduler.malformed_policy", string(monsched.MalformedDrop))
	v.SetDefault("backoff.steps_seconds", []int{30, 90, 300})
	v.SetDefault("backoff.jitter", 0.2)
	v.SetDefault("backoff.max_seconds", 900)
	v.SetDefault("policy.boost_interval_sec", policy.DefaultBoostIntervalSec)
	v.SetDefault("server.port", 9090)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("db.table", "schedule_events")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)
	v.SetDefault("pubsub.topic_name", "monitor-runs")
	v.SetDefault("pubsub.ordering", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.Redis.CallTimeoutMs < 0 || c.Redis.Retries < 0 {
		return fmt.Errorf("redis.call_timeout_ms and redis.retries must be >= 0")
	}
	if c.Scheduler.PollMinSec <= 0 || c.Scheduler.PollMaxSec < c.Scheduler.PollMinSec {
		return fmt.Errorf("scheduler.poll_min_seconds must be > 0 and <= scheduler.poll_max_seconds")
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("scheduler.batch_size must be > 0")
	}
	if c.Scheduler.MonitorLockTTLSec <= 0 || c.Scheduler.RunLockTTLSec <= 0 {
		return fmt.Errorf("scheduler lock ttls must be > 0")
	}
	if _, err := monsched.ParseMalformedPolicy(c.Scheduler.MalformedPolicy); err != nil {
		return fmt.Errorf("scheduler.malformed_policy: %w", err)
	}
	if len(c.Backoff.StepsSec) == 0 {
		return fmt.Errorf("backoff.steps_seconds must not be empty")
	}
	if err := c.BackoffPolicy().Validate(); err != nil {
		return err
	}
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	return nil
}

// BackoffPolicy converts the backoff section.
func (c Config) BackoffPolicy() monsched.BackoffPolicy {
	steps := make([]time.Duration, len(c.Backoff.StepsSec))
	for i, s := range c.Backoff.StepsSec {
		steps[i] = time.Duration(s) * time.Second
	}
	return monsched.BackoffPolicy{
		Steps:  steps,
		Jitter: c.Backoff.Jitter,
		Max:    time.Duration(c.Backoff.MaxSec) * time.Second,
	}
}

// SchedulerOptions converts the scheduler and backoff sections. Load has
// already validated them.
func (c Config) SchedulerOptions() []monsched.Option {
	malformed, _ := monsched.ParseMalformedPolicy(c.Scheduler.MalformedPolicy)
	return []monsched.Option{
		monsched.WithPollInterval(
			time.Duration(c.Scheduler.PollMinSec)*time.Second,
			time.Duration(c.Scheduler.PollMaxSec)*time.Second,
		),
		monsched.WithBatchSize(c.Scheduler.BatchSize),
		monsched.WithLockTTL(
			time.Duration(c.Scheduler.MonitorLockTTLSec)*time.Second,
			time.Duration(c.Scheduler.RunLockTTLSec)*time.Second,
		),
		monsched.WithKeyPrefix(c.Scheduler.KeyPrefix),
		monsched.WithMalformedPolicy(malformed),
		monsched.WithBackoff(c.BackoffPolicy()),
	}
}

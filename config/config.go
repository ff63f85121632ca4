package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/robfig/cron/v3"

	"github.com/vinayprograms/agentqueue/autoscale"
	"github.com/vinayprograms/agentqueue/errors"
	"github.com/vinayprograms/agentqueue/logging"
	"github.com/vinayprograms/agentqueue/streams"
)

// FileName is the config file name looked up in the working directory.
const FileName = "agentqueue.toml"

// Lease backends.
const (
	LeaseRedis  = "redis"
	LeaseMemory = "memory"
	LeaseNATS   = "nats"
)

// Config is the complete agentqueue configuration.
type Config struct {
	Redis       RedisConfig       `toml:"redis"`
	Streams     streams.Topology  `toml:"streams"`
	Consumer    ConsumerConfig    `toml:"consumer"`
	Reliability ReliabilityConfig `toml:"reliability"`
	Lease       LeaseConfig       `toml:"lease"`
	Metrics     MetricsConfig     `toml:"metrics"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`
	Autoscale   AutoscaleConfig   `toml:"autoscale"`
	Log         LogConfig         `toml:"log"`
}

// RedisConfig locates the Redis server.
type RedisConfig struct {
	URL string `toml:"url"`

	// Filled from credentials, never from the config file.
	username string
	password string
}

// ConsumerConfig tunes the worker loop.
type ConsumerConfig struct {
	Worker  string        `toml:"worker"`
	Block   time.Duration `toml:"block"`
	Backoff time.Duration `toml:"backoff"`
}

// ReliabilityConfig tunes the reclaimer and DLQ maintenance.
type ReliabilityConfig struct {
	Interval      time.Duration `toml:"interval"`
	IdleThreshold time.Duration `toml:"idle_threshold"`
	BatchSize     int           `toml:"batch_size"`
	Identity      string        `toml:"identity"`
	// PurgeSchedule is a five-field cron expression; empty disables the
	// scheduled purge.
	PurgeSchedule string        `toml:"purge_schedule"`
	PurgeMaxAge   time.Duration `toml:"purge_max_age"`
}

// LeaseConfig selects the heartbeat lease store.
type LeaseConfig struct {
	Backend string        `toml:"backend"`
	NATSURL string        `toml:"nats_url"`
	Bucket  string        `toml:"bucket"`
	MaxTTL  time.Duration `toml:"max_ttl"`

	natsToken string
}

// MetricsConfig controls the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// TelemetryConfig controls OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool    `toml:"enabled"`
	Endpoint    string  `toml:"endpoint"`
	Protocol    string  `toml:"protocol"`
	Insecure    bool    `toml:"insecure"`
	Debug       bool    `toml:"debug"`
	SampleRatio float64 `toml:"sample_ratio"`
	ServiceName string  `toml:"service_name"`
}

// AutoscaleConfig controls the depth monitor run by the reclaimer.
type AutoscaleConfig struct {
	Enabled          bool          `toml:"enabled"`
	Interval         time.Duration `toml:"interval"`
	PendingThreshold int64         `toml:"pending_threshold"`
	MaxWorkers       int64         `toml:"max_workers"`
}

// Thresholds returns the monitor thresholds.
func (a AutoscaleConfig) Thresholds() autoscale.Config {
	return autoscale.Config{PendingThreshold: a.PendingThreshold, MaxWorkers: a.MaxWorkers}
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Redis:   RedisConfig{URL: "redis://localhost:6379"},
		Streams: streams.DefaultTopology(),
		Consumer: ConsumerConfig{
			Worker:  defaultWorker(),
			Block:   5 * time.Second,
			Backoff: time.Second,
		},
		Reliability: ReliabilityConfig{
			Interval:      30 * time.Second,
			IdleThreshold: 60 * time.Second,
			BatchSize:     100,
			Identity:      "reclaimer",
			PurgeMaxAge:   24 * time.Hour,
		},
		Lease: LeaseConfig{
			Backend: LeaseRedis,
			Bucket:  "agentqueue-leases",
			MaxTTL:  24 * time.Hour,
		},
		Telemetry: TelemetryConfig{Protocol: "grpc"},
		Autoscale: AutoscaleConfig{
			Interval:         15 * time.Second,
			PendingThreshold: autoscale.DefaultPendingThreshold,
		},
		Log: LogConfig{Level: "info"},
	}
}

func defaultWorker() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// StandardPaths returns the config file locations in priority order.
func StandardPaths() []string {
	paths := []string{FileName}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "agentqueue", "config.toml"))
	}
	return paths
}

// Load reads path, or the first standard location that exists when path
// is empty, then applies environment overrides and validates. It returns
// the file used ("" when none was found and defaults apply).
func Load(path string) (*Config, string, error) {
	cfg := Default()
	if path == "" {
		for _, p := range StandardPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, path, err
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// LoadFile reads one file over the defaults without environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := decodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return errors.Validation("config", "cannot parse "+path, errors.WithCause(err))
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return errors.Validation(undecoded[0].String(), "unknown config key in "+path)
	}
	return nil
}

// ApplyEnv overrides settings from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("AGENTQUEUE_REDIS_URL"); v != "" {
		c.Redis.URL = v
	} else if v := getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := getenv("AGENTQUEUE_WORKER"); v != "" {
		c.Consumer.Worker = v
	}
	if v := getenv("AGENTQUEUE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := getenv("AGENTQUEUE_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
}

// Validate checks every section, reporting the first bad field.
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return errors.Validation("redis.url", "redis url is required")
	}
	if u, err := url.Parse(c.Redis.URL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
		return errors.Validation("redis.url", "redis url must use redis:// or rediss://")
	}
	if err := c.Streams.Validate(); err != nil {
		return err
	}
	if c.Consumer.Worker == "" {
		return errors.Validation("consumer.worker", "worker name is required")
	}
	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"consumer.block", c.Consumer.Block},
		{"consumer.backoff", c.Consumer.Backoff},
		{"reliability.interval", c.Reliability.Interval},
		{"reliability.idle_threshold", c.Reliability.IdleThreshold},
		{"reliability.purge_max_age", c.Reliability.PurgeMaxAge},
		{"autoscale.interval", c.Autoscale.Interval},
	} {
		if d.value <= 0 {
			return errors.Validation(d.field, "duration must be positive")
		}
	}
	if c.Reliability.BatchSize <= 0 {
		return errors.Validation("reliability.batch_size", "batch size must be positive")
	}
	if c.Reliability.PurgeSchedule != "" {
		if _, err := cron.ParseStandard(c.Reliability.PurgeSchedule); err != nil {
			return errors.Validation("reliability.purge_schedule", "invalid cron schedule", errors.WithCause(err))
		}
	}
	switch c.Lease.Backend {
	case LeaseRedis, LeaseMemory:
	case LeaseNATS:
		if c.Lease.NATSURL == "" {
			return errors.Validation("lease.nats_url", "nats url is required for the nats backend")
		}
	default:
		return errors.Validation("lease.backend", "backend must be redis, memory or nats")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return errors.Validation("telemetry.sample_ratio", "sample ratio must be within [0, 1]")
	}
	if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http" {
		return errors.Validation("telemetry.protocol", "protocol must be grpc or http")
	}
	if err := c.Autoscale.Thresholds().Validate(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return errors.Validation("log.level", err.Error())
	}
	return nil
}

// RedisURL returns the server URL with the credentials password applied
// when the URL carries none.
func (c *Config) RedisURL() string {
	if c.Redis.password == "" {
		return c.Redis.URL
	}
	u, err := url.Parse(c.Redis.URL)
	if err != nil {
		return c.Redis.URL
	}
	if _, set := u.User.Password(); set {
		return c.Redis.URL
	}
	user := u.User.Username()
	if user == "" {
		user = c.Redis.username
	}
	u.User = url.UserPassword(user, c.Redis.password)
	return u.String()
}

// NATSToken returns the NATS token from credentials, if any.
func (c *Config) NATSToken() string {
	return c.Lease.natsToken
}

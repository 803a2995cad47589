package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vrischmann/envconfig"
	"gopkg.in/yaml.v3"
)

// Config represents configuration data for the resilience agent.
type Config struct {
	LogLevel  string     `yaml:"log_level"`
	LogFormat string     `yaml:"log_format"`
	Listen    string     `yaml:"listen"`
	Storage   Storage    `yaml:"storage"`
	Session   Session    `yaml:"session"`
	Probe     Probe      `yaml:"probe"`
	Queue     Queue      `yaml:"queue"`
	Executor  Executor   `yaml:"executor"`
	Endpoints []Endpoint `yaml:"endpoints"`
}

// Storage selects the key-value backend used by the offline queue.
type Storage struct {
	Driver      string   `yaml:"driver"`
	Path        string   `yaml:"path"`
	RedisAddr   string   `yaml:"redis_addr"`
	RedisDB     int      `yaml:"redis_db"`
	BusyTimeout Duration `yaml:"busy_timeout"`
}

// Session configures the long-lived websocket session.
type Session struct {
	URL               string            `yaml:"url"`
	Headers           map[string]string `yaml:"headers"`
	MaxRetries        int               `yaml:"max_retries"` // 0 disables reconnects
	InitialDelay      Duration          `yaml:"initial_delay"`
	MaxDelay          Duration          `yaml:"max_delay"`
	BackoffMultiplier float64           `yaml:"backoff_multiplier"`
	HeartbeatInterval Duration          `yaml:"heartbeat_interval"`
	ConnectionTimeout Duration          `yaml:"connection_timeout"`
}

// Probe configures reachability checks.
type Probe struct {
	CacheTTL      Duration `yaml:"cache_ttl"`
	WatchInterval Duration `yaml:"watch_interval"`
	HistorySize   int      `yaml:"history_size"`
}

// Endpoint is a single reachability target.
type Endpoint struct {
	URL     string   `yaml:"url"`
	Method  string   `yaml:"method"`
	Timeout Duration `yaml:"timeout"`
}

// Queue configures the offline operation queue.
type Queue struct {
	Key           string `yaml:"key"`
	MaxAttempts   int    `yaml:"max_attempts"`
	FlushSchedule string `yaml:"flush_schedule"`
}

// Executor configures how queued operations are replayed.
type Executor struct {
	BaseURL    string            `yaml:"base_url"`
	Headers    map[string]string `yaml:"headers"`
	Timeout    Duration          `yaml:"timeout"`
	Attempts   uint              `yaml:"attempts"`
	RatePerSec float64           `yaml:"rate_per_sec"`
}

// Duration is a time.Duration that unmarshals from Go duration strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML accepts "1500ms", "30s" or a bare integer of milliseconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		d.Duration = parsed
		return nil
	}
	var ms int64
	if err := value.Decode(&ms); err != nil {
		return fmt.Errorf("invalid duration %q", raw)
	}
	d.Duration = time.Duration(ms) * time.Millisecond
	return nil
}

// MarshalYAML renders the duration in Go notation.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// overrides are read from the environment on top of the YAML file.
type overrides struct {
	LogLevel       string        `envconfig:"NETKEEP_LOG_LEVEL"`
	Listen         string        `envconfig:"NETKEEP_LISTEN"`
	StorageDriver  string        `envconfig:"NETKEEP_STORAGE_DRIVER"`
	StoragePath    string        `envconfig:"NETKEEP_STORAGE_PATH"`
	RedisAddr      string        `envconfig:"NETKEEP_REDIS_ADDR"`
	SessionURL     string        `envconfig:"NETKEEP_SESSION_URL"`
	MaxRetries     int           `envconfig:"NETKEEP_MAX_RETRIES"`
	ExecutorURL    string        `envconfig:"NETKEEP_EXECUTOR_BASE_URL"`
	FlushSchedule  string        `envconfig:"NETKEEP_FLUSH_SCHEDULE"`
	ProbeCacheTTL  time.Duration `envconfig:"NETKEEP_PROBE_CACHE_TTL"`
	WatchInterval  time.Duration `envconfig:"NETKEEP_WATCH_INTERVAL"`
	QueueMaxTries  int           `envconfig:"NETKEEP_QUEUE_MAX_ATTEMPTS"`
	ConnectTimeout time.Duration `envconfig:"NETKEEP_CONNECTION_TIMEOUT"`
}

// DefaultEndpoints returns the built-in reachability targets.
func DefaultEndpoints() []Endpoint {
	timeout := Duration{5 * time.Second}
	return []Endpoint{
		{URL: "https://clients3.google.com/generate_204", Method: "HEAD", Timeout: timeout},
		{URL: "https://www.cloudflare.com/cdn-cgi/trace", Method: "HEAD", Timeout: timeout},
		{URL: "https://www.apple.com/library/test/success.html", Method: "HEAD", Timeout: timeout},
		{URL: "https://www.msftconnecttest.com/connecttest.txt", Method: "HEAD", Timeout: timeout},
	}
}

// DefaultConfig returns sensible defaults in case no configuration file is provided.
func DefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "console",
		Listen:    ":8080",
		Storage: Storage{
			Driver: "file",
			Path:   filepath.Join(".dist", "data", "queue.json"),
		},
		Session: Session{
			MaxRetries:        10,
			InitialDelay:      Duration{time.Second},
			MaxDelay:          Duration{30 * time.Second},
			BackoffMultiplier: 2,
			HeartbeatInterval: Duration{30 * time.Second},
			ConnectionTimeout: Duration{10 * time.Second},
		},
		Probe: Probe{
			CacheTTL:      Duration{10 * time.Second},
			WatchInterval: Duration{time.Minute},
			HistorySize:   1024,
		},
		Queue: Queue{
			Key: "@offline_queue",
		},
		Executor: Executor{
			Timeout:    Duration{15 * time.Second},
			Attempts:   1,
			RatePerSec: 10,
		},
		Endpoints: DefaultEndpoints(),
	}
}

// Load reads configuration from a yaml file and applies environment overrides.
// Missing files fall back to defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		content, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(content, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var env overrides
	if err := envconfig.InitWithOptions(&env, envconfig.Options{AllOptional: true}); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	setString(&cfg.LogLevel, env.LogLevel)
	setString(&cfg.Listen, env.Listen)
	setString(&cfg.Storage.Driver, env.StorageDriver)
	setString(&cfg.Storage.Path, env.StoragePath)
	setString(&cfg.Storage.RedisAddr, env.RedisAddr)
	setString(&cfg.Session.URL, env.SessionURL)
	setString(&cfg.Executor.BaseURL, env.ExecutorURL)
	setString(&cfg.Queue.FlushSchedule, env.FlushSchedule)
	if env.MaxRetries > 0 {
		cfg.Session.MaxRetries = env.MaxRetries
	}
	if env.QueueMaxTries > 0 {
		cfg.Queue.MaxAttempts = env.QueueMaxTries
	}
	if env.ProbeCacheTTL > 0 {
		cfg.Probe.CacheTTL.Duration = env.ProbeCacheTTL
	}
	if env.WatchInterval > 0 {
		cfg.Probe.WatchInterval.Duration = env.WatchInterval
	}
	if env.ConnectTimeout > 0 {
		cfg.Session.ConnectionTimeout.Duration = env.ConnectTimeout
	}
	return nil
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func (c *Config) normalize() error {
	def := DefaultConfig()
	if c.Storage.Driver == "" {
		c.Storage.Driver = def.Storage.Driver
	}
	if c.Storage.Path == "" {
		c.Storage.Path = def.Storage.Path
	}
	if c.Session.MaxRetries < 0 {
		return errors.New("session.max_retries must not be negative")
	}
	if c.Session.InitialDelay.Duration <= 0 {
		c.Session.InitialDelay = def.Session.InitialDelay
	}
	if c.Session.MaxDelay.Duration <= 0 {
		c.Session.MaxDelay = def.Session.MaxDelay
	}
	if c.Session.MaxDelay.Duration < c.Session.InitialDelay.Duration {
		return errors.New("session.max_delay must be >= session.initial_delay")
	}
	if c.Session.BackoffMultiplier < 1 {
		c.Session.BackoffMultiplier = def.Session.BackoffMultiplier
	}
	if c.Session.HeartbeatInterval.Duration <= 0 {
		c.Session.HeartbeatInterval = def.Session.HeartbeatInterval
	}
	if c.Session.ConnectionTimeout.Duration <= 0 {
		c.Session.ConnectionTimeout = def.Session.ConnectionTimeout
	}
	if c.Probe.CacheTTL.Duration <= 0 {
		c.Probe.CacheTTL = def.Probe.CacheTTL
	}
	if c.Probe.HistorySize <= 0 {
		c.Probe.HistorySize = def.Probe.HistorySize
	}
	if c.Queue.Key == "" {
		c.Queue.Key = def.Queue.Key
	}
	if c.Queue.MaxAttempts < 0 {
		return errors.New("queue.max_attempts must not be negative")
	}
	if c.Executor.Attempts == 0 {
		c.Executor.Attempts = 1
	}
	if c.Executor.Timeout.Duration <= 0 {
		c.Executor.Timeout = def.Executor.Timeout
	}
	if len(c.Endpoints) == 0 {
		c.Endpoints = DefaultEndpoints()
	}
	if len(c.Endpoints) < 2 {
		return errors.New("configuration must define at least two probe endpoints")
	}
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if strings.TrimSpace(ep.URL) == "" {
			return fmt.Errorf("endpoint %d is missing url", i)
		}
		if ep.Method == "" {
			ep.Method = "HEAD"
		}
		ep.Method = strings.ToUpper(ep.Method)
		if ep.Timeout.Duration <= 0 {
			ep.Timeout = Duration{5 * time.Second}
		}
	}
	return nil
}

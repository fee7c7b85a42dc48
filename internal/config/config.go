package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml values like "30s" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// APIConfig configures the HTTP and metrics listeners.
type APIConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// CaptureConfig configures the external capture tool and its directories.
type CaptureConfig struct {
	Tool           string   `yaml:"tool"`
	ConfigPath     string   `yaml:"config_path"`
	PrivilegeCmd   string   `yaml:"privilege_cmd"`
	PCAPDir        string   `yaml:"pcap_dir"`
	ReportDir      string   `yaml:"report_dir"`
	LogDir         string   `yaml:"log_dir"`
	PCAPExtensions []string `yaml:"pcap_extensions"`
}

// SessionsConfig holds the registry expiry rules.
type SessionsConfig struct {
	AccessTTL     Duration `yaml:"access_ttl"`
	CompletedTTL  Duration `yaml:"completed_ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// QueueConfig is the per-class scheduler tuning. Classes differ sharply in
// duration and resource profile, hence per-class workers and timeouts.
type QueueConfig struct {
	Workers       int      `yaml:"workers"`
	Attempts      int      `yaml:"attempts"`
	BackoffBase   Duration `yaml:"backoff_base"`
	Timeout       Duration `yaml:"timeout"`
	AvgDuration   Duration `yaml:"avg_duration"`
	KeepCompleted int      `yaml:"keep_completed"`
	KeepFailed    int      `yaml:"keep_failed"`
}

// SchedulerConfig configures the job scheduler and its backing store.
type SchedulerConfig struct {
	Store           string                 `yaml:"store"`
	RedisAddr       string                 `yaml:"redis_addr"`
	PollInterval    Duration               `yaml:"poll_interval"`
	StalledInterval Duration               `yaml:"stalled_interval"`
	MaxStalledCount int                    `yaml:"max_stalled_count"`
	CleanupInterval Duration               `yaml:"cleanup_interval"`
	RetentionHours  int                    `yaml:"retention_hours"`
	Queues          map[string]QueueConfig `yaml:"queues"`
}

// RuntimeConfig locates the external analysis scripts.
type RuntimeConfig struct {
	PythonCmd string `yaml:"python_cmd"`
	ScriptDir string `yaml:"script_dir"`
}

// EventsConfig configures the optional NATS lifecycle-event publisher.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ClickHouseConfig configures the optional traffic snapshot store.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// StorageConfig groups persistent stores.
type StorageConfig struct {
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
}

// Config is the top-level configuration struct for the entire application.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	API       APIConfig       `yaml:"api"`
	Capture   CaptureConfig   `yaml:"capture"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Events    EventsConfig    `yaml:"events"`
	Storage   StorageConfig   `yaml:"storage"`
}

// LoadConfig reads the configuration from a YAML file and returns a Config
// struct with defaults applied and validated.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// queueDefaults mirrors the production deployment profile per job class.
var queueDefaults = map[string]QueueConfig{
	"feature-extraction":   {Workers: 3, Attempts: 3, BackoffBase: Duration(2 * time.Second), Timeout: Duration(5 * time.Minute), AvgDuration: Duration(60 * time.Second), KeepCompleted: 100, KeepFailed: 50},
	"model-training":       {Workers: 2, Attempts: 2, BackoffBase: Duration(5 * time.Second), Timeout: Duration(15 * time.Minute), AvgDuration: Duration(5 * time.Minute), KeepCompleted: 50, KeepFailed: 25},
	"prediction":           {Workers: 3, Attempts: 3, BackoffBase: Duration(2 * time.Second), Timeout: Duration(5 * time.Minute), AvgDuration: Duration(30 * time.Second), KeepCompleted: 100, KeepFailed: 50},
	"rule-based-detection": {Workers: 2, Attempts: 2, BackoffBase: Duration(2 * time.Second), Timeout: Duration(5 * time.Minute), AvgDuration: Duration(45 * time.Second), KeepCompleted: 100, KeepFailed: 50},
	"xai-explanations":     {Workers: 1, Attempts: 2, BackoffBase: Duration(3 * time.Second), Timeout: Duration(10 * time.Minute), AvgDuration: Duration(2 * time.Minute), KeepCompleted: 100, KeepFailed: 50},
	"adversarial-attacks":  {Workers: 1, Attempts: 2, BackoffBase: Duration(3 * time.Second), Timeout: Duration(10 * time.Minute), AvgDuration: Duration(2 * time.Minute), KeepCompleted: 100, KeepFailed: 50},
	"model-retraining":     {Workers: 1, Attempts: 2, BackoffBase: Duration(5 * time.Second), Timeout: Duration(20 * time.Minute), AvgDuration: Duration(10 * time.Minute), KeepCompleted: 50, KeepFailed: 25},
}

// SetDefaults fills in every unset field.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MetricsAddr == "" {
		c.API.MetricsAddr = ":9090"
	}
	if c.Capture.Tool == "" {
		c.Capture.Tool = "mmt-probe"
	}
	if c.Capture.ConfigPath == "" {
		c.Capture.ConfigPath = "configs/probe.conf"
	}
	if c.Capture.PCAPDir == "" {
		c.Capture.PCAPDir = "data/pcaps"
	}
	if c.Capture.ReportDir == "" {
		c.Capture.ReportDir = "data/reports"
	}
	if c.Capture.LogDir == "" {
		c.Capture.LogDir = "data/logs"
	}
	if len(c.Capture.PCAPExtensions) == 0 {
		c.Capture.PCAPExtensions = []string{".pcap", ".pcapng", ".cap"}
	}
	if c.Sessions.AccessTTL == 0 {
		c.Sessions.AccessTTL = Duration(time.Hour)
	}
	if c.Sessions.CompletedTTL == 0 {
		c.Sessions.CompletedTTL = Duration(2 * time.Hour)
	}
	if c.Sessions.SweepInterval == 0 {
		c.Sessions.SweepInterval = Duration(30 * time.Minute)
	}
	if c.Scheduler.Store == "" {
		c.Scheduler.Store = "memory"
	}
	if c.Scheduler.RedisAddr == "" {
		c.Scheduler.RedisAddr = "127.0.0.1:6379"
	}
	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = Duration(200 * time.Millisecond)
	}
	if c.Scheduler.StalledInterval == 0 {
		c.Scheduler.StalledInterval = Duration(30 * time.Second)
	}
	if c.Scheduler.MaxStalledCount == 0 {
		c.Scheduler.MaxStalledCount = 1
	}
	if c.Scheduler.CleanupInterval == 0 {
		c.Scheduler.CleanupInterval = Duration(6 * time.Hour)
	}
	if c.Scheduler.RetentionHours == 0 {
		c.Scheduler.RetentionHours = 24
	}
	if c.Scheduler.Queues == nil {
		c.Scheduler.Queues = make(map[string]QueueConfig)
	}
	for name, def := range queueDefaults {
		qc := c.Scheduler.Queues[name]
		if qc.Workers == 0 {
			qc.Workers = def.Workers
		}
		if qc.Attempts == 0 {
			qc.Attempts = def.Attempts
		}
		if qc.BackoffBase == 0 {
			qc.BackoffBase = def.BackoffBase
		}
		if qc.Timeout == 0 {
			qc.Timeout = def.Timeout
		}
		if qc.AvgDuration == 0 {
			qc.AvgDuration = def.AvgDuration
		}
		if qc.KeepCompleted == 0 {
			qc.KeepCompleted = def.KeepCompleted
		}
		if qc.KeepFailed == 0 {
			qc.KeepFailed = def.KeepFailed
		}
		c.Scheduler.Queues[name] = qc
	}
	if c.Runtime.PythonCmd == "" {
		c.Runtime.PythonCmd = "python3"
	}
	if c.Runtime.ScriptDir == "" {
		c.Runtime.ScriptDir = "scripts/analysis"
	}
	if c.Events.SubjectPrefix == "" {
		c.Events.SubjectPrefix = "dpihub"
	}
	if c.Storage.ClickHouse.Port == 0 {
		c.Storage.ClickHouse.Port = 9000
	}
	if c.Storage.ClickHouse.Database == "" {
		c.Storage.ClickHouse.Database = "default"
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Scheduler.Store != "memory" && c.Scheduler.Store != "redis" {
		return fmt.Errorf("scheduler.store must be \"memory\" or \"redis\", got %q", c.Scheduler.Store)
	}
	for name, qc := range c.Scheduler.Queues {
		if _, known := queueDefaults[name]; !known {
			return fmt.Errorf("unknown scheduler queue %q", name)
		}
		if qc.Workers < 1 {
			return fmt.Errorf("queue %q: workers must be at least 1", name)
		}
		if qc.Attempts < 1 {
			return fmt.Errorf("queue %q: attempts must be at least 1", name)
		}
	}
	if c.Scheduler.MaxStalledCount < 1 {
		return fmt.Errorf("scheduler.max_stalled_count must be at least 1")
	}
	return nil
}

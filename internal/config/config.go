package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Sync       SyncConfig       `yaml:"sync"`
	Attendance AttendanceConfig `yaml:"attendance"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// SyncConfig drives both sides of the pipeline: the dispatcher (device
// identity, push target, batching) and the ingest endpoint (shared secret,
// body limit).
type SyncConfig struct {
	SecretHeader       string `yaml:"secret_header"`
	SharedSecret       string `yaml:"shared_secret"`
	PushURL            string `yaml:"push_url"`
	DeviceID           string `yaml:"device_id"`
	GymID              string `yaml:"gym_id"`
	BranchID           string `yaml:"branch_id"`
	BatchSize          int    `yaml:"batch_size"`
	PollIntervalSecs   int    `yaml:"poll_interval_seconds"`
	RequestTimeoutSecs int    `yaml:"request_timeout_seconds"`
	MaxBodyBytes       int64  `yaml:"max_body_bytes"`
}

func (s SyncConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSecs) * time.Second
}

func (s SyncConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSecs) * time.Second
}

// AttendanceConfig supplies eligibility defaults for branches without a
// settings row.
type AttendanceConfig struct {
	DuplicateWindowMinutes       int  `yaml:"duplicate_window_minutes"`
	BlockIfExpired               bool `yaml:"block_if_expired"`
	BlockIfFrozen                bool `yaml:"block_if_frozen"`
	GraceDays                    int  `yaml:"grace_days"`
	AllowWithoutActiveMembership bool `yaml:"allow_without_active_membership"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// secrets come from env when present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if secret := os.Getenv("SYNC_SHARED_SECRET"); secret != "" {
		cfg.Sync.SharedSecret = secret
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Sync.SecretHeader == "" {
		c.Sync.SecretHeader = "x-sync-secret"
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = 25
	}
	if c.Sync.PollIntervalSecs <= 0 {
		c.Sync.PollIntervalSecs = 5
	}
	if c.Sync.RequestTimeoutSecs <= 0 {
		c.Sync.RequestTimeoutSecs = 15
	}
	if c.Sync.MaxBodyBytes <= 0 {
		c.Sync.MaxBodyBytes = 1 << 20
	}
	if c.Attendance.DuplicateWindowMinutes <= 0 {
		c.Attendance.DuplicateWindowMinutes = 5
	}
}

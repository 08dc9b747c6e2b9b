package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level application config.
type Config struct {
	Mongo     MongoConfig     `koanf:"mongo"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	Redis     RedisConfig     `koanf:"redis"`
	Lock      LockConfig      `koanf:"lock"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	PidFile   string          `koanf:"pid_file"`
}

type MongoConfig struct {
	URI            string `koanf:"uri"`
	ConnectTimeout string `koanf:"connect_timeout"`
}

type KafkaConfig struct {
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type LockConfig struct {
	TTL     string `koanf:"ttl"`
	Retries int    `koanf:"retries"`
}

type SchedulerConfig struct {
	IdleSleep      string `koanf:"idle_sleep"`
	ChunkSize      int    `koanf:"chunk_size"`
	AdvanceOnEmpty bool   `koanf:"advance_on_empty"`
}

// ConnectTimeoutDuration returns the parsed mongo connect timeout.
// Validate guarantees it parses.
func (c MongoConfig) ConnectTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.ConnectTimeout)
	return d
}

// TTLDuration returns the parsed lock TTL. Validate guarantees it parses.
func (c LockConfig) TTLDuration() time.Duration {
	d, _ := time.ParseDuration(c.TTL)
	return d
}

// IdleSleepDuration returns the parsed idle sleep. Validate guarantees it
// parses.
func (c SchedulerConfig) IdleSleepDuration() time.Duration {
	d, _ := time.ParseDuration(c.IdleSleep)
	return d
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Mongo.URI) == "" {
		return fmt.Errorf("mongo.uri is required")
	}
	if d, err := time.ParseDuration(c.Mongo.ConnectTimeout); err != nil || d <= 0 {
		return fmt.Errorf("invalid mongo.connect_timeout %q", c.Mongo.ConnectTimeout)
	}

	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if strings.TrimSpace(c.Kafka.Topic) == "" {
		return fmt.Errorf("kafka.topic is required")
	}

	if strings.TrimSpace(c.Redis.Addr) == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("redis.db must be >= 0")
	}

	if d, err := time.ParseDuration(c.Lock.TTL); err != nil || d <= 0 {
		return fmt.Errorf("invalid lock.ttl %q", c.Lock.TTL)
	}
	if c.Lock.Retries <= 0 {
		return fmt.Errorf("lock.retries must be > 0")
	}

	if d, err := time.ParseDuration(c.Scheduler.IdleSleep); err != nil || d <= 0 {
		return fmt.Errorf("invalid scheduler.idle_sleep %q", c.Scheduler.IdleSleep)
	}
	if c.Scheduler.ChunkSize <= 0 {
		return fmt.Errorf("scheduler.chunk_size must be > 0")
	}

	return nil
}

// Load parses config from defaults, an optional YAML file, and TSDS_ env
// vars, then validates.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"mongo.uri":                  "mongodb://localhost:27017",
		"mongo.connect_timeout":      "5s",
		"kafka.brokers":              []string{"localhost:9092"},
		"kafka.topic":                "aggregation-work",
		"redis.addr":                 "localhost:6379",
		"redis.password":             "",
		"redis.db":                   0,
		"lock.ttl":                   "60s",
		"lock.retries":               10,
		"scheduler.idle_sleep":       "60s",
		"scheduler.chunk_size":       50,
		"scheduler.advance_on_empty": true,
		"pid_file":                   "",
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("TSDS_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "TSDS_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Dispatch DispatchConfig `yaml:"dispatch"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	RideEventsTopicName      string `yaml:"ride_events_topic_name"`
	DriverResponsesTopicName string `yaml:"driver_responses_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ChannelConfig describes one notification transport.
type ChannelConfig struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"` // "bot" | "sms" | "fake"
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Sender   string `yaml:"sender"`
	Endpoint string `yaml:"endpoint"`
}

type DispatchConfig struct {
	HTTPAddr            string `yaml:"http_addr"`
	WorkerHTTPAddr      string `yaml:"worker_http_addr"`
	LogLevel            string `yaml:"log_level"`
	KafkaConsumerGroup  string `yaml:"kafka_consumer_group"`
	RideCacheTTLSeconds int    `yaml:"ride_cache_ttl_seconds"`

	// Delay before a new ride is picked up by the worker. Negative disables automatic dispatch.
	FirstDispatchDelaySeconds int `yaml:"first_dispatch_delay_seconds"`

	ExecutorTimeoutMs   int `yaml:"executor_timeout_ms"`
	ExecutorMaxRetries  int `yaml:"executor_max_retries"`
	ExecutorBaseDelayMs int `yaml:"executor_base_delay_ms"`

	Channels        []ChannelConfig `yaml:"channels"`
	PrimaryChannel  string          `yaml:"primary_channel"`
	FallbackChannel string          `yaml:"fallback_channel"`

	RouterMaxFailures           int    `yaml:"router_max_failures"`
	RouterHealthIntervalSeconds int    `yaml:"router_health_interval_seconds"`
	RouterInitialMode           string `yaml:"router_initial_mode"`

	AutoCreateLimit         int `yaml:"auto_create_limit"`
	AutoCreateWindowSeconds int `yaml:"auto_create_window_seconds"`

	WorkerPollIntervalSeconds int `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int `yaml:"worker_batch_size"`
	WorkerConcurrency         int `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int `yaml:"worker_lease_seconds"`
	WorkerRateLimitPerMinute  int `yaml:"worker_rate_limit_per_minute"`

	// Redispatch backoff (optional). Defaults: 30s / 1m / 5m / 15m.
	WorkerBackoff1Seconds int `yaml:"worker_backoff_1_seconds"`
	WorkerBackoff2Seconds int `yaml:"worker_backoff_2_seconds"`
	WorkerBackoff3Seconds int `yaml:"worker_backoff_3_seconds"`
	WorkerBackoff4Seconds int `yaml:"worker_backoff_4_seconds"`
	WorkerJitterSeconds   int `yaml:"worker_jitter_seconds"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}

// PostgresConnString builds the pgx connection string, sslmode defaults to disable.
func (c DatabaseConfig) PostgresConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.DBName, sslMode)
}

func (c KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", c.Host, c.Port)}
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

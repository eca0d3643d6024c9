package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the service.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	HTTP      HTTPConfig      `yaml:"http"`
	Storage   StorageConfig   `yaml:"storage"`
	Cache     CacheConfig     `yaml:"cache"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	// Requests per second allowed per client address; 0 disables limiting
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	// Proxies (addresses or CIDRs) whose X-Forwarded-For is used as the client
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// StorageConfig selects the durable store backend: memory, sqlite or postgres
type StorageConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type CacheConfig struct {
	ReadingCapacity    int `yaml:"reading_capacity"`
	PredictionCapacity int `yaml:"prediction_capacity"`
	AlertCapacity      int `yaml:"alert_capacity"`
}

type ScoringConfig struct {
	// Optional YAML model file; empty uses the built-in models
	ModelPath string `yaml:"model_path"`
}

type IngestConfig struct {
	DefaultDeviceID string `yaml:"default_device_id"`
}

type BroadcastConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	MaxSubscribers int           `yaml:"max_subscribers"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongWait       time.Duration `yaml:"pong_wait"`
}

// RedisConfig configures the cross-instance broadcast relay
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
	NodeID   string `yaml:"node_id"`
}

type KafkaConfig struct {
	Brokers  []string       `yaml:"brokers"`
	Producer ProducerConfig `yaml:"producer"`
	Consumer ConsumerConfig `yaml:"consumer"`
}

// ProducerConfig configures the outbound event stream. AlertTopic receives
// one message per raised alert; leaving it empty disables the alert stream.
type ProducerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Topic        string        `yaml:"topic"`
	AlertTopic   string        `yaml:"alert_topic"`
	PoolSize     int           `yaml:"pool_size"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RequiredAcks int           `yaml:"required_acks"`
	Compression  string        `yaml:"compression"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queue_size"`
}

// ConsumerConfig configures Kafka device ingest
type ConsumerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Topic          string        `yaml:"topic"`
	GroupID        string        `yaml:"group_id"`
	MinBytes       int           `yaml:"min_bytes"`
	MaxBytes       int           `yaml:"max_bytes"`
	CommitInterval time.Duration `yaml:"commit_interval"`
}

// MQTTConfig configures MQTT device ingest
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr:            ":5000",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    1 << 20,
			CORSOrigins:     []string{"*"},
			RateLimit:       50,
			RateBurst:       100,
		},
		Storage: StorageConfig{
			Driver:       "sqlite",
			DSN:          "file:healthsense.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate",
			MaxOpenConns: 10,
		},
		Cache: CacheConfig{
			ReadingCapacity:    1000,
			PredictionCapacity: 1000,
			AlertCapacity:      100,
		},
		Ingest: IngestConfig{
			DefaultDeviceID: "unknown",
		},
		Broadcast: BroadcastConfig{
			QueueSize:      64,
			MaxSubscribers: 1024,
			WriteTimeout:   10 * time.Second,
			PingInterval:   30 * time.Second,
			PongWait:       60 * time.Second,
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Channel: "healthsense:broadcast",
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Producer: ProducerConfig{
				Topic:        "healthsense.events",
				AlertTopic:   "healthsense.alerts",
				PoolSize:     4,
				BatchSize:    100,
				BatchTimeout: 100 * time.Millisecond,
				WriteTimeout: 10 * time.Second,
				RequiredAcks: -1,
				Compression:  "snappy",
				MaxRetries:   3,
				RetryBackoff: 100 * time.Millisecond,
				Workers:      2,
				QueueSize:    10000,
			},
			Consumer: ConsumerConfig{
				Topic:          "healthsense.readings",
				GroupID:        "healthsense-ingest",
				MinBytes:       1,
				MaxBytes:       10e6,
				CommitInterval: time.Second,
			},
		},
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "healthsense",
			Topic:    "healthsense/devices/+/readings",
			QoS:      1,
		},
	}
}

// Load builds the config from defaults, an optional YAML file, a .env file
// and environment variables, in that order of precedence (lowest first).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// Missing .env is fine
	_ = godotenv.Load()

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.HTTP.Addr = getEnv("HTTP_ADDR", c.HTTP.Addr)
	if port := os.Getenv("PORT"); port != "" {
		c.HTTP.Addr = ":" + port
	}
	c.HTTP.CORSOrigins = getEnvAsSlice("CORS_ORIGINS", c.HTTP.CORSOrigins)
	c.HTTP.RateLimit = getEnvAsFloat("HTTP_RATE_LIMIT", c.HTTP.RateLimit)
	c.HTTP.RateBurst = getEnvAsInt("HTTP_RATE_BURST", c.HTTP.RateBurst)
	c.HTTP.TrustedProxies = getEnvAsSlice("HTTP_TRUSTED_PROXIES", c.HTTP.TrustedProxies)

	c.Storage.Driver = getEnv("STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.DSN = getEnv("STORAGE_DSN", c.Storage.DSN)
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.Storage.Driver = "postgres"
		c.Storage.DSN = url
	}

	c.Scoring.ModelPath = getEnv("SCORING_MODEL_PATH", c.Scoring.ModelPath)
	c.Ingest.DefaultDeviceID = getEnv("DEFAULT_DEVICE_ID", c.Ingest.DefaultDeviceID)

	c.Redis.Enabled = getEnvAsBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)
	c.Redis.NodeID = getEnv("NODE_ID", c.Redis.NodeID)

	c.Kafka.Brokers = getEnvAsSlice("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.Producer.Enabled = getEnvAsBool("KAFKA_PRODUCER_ENABLED", c.Kafka.Producer.Enabled)
	c.Kafka.Producer.Topic = getEnv("KAFKA_PRODUCER_TOPIC", c.Kafka.Producer.Topic)
	c.Kafka.Producer.AlertTopic = getEnv("KAFKA_PRODUCER_ALERT_TOPIC", c.Kafka.Producer.AlertTopic)
	c.Kafka.Consumer.Enabled = getEnvAsBool("KAFKA_CONSUMER_ENABLED", c.Kafka.Consumer.Enabled)
	c.Kafka.Consumer.Topic = getEnv("KAFKA_CONSUMER_TOPIC", c.Kafka.Consumer.Topic)
	c.Kafka.Consumer.GroupID = getEnv("KAFKA_CONSUMER_GROUP", c.Kafka.Consumer.GroupID)

	c.MQTT.Enabled = getEnvAsBool("MQTT_ENABLED", c.MQTT.Enabled)
	c.MQTT.Broker = getEnv("MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.Topic = getEnv("MQTT_TOPIC", c.MQTT.Topic)
	c.MQTT.Username = getEnv("MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = getEnv("MQTT_PASSWORD", c.MQTT.Password)
}

// Validate checks the config for values the service cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("http.max_body_bytes must be positive"))
	}
	if c.HTTP.RateLimit < 0 {
		errs = append(errs, errors.New("http.rate_limit must not be negative"))
	}
	for _, p := range c.HTTP.TrustedProxies {
		if !validProxy(p) {
			errs = append(errs, fmt.Errorf("http.trusted_proxies: %q is not an address or CIDR", p))
		}
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not one of memory, sqlite, postgres", c.Storage.Driver))
	}

	if c.Cache.ReadingCapacity <= 0 || c.Cache.PredictionCapacity <= 0 || c.Cache.AlertCapacity <= 0 {
		errs = append(errs, errors.New("cache capacities must be positive"))
	}
	if c.Broadcast.QueueSize <= 0 {
		errs = append(errs, errors.New("broadcast.queue_size must be positive"))
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when the relay is enabled"))
	}
	if (c.Kafka.Producer.Enabled || c.Kafka.Consumer.Enabled) && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	if c.Kafka.Producer.Enabled && c.Kafka.Producer.Topic == "" {
		errs = append(errs, errors.New("kafka.producer.topic is required"))
	}
	if c.Kafka.Producer.Enabled && c.Kafka.Producer.AlertTopic == c.Kafka.Producer.Topic {
		errs = append(errs, errors.New("kafka.producer.alert_topic must differ from topic"))
	}
	if c.Kafka.Consumer.Enabled && (c.Kafka.Consumer.Topic == "" || c.Kafka.Consumer.GroupID == "") {
		errs = append(errs, errors.New("kafka.consumer.topic and group_id are required"))
	}
	if c.MQTT.Enabled && (c.MQTT.Broker == "" || c.MQTT.Topic == "") {
		errs = append(errs, errors.New("mqtt.broker and mqtt.topic are required"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, errors.New("mqtt.qos must be 0, 1 or 2"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func validProxy(s string) bool {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

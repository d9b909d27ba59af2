// Package config defines the configuration surface for the pipeline and the
// Loader abstraction used to populate it from different sources.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Config is the top-level configuration for the pipeline.
type Config struct {
	API       APIConfig                 `mapstructure:"api"`
	Redis     RedisConfig               `mapstructure:"redis"`
	Stream    StreamConfig              `mapstructure:"stream"`
	Kafka     KafkaConfig               `mapstructure:"kafka"`
	Postgres  PostgresConfig            `mapstructure:"postgres"`
	Crypto    CryptoConfig              `mapstructure:"crypto"`
	Worker    WorkerConfig              `mapstructure:"worker"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
}

// APIConfig holds the HTTP listener settings.
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port" validate:"required"`
}

// RedisConfig holds connection settings for the Redis backing store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BusBackend selects the event bus implementation.
type BusBackend string

const (
	// BusBackendRedis runs the event stream on Redis Streams.
	BusBackendRedis BusBackend = "redis"
	// BusBackendKafka runs the event stream on Kafka topics.
	BusBackendKafka BusBackend = "kafka"
)

// StreamConfig describes the durable event stream and its consumer group.
type StreamConfig struct {
	Backend      BusBackend    `mapstructure:"backend" validate:"required,oneof=redis kafka"`
	Name         string        `mapstructure:"name" validate:"required"`
	Group        string        `mapstructure:"group" validate:"required"`
	ConsumerName string        `mapstructure:"consumer_name"`
	BatchSize    int           `mapstructure:"batch_size" validate:"gt=0"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
}

// Consumer returns the configured consumer name, generating a
// hostname-derived default when none is set. The generated name is cached so
// a process keeps a single consumer identity.
func (s *StreamConfig) Consumer() string {
	if s.ConsumerName != "" {
		return s.ConsumerName
	}
	suffix := uuid.NewString()[:8]
	hostname, err := os.Hostname()
	if err != nil {
		s.ConsumerName = "area-processor-" + suffix
		return s.ConsumerName
	}
	s.ConsumerName = hostname + "-" + suffix
	return s.ConsumerName
}

// KafkaConfig holds settings for the optional Kafka bus backend.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client_id"`
}

// Validate checks Kafka settings when the Kafka backend is selected.
func (k *KafkaConfig) Validate() error {
	if len(k.Brokers) == 0 {
		return fmt.Errorf("kafka backend selected but no brokers configured")
	}
	for _, b := range k.Brokers {
		if _, _, err := net.SplitHostPort(b); err != nil {
			return fmt.Errorf("invalid kafka broker address %q: %w", b, err)
		}
	}
	return nil
}

// PostgresConfig holds settings for the optional Postgres execution store.
type PostgresConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// CryptoConfig carries the base64-encoded AES key used for token encryption.
// An empty or malformed key falls back to an ephemeral process-lifetime key.
type CryptoConfig struct {
	Key string `mapstructure:"key"`
}

// WorkerConfig controls the execution worker pool.
type WorkerConfig struct {
	PoolSize         int           `mapstructure:"pool_size" validate:"gt=0"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout" validate:"gt=0"`
}

// ProviderConfig carries the per-provider secrets the pipeline needs: the
// webhook signing secret and the OAuth client credentials used for refresh.
type ProviderConfig struct {
	WebhookSecret string `yaml:"webhook_secret" mapstructure:"webhook_secret"`
	ClientID      string `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret  string `yaml:"client_secret" mapstructure:"client_secret"`
}

// WebhookSecret returns the signing secret configured for a provider, empty
// when none is set.
func (c *Config) WebhookSecret(provider string) string {
	return c.Providers[strings.ToLower(provider)].WebhookSecret
}

// Validate checks the configuration for structural problems before startup.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Stream.Backend == BusBackendKafka {
		if err := c.Kafka.Validate(); err != nil {
			return err
		}
	}
	if c.Postgres.Enabled && strings.TrimSpace(c.Postgres.DSN) == "" {
		return fmt.Errorf("postgres enabled but no dsn configured")
	}
	return nil
}

// Default returns a Config populated with development defaults. Loaders start
// from these values and override whatever their source provides.
func Default() Config {
	return Config{
		API:   APIConfig{Host: "0.0.0.0", Port: "8080"},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Stream: StreamConfig{
			Backend:     BusBackendRedis,
			Name:        "areas:events",
			Group:       "area-processors",
			BatchSize:   10,
			PollTimeout: 2 * time.Second,
		},
		Worker: WorkerConfig{
			PoolSize:         4,
			ExecutionTimeout: 5 * time.Minute,
		},
		Providers: make(map[string]ProviderConfig),
	}
}

package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/policyflow/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/policyflow/internal/service/retry"
	"github.com/vladislavdragonenkov/policyflow/internal/storage/postgres"
)

// EnvPrefix: префикс переменных окружения сервиса.
const EnvPrefix = "POLICYFLOW_"

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска сервиса оформления.
type Config struct {
	GRPCAddr    string `env:"GRPC_ADDR"`
	MetricsAddr string `env:"METRICS_ADDR"`
	LogLevel    string `env:"LOG_LEVEL"`

	StorageDriver        string `env:"STORAGE_DRIVER"`
	PostgresDSN          string `env:"POSTGRES_DSN"`
	PostgresAutoMigrate  bool   `env:"POSTGRES_AUTO_MIGRATE"`
	PostgresMaxOpenConns int    `env:"POSTGRES_MAX_OPEN_CONNS"`
	// DocumentsDir: каталог печатных форм. Пустое значение хранит документы в памяти.
	DocumentsDir string `env:"DOCUMENTS_DIR"`

	// InsurerBaseURL: адрес API страховщика. Пустое значение включает mock-провайдера.
	InsurerBaseURL      string        `env:"INSURER_BASE_URL"`
	InsurerAPIKey       string        `env:"INSURER_API_KEY"`
	InsurerTimeout      time.Duration `env:"INSURER_TIMEOUT"`
	ProviderTimeout     time.Duration `env:"PROVIDER_TIMEOUT"`
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT"`

	// InsurerMaxDocumentBytes: предельный размер печатной формы, больший ответ считается ошибкой.
	InsurerMaxDocumentBytes int64 `env:"INSURER_MAX_DOCUMENT_BYTES"`

	RetryWorkers      int           `env:"RETRY_WORKERS"`
	RetryQueueSize    int           `env:"RETRY_QUEUE_SIZE"`
	RetryMaxAttempts  int           `env:"RETRY_MAX_ATTEMPTS"`
	RetryInitialDelay time.Duration `env:"RETRY_INITIAL_DELAY"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY"`
	RetryBackoff      float64       `env:"RETRY_BACKOFF_FACTOR"`
	// ResumeOnStart ставит в очередь оплаченные, но не выпущенные полисы при старте.
	ResumeOnStart bool `env:"RESUME_ON_START"`

	KafkaBrokers            []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaClientID           string   `env:"KAFKA_CLIENT_ID"`
	KafkaConsumerGroup      string   `env:"KAFKA_CONSUMER_GROUP"`
	KafkaEventsTopic        string   `env:"KAFKA_EVENTS_TOPIC"`
	KafkaNotificationsTopic string   `env:"KAFKA_NOTIFICATIONS_TOPIC"`
	KafkaAlertsTopic        string   `env:"KAFKA_ALERTS_TOPIC"`
	KafkaPaymentsTopic      string   `env:"KAFKA_PAYMENTS_TOPIC"`
	KafkaConsumerMaxRetries int      `env:"KAFKA_CONSUMER_MAX_RETRIES"`

	OTelEndpoint    string  `env:"OTEL_ENDPOINT"`
	OTelSampleRatio float64 `env:"OTEL_SAMPLE_RATIO"`
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",
		LogLevel:    "info",

		StorageDriver:        StorageDriverMemory,
		PostgresAutoMigrate:  true,
		PostgresMaxOpenConns: 25,

		InsurerTimeout:      30 * time.Second,
		ProviderTimeout:     45 * time.Second,
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 30 * time.Second,

		InsurerMaxDocumentBytes: 20 << 20,

		RetryWorkers:      4,
		RetryQueueSize:    256,
		RetryMaxAttempts:  5,
		RetryInitialDelay: time.Second,
		RetryMaxDelay:     time.Minute,
		RetryBackoff:      2,
		ResumeOnStart:     true,

		KafkaClientID:           "policyflow",
		KafkaConsumerGroup:      "policyflow-fulfillment",
		KafkaEventsTopic:        kafka.TopicPolicyEvents,
		KafkaNotificationsTopic: kafka.TopicNotifications,
		KafkaAlertsTopic:        kafka.TopicAlerts,
		KafkaPaymentsTopic:      kafka.TopicPaymentConfirmations,
		KafkaConsumerMaxRetries: 3,

		OTelSampleRatio: 1,
	}
}

// LoadConfig читает переменные окружения с префиксом POLICYFLOW_ поверх DefaultConfig.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.StorageDriver = strings.ToLower(strings.TrimSpace(c.StorageDriver))
	brokers := c.KafkaBrokers[:0]
	for _, broker := range c.KafkaBrokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	c.KafkaBrokers = brokers
}

// RetryPolicy собирает политику повторов планировщика из настроек.
func (c Config) RetryPolicy() retry.Policy {
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = c.RetryMaxAttempts
	policy.InitialDelay = c.RetryInitialDelay
	policy.MaxDelay = c.RetryMaxDelay
	policy.BackoffFactor = c.RetryBackoff
	return policy
}

// Validate отклоняет несогласованные настройки и возвращает все найденные проблемы.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres storage requires POLICYFLOW_POSTGRES_DSN"))
		}
		// Каждый воркер и consumer держат соединение под advisory lock и берут второе для запросов.
		maxConns := c.PostgresMaxOpenConns
		if maxConns <= 0 {
			maxConns = postgres.DefaultPoolConfig().MaxOpenConns
		}
		if minConns := c.RetryWorkers + 2; maxConns < minConns {
			errs = append(errs, fmt.Errorf("postgres max open conns must be at least %d for %d retry workers, got %d",
				minConns, c.RetryWorkers, maxConns))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver: %q", c.StorageDriver))
	}

	if c.RetryWorkers <= 0 {
		errs = append(errs, errors.New("retry workers must be positive"))
	}
	if c.RetryQueueSize <= 0 {
		errs = append(errs, errors.New("retry queue size must be positive"))
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry policy: %w", err))
	}
	if c.InsurerMaxDocumentBytes < 0 {
		errs = append(errs, errors.New("insurer max document bytes must not be negative"))
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("otel sample ratio must be within [0,1], got %v", c.OTelSampleRatio))
	}
	if c.LogLevel != "" {
		if _, err := log.ParseLevel(c.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("log level: %w", err))
		}
	}
	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaConsumerGroup) == "" {
		errs = append(errs, errors.New("kafka consumer group is required when brokers are set"))
	}

	return errors.Join(errs...)
}

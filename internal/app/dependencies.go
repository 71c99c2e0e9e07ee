package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/policyflow/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/policyflow/internal/health"
	"github.com/vladislavdragonenkov/policyflow/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/policyflow/internal/metrics"
	"github.com/vladislavdragonenkov/policyflow/internal/service/admin"
	"github.com/vladislavdragonenkov/policyflow/internal/service/fulfillment"
	"github.com/vladislavdragonenkov/policyflow/internal/service/insurer"
	"github.com/vladislavdragonenkov/policyflow/internal/service/intake"
	"github.com/vladislavdragonenkov/policyflow/internal/service/payment"
	"github.com/vladislavdragonenkov/policyflow/internal/service/retry"
	"github.com/vladislavdragonenkov/policyflow/internal/storage/documents"
	"github.com/vladislavdragonenkov/policyflow/internal/storage/memory"
	"github.com/vladislavdragonenkov/policyflow/internal/storage/postgres"
)

// Runtime содержит собранные компоненты сервиса оформления.
type Runtime struct {
	Policies  domain.PolicyRepository
	Events    domain.EventStore
	Locker    domain.PolicyLocker
	Insurer   domain.InsuranceProvider
	Payments  domain.PaymentProvider
	Documents domain.DocumentStorage
	Breaker   *insurer.CircuitBreaker
	Metrics   *metrics.FulfillmentMetrics

	Orchestrator *fulfillment.Orchestrator
	Scheduler    *retry.Scheduler
	Intake       *intake.Service
	Admin        *admin.Service

	Producer *kafka.Producer
	Consumer *kafka.Consumer

	cfg            Config
	logger         *log.Entry
	storageChecker healthcheck.Checker
	closeFns       []func() error
}

// RuntimeOption переопределяет внешних провайдеров, например в тестах.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	insurer  domain.InsuranceProvider
	payments domain.PaymentProvider
	sleep    retry.SleepFunc
	now      func() time.Time
}

// WithInsurer подменяет провайдера страховщика.
func WithInsurer(p domain.InsuranceProvider) RuntimeOption {
	return func(o *runtimeOverrides) { o.insurer = p }
}

// WithPayments подменяет платёжного провайдера.
func WithPayments(p domain.PaymentProvider) RuntimeOption {
	return func(o *runtimeOverrides) { o.payments = p }
}

// WithRetrySleep подменяет ожидание между повторами.
func WithRetrySleep(sleep retry.SleepFunc) RuntimeOption {
	return func(o *runtimeOverrides) { o.sleep = sleep }
}

// WithClock подменяет источник времени circuit breaker.
func WithClock(now func() time.Time) RuntimeOption {
	return func(o *runtimeOverrides) { o.now = now }
}

// NewRuntime собирает хранилище, провайдеров, оркестратор, планировщик и сервисы.
// Kafka подключается, только если заданы брокеры; ошибка подключения не фатальна.
func NewRuntime(ctx context.Context, cfg Config, logger *log.Entry, opts ...RuntimeOption) (*Runtime, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		opt(&overrides)
	}

	rt := &Runtime{
		cfg:     cfg,
		logger:  logger,
		Metrics: metrics.NewFulfillmentMetrics(),
	}
	if err := rt.initStorage(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	if err := rt.initProviders(overrides); err != nil {
		_ = rt.Close()
		return nil, err
	}

	if len(cfg.KafkaBrokers) > 0 {
		producer, err := initKafkaProducer(cfg.KafkaBrokers, cfg.KafkaClientID, logger)
		if err == nil {
			rt.Producer = producer
			rt.closeFns = append(rt.closeFns, func() error {
				closeKafka(producer, logger)
				return nil
			})
		}
	}

	rt.initServices(overrides)

	if len(cfg.KafkaBrokers) > 0 {
		consumer, err := initPaymentConsumer(cfg, rt.Intake, rt.Producer, logger)
		if err != nil {
			logger.WithError(err).Warn("failed to create payment consumer, payments must be confirmed another way")
		} else {
			rt.Consumer = consumer
		}
	}

	return rt, nil
}

func (rt *Runtime) initStorage(ctx context.Context) error {
	switch rt.cfg.StorageDriver {
	case StorageDriverMemory:
		rt.Policies = memory.NewPolicyRepository()
		rt.Events = memory.NewEventStore(memory.WithPolicies(rt.Policies))
		rt.Locker = memory.NewLocker()
		rt.logger.Warn("using in-memory storage, state is lost on restart")
	case StorageDriverPostgres:
		pool := postgres.DefaultPoolConfig()
		pool.MaxOpenConns = rt.cfg.PostgresMaxOpenConns
		store, err := postgres.OpenWithPool(ctx, rt.cfg.PostgresDSN, pool)
		if err != nil {
			return fmt.Errorf("open postgres storage: %w", err)
		}
		rt.closeFns = append(rt.closeFns, store.Close)

		if rt.cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("apply postgres migrations: %w", err)
			}
		}

		rt.Policies = postgres.NewPolicyRepository(store)
		rt.Events = postgres.NewEventStore(store)
		rt.Locker = postgres.NewLocker(store)
		rt.storageChecker = healthcheck.NewSimpleChecker("postgres", store.Ping)
	default:
		return fmt.Errorf("unsupported storage driver: %s", rt.cfg.StorageDriver)
	}
	return nil
}

func (rt *Runtime) initProviders(overrides runtimeOverrides) error {
	provider := overrides.insurer
	if provider == nil {
		if rt.cfg.InsurerBaseURL == "" {
			rt.logger.Warn("insurer base url is not set, using mock insurer")
			provider = insurer.NewMockProvider()
		} else {
			client, err := insurer.NewClient(insurer.ClientConfig{
				BaseURL: rt.cfg.InsurerBaseURL,
				APIKey:  rt.cfg.InsurerAPIKey,
				Timeout: rt.cfg.InsurerTimeout,

				MaxDocumentBytes: rt.cfg.InsurerMaxDocumentBytes,
			}, &http.Client{Timeout: rt.cfg.InsurerTimeout}, rt.logger.WithField("layer", "insurer"))
			if err != nil {
				return fmt.Errorf("create insurer client: %w", err)
			}
			provider = client
		}
	}
	rt.Breaker = insurer.NewCircuitBreaker(rt.cfg.BreakerMaxFailures, rt.cfg.BreakerResetTimeout,
		rt.logger.WithField("layer", "circuit-breaker"), insurer.WithBreakerClock(overrides.now))
	rt.Insurer = insurer.NewBreakerProvider(provider, rt.Breaker)

	rt.Payments = overrides.payments
	if rt.Payments == nil {
		rt.Payments = payment.NewMockProvider()
	}

	if rt.cfg.DocumentsDir == "" {
		rt.Documents = documents.NewMemoryStorage()
	} else {
		storage, err := documents.NewFileStorage(rt.cfg.DocumentsDir)
		if err != nil {
			return err
		}
		rt.Documents = storage
	}
	return nil
}

func (rt *Runtime) initServices(overrides runtimeOverrides) {
	orchestratorOpts := []fulfillment.Option{
		fulfillment.WithLocker(rt.Locker),
		fulfillment.WithMetrics(rt.Metrics),
		fulfillment.WithLogger(rt.logger.WithField("layer", "fulfillment")),
		fulfillment.WithProviderTimeout(rt.cfg.ProviderTimeout),
	}
	adminOpts := []admin.Option{
		admin.WithLocker(rt.Locker),
		admin.WithMetrics(rt.Metrics),
		admin.WithLogger(rt.logger.WithField("layer", "admin")),
	}
	if rt.Producer != nil {
		publisher := kafka.NewEventPublisher(rt.Producer, rt.cfg.KafkaEventsTopic)
		orchestratorOpts = append(orchestratorOpts,
			fulfillment.WithPublisher(publisher),
			fulfillment.WithNotifier(kafka.NewCompletionNotifier(rt.Producer, rt.cfg.KafkaNotificationsTopic)),
		)
		adminOpts = append(adminOpts, admin.WithPublisher(publisher))
	}
	rt.Orchestrator = fulfillment.NewOrchestrator(rt.Policies, rt.Events, rt.Insurer, rt.Documents, orchestratorOpts...)

	policy := rt.cfg.RetryPolicy()

	schedulerOpts := []retry.Option{
		retry.WithWorkers(rt.cfg.RetryWorkers),
		retry.WithQueueSize(rt.cfg.RetryQueueSize),
		retry.WithMetrics(rt.Metrics),
		retry.WithLogger(rt.logger.WithField("layer", "retry")),
		retry.WithExhaustedHandler(rt.exhaustedHandler()),
	}
	if overrides.sleep != nil {
		schedulerOpts = append(schedulerOpts, retry.WithSleep(overrides.sleep))
	}
	rt.Scheduler = retry.NewScheduler(rt.Orchestrator, policy, schedulerOpts...)

	rt.Intake = intake.NewService(rt.Policies, rt.Events, rt.Scheduler, rt.Locker, rt.logger.WithField("layer", "intake"))
	rt.Admin = admin.NewService(rt.Events, rt.Payments, rt.Scheduler, adminOpts...)
}

// exhaustedHandler публикует оповещение, когда полис исчерпал автоматические повторы.
func (rt *Runtime) exhaustedHandler() retry.ExhaustedHandler {
	return func(ctx context.Context, outcome retry.Outcome) {
		logger := rt.logger.WithError(outcome.Err).WithFields(log.Fields{
			"policy_id": outcome.PolicyID,
			"attempts":  outcome.Attempts,
		})
		logger.Error("policy needs manual attention")

		if rt.Producer == nil {
			return
		}
		alerts := kafka.NewAlertPublisher(rt.Producer, rt.cfg.KafkaAlertsTopic)
		if err := alerts.PublishExhausted(ctx, outcome.PolicyID, outcome.Attempts, outcome.Err); err != nil {
			logger.WithError(err).Warn("failed to publish exhausted alert")
		}
	}
}

// Start запускает планировщик, consumer оплат и при необходимости подхватывает незавершённые полисы.
func (rt *Runtime) Start(ctx context.Context) error {
	rt.Scheduler.Start(ctx)

	if rt.cfg.ResumeOnStart {
		resumed, err := rt.Admin.ResumeInFlight(ctx, rt.cfg.RetryQueueSize)
		if err != nil {
			rt.logger.WithError(err).Warn("failed to resume in-flight policies")
		} else if len(resumed) > 0 {
			rt.logger.WithField("count", len(resumed)).Info("resumed in-flight policies")
		}
	}

	if rt.Consumer != nil {
		if err := rt.Consumer.Start(ctx); err != nil {
			return fmt.Errorf("start payment consumer: %w", err)
		}
	}
	return nil
}

// RegisterHealthCheckers добавляет проверки хранилища, Kafka и circuit breaker страховщика.
func (rt *Runtime) RegisterHealthCheckers(h *healthcheck.Handler) {
	if rt.storageChecker != nil {
		h.RegisterChecker("storage", rt.storageChecker)
	}
	if len(rt.cfg.KafkaBrokers) > 0 {
		h.RegisterChecker("kafka", healthcheck.NewOptionalChecker("kafka", func(context.Context) error {
			if rt.Producer == nil {
				return errors.New("kafka producer is not connected")
			}
			return nil
		}))
	}
	h.RegisterChecker("insurer", healthcheck.NewOptionalChecker("insurer", func(context.Context) error {
		if state := rt.Breaker.State(); state == insurer.CircuitOpen {
			return fmt.Errorf("insurer circuit is %s", state)
		}
		return nil
	}))
}

// Close останавливает consumer, дожидается очереди планировщика и закрывает подключения.
func (rt *Runtime) Close() error {
	if rt == nil {
		return nil
	}
	var errs []error
	if rt.Consumer != nil {
		if err := rt.Consumer.Stop(); err != nil {
			errs = append(errs, err)
		}
		rt.Consumer = nil
	}
	if rt.Scheduler != nil {
		rt.Scheduler.Stop()
	}
	for i := len(rt.closeFns) - 1; i >= 0; i-- {
		if err := rt.closeFns[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closeFns = nil
	return errors.Join(errs...)
}

package retry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/policyflow/internal/domain"
	"github.com/vladislavdragonenkov/policyflow/internal/metrics"
)

const tracerName = "github.com/vladislavdragonenkov/policyflow/internal/service/retry"

var (
	// ErrQueueFull возвращается, когда очередь планировщика заполнена.
	ErrQueueFull = errors.New("retry queue is full")
	// ErrSchedulerStopped возвращается после Stop.
	ErrSchedulerStopped = errors.New("retry scheduler is stopped")
)

// Fulfiller: операция, которую повторяет планировщик.
type Fulfiller interface {
	Fulfill(ctx context.Context, policyID string) error
}

// Outcome: итог одного задания планировщика.
type Outcome struct {
	PolicyID string
	Attempts int
	// Err: ошибка последней попытки, nil при успехе.
	Err error
	// Exhausted: потолок попыток достигнут, автоматических повторов больше не будет.
	Exhausted bool
}

// ExhaustedHandler вызывается, когда полис исчерпал автоматические повторы.
type ExhaustedHandler func(ctx context.Context, outcome Outcome)

// SleepFunc ждёт d или отмены контекста.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option настраивает планировщик.
type Option func(*Scheduler)

// WithWorkers задаёт число воркеров.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithQueueSize задаёт ёмкость очереди.
func WithQueueSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithSleep подменяет ожидание между попытками (для тестов).
func WithSleep(sleep SleepFunc) Option {
	return func(s *Scheduler) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithExhaustedHandler задаёт реакцию на исчерпание повторов.
func WithExhaustedHandler(handler ExhaustedHandler) Option {
	return func(s *Scheduler) { s.onExhausted = handler }
}

// WithMetrics включает метрики Prometheus.
func WithMetrics(m *metrics.FulfillmentMetrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer задаёт трассировщик OpenTelemetry.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// Scheduler: пул воркеров, каждый выполняет одно задание (весь цикл повторов полиса) до конца.
type Scheduler struct {
	fulfiller   Fulfiller
	policy      Policy
	workers     int
	queueSize   int
	sleep       SleepFunc
	onExhausted ExhaustedHandler
	metrics     *metrics.FulfillmentMetrics
	tracer      trace.Tracer
	logger      *log.Entry

	mu      sync.RWMutex
	queue   chan string
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// NewScheduler создаёт планировщик. Start запускает воркеров.
func NewScheduler(fulfiller Fulfiller, policy Policy, opts ...Option) *Scheduler {
	s := &Scheduler{
		fulfiller: fulfiller,
		policy:    policy,
		workers:   4,
		queueSize: 256,
		sleep:     sleepContext,
		tracer:    otel.Tracer(tracerName),
		logger:    log.New().WithField("component", "retry-scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = make(chan string, s.queueSize)
	return s
}

// Start запускает воркеров. Отмена ctx прерывает ожидание между попытками.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.stopped {
		return
	}
	s.started = true

	s.wg.Add(s.workers)
	for i := 0; i < s.workers; i++ {
		go s.worker(ctx)
	}
	s.logger.WithField("workers", s.workers).Info("retry scheduler started")
}

// Stop прекращает приём заданий и ждёт, пока воркеры разберут очередь.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("retry scheduler stopped")
}

// Enqueue ставит полис в очередь на асинхронное оформление без блокировки вызывающего.
func (s *Scheduler) Enqueue(policyID string) error {
	if strings.TrimSpace(policyID) == "" {
		return domain.ErrPolicyIDRequired
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return ErrSchedulerStopped
	}
	select {
	case s.queue <- policyID:
		s.recordQueueDepth()
		return nil
	default:
		s.logger.WithField("policy_id", policyID).Warn("retry queue full, rejecting policy")
		return ErrQueueFull
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case policyID, ok := <-s.queue:
			if !ok {
				return
			}
			s.recordQueueDepth()
			s.RunWithRetry(ctx, policyID)
		}
	}
}

// RunWithRetry синхронно выполняет Fulfill с повторами согласно политике.
// Каждая попытка заново определяет состояние полиса, поэтому пройденные шаги не повторяются.
func (s *Scheduler) RunWithRetry(ctx context.Context, policyID string) Outcome {
	ctx, span := s.tracer.Start(ctx, "retry.RunWithRetry", trace.WithAttributes(
		attribute.String("policy.id", policyID),
	))
	defer span.End()

	out := Outcome{PolicyID: policyID}
	logger := s.logger.WithField("policy_id", policyID)
	maxAttempts := s.policy.maxAttempts()

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			logger.WithError(err).Info("retry interrupted before attempt")
			if out.Err == nil {
				out.Err = err
			}
			break
		}

		out.Attempts = attempt
		if s.metrics != nil {
			s.metrics.RecordRetryAttempt()
		}

		err := s.fulfiller.Fulfill(ctx, policyID)
		out.Err = err
		if err == nil {
			if attempt > 1 {
				logger.WithField("attempt", attempt).Info("fulfillment succeeded after retry")
			}
			break
		}

		if !s.policy.retryable(err) {
			logger.WithError(err).WithField("attempt", attempt).Warn("fulfillment failed with non-retryable error")
			break
		}

		if attempt >= maxAttempts {
			out.Exhausted = true
			logger.WithError(err).WithField("max_attempts", maxAttempts).Error("fulfillment failed after all retry attempts")
			if s.metrics != nil {
				s.metrics.RecordRetryExhausted()
			}
			if s.onExhausted != nil {
				s.onExhausted(ctx, out)
			}
			break
		}

		delay := s.policy.Delay(attempt)
		if wait, ok := retryAfter(err); ok && wait > delay {
			delay = wait
		}
		logger.WithError(err).WithFields(log.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Warn("fulfillment failed, retrying")

		if sleepErr := s.sleep(ctx, delay); sleepErr != nil {
			logger.WithError(sleepErr).Info("retry interrupted during backoff")
			break
		}
	}

	span.SetAttributes(
		attribute.Int("retry.attempts", out.Attempts),
		attribute.Bool("retry.exhausted", out.Exhausted),
	)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	}
	return out
}

// retryAfter извлекает подсказку провайдера о времени следующей попытки,
// например оставшееся время открытого circuit breaker.
func retryAfter(err error) (time.Duration, bool) {
	var hint interface{ RetryAfter() time.Duration }
	if errors.As(err, &hint) {
		return hint.RetryAfter(), true
	}
	return 0, false
}

func (s *Scheduler) recordQueueDepth() {
	if s.metrics != nil {
		s.metrics.SetQueueDepth(len(s.queue))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package insurer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/policyflow/internal/domain"
)

// ErrCircuitOpen возвращается без обращения к страховщику, пока breaker открыт.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError: отказ открытого breaker с временем до перехода в half-open.
type CircuitOpenError struct {
	RetryIn time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("%v, retry in %s: %v", ErrCircuitOpen, e.RetryIn, domain.ErrProviderUnavailable)
}

// Is сопоставляет ошибку с ErrCircuitOpen.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

func (e *CircuitOpenError) Unwrap() error {
	return domain.ErrProviderUnavailable
}

// RetryAfter сообщает, через сколько breaker пропустит следующий вызов.
func (e *CircuitOpenError) RetryAfter() time.Duration {
	return e.RetryIn
}

// CircuitState: состояние circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker: простая реализация circuit breaker паттерна.
// Учитываются только временные ошибки провайдера, клиентские 4xx breaker не открывают.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	state       CircuitState
	logger      *log.Entry
}

// BreakerOption настраивает circuit breaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock подменяет источник времени.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// NewCircuitBreaker создаёт новый circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, logger *log.Entry, opts ...BreakerOption) *CircuitBreaker {
	if logger == nil {
		logger = log.New().WithField("component", "circuit-breaker")
	}
	if maxFailures <= 0 {
		maxFailures = 5
	}

	cb := &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
		state:        CircuitClosed,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// State возвращает текущее состояние.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute выполняет операцию через circuit breaker.
func (cb *CircuitBreaker) Execute(operation string, fn func() error) error {
	cb.mu.Lock()
	if cb.state == CircuitOpen {
		elapsed := cb.now().Sub(cb.lastFailure)
		if elapsed >= cb.resetTimeout {
			cb.state = CircuitHalfOpen
			cb.logger.WithField("operation", operation).Info("circuit breaker half-open")
		} else {
			cb.mu.Unlock()
			return &CircuitOpenError{RetryIn: cb.resetTimeout - elapsed}
		}
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && tripping(err) {
		cb.failures++
		cb.lastFailure = cb.now()

		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			cb.state = CircuitOpen
			cb.logger.WithFields(log.Fields{
				"operation": operation,
				"failures":  cb.failures,
			}).Warn("circuit breaker opened")
		}
		return err
	}

	if cb.state == CircuitHalfOpen {
		cb.state = CircuitClosed
		cb.logger.WithField("operation", operation).Info("circuit breaker closed")
	}
	cb.failures = 0

	return err
}

func tripping(err error) bool {
	var providerErr *domain.ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Temporary()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// BreakerProvider оборачивает InsuranceProvider в circuit breaker.
type BreakerProvider struct {
	next    domain.InsuranceProvider
	breaker *CircuitBreaker
}

// NewBreakerProvider создаёт провайдера с circuit breaker защитой.
func NewBreakerProvider(next domain.InsuranceProvider, breaker *CircuitBreaker) *BreakerProvider {
	return &BreakerProvider{next: next, breaker: breaker}
}

func (p *BreakerProvider) CreateContract(ctx context.Context, req domain.ContractRequest) (domain.ContractResult, error) {
	var result domain.ContractResult
	err := p.breaker.Execute("create_contract", func() error {
		var err error
		result, err = p.next.CreateContract(ctx, req)
		return err
	})
	return result, err
}

func (p *BreakerProvider) ConfirmContract(ctx context.Context, orderID string) error {
	return p.breaker.Execute("confirm_contract", func() error {
		return p.next.ConfirmContract(ctx, orderID)
	})
}

func (p *BreakerProvider) GetPrintForm(ctx context.Context, orderID string) ([]byte, error) {
	var document []byte
	err := p.breaker.Execute("get_print_form", func() error {
		var err error
		document, err = p.next.GetPrintForm(ctx, orderID)
		return err
	})
	return document, err
}

var _ domain.InsuranceProvider = (*BreakerProvider)(nil)
